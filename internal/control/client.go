package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonNotRunning is returned by Dial when nothing listens on the
// socket.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Client sends requests to a Server.
type Client struct {
	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	return &Client{conn: conn}, nil
}

// Do sends req and waits for the response. A response carrying an error
// is returned along with that error.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	if err := writeFrame(c.conn, opRequest, payload); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	opcode, data, err := readFrame(c.conn)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if opcode != opResponse {
		return Response{}, fmt.Errorf("unexpected opcode %d", opcode)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
