package mainloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Loop is a serial executor. Every task posted to it runs on a single
// goroutine in the order it was posted, so state touched only from tasks
// needs no further locking.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	idle   *sync.Cond // signalled when busy drops to zero
	tasks  []func()
	busy   int // background functions started with Go and still running
	closed bool
	done   chan struct{}
	logger zerolog.Logger
}

// New creates a Loop and starts its goroutine.
func New(logger zerolog.Logger) *Loop {
	l := &Loop{
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "mainloop").Logger(),
	}
	l.cond = sync.NewCond(&l.mu)
	l.idle = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.exec(task)
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("Task panicked")
		}
	}()
	task()
}

// Post enqueues fn. It never blocks and may be called from any goroutine,
// including from a task. Returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.cond.Signal()
	return true
}

// Sync posts fn and waits until it has run. Everything posted before the
// call has run by the time Sync returns. Must not be called from a task.
func (l *Loop) Sync(fn func()) bool {
	ran := make(chan struct{})
	ok := l.Post(func() {
		defer close(ran)
		if fn != nil {
			fn()
		}
	})
	if !ok {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Go runs fn on its own goroutine, for blocking work whose results are
// posted back to the loop. Returns false if the loop is closed.
func (l *Loop) Go(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.busy++
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			l.busy--
			if l.busy == 0 {
				l.idle.Broadcast()
			}
			l.mu.Unlock()
		}()
		fn()
	}()
	return true
}

// Flush waits for functions started with Go to return, then until every
// task posted so far has run. Must not be called from a task.
func (l *Loop) Flush() {
	l.mu.Lock()
	for l.busy > 0 {
		l.idle.Wait()
	}
	l.mu.Unlock()
	l.Sync(nil)
}

// Close stops accepting tasks, drains the ones already queued and waits
// for the loop goroutine to exit. Safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	<-l.done
}

// Timer is a one-shot callback scheduled with After.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// Stop cancels the timer. Once Stop returns, the callback will not start,
// provided Stop is called on the loop or the callback has not yet been
// handed to the loop.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.stopped.Store(true)
			fn()
		})
	})
	return t
}

// Ticker is a periodic callback scheduled with Every.
type Ticker struct {
	stop    chan struct{}
	once    sync.Once
	stopped atomic.Bool
	pending atomic.Bool
}

// Stop cancels the ticker. Ticks already queued on the loop are dropped.
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.stop)
	})
}

// Every runs fn on the loop every d. A tick is not posted while the
// previous one is still waiting to run, so a busy loop sees coalesced
// ticks rather than a backlog.
func (l *Loop) Every(d time.Duration, fn func()) *Ticker {
	t := &Ticker{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-l.done:
				return
			case <-ticker.C:
				if !t.pending.CompareAndSwap(false, true) {
					continue
				}
				posted := l.Post(func() {
					t.pending.Store(false)
					if t.stopped.Load() {
						return
					}
					fn()
				})
				if !posted {
					return
				}
			}
		}
	}()
	return t
}
