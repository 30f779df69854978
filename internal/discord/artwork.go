package discord

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// negativeCacheTTL is how long a failed lookup is remembered before the
// search is retried.
const negativeCacheTTL = 10 * time.Minute

// artworkLookup finds artwork for tracks that carry none, using the
// iTunes Search API, and caches results per author and title.
type artworkLookup struct {
	mu       sync.Mutex
	cache    map[string]cachedArtwork
	client   *http.Client
	endpoint string
	now      func() time.Time
}

type cachedArtwork struct {
	url     string
	fetched time.Time
}

func newArtworkLookup() *artworkLookup {
	return &artworkLookup{
		cache: make(map[string]cachedArtwork),
		client: &http.Client{
			Timeout: 3 * time.Second,
		},
		endpoint: "https://itunes.apple.com/search",
		now:      time.Now,
	}
}

type itunesResponse struct {
	Results []itunesResult `json:"results"`
}

type itunesResult struct {
	ArtworkURL100 string `json:"artworkUrl100"`
}

// Lookup returns an artwork URL for the given author and title, or the
// empty string. Misses are cached for negativeCacheTTL.
func (a *artworkLookup) Lookup(author, title string) string {
	key := author + "|" + title
	a.mu.Lock()
	if c, ok := a.cache[key]; ok {
		if c.url != "" || a.now().Sub(c.fetched) < negativeCacheTTL {
			a.mu.Unlock()
			return c.url
		}
	}
	a.mu.Unlock()

	artURL := a.fetch(author, title, "song")
	if artURL == "" {
		artURL = a.fetch(author, title, "album")
	}

	a.mu.Lock()
	a.cache[key] = cachedArtwork{url: artURL, fetched: a.now()}
	a.mu.Unlock()

	return artURL
}

func (a *artworkLookup) fetch(author, title, entity string) string {
	query := url.Values{
		"term":   {strings.TrimSpace(author + " " + title)},
		"entity": {entity},
		"limit":  {"1"},
	}
	resp, err := a.client.Get(fmt.Sprintf("%s?%s", a.endpoint, query.Encode()))
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var result itunesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ""
	}
	if len(result.Results) == 0 || result.Results[0].ArtworkURL100 == "" {
		return ""
	}

	// Upscale from 100x100 to 600x600 for better quality
	return strings.Replace(result.Results[0].ArtworkURL100, "100x100bb", "600x600bb", 1)
}
