package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// DefaultAPIBase is Kick's public site root.
const DefaultAPIBase = "https://kick.com"

// Identity is the resolved, numeric identity of a Kick room. The channel
// id and chatroom id diverge across Kick's endpoints: the WebSocket
// subscription and backlog fetch disagree about which one they want, so
// both are kept.
type Identity struct {
	Slug       string
	ChannelID  int
	ChatroomID int
}

// channelResponse is the shape shared by the v2 and v1 channel endpoints.
type channelResponse struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
}

var (
	chatroomIDPattern = regexp.MustCompile(`"chatroom"\s*:\s*\{\s*"id"\s*:\s*(\d+)`)
	channelIDPattern  = regexp.MustCompile(`"channel_id"\s*:\s*(\d+)`)
)

// Resolver turns channel slugs into Identities via Kick's channel API,
// with an HTML-scrape fallback when the structured endpoints fail.
// Results are cached per slug for the process lifetime.
type Resolver struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]Identity
}

// NewResolver creates a resolver. baseURL may be empty for production.
func NewResolver(baseURL string, client *http.Client) *Resolver {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{
		baseURL: baseURL,
		client:  client,
		cache:   make(map[string]Identity),
	}
}

// Prime seeds the cache with a pre-configured identity, skipping network
// resolution for that slug.
func (r *Resolver) Prime(id Identity) {
	r.mu.Lock()
	r.cache[id.Slug] = id
	r.mu.Unlock()
}

// Invalidate drops the cached identity for slug so the next Resolve
// refetches it.
func (r *Resolver) Invalidate(slug string) {
	r.mu.Lock()
	delete(r.cache, slug)
	r.mu.Unlock()
}

// Resolve returns the identity for a channel slug. The v2 endpoint is
// tried first, then v1, then a scrape of the channel page. A failure
// affects only this slug.
func (r *Resolver) Resolve(ctx context.Context, slug string) (Identity, error) {
	r.mu.Lock()
	if id, ok := r.cache[slug]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	var lastErr error
	for _, path := range []string{"/api/v2/channels/", "/api/v1/channels/"} {
		id, err := r.fetchChannel(ctx, path+slug)
		if err == nil && id.ChatroomID != 0 {
			id.Slug = slug
			r.mu.Lock()
			r.cache[slug] = id
			r.mu.Unlock()
			return id, nil
		}
		if err != nil {
			lastErr = err
		}
	}

	// All structured endpoints failed; scrape the channel page.
	id, err := r.scrapeChannelPage(ctx, slug)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve %q: %w (api: %v)", slug, err, lastErr)
	}
	r.mu.Lock()
	r.cache[slug] = id
	r.mu.Unlock()
	return id, nil
}

func (r *Resolver) fetchChannel(ctx context.Context, path string) (Identity, error) {
	body, err := r.get(ctx, r.baseURL+path)
	if err != nil {
		return Identity{}, err
	}

	var info channelResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return Identity{}, fmt.Errorf("JSON decode failed: %w", err)
	}
	return Identity{ChannelID: info.ID, ChatroomID: info.Chatroom.ID}, nil
}

// scrapeChannelPage extracts ids by pattern match from the channel's HTML
// page. This is the last-resort fallback; the embedded JSON blobs carry
// the same numbers the API would return.
func (r *Resolver) scrapeChannelPage(ctx context.Context, slug string) (Identity, error) {
	body, err := r.get(ctx, r.baseURL+"/"+slug)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{Slug: slug}
	if m := chatroomIDPattern.FindSubmatch(body); m != nil {
		id.ChatroomID, _ = strconv.Atoi(string(m[1]))
	}
	if m := channelIDPattern.FindSubmatch(body); m != nil {
		id.ChannelID, _ = strconv.Atoi(string(m[1]))
	}
	if id.ChatroomID == 0 {
		return Identity{}, fmt.Errorf("no chatroom id found in page")
	}
	return id, nil
}

func (r *Resolver) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setBrowserHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// setBrowserHeaders mimics a desktop browser; Kick's CDN rejects bare
// clients.
func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json, text/html")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("sec-ch-ua", `"Chromium";v="143", "Not.A/Brand";v="24", "Google Chrome";v="143"`)
	req.Header.Set("sec-ch-ua-mobile", "?0")
	req.Header.Set("sec-ch-ua-platform", `"Windows"`)
}
