package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// Bootstrap holds the three opaque values scraped from the live chat
// page that every innertube call needs.
type Bootstrap struct {
	APIKey       string
	Context      json.RawMessage // serialized INNERTUBE_CONTEXT object
	Continuation string
}

func (b Bootstrap) complete() bool {
	return b.APIKey != "" && len(b.Context) > 0 && b.Continuation != ""
}

var (
	apiKeyPattern       = regexp.MustCompile(`"INNERTUBE_API_KEY"\s*:\s*"([^"]+)"`)
	continuationPattern = regexp.MustCompile(`"continuation"\s*:\s*"([0-9A-Za-z%_=-]+)"`)
)

// extractBootstrap pulls the three values out of a page. Primary marker
// strings are tried first, then regex scans; missing values stay empty
// for the caller to fill from a secondary page.
func extractBootstrap(page string) Bootstrap {
	var b Bootstrap

	if m := apiKeyPattern.FindStringSubmatch(page); m != nil {
		b.APIKey = m[1]
	}
	if ctx := extractJSONObject(page, `"INNERTUBE_CONTEXT":`); ctx != "" {
		if json.Valid([]byte(ctx)) {
			b.Context = json.RawMessage(ctx)
		}
	}
	if m := continuationPattern.FindStringSubmatch(page); m != nil {
		b.Continuation = m[1]
	}
	return b
}

// extractJSONObject returns the balanced-brace JSON object following
// marker, tracking string literals and escapes so braces inside values
// don't unbalance the scan.
func extractJSONObject(page, marker string) string {
	start := strings.Index(page, marker)
	if start < 0 {
		return ""
	}
	rest := page[start+len(marker):]
	open := strings.IndexByte(rest, '{')
	if open < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(rest); i++ {
		ch := rest[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return rest[open : i+1]
			}
		}
	}
	return ""
}

// fetchBootstrap initializes a room: the live chat popout page is
// scraped first, and any value it lacks is filled from the watch page.
// Missing any of the three values afterwards is a hard failure for this
// room only; the caller decides whether to retry.
func (c *Connector) fetchBootstrap(ctx context.Context, videoID string) (Bootstrap, error) {
	pages := []string{
		c.baseURL + "/live_chat?is_popout=1&v=" + videoID,
		c.baseURL + "/watch?v=" + videoID,
	}

	var b Bootstrap
	for _, url := range pages {
		page, err := c.getPage(ctx, url)
		if err != nil {
			continue
		}
		next := extractBootstrap(page)
		if b.APIKey == "" {
			b.APIKey = next.APIKey
		}
		if len(b.Context) == 0 {
			b.Context = next.Context
		}
		if b.Continuation == "" {
			b.Continuation = next.Continuation
		}
		if b.complete() {
			return b, nil
		}
	}

	missing := []string{}
	if b.APIKey == "" {
		missing = append(missing, "api key")
	}
	if len(b.Context) == 0 {
		missing = append(missing, "innertube context")
	}
	if b.Continuation == "" {
		missing = append(missing, "continuation")
	}
	return Bootstrap{}, fmt.Errorf("bootstrap %s: missing %s", videoID, strings.Join(missing, ", "))
}

func (c *Connector) getPage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"
