// Package youtube reads live chat through the innertube long-poll API.
// Each watched video gets its own bootstrap (API key, client context and
// an initial continuation token scraped from the page) and its own poll
// loop; the server paces the loop through the timeoutMs hint carried on
// every continuation.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/john/chatmux/internal/backoff"
	"github.com/john/chatmux/internal/dedup"
	"github.com/john/chatmux/internal/diag"
	"github.com/john/chatmux/internal/event"
	"github.com/john/chatmux/internal/telemetry"
)

// DefaultBaseURL is the public site origin; tests point this at a fake.
const DefaultBaseURL = "https://www.youtube.com"

const (
	requestTimeout = 15 * time.Second
	errorRetry     = 2 * time.Second
)

// room is one watched video's poll state. The loop goroutine owns
// continuation; everything else reads it under the connector lock.
type room struct {
	videoID      string
	boot         Bootstrap
	continuation string
	seen         *dedup.SeenSet
	cancel       context.CancelFunc
	done         chan struct{}
}

// Connector polls live chat for a set of videos.
type Connector struct {
	baseURL    string
	client     *http.Client
	sink       diag.Sink
	multiplier float64

	mu      sync.Mutex
	events  chan<- event.Event
	runCtx  context.Context
	rooms   map[string]*room
	unknown map[string]struct{}
}

// New creates a YouTube connector. baseURL may be empty for production;
// multiplier scales the server's suggested poll delay and defaults to 1.
func New(baseURL string, multiplier float64, sink diag.Sink) *Connector {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	if sink == nil {
		sink = diag.Discard{}
	}
	return &Connector{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: requestTimeout},
		sink:       sink,
		multiplier: multiplier,
		rooms:      make(map[string]*room),
	}
}

// Start records the emit channel and blocks until ctx is cancelled.
// Poll loops are started and stopped by SetTargets.
func (c *Connector) Start(ctx context.Context, events chan<- event.Event) error {
	c.mu.Lock()
	c.events = events
	c.runCtx = ctx
	c.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

// SetTargets reconciles poll loops against the desired video set. A
// bootstrap failure fails only its own video; the returned error
// aggregates them so the caller can retry those ids.
func (c *Connector) SetTargets(ctx context.Context, videoIDs []string) error {
	desired := make(map[string]struct{}, len(videoIDs))
	for _, id := range videoIDs {
		desired[id] = struct{}{}
	}

	var errs []error
	for videoID := range desired {
		c.mu.Lock()
		_, running := c.rooms[videoID]
		runCtx := c.runCtx
		c.mu.Unlock()
		if running {
			continue
		}
		if runCtx == nil {
			runCtx = ctx
		}

		boot, err := c.fetchBootstrap(ctx, videoID)
		if err != nil {
			errs = append(errs, err)
			log.Printf("Warning: failed to bootstrap YouTube video %s: %v (skipping)", videoID, err)
			continue
		}
		log.Printf("Bootstrapped YouTube live chat for %s", videoID)

		roomCtx, cancel := context.WithCancel(runCtx)
		r := &room{
			videoID:      videoID,
			boot:         boot,
			continuation: boot.Continuation,
			seen:         dedup.NewSeenSet(0),
			cancel:       cancel,
			done:         make(chan struct{}),
		}
		c.mu.Lock()
		c.rooms[videoID] = r
		c.mu.Unlock()
		go c.pollLoop(roomCtx, r)
	}

	c.mu.Lock()
	var stopped []*room
	for videoID, r := range c.rooms {
		if _, keep := desired[videoID]; keep {
			continue
		}
		delete(c.rooms, videoID)
		stopped = append(stopped, r)
	}
	c.mu.Unlock()

	for _, r := range stopped {
		r.cancel()
		<-r.done
	}
	return errors.Join(errs...)
}

// pollLoop drives one video's long-poll cycle until its context is
// cancelled. Request errors retry the same continuation after a fixed
// pause so no page of history is skipped.
func (c *Connector) pollLoop(ctx context.Context, r *room) {
	defer close(r.done)

	telemetry.ConnOpened(string(event.PlatformYouTube))
	defer telemetry.ConnClosed(string(event.PlatformYouTube))

	c.emit(ctx, stateEvent(r.videoID, event.StateConnected, 0))
	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := c.poll(ctx, r)
		telemetry.CountPollCycle(string(event.PlatformYouTube))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("YouTube poll for %s failed: %v", r.videoID, err)
			if backoff.Sleep(ctx, errorRetry) != nil {
				return
			}
			continue
		}

		for _, raw := range resp.ContinuationContents.LiveChatContinuation.Actions {
			ev, ok := normalizeAction(r.videoID, raw)
			if !ok {
				c.reportUnknown(raw)
				continue
			}
			if r.seen.Observe(ev.EventID) {
				telemetry.CountDuplicate(string(event.PlatformYouTube))
				continue
			}
			c.emit(ctx, ev)
		}

		next, timeoutMs := resp.next()
		if next == "" {
			// No further continuation means the chat is over. Release the
			// room so a later SetTargets for the same id re-bootstraps
			// instead of finding a dead entry.
			log.Printf("YouTube live chat for %s ended", r.videoID)
			c.mu.Lock()
			if c.rooms[r.videoID] == r {
				delete(c.rooms, r.videoID)
			}
			c.mu.Unlock()
			c.emit(ctx, stateEvent(r.videoID, event.StateDisconnected, 0))
			return
		}
		c.mu.Lock()
		r.continuation = next
		c.mu.Unlock()

		if backoff.Sleep(ctx, nextDelay(timeoutMs, c.multiplier)) != nil {
			return
		}
	}
}

func (c *Connector) poll(ctx context.Context, r *room) (pollResponse, error) {
	c.mu.Lock()
	continuation := r.continuation
	c.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"context":      r.boot.Context,
		"continuation": continuation,
	})
	if err != nil {
		return pollResponse{}, err
	}

	url := c.baseURL + "/youtubei/v1/live_chat/get_live_chat?key=" + r.boot.APIKey
	data, err := c.postJSON(ctx, url, body)
	if err != nil {
		return pollResponse{}, err
	}

	var resp pollResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		telemetry.CountDecodeFault(string(event.PlatformYouTube))
		c.sink.Report(diag.NewRecord(string(event.PlatformYouTube), "decode_error", err.Error(), string(data)))
		return pollResponse{}, err
	}
	return resp, nil
}

// SendMessage posts a chat message to a watched video. The read
// continuation is url-safe base64; the write endpoint wants standard
// base64, so the token is re-padded and re-alphabeted first.
func (c *Connector) SendMessage(videoID, text string) error {
	c.mu.Lock()
	r, ok := c.rooms[videoID]
	var continuation string
	var boot Bootstrap
	if ok {
		continuation = r.continuation
		boot = r.boot
	}
	ctx := c.runCtx
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("youtube: video %s is not being watched", videoID)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := json.Marshal(map[string]any{
		"context":         boot.Context,
		"params":          normalizeToken(continuation),
		"clientMessageId": uuid.NewString(),
		"richMessage": map[string]any{
			"textSegments": []map[string]string{{"text": text}},
		},
	})
	if err != nil {
		return err
	}

	url := c.baseURL + "/youtubei/v1/live_chat/send_message?key=" + boot.APIKey
	if _, err := c.postJSON(ctx, url, body); err != nil {
		return fmt.Errorf("youtube send to %s: %w", videoID, err)
	}
	return nil
}

func (c *Connector) postJSON(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("innertube returned status %d", resp.StatusCode)
	}
	return data, nil
}

var tokenAlphabet = strings.NewReplacer("-", "+", "_", "/")

// normalizeToken converts a url-safe unpadded base64 token to standard
// padded base64.
func normalizeToken(token string) string {
	token = tokenAlphabet.Replace(token)
	if rem := len(token) % 4; rem != 0 {
		token += strings.Repeat("=", 4-rem)
	}
	return token
}

func (c *Connector) reportUnknown(raw json.RawMessage) {
	// Key unknown shapes by their first field name so each variant is
	// reported once per process.
	var probe map[string]json.RawMessage
	name := "unparseable"
	if err := json.Unmarshal(raw, &probe); err == nil {
		for k := range probe {
			if k != "clickTrackingParams" {
				name = k
				break
			}
		}
	}

	c.mu.Lock()
	if c.unknown == nil {
		c.unknown = make(map[string]struct{})
	}
	if _, seen := c.unknown[name]; seen {
		c.mu.Unlock()
		return
	}
	c.unknown[name] = struct{}{}
	c.mu.Unlock()
	c.sink.Report(diag.NewRecord(string(event.PlatformYouTube), "unknown_action", name, string(raw)))
}

func (c *Connector) emit(ctx context.Context, ev event.Event) {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return
	}
	telemetry.CountEvent(string(ev.Platform), string(ev.Kind))
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func stateEvent(videoID string, state event.ConnState, attempt int) event.Event {
	return event.Event{
		Platform: event.PlatformYouTube,
		Kind:     event.KindState,
		RoomID:   videoID,
		EventID:  fmt.Sprintf("state:%s:%d", state, time.Now().UnixNano()),
		State:    &event.StateChange{State: state, Attempt: attempt},
	}
}
