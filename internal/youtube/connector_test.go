package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/john/chatmux/internal/event"
)

// innertubeFake serves the chat page and a scripted sequence of poll
// responses, recording every request body it sees.
type innertubeFake struct {
	mu        sync.Mutex
	page      string
	polls     []string
	pollIdx   int
	pollBodys []string
	sendBodys []string
	failNext  int
}

func (f *innertubeFake) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live_chat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		page := f.page
		f.mu.Unlock()
		io.WriteString(w, page)
	})
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		page := f.page
		f.mu.Unlock()
		io.WriteString(w, page)
	})
	mux.HandleFunc("/youtubei/v1/live_chat/get_live_chat", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.pollBodys = append(f.pollBodys, string(body))
		if f.failNext > 0 {
			f.failNext--
			f.mu.Unlock()
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		resp := `{}`
		if f.pollIdx < len(f.polls) {
			resp = f.polls[f.pollIdx]
			f.pollIdx++
		}
		f.mu.Unlock()
		io.WriteString(w, resp)
	})
	mux.HandleFunc("/youtubei/v1/live_chat/send_message", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.sendBodys = append(f.sendBodys, string(body))
		f.mu.Unlock()
		io.WriteString(w, `{}`)
	})
	return mux
}

func (f *innertubeFake) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pollBodys...)
}

func pollPage(continuation string) string {
	return fmt.Sprintf(`{"INNERTUBE_API_KEY":"k","INNERTUBE_CONTEXT":{"client":{"clientName":"WEB"}},"continuation":"%s"}`, continuation)
}

func textAction(id, author, text string) string {
	return fmt.Sprintf(`{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{"id":"%s","timestampUsec":"1700000000000000","authorName":{"simpleText":"%s"},"message":{"runs":[{"text":"%s"}]}}}}}`, id, author, text)
}

func pollBody(continuation string, timeoutMs int, actions ...string) string {
	conts := fmt.Sprintf(`[{"timedContinuationData":{"continuation":"%s","timeoutMs":%d}}]`, continuation, timeoutMs)
	if continuation == "" {
		conts = `[]`
	}
	return fmt.Sprintf(`{"continuationContents":{"liveChatContinuation":{"continuations":%s,"actions":[%s]}}}`, conts, strings.Join(actions, ","))
}

func startConnector(t *testing.T, fake *innertubeFake) (*Connector, chan event.Event, context.CancelFunc) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	c := New(srv.URL, 1, nil)
	events := make(chan event.Event, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Start(ctx, events)

	// Start must have stored the run context before targets arrive.
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.runCtx != nil
	})
	return c, events, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func nextMessage(t *testing.T, events chan event.Event) event.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == event.KindMessage {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for a message event")
		}
	}
}

func TestPollLoopEmitsAndAdvancesContinuation(t *testing.T) {
	fake := &innertubeFake{
		page: pollPage("tok-1"),
		polls: []string{
			pollBody("tok-2", 0, textAction("m1", "alice", "one")),
			pollBody("tok-3", 0, textAction("m1", "alice", "one"), textAction("m2", "bob", "two")),
			pollBody("", 0),
		},
	}
	c, events, _ := startConnector(t, fake)

	if err := c.SetTargets(context.Background(), []string{"vid1"}); err != nil {
		t.Fatalf("SetTargets: %v", err)
	}

	first := nextMessage(t, events)
	if first.EventID != "m1" || first.Message.Text != "one" {
		t.Fatalf("first message = %+v", first)
	}
	second := nextMessage(t, events)
	if second.EventID != "m2" {
		t.Fatalf("m1 must be deduped across cycles, got %+v", second)
	}

	waitFor(t, func() bool { return len(fake.bodies()) >= 3 })
	bodies := fake.bodies()
	for i, want := range []string{"tok-1", "tok-2", "tok-3"} {
		if !strings.Contains(bodies[i], fmt.Sprintf(`"continuation":"%s"`, want)) {
			t.Errorf("poll %d did not carry %s: %s", i, want, bodies[i])
		}
	}
}

func TestPollErrorRetriesSameContinuation(t *testing.T) {
	fake := &innertubeFake{
		page:     pollPage("tok-1"),
		failNext: 1,
		polls: []string{
			pollBody("tok-2", 0, textAction("m1", "alice", "hello")),
		},
	}
	c, events, _ := startConnector(t, fake)

	if err := c.SetTargets(context.Background(), []string{"vid1"}); err != nil {
		t.Fatalf("SetTargets: %v", err)
	}

	ev := nextMessage(t, events)
	if ev.EventID != "m1" {
		t.Fatalf("message = %+v", ev)
	}

	bodies := fake.bodies()
	if len(bodies) < 2 {
		t.Fatalf("expected a retry, saw %d polls", len(bodies))
	}
	for i := 0; i < 2; i++ {
		if !strings.Contains(bodies[i], `"continuation":"tok-1"`) {
			t.Errorf("poll %d should reuse tok-1 after the error: %s", i, bodies[i])
		}
	}
}

func TestSetTargetsIsolatesBootstrapFailure(t *testing.T) {
	fake := &innertubeFake{
		page: pollPage("tok-1"),
		polls: []string{
			pollBody("tok-2", 60000, textAction("m1", "alice", "hello")),
		},
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	// A second origin that serves no usable page at all.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(dead.Close)

	c := New(srv.URL, 1, nil)
	events := make(chan event.Event, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Start(ctx, events)
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.runCtx != nil
	})

	if err := c.SetTargets(context.Background(), []string{"vid-good"}); err != nil {
		t.Fatalf("SetTargets: %v", err)
	}
	if ev := nextMessage(t, events); ev.EventID != "m1" {
		t.Fatalf("message = %+v", ev)
	}

	c2 := New(dead.URL, 1, nil)
	go c2.Start(ctx, make(chan event.Event, 1))
	err := c2.SetTargets(context.Background(), []string{"vid-bad"})
	if err == nil || !strings.Contains(err.Error(), "vid-bad") {
		t.Fatalf("expected a bootstrap error naming the video, got %v", err)
	}
}

func TestSetTargetsRemovalStopsPolling(t *testing.T) {
	fake := &innertubeFake{
		page: pollPage("tok-1"),
		polls: []string{
			pollBody("tok-2", 60000, textAction("m1", "alice", "hello")),
		},
	}
	c, events, _ := startConnector(t, fake)

	if err := c.SetTargets(context.Background(), []string{"vid1"}); err != nil {
		t.Fatalf("SetTargets: %v", err)
	}
	nextMessage(t, events)

	if err := c.SetTargets(context.Background(), nil); err != nil {
		t.Fatalf("SetTargets(nil): %v", err)
	}
	c.mu.Lock()
	remaining := len(c.rooms)
	c.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no rooms after removal, have %d", remaining)
	}

	before := len(fake.bodies())
	time.Sleep(200 * time.Millisecond)
	if after := len(fake.bodies()); after != before {
		t.Errorf("poll loop kept running after removal: %d -> %d", before, after)
	}
}

func TestChatEndReleasesRoom(t *testing.T) {
	fake := &innertubeFake{
		page: pollPage("tok-1"),
		polls: []string{
			pollBody("", 0, textAction("m1", "alice", "bye")),
			pollBody("tok-2", 60000, textAction("m2", "bob", "back")),
		},
	}
	c, events, _ := startConnector(t, fake)

	if err := c.SetTargets(context.Background(), []string{"vid1"}); err != nil {
		t.Fatalf("SetTargets: %v", err)
	}
	if ev := nextMessage(t, events); ev.EventID != "m1" {
		t.Fatalf("message = %+v", ev)
	}

	// An empty next continuation means the chat ended; the room entry must
	// be released, not left behind as a dead watcher.
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.rooms) == 0
	})
	if err := c.SendMessage("vid1", "hello?"); err == nil {
		t.Error("sending to an ended chat must fail")
	}

	// The same id can be watched again via a fresh bootstrap.
	if err := c.SetTargets(context.Background(), []string{"vid1"}); err != nil {
		t.Fatalf("SetTargets after chat end: %v", err)
	}
	if ev := nextMessage(t, events); ev.EventID != "m2" {
		t.Fatalf("post-restart message = %+v", ev)
	}
}

func TestSendMessageNormalizesContinuation(t *testing.T) {
	fake := &innertubeFake{
		page: pollPage("tok_ab-c"),
		polls: []string{
			pollBody("tok_ab-c", 60000),
		},
	}
	c, _, _ := startConnector(t, fake)

	if err := c.SetTargets(context.Background(), []string{"vid1"}); err != nil {
		t.Fatalf("SetTargets: %v", err)
	}
	if err := c.SendMessage("vid1", "hello there"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	fake.mu.Lock()
	sends := append([]string(nil), fake.sendBodys...)
	fake.mu.Unlock()
	if len(sends) != 1 {
		t.Fatalf("expected one send, saw %d", len(sends))
	}

	var body struct {
		Params          string `json:"params"`
		ClientMessageID string `json:"clientMessageId"`
		RichMessage     struct {
			TextSegments []struct {
				Text string `json:"text"`
			} `json:"textSegments"`
		} `json:"richMessage"`
	}
	if err := json.Unmarshal([]byte(sends[0]), &body); err != nil {
		t.Fatalf("send body: %v", err)
	}
	if body.Params != "tok/ab+c" {
		t.Errorf("params = %q, want %q", body.Params, "tok/ab+c")
	}
	if body.ClientMessageID == "" {
		t.Error("clientMessageId missing")
	}
	if len(body.RichMessage.TextSegments) != 1 || body.RichMessage.TextSegments[0].Text != "hello there" {
		t.Errorf("text segments = %+v", body.RichMessage.TextSegments)
	}

	if err := c.SendMessage("nope", "x"); err == nil {
		t.Error("sending to an unwatched video must fail")
	}
}
