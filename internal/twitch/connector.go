// Package twitch reads Twitch chat anonymously over the IRC-on-WebSocket
// endpoint. Anonymous connections can only read; the write path reports a
// capability failure instead of attempting a doomed network call.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/chatmux/internal/backoff"
	"github.com/john/chatmux/internal/dedup"
	"github.com/john/chatmux/internal/diag"
	"github.com/john/chatmux/internal/event"
	"github.com/john/chatmux/internal/telemetry"
)

// DefaultURL is Twitch's IRC-over-WebSocket endpoint.
const DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// ErrSendUnsupported is returned by SendMessage: the anonymous handshake
// has no write capability.
var ErrSendUnsupported = errors.New("twitch: sending requires an authenticated connection")

// Connector manages the anonymous Twitch chat connection and its joined
// channel set.
type Connector struct {
	url    string
	sink   diag.Sink
	policy backoff.Policy

	wake chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool // handshake completed on the current socket
	targets map[string]struct{}
	joined  map[string]struct{}
	seen    map[string]*dedup.SeenSet
	unknown map[string]struct{}
}

// New creates a new Twitch connector. url may be empty for the production
// endpoint.
func New(url string, sink diag.Sink) *Connector {
	if url == "" {
		url = DefaultURL
	}
	if sink == nil {
		sink = diag.Discard{}
	}
	return &Connector{
		url:     url,
		sink:    sink,
		policy:  backoff.Default,
		wake:    make(chan struct{}, 1),
		targets: make(map[string]struct{}),
		joined:  make(map[string]struct{}),
		seen:    make(map[string]*dedup.SeenSet),
	}
}

// SetTargets reconciles the joined channel set against the desired one.
// Joins requested while the socket is down are queued and flushed once
// the handshake completes. Removing the last channel closes the socket.
func (c *Connector) SetTargets(channels []string) {
	desired := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		desired[strings.ToLower(strings.TrimPrefix(ch, "#"))] = struct{}{}
	}

	c.mu.Lock()
	var joins, parts []string
	for ch := range desired {
		if _, ok := c.targets[ch]; !ok {
			joins = append(joins, ch)
		}
	}
	for ch := range c.targets {
		if _, ok := desired[ch]; !ok {
			parts = append(parts, ch)
		}
	}
	c.targets = desired

	for _, ch := range joins {
		if c.seen[ch] == nil {
			c.seen[ch] = dedup.NewSeenSet(0)
		}
	}
	for _, ch := range parts {
		delete(c.joined, ch)
		delete(c.seen, ch)
	}
	conn, open := c.conn, c.open
	shutdown := len(desired) == 0
	c.mu.Unlock()

	if open && conn != nil {
		for _, ch := range joins {
			c.write(conn, "JOIN #"+ch)
		}
		for _, ch := range parts {
			c.write(conn, "PART #"+ch)
		}
	}
	if shutdown && conn != nil {
		conn.Close()
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SendMessage is a documented stub: anonymous logins cannot write.
func (c *Connector) SendMessage(channel, text string) error {
	return ErrSendUnsupported
}

// Start runs the connection loop until ctx is cancelled. The socket only
// exists while at least one channel is targeted.
func (c *Connector) Start(ctx context.Context, events chan<- event.Event) error {
	attempt := 0

	for {
		if err := c.waitForTargets(ctx); err != nil {
			return err
		}

		if attempt > 0 {
			if c.policy.Exhausted(attempt) {
				log.Printf("Twitch reconnect budget exhausted after %d attempts", attempt-1)
				c.emit(ctx, events, stateEvent(event.StateMaxAttempts, attempt-1))
				// Stay idle until the target set changes again.
				attempt = 0
				if err := c.waitForWake(ctx); err != nil {
					return err
				}
				continue
			}
			delay := c.policy.Delay(attempt)
			log.Printf("Twitch reconnect attempt %d in %v", attempt, delay)
			c.emit(ctx, events, stateEvent(event.StateReconnecting, attempt))
			telemetry.CountReconnect(string(event.PlatformTwitch))
			if backoff.Sleep(ctx, delay) != nil {
				return ctx.Err()
			}
		}

		dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
		conn, resp, err := dialer.DialContext(ctx, c.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Twitch connection attempt failed: %v", err)
			attempt++
			continue
		}

		attempt = 0
		if err := c.handshake(conn); err != nil {
			log.Printf("Twitch handshake failed: %v", err)
			conn.Close()
			attempt = 1
			continue
		}
		log.Println("Connected to Twitch IRC")
		telemetry.ConnOpened(string(event.PlatformTwitch))
		c.emit(ctx, events, stateEvent(event.StateConnected, 0))

		err = c.readLoop(ctx, conn, events)
		c.teardown(conn)
		telemetry.ConnClosed(string(event.PlatformTwitch))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.hasTargets() {
			// Intentional close after the last channel was removed.
			continue
		}
		log.Printf("Twitch connection lost: %v", err)
		c.emit(ctx, events, stateEvent(event.StateDisconnected, 0))
		attempt = 1
	}
}

// handshake performs the anonymous login and flushes every pending join.
func (c *Connector) handshake(conn *websocket.Conn) error {
	nick := fmt.Sprintf("justinfan%d", 10000+rand.Intn(80000))

	lines := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS SCHMOOPIIE",
		"NICK " + nick,
	}
	for _, line := range lines {
		if err := c.write(conn, line); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.open = true
	pending := make([]string, 0, len(c.targets))
	for ch := range c.targets {
		pending = append(pending, ch)
		c.joined[ch] = struct{}{}
	}
	c.mu.Unlock()

	for _, ch := range pending {
		if err := c.write(conn, "JOIN #"+ch); err != nil {
			return err
		}
		log.Printf("Joined Twitch channel: %s", ch)
	}
	return nil
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- event.Event) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		for _, raw := range SplitLines(string(data)) {
			line, ok := ParseLine(raw)
			if !ok {
				telemetry.CountDecodeFault(string(event.PlatformTwitch))
				c.sink.Report(diag.NewRecord(string(event.PlatformTwitch), "decode_error", "unparseable line", raw))
				continue
			}

			switch line.Command {
			case "PING":
				if err := c.write(conn, "PONG :"+line.Trailing); err != nil {
					return err
				}

			case "PRIVMSG":
				ev := MessageEvent(line)
				if c.isDuplicate(ev.RoomID, ev.EventID) {
					telemetry.CountDuplicate(string(event.PlatformTwitch))
					continue
				}
				c.emit(ctx, events, ev)

			case "CLEARCHAT":
				c.emit(ctx, events, ClearChatEvent(line))

			case "USERNOTICE":
				if ev, ok := UserNoticeEvent(line); ok {
					c.emit(ctx, events, ev)
				}

			case "NOTICE":
				c.emit(ctx, events, event.Event{
					Platform: event.PlatformTwitch,
					Kind:     event.KindError,
					RoomID:   line.Channel(),
					EventID:  fmt.Sprintf("notice:%d", time.Now().UnixNano()),
					System:   &event.System{Text: line.Trailing},
				})

			case "RECONNECT":
				// The server is about to drop us; cycle proactively.
				return errors.New("server requested reconnect")

			case "001", "002", "003", "004", "353", "366", "372", "375", "376",
				"JOIN", "PART", "CAP", "ROOMSTATE", "USERSTATE", "GLOBALUSERSTATE", "CLEARMSG":
				// Handshake chatter and state we don't surface.

			default:
				c.reportUnknown(line.Command, raw)
			}
		}
	}
}

func (c *Connector) write(conn *websocket.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func (c *Connector) isDuplicate(room, id string) bool {
	c.mu.Lock()
	set := c.seen[room]
	c.mu.Unlock()
	if set == nil {
		// Message for a channel we no longer target.
		return true
	}
	return set.Observe(id)
}

func (c *Connector) reportUnknown(command, raw string) {
	c.mu.Lock()
	if c.unknown == nil {
		c.unknown = make(map[string]struct{})
	}
	if _, seen := c.unknown[command]; seen {
		c.mu.Unlock()
		return
	}
	c.unknown[command] = struct{}{}
	c.mu.Unlock()
	c.sink.Report(diag.NewRecord(string(event.PlatformTwitch), "unknown_command", command, raw))
}

func (c *Connector) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = nil
	c.open = false
	c.joined = make(map[string]struct{})
	// A fresh socket is a fresh session for unknown-command reporting.
	c.unknown = nil
	c.mu.Unlock()
	conn.Close()
}

func (c *Connector) hasTargets() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets) > 0
}

// waitForTargets blocks until the desired set is non-empty.
func (c *Connector) waitForTargets(ctx context.Context) error {
	for {
		if c.hasTargets() {
			return nil
		}
		if err := c.waitForWake(ctx); err != nil {
			return err
		}
	}
}

func (c *Connector) waitForWake(ctx context.Context) error {
	select {
	case <-c.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) emit(ctx context.Context, events chan<- event.Event, ev event.Event) {
	telemetry.CountEvent(string(ev.Platform), string(ev.Kind))
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func stateEvent(state event.ConnState, attempt int) event.Event {
	return event.Event{
		Platform: event.PlatformTwitch,
		Kind:     event.KindState,
		EventID:  fmt.Sprintf("state:%s:%d", state, time.Now().UnixNano()),
		State:    &event.StateChange{State: state, Attempt: attempt},
	}
}
