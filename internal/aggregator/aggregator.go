// Package aggregator fans the platform connectors into one normalized
// event stream. It owns no sockets; each connector keeps exclusive
// ownership of its own connection and the facade only routes targets,
// outbound messages and the merged event channel.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/john/chatmux/internal/event"
)

// DGGConnector is the single-room connect/disconnect style connector.
type DGGConnector interface {
	Connect(ctx context.Context, events chan<- event.Event)
	Disconnect()
	SendMessage(text string) bool
}

// KickConnector manages Pusher subscriptions for a set of channel slugs.
type KickConnector interface {
	Start(ctx context.Context, events chan<- event.Event) error
	SetTargets(ctx context.Context, slugs []string) error
	RefetchHistory(ctx context.Context, slugs []string)
	SendMessage(roomID, text string) error
}

// TwitchConnector manages IRC channel membership.
type TwitchConnector interface {
	Start(ctx context.Context, events chan<- event.Event) error
	SetTargets(channels []string)
	SendMessage(channel, text string) error
}

// YouTubeConnector manages long-poll loops for a set of video ids.
type YouTubeConnector interface {
	Start(ctx context.Context, events chan<- event.Event) error
	SetTargets(ctx context.Context, videoIDs []string) error
	SendMessage(videoID, text string) error
}

// ErrNotSending is returned when an outbound message is refused at the
// facade level (platform disabled or the connector rejected it).
var ErrNotSending = errors.New("message was not sent")

// Aggregator merges the enabled connectors into one event stream. Nil
// connectors are simply disabled platforms.
type Aggregator struct {
	events chan event.Event

	dgg     DGGConnector
	kick    KickConnector
	twitch  TwitchConnector
	youtube YouTubeConnector

	mu           sync.Mutex
	runCtx       context.Context
	dggConnected bool
}

// New creates the facade. Pass nil for platforms that are disabled.
// bufferSize bounds the merged channel; reads never block on the
// consumer beyond that buffer.
func New(bufferSize int, dgg DGGConnector, kick KickConnector, twitch TwitchConnector, youtube YouTubeConnector) *Aggregator {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Aggregator{
		events:  make(chan event.Event, bufferSize),
		dgg:     dgg,
		kick:    kick,
		twitch:  twitch,
		youtube: youtube,
	}
}

// Events is the merged stream. It is intended for exactly one consumer.
func (a *Aggregator) Events() <-chan event.Event {
	return a.events
}

// Run starts every enabled connector and blocks until ctx is cancelled
// and they have all stopped.
func (a *Aggregator) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	var wg sync.WaitGroup
	start := func(name string, run func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s connector stopped: %v", name, err)
			}
		}()
	}

	if a.kick != nil {
		start("kick", func() error { return a.kick.Start(ctx, a.events) })
	}
	if a.twitch != nil {
		start("twitch", func() error { return a.twitch.Start(ctx, a.events) })
	}
	if a.youtube != nil {
		start("youtube", func() error { return a.youtube.Start(ctx, a.events) })
	}

	<-ctx.Done()
	if a.dgg != nil {
		a.dgg.Disconnect()
	}
	wg.Wait()
	return ctx.Err()
}

// SetTargets routes a desired room list to one platform's connector.
// The single-room platform treats a non-empty list as connect and an
// empty list as disconnect.
func (a *Aggregator) SetTargets(ctx context.Context, platform event.Platform, ids []string) error {
	switch platform {
	case event.PlatformDGG:
		if a.dgg == nil {
			return fmt.Errorf("platform %s is not enabled", platform)
		}
		a.mu.Lock()
		runCtx := a.runCtx
		wasConnected := a.dggConnected
		a.dggConnected = len(ids) > 0
		a.mu.Unlock()
		if runCtx == nil {
			runCtx = ctx
		}
		switch {
		case len(ids) > 0 && !wasConnected:
			a.dgg.Connect(runCtx, a.events)
		case len(ids) == 0 && wasConnected:
			a.dgg.Disconnect()
		}
		return nil

	case event.PlatformKick:
		if a.kick == nil {
			return fmt.Errorf("platform %s is not enabled", platform)
		}
		return a.kick.SetTargets(ctx, ids)

	case event.PlatformTwitch:
		if a.twitch == nil {
			return fmt.Errorf("platform %s is not enabled", platform)
		}
		a.twitch.SetTargets(ids)
		return nil

	case event.PlatformYouTube:
		if a.youtube == nil {
			return fmt.Errorf("platform %s is not enabled", platform)
		}
		return a.youtube.SetTargets(ctx, ids)

	default:
		return fmt.Errorf("unknown platform %q", platform)
	}
}

// SendMessage routes an outbound chat message. Platforms without an
// authenticated write path return their capability error unchanged.
func (a *Aggregator) SendMessage(platform event.Platform, roomID, text string) error {
	switch platform {
	case event.PlatformDGG:
		if a.dgg == nil {
			return fmt.Errorf("platform %s is not enabled", platform)
		}
		if !a.dgg.SendMessage(text) {
			return fmt.Errorf("dgg: %w", ErrNotSending)
		}
		return nil

	case event.PlatformKick:
		if a.kick == nil {
			return fmt.Errorf("platform %s is not enabled", platform)
		}
		return a.kick.SendMessage(roomID, text)

	case event.PlatformTwitch:
		if a.twitch == nil {
			return fmt.Errorf("platform %s is not enabled", platform)
		}
		return a.twitch.SendMessage(roomID, text)

	case event.PlatformYouTube:
		if a.youtube == nil {
			return fmt.Errorf("platform %s is not enabled", platform)
		}
		return a.youtube.SendMessage(roomID, text)

	default:
		return fmt.Errorf("unknown platform %q", platform)
	}
}

// RefetchHistory re-runs backlog fetches where the platform supports
// them; elsewhere it is a no-op.
func (a *Aggregator) RefetchHistory(ctx context.Context, platform event.Platform, ids []string) {
	if platform == event.PlatformKick && a.kick != nil {
		a.kick.RefetchHistory(ctx, ids)
	}
}
