package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/john/chatmux/internal/aggregator"
	"github.com/john/chatmux/internal/config"
	"github.com/john/chatmux/internal/dgg"
	"github.com/john/chatmux/internal/diag"
	"github.com/john/chatmux/internal/event"
	"github.com/john/chatmux/internal/health"
	"github.com/john/chatmux/internal/kick"
	"github.com/john/chatmux/internal/telemetry"
	"github.com/john/chatmux/internal/twitch"
	"github.com/john/chatmux/internal/uploader"
	"github.com/john/chatmux/internal/youtube"
)

func main() {
	log.Println("Chatmux starting...")

	// Local development convenience; missing file is fine.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded successfully")

	telemetry.Init()

	if cfg.DGG.Enabled {
		log.Printf("Monitoring dgg chat at %s", cfg.DGG.URL)
	}
	if cfg.Kick.Enabled {
		log.Printf("Monitoring %d Kick channels", len(cfg.Kick.Channels))
	}
	if cfg.Twitch.Enabled {
		log.Printf("Monitoring %d Twitch channels: %v", len(cfg.Twitch.Channels), cfg.Twitch.Channels)
	}
	if cfg.YouTube.Enabled {
		log.Printf("Monitoring %d YouTube videos: %v", len(cfg.YouTube.VideoIDs), cfg.YouTube.VideoIDs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	// Diagnostics spool and optional S3 shipping.
	sink := diag.NewFileSink(
		cfg.Diagnostics.OutputDir,
		cfg.Diagnostics.BufferSize,
		cfg.Diagnostics.RotateMinutes,
		cfg.Diagnostics.RotateMegabytes,
	)
	fileChan := make(chan string, 100)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sink.Start(ctx, fileChan); err != nil && err != context.Canceled {
			log.Printf("Diagnostics sink error: %v", err)
		}
	}()

	if cfg.S3.Enabled {
		var up *uploader.Uploader
		if cfg.S3.RoleARN != "" {
			log.Printf("Using OIDC authentication with role: %s", cfg.S3.RoleARN)
			up, err = uploader.New(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.RoleARN,
				cfg.Uploader.DeleteAfterUpload, cfg.Uploader.MaxRetries)
		} else {
			log.Println("WARNING: Using static AWS credentials (deprecated). Migrate to OIDC.")
			up, err = uploader.NewWithStaticCredentials(ctx, cfg.S3.Bucket, cfg.S3.Region,
				cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey,
				cfg.Uploader.DeleteAfterUpload, cfg.Uploader.MaxRetries)
		}
		if err != nil {
			log.Fatalf("Failed to create uploader: %v", err)
		}
		if err := up.ScanAndUploadExisting(ctx, cfg.Diagnostics.OutputDir); err != nil {
			log.Printf("Warning: Failed to scan for existing files: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := up.Start(ctx, fileChan); err != nil && err != context.Canceled {
				log.Printf("Uploader error: %v", err)
			}
		}()
	}

	// Platform connectors, merged by the aggregator.
	var dggConn *dgg.Connector
	if cfg.DGG.Enabled {
		dggConn = dgg.New(cfg.DGG.URL, cfg.DGG.AuthCookie, sink)
	}

	var kickConn *kick.Connector
	var kickSlugs []string
	if cfg.Kick.Enabled {
		resolver := kick.NewResolver("", nil)
		for _, ch := range cfg.Kick.Channels {
			kickSlugs = append(kickSlugs, ch.Slug)
			if ch.ChatroomID != 0 {
				resolver.Prime(kick.Identity{Slug: ch.Slug, ChatroomID: ch.ChatroomID})
			}
		}
		kickConn = kick.New("", resolver, sink)
	}

	var twitchConn *twitch.Connector
	if cfg.Twitch.Enabled {
		twitchConn = twitch.New("", sink)
	}

	var youtubeConn *youtube.Connector
	if cfg.YouTube.Enabled {
		youtubeConn = youtube.New("", cfg.YouTube.DelayMultiplier, sink)
	}

	agg := newAggregator(cfg.BufferSize, dggConn, kickConn, twitchConn, youtubeConn)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agg.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Aggregator error: %v", err)
		}
	}()

	// Event consumer. The merged stream currently feeds the process log;
	// a UI or IPC layer would subscribe here instead.
	wg.Add(1)
	go func() {
		defer wg.Done()
		consume(ctx, agg.Events())
	}()

	// Push the configured rooms at each platform.
	if cfg.DGG.Enabled {
		agg.SetTargets(ctx, event.PlatformDGG, []string{dgg.Room})
	}
	if cfg.Kick.Enabled {
		if err := agg.SetTargets(ctx, event.PlatformKick, kickSlugs); err != nil {
			log.Printf("Warning: some Kick channels failed to resolve: %v", err)
		}
	}
	if cfg.Twitch.Enabled {
		agg.SetTargets(ctx, event.PlatformTwitch, cfg.Twitch.Channels)
	}
	if cfg.YouTube.Enabled {
		if err := agg.SetTargets(ctx, event.PlatformYouTube, cfg.YouTube.VideoIDs); err != nil {
			log.Printf("Warning: some YouTube videos failed to bootstrap: %v", err)
		}
	}

	healthServer := health.New(cfg.Health.Addr)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("Health server error: %v", err)
		}
	}()

	log.Println("All components started successfully")

	go func() {
		<-sigChan
		log.Println("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down health server: %v", err)
		}

		cancel()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Println("All components stopped gracefully")
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded, forcing exit")
		}

		os.Exit(0)
	}()

	wg.Wait()
	log.Println("Chatmux stopped")
}

func newAggregator(buffer int, d *dgg.Connector, k *kick.Connector, tw *twitch.Connector, yt *youtube.Connector) *aggregator.Aggregator {
	// Typed nils must become untyped nils before they reach the
	// interface-valued facade fields.
	var dc aggregator.DGGConnector
	if d != nil {
		dc = d
	}
	var kc aggregator.KickConnector
	if k != nil {
		kc = k
	}
	var tc aggregator.TwitchConnector
	if tw != nil {
		tc = tw
	}
	var yc aggregator.YouTubeConnector
	if yt != nil {
		yc = yt
	}
	return aggregator.New(buffer, dc, kc, tc, yc)
}

// consume drains the merged stream, logging a compact line per event.
func consume(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case event.KindMessage:
				log.Printf("[%s/%s] %s: %s", ev.Platform, ev.RoomID, ev.Message.User.Name, ev.Message.Text)
			case event.KindHistory:
				log.Printf("[%s/%s] backlog: %d events", ev.Platform, ev.RoomID, len(ev.History))
			case event.KindState:
				log.Printf("[%s/%s] connection %s", ev.Platform, ev.RoomID, ev.State.State)
			default:
				log.Printf("[%s/%s] %s", ev.Platform, ev.RoomID, ev.Kind)
			}
		case <-ctx.Done():
			return
		}
	}
}
