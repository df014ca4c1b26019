// Package telemetry provides Prometheus metrics for the chat transports.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// EventsEmitted counts normalized events handed to the consumer,
	// labelled by platform and kind.
	EventsEmitted *prometheus.CounterVec

	// DuplicatesDropped counts events suppressed by a room's seen-id set.
	DuplicatesDropped *prometheus.CounterVec

	// DecodeFaults counts frames/actions that failed to decode and were
	// skipped.
	DecodeFaults *prometheus.CounterVec

	// Reconnects counts reconnection attempts, labelled by platform.
	Reconnects *prometheus.CounterVec

	// PollCycles counts long-poll round-trips, labelled by platform.
	PollCycles *prometheus.CounterVec

	// OpenConnections tracks live sockets/poll loops per platform.
	OpenConnections *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_events_emitted_total", Help: "Normalized chat events emitted to the consumer"}, []string{"platform", "kind"})
		DuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_duplicates_dropped_total", Help: "Events suppressed by per-room dedup"}, []string{"platform"})
		DecodeFaults = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_decode_faults_total", Help: "Frames or actions that failed to decode"}, []string{"platform"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_reconnects_total", Help: "Reconnection attempts"}, []string{"platform"})
		PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatmux_poll_cycles_total", Help: "Long-poll round trips"}, []string{"platform"})
		OpenConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chatmux_open_connections", Help: "Live sockets or poll loops"}, []string{"platform"})
	})
}

// CountEvent is a nil-safe helper used by connectors on every emission.
func CountEvent(platform, kind string) {
	if EventsEmitted != nil {
		EventsEmitted.WithLabelValues(platform, kind).Inc()
	}
}

// CountDuplicate is a nil-safe helper for dedup suppressions.
func CountDuplicate(platform string) {
	if DuplicatesDropped != nil {
		DuplicatesDropped.WithLabelValues(platform).Inc()
	}
}

// CountDecodeFault is a nil-safe helper for skipped frames.
func CountDecodeFault(platform string) {
	if DecodeFaults != nil {
		DecodeFaults.WithLabelValues(platform).Inc()
	}
}

// CountPollCycle is a nil-safe helper for long-poll round trips.
func CountPollCycle(platform string) {
	if PollCycles != nil {
		PollCycles.WithLabelValues(platform).Inc()
	}
}

// CountReconnect is a nil-safe helper for reconnect attempts.
func CountReconnect(platform string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(platform).Inc()
	}
}

// ConnOpened is a nil-safe helper marking a socket or poll loop live.
func ConnOpened(platform string) {
	if OpenConnections != nil {
		OpenConnections.WithLabelValues(platform).Inc()
	}
}

// ConnClosed is the teardown counterpart of ConnOpened.
func ConnClosed(platform string) {
	if OpenConnections != nil {
		OpenConnections.WithLabelValues(platform).Dec()
	}
}
