// Package diag collects structured "unexpected wire shape" records for
// offline triage. Reporting is fire-and-forget: a sink that is slow,
// full, or broken must never stall a connector's read loop.
package diag

import (
	"log"
	"time"
)

// previewLimit bounds how much raw payload a record may carry.
const previewLimit = 256

// Record is one diagnostics entry.
type Record struct {
	Timestamp string `json:"timestamp"` // RFC3339 UTC
	Platform  string `json:"platform"`
	Category  string `json:"category"` // e.g. "unknown_frame_type", "decode_error"
	Detail    string `json:"detail,omitempty"`
	Preview   string `json:"preview,omitempty"` // truncated raw payload
}

// Sink receives diagnostics records. Report must not block and must not
// return errors into the caller.
type Sink interface {
	Report(rec Record)
}

// NewRecord stamps a record with the current time and a truncated preview
// of the offending payload.
func NewRecord(platform, category, detail, raw string) Record {
	return Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Platform:  platform,
		Category:  category,
		Detail:    detail,
		Preview:   Truncate(raw),
	}
}

// Truncate bounds raw wire payloads for inclusion in a record.
func Truncate(raw string) string {
	if len(raw) <= previewLimit {
		return raw
	}
	return raw[:previewLimit] + "..."
}

// LogSink writes records to the process log. It is the fallback when no
// file spool is configured.
type LogSink struct{}

func (LogSink) Report(rec Record) {
	log.Printf("diag [%s/%s] %s preview=%q", rec.Platform, rec.Category, rec.Detail, rec.Preview)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Report(Record) {}
