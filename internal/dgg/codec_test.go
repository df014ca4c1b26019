package dgg

import (
	"sync"
	"testing"

	"github.com/john/chatmux/internal/diag"
	"github.com/john/chatmux/internal/event"
)

// captureSink records every diagnostics report for assertions.
type captureSink struct {
	mu      sync.Mutex
	records []diag.Record
}

func (s *captureSink) Report(rec diag.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *captureSink) count(category string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Category == category {
			n++
		}
	}
	return n
}

func TestSplitFrame(t *testing.T) {
	tests := []struct {
		line    string
		typ     string
		payload string
	}{
		{`MSG {"nick":"a"}`, "MSG", `{"nick":"a"}`},
		{"RELOAD", "RELOAD", ""},
		{`HISTORY ["MSG {}"]`, "HISTORY", `["MSG {}"]`},
		// Keyword spacing changes must not truncate the JSON.
		{`UPDATEUSER  {"nick":"b"}`, "UPDATEUSER", `{"nick":"b"}`},
		// ERR payloads are often bare JSON strings, not objects.
		{`ERR "banned"`, "ERR", `"banned"`},
	}
	for _, tt := range tests {
		typ, payload := SplitFrame(tt.line)
		if typ != tt.typ || payload != tt.payload {
			t.Errorf("SplitFrame(%q) = (%q, %q), want (%q, %q)", tt.line, typ, payload, tt.typ, tt.payload)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	d := NewDecoder(Room, nil)

	ev, ok := d.Decode(`MSG {"id":1,"nick":"a","features":["subscriber"],"timestamp":1700000000000,"data":"hello"}`)
	if !ok {
		t.Fatal("MSG frame should decode")
	}
	if ev.Kind != event.KindMessage {
		t.Errorf("kind = %q", ev.Kind)
	}
	if ev.Message == nil || ev.Message.User.Name != "a" {
		t.Errorf("nick not carried through: %+v", ev.Message)
	}
	if ev.Message.Text != "hello" {
		t.Errorf("text = %q", ev.Message.Text)
	}
	if ev.EventID != "1" {
		t.Errorf("platform-assigned id should be used, got %q", ev.EventID)
	}
	if ev.OccurredAt.IsZero() {
		t.Error("timestamp should be populated")
	}
}

func TestDecodeMessageSynthesizesStableID(t *testing.T) {
	d := NewDecoder(Room, nil)

	line := `MSG {"nick":"a","timestamp":1700000000000,"data":"hi"}`
	ev1, _ := d.Decode(line)
	ev2, _ := d.Decode(line)
	if ev1.EventID == "" {
		t.Fatal("id should be synthesized")
	}
	if ev1.EventID != ev2.EventID {
		t.Errorf("synthesized ids should be deterministic: %q vs %q", ev1.EventID, ev2.EventID)
	}
}

func TestDecodeHistoryPreservesOrder(t *testing.T) {
	d := NewDecoder(Room, nil)

	ev, ok := d.Decode(`HISTORY ["MSG {\"nick\":\"a\",\"timestamp\":1,\"data\":\"one\"}","BROADCAST {\"timestamp\":2,\"data\":\"two\"}"]`)
	if !ok {
		t.Fatal("HISTORY frame should decode")
	}
	if ev.Kind != event.KindHistory {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if len(ev.History) != 2 {
		t.Fatalf("expected 2 history items, got %d", len(ev.History))
	}
	if ev.History[0].Kind != event.KindMessage || ev.History[1].Kind != event.KindBroadcast {
		t.Errorf("mixed sub-types must stay one ordered list: %q then %q", ev.History[0].Kind, ev.History[1].Kind)
	}
	if ev.History[0].Message.Text != "one" {
		t.Errorf("first item text = %q", ev.History[0].Message.Text)
	}
}

func TestDecodeUnknownTokenReportedOncePerSession(t *testing.T) {
	sink := &captureSink{}
	d := NewDecoder(Room, sink)

	for i := 0; i < 3; i++ {
		if _, ok := d.Decode(`WEIRDTYPE {"x":1}`); ok {
			t.Fatal("unknown token must not produce an event")
		}
	}
	if got := sink.count("unknown_frame_type"); got != 1 {
		t.Errorf("expected exactly 1 diagnostic for a repeated unknown token, got %d", got)
	}

	// A different token gets its own single report.
	d.Decode(`OTHERTYPE {}`)
	if got := sink.count("unknown_frame_type"); got != 2 {
		t.Errorf("expected 2 diagnostics after second distinct token, got %d", got)
	}

	// A fresh session reports again.
	d2 := NewDecoder(Room, sink)
	d2.Decode(`WEIRDTYPE {}`)
	if got := sink.count("unknown_frame_type"); got != 3 {
		t.Errorf("new session should report the token again, got %d", got)
	}
}

func TestDecodeMalformedPayloadContinues(t *testing.T) {
	sink := &captureSink{}
	d := NewDecoder(Room, sink)

	if _, ok := d.Decode(`MSG {not json`); ok {
		t.Fatal("malformed payload must not produce an event")
	}
	if got := sink.count("decode_error"); got != 1 {
		t.Errorf("expected a decode_error diagnostic, got %d", got)
	}

	// The decoder keeps working after a bad frame.
	if _, ok := d.Decode(`MSG {"nick":"a","timestamp":1,"data":"ok"}`); !ok {
		t.Error("decoder should survive a malformed frame")
	}
}

func TestDecodeModeration(t *testing.T) {
	d := NewDecoder(Room, nil)

	ev, ok := d.Decode(`MUTE {"nick":"mod","data":"offender","duration":600,"timestamp":1700000000000}`)
	if !ok {
		t.Fatal("MUTE frame should decode")
	}
	if ev.Kind != event.KindMute {
		t.Errorf("kind = %q", ev.Kind)
	}
	if ev.Moderation.Actor != "mod" || ev.Moderation.Target != "offender" {
		t.Errorf("moderation = %+v", ev.Moderation)
	}

	ev, ok = d.Decode(`SUBONLY {"nick":"mod","data":"on","timestamp":1}`)
	if !ok || ev.Kind != event.KindSubOnly || !ev.Moderation.Enabled {
		t.Errorf("SUBONLY on should decode enabled, got %+v", ev.Moderation)
	}
}

func TestDecodeControlFramesProduceNoEvent(t *testing.T) {
	d := NewDecoder(Room, nil)
	if _, ok := d.Decode(`PING {"timestamp":1}`); ok {
		t.Error("PING is a control frame")
	}
	if _, ok := d.Decode(`PONG {"timestamp":1}`); ok {
		t.Error("PONG is a control frame")
	}
	if _, ok := d.Decode(`NAMES {"connectioncount":2,"users":[{"nick":"a"}]}`); ok {
		t.Error("NAMES snapshot should not be emitted downstream")
	}
}

func TestDecodeErrAcceptsBareStringAndObject(t *testing.T) {
	sink := &captureSink{}
	d := NewDecoder(Room, sink)

	ev, ok := d.Decode(`ERR "banned"`)
	if !ok {
		t.Fatal("bare-string ERR frame should decode")
	}
	if ev.Kind != event.KindError || ev.System == nil || ev.System.Text != "banned" {
		t.Errorf("bare-string ERR = %+v", ev)
	}

	ev, ok = d.Decode(`ERR {"description":"duplicate"}`)
	if !ok || ev.System == nil || ev.System.Text != "duplicate" {
		t.Errorf("object ERR = %+v (ok=%v)", ev, ok)
	}

	if got := sink.count("decode_error"); got != 0 {
		t.Errorf("well-formed ERR frames should not report decode errors, got %d", got)
	}
}

func TestDecodeMoney(t *testing.T) {
	d := NewDecoder(Room, nil)
	ev, ok := d.Decode(`GIFTSUB {"nick":"rich","recipient":"lucky","tier":"2","timestamp":1700000000000}`)
	if !ok || ev.Kind != event.KindGiftSub {
		t.Fatalf("GIFTSUB decode failed: %v %v", ev.Kind, ok)
	}
	if ev.Money.From != "rich" || ev.Money.Tier != "2" {
		t.Errorf("money payload = %+v", ev.Money)
	}
	if ev.Money.Recipient != "lucky" {
		t.Errorf("gift recipient = %q, want %q", ev.Money.Recipient, "lucky")
	}
}
