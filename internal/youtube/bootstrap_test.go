package youtube

import (
	"strings"
	"testing"
	"time"

	"github.com/john/chatmux/internal/event"
)

const samplePage = `<html><script>
var ytcfg = {"INNERTUBE_API_KEY":"AIzaTestKey123","INNERTUBE_CONTEXT":{"client":{"clientName":"WEB","clientVersion":"2.20260101","hl":"en","brace":"{not a real one}"}},"other":1};
window["ytInitialData"] = {"contents":{"liveChatRenderer":{"continuations":[{"timedContinuationData":{"timeoutMs":5000,"continuation":"0ofMyANtoken-abc_123"}}]}}};
</script></html>`

func TestExtractBootstrap(t *testing.T) {
	b := extractBootstrap(samplePage)
	if b.APIKey != "AIzaTestKey123" {
		t.Errorf("api key = %q", b.APIKey)
	}
	if !strings.Contains(string(b.Context), `"clientName":"WEB"`) {
		t.Errorf("context = %s", b.Context)
	}
	if strings.Contains(string(b.Context), `"other"`) {
		t.Errorf("context scan ran past the closing brace: %s", b.Context)
	}
	if b.Continuation != "0ofMyANtoken-abc_123" {
		t.Errorf("continuation = %q", b.Continuation)
	}
	if !b.complete() {
		t.Error("expected a complete bootstrap")
	}
}

func TestExtractBootstrapPartialPage(t *testing.T) {
	b := extractBootstrap(`{"INNERTUBE_API_KEY":"key-only"}`)
	if b.APIKey != "key-only" {
		t.Errorf("api key = %q", b.APIKey)
	}
	if b.complete() {
		t.Error("partial page must not report complete")
	}
}

func TestExtractJSONObjectBalancesStrings(t *testing.T) {
	page := `"MARKER":{"a":"}} escaped \" quote","b":{"c":1}}tail`
	got := extractJSONObject(page, `"MARKER":`)
	want := `{"a":"}} escaped \" quote","b":{"c":1}}`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNextDelayFollowsServerHint(t *testing.T) {
	tests := []struct {
		serverMs   int
		multiplier float64
		want       time.Duration
	}{
		{4000, 1, 4 * time.Second},
		{100, 1, 250 * time.Millisecond},
		{60000, 1, 15 * time.Second},
		{4000, 2, 8 * time.Second},
		{4000, 0, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := nextDelay(tt.serverMs, tt.multiplier); got != tt.want {
			t.Errorf("nextDelay(%d, %v) = %v, want %v", tt.serverMs, tt.multiplier, got, tt.want)
		}
	}
}

func TestNormalizeTextAction(t *testing.T) {
	raw := []byte(`{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{
		"id":"msg-1",
		"timestampUsec":"1700000000000000",
		"authorName":{"simpleText":"alice"},
		"authorExternalChannelId":"UCalice",
		"message":{"runs":[{"text":"hi "},{"emoji":{"emojiId":"wave","shortcuts":[":wave:"],"image":{"thumbnails":[{"url":"https://img/wave.png"}]}}}]}
	}}}}`)

	ev, ok := normalizeAction("vid1", raw)
	if !ok {
		t.Fatal("expected a normalized event")
	}
	if ev.Kind != event.KindMessage || ev.EventID != "msg-1" || ev.RoomID != "vid1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Message.User.Name != "alice" || ev.Message.User.ID != "UCalice" {
		t.Errorf("user = %+v", ev.Message.User)
	}
	if ev.Message.Text != "hi :wave:" {
		t.Errorf("text = %q", ev.Message.Text)
	}
	if len(ev.Message.Segments) != 2 || ev.Message.Segments[1].EmojiURL != "https://img/wave.png" {
		t.Errorf("segments = %+v", ev.Message.Segments)
	}
	if ev.OccurredAt != time.UnixMicro(1700000000000000) {
		t.Errorf("occurred at = %v", ev.OccurredAt)
	}
}

func TestNormalizePaidAction(t *testing.T) {
	raw := []byte(`{"addChatItemAction":{"item":{"liveChatPaidMessageRenderer":{
		"id":"paid-1",
		"timestampUsec":"1700000000000000",
		"authorName":{"simpleText":"bob"},
		"purchaseAmountText":{"simpleText":"$5.00"},
		"message":{"runs":[{"text":"keep it up"}]}
	}}}}`)

	ev, ok := normalizeAction("vid1", raw)
	if !ok {
		t.Fatal("expected a normalized event")
	}
	if ev.Kind != event.KindDonation {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if ev.Money == nil || ev.Money.From != "bob" || ev.Money.Amount != "$5.00" || ev.Money.Note != "keep it up" {
		t.Errorf("money = %+v", ev.Money)
	}
	if ev.Message != nil {
		t.Error("donation should not carry a message payload")
	}
}

func TestNormalizeUnknownActionSkipped(t *testing.T) {
	if _, ok := normalizeAction("vid1", []byte(`{"markChatItemAsDeletedAction":{}}`)); ok {
		t.Error("unknown action shape must be skipped")
	}
	if _, ok := normalizeAction("vid1", []byte(`not json`)); ok {
		t.Error("unparseable action must be skipped")
	}
}

func TestNormalizeToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"abc-_9", "abc+/9=="},
		{"abcd", "abcd"},
		{"a-c_efg", "a+c/efg="},
	}
	for _, tt := range tests {
		if got := normalizeToken(tt.in); got != tt.want {
			t.Errorf("normalizeToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
