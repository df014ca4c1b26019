package dgg

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/john/chatmux/internal/diag"
	"github.com/john/chatmux/internal/event"
)

// Wire frame type tokens. Each server frame is "<TYPE><space><JSON>" with
// the payload absent for bare signals like RELOAD.
const (
	frameMsg       = "MSG"
	frameBroadcast = "BROADCAST"
	frameJoin      = "JOIN"
	frameQuit      = "QUIT"
	frameNames     = "NAMES"
	frameUpdate    = "UPDATEUSER"
	frameMute      = "MUTE"
	frameUnmute    = "UNMUTE"
	frameBan       = "BAN"
	frameUnban     = "UNBAN"
	frameSubOnly   = "SUBONLY"
	framePollStart = "POLLSTART"
	framePollStop  = "POLLSTOP"
	frameVoteCast  = "VOTECAST"
	frameSub       = "SUBSCRIPTION"
	frameGiftSub   = "GIFTSUB"
	frameMassGift  = "MASSGIFT"
	frameDonation  = "DONATION"
	frameHistory   = "HISTORY"
	frameRefresh   = "REFRESH"
	frameErr       = "ERR"
	framePing      = "PING"
	framePong      = "PONG"
)

// userPayload is the common author envelope most frames carry.
type userPayload struct {
	ID       int64    `json:"id,omitempty"`
	Nick     string   `json:"nick"`
	Features []string `json:"features,omitempty"`
}

type msgPayload struct {
	userPayload
	Timestamp int64  `json:"timestamp"` // unix millis
	Data      string `json:"data"`
}

type modPayload struct {
	Nick      string `json:"nick"`   // actor
	Data      string `json:"data"`   // target nick, or "on"/"off" for SUBONLY
	Duration  int64  `json:"duration,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type pollPayload struct {
	Question  string   `json:"question,omitempty"`
	Options   []string `json:"options,omitempty"`
	Totals    []int    `json:"totals,omitempty"`
	Vote      int      `json:"vote,omitempty"`
	Nick      string   `json:"nick,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

type moneyPayload struct {
	Nick      string `json:"nick"`
	Recipient string `json:"recipient,omitempty"`
	Tier      string `json:"tier,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Data      string `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// SplitFrame separates the type token from the JSON payload. The payload
// is located by scanning for the first JSON start character ('{', '[' or
// '"' for bare-string payloads like ERR's) rather than assuming a fixed
// keyword width, so a server-side spacing change degrades to an empty
// payload error instead of silently truncated JSON.
func SplitFrame(line string) (typ, payload string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		typ = line[:i]
	} else {
		return line, ""
	}
	if j := strings.IndexAny(line, `{["`); j >= 0 {
		payload = line[j:]
	}
	return typ, payload
}

// Decoder turns raw wire frames into normalized events. It tracks type
// tokens it does not understand so each one is reported once per session.
type Decoder struct {
	room    string
	sink    diag.Sink
	unknown map[string]struct{}
}

// NewDecoder creates a decoder for one connection session. A nil sink
// discards diagnostics.
func NewDecoder(room string, sink diag.Sink) *Decoder {
	if sink == nil {
		sink = diag.Discard{}
	}
	return &Decoder{
		room:    room,
		sink:    sink,
		unknown: make(map[string]struct{}),
	}
}

// Decode parses one frame. ok is false for control frames, unknown
// tokens, and undecodable payloads; decode failures are reported to the
// diagnostics sink and never returned as errors.
func (d *Decoder) Decode(line string) (event.Event, bool) {
	typ, payload := SplitFrame(line)

	switch typ {
	case framePing, framePong:
		// Protocol-level liveness; answered by the connector.
		return event.Event{}, false

	case frameMsg, frameBroadcast:
		return d.decodeMessage(typ, payload)

	case frameJoin, frameQuit, frameUpdate:
		return d.decodeRoster(typ, payload)

	case frameNames:
		// Roster snapshot on connect. Nothing downstream renders it, but
		// a decode failure should still be triaged.
		var names struct {
			ConnectionCount int           `json:"connectioncount"`
			Users           []userPayload `json:"users"`
		}
		if err := json.Unmarshal([]byte(payload), &names); err != nil {
			d.reportDecodeError(typ, payload, err)
		}
		return event.Event{}, false

	case frameMute, frameUnmute, frameBan, frameUnban, frameSubOnly:
		return d.decodeModeration(typ, payload)

	case framePollStart, framePollStop, frameVoteCast:
		return d.decodePoll(typ, payload)

	case frameSub, frameGiftSub, frameMassGift, frameDonation:
		return d.decodeMoney(typ, payload)

	case frameHistory:
		return d.decodeHistory(payload)

	case frameRefresh:
		return d.systemEvent(event.KindReload, "", payload), true

	case frameErr:
		var code string
		if err := json.Unmarshal([]byte(payload), &code); err != nil {
			// ERR payloads are sometimes bare strings, sometimes objects.
			var obj struct {
				Description string `json:"description"`
			}
			if err := json.Unmarshal([]byte(payload), &obj); err != nil {
				d.reportDecodeError(typ, payload, err)
				return event.Event{}, false
			}
			code = obj.Description
		}
		return d.systemEvent(event.KindError, code, payload), true

	default:
		d.reportUnknown(typ, line)
		return event.Event{}, false
	}
}

func (d *Decoder) decodeMessage(typ, payload string) (event.Event, bool) {
	var p msgPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		d.reportDecodeError(typ, payload, err)
		return event.Event{}, false
	}

	kind := event.KindMessage
	if typ == frameBroadcast {
		kind = event.KindBroadcast
	}

	ev := event.Event{
		Platform:   event.PlatformDGG,
		Kind:       kind,
		RoomID:     d.room,
		EventID:    synthesizeID(p.ID, p.Nick, p.Timestamp, p.Data),
		OccurredAt: millisTime(p.Timestamp),
		Raw:        json.RawMessage(payload),
	}
	if typ == frameBroadcast {
		ev.System = &event.System{Text: p.Data}
	} else {
		ev.Message = &event.Message{
			User: event.User{Name: p.Nick, Features: p.Features},
			Text: p.Data,
		}
	}
	return ev, true
}

func (d *Decoder) decodeRoster(typ, payload string) (event.Event, bool) {
	var p msgPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		d.reportDecodeError(typ, payload, err)
		return event.Event{}, false
	}

	var kind event.Kind
	switch typ {
	case frameJoin:
		kind = event.KindJoin
	case frameQuit:
		kind = event.KindQuit
	default:
		kind = event.KindUserUpdate
	}

	return event.Event{
		Platform:   event.PlatformDGG,
		Kind:       kind,
		RoomID:     d.room,
		EventID:    synthesizeID(p.ID, p.Nick, p.Timestamp, string(kind)),
		OccurredAt: millisTime(p.Timestamp),
		User:       &event.User{Name: p.Nick, Features: p.Features},
		Raw:        json.RawMessage(payload),
	}, true
}

func (d *Decoder) decodeModeration(typ, payload string) (event.Event, bool) {
	var p modPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		d.reportDecodeError(typ, payload, err)
		return event.Event{}, false
	}

	var kind event.Kind
	mod := event.Moderation{Actor: p.Nick, Target: p.Data}
	switch typ {
	case frameMute:
		kind = event.KindMute
		mod.Duration = time.Duration(p.Duration) * time.Second
	case frameUnmute:
		kind = event.KindUnmute
	case frameBan:
		kind = event.KindBan
		mod.Duration = time.Duration(p.Duration) * time.Second
	case frameUnban:
		kind = event.KindUnban
	case frameSubOnly:
		kind = event.KindSubOnly
		mod.Target = ""
		mod.Enabled = p.Data == "on"
	}

	return event.Event{
		Platform:   event.PlatformDGG,
		Kind:       kind,
		RoomID:     d.room,
		EventID:    synthesizeID(0, p.Nick, p.Timestamp, typ+p.Data),
		OccurredAt: millisTime(p.Timestamp),
		Moderation: &mod,
		Raw:        json.RawMessage(payload),
	}, true
}

func (d *Decoder) decodePoll(typ, payload string) (event.Event, bool) {
	var p pollPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		d.reportDecodeError(typ, payload, err)
		return event.Event{}, false
	}

	var kind event.Kind
	switch typ {
	case framePollStart:
		kind = event.KindPollStart
	case framePollStop:
		kind = event.KindPollStop
	default:
		kind = event.KindPollVote
	}

	return event.Event{
		Platform:   event.PlatformDGG,
		Kind:       kind,
		RoomID:     d.room,
		EventID:    synthesizeID(0, p.Nick, p.Timestamp, typ+p.Question),
		OccurredAt: millisTime(p.Timestamp),
		Poll: &event.Poll{
			Question: p.Question,
			Options:  p.Options,
			Totals:   p.Totals,
			Vote:     p.Vote,
		},
		Raw: json.RawMessage(payload),
	}, true
}

func (d *Decoder) decodeMoney(typ, payload string) (event.Event, bool) {
	var p moneyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		d.reportDecodeError(typ, payload, err)
		return event.Event{}, false
	}

	var kind event.Kind
	switch typ {
	case frameSub:
		kind = event.KindSubscription
	case frameGiftSub:
		kind = event.KindGiftSub
	case frameMassGift:
		kind = event.KindMassGift
	default:
		kind = event.KindDonation
	}

	return event.Event{
		Platform:   event.PlatformDGG,
		Kind:       kind,
		RoomID:     d.room,
		EventID:    synthesizeID(0, p.Nick, p.Timestamp, typ+p.Data),
		OccurredAt: millisTime(p.Timestamp),
		Money: &event.Money{
			From:      p.Nick,
			Recipient: p.Recipient,
			Tier:      p.Tier,
			Quantity:  p.Quantity,
			Amount:    p.Amount,
			Note:      p.Data,
		},
		Raw: json.RawMessage(payload),
	}, true
}

/// decodeHistory unpacks a HISTORY frame: a JSON array whose elements are
// themselves frame strings. The server replays them in chronological
// order; entries of different embedded types stay one combined ordered
// list rather than being split per type.
func (d *Decoder) decodeHistory(payload string) (event.Event, bool) {
	var lines []string
	if err := json.Unmarshal([]byte(payload), &lines); err != nil {
		d.reportDecodeError(frameHistory, payload, err)
		return event.Event{}, false
	}

	items := make([]event.Event, 0, len(lines))
	for _, line := range lines {
		if ev, ok := d.Decode(line); ok {
			items = append(items, ev)
		}
	}

	return event.Event{
		Platform: event.PlatformDGG,
		Kind:     event.KindHistory,
		RoomID:   d.room,
		EventID:  uuid.NewString(),
		History:  items,
	}, true
}

func (d *Decoder) systemEvent(kind event.Kind, text, payload string) event.Event {
	ev := event.Event{
		Platform: event.PlatformDGG,
		Kind:     kind,
		RoomID:   d.room,
		EventID:  uuid.NewString(),
		System:   &event.System{Text: text},
	}
	if payload != "" {
		ev.Raw = json.RawMessage(payload)
	}
	return ev
}

// reportUnknown records an unsupported type token once per session.
func (d *Decoder) reportUnknown(typ, line string) {
	if _, seen := d.unknown[typ]; seen {
		return
	}
	d.unknown[typ] = struct{}{}
	d.sink.Report(diag.NewRecord(string(event.PlatformDGG), "unknown_frame_type", typ, line))
}

func (d *Decoder) reportDecodeError(typ, payload string, err error) {
	d.sink.Report(diag.NewRecord(string(event.PlatformDGG), "decode_error", fmt.Sprintf("%s: %v", typ, err), payload))
}

// synthesizeID builds an event id when the server did not assign one.
// Frames carrying a nick and timestamp get a deterministic id so the same
// message seen via history backfill and the live tail dedupes; anything
// else gets a random id.
func synthesizeID(id int64, nick string, ts int64, data string) string {
	if id != 0 {
		return fmt.Sprintf("%d", id)
	}
	if nick != "" && ts != 0 {
		h := fnv.New32a()
		h.Write([]byte(data))
		return fmt.Sprintf("%s:%d:%08x", nick, ts, h.Sum32())
	}
	return uuid.NewString()
}

func millisTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
