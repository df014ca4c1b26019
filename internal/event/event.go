package event

import (
	"encoding/json"
	"time"
)

// Platform identifies which chat service an event originated from.
type Platform string

const (
	PlatformDGG     Platform = "dgg"
	PlatformKick    Platform = "kick"
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
)

// Kind is the event variant tag.
type Kind string

const (
	KindMessage    Kind = "message"
	KindJoin       Kind = "join"
	KindQuit       Kind = "quit"
	KindUserUpdate Kind = "user_update"

	KindMute    Kind = "mute"
	KindUnmute  Kind = "unmute"
	KindBan     Kind = "ban"
	KindUnban   Kind = "unban"
	KindSubOnly Kind = "subonly"

	KindPollStart Kind = "poll_start"
	KindPollVote  Kind = "poll_vote"
	KindPollStop  Kind = "poll_stop"

	KindSubscription Kind = "subscription"
	KindGiftSub      Kind = "gift_sub"
	KindMassGift     Kind = "mass_gift"
	KindDonation     Kind = "donation"

	KindBroadcast Kind = "broadcast"
	KindReload    Kind = "reload"
	KindError     Kind = "error"
	KindHistory   Kind = "history"
	KindState     Kind = "state"
)

// User describes the author of a message or the subject of a moderation
// or roster event.
type User struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Color       string   `json:"color,omitempty"`
	Badges      string   `json:"badges,omitempty"` // comma-separated, as recorded
	Features    []string `json:"features,omitempty"`
}

// Segment is one run of message content. Text-only runs leave EmojiURL
// empty; emoji runs carry an image URL so a renderer can substitute an
// icon for the text.
type Segment struct {
	Text     string `json:"text"`
	EmojiURL string `json:"emoji_url,omitempty"`
}

// Message is the payload for KindMessage.
type Message struct {
	User     User      `json:"user"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Action   bool      `json:"action,omitempty"` // /me style line
}

// Moderation is the payload for mute/unmute/ban/unban/subonly events.
type Moderation struct {
	Actor    string        `json:"actor,omitempty"`
	Target   string        `json:"target,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Enabled  bool          `json:"enabled,omitempty"` // subonly toggle
}

// Poll is the payload for poll lifecycle events.
type Poll struct {
	Question string `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
	Totals   []int  `json:"totals,omitempty"`
	Vote     int    `json:"vote,omitempty"` // option index for KindPollVote
}

// Money is the payload for subscription/gift/donation events.
type Money struct {
	From      string `json:"from"`
	Recipient string `json:"recipient,omitempty"` // gift target, when the platform names one
	Tier      string `json:"tier,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Amount    string `json:"amount,omitempty"` // display string, e.g. "$5.00"
	Note      string `json:"note,omitempty"`
}

// System is the payload for broadcast/reload/error notices.
type System struct {
	Text string `json:"text,omitempty"`
	Code string `json:"code,omitempty"`
}

// ConnState names the observable connection lifecycle states.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateReconnecting ConnState = "reconnecting"
	StateMaxAttempts  ConnState = "max_attempts_reached"
)

// StateChange is the payload for KindState.
type StateChange struct {
	State   ConnState `json:"state"`
	Attempt int       `json:"attempt,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Event is the normalized chat event emitted by every platform connector.
// Exactly one payload pointer matching Kind is set; Raw optionally carries
// the undecoded wire payload for shapes we don't fully model.
//
// EventID is unique per (Platform, RoomID) for the life of a connection
// session. Platforms that don't assign ids get a synthesized one, which is
// not stable across reconnects.
type Event struct {
	Platform   Platform  `json:"platform"`
	Kind       Kind      `json:"kind"`
	RoomID     string    `json:"room_id"`
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at,omitempty"` // zero when the wire had no timestamp

	Message    *Message     `json:"message,omitempty"`
	User       *User        `json:"user,omitempty"`
	Moderation *Moderation  `json:"moderation,omitempty"`
	Poll       *Poll        `json:"poll,omitempty"`
	Money      *Money       `json:"money,omitempty"`
	System     *System      `json:"system,omitempty"`
	History    []Event      `json:"history,omitempty"`
	State      *StateChange `json:"state,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}
