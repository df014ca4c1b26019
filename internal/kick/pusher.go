package kick

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/john/chatmux/internal/event"
)

// Pusher control event names. These are wire-exact; Kick rides a stock
// Pusher deployment.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"

	eventChatMessage = `App\Events\ChatMessageEvent`
)

// Frame is the Pusher control envelope: {event, data, channel?}. data is
// usually a JSON string containing JSON (double-encoded).
type Frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// dataBytes unwraps the double-encoded data field when present.
func (f Frame) dataBytes() ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, nil
	}
	if f.Data[0] == '"' {
		var inner string
		if err := json.Unmarshal(f.Data, &inner); err != nil {
			return nil, fmt.Errorf("unwrap data string: %w", err)
		}
		return []byte(inner), nil
	}
	return f.Data, nil
}

// chatMessage is the payload of App\Events\ChatMessageEvent and of the
// backlog endpoint's message objects.
type chatMessage struct {
	ID         string    `json:"id"`
	ChatroomID int       `json:"chatroom_id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
	Sender     struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
		Slug     string `json:"slug"`
		Identity struct {
			Color  string `json:"color"`
			Badges []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
}

func (m chatMessage) toEvent() event.Event {
	badges := ""
	for i, b := range m.Sender.Identity.Badges {
		if i > 0 {
			badges += ","
		}
		if b.Text != "" {
			badges += b.Type + ":" + b.Text
		} else {
			badges += b.Type
		}
	}

	return event.Event{
		Platform:   event.PlatformKick,
		Kind:       event.KindMessage,
		RoomID:     strconv.Itoa(m.ChatroomID),
		EventID:    m.ID,
		OccurredAt: m.CreatedAt,
		Message: &event.Message{
			User: event.User{
				ID:          strconv.Itoa(m.Sender.ID),
				Name:        m.Sender.Slug,
				DisplayName: m.Sender.Username,
				Color:       m.Sender.Identity.Color,
				Badges:      badges,
			},
			Text: m.Content,
		},
	}
}

// decodeChatMessage unpacks a ChatMessageEvent frame.
func decodeChatMessage(f Frame) (event.Event, error) {
	data, err := f.dataBytes()
	if err != nil {
		return event.Event{}, err
	}
	var msg chatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return event.Event{}, fmt.Errorf("decode chat message: %w", err)
	}
	ev := msg.toEvent()
	ev.Raw = json.RawMessage(data)
	return ev, nil
}

// subscribeFrame builds the pusher:subscribe control frame for a channel
// name. Public Kick chat channels use an empty auth token.
func subscribeFrame(channel string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": eventSubscribe,
		"data":  map[string]string{"auth": "", "channel": channel},
	})
}

func unsubscribeFrame(channel string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": eventUnsubscribe,
		"data":  map[string]string{"channel": channel},
	})
}

var pongFrame = []byte(`{"event":"pusher:pong","data":"{}"}`)

// channelAliases lists every underlying Pusher channel one logical room
// subscribes to. Which name actually carries events has varied across
// Kick versions, so we subscribe to the primary and the legacy aliases;
// only one needs to fire for the room to work.
func channelAliases(id Identity) []string {
	return []string{
		fmt.Sprintf("chatrooms.%d.v2", id.ChatroomID),
		fmt.Sprintf("chatrooms.%d", id.ChatroomID),
		fmt.Sprintf("channel.%d", id.ChannelID),
	}
}
