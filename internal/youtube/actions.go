package youtube

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/john/chatmux/internal/event"
)

// pollResponse is the subset of the get_live_chat response we consume.
type pollResponse struct {
	ContinuationContents struct {
		LiveChatContinuation struct {
			Continuations []continuationWrapper `json:"continuations"`
			Actions       []json.RawMessage     `json:"actions"`
		} `json:"liveChatContinuation"`
	} `json:"continuationContents"`
}

// continuationWrapper covers the variant wrappers the server rotates
// between; all carry the same two fields we need.
type continuationWrapper struct {
	TimedContinuationData        *continuationData `json:"timedContinuationData"`
	InvalidationContinuationData *continuationData `json:"invalidationContinuationData"`
	ReloadContinuationData       *continuationData `json:"reloadContinuationData"`
}

type continuationData struct {
	Continuation string `json:"continuation"`
	TimeoutMs    int    `json:"timeoutMs"`
}

// next returns the first populated continuation variant.
func (r pollResponse) next() (continuation string, timeoutMs int) {
	for _, w := range r.ContinuationContents.LiveChatContinuation.Continuations {
		for _, data := range []*continuationData{
			w.TimedContinuationData,
			w.InvalidationContinuationData,
			w.ReloadContinuationData,
		} {
			if data != nil && data.Continuation != "" {
				return data.Continuation, data.TimeoutMs
			}
		}
	}
	return "", 0
}

// Renderer variants. Several renderers ultimately describe "a chat
// message"; they normalize to the same event shape.
type chatAction struct {
	AddChatItemAction *struct {
		Item struct {
			TextMessageRenderer     *messageRenderer `json:"liveChatTextMessageRenderer"`
			PaidMessageRenderer     *paidRenderer    `json:"liveChatPaidMessageRenderer"`
			MembershipItemRenderer  *messageRenderer `json:"liveChatMembershipItemRenderer"`
			PaidStickerRenderer     *paidRenderer    `json:"liveChatPaidStickerRenderer"`
			ViewerEngagementMessage *struct{}        `json:"liveChatViewerEngagementMessageRenderer"`
		} `json:"item"`
	} `json:"addChatItemAction"`
}

type messageRenderer struct {
	ID            string `json:"id"`
	TimestampUsec string `json:"timestampUsec"`
	AuthorName    struct {
		SimpleText string `json:"simpleText"`
	} `json:"authorName"`
	AuthorExternalChannelID string  `json:"authorExternalChannelId"`
	Message                 message `json:"message"`
	HeaderSubtext           message `json:"headerSubtext"`
}

type paidRenderer struct {
	messageRenderer
	PurchaseAmountText struct {
		SimpleText string `json:"simpleText"`
	} `json:"purchaseAmountText"`
}

type message struct {
	Runs []run `json:"runs"`
}

type run struct {
	Text  string `json:"text"`
	Emoji *struct {
		EmojiID   string   `json:"emojiId"`
		Shortcuts []string `json:"shortcuts"`
		Image     struct {
			Thumbnails []struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"image"`
	} `json:"emoji"`
}

// segments flattens message runs. Emoji runs keep their image URL as a
// separate segment so a renderer can substitute an icon for the text.
func (m message) segments() ([]event.Segment, string) {
	if len(m.Runs) == 0 {
		return nil, ""
	}
	segs := make([]event.Segment, 0, len(m.Runs))
	text := ""
	for _, r := range m.Runs {
		switch {
		case r.Emoji != nil:
			label := r.Emoji.EmojiID
			if len(r.Emoji.Shortcuts) > 0 {
				label = r.Emoji.Shortcuts[0]
			}
			url := ""
			if len(r.Emoji.Image.Thumbnails) > 0 {
				url = r.Emoji.Image.Thumbnails[0].URL
			}
			segs = append(segs, event.Segment{Text: label, EmojiURL: url})
			text += label
		default:
			segs = append(segs, event.Segment{Text: r.Text})
			text += r.Text
		}
	}
	return segs, text
}

// normalizeAction maps one raw action onto an event. Unknown or
// non-message action shapes return ok=false and are skipped.
func normalizeAction(roomID string, raw json.RawMessage) (event.Event, bool) {
	var action chatAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return event.Event{}, false
	}
	if action.AddChatItemAction == nil {
		return event.Event{}, false
	}
	item := action.AddChatItemAction.Item

	switch {
	case item.TextMessageRenderer != nil:
		return rendererToMessage(roomID, *item.TextMessageRenderer, raw), true

	case item.PaidMessageRenderer != nil, item.PaidStickerRenderer != nil:
		r := item.PaidMessageRenderer
		if r == nil {
			r = item.PaidStickerRenderer
		}
		ev := rendererToMessage(roomID, r.messageRenderer, raw)
		ev.Kind = event.KindDonation
		ev.Money = &event.Money{
			From:   r.AuthorName.SimpleText,
			Amount: r.PurchaseAmountText.SimpleText,
			Note:   ev.Message.Text,
		}
		ev.Message = nil
		return ev, true

	case item.MembershipItemRenderer != nil:
		r := *item.MembershipItemRenderer
		_, note := r.HeaderSubtext.segments()
		ev := rendererToMessage(roomID, r, raw)
		ev.Kind = event.KindSubscription
		ev.Money = &event.Money{From: r.AuthorName.SimpleText, Note: note}
		ev.Message = nil
		return ev, true

	default:
		return event.Event{}, false
	}
}

func rendererToMessage(roomID string, r messageRenderer, raw json.RawMessage) event.Event {
	segs, text := r.Message.segments()
	return event.Event{
		Platform:   event.PlatformYouTube,
		Kind:       event.KindMessage,
		RoomID:     roomID,
		EventID:    r.ID,
		OccurredAt: usecTime(r.TimestampUsec),
		Message: &event.Message{
			User: event.User{
				ID:   r.AuthorExternalChannelID,
				Name: r.AuthorName.SimpleText,
			},
			Text:     text,
			Segments: segs,
		},
		Raw: raw,
	}
}

func usecTime(usec string) time.Time {
	n, err := strconv.ParseInt(usec, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n)
}

// Poll delay bounds. The server's suggestion, scaled by the user's
// multiplier, is clamped into this window.
const (
	minPollDelay = 250 * time.Millisecond
	maxPollDelay = 15 * time.Second
)

// nextDelay computes the wait before the next poll.
func nextDelay(serverMs int, multiplier float64) time.Duration {
	if multiplier <= 0 {
		multiplier = 1
	}
	d := time.Duration(float64(serverMs)*multiplier) * time.Millisecond
	if d < minPollDelay {
		return minPollDelay
	}
	if d > maxPollDelay {
		return maxPollDelay
	}
	return d
}
