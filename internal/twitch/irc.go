package twitch

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/john/chatmux/internal/event"
)

// Line is one parsed IRC line: optional @tags, optional :prefix, command,
// middle params, optional trailing param.
type Line struct {
	Tags     map[string]string
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// SplitLines splits one WebSocket text payload into IRC lines. A single
// WS message may carry several \r\n-terminated lines.
func SplitLines(payload string) []string {
	parts := strings.Split(payload, "\r\n")
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimRight(p, "\r\n")
		if p != "" {
			lines = append(lines, p)
		}
	}
	return lines
}

// ParseLine parses a raw IRC line. It returns ok=false for lines with no
// command token.
func ParseLine(raw string) (Line, bool) {
	var l Line
	rest := raw

	if strings.HasPrefix(rest, "@") {
		i := strings.IndexByte(rest, ' ')
		if i < 0 {
			return l, false
		}
		l.Tags = parseTags(rest[1:i])
		rest = rest[i+1:]
	}

	if strings.HasPrefix(rest, ":") {
		i := strings.IndexByte(rest, ' ')
		if i < 0 {
			return l, false
		}
		l.Prefix = rest[1:i]
		rest = rest[i+1:]
	}

	if i := strings.Index(rest, " :"); i >= 0 {
		l.Trailing = rest[i+2:]
		rest = rest[:i]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return l, false
	}
	l.Command = fields[0]
	l.Params = fields[1:]
	return l, true
}

// parseTags decodes the IRCv3 @key=value;key=value segment, including the
// escaped-value grammar.
func parseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		tags[key] = unescapeTag(value)
	}
	return tags
}

func unescapeTag(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i == len(v)-1 {
			b.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// Nick extracts the sender nick from an IRC prefix ("nick!user@host").
func (l Line) Nick() string {
	if i := strings.IndexByte(l.Prefix, '!'); i >= 0 {
		return l.Prefix[:i]
	}
	return l.Prefix
}

// Channel returns the first param with its leading '#' removed.
func (l Line) Channel() string {
	if len(l.Params) == 0 {
		return ""
	}
	return strings.TrimPrefix(l.Params[0], "#")
}

// sentAt reads the tmi-sent-ts tag (unix millis) when present.
func (l Line) sentAt() time.Time {
	if v, ok := l.Tags["tmi-sent-ts"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

// MessageEvent normalizes a PRIVMSG line. Absent tags degrade to
// synthesized ids and prefix-derived names rather than dropping the line.
func MessageEvent(l Line) event.Event {
	id := l.Tags["id"]
	if id == "" {
		id = uuid.NewString()
	}

	name := l.Nick()
	display := l.Tags["display-name"]
	if display == "" {
		display = name
	}

	text := l.Trailing
	action := false
	// /me lines arrive CTCP-wrapped: \x01ACTION <text>\x01
	if strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
		text = strings.TrimSuffix(strings.TrimPrefix(text, "\x01ACTION "), "\x01")
		action = true
	}

	return event.Event{
		Platform:   event.PlatformTwitch,
		Kind:       event.KindMessage,
		RoomID:     l.Channel(),
		EventID:    id,
		OccurredAt: l.sentAt(),
		Message: &event.Message{
			User: event.User{
				ID:          l.Tags["user-id"],
				Name:        name,
				DisplayName: display,
				Color:       l.Tags["color"],
				Badges:      l.Tags["badges"],
			},
			Text:   text,
			Action: action,
		},
	}
}

// ClearChatEvent normalizes a CLEARCHAT line into a ban (permanent) or
// mute (timed) moderation event.
func ClearChatEvent(l Line) event.Event {
	kind := event.KindBan
	mod := event.Moderation{Target: l.Trailing}
	if v, ok := l.Tags["ban-duration"]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			kind = event.KindMute
			mod.Duration = time.Duration(secs) * time.Second
		}
	}
	id := l.Tags["target-msg-id"]
	if id == "" {
		id = uuid.NewString()
	}
	return event.Event{
		Platform:   event.PlatformTwitch,
		Kind:       kind,
		RoomID:     l.Channel(),
		EventID:    id,
		OccurredAt: l.sentAt(),
		Moderation: &mod,
	}
}

// UserNoticeEvent normalizes USERNOTICE sub events; other msg-id values
// return ok=false.
func UserNoticeEvent(l Line) (event.Event, bool) {
	var kind event.Kind
	switch l.Tags["msg-id"] {
	case "sub", "resub":
		kind = event.KindSubscription
	case "subgift":
		kind = event.KindGiftSub
	case "submysterygift":
		kind = event.KindMassGift
	default:
		return event.Event{}, false
	}

	id := l.Tags["id"]
	if id == "" {
		id = uuid.NewString()
	}
	quantity := 1
	if v, ok := l.Tags["msg-param-mass-gift-count"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			quantity = n
		}
	}
	return event.Event{
		Platform:   event.PlatformTwitch,
		Kind:       kind,
		RoomID:     l.Channel(),
		EventID:    id,
		OccurredAt: l.sentAt(),
		Money: &event.Money{
			From:      l.Tags["login"],
			Recipient: l.Tags["msg-param-recipient-user-name"],
			Tier:      l.Tags["msg-param-sub-plan"],
			Quantity:  quantity,
			Note:      l.Trailing,
		},
	}, true
}
