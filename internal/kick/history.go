package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/john/chatmux/internal/event"
)

// backlogResponse is the messages endpoint's envelope.
type backlogResponse struct {
	Data struct {
		Messages []chatMessage `json:"messages"`
	} `json:"data"`
}

// FetchHistory retrieves the message backlog for a room. The backlog
// endpoint and the live subscription disagree about which numeric id
// identifies the room, so both candidates are tried; an empty-but-
// successful response falls through to the next candidate (and finally a
// rescrape of the channel page) before giving up. Entries come back in no
// guaranteed order and are sorted by timestamp, tie-broken by id.
func (r *Resolver) FetchHistory(ctx context.Context, id Identity) ([]event.Event, error) {
	candidates := []int{id.ChatroomID, id.ChannelID}

	events, err := r.fetchBacklog(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		// Both ids empty: the cached identity may be stale for this
		// endpoint. Rescrape the page for an alternate id and retry once.
		if alt, scrapeErr := r.scrapeChannelPage(ctx, id.Slug); scrapeErr == nil {
			if alt.ChatroomID != 0 && alt.ChatroomID != id.ChatroomID {
				events, err = r.fetchBacklog(ctx, []int{alt.ChatroomID})
				if err != nil {
					return nil, err
				}
			}
		}
	}

	sortHistory(events)
	return events, nil
}

func (r *Resolver) fetchBacklog(ctx context.Context, candidates []int) ([]event.Event, error) {
	var lastErr error
	for _, roomID := range candidates {
		if roomID == 0 {
			continue
		}
		body, err := r.get(ctx, fmt.Sprintf("%s/api/v2/channels/%d/messages", r.baseURL, roomID))
		if err != nil {
			lastErr = err
			continue
		}
		var resp backlogResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			lastErr = fmt.Errorf("decode backlog: %w", err)
			continue
		}
		if len(resp.Data.Messages) == 0 {
			// Success with no content: this id variant may simply be the
			// wrong one for this endpoint.
			continue
		}
		events := make([]event.Event, 0, len(resp.Data.Messages))
		for _, msg := range resp.Data.Messages {
			events = append(events, msg.toEvent())
		}
		return events, nil
	}
	return nil, lastErr
}

// sortHistory orders backlog entries chronologically with a stable id
// tie-break, since the server makes no ordering promise.
func sortHistory(events []event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].EventID < events[j].EventID
	})
}
