// Package projector turns raw collection snapshots into the ordered views
// the screens render.
//
// Every function here is pure: it takes a full snapshot and returns a new
// slice or map without touching its input. Callers recompute on every
// snapshot instead of patching the previous result, since views like
// "three most recent messages per room" depend on the whole set.
//
// UNSTAMPED RECORDS:
// A record read before the store stamped it has a zero CreatedAt. Ordering
// treats it as the Unix epoch (oldest); day grouping treats it as today.
// The two views disagree on purpose, matching what users already see.
package projector

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/synthetic"
)

// DefaultPreviewSize is the number of messages on a lobby card.
const DefaultPreviewSize = 3

// sortKey maps an unstamped time to the epoch.
func sortKey(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// ProjectRooms merges in the synthetic room for now's day (when injector is
// non-nil) and orders the result newest first. Ties are broken by id so
// identical snapshots always render identically.
func ProjectRooms(records []model.Room, injector *synthetic.Injector, now time.Time) []model.Room {
	var rooms []model.Room
	if injector != nil {
		rooms = injector.Merge(records, now)
	} else {
		rooms = slices.Clone(records)
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		ki, kj := sortKey(rooms[i].CreatedAt), sortKey(rooms[j].CreatedAt)
		if ki != kj {
			return ki > kj
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

// ProjectMessages returns roomID's transcript, oldest first.
func ProjectMessages(records []model.Message, roomID string) []model.Message {
	out := make([]model.Message, 0)
	for _, m := range records {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	sortChronological(out)
	return out
}

func sortChronological(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ki, kj := sortKey(msgs[i].CreatedAt), sortKey(msgs[j].CreatedAt)
		if ki != kj {
			return ki < kj
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// ProjectRecentPreview returns the n most recent messages of roomID in
// chronological order, for lobby cards. n <= 0 means DefaultPreviewSize.
func ProjectRecentPreview(records []model.Message, roomID string, n int) []model.Message {
	if n <= 0 {
		n = DefaultPreviewSize
	}
	transcript := ProjectMessages(records, roomID)
	if len(transcript) <= n {
		return transcript
	}
	// Newest n, already chronological because the transcript is ascending.
	return slices.Clone(transcript[len(transcript)-n:])
}

// PreviewsByRoom computes ProjectRecentPreview for every room in one pass
// over the snapshot.
func PreviewsByRoom(records []model.Message, rooms []model.Room, n int) map[string][]model.Message {
	if n <= 0 {
		n = DefaultPreviewSize
	}
	wanted := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		wanted[r.ID] = true
	}

	byRoom := make(map[string][]model.Message, len(rooms))
	for _, m := range records {
		if wanted[m.RoomID] {
			byRoom[m.RoomID] = append(byRoom[m.RoomID], m)
		}
	}

	out := make(map[string][]model.Message, len(byRoom))
	for id, msgs := range byRoom {
		sortChronological(msgs)
		if len(msgs) > n {
			msgs = msgs[len(msgs)-n:]
		}
		out[id] = msgs
	}
	return out
}

// DayKey is the calendar date of t in loc, formatted YYYY-MM-DD.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(time.DateOnly)
}

// GroupRoomsByDay buckets rooms by the calendar day of CreatedAt in loc.
// Unstamped rooms land in now's day. Each bucket keeps the input order.
func GroupRoomsByDay(rooms []model.Room, now time.Time, loc *time.Location) map[string][]model.Room {
	today := DayKey(now, loc)
	groups := make(map[string][]model.Room)
	for _, r := range rooms {
		key := today
		if !r.CreatedAt.IsZero() {
			key = DayKey(r.CreatedAt, loc)
		}
		groups[key] = append(groups[key], r)
	}
	return groups
}

// DayKeys returns the keys of groups, newest day first.
func DayKeys(groups map[string][]model.Room) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	// ISO dates sort lexically.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys
}

// RepliesByParent indexes messages by the id of the message they reply to.
// Each list is in transcript order.
func RepliesByParent(messages []model.Message) map[string][]model.Message {
	out := make(map[string][]model.Message)
	for _, m := range messages {
		if m.ReplyTo != nil && m.ReplyTo.ID != "" {
			out[m.ReplyTo.ID] = append(out[m.ReplyTo.ID], m)
		}
	}
	for _, replies := range out {
		sortChronological(replies)
	}
	return out
}

// ReactionGroup is the aggregate for one emoji on one message.
type ReactionGroup struct {
	Emoji           string   `json:"emoji"`
	Count           int      `json:"count"`
	Users           []string `json:"users"`
	ReactedByViewer bool     `json:"reactedByViewer"`
}

// ReactionSummary aggregates msg's reactions by emoji, sorted by emoji.
// Emojis without reactors are skipped.
func ReactionSummary(msg model.Message, viewerID string) []ReactionGroup {
	out := make([]ReactionGroup, 0, len(msg.Reactions))
	for _, emoji := range msg.Reactions.Emojis() {
		users := msg.Reactions[emoji]
		if len(users) == 0 {
			continue
		}
		out = append(out, ReactionGroup{
			Emoji:           emoji,
			Count:           len(users),
			Users:           slices.Clone(users),
			ReactedByViewer: viewerID != "" && msg.Reactions.Has(emoji, viewerID),
		})
	}
	return out
}

// FilterRooms keeps rooms whose topic contains query, case-insensitively.
// An empty query keeps everything.
func FilterRooms(rooms []model.Room, query string) []model.Room {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return slices.Clone(rooms)
	}
	out := make([]model.Room, 0)
	for _, r := range rooms {
		if strings.Contains(strings.ToLower(r.Topic), query) {
			out = append(out, r)
		}
	}
	return out
}
