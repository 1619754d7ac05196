// Package synthetic generates the lobby's daily room.
//
// Every client derives the same room for the same calendar day without
// talking to anyone: the topic index is a pure function of the date, and
// nothing is ever written to the store.
package synthetic

import (
	"time"

	"github.com/sakif/classhub/internal/model"
)

// IDPrefix starts every synthetic room id. The rest is the ISO date.
const IDPrefix = "ai-room-"

// CreatorName is the display name shown as the synthetic room's creator.
const CreatorName = "AI"

// DefaultTopics is the fixed, ordered topic list. Reordering it changes
// which topic every past and future day maps to.
var DefaultTopics = []string{
	"What did you learn this week?",
	"Homework help desk",
	"Weekend plans",
	"Book and movie recommendations",
	"Exam prep check-in",
	"Lunch spots near campus",
	"Study music playlist",
	"Club and event announcements",
	"Side projects show-and-tell",
	"Questions you were afraid to ask in class",
}

// Injector produces one synthetic room per calendar day.
type Injector struct {
	topics []string
	loc    *time.Location
}

// New returns an Injector over topics, computing calendar days in loc.
// A nil loc means time.Local. An empty topic list disables injection.
func New(topics []string, loc *time.Location) *Injector {
	if loc == nil {
		loc = time.Local
	}
	return &Injector{topics: append([]string(nil), topics...), loc: loc}
}

// Location is the time zone calendar days are computed in.
func (in *Injector) Location() *time.Location {
	return in.loc
}

// ForDate returns the synthetic room for the calendar day containing t.
// ok is false when the injector has no topics.
//
//	index     = (year + month + day) mod len(topics)   month is 1..12
//	id        = "ai-room-" + YYYY-MM-DD
//	createdAt = local midnight of that day
func (in *Injector) ForDate(t time.Time) (room model.Room, ok bool) {
	if len(in.topics) == 0 {
		return model.Room{}, false
	}

	local := t.In(in.loc)
	year, month, day := local.Date()
	index := (year + int(month) + day) % len(in.topics)
	midnight := time.Date(year, month, day, 0, 0, 0, 0, in.loc)

	return model.Room{
		ID:          IDPrefix + midnight.Format(time.DateOnly),
		Topic:       in.topics[index],
		CreatedBy:   CreatorName,
		CreatorID:   model.SyntheticCreatorID,
		CreatedAt:   midnight,
		IsSynthetic: true,
	}, true
}

// Merge returns rooms plus the synthetic room for t's day. A persisted room
// that already uses the synthetic id wins and nothing is appended. The input
// slice is never modified.
func (in *Injector) Merge(rooms []model.Room, t time.Time) []model.Room {
	out := make([]model.Room, len(rooms), len(rooms)+1)
	copy(out, rooms)

	synthetic, ok := in.ForDate(t)
	if !ok {
		return out
	}
	for _, r := range rooms {
		if r.ID == synthetic.ID {
			return out
		}
	}
	return append(out, synthetic)
}

// IsSyntheticID reports whether id has the synthetic room shape.
func IsSyntheticID(id string) bool {
	return len(id) > len(IDPrefix) && id[:len(IDPrefix)] == IDPrefix
}
