package model

import (
	"slices"
	"sort"
	"time"
)

// Message is a single chat record.
//
// SCHEMA HISTORY:
// ReplyTo, ImageURL and Reactions were added after the first version of the
// messages collection. Records written before that decode with a nil
// ReplyTo, an empty ImageURL and a nil Reactions map, and every reader must
// treat those as "no reply", "no image" and "no reactions".
//
// Content and ImageURL are never both empty on a stored record.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	User      string    `json:"user"` // display name snapshot
	UserPhoto string    `json:"userPhoto,omitempty"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"imageUrl,omitempty"` // data: URL, size-bounded by the store
	CreatedAt time.Time `json:"createdAt"`
	ReplyTo   *ReplyRef `json:"replyTo,omitempty"`
	Reactions Reactions `json:"reactions,omitempty"`
}

// ReplyRef is a denormalized copy of the message being replied to, taken at
// send time. It is not a live reference: editing or deleting the target does
// not change it.
type ReplyRef struct {
	ID       string `json:"id"`
	User     string `json:"user"`
	Content  string `json:"content"`
	HasImage bool   `json:"hasImage"`
}

// Snapshot builds the ReplyRef for m.
func (m *Message) Snapshot() *ReplyRef {
	return &ReplyRef{
		ID:       m.ID,
		User:     m.User,
		Content:  m.Content,
		HasImage: m.ImageURL != "",
	}
}

// AuthoredBy reports whether identity wrote m.
func (m *Message) AuthoredBy(identity *Identity) bool {
	return identity != nil && m.UserID == identity.ID
}

// Reactions maps an emoji to the ids of the identities that reacted with it.
//
// Invariants: an id appears at most once per emoji, ids are kept sorted, and
// an emoji with no reactors is absent rather than mapped to an empty slice.
type Reactions map[string][]string

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	_, found := slices.BinarySearch(r[emoji], userID)
	return found
}

// Count returns the number of reactors for emoji.
func (r Reactions) Count(emoji string) int {
	return len(r[emoji])
}

// Toggle returns a copy of r with userID added to emoji if absent, or
// removed if present. Toggling twice returns the original set.
func (r Reactions) Toggle(emoji, userID string) Reactions {
	out := r.Clone()
	users := out[emoji]
	if i, found := slices.BinarySearch(users, userID); found {
		users = slices.Delete(users, i, i+1)
	} else {
		users = slices.Insert(users, i, userID)
	}
	if len(users) == 0 {
		delete(out, emoji)
	} else {
		out[emoji] = users
	}
	return out
}

// Clone deep-copies r. The result is never nil.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = slices.Clone(users)
	}
	return out
}

// Emojis returns the keys of r in sorted order.
func (r Reactions) Emojis() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
