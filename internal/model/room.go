package model

import "time"

// SyntheticCreatorID marks rooms generated by the daily injector. No real
// identity can ever have this id, so synthetic rooms are never deletable.
const SyntheticCreatorID = "system-ai"

// Room is a chat room. Persisted rooms are never mutated after creation,
// only deleted; synthetic rooms are never persisted at all.
//
// A zero CreatedAt means the store has not stamped the record yet.
type Room struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	CreatedBy   string    `json:"createdBy"` // display name snapshot
	CreatorID   string    `json:"creatorId"`
	CreatedAt   time.Time `json:"createdAt"`
	IsSynthetic bool      `json:"isSynthetic"`
}

// OwnedBy reports whether identity created r. Synthetic rooms belong to
// nobody.
func (r *Room) OwnedBy(identity *Identity) bool {
	if r.IsSynthetic || identity == nil {
		return false
	}
	return r.CreatorID == identity.ID
}
