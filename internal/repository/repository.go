// Package repository declares the document store the rest of the
// application talks to. The sqlite subpackage is the only implementation.
//
// COLLECTIONS:
// rooms and messages are flat collections: a message belongs to a room only
// through its RoomID field. The full-snapshot List methods are what live
// subscriptions read; ListMessagesByRoom is the server-scoped alternative.
package repository

import (
	"context"

	"github.com/sakif/classhub/internal/model"
)

type RoomRepository interface {
	CreateRoom(ctx context.Context, room *model.Room) error
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	ListRooms(ctx context.Context) ([]model.Room, error)
	DeleteRoom(ctx context.Context, id string) error
}

type MessageRepository interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context) ([]model.Message, error)
	ListMessagesByRoom(ctx context.Context, roomID string) ([]model.Message, error)
	DeleteMessage(ctx context.Context, id string) error

	// AddReaction and RemoveReaction are field-level set operations. Each
	// is a single atomic statement, so concurrent toggles by different
	// identities on the same emoji never overwrite each other.
	AddReaction(ctx context.Context, messageID, emoji, userID string) error
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) error
}

type UserRepository interface {
	Upsert(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}
