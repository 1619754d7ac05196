package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/model"
)

// The fakes below are in-memory implementations of the repository
// interfaces. Each has an error field per operation to simulate a failing
// store.

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu        sync.Mutex
	published []live.Collection
}

func (p *fakePublisher) Publish(c live.Collection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, c)
}

func (p *fakePublisher) calls() []live.Collection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]live.Collection(nil), p.published...)
}

type fakeRoomRepo struct {
	rooms     map[string]*model.Room
	nextID    int
	createErr error
	deleteErr error
	getErr    error
}

func newFakeRoomRepo() *fakeRoomRepo {
	return &fakeRoomRepo{rooms: make(map[string]*model.Room)}
}

func (f *fakeRoomRepo) CreateRoom(ctx context.Context, room *model.Room) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	room.ID = "room-" + strconv.Itoa(f.nextID)
	room.CreatedAt = time.Now()
	copied := *room
	f.rooms[room.ID] = &copied
	return nil
}

func (f *fakeRoomRepo) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	r, ok := f.rooms[id]
	if !ok {
		return nil, apperror.NotFound("room", id)
	}
	copied := *r
	return &copied, nil
}

func (f *fakeRoomRepo) ListRooms(ctx context.Context) ([]model.Room, error) {
	out := make([]model.Room, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRoomRepo) DeleteRoom(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.rooms[id]; !ok {
		return apperror.NotFound("room", id)
	}
	delete(f.rooms, id)
	return nil
}

type fakeMessageRepo struct {
	mu        sync.Mutex
	messages  map[string]*model.Message
	nextID    int
	createErr error
	reactErr  error
	deleteErr error
	adds      int
	removes   int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[string]*model.Message)}
}

func (f *fakeMessageRepo) CreateMessage(ctx context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	msg.ID = "msg-" + strconv.Itoa(f.nextID)
	msg.CreatedAt = time.Now()
	msg.Reactions = nil
	copied := *msg
	f.messages[msg.ID] = &copied
	return nil
}

func (f *fakeMessageRepo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, apperror.NotFound("message", id)
	}
	copied := *m
	copied.Reactions = m.Reactions.Clone()
	return &copied, nil
}

func (f *fakeMessageRepo) ListMessages(ctx context.Context) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeMessageRepo) ListMessagesByRoom(ctx context.Context, roomID string) ([]model.Message, error) {
	all, _ := f.ListMessages(ctx)
	out := all[:0]
	for _, m := range all {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) DeleteMessage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.messages[id]; !ok {
		return apperror.NotFound("message", id)
	}
	delete(f.messages, id)
	return nil
}

func (f *fakeMessageRepo) AddReaction(ctx context.Context, messageID, emoji, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactErr != nil {
		return f.reactErr
	}
	m, ok := f.messages[messageID]
	if !ok {
		return apperror.NotFound("message", messageID)
	}
	f.adds++
	if !m.Reactions.Has(emoji, userID) {
		m.Reactions = m.Reactions.Toggle(emoji, userID)
	}
	return nil
}

func (f *fakeMessageRepo) RemoveReaction(ctx context.Context, messageID, emoji, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactErr != nil {
		return f.reactErr
	}
	m, ok := f.messages[messageID]
	if !ok {
		return apperror.NotFound("message", messageID)
	}
	f.removes++
	if m.Reactions.Has(emoji, userID) {
		m.Reactions = m.Reactions.Toggle(emoji, userID)
	}
	return nil
}

type fakeUserRepo struct {
	users      map[string]*model.User
	byProvider map[string]*model.User
	nextID     int
	upsertErr  error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:      make(map[string]*model.User),
		byProvider: make(map[string]*model.User),
	}
}

func (f *fakeUserRepo) Upsert(ctx context.Context, user *model.User) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	key := user.Provider + "/" + user.ProviderID
	if existing, ok := f.byProvider[key]; ok {
		existing.DisplayName = user.DisplayName
		existing.Email = user.Email
		existing.PhotoURL = user.PhotoURL
		existing.UpdatedAt = time.Now()
		*user = *existing
		return nil
	}
	f.nextID++
	user.ID = "user-" + strconv.Itoa(f.nextID)
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.users[user.ID] = &copied
	f.byProvider[key] = &copied
	return nil
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}
