// Package session is the per-client side of ClassHub: who is signed in,
// which screen they are on, what they are typing, and the live room and
// message snapshots their view is projected from.
//
// SCREENS:
//
//	LoggedOut ──SignIn──▶ LoggedIn ──EnterRoom/CreateRoom──▶ InRoom
//	    ▲                  │  ▲                                 │
//	    └─────SignOut──────┘  └────────────LeaveRoom────────────┘
//	                       │
//	                       └──rooms read rejected──▶ PermissionDenied
//
// SignOut is also accepted from InRoom. Any other transition returns
// ErrInvalidTransition and leaves the session untouched. PermissionDenied is
// a dead end; only Close releases it.
//
// SUBSCRIPTIONS:
// SignIn opens one rooms and one messages subscription. Every callback is
// tagged with the sign-in generation it belongs to, and SignOut bumps the
// generation before cancelling, so a snapshot that was already in flight for
// a previous identity is dropped rather than applied.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/service"
	"github.com/sakif/classhub/internal/synthetic"
)

type Screen string

const (
	ScreenLoggedOut        Screen = "logged_out"
	ScreenLoggedIn         Screen = "logged_in"
	ScreenInRoom           Screen = "in_room"
	ScreenPermissionDenied Screen = "permission_denied"
)

var (
	ErrInvalidTransition = errors.New("session: action not available on this screen")
	ErrClosed            = errors.New("session: closed")
)

// Subscriber is the live hub as seen by a session.
type Subscriber interface {
	SubscribeRooms(ctx context.Context, identity *model.Identity, onSnapshot func([]model.Room), onError func(error)) live.Unsubscribe
	SubscribeMessages(ctx context.Context, identity *model.Identity, onSnapshot func([]model.Message), onError func(error)) live.Unsubscribe
}

type RoomCommands interface {
	CreateRoom(ctx context.Context, topic string, identity *model.Identity) (*model.Room, error)
	DeleteRoom(ctx context.Context, id string, identity *model.Identity) error
	CanDelete(room *model.Room, identity *model.Identity) bool
}

type MessageCommands interface {
	SendMessage(ctx context.Context, in service.SendInput, identity *model.Identity) (*model.Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji string, identity *model.Identity) error
	DeleteMessage(ctx context.Context, id string, identity *model.Identity) error
	CanDelete(msg *model.Message, identity *model.Identity) bool
}

// Draft is the message being composed in the current room.
type Draft struct {
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl,omitempty"`
	ReplyTo  string `json:"replyTo,omitempty"`
}

func (d Draft) sendable() bool {
	return strings.TrimSpace(d.Content) != "" || d.ImageURL != ""
}

// Banner is the dismissible inline error.
type Banner struct {
	Kind    apperror.Kind `json:"kind"`
	Message string        `json:"message"`
}

type Session struct {
	hub      Subscriber
	rooms    RoomCommands
	messages MessageCommands
	injector *synthetic.Injector
	logger   *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	closed         bool
	screen         Screen
	identity       *model.Identity
	gen            uint64
	cancel         context.CancelFunc
	unsubs         []live.Unsubscribe
	roomRecords    []model.Room
	messageRecords []model.Message
	currentRoomID  string
	pendingRoom    *model.Room // entered before the rooms snapshot includes it
	topicInput     string
	draft          Draft
	banner         *Banner
	denied         error
	listeners      []func()
}

func New(hub Subscriber, rooms RoomCommands, messages MessageCommands, injector *synthetic.Injector, logger *slog.Logger) *Session {
	return &Session{
		hub:      hub,
		rooms:    rooms,
		messages: messages,
		injector: injector,
		logger:   logger,
		now:      time.Now,
		screen:   ScreenLoggedOut,
	}
}

// OnChange registers fn to run after every state change. fn runs without
// the session lock held and may call View.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) notify() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (s *Session) Screen() Screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

func (s *Session) Identity() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// SignIn moves LoggedOut → LoggedIn and opens the two live subscriptions.
func (s *Session) SignIn(identity *model.Identity) error {
	if identity == nil || identity.ID == "" {
		return apperror.ValidationFailed("identity", "an identity is required to sign in")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.screen != ScreenLoggedOut {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.gen++
	gen := s.gen
	s.screen = ScreenLoggedIn
	s.identity = identity
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("session signed in",
		slog.String("userID", identity.ID),
		slog.Bool("anonymous", identity.Anonymous),
	)

	// Subscribing may call back immediately, so the lock must be free.
	unsubRooms := s.hub.SubscribeRooms(ctx, identity,
		func(rooms []model.Room) { s.applyRooms(gen, rooms) },
		func(err error) { s.roomsFailed(gen, err) },
	)
	unsubMessages := s.hub.SubscribeMessages(ctx, identity,
		func(msgs []model.Message) { s.applyMessages(gen, msgs) },
		func(err error) { s.messagesFailed(gen, err) },
	)

	s.mu.Lock()
	if s.gen != gen {
		// Signed out or denied while subscribing.
		s.mu.Unlock()
		cancel()
		unsubRooms()
		unsubMessages()
		return nil
	}
	s.unsubs = []live.Unsubscribe{unsubRooms, unsubMessages}
	s.mu.Unlock()

	s.notify()
	return nil
}

// SignOut cancels both subscriptions and forgets everything tied to the
// identity. It returns only once no further snapshot can be applied.
func (s *Session) SignOut() error {
	s.mu.Lock()
	if s.screen != ScreenLoggedIn && s.screen != ScreenInRoom {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	release := s.resetLocked(ScreenLoggedOut)
	s.mu.Unlock()

	release()
	s.logger.Info("session signed out")
	s.notify()
	return nil
}

// Close tears the session down from any screen. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	release := s.resetLocked(s.screen)
	s.listeners = nil
	s.mu.Unlock()

	release()
}

// resetLocked bumps the generation, clears identity-bound state and returns
// a func that cancels the subscriptions. The func must be called without
// the lock held.
func (s *Session) resetLocked(next Screen) func() {
	s.gen++
	cancel, unsubs := s.cancel, s.unsubs
	s.cancel, s.unsubs = nil, nil

	s.screen = next
	if next == ScreenLoggedOut {
		s.identity = nil
		s.denied = nil
	}
	s.roomRecords = nil
	s.messageRecords = nil
	s.currentRoomID = ""
	s.pendingRoom = nil
	s.topicInput = ""
	s.draft = Draft{}
	s.banner = nil

	return func() {
		if cancel != nil {
			cancel()
		}
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (s *Session) applyRooms(gen uint64, rooms []model.Room) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.roomRecords = rooms
	if s.pendingRoom != nil {
		for _, r := range rooms {
			if r.ID == s.pendingRoom.ID {
				s.pendingRoom = nil
				break
			}
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) applyMessages(gen uint64, msgs []model.Message) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.messageRecords = msgs
	s.mu.Unlock()
	s.notify()
}

// roomsFailed ends the session on an authorization failure. Any other read
// failure is shown inline and the subscription keeps running.
func (s *Session) roomsFailed(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	if !errors.Is(err, apperror.ErrAuthorization) {
		s.setBannerLocked(err)
		s.mu.Unlock()
		s.notify()
		return
	}

	release := s.resetLocked(ScreenPermissionDenied)
	s.denied = err
	s.mu.Unlock()

	s.logger.Warn("rooms subscription denied, session ended", slog.String("error", err.Error()))

	// This runs on a subscription goroutine, which cannot wait for itself
	// to exit. The generation bump above already drops anything it delivers.
	go release()
	s.notify()
}

func (s *Session) messagesFailed(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.setBannerLocked(err)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) setBannerLocked(err error) {
	kind := apperror.KindOf(err)
	if kind == apperror.KindInternal {
		kind = apperror.KindWrite
	}
	s.banner = &Banner{Kind: kind, Message: apperror.Message(err)}
	if s.banner.Message == "An internal error occurred" {
		s.banner.Message = "something went wrong, please try again"
	}
}

// fail records err as the inline banner, unless it is a validation error:
// those only mean the submission was not possible and are never shown after
// the fact.
func (s *Session) fail(gen uint64, err error) error {
	if errors.Is(err, apperror.ErrValidation) {
		return err
	}
	s.mu.Lock()
	if gen == s.gen {
		s.setBannerLocked(err)
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// DismissError clears the inline banner.
func (s *Session) DismissError() {
	s.mu.Lock()
	s.banner = nil
	s.mu.Unlock()
	s.notify()
}

// EnterRoom moves LoggedIn → InRoom. The room does not have to be in the
// current snapshot yet.
func (s *Session) EnterRoom(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return apperror.ValidationFailed("roomId", "room ID is required")
	}

	s.mu.Lock()
	if s.screen != ScreenLoggedIn {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.enterLocked(roomID, nil)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) enterLocked(roomID string, pending *model.Room) {
	s.screen = ScreenInRoom
	s.currentRoomID = roomID
	s.pendingRoom = pending
	s.draft = Draft{}
}

// LeaveRoom moves InRoom → LoggedIn and discards the unsent draft.
func (s *Session) LeaveRoom() error {
	s.mu.Lock()
	if s.screen != ScreenInRoom {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.screen = ScreenLoggedIn
	s.currentRoomID = ""
	s.pendingRoom = nil
	s.draft = Draft{}
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetTopic updates the room-creation input in the lobby.
func (s *Session) SetTopic(topic string) error {
	s.mu.Lock()
	if s.screen != ScreenLoggedIn {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.topicInput = topic
	s.mu.Unlock()
	s.notify()
	return nil
}

// CreateRoom submits the topic input. On success the input is cleared and
// the session enters the new room immediately, before any rooms snapshot
// contains it.
func (s *Session) CreateRoom(ctx context.Context) (*model.Room, error) {
	s.mu.Lock()
	if s.screen != ScreenLoggedIn {
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	gen, identity, topic := s.gen, s.identity, s.topicInput
	s.mu.Unlock()

	room, err := s.rooms.CreateRoom(ctx, topic, identity)
	if err != nil {
		return nil, s.fail(gen, err)
	}

	s.mu.Lock()
	if gen == s.gen && s.screen == ScreenLoggedIn {
		s.topicInput = ""
		s.banner = nil
		pending := *room
		if !s.hasRoomLocked(room.ID) {
			s.enterLocked(room.ID, &pending)
		} else {
			s.enterLocked(room.ID, nil)
		}
	}
	s.mu.Unlock()
	s.notify()
	return room, nil
}

func (s *Session) hasRoomLocked(id string) bool {
	for _, r := range s.roomRecords {
		if r.ID == id {
			return true
		}
	}
	return false
}

// DeleteRoom deletes a room from the lobby.
func (s *Session) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if s.screen != ScreenLoggedIn {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	gen, identity := s.gen, s.identity
	s.mu.Unlock()

	if err := s.rooms.DeleteRoom(ctx, roomID, identity); err != nil {
		return s.fail(gen, err)
	}
	return nil
}

// SetDraft replaces the text being composed.
func (s *Session) SetDraft(content string) error {
	return s.editDraft(func(d *Draft) { d.Content = content })
}

// AttachImage sets or, with an empty dataURL, removes the draft image.
func (s *Session) AttachImage(dataURL string) error {
	return s.editDraft(func(d *Draft) { d.ImageURL = dataURL })
}

// ReplyTo makes messageID the reply target of the draft.
func (s *Session) ReplyTo(messageID string) error {
	return s.editDraft(func(d *Draft) { d.ReplyTo = messageID })
}

func (s *Session) CancelReply() error {
	return s.editDraft(func(d *Draft) { d.ReplyTo = "" })
}

func (s *Session) editDraft(edit func(*Draft)) error {
	s.mu.Lock()
	if s.screen != ScreenInRoom {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	edit(&s.draft)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Send submits the draft to the current room. On success the text, the
// image and the reply target are all cleared, unless the user edited the
// draft while the write was in flight; on failure the draft is kept so the
// user can fix it and resubmit.
func (s *Session) Send(ctx context.Context) (*model.Message, error) {
	s.mu.Lock()
	if s.screen != ScreenInRoom {
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	gen, identity, roomID, draft := s.gen, s.identity, s.currentRoomID, s.draft
	s.mu.Unlock()

	msg, err := s.messages.SendMessage(ctx, service.SendInput{
		RoomID:   roomID,
		Content:  draft.Content,
		ImageURL: draft.ImageURL,
		ReplyTo:  draft.ReplyTo,
	}, identity)
	if err != nil {
		return nil, s.fail(gen, err)
	}

	s.mu.Lock()
	if gen == s.gen && s.currentRoomID == roomID {
		if s.draft == draft {
			s.draft = Draft{}
		}
		s.banner = nil
	}
	s.mu.Unlock()
	s.notify()
	return msg, nil
}

// React toggles the viewer's emoji reaction on a message.
func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	s.mu.Lock()
	if s.screen != ScreenInRoom {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	gen, identity := s.gen, s.identity
	s.mu.Unlock()

	if err := s.messages.ToggleReaction(ctx, messageID, emoji, identity); err != nil {
		return s.fail(gen, err)
	}
	return nil
}

func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.screen != ScreenInRoom {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	gen, identity := s.gen, s.identity
	s.mu.Unlock()

	if err := s.messages.DeleteMessage(ctx, messageID, identity); err != nil {
		return s.fail(gen, err)
	}
	return nil
}
