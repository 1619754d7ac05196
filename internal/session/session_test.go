package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/model"
	sqliteRepo "github.com/sakif/classhub/internal/repository/sqlite"
	"github.com/sakif/classhub/internal/service"
	"github.com/sakif/classhub/internal/synthetic"
)

var (
	alice = &model.Identity{ID: "alice", DisplayName: "Alice", Provider: model.ProviderGitHub}
	bob   = &model.Identity{ID: "bob", DisplayName: "Bob", Provider: model.ProviderGoogle}
	guest = &model.Identity{ID: "9a7b-guest", Provider: model.ProviderAnonymous, Anonymous: true}
)

// backend is one in-memory store plus the hub and services on top of it.
// Sessions created from the same backend see each other's writes.
type backend struct {
	db       *sqliteRepo.DB
	hub      *live.Hub
	rooms    *service.RoomService
	messages *service.MessageService
	injector *synthetic.Injector
	logger   *slog.Logger
}

func newBackend(t *testing.T, rules live.Rules, maxBytes int64) *backend {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqliteRepo.New(":memory:", "session-test")
	require.NoError(t, err)

	hub := live.NewHub(db, db, rules, logger, nil)
	t.Cleanup(func() {
		hub.Close()
		db.Close()
	})

	return &backend{
		db:       db,
		hub:      hub,
		rooms:    service.NewRoomService(db, hub, nil, logger),
		messages: service.NewMessageService(db, hub, maxBytes, nil, logger),
		injector: synthetic.New(synthetic.DefaultTopics, time.UTC),
		logger:   logger,
	}
}

func (b *backend) newSession(t *testing.T) *Session {
	t.Helper()
	s := New(b.hub, b.rooms, b.messages, b.injector, b.logger)
	t.Cleanup(s.Close)
	return s
}

// waitFor blocks until cond holds for the session's view.
func waitFor(t *testing.T, s *Session, cond func(View) bool) View {
	t.Helper()

	changed := make(chan struct{}, 1)
	s.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	deadline := time.After(2 * time.Second)
	for {
		v := s.View()
		if cond(v) {
			return v
		}
		select {
		case <-changed:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for view; last view: %+v", v)
		}
	}
}

func hasRoom(topic string) func(View) bool {
	return func(v View) bool {
		for _, r := range v.Rooms {
			if r.Topic == topic {
				return true
			}
		}
		return false
	}
}

func transcriptLen(n int) func(View) bool {
	return func(v View) bool { return len(v.Transcript) == n }
}

// stubSubscriber delivers nothing unless told to fail.
type stubSubscriber struct {
	roomsErr    error
	messagesErr error
}

func (s *stubSubscriber) SubscribeRooms(ctx context.Context, identity *model.Identity, onSnapshot func([]model.Room), onError func(error)) live.Unsubscribe {
	if s.roomsErr != nil {
		go onError(s.roomsErr)
	}
	return func() {}
}

func (s *stubSubscriber) SubscribeMessages(ctx context.Context, identity *model.Identity, onSnapshot func([]model.Message), onError func(error)) live.Unsubscribe {
	if s.messagesErr != nil {
		go onError(s.messagesErr)
	}
	return func() {}
}

func TestTransitions_Invalid(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	ctx := context.Background()

	loggedOut := b.newSession(t)
	assert.ErrorIs(t, loggedOut.EnterRoom("r1"), ErrInvalidTransition)
	assert.ErrorIs(t, loggedOut.LeaveRoom(), ErrInvalidTransition)
	assert.ErrorIs(t, loggedOut.SignOut(), ErrInvalidTransition)
	assert.ErrorIs(t, loggedOut.SetDraft("x"), ErrInvalidTransition)
	_, err := loggedOut.Send(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ScreenLoggedOut, loggedOut.Screen())

	lobby := b.newSession(t)
	require.NoError(t, lobby.SignIn(alice))
	assert.ErrorIs(t, lobby.SignIn(bob), ErrInvalidTransition)
	assert.ErrorIs(t, lobby.LeaveRoom(), ErrInvalidTransition)
	assert.ErrorIs(t, lobby.React(ctx, "m", "👍"), ErrInvalidTransition)
	assert.Equal(t, ScreenLoggedIn, lobby.Screen())

	require.NoError(t, lobby.EnterRoom("r1"))
	assert.ErrorIs(t, lobby.EnterRoom("r2"), ErrInvalidTransition)
	assert.ErrorIs(t, lobby.SetTopic("x"), ErrInvalidTransition)
	_, err = lobby.CreateRoom(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, lobby.DeleteRoom(ctx, "r1"), ErrInvalidTransition)
	assert.Equal(t, ScreenInRoom, lobby.Screen())
}

func TestTransitions_FullCycle(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := b.newSession(t)

	require.NoError(t, s.SignIn(alice))
	assert.Equal(t, ScreenLoggedIn, s.Screen())
	require.NoError(t, s.EnterRoom("r1"))
	assert.Equal(t, ScreenInRoom, s.Screen())
	require.NoError(t, s.LeaveRoom())
	assert.Equal(t, ScreenLoggedIn, s.Screen())
	require.NoError(t, s.SignOut())
	assert.Equal(t, ScreenLoggedOut, s.Screen())
	assert.Nil(t, s.Identity())
}

func TestSignOut_FromRoom(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := b.newSession(t)

	require.NoError(t, s.SignIn(alice))
	require.NoError(t, s.EnterRoom("r1"))
	require.NoError(t, s.SignOut())
	assert.Equal(t, ScreenLoggedOut, s.Screen())
}

func TestSignIn_RequiresIdentity(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := b.newSession(t)

	assert.True(t, errors.Is(s.SignIn(nil), apperror.ErrValidation))
	assert.Equal(t, ScreenLoggedOut, s.Screen())
}

func TestLobby_ShowsSyntheticRoom(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := b.newSession(t)
	require.NoError(t, s.SignIn(alice))

	v := waitFor(t, s, func(v View) bool { return len(v.Rooms) == 1 })

	assert.True(t, v.Rooms[0].IsSynthetic)
	assert.False(t, v.Rooms[0].Deletable)
	require.Len(t, v.Days, 1)
	assert.Equal(t, []string{v.Rooms[0].ID}, v.Days[0].RoomIDs)
}

func TestCreateRoom_EntersOptimistically(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := New(&stubSubscriber{}, b.rooms, b.messages, b.injector, b.logger)
	t.Cleanup(s.Close)

	require.NoError(t, s.SignIn(alice))
	require.NoError(t, s.SetTopic("  Lunch  "))
	assert.True(t, s.View().CanCreateRoom)

	room, err := s.CreateRoom(context.Background())
	require.NoError(t, err)

	v := s.View()
	assert.Equal(t, ScreenInRoom, v.Screen)
	require.NotNil(t, v.CurrentRoom)
	assert.Equal(t, room.ID, v.CurrentRoom.ID)
	assert.Equal(t, "Lunch", v.CurrentRoom.Topic, "room comes from the pending copy, not a snapshot")
	assert.True(t, v.CurrentRoom.Deletable)

	require.NoError(t, s.LeaveRoom())
	assert.Empty(t, s.View().TopicInput, "creation input is cleared on success")
}

func TestValidationGate_NoWriteNoBanner(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := b.newSession(t)
	ctx := context.Background()
	require.NoError(t, s.SignIn(alice))

	require.NoError(t, s.SetTopic("   "))
	assert.False(t, s.View().CanCreateRoom)
	_, err := s.CreateRoom(ctx)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
	assert.Equal(t, ScreenLoggedIn, s.Screen())

	require.NoError(t, s.EnterRoom("r1"))
	assert.False(t, s.View().CanSend)
	_, err = s.Send(ctx)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
	assert.Nil(t, s.View().Banner)

	rooms, err := b.db.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
	msgs, err := b.db.ListMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSend_ClearsDraftImageAndReply(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := b.newSession(t)
	ctx := context.Background()
	require.NoError(t, s.SignIn(alice))
	require.NoError(t, s.EnterRoom("r1"))

	require.NoError(t, s.SetDraft("first"))
	first, err := s.Send(ctx)
	require.NoError(t, err)
	waitFor(t, s, transcriptLen(1))

	require.NoError(t, s.SetDraft("look"))
	require.NoError(t, s.AttachImage("data:image/png;base64,iVBOR"))
	require.NoError(t, s.ReplyTo(first.ID))
	v := s.View()
	require.NotNil(t, v.ReplyTarget)
	assert.Equal(t, "first", v.ReplyTarget.Content)

	_, err = s.Send(ctx)
	require.NoError(t, err)

	v = s.View()
	assert.Equal(t, Draft{}, v.Draft)
	assert.Nil(t, v.ReplyTarget)
	assert.False(t, v.CanSend)
}

// slowSender holds SendMessage until release is closed.
type slowSender struct {
	*service.MessageService
	started chan struct{}
	release chan struct{}
}

func (f *slowSender) SendMessage(ctx context.Context, in service.SendInput, identity *model.Identity) (*model.Message, error) {
	close(f.started)
	<-f.release
	return f.MessageService.SendMessage(ctx, in, identity)
}

func TestSend_KeepsDraftEditedInFlight(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	sender := &slowSender{
		MessageService: b.messages,
		started:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	s := New(b.hub, b.rooms, sender, b.injector, b.logger)
	t.Cleanup(s.Close)
	require.NoError(t, s.SignIn(alice))
	require.NoError(t, s.EnterRoom("r1"))
	require.NoError(t, s.SetDraft("first"))

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background())
		done <- err
	}()

	<-sender.started
	require.NoError(t, s.SetDraft("second thought"))
	close(sender.release)
	require.NoError(t, <-done)

	waitFor(t, s, transcriptLen(1))
	v := s.View()
	assert.Equal(t, "first", v.Transcript[0].Content)
	assert.Equal(t, "second thought", v.Draft.Content)
}

func TestSend_PayloadTooLargeBanner(t *testing.T) {
	b := newBackend(t, live.Rules{}, 512)
	s := b.newSession(t)
	ctx := context.Background()
	require.NoError(t, s.SignIn(alice))
	require.NoError(t, s.EnterRoom("r1"))

	image := "data:image/png;base64," + strings.Repeat("A", 1024)
	require.NoError(t, s.AttachImage(image))

	_, err := s.Send(ctx)
	require.True(t, errors.Is(err, apperror.ErrPayloadTooLarge))

	v := s.View()
	require.NotNil(t, v.Banner)
	assert.Equal(t, apperror.KindPayloadTooLarge, v.Banner.Kind)
	assert.Equal(t, image, v.Draft.ImageURL, "draft is kept so the user can swap the image")

	s.DismissError()
	assert.Nil(t, s.View().Banner)
}

func TestPermissionDenied_EndsSession(t *testing.T) {
	b := newBackend(t, live.Rules{AllowGuests: false}, 0)
	s := b.newSession(t)

	require.NoError(t, s.SignIn(guest))

	v := waitFor(t, s, func(v View) bool { return v.Screen == ScreenPermissionDenied })
	assert.NotEmpty(t, v.Denied)
	assert.Empty(t, v.Rooms)

	assert.ErrorIs(t, s.SignOut(), ErrInvalidTransition)
	assert.ErrorIs(t, s.EnterRoom("r1"), ErrInvalidTransition)
}

func TestMessagesReadError_BannerOnly(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := New(&stubSubscriber{messagesErr: errors.New("network down")}, b.rooms, b.messages, b.injector, b.logger)
	t.Cleanup(s.Close)

	require.NoError(t, s.SignIn(alice))

	v := waitFor(t, s, func(v View) bool { return v.Banner != nil })
	assert.Equal(t, ScreenLoggedIn, v.Screen)
	assert.Equal(t, apperror.KindWrite, v.Banner.Kind)
}

func TestSignOut_StopsUpdates(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	watcher := b.newSession(t)
	writer := b.newSession(t)
	ctx := context.Background()

	require.NoError(t, watcher.SignIn(bob))
	waitFor(t, watcher, func(v View) bool { return len(v.Rooms) == 1 })
	require.NoError(t, watcher.SignOut())

	require.NoError(t, writer.SignIn(alice))
	require.NoError(t, writer.SetTopic("after sign-out"))
	_, err := writer.CreateRoom(ctx)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	v := watcher.View()
	assert.Equal(t, ScreenLoggedOut, v.Screen)
	assert.Empty(t, v.Rooms)
}

func TestLobby_DeletableOnlyForCreator(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	owner := b.newSession(t)
	other := b.newSession(t)
	ctx := context.Background()

	require.NoError(t, owner.SignIn(alice))
	require.NoError(t, owner.SetTopic("Alice's room"))
	_, err := owner.CreateRoom(ctx)
	require.NoError(t, err)

	require.NoError(t, other.SignIn(bob))
	v := waitFor(t, other, hasRoom("Alice's room"))
	for _, r := range v.Rooms {
		assert.False(t, r.Deletable, "bob must not see a delete control on %q", r.Topic)
	}

	require.NoError(t, owner.LeaveRoom())
	v = waitFor(t, owner, hasRoom("Alice's room"))
	for _, r := range v.Rooms {
		assert.Equal(t, !r.IsSynthetic, r.Deletable, "room %q", r.Topic)
	}
}

func TestReact_ShowsViewerReaction(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	s := b.newSession(t)
	ctx := context.Background()
	require.NoError(t, s.SignIn(alice))
	require.NoError(t, s.EnterRoom("r1"))
	require.NoError(t, s.SetDraft("react to me"))
	msg, err := s.Send(ctx)
	require.NoError(t, err)

	require.NoError(t, s.React(ctx, msg.ID, "🎉"))

	v := waitFor(t, s, func(v View) bool {
		return len(v.Transcript) == 1 && len(v.Transcript[0].ReactionGroups) == 1
	})
	g := v.Transcript[0].ReactionGroups[0]
	assert.Equal(t, "🎉", g.Emoji)
	assert.Equal(t, 1, g.Count)
	assert.True(t, g.ReactedByViewer)
	assert.True(t, v.Transcript[0].Deletable)
}

func TestDeleteMessage_ForbiddenForOthersShowsBanner(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	author := b.newSession(t)
	other := b.newSession(t)
	ctx := context.Background()

	require.NoError(t, author.SignIn(alice))
	require.NoError(t, author.EnterRoom("r1"))
	require.NoError(t, author.SetDraft("mine"))
	msg, err := author.Send(ctx)
	require.NoError(t, err)

	require.NoError(t, other.SignIn(bob))
	require.NoError(t, other.EnterRoom("r1"))
	v := waitFor(t, other, transcriptLen(1))
	assert.False(t, v.Transcript[0].Deletable)

	err = other.DeleteMessage(ctx, msg.ID)
	assert.True(t, errors.Is(err, apperror.ErrForbidden))
	require.NotNil(t, other.View().Banner)

	require.NoError(t, author.DeleteMessage(ctx, msg.ID))
	waitFor(t, other, transcriptLen(0))
}

// Two identities, one room: A creates "Lunch" and says hi, B replies.
func TestEndToEnd_ReplyScenario(t *testing.T) {
	b := newBackend(t, live.Rules{}, 0)
	a := b.newSession(t)
	bb := b.newSession(t)
	ctx := context.Background()

	require.NoError(t, a.SignIn(alice))
	require.NoError(t, a.SetTopic("Lunch"))
	room, err := a.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SetDraft("hi"))
	hi, err := a.Send(ctx)
	require.NoError(t, err)

	require.NoError(t, bb.SignIn(bob))
	v := waitFor(t, bb, hasRoom("Lunch"))
	for _, r := range v.Rooms {
		if r.ID == room.ID {
			require.Len(t, r.Preview, 1)
			assert.Equal(t, "hi", r.Preview[0].Content)
		}
	}

	require.NoError(t, bb.EnterRoom(room.ID))
	waitFor(t, bb, transcriptLen(1))
	require.NoError(t, bb.ReplyTo(hi.ID))
	require.NoError(t, bb.SetDraft("hello back"))
	_, err = bb.Send(ctx)
	require.NoError(t, err)

	v = waitFor(t, a, transcriptLen(2))
	assert.Equal(t, "hi", v.Transcript[0].Content)
	assert.Equal(t, "hello back", v.Transcript[1].Content)
	require.NotNil(t, v.Transcript[1].ReplyTo)
	assert.Equal(t, model.ReplyRef{ID: hi.ID, User: "Alice", Content: "hi"}, *v.Transcript[1].ReplyTo)
	assert.Equal(t, 1, v.Transcript[0].ReplyCount)
}
