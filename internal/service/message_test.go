package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/model"
)

func newTestMessageService(maxBytes int64) (*MessageService, *fakeMessageRepo, *fakePublisher) {
	repo := newFakeMessageRepo()
	pub := &fakePublisher{}
	return NewMessageService(repo, pub, maxBytes, nil, discardLogger()), repo, pub
}

func TestSendMessage_Text(t *testing.T) {
	svc, repo, pub := newTestMessageService(0)

	msg, err := svc.SendMessage(context.Background(), SendInput{RoomID: "r1", Content: "  hello  "}, alice)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "Alice", msg.User)
	assert.Equal(t, "alice", msg.UserID)
	assert.Nil(t, msg.ReplyTo)
	assert.Len(t, repo.messages, 1)
	assert.Equal(t, []live.Collection{live.CollectionMessages}, pub.calls())
}

func TestSendMessage_ImageOnly(t *testing.T) {
	svc, _, _ := newTestMessageService(0)

	msg, err := svc.SendMessage(context.Background(), SendInput{RoomID: "r1", ImageURL: "data:image/png;base64,AAAA"}, bob)
	require.NoError(t, err)
	assert.Empty(t, msg.Content)
	assert.Equal(t, "data:image/png;base64,AAAA", msg.ImageURL)
}

func TestSendMessage_ValidationWritesNothing(t *testing.T) {
	tests := []struct {
		name      string
		in        SendInput
		identity  *model.Identity
		wantErr   error
		wantField string
	}{
		{"empty content, no image", SendInput{RoomID: "r1", Content: "   "}, alice, apperror.ErrValidation, "content"},
		{"missing room", SendInput{Content: "hi"}, alice, apperror.ErrValidation, "roomId"},
		{"non-image attachment", SendInput{RoomID: "r1", ImageURL: "https://example.com/x.png"}, alice, apperror.ErrValidation, "imageUrl"},
		{"missing reply target", SendInput{RoomID: "r1", Content: "hi", ReplyTo: "gone"}, alice, apperror.ErrValidation, "replyTo"},
		{"signed out", SendInput{RoomID: "r1", Content: "hi"}, nil, apperror.ErrForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, pub := newTestMessageService(0)

			_, err := svc.SendMessage(context.Background(), tt.in, tt.identity)
			require.True(t, errors.Is(err, tt.wantErr), "error = %v, want %v", err, tt.wantErr)

			if tt.wantField != "" {
				var appErr *apperror.AppError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, tt.wantField, appErr.Field)
			}
			assert.Empty(t, repo.messages)
			assert.Empty(t, pub.calls())
		})
	}
}

func TestSendMessage_ReplySnapshot(t *testing.T) {
	svc, repo, _ := newTestMessageService(0)
	ctx := context.Background()

	parent, err := svc.SendMessage(ctx, SendInput{RoomID: "r1", Content: "original", ImageURL: "data:image/gif;base64,R0"}, bob)
	require.NoError(t, err)

	reply, err := svc.SendMessage(ctx, SendInput{RoomID: "r1", Content: "answer", ReplyTo: parent.ID}, alice)
	require.NoError(t, err)

	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, model.ReplyRef{ID: parent.ID, User: "Bob", Content: "original", HasImage: true}, *reply.ReplyTo)

	// Deleting the parent leaves the snapshot intact.
	require.NoError(t, svc.DeleteMessage(ctx, parent.ID, bob))
	stored, err := repo.GetMessage(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", stored.ReplyTo.Content)
}

func TestSendMessage_ReplyAcrossRoomsRejected(t *testing.T) {
	svc, repo, _ := newTestMessageService(0)
	ctx := context.Background()

	parent, err := svc.SendMessage(ctx, SendInput{RoomID: "room-a", Content: "in A"}, bob)
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, SendInput{RoomID: "room-b", Content: "answer", ReplyTo: parent.ID}, alice)
	require.True(t, errors.Is(err, apperror.ErrValidation), "error = %v", err)

	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "replyTo", appErr.Field)
	assert.Len(t, repo.messages, 1)
}

func TestSendMessage_PayloadTooLarge(t *testing.T) {
	svc, repo, _ := newTestMessageService(1024)

	big := "data:image/png;base64," + strings.Repeat("A", 2048)
	_, err := svc.SendMessage(context.Background(), SendInput{RoomID: "r1", ImageURL: big}, alice)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrPayloadTooLarge))
	assert.False(t, errors.Is(err, apperror.ErrWrite), "payload errors must stay distinct from generic write errors")
	assert.Contains(t, err.Error(), "1.0 KiB")
	assert.Empty(t, repo.messages)
}

func TestSendMessage_StoreFailureIsWriteError(t *testing.T) {
	svc, repo, pub := newTestMessageService(0)
	repo.createErr = errors.New("connection reset")

	_, err := svc.SendMessage(context.Background(), SendInput{RoomID: "r1", Content: "hi"}, alice)
	assert.True(t, errors.Is(err, apperror.ErrWrite))
	assert.Empty(t, pub.calls())
}

func TestNewMessageService_DefaultLimit(t *testing.T) {
	svc, _, _ := newTestMessageService(0)
	assert.Equal(t, int64(DefaultMaxDocumentBytes), svc.MaxDocumentBytes())
}

func TestToggleReaction_TwiceRestores(t *testing.T) {
	svc, repo, _ := newTestMessageService(0)
	ctx := context.Background()
	msg, err := svc.SendMessage(ctx, SendInput{RoomID: "r1", Content: "hi"}, bob)
	require.NoError(t, err)

	require.NoError(t, svc.ToggleReaction(ctx, msg.ID, "👍", alice))
	stored, _ := repo.GetMessage(ctx, msg.ID)
	assert.Equal(t, model.Reactions{"👍": {"alice"}}, stored.Reactions)

	require.NoError(t, svc.ToggleReaction(ctx, msg.ID, "👍", alice))
	stored, _ = repo.GetMessage(ctx, msg.ID)
	assert.Empty(t, stored.Reactions, "emoji with no reactors must be pruned")

	assert.Equal(t, 1, repo.adds)
	assert.Equal(t, 1, repo.removes)
}

func TestToggleReaction_Validation(t *testing.T) {
	svc, _, _ := newTestMessageService(0)
	ctx := context.Background()
	msg, _ := svc.SendMessage(ctx, SendInput{RoomID: "r1", Content: "hi"}, bob)

	assert.True(t, errors.Is(svc.ToggleReaction(ctx, msg.ID, " ", alice), apperror.ErrValidation))
	assert.True(t, errors.Is(svc.ToggleReaction(ctx, "missing", "👍", alice), apperror.ErrNotFound))
	assert.True(t, errors.Is(svc.ToggleReaction(ctx, msg.ID, "👍", nil), apperror.ErrForbidden))
}

func TestToggleReaction_ConcurrentReactorsBothLand(t *testing.T) {
	svc, repo, _ := newTestMessageService(0)
	ctx := context.Background()
	msg, _ := svc.SendMessage(ctx, SendInput{RoomID: "r1", Content: "hi"}, bob)

	var wg sync.WaitGroup
	for _, who := range []*model.Identity{alice, guest} {
		wg.Add(1)
		go func(id *model.Identity) {
			defer wg.Done()
			assert.NoError(t, svc.ToggleReaction(ctx, msg.ID, "🎉", id))
		}(who)
	}
	wg.Wait()

	stored, _ := repo.GetMessage(ctx, msg.ID)
	assert.Equal(t, []string{"alice", "f00dcafe"}, stored.Reactions["🎉"])
}

func TestToggleReaction_StoreFailure(t *testing.T) {
	svc, repo, _ := newTestMessageService(0)
	ctx := context.Background()
	msg, _ := svc.SendMessage(ctx, SendInput{RoomID: "r1", Content: "hi"}, bob)
	repo.reactErr = errors.New("busy")

	assert.True(t, errors.Is(svc.ToggleReaction(ctx, msg.ID, "👍", alice), apperror.ErrWrite))
}

func TestDeleteMessage(t *testing.T) {
	svc, repo, _ := newTestMessageService(0)
	ctx := context.Background()
	msg, _ := svc.SendMessage(ctx, SendInput{RoomID: "r1", Content: "mine"}, alice)

	assert.True(t, errors.Is(svc.DeleteMessage(ctx, msg.ID, bob), apperror.ErrForbidden))
	assert.True(t, errors.Is(svc.DeleteMessage(ctx, "nope", alice), apperror.ErrNotFound))
	assert.Len(t, repo.messages, 1)

	require.NoError(t, svc.DeleteMessage(ctx, msg.ID, alice))
	assert.Empty(t, repo.messages)
}

func TestMessageCanDelete(t *testing.T) {
	svc, _, _ := newTestMessageService(0)
	msg := &model.Message{ID: "m", UserID: "alice"}

	assert.True(t, svc.CanDelete(msg, alice))
	assert.False(t, svc.CanDelete(msg, bob))
	assert.False(t, svc.CanDelete(msg, nil))
}
