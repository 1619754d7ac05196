package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/metrics"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/repository"
)

// DefaultMaxDocumentBytes is the per-record ceiling, the same 1 MiB a hosted
// document store enforces. Inline images are what push a message over it.
const DefaultMaxDocumentBytes = 1 << 20

const imageURLPrefix = "data:image/"

// SendInput is everything a user composes for one message.
type SendInput struct {
	RoomID   string
	Content  string
	ImageURL string
	ReplyTo  string // id of the message being answered, optional
}

type MessageService struct {
	repo      repository.MessageRepository
	publisher Publisher
	maxBytes  int64
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewMessageService creates a MessageService. maxBytes <= 0 means
// DefaultMaxDocumentBytes.
func NewMessageService(repo repository.MessageRepository, publisher Publisher, maxBytes int64, m *metrics.Metrics, logger *slog.Logger) *MessageService {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocumentBytes
	}
	return &MessageService{
		repo:      repo,
		publisher: publisher,
		maxBytes:  maxBytes,
		metrics:   m,
		logger:    logger,
	}
}

// MaxDocumentBytes is the size ceiling for one encoded message.
func (s *MessageService) MaxDocumentBytes() int64 {
	return s.maxBytes
}

// SendMessage validates in and appends a message authored by identity.
//
// The record is checked against the size ceiling after the reply snapshot
// is attached, since that is what would actually be stored.
func (s *MessageService) SendMessage(ctx context.Context, in SendInput, identity *model.Identity) (msg *model.Message, err error) {
	defer func() { s.metrics.Command("send_message", outcome(err)) }()

	if err := requireIdentity("send a message", identity); err != nil {
		return nil, err
	}

	roomID := strings.TrimSpace(in.RoomID)
	if roomID == "" {
		return nil, apperror.ValidationFailed("roomId", "room ID is required")
	}

	content := strings.TrimSpace(in.Content)
	if content == "" && in.ImageURL == "" {
		return nil, apperror.ValidationFailed("content", "message is empty")
	}
	if in.ImageURL != "" && !strings.HasPrefix(in.ImageURL, imageURLPrefix) {
		return nil, apperror.ValidationFailed("imageUrl", "attachment must be an inline image")
	}

	msg = &model.Message{
		RoomID:    roomID,
		UserID:    identity.ID,
		User:      identity.Name(),
		UserPhoto: identity.PhotoURL,
		Content:   content,
		ImageURL:  in.ImageURL,
	}

	if replyTo := strings.TrimSpace(in.ReplyTo); replyTo != "" {
		target, err := s.repo.GetMessage(ctx, replyTo)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return nil, apperror.ValidationFailed("replyTo", "the message you are replying to no longer exists")
			}
			return nil, apperror.WriteFailed("send the message", err)
		}
		if target.RoomID != roomID {
			return nil, apperror.ValidationFailed("replyTo", "you can only reply to a message in the same room")
		}
		msg.ReplyTo = target.Snapshot()
	}

	if err := s.checkSize(msg); err != nil {
		return nil, err
	}

	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("failed to send message",
			slog.String("roomID", roomID),
			slog.String("userID", identity.ID),
			slog.String("error", err.Error()),
		)
		return nil, apperror.WriteFailed("send the message", err)
	}

	s.logger.Info("message sent",
		slog.String("id", msg.ID),
		slog.String("roomID", msg.RoomID),
		slog.Bool("image", msg.ImageURL != ""),
	)

	s.publisher.Publish(live.CollectionMessages)
	return msg, nil
}

func (s *MessageService) checkSize(msg *model.Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return apperror.WriteFailed("send the message", err)
	}
	if int64(len(encoded)) > s.maxBytes {
		s.logger.Warn("message exceeds document limit",
			slog.String("size", humanize.IBytes(uint64(len(encoded)))),
			slog.String("limit", humanize.IBytes(uint64(s.maxBytes))),
		)
		return apperror.PayloadTooLarge("message", humanize.IBytes(uint64(s.maxBytes)))
	}
	return nil
}

// ToggleReaction adds identity's reaction with emoji when absent and removes
// it when present. The decision is taken from the latest stored state; the
// write itself is a single atomic add or remove on the reactor set, so two
// people toggling the same emoji at once never overwrite each other.
func (s *MessageService) ToggleReaction(ctx context.Context, messageID, emoji string, identity *model.Identity) (err error) {
	defer func() { s.metrics.Command("toggle_reaction", outcome(err)) }()

	if err := requireIdentity("react", identity); err != nil {
		return err
	}

	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return apperror.ValidationFailed("emoji", "emoji is required")
	}

	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return classifyRead(err, "update the reaction")
	}

	if msg.Reactions.Has(emoji, identity.ID) {
		err = s.repo.RemoveReaction(ctx, messageID, emoji, identity.ID)
	} else {
		err = s.repo.AddReaction(ctx, messageID, emoji, identity.ID)
	}
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		s.logger.Error("failed to toggle reaction",
			slog.String("messageID", messageID),
			slog.String("error", err.Error()),
		)
		return apperror.WriteFailed("update the reaction", err)
	}

	s.publisher.Publish(live.CollectionMessages)
	return nil
}

// CanDelete is the display-time permission check for messages.
func (s *MessageService) CanDelete(msg *model.Message, identity *model.Identity) bool {
	return msg != nil && msg.AuthoredBy(identity)
}

// DeleteMessage removes a message written by identity.
func (s *MessageService) DeleteMessage(ctx context.Context, id string, identity *model.Identity) (err error) {
	defer func() { s.metrics.Command("delete_message", outcome(err)) }()

	if err := requireIdentity("delete a message", identity); err != nil {
		return err
	}

	msg, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		return classifyRead(err, "delete the message")
	}
	if !s.CanDelete(msg, identity) {
		return apperror.Forbidden("only the author can delete this message")
	}

	if err := s.repo.DeleteMessage(ctx, id); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		s.logger.Error("failed to delete message",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return apperror.WriteFailed("delete the message", err)
	}

	s.logger.Info("message deleted", slog.String("id", id))

	s.publisher.Publish(live.CollectionMessages)
	return nil
}
