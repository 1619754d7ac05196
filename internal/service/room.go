package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/metrics"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/repository"
	"github.com/sakif/classhub/internal/synthetic"
)

// MaxTopicLength is counted in runes, not bytes.
const MaxTopicLength = 100

type RoomService struct {
	repo      repository.RoomRepository
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewRoomService(repo repository.RoomRepository, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *RoomService {
	return &RoomService{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// CreateRoom validates topic and persists a new room owned by identity.
// Nothing is written when validation fails.
func (s *RoomService) CreateRoom(ctx context.Context, topic string, identity *model.Identity) (room *model.Room, err error) {
	defer func() { s.metrics.Command("create_room", outcome(err)) }()

	if err := requireIdentity("create a room", identity); err != nil {
		return nil, err
	}

	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, apperror.ValidationFailed("topic", "room topic is required")
	}
	if utf8.RuneCountInString(topic) > MaxTopicLength {
		return nil, apperror.ValidationFailed("topic",
			fmt.Sprintf("room topic must be %d characters or less", MaxTopicLength))
	}

	room = &model.Room{
		Topic:     topic,
		CreatedBy: identity.Name(),
		CreatorID: identity.ID,
	}

	if err := s.repo.CreateRoom(ctx, room); err != nil {
		s.logger.Error("failed to create room",
			slog.String("creatorID", identity.ID),
			slog.String("error", err.Error()),
		)
		return nil, apperror.WriteFailed("create the room", err)
	}

	s.logger.Info("room created",
		slog.String("id", room.ID),
		slog.String("creatorID", room.CreatorID),
	)

	s.publisher.Publish(live.CollectionRooms)
	return room, nil
}

// CanDelete is the display-time permission check: only the creator of a
// persisted room sees a delete control.
func (s *RoomService) CanDelete(room *model.Room, identity *model.Identity) bool {
	return room != nil && room.OwnedBy(identity)
}

// DeleteRoom removes a room and its messages. Synthetic rooms are never
// deletable.
func (s *RoomService) DeleteRoom(ctx context.Context, id string, identity *model.Identity) (err error) {
	defer func() { s.metrics.Command("delete_room", outcome(err)) }()

	if err := requireIdentity("delete a room", identity); err != nil {
		return err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "room ID is required")
	}
	if synthetic.IsSyntheticID(id) {
		return apperror.Forbidden("the daily AI room cannot be deleted")
	}

	room, err := s.repo.GetRoom(ctx, id)
	if err != nil {
		return classifyRead(err, "delete the room")
	}
	if !s.CanDelete(room, identity) {
		return apperror.Forbidden("only the room's creator can delete it")
	}

	if err := s.repo.DeleteRoom(ctx, id); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		s.logger.Error("failed to delete room",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return apperror.WriteFailed("delete the room", err)
	}

	s.logger.Info("room deleted", slog.String("id", id))

	s.publisher.Publish(live.CollectionRooms)
	s.publisher.Publish(live.CollectionMessages)
	return nil
}

// classifyRead passes NotFound through and turns anything else into a
// WriteError for action.
func classifyRead(err error, action string) error {
	if errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	return apperror.WriteFailed(action, err)
}
