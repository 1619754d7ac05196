package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/repository"
)

var _ repository.MessageRepository = (*DB)(nil)

const messageColumns = `id, room_id, user_id, user_name, user_photo, content, image_url, created_at,
	reply_to_id, reply_to_user, reply_to_content, reply_to_has_image`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (model.Message, error) {
	var (
		m          model.Message
		createdAt  int64
		replyID    string
		replyUser  string
		replyText  string
		replyImage bool
	)
	err := s.Scan(
		&m.ID, &m.RoomID, &m.UserID, &m.User, &m.UserPhoto, &m.Content, &m.ImageURL, &createdAt,
		&replyID, &replyUser, &replyText, &replyImage,
	)
	if err != nil {
		return m, err
	}
	m.CreatedAt = fromNanos(createdAt)
	if replyID != "" {
		m.ReplyTo = &model.ReplyRef{ID: replyID, User: replyUser, Content: replyText, HasImage: replyImage}
	}
	return m, nil
}

// CreateMessage inserts msg, filling in its ID and CreatedAt. Reactions on
// the input are ignored: a new message starts with none.
func (db *DB) CreateMessage(ctx context.Context, msg *model.Message) error {
	msg.ID = xid.New().String()
	msg.CreatedAt = now()
	msg.Reactions = nil

	var reply model.ReplyRef
	if msg.ReplyTo != nil {
		reply = *msg.ReplyTo
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (id, app_id, room_id, user_id, user_name, user_photo, content, image_url,
			created_at, reply_to_id, reply_to_user, reply_to_content, reply_to_has_image)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		db.appID,
		msg.RoomID,
		msg.UserID,
		msg.User,
		msg.UserPhoto,
		msg.Content,
		msg.ImageURL,
		toNanos(msg.CreatedAt),
		reply.ID,
		reply.User,
		reply.Content,
		reply.HasImage,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating message: %w", err)
	}
	return nil
}

// GetMessage returns one message with its current reactions.
func (db *DB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE app_id = ? AND id = ?`,
		db.appID, id,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("message", id)
		}
		return nil, fmt.Errorf("sqlite: getting message %s: %w", id, err)
	}

	reactions, err := db.loadReactions(ctx, `WHERE r.message_id = ?`, id)
	if err != nil {
		return nil, err
	}
	m.Reactions = reactions[m.ID]

	return &m, nil
}

// ListMessages returns the whole messages collection. This is what a live
// subscription delivers; filtering by room is the projector's job.
func (db *DB) ListMessages(ctx context.Context) ([]model.Message, error) {
	return db.listMessages(ctx, "", "")
}

// ListMessagesByRoom is the server-scoped read for a single room.
func (db *DB) ListMessagesByRoom(ctx context.Context, roomID string) ([]model.Message, error) {
	return db.listMessages(ctx, ` AND room_id = ?`, roomID)
}

func (db *DB) listMessages(ctx context.Context, filter, arg string) ([]model.Message, error) {
	args := []any{db.appID}
	if filter != "" {
		args = append(args, arg)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE app_id = ?`+filter,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing messages: %w", err)
	}

	messages := make([]model.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scanning message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlite: iterating messages: %w", err)
	}
	// Close before the reactions query: in-memory databases run on a
	// single connection.
	rows.Close()

	where := `WHERE m.app_id = ?`
	rargs := []any{db.appID}
	if filter != "" {
		where += ` AND m.room_id = ?`
		rargs = append(rargs, arg)
	}
	reactions, err := db.loadReactions(ctx, `JOIN messages m ON m.id = r.message_id `+where, rargs...)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Reactions = reactions[messages[i].ID]
	}

	return messages, nil
}

// loadReactions reads reaction rows and groups them per message. Users come
// back sorted, matching model.Reactions' invariant.
func (db *DB) loadReactions(ctx context.Context, clause string, args ...any) (map[string]model.Reactions, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT r.message_id, r.emoji, r.user_id FROM message_reactions r `+clause+`
		 ORDER BY r.message_id, r.emoji, r.user_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading reactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Reactions)
	for rows.Next() {
		var messageID, emoji, userID string
		if err := rows.Scan(&messageID, &emoji, &userID); err != nil {
			return nil, fmt.Errorf("sqlite: scanning reaction row: %w", err)
		}
		if out[messageID] == nil {
			out[messageID] = make(model.Reactions)
		}
		out[messageID][emoji] = append(out[messageID][emoji], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating reactions: %w", err)
	}
	return out, nil
}

// DeleteMessage removes a message; its reactions go with it (cascade).
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM messages WHERE app_id = ? AND id = ?`,
		db.appID, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting message %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("message", id)
	}
	return nil
}

// AddReaction is a set union: adding a reactor that is already present is a
// no-op, not an error. The INSERT ... SELECT only matches when the message
// exists in this app, so a missing message reports NotFound.
func (db *DB) AddReaction(ctx context.Context, messageID, emoji, userID string) error {
	result, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reactions (message_id, emoji, user_id, created_at)
		 SELECT id, ?, ?, ? FROM messages WHERE app_id = ? AND id = ?`,
		emoji, userID, toNanos(now()), db.appID, messageID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: adding reaction to %s: %w", messageID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Either the reactor was already present or the message is gone.
		return db.requireMessage(ctx, messageID)
	}
	return nil
}

// RemoveReaction is a set difference: removing an absent reactor is a no-op.
// When the last reactor leaves, the emoji has no rows and disappears from the
// mapping on the next read.
func (db *DB) RemoveReaction(ctx context.Context, messageID, emoji, userID string) error {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM message_reactions
		 WHERE message_id = ? AND emoji = ? AND user_id = ?
		   AND message_id IN (SELECT id FROM messages WHERE app_id = ?)`,
		messageID, emoji, userID, db.appID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: removing reaction from %s: %w", messageID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return db.requireMessage(ctx, messageID)
	}
	return nil
}

func (db *DB) requireMessage(ctx context.Context, id string) error {
	var exists int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE app_id = ? AND id = ?`,
		db.appID, id,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound("message", id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: checking message %s: %w", id, err)
	}
	return nil
}
