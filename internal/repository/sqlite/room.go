package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/repository"
)

var _ repository.RoomRepository = (*DB)(nil)

// now is the store clock. Tests replace it to get deterministic stamps.
var now = func() time.Time { return time.Now().UTC() }

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// CreateRoom inserts room, filling in its ID and CreatedAt.
//
// Whatever the caller put in ID or CreatedAt is overwritten: ids are
// store-assigned and the timestamp is the store's own clock.
func (db *DB) CreateRoom(ctx context.Context, room *model.Room) error {
	room.ID = xid.New().String()
	room.CreatedAt = now()
	room.IsSynthetic = false

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO rooms (id, app_id, topic, created_by, creator_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		room.ID,
		db.appID,
		room.Topic,
		room.CreatedBy,
		room.CreatorID,
		toNanos(room.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating room: %w", err)
	}

	return nil
}

// GetRoom returns the persisted room with the given id.
func (db *DB) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	var (
		room      model.Room
		createdAt int64
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, topic, created_by, creator_id, created_at
		 FROM rooms
		 WHERE app_id = ? AND id = ?`,
		db.appID, id,
	).Scan(&room.ID, &room.Topic, &room.CreatedBy, &room.CreatorID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("room", id)
		}
		return nil, fmt.Errorf("sqlite: getting room %s: %w", id, err)
	}

	room.CreatedAt = fromNanos(createdAt)
	return &room, nil
}

// ListRooms returns every room in the collection, in no particular order.
// Ordering belongs to the projector.
func (db *DB) ListRooms(ctx context.Context) ([]model.Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, topic, created_by, creator_id, created_at
		 FROM rooms
		 WHERE app_id = ?`,
		db.appID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0)
	for rows.Next() {
		var (
			r         model.Room
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Topic, &r.CreatedBy, &r.CreatorID, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning room row: %w", err)
		}
		r.CreatedAt = fromNanos(createdAt)
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating rooms: %w", err)
	}

	return rooms, nil
}

// DeleteRoom removes a room together with every message posted in it.
func (db *DB) DeleteRoom(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning delete of room %s: %w", id, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM rooms WHERE app_id = ? AND id = ?`,
		db.appID, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting room %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("room", id)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE app_id = ? AND room_id = ?`,
		db.appID, id,
	); err != nil {
		return fmt.Errorf("sqlite: deleting messages of room %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing delete of room %s: %w", id, err)
	}
	return nil
}
