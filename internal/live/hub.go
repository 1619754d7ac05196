// Package live fans full collection snapshots out to subscribers.
//
// DELIVERY MODEL:
// Every subscription owns one goroutine. It reads the whole collection once
// when the subscription opens, then again each time the collection is
// published. Publish only raises a one-slot "dirty" flag, so a burst of
// writes while a subscriber is busy collapses into a single re-read: the
// subscriber always sees the latest state and never a stale one, in order.
//
// Callbacks run on the subscription's goroutine with no hub lock held.
// Once the unsubscribe func returns, no further callback will run.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/metrics"
	"github.com/sakif/classhub/internal/model"
)

type Collection string

const (
	CollectionRooms    Collection = "rooms"
	CollectionMessages Collection = "messages"
)

// DefaultRotationCron fires at local midnight.
const DefaultRotationCron = "0 0 * * *"

var ErrHubClosed = errors.New("live: hub closed")

type RoomSource interface {
	ListRooms(ctx context.Context) ([]model.Room, error)
}

type MessageSource interface {
	ListMessages(ctx context.Context) ([]model.Message, error)
}

// Rules is the access policy applied when a subscription opens.
type Rules struct {
	AllowGuests bool
}

// CanRead reports whether identity may read collection.
func (r Rules) CanRead(identity *model.Identity, c Collection) error {
	if identity == nil || identity.ID == "" {
		return apperror.Authorization(string(c))
	}
	if identity.Anonymous && !r.AllowGuests {
		return apperror.Authorization(string(c))
	}
	return nil
}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

type Hub struct {
	rooms    RoomSource
	messages MessageSource
	rules    Rules
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	// Overridden in tests.
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewHub(rooms RoomSource, messages MessageSource, rules Rules, logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		rooms:    rooms,
		messages: messages,
		rules:    rules,
		logger:   logger,
		metrics:  m,
		subs:     make(map[*subscription]struct{}),
		now:      time.Now,
		after:    time.After,
	}
}

type subscription struct {
	collection Collection
	dirty      chan struct{}
	done       chan struct{}
	exited     chan struct{}
	stop       sync.Once
}

func (s *subscription) cancel() {
	s.stop.Do(func() { close(s.done) })
}

func (s *subscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SubscribeRooms delivers the full rooms collection now and after every
// rooms publish.
func (h *Hub) SubscribeRooms(ctx context.Context, identity *model.Identity, onSnapshot func([]model.Room), onError func(error)) Unsubscribe {
	return subscribe(h, ctx, identity, CollectionRooms, h.rooms.ListRooms, onSnapshot, onError)
}

// SubscribeMessages delivers the full messages collection, unfiltered by
// room, now and after every messages publish.
func (h *Hub) SubscribeMessages(ctx context.Context, identity *model.Identity, onSnapshot func([]model.Message), onError func(error)) Unsubscribe {
	return subscribe(h, ctx, identity, CollectionMessages, h.messages.ListMessages, onSnapshot, onError)
}

func subscribe[T any](
	h *Hub,
	ctx context.Context,
	identity *model.Identity,
	c Collection,
	load func(context.Context) ([]T, error),
	onSnapshot func([]T),
	onError func(error),
) Unsubscribe {
	s := &subscription{
		collection: c,
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.exited)
		onError(ErrHubClosed)
		return func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	h.metrics.SubscriptionOpened(string(c))

	// The initial read is queued like any publish.
	s.dirty <- struct{}{}

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			h.metrics.SubscriptionClosed(string(c))
			close(s.exited)
		}()

		if err := h.rules.CanRead(identity, c); err != nil {
			h.logger.Warn("subscription rejected",
				slog.String("collection", string(c)),
				slog.String("error", err.Error()),
			)
			if !s.stopped() {
				onError(err)
			}
			return
		}

		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-s.dirty:
			}

			records, err := load(ctx)
			if s.stopped() || ctx.Err() != nil {
				return
			}
			if err != nil {
				h.logger.Error("snapshot read failed",
					slog.String("collection", string(c)),
					slog.String("error", err.Error()),
				)
				onError(fmt.Errorf("live: reading %s: %w", c, err))
				continue
			}

			onSnapshot(records)
			h.metrics.SnapshotDelivered(string(c))
		}
	}()

	return func() {
		s.cancel()
		<-s.exited
	}
}

// Publish marks collection as changed for every open subscription on it.
// It never blocks.
func (h *Hub) Publish(c Collection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if s.collection != c {
			continue
		}
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
}

// Close stops every subscription and waits for their goroutines to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	for _, s := range subs {
		<-s.exited
	}
}

// RunDayRotation republishes rooms at every tick of cronExpr, evaluated in
// loc, so open sessions pick up the next day's synthetic room without a
// write. It blocks until ctx is done.
func (h *Hub) RunDayRotation(ctx context.Context, cronExpr string, loc *time.Location) error {
	if cronExpr == "" {
		cronExpr = DefaultRotationCron
	}
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("live: invalid rotation cron %q", cronExpr)
	}
	if loc == nil {
		loc = time.Local
	}

	h.logger.Info("day rotation started", slog.String("cron", cronExpr), slog.String("location", loc.String()))

	for {
		next, err := gronx.NextTickAfter(cronExpr, h.now().In(loc), false)
		if err != nil {
			h.logger.Error("day rotation: next tick failed", slog.String("error", err.Error()))
			select {
			case <-h.after(30 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-h.after(next.Sub(h.now())):
			h.logger.Info("day rotation tick", slog.Time("at", next))
			h.Publish(CollectionRooms)
		case <-ctx.Done():
			h.logger.Info("day rotation stopping")
			return nil
		}
	}
}
