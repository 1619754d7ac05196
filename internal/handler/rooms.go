package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/projector"
	"github.com/sakif/classhub/internal/service"
	"github.com/sakif/classhub/internal/synthetic"
)

const (
	maxTopicBody   = 4 << 10 // 4 KiB
	maxPreviewSize = 20
)

// RoomReader is the read side of the rooms collection.
type RoomReader interface {
	ListRooms(ctx context.Context) ([]model.Room, error)
}

// MessageReader is the read side of the messages collection.
type MessageReader interface {
	ListMessages(ctx context.Context) ([]model.Message, error)
	ListMessagesByRoom(ctx context.Context, roomID string) ([]model.Message, error)
}

// RoomHandler serves the lobby over REST. It is the one-shot counterpart of
// the live session: the same projector, the same access rules, no
// subscription.
//
// HANDLER RESPONSIBILITIES:
//   - HandleList    → projected lobby, optionally filtered, grouped and previewed
//   - HandleCreate  → create a room owned by the caller
//   - HandleDelete  → delete a room the caller created
//   - HandlePreview → last few messages of one room
type RoomHandler struct {
	service    *service.RoomService
	rooms      RoomReader
	messages   MessageReader
	injector   *synthetic.Injector
	rules      live.Rules
	identities Identities
	logger     *slog.Logger
	now        func() time.Time
}

func NewRoomHandler(
	svc *service.RoomService,
	rooms RoomReader,
	messages MessageReader,
	injector *synthetic.Injector,
	rules live.Rules,
	identities Identities,
	logger *slog.Logger,
) *RoomHandler {
	return &RoomHandler{
		service:    svc,
		rooms:      rooms,
		messages:   messages,
		injector:   injector,
		rules:      rules,
		identities: identities,
		logger:     logger,
		now:        time.Now,
	}
}

type roomResponse struct {
	model.Room
	Deletable bool            `json:"deletable"`
	Preview   []model.Message `json:"preview,omitempty"`
}

type dayResponse struct {
	Day   string         `json:"day"`
	Rooms []roomResponse `json:"rooms"`
}

// HandleList returns the projected lobby.
//
// HTTP: GET /api/rooms?q=algebra&group=day&preview=3
//
//	q        case-insensitive topic filter
//	group    "day" buckets rooms by local calendar day, newest day first
//	preview  attach the last n messages of each room (0..20)
func (h *RoomHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}
	if err := h.rules.CanRead(identity, live.CollectionRooms); err != nil {
		writeError(w, err)
		return
	}

	previewSize, err := parsePreviewSize(r.URL.Query().Get("preview"), 0)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := h.rooms.ListRooms(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	now := h.now()
	rooms := projector.FilterRooms(projector.ProjectRooms(records, h.injector, now), r.URL.Query().Get("q"))

	var previews map[string][]model.Message
	if previewSize > 0 {
		if err := h.rules.CanRead(identity, live.CollectionMessages); err != nil {
			writeError(w, err)
			return
		}
		msgs, err := h.messages.ListMessages(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		previews = projector.PreviewsByRoom(msgs, rooms, previewSize)
	}

	toResponse := func(room model.Room) roomResponse {
		return roomResponse{
			Room:      room,
			Deletable: h.service.CanDelete(&room, identity),
			Preview:   previews[room.ID],
		}
	}

	if r.URL.Query().Get("group") == "day" {
		groups := projector.GroupRoomsByDay(rooms, now, h.injector.Location())
		days := make([]dayResponse, 0, len(groups))
		for _, day := range projector.DayKeys(groups) {
			d := dayResponse{Day: day, Rooms: make([]roomResponse, 0, len(groups[day]))}
			for _, room := range groups[day] {
				d.Rooms = append(d.Rooms, toResponse(room))
			}
			days = append(days, d)
		}
		writeJSON(w, http.StatusOK, days)
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, toResponse(room))
	}
	writeJSON(w, http.StatusOK, out)
}

type createRoomRequest struct {
	Topic string `json:"topic"`
}

// HandleCreate creates a room owned by the caller.
//
// HTTP: POST /api/rooms
// REQUEST BODY: {"topic": "Algebra study group"}
func (h *RoomHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}

	var req createRoomRequest
	if err := decodeJSON(w, r, maxTopicBody, &req); err != nil {
		writeError(w, err)
		return
	}

	room, err := h.service.CreateRoom(r.Context(), req.Topic, identity)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, roomResponse{Room: *room, Deletable: true})
}

// HandleDelete removes a room.
//
// HTTP: DELETE /api/rooms/{id}
// Only the creator may delete; the daily room can never be deleted.
func (h *RoomHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}

	if err := h.service.DeleteRoom(r.Context(), chi.URLParam(r, "id"), identity); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandlePreview returns the last n messages of a room in chronological
// order. n=0 asks for no messages, as it does on HandleList.
//
// HTTP: GET /api/rooms/{id}/preview?n=3
func (h *RoomHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}
	if err := h.rules.CanRead(identity, live.CollectionMessages); err != nil {
		writeError(w, err)
		return
	}

	n, err := parsePreviewSize(r.URL.Query().Get("n"), projector.DefaultPreviewSize)
	if err != nil {
		writeError(w, err)
		return
	}

	if n == 0 {
		writeJSON(w, http.StatusOK, []model.Message{})
		return
	}

	roomID := chi.URLParam(r, "id")
	records, err := h.messages.ListMessagesByRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, projector.ProjectRecentPreview(records, roomID, n))
}

func parsePreviewSize(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxPreviewSize {
		return 0, apperror.ValidationFailed("preview", "preview size must be a number between 0 and 20")
	}
	return n, nil
}
