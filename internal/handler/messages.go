package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/projector"
	"github.com/sakif/classhub/internal/service"
)

// bodyOverhead is the room a JSON request body gets on top of the document
// limit, so the service rather than the transport reports oversized images.
const bodyOverhead = 64 << 10 // 64 KiB

// MessageHandler serves a room's transcript and the message commands.
type MessageHandler struct {
	service    *service.MessageService
	messages   MessageReader
	rules      live.Rules
	identities Identities
	logger     *slog.Logger
}

func NewMessageHandler(
	svc *service.MessageService,
	messages MessageReader,
	rules live.Rules,
	identities Identities,
	logger *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		service:    svc,
		messages:   messages,
		rules:      rules,
		identities: identities,
		logger:     logger,
	}
}

type messageResponse struct {
	model.Message
	Deletable      bool                      `json:"deletable"`
	ReactionGroups []projector.ReactionGroup `json:"reactionGroups"`
	ReplyCount     int                       `json:"replyCount"`
}

// HandleList returns a room's transcript, oldest first.
//
// HTTP: GET /api/rooms/{id}/messages
func (h *MessageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}
	if err := h.rules.CanRead(identity, live.CollectionMessages); err != nil {
		writeError(w, err)
		return
	}

	roomID := chi.URLParam(r, "id")
	records, err := h.messages.ListMessagesByRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}

	transcript := projector.ProjectMessages(records, roomID)
	replies := projector.RepliesByParent(transcript)

	out := make([]messageResponse, 0, len(transcript))
	for _, msg := range transcript {
		out = append(out, messageResponse{
			Message:        msg,
			Deletable:      h.service.CanDelete(&msg, identity),
			ReactionGroups: projector.ReactionSummary(msg, identity.ID),
			ReplyCount:     len(replies[msg.ID]),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type sendMessageRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl"`
	ReplyTo  string `json:"replyTo"`
}

// HandleSend posts a message into a room.
//
// HTTP: POST /api/rooms/{id}/messages
// REQUEST BODY: {"content": "hi", "imageUrl": "data:image/png;base64,...", "replyTo": "<message id>"}
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.service.MaxDocumentBytes()+bodyOverhead, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.service.SendMessage(r.Context(), service.SendInput{
		RoomID:   chi.URLParam(r, "id"),
		Content:  req.Content,
		ImageURL: req.ImageURL,
		ReplyTo:  req.ReplyTo,
	}, identity)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, messageResponse{
		Message:        *msg,
		Deletable:      true,
		ReactionGroups: []projector.ReactionGroup{},
	})
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

// HandleReact toggles the caller's reaction.
//
// HTTP: POST /api/messages/{id}/reactions
// REQUEST BODY: {"emoji": "👍"}
func (h *MessageHandler) HandleReact(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}

	var req reactRequest
	if err := decodeJSON(w, r, maxTopicBody, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.service.ToggleReaction(r.Context(), chi.URLParam(r, "id"), req.Emoji, identity); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete removes one of the caller's own messages.
//
// HTTP: DELETE /api/messages/{id}
func (h *MessageHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}

	if err := h.service.DeleteMessage(r.Context(), chi.URLParam(r, "id"), identity); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
