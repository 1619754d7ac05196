package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/metrics"
	"github.com/sakif/classhub/internal/session"
	"github.com/sakif/classhub/internal/synthetic"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Errors waiting to be written; further ones are dropped while the
	// client is not reading.
	replyBuffer = 16

	// Frames up to this multiple of the frame limit are drained and
	// answered with payload_too_large. Anything larger closes the
	// connection with 1009.
	frameDrainFactor = 4
)

var errFrameTooLarge = errors.New("live: frame exceeds limit")

// Client actions accepted over the live connection.
const (
	actionSignOut       = "sign_out"
	actionEnterRoom     = "enter_room"
	actionLeaveRoom     = "leave_room"
	actionSetTopic      = "set_topic"
	actionCreateRoom    = "create_room"
	actionDeleteRoom    = "delete_room"
	actionSetDraft      = "set_draft"
	actionAttachImage   = "attach_image"
	actionReplyTo       = "reply_to"
	actionCancelReply   = "cancel_reply"
	actionSend          = "send"
	actionReact         = "react"
	actionDeleteMessage = "delete_message"
	actionDismissError  = "dismiss_error"
)

// clientAction is one frame from the browser. Only the fields the action
// needs are read.
type clientAction struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Content   string `json:"content,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// serverFrame is one frame to the browser: either the whole current view or
// the error an action returned.
type serverFrame struct {
	Type  string         `json:"type"`
	Ref   string         `json:"ref,omitempty"`
	View  *session.View  `json:"view,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// LiveHandler runs one session.Session per websocket connection.
//
// The browser sends actions, the session applies them, and after every
// change the whole View is pushed back. Rendering state never lives in the
// browser, so a reconnect is just a new session.
//
// CONCURRENCY:
// gorilla/websocket allows one concurrent writer, so every write goes
// through writePump. Session change notifications land in a one-slot
// channel: a burst of changes collapses into a single push of the latest
// view.
type LiveHandler struct {
	hub        session.Subscriber
	rooms      session.RoomCommands
	messages   session.MessageCommands
	injector   *synthetic.Injector
	identities Identities
	origins    OriginPolicy
	frameLimit int64
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// OriginPolicy decides which cross-origin pages may open a live session.
// *service.AuthService satisfies it.
type OriginPolicy interface {
	RestrictsOrigins() bool
	AuthorizeOrigin(origin string) error
}

// NewLiveHandler creates a LiveHandler. maxFrameBytes bounds a single
// incoming frame. It must sit above the message service's document limit,
// otherwise an oversized image is cut off here instead of coming back as a
// payload_too_large banner.
func NewLiveHandler(
	hub session.Subscriber,
	rooms session.RoomCommands,
	messages session.MessageCommands,
	injector *synthetic.Injector,
	identities Identities,
	origins OriginPolicy,
	maxFrameBytes int64,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LiveHandler {
	h := &LiveHandler{
		hub:        hub,
		rooms:      rooms,
		messages:   messages,
		injector:   injector,
		identities: identities,
		origins:    origins,
		frameLimit: maxFrameBytes,
		metrics:    m,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts same-host pages always, and other origins only when
// an allow-list is configured and contains them.
func (h *LiveHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return h.origins.RestrictsOrigins() && h.origins.AuthorizeOrigin(origin) == nil
}

type liveClient struct {
	connID  string
	conn    *websocket.Conn
	session *session.Session
	changed chan struct{}
	replies chan serverFrame
	done    chan struct{}
	exited  chan struct{}
	logger  *slog.Logger
}

func (c *liveClient) markChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *liveClient) reply(f serverFrame) {
	select {
	case c.replies <- f:
	default:
		c.logger.Warn("live: reply dropped, client not reading", slog.String("type", f.Type))
	}
}

// HandleLive upgrades the connection and runs the session until the client
// disconnects or signs out.
//
// HTTP: GET /live (websocket)
// Auth: Required (RequireAuth middleware sets userID in context)
func (h *LiveHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(w, r, h.identities)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("live: upgrade failed", slog.String("error", err.Error()))
		return
	}

	connID := uuid.New().String()
	logger := h.logger.With(slog.String("conn_id", connID), slog.String("user_id", identity.ID))

	c := &liveClient{
		connID:  connID,
		conn:    conn,
		changed: make(chan struct{}, 1),
		replies: make(chan serverFrame, replyBuffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		logger:  logger,
	}
	c.session = session.New(h.hub, h.rooms, h.messages, h.injector, logger)
	c.session.OnChange(c.markChanged)

	h.metrics.SessionOpened()
	logger.Info("live session connected")

	go h.writePump(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.session.Close()
		close(c.done)
		<-c.exited
		h.metrics.SessionClosed()
		logger.Info("live session disconnected")
	}()

	if err := c.session.SignIn(identity); err != nil {
		logger.Error("live: sign in failed", slog.String("error", err.Error()))
		return
	}
	c.markChanged()

	h.readPump(ctx, c)
}

func (h *LiveHandler) readPump(ctx context.Context, c *liveClient) {
	c.conn.SetReadLimit(h.frameLimit * frameDrainFactor)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		data, err := readFrame(c.conn, h.frameLimit)
		if errors.Is(err, errFrameTooLarge) {
			c.logger.Warn("live: frame over limit dropped", slog.String("limit", formatLimit(h.frameLimit)))
			c.reply(errorFrame("", apperror.PayloadTooLarge("message", formatLimit(h.frameLimit))))
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("live: read failed", slog.String("error", err.Error()))
			}
			return
		}

		var action clientAction
		if err := json.Unmarshal(data, &action); err != nil {
			c.reply(errorFrame("", apperror.ValidationFailed("body", "invalid JSON frame")))
			continue
		}

		if err := dispatch(ctx, c.session, action); err != nil {
			c.reply(errorFrame(action.Ref, err))
		}

		if action.Type == actionSignOut {
			// Let the logged-out view go out before the close frame.
			c.markChanged()
			return
		}
	}
}

// readFrame reads the next message. One larger than limit is drained and
// reported as errFrameTooLarge, leaving the connection usable.
func readFrame(conn *websocket.Conn, limit int64) ([]byte, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= limit {
		return data, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return nil, errFrameTooLarge
}

func (h *LiveHandler) writePump(c *liveClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.exited)
	}()

	for {
		select {
		case <-c.done:
			// Flush a pending view (the logged-out screen after sign_out).
			select {
			case <-c.changed:
				if err := c.write(viewFrame(c.session)); err != nil {
					return
				}
			default:
			}
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case <-c.changed:
			if err := c.write(viewFrame(c.session)); err != nil {
				return
			}

		case f := <-c.replies:
			if err := c.write(f); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *liveClient) write(f serverFrame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func viewFrame(s *session.Session) serverFrame {
	v := s.View()
	return serverFrame{Type: "view", View: &v}
}

// errorFrame reports an action failure. Failures the session already shows
// as a banner are still reported so scripted clients see every outcome.
func errorFrame(ref string, err error) serverFrame {
	resp := &ErrorResponse{
		Error:   string(apperror.KindOf(err)),
		Message: apperror.Message(err),
	}
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		resp.Error, resp.Message = "invalid_transition", err.Error()
	case errors.Is(err, session.ErrClosed):
		resp.Error, resp.Message = "closed", err.Error()
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
		resp.Code = appErr.Code
	}
	return serverFrame{Type: "error", Ref: ref, Error: resp}
}

// dispatch applies one client action to the session.
func dispatch(ctx context.Context, s *session.Session, a clientAction) error {
	switch a.Type {
	case actionSignOut:
		return s.SignOut()
	case actionEnterRoom:
		return s.EnterRoom(a.RoomID)
	case actionLeaveRoom:
		return s.LeaveRoom()
	case actionSetTopic:
		return s.SetTopic(a.Topic)
	case actionCreateRoom:
		_, err := s.CreateRoom(ctx)
		return err
	case actionDeleteRoom:
		return s.DeleteRoom(ctx, a.RoomID)
	case actionSetDraft:
		return s.SetDraft(a.Content)
	case actionAttachImage:
		return s.AttachImage(a.ImageURL)
	case actionReplyTo:
		return s.ReplyTo(a.MessageID)
	case actionCancelReply:
		return s.CancelReply()
	case actionSend:
		_, err := s.Send(ctx)
		return err
	case actionReact:
		return s.React(ctx, a.MessageID, a.Emoji)
	case actionDeleteMessage:
		return s.DeleteMessage(ctx, a.MessageID)
	case actionDismissError:
		s.DismissError()
		return nil
	}
	return apperror.ValidationFailed("type", "unknown action "+a.Type)
}
