package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sakif/classhub/internal/auth"
	"github.com/sakif/classhub/internal/handler"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/metrics"
	sqliteRepo "github.com/sakif/classhub/internal/repository/sqlite"
	"github.com/sakif/classhub/internal/service"
	"github.com/sakif/classhub/internal/synthetic"
)

const testSecret = "handler-test-secret-0123456789"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type envOptions struct {
	allowGuests bool
	maxBytes    int64
	maxFrame    int64
	origins     []string
	providers   []auth.Provider
}

// testEnv is the full HTTP stack over an in-memory database, routed the
// same way the server routes it.
type testEnv struct {
	router   chi.Router
	db       *sqliteRepo.DB
	hub      *live.Hub
	tokens   *auth.TokenService
	auth     *service.AuthService
	pages    *handler.Pages
	injector *synthetic.Injector
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	logger := discardLogger()

	db, err := sqliteRepo.New(":memory:", "handler-test")
	require.NoError(t, err)

	rules := live.Rules{AllowGuests: opts.allowGuests}
	m := metrics.New()
	hub := live.NewHub(db, db, rules, logger, m)
	t.Cleanup(func() {
		hub.Close()
		db.Close()
	})

	tokens, err := auth.NewTokenService(testSecret, 0)
	require.NoError(t, err)

	authService := service.NewAuthService(db, tokens, opts.origins, logger)
	roomService := service.NewRoomService(db, hub, m, logger)
	messageService := service.NewMessageService(db, hub, opts.maxBytes, m, logger)
	injector := synthetic.New(synthetic.DefaultTopics, nil)

	names := make([]string, 0, len(opts.providers))
	for _, p := range opts.providers {
		names = append(names, p.Name())
	}
	pages, err := handler.NewPages(names, opts.allowGuests, logger)
	require.NoError(t, err)

	pageHandler := handler.NewPageHandler(pages, rules, authService, logger)
	authHandler := handler.NewAuthHandler(opts.providers, authService, pages, false, logger)
	roomHandler := handler.NewRoomHandler(roomService, db, db, injector, rules, authService, logger)
	messageHandler := handler.NewMessageHandler(messageService, db, rules, authService, logger)
	maxFrame := opts.maxFrame
	if maxFrame == 0 {
		maxFrame = 8 << 20
	}
	liveHandler := handler.NewLiveHandler(hub, roomService, messageService, injector, authService, authService,
		maxFrame, m, logger)

	r := chi.NewRouter()
	requireAuth := auth.RequireAuth(tokens)

	r.With(auth.OptionalAuth(tokens)).Get("/", pageHandler.HandleIndex)
	r.Route("/auth", func(r chi.Router) {
		r.Get("/{provider}/login", authHandler.HandleLogin)
		r.Get("/{provider}/callback", authHandler.HandleCallback)
		r.Post("/guest", authHandler.HandleGuest)
		r.Post("/logout", authHandler.HandleLogout)
	})
	r.With(requireAuth).Get(handler.LivePath, liveHandler.HandleLive)
	r.Route("/api", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/me", authHandler.HandleMe)
		r.Get("/rooms", roomHandler.HandleList)
		r.Post("/rooms", roomHandler.HandleCreate)
		r.Delete("/rooms/{id}", roomHandler.HandleDelete)
		r.Get("/rooms/{id}/preview", roomHandler.HandlePreview)
		r.Get("/rooms/{id}/messages", messageHandler.HandleList)
		r.Post("/rooms/{id}/messages", messageHandler.HandleSend)
		r.Post("/messages/{id}/reactions", messageHandler.HandleReact)
		r.Delete("/messages/{id}", messageHandler.HandleDelete)
	})

	return &testEnv{
		router:   r,
		db:       db,
		hub:      hub,
		tokens:   tokens,
		auth:     authService,
		pages:    pages,
		injector: injector,
	}
}

// signIn logs a GitHub user in and returns their session token.
func (e *testEnv) signIn(t *testing.T, providerID, name string) string {
	t.Helper()
	result, err := e.auth.LoginWithProvider(context.Background(), &auth.Profile{
		Provider:    "github",
		ProviderID:  providerID,
		DisplayName: name,
	})
	require.NoError(t, err)
	return result.Token
}

func (e *testEnv) signInGuest(t *testing.T) string {
	t.Helper()
	result, err := e.auth.LoginAnonymous(context.Background())
	require.NoError(t, err)
	return result.Token
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

// Client-side mirrors of the response shapes.
type roomJSON struct {
	ID          string        `json:"id"`
	Topic       string        `json:"topic"`
	CreatedBy   string        `json:"createdBy"`
	IsSynthetic bool          `json:"isSynthetic"`
	Deletable   bool          `json:"deletable"`
	Preview     []messageJSON `json:"preview"`
}

type dayJSON struct {
	Day   string     `json:"day"`
	Rooms []roomJSON `json:"rooms"`
}

type reactionJSON struct {
	Emoji           string `json:"emoji"`
	Count           int    `json:"count"`
	ReactedByViewer bool   `json:"reactedByViewer"`
}

type messageJSON struct {
	ID             string         `json:"id"`
	RoomID         string         `json:"roomId"`
	User           string         `json:"user"`
	Content        string         `json:"content"`
	ImageURL       string         `json:"imageUrl"`
	Deletable      bool           `json:"deletable"`
	ReplyCount     int            `json:"replyCount"`
	ReactionGroups []reactionJSON `json:"reactionGroups"`
	ReplyTo        *struct {
		ID      string `json:"id"`
		User    string `json:"user"`
		Content string `json:"content"`
	} `json:"replyTo"`
}

func findRoom(rooms []roomJSON, topic string) (roomJSON, bool) {
	for _, r := range rooms {
		if r.Topic == topic {
			return r, true
		}
	}
	return roomJSON{}, false
}
