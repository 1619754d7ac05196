// Package handler contains the HTTP surfaces of ClassHub: the JSON API, the
// sign-in flow, the websocket live session and the server-rendered screens.
//
// Handlers parse the request, call a service and write the response. They
// hold no business rules of their own; status codes come from the error
// taxonomy in response.go.
package handler

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/auth"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	pageLogin  = "login"
	pageSetup  = "setup"
	pageDenied = "denied"
	pageApp    = "app"

	appTitle = "ClassHub"

	// LivePath is where the websocket session is mounted.
	LivePath = "/live"
)

var templateFuncs = template.FuncMap{
	"providerLabel": func(name string) string {
		switch name {
		case model.ProviderGitHub:
			return "GitHub"
		case model.ProviderGoogle:
			return "Google"
		}
		return name
	},
}

// Pages renders the full-page screens. Each screen is parsed together with
// base.html once at startup: base.html holds the page shell and a
// {{template "content" .}} slot that the screen's file defines.
type Pages struct {
	templates   map[string]*template.Template
	providers   []string
	allowGuests bool
	logger      *slog.Logger
}

// NewPages parses the embedded templates. providers are the names of the
// configured OAuth providers, in button order.
func NewPages(providers []string, allowGuests bool, logger *slog.Logger) (*Pages, error) {
	p := &Pages{
		templates:   make(map[string]*template.Template),
		providers:   providers,
		allowGuests: allowGuests,
		logger:      logger,
	}

	for _, name := range []string{pageLogin, pageSetup, pageDenied, pageApp} {
		tmpl, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, err
		}
		p.templates[name] = tmpl
	}

	return p, nil
}

func (p *Pages) render(w http.ResponseWriter, status int, name string, data map[string]any) {
	data["Title"] = appTitle

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := p.templates[name].ExecuteTemplate(w, "base", data); err != nil {
		// The status line is already out; log and let the partial page stand.
		p.logger.Error("failed to render template",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
	}
}

// Login renders the sign-in screen, with errMsg shown inline when set.
func (p *Pages) Login(w http.ResponseWriter, status int, errMsg string) {
	p.render(w, status, pageLogin, map[string]any{
		"Providers":   p.providers,
		"AllowGuests": p.allowGuests,
		"Error":       errMsg,
	})
}

// Setup renders the blocking setup-required screen for a configuration
// error. There is no retry path from it.
func (p *Pages) Setup(w http.ResponseWriter, err error) {
	data := map[string]any{"Message": apperror.Message(err)}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		data["Field"] = appErr.Field
	}
	p.render(w, http.StatusServiceUnavailable, pageSetup, data)
}

// Denied renders the blocking permission screen.
func (p *Pages) Denied(w http.ResponseWriter, identity *model.Identity, err error) {
	p.render(w, http.StatusForbidden, pageDenied, map[string]any{
		"Message": apperror.Message(err),
		"Name":    identity.Name(),
	})
}

// App renders the shell that opens the live session.
func (p *Pages) App(w http.ResponseWriter, identity *model.Identity) {
	p.render(w, http.StatusOK, pageApp, map[string]any{
		"Name":     identity.Name(),
		"LivePath": LivePath,
	})
}

// loginMessage is the inline text for a failed sign-in. unauthorized_domain
// gets its own wording; every other failure shares the generic one.
func loginMessage(err error) string {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.Code == apperror.CodeUnauthorizedDomain {
		return appErr.Message
	}
	return "Sign-in failed. Please try again."
}

// PageHandler serves GET /, picking the screen from the caller's state:
// signed out → login, rejected by the access rules → permission denied,
// otherwise the live app.
type PageHandler struct {
	pages      *Pages
	rules      live.Rules
	identities Identities
	logger     *slog.Logger
}

func NewPageHandler(pages *Pages, rules live.Rules, identities Identities, logger *slog.Logger) *PageHandler {
	return &PageHandler{
		pages:      pages,
		rules:      rules,
		identities: identities,
		logger:     logger,
	}
}

// HandleIndex expects OptionalAuth in front of it.
func (h *PageHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.pages.Login(w, http.StatusOK, indexNotice(r))
		return
	}

	identity, err := h.identities.IdentityByID(r.Context(), userID)
	if err != nil {
		h.logger.Warn("index: stale session", slog.String("userID", userID), slog.String("error", err.Error()))
		h.pages.Login(w, http.StatusOK, "")
		return
	}

	if err := h.rules.CanRead(identity, live.CollectionRooms); err != nil {
		h.pages.Denied(w, identity, err)
		return
	}

	h.pages.App(w, identity)
}

func indexNotice(r *http.Request) string {
	if strings.EqualFold(r.URL.Query().Get("auth"), "denied") {
		return "Sign-in was cancelled."
	}
	return ""
}

// Gate answers every request with the setup screen, or a JSON
// configuration error for API and websocket clients. The server mounts it in
// place of the router when configuration validation fails.
func (p *Pages) Gate(cfgErr error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantsJSON(r) {
			writeError(w, cfgErr)
			return
		}
		p.Setup(w, cfgErr)
	})
}

func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == LivePath {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
