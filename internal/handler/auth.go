package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/auth"
	"github.com/sakif/classhub/internal/service"
)

const stateCookie = "oauth_state"

// AuthHandler manages sign-in and sign-out.
//
// HANDLER RESPONSIBILITIES:
//   - HandleLogin    → redirect the browser to the provider's authorization page
//   - HandleCallback → receive the code, exchange it for a profile, issue the session cookie
//   - HandleGuest    → sign in anonymously
//   - HandleLogout   → clear the session cookie
//   - HandleMe       → return the signed-in user's profile
//
// Every sign-in path first checks the request's origin against the
// allow-list; a rejected origin shows the unauthorized_domain message on the
// login screen.
type AuthHandler struct {
	providers    map[string]auth.Provider
	service      *service.AuthService
	pages        *Pages
	secureCookie bool
	logger       *slog.Logger
}

// NewAuthHandler creates an AuthHandler. secureCookie marks the session
// cookie Secure and should be true whenever the server is reached over
// HTTPS.
func NewAuthHandler(
	providers []auth.Provider,
	svc *service.AuthService,
	pages *Pages,
	secureCookie bool,
	logger *slog.Logger,
) *AuthHandler {
	byName := make(map[string]auth.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &AuthHandler{
		providers:    byName,
		service:      svc,
		pages:        pages,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// HandleLogin redirects the user to the provider's authorization page.
//
// HTTP: GET /auth/{provider}/login
//
// CSRF PROTECTION VIA STATE:
// A random state value goes into a short-lived HttpOnly cookie and into the
// redirect; HandleCallback only accepts a callback that carries it back.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, apperror.NotFound("sign-in provider", chi.URLParam(r, "provider")))
		return
	}

	if err := h.service.AuthorizeOrigin(requestOrigin(r)); err != nil {
		h.logger.Warn("login: origin rejected", slog.String("origin", requestOrigin(r)))
		h.pages.Login(w, http.StatusUnauthorized, loginMessage(err))
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, provider.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleCallback completes the OAuth flow.
//
// HTTP: GET /auth/{provider}/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for a provider profile
//  3. Upsert the user and issue the session token
//  4. Set the cookie and redirect to the app
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, apperror.NotFound("sign-in provider", chi.URLParam(r, "provider")))
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || r.URL.Query().Get("state") != cookie.Value {
		h.logger.Warn("auth callback: state mismatch", slog.String("provider", provider.Name()))
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}

	// Single-use.
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization",
			slog.String("provider", provider.Name()),
			slog.String("error", errParam),
		)
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}

	profile, err := provider.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: exchange failed",
			slog.String("provider", provider.Name()),
			slog.String("error", err.Error()),
		)
		h.pages.Login(w, http.StatusUnauthorized, loginMessage(apperror.LoginFailed(err)))
		return
	}

	result, err := h.service.LoginWithProvider(r.Context(), profile)
	if err != nil {
		h.pages.Login(w, http.StatusUnauthorized, loginMessage(err))
		return
	}

	h.setSession(w, result.Token)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleGuest signs the caller in anonymously.
//
// HTTP: POST /auth/guest
//
// Browsers posting the login form get redirected to the app; API clients
// (Accept: application/json) get the identity back.
func (h *AuthHandler) HandleGuest(w http.ResponseWriter, r *http.Request) {
	if err := h.service.AuthorizeOrigin(requestOrigin(r)); err != nil {
		if wantsJSON(r) {
			writeError(w, err)
		} else {
			h.pages.Login(w, http.StatusUnauthorized, loginMessage(err))
		}
		return
	}

	result, err := h.service.LoginAnonymous(r.Context())
	if err != nil {
		if wantsJSON(r) {
			writeError(w, err)
		} else {
			h.pages.Login(w, http.StatusUnauthorized, loginMessage(err))
		}
		return
	}

	h.setSession(w, result.Token)

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, result.Identity)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *AuthHandler) setSession(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.service.TokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// HandleLogout clears the session cookie.
//
// HTTP: POST /auth/logout
//
// Tokens are stateless, so "logout" only deletes the cookie. POST keeps
// prefetchers and cross-site links from signing anyone out. ?redirect=1
// sends browsers back to the login screen.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	if r.URL.Query().Get("redirect") != "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the signed-in user's profile.
//
// HTTP: GET /api/me
// Auth: Required (RequireAuth middleware sets userID in context)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	user, err := h.service.GetUserByID(r.Context(), userID)
	if err != nil {
		h.logger.Error("HandleMe: user not found", slog.String("userID", userID))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":     user,
		"identity": user.Identity(),
	})
}

// requestOrigin is the Origin header, or the origin the request was
// addressed to when the browser sent none (top-level GET navigations).
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
