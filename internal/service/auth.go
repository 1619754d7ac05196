package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/auth"
	"github.com/sakif/classhub/internal/model"
	"github.com/sakif/classhub/internal/repository"
)

// AuthService backs the identity session: it turns a provider profile or a
// guest request into a stored user and a session token.
//
//	AuthHandler (HTTP) → AuthService → UserRepository
//	                   ↘ TokenService (JWT)
type AuthService struct {
	users          repository.UserRepository
	tokens         *auth.TokenService
	allowedOrigins []string
	logger         *slog.Logger
}

// NewAuthService creates an AuthService. An empty allowedOrigins list
// accepts sign-in from any origin.
func NewAuthService(users repository.UserRepository, tokens *auth.TokenService, allowedOrigins []string, logger *slog.Logger) *AuthService {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if n, ok := normalizeOrigin(o); ok {
			normalized = append(normalized, n)
		}
	}
	return &AuthService{
		users:          users,
		tokens:         tokens,
		allowedOrigins: normalized,
		logger:         logger,
	}
}

// AuthResult bundles the user and the issued token so the handler can set
// the cookie and respond in one step.
type AuthResult struct {
	User     *model.User
	Identity *model.Identity
	Token    string
}

// AuthorizeOrigin fails with a LoginError coded unauthorized_domain when
// origin is not on the allow-list.
func (s *AuthService) AuthorizeOrigin(origin string) error {
	if len(s.allowedOrigins) == 0 {
		return nil
	}
	n, ok := normalizeOrigin(origin)
	if ok {
		for _, allowed := range s.allowedOrigins {
			if allowed == n {
				return nil
			}
		}
	}
	s.logger.Warn("sign-in from unauthorized origin", slog.String("origin", origin))
	return apperror.UnauthorizedDomain(origin)
}

// LoginWithProvider upserts the user behind profile and issues a token.
// Signing in again refreshes the stored name and photo.
func (s *AuthService) LoginWithProvider(ctx context.Context, profile *auth.Profile) (*AuthResult, error) {
	if profile == nil || profile.ProviderID == "" {
		return nil, apperror.LoginFailed(errors.New("provider returned no profile"))
	}

	user := &model.User{
		Provider:    profile.Provider,
		ProviderID:  profile.ProviderID,
		DisplayName: profile.DisplayName,
		Email:       profile.Email,
		PhotoURL:    profile.PhotoURL,
	}

	return s.login(ctx, user)
}

// LoginAnonymous creates a fresh guest principal. Guests have no display
// name, so they show up as Guest(xxxx).
func (s *AuthService) LoginAnonymous(ctx context.Context) (*AuthResult, error) {
	user := &model.User{
		Provider:   model.ProviderAnonymous,
		ProviderID: uuid.NewString(),
	}
	return s.login(ctx, user)
}

func (s *AuthService) login(ctx context.Context, user *model.User) (*AuthResult, error) {
	if err := s.users.Upsert(ctx, user); err != nil {
		s.logger.Error("failed to store user",
			slog.String("provider", user.Provider),
			slog.String("error", err.Error()),
		)
		return nil, apperror.LoginFailed(fmt.Errorf("storing user: %w", err))
	}

	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, apperror.LoginFailed(err)
	}

	s.logger.Info("user signed in",
		slog.String("userID", user.ID),
		slog.String("provider", user.Provider),
	)

	return &AuthResult{
		User:     user,
		Identity: user.Identity(),
		Token:    token,
	}, nil
}

// IdentityByID loads the principal for a validated token subject.
func (s *AuthService) IdentityByID(ctx context.Context, id string) (*model.Identity, error) {
	if id == "" {
		return nil, apperror.ValidationFailed("id", "user ID is required")
	}

	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}

	return user.Identity(), nil
}

// GetUserByID returns the full stored profile for /api/me.
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, apperror.ValidationFailed("id", "user ID is required")
	}

	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}
	return user, nil
}

// ValidateToken returns the user id encoded in tokenStr.
func (s *AuthService) ValidateToken(tokenStr string) (string, error) {
	userID, err := s.tokens.Validate(tokenStr)
	if err != nil {
		return "", fmt.Errorf("service/auth: %w", err)
	}
	return userID, nil
}

// RestrictsOrigins reports whether an explicit origin allow-list is
// configured.
func (s *AuthService) RestrictsOrigins() bool {
	return len(s.allowedOrigins) > 0
}

// TokenTTL is how long issued session tokens stay valid.
func (s *AuthService) TokenTTL() time.Duration {
	return s.tokens.TTL()
}

// normalizeOrigin reduces an origin to lowercase scheme://host[:port].
func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}
