package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/sakif/classhub/internal/model"
)

// Profile is the provider-neutral result of a successful sign-in.
type Profile struct {
	Provider    string
	ProviderID  string
	DisplayName string
	Email       string
	PhotoURL    string
}

// Provider is one OAuth identity provider.
type Provider interface {
	Name() string
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*Profile, error)
}

// oauthProvider holds what GitHub and Google have in common: an
// authorization-code config and a profile endpoint.
type oauthProvider struct {
	config  *oauth2.Config
	userURL string
}

func (p *oauthProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// fetch exchanges code for an access token, then GETs the profile endpoint
// with it and decodes the JSON body into dst.
func (p *oauthProvider) fetch(ctx context.Context, code string, dst any) error {
	oauthToken, err := p.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	client := p.config.Client(ctx, oauthToken)

	resp, err := client.Get(p.userURL)
	if err != nil {
		return fmt.Errorf("auth: calling profile API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: profile API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("auth: decoding profile response: %w", err)
	}
	return nil
}

// GitHubUser is the portion of the GitHub /user response we use.
type GitHubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// GitHubProvider wraps golang.org/x/oauth2 for the GitHub Authorization
// Code flow.
type GitHubProvider struct {
	oauthProvider
}

// NewGitHubProvider creates a GitHubProvider. callbackURL must match the
// OAuth App's "Authorization callback URL" exactly.
func NewGitHubProvider(clientID, clientSecret, callbackURL string) *GitHubProvider {
	return &GitHubProvider{oauthProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		userURL: "https://api.github.com/user",
	}}
}

func (p *GitHubProvider) Name() string { return model.ProviderGitHub }

// Exchange trades the authorization code for the user's GitHub profile.
// The display name falls back to the login when the profile has no name.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*Profile, error) {
	var ghUser GitHubUser
	if err := p.fetch(ctx, code, &ghUser); err != nil {
		return nil, err
	}

	if ghUser.ID == 0 {
		return nil, fmt.Errorf("auth: GitHub returned an invalid user (ID = 0)")
	}

	name := ghUser.Name
	if name == "" {
		name = ghUser.Login
	}

	return &Profile{
		Provider:    model.ProviderGitHub,
		ProviderID:  strconv.FormatInt(ghUser.ID, 10),
		DisplayName: name,
		Email:       ghUser.Email,
		PhotoURL:    ghUser.AvatarURL,
	}, nil
}

// GoogleUser is the OpenID Connect userinfo response.
type GoogleUser struct {
	Sub     string `json:"sub"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

type GoogleProvider struct {
	oauthProvider
}

func NewGoogleProvider(clientID, clientSecret, callbackURL string) *GoogleProvider {
	return &GoogleProvider{oauthProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint:     google.Endpoint,
		},
		userURL: "https://openidconnect.googleapis.com/v1/userinfo",
	}}
}

func (p *GoogleProvider) Name() string { return model.ProviderGoogle }

func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*Profile, error) {
	var gUser GoogleUser
	if err := p.fetch(ctx, code, &gUser); err != nil {
		return nil, err
	}

	if gUser.Sub == "" {
		return nil, fmt.Errorf("auth: Google returned an invalid user (empty sub)")
	}

	return &Profile{
		Provider:    model.ProviderGoogle,
		ProviderID:  gUser.Sub,
		DisplayName: gUser.Name,
		Email:       gUser.Email,
		PhotoURL:    gUser.Picture,
	}, nil
}
