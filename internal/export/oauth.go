package export

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"

	"github.com/codebuildervaibhav/scribber/internal/provider"
)

// Authorizer runs the OAuth authorization-code flow for an export
// destination.
type Authorizer interface {
	Configured() bool
	AuthCodeURL(state, redirectURI string) string
	Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource
}

// GoogleOAuth authorizes uploads into the user's Google Drive with the
// drive.file scope.
type GoogleOAuth struct {
	cfg oauth2.Config
}

// NewGoogleOAuth creates a Google authorizer. A zero endpoint selects
// Google's production endpoint.
func NewGoogleOAuth(clientID, clientSecret string, endpoint oauth2.Endpoint) *GoogleOAuth {
	if endpoint.AuthURL == "" && endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	return &GoogleOAuth{cfg: oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}}
}

// Configured reports whether client credentials are present.
func (g *GoogleOAuth) Configured() bool {
	return g.cfg.ClientID != "" && g.cfg.ClientSecret != ""
}

func (g *GoogleOAuth) withRedirect(redirectURI string) *oauth2.Config {
	cfg := g.cfg
	cfg.RedirectURL = redirectURI
	return &cfg
}

// AuthCodeURL returns the consent page URL. Offline access with forced
// consent makes Google return a refresh token every time.
func (g *GoogleOAuth) AuthCodeURL(state, redirectURI string) string {
	return g.withRedirect(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens.
func (g *GoogleOAuth) Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	tok, err := g.withRedirect(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, normalizeOAuthError(err)
	}
	return tok, nil
}

// Refresh obtains a new access token from a refresh token.
func (g *GoogleOAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tok, err := g.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, normalizeOAuthError(err)
	}
	return tok, nil
}

// TokenSource returns a source that refreshes tok as needed.
func (g *GoogleOAuth) TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource {
	return g.cfg.TokenSource(ctx, tok)
}

func normalizeOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return provider.HTTPError(Destination, re.Response.StatusCode, re.Body)
	}
	return provider.Normalize(Destination, err)
}
