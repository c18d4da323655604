package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"postscheduler-go/internal/storage"
)

var (
	ErrInvalidState = errors.New("invalid state parameter")
	ErrEmptyUserID  = errors.New("user ID cannot be empty")
)

// ProviderConfig describes the OAuth client registered with the social platform.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// NewOAuthConfig builds the oauth2 client configuration for the provider.
func NewOAuthConfig(p ProviderConfig) *oauth2.Config {
	return withClientAuthStyle(&oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	})
}

// withClientAuthStyle returns a copy of conf that authenticates with HTTP
// Basic when a client secret is set and as a public client otherwise.
func withClientAuthStyle(conf *oauth2.Config) *oauth2.Config {
	c := *conf
	if c.ClientSecret != "" {
		c.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	} else {
		c.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &c
}

// ConnectionStore persists the credential produced by the connect flow.
type ConnectionStore interface {
	CredentialStore
	DeleteCredential(ctx context.Context, userID string) error
}

// ConnectionStatus is what the UI shows about a user's connection.
type ConnectionStatus struct {
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// OAuthManager handles the OAuth2 authorization code flow with PKCE.
type OAuthManager struct {
	config     *oauth2.Config
	store      ConnectionStore
	stateStore StateStore
	client     *http.Client
}

// NewOAuthManager creates a new OAuthManager instance
func NewOAuthManager(config *oauth2.Config, store ConnectionStore, stateStore StateStore, client *http.Client) *OAuthManager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &OAuthManager{
		config:     withClientAuthStyle(config),
		store:      store,
		stateStore: stateStore,
		client:     client,
	}
}

// GetAuthURL generates the authorization URL with a fresh state and an S256
// PKCE challenge. It returns the URL and the state.
func (m *OAuthManager) GetAuthURL(userID string) (string, string, error) {
	if userID == "" {
		return "", "", ErrEmptyUserID
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	if err := m.stateStore.StoreState(userID, state, verifier); err != nil {
		return "", "", fmt.Errorf("failed to store state: %w", err)
	}

	authURL := m.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	return authURL, state, nil
}

// HandleCallback validates the state, exchanges the code and stores the
// resulting credential.
func (m *OAuthManager) HandleCallback(ctx context.Context, userID, code, state string) error {
	if code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	if state == "" {
		return fmt.Errorf("state parameter cannot be empty")
	}
	if userID == "" {
		return ErrEmptyUserID
	}

	verifier, ok := m.stateStore.ConsumeState(userID, state)
	if !ok {
		return ErrInvalidState
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	token, err := m.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("failed to exchange code for token: %w", classifyRefreshError(err))
	}

	cred := &storage.Credential{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		cred.ExpiresAt = &expiry
	}

	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Status reports whether the user has a stored credential.
func (m *OAuthManager) Status(ctx context.Context, userID string) (*ConnectionStatus, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &ConnectionStatus{}, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &ConnectionStatus{
		Connected: cred.AccessToken != "",
		ExpiresAt: cred.ExpiresAt,
	}, nil
}

// Disconnect removes the user's stored credential.
func (m *OAuthManager) Disconnect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	return m.store.DeleteCredential(ctx, userID)
}
