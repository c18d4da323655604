package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"postscheduler-go/internal/textutil"
)

const maxErrorBodyLen = 500

// RefreshedToken is the result of a successful refresh exchange. An empty
// RefreshToken means the provider did not rotate it; a nil ExpiresAt means
// no lifetime was reported.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Refresher exchanges a refresh token for new credentials at the provider's
// token endpoint.
type Refresher struct {
	config *oauth2.Config
	client *http.Client
}

// NewRefresher creates a refresher for conf. The client auth style is chosen
// from the presence of a client secret: HTTP Basic for confidential clients,
// client_id in the form body for public ones.
func NewRefresher(conf *oauth2.Config, client *http.Client) *Refresher {
	if conf == nil {
		panic("oauth config cannot be nil")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Refresher{config: withClientAuthStyle(conf), client: client}
}

// Refresh performs a refresh_token grant.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error) {
	if refreshToken == "" {
		return nil, &RefreshError{Kind: MalformedResponse, Message: "refresh token cannot be empty"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	token, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	if token.AccessToken == "" {
		return nil, &RefreshError{Kind: MalformedResponse, Message: "response has no access token"}
	}

	refreshed := &RefreshedToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		refreshed.ExpiresAt = &expiry
	}
	return refreshed, nil
}

func classifyRefreshError(err error) *RefreshError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &RefreshError{
			Kind:       Rejected,
			StatusCode: status,
			Message:    rejectionMessage(retrieveErr, status),
			Err:        err,
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &RefreshError{Kind: Transport, Message: urlErr.Error(), Err: err}
	}

	return &RefreshError{Kind: MalformedResponse, Message: err.Error(), Err: err}
}

func rejectionMessage(e *oauth2.RetrieveError, status int) string {
	if e.ErrorDescription != "" {
		return e.ErrorDescription
	}

	// Some providers return a JSON body oauth2 does not decode on error.
	var body struct {
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if json.Unmarshal(e.Body, &body) == nil {
		if body.ErrorDescription != "" {
			return body.ErrorDescription
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if e.ErrorCode != "" {
		return e.ErrorCode
	}

	if raw := strings.TrimSpace(string(e.Body)); raw != "" {
		return textutil.Truncate(raw, maxErrorBodyLen)
	}
	return fmt.Sprintf("token endpoint returned status %d", status)
}
