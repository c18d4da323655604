package auth

import "fmt"

// CredentialErrorKind classifies why no usable access token could be produced.
type CredentialErrorKind string

const (
	// NotConnected means the user has no credential record or an empty access token.
	NotConnected CredentialErrorKind = "not_connected"
	// MissingRefreshToken means a refresh was needed but none is stored.
	MissingRefreshToken CredentialErrorKind = "missing_refresh_token"
	// PersistFailed means a refresh succeeded but the new tokens could not be saved.
	PersistFailed CredentialErrorKind = "persist_failed"
	// LoadFailed means the credential store could not be read.
	LoadFailed CredentialErrorKind = "load_failed"
)

// CredentialError is returned by the resolver for credential problems that are
// not refresh exchange failures.
type CredentialError struct {
	Kind   CredentialErrorKind
	UserID string
	Err    error
}

func (e *CredentialError) Error() string {
	switch e.Kind {
	case NotConnected:
		return fmt.Sprintf("user %s has not connected an account", e.UserID)
	case MissingRefreshToken:
		return fmt.Sprintf("credential for user %s needs refresh but has no refresh token", e.UserID)
	case PersistFailed:
		return fmt.Sprintf("failed to persist refreshed credential for user %s: %v", e.UserID, e.Err)
	case LoadFailed:
		return fmt.Sprintf("failed to load credential for user %s: %v", e.UserID, e.Err)
	default:
		return fmt.Sprintf("credential error for user %s: %v", e.UserID, e.Err)
	}
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// RefreshErrorKind classifies a failed refresh exchange.
type RefreshErrorKind string

const (
	// Rejected means the token endpoint answered with a non-2xx status.
	Rejected RefreshErrorKind = "rejected"
	// Transport means no response was received.
	Transport RefreshErrorKind = "transport"
	// MalformedResponse means a 2xx answer without a usable access token.
	MalformedResponse RefreshErrorKind = "malformed_response"
)

// RefreshError is returned by the refresher.
type RefreshError struct {
	Kind       RefreshErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *RefreshError) Error() string {
	switch e.Kind {
	case Rejected:
		return fmt.Sprintf("token refresh rejected (status %d): %s", e.StatusCode, e.Message)
	case Transport:
		return fmt.Sprintf("token refresh request failed: %s", e.Message)
	default:
		return fmt.Sprintf("malformed token refresh response: %s", e.Message)
	}
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}
