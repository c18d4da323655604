package auth

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"postscheduler-go/internal/metrics"
	"postscheduler-go/internal/storage"
)

// DefaultExpirySkew is how close to expiry a stored token is refreshed proactively.
const DefaultExpirySkew = 5 * time.Minute

// CredentialStore is the subset of the credential accessor the resolver needs.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*storage.Credential, error)
	SaveCredential(ctx context.Context, cred *storage.Credential) error
}

// TokenRefresher exchanges a refresh token for new tokens.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error)
}

// Resolver produces a usable access token for a user, refreshing and
// persisting credentials when needed.
type Resolver struct {
	store     CredentialStore
	refresher TokenRefresher
	skew      time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
	group     singleflight.Group
}

// NewResolver creates a new Resolver. A non-positive skew uses DefaultExpirySkew.
func NewResolver(store CredentialStore, refresher TokenRefresher, skew time.Duration, log logrus.FieldLogger) *Resolver {
	if skew <= 0 {
		skew = DefaultExpirySkew
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{
		store:     store,
		refresher: refresher,
		skew:      skew,
		now:       time.Now,
		log:       log,
	}
}

// Resolve returns an access token for userID. When forceRefresh is false and
// the stored token is not near expiry, it is returned without side effects.
// Errors are *CredentialError or *RefreshError.
func (r *Resolver) Resolve(ctx context.Context, userID string, forceRefresh bool) (string, error) {
	cred, err := r.store.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", &CredentialError{Kind: NotConnected, UserID: userID}
		}
		return "", &CredentialError{Kind: LoadFailed, UserID: userID, Err: err}
	}
	if cred.AccessToken == "" {
		return "", &CredentialError{Kind: NotConnected, UserID: userID}
	}

	if !forceRefresh && !r.nearExpiry(cred.ExpiresAt) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", &CredentialError{Kind: MissingRefreshToken, UserID: userID}
	}

	// Concurrent callers for one user share a single exchange so a rotating
	// refresh token is only spent once. The exchange outlives any one caller;
	// the refresher's client timeout bounds it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		return r.refresh(shared, cred)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) refresh(ctx context.Context, cred *storage.Credential) (string, error) {
	log := r.log.WithField("user_id", cred.UserID)

	refreshed, err := r.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("Token refresh failed")
		return "", err
	}
	metrics.TokenRefreshes.WithLabelValues("succeeded").Inc()

	updated := &storage.Credential{
		UserID:       cred.UserID,
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		ExpiresAt:    refreshed.ExpiresAt,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = cred.RefreshToken
	}

	if err := r.store.SaveCredential(ctx, updated); err != nil {
		log.WithError(err).Error("Failed to persist refreshed credential")
		return "", &CredentialError{Kind: PersistFailed, UserID: cred.UserID, Err: err}
	}

	log.Debug("Refreshed access token")
	return updated.AccessToken, nil
}

// nearExpiry reports whether a token must be refreshed before use. An unknown
// expiry counts as expired.
func (r *Resolver) nearExpiry(expiresAt *time.Time) bool {
	if expiresAt == nil || expiresAt.IsZero() {
		return true
	}
	return !expiresAt.After(r.now().Add(r.skew))
}
