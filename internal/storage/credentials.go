package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential is the per-user OAuth record used to publish on the user's behalf.
// An empty RefreshToken means none was issued; a nil ExpiresAt means the expiry
// is unknown.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CredentialStore reads and writes credential records, encrypting tokens at rest.
type CredentialStore struct {
	db            *sql.DB
	encryptionKey []byte
	now           func() time.Time
}

// NewCredentialStore creates a new CredentialStore.
func NewCredentialStore(db *sql.DB, key []byte) *CredentialStore {
	return &CredentialStore{db: db, encryptionKey: key, now: time.Now}
}

// GetCredential loads and decrypts the record for userID. A stored expiry that
// cannot be parsed is returned as nil.
func (s *CredentialStore) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}

	var (
		accessEnc, refreshEnc []byte
		expiresAt             sql.NullString
		createdAt, updatedAt  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, created_at, updated_at
		FROM credentials
		WHERE user_id = ?`, userID).Scan(&accessEnc, &refreshEnc, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: credential not found for user %s", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	cred := &Credential{UserID: userID}

	access, err := DecryptToken(s.encryptionKey, accessEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	cred.AccessToken = string(access)

	if len(refreshEnc) > 0 {
		refresh, err := DecryptToken(s.encryptionKey, refreshEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		cred.RefreshToken = string(refresh)
	}

	if expiresAt.Valid {
		if t, err := parseTime(expiresAt.String); err == nil {
			cred.ExpiresAt = &t
		}
	}
	cred.CreatedAt, _ = parseTime(createdAt)
	cred.UpdatedAt, _ = parseTime(updatedAt)

	return cred, nil
}

// SaveCredential inserts or replaces the record for cred.UserID in place.
func (s *CredentialStore) SaveCredential(ctx context.Context, cred *Credential) error {
	if cred == nil {
		return fmt.Errorf("%w: credential cannot be nil", ErrInvalidInput)
	}
	if cred.UserID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	if cred.AccessToken == "" {
		return fmt.Errorf("%w: access token cannot be empty", ErrInvalidInput)
	}

	accessEnc, err := EncryptToken(s.encryptionKey, []byte(cred.AccessToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var refreshEnc []byte
	if cred.RefreshToken != "" {
		refreshEnc, err = EncryptToken(s.encryptionKey, []byte(cred.RefreshToken))
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, access_token, refresh_token, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		cred.UserID, accessEnc, refreshEnc, nullableTime(cred.ExpiresAt), now, now)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the record for userID.
func (s *CredentialStore) DeleteCredential(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: credential not found for user %s", ErrNotFound, userID)
	}
	return nil
}
