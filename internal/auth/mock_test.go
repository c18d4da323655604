package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"postscheduler-go/internal/storage"
)

// mockCredentialStore is an in-memory ConnectionStore.
type mockCredentialStore struct {
	mu      sync.Mutex
	creds   map[string]storage.Credential
	getErr  error
	saveErr error
	saves   int
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{creds: make(map[string]storage.Credential)}
}

func (m *mockCredentialStore) put(cred storage.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.UserID] = cred
}

func (m *mockCredentialStore) get(userID string) (storage.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[userID]
	return cred, ok
}

func (m *mockCredentialStore) GetCredential(ctx context.Context, userID string) (*storage.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	cred, ok := m.creds[userID]
	if !ok {
		return nil, fmt.Errorf("%w: credential not found for user %s", storage.ErrNotFound, userID)
	}
	return &cred, nil
}

func (m *mockCredentialStore) SaveCredential(ctx context.Context, cred *storage.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.creds[cred.UserID] = *cred
	return nil
}

func (m *mockCredentialStore) DeleteCredential(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[userID]; !ok {
		return fmt.Errorf("%w: credential not found for user %s", storage.ErrNotFound, userID)
	}
	delete(m.creds, userID)
	return nil
}

// mockRefresher counts exchanges and returns a canned result.
type mockRefresher struct {
	calls   atomic.Int32
	result  *RefreshedToken
	err     error
	block   chan struct{}
	started chan struct{}
}

func (m *mockRefresher) Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error) {
	m.calls.Add(1)
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
