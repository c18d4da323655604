package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"postscheduler-go/internal/auth"
	"postscheduler-go/internal/publisher"
	"postscheduler-go/internal/storage"
)

// fakeQueue mimics the SQL semantics of storage.PostStore in memory.
type fakeQueue struct {
	mu         sync.Mutex
	posts      map[string]*storage.Post
	fetchCalls int
	fetchErrAt int // 1-based fetch call that fails; 0 never
	markErr    error
	lostClaims map[string]bool
	released   int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		posts:      make(map[string]*storage.Post),
		lostClaims: make(map[string]bool),
	}
}

func (q *fakeQueue) add(id, userID, text string, scheduledAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.posts[id] = &storage.Post{
		ID:          id,
		UserID:      userID,
		Text:        text,
		ScheduledAt: scheduledAt,
		Status:      storage.PostStatusPending,
	}
}

func (q *fakeQueue) get(id string) storage.Post {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.posts[id]
}

func (q *fakeQueue) countStatus(status storage.PostStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.posts {
		if p.Status == status {
			n++
		}
	}
	return n
}

func (q *fakeQueue) FetchDue(ctx context.Context, now time.Time, limit int) (*storage.DuePage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetchCalls++
	if q.fetchErrAt != 0 && q.fetchCalls == q.fetchErrAt {
		return nil, fmt.Errorf("database is locked")
	}

	var due []*storage.Post
	for _, p := range q.posts {
		if p.Status == storage.PostStatusPending && !p.ScheduledAt.After(now) {
			cp := *p
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return &storage.DuePage{Posts: due}, nil
}

func (q *fakeQueue) ClaimPost(ctx context.Context, id string, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.posts[id]
	if !ok || p.Status != storage.PostStatusPending || q.lostClaims[id] {
		return false, nil
	}
	p.Status = storage.PostStatusProcessing
	return true, nil
}

func (q *fakeQueue) MarkPosted(ctx context.Context, id string, postedAt time.Time, externalID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.markErr != nil {
		return q.markErr
	}
	p, ok := q.posts[id]
	if !ok || p.Status == storage.PostStatusPosted {
		return storage.ErrNotFound
	}
	p.Status = storage.PostStatusPosted
	p.PostedAt = &postedAt
	p.ExternalID = externalID
	p.ErrorMessage = ""
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id string, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.markErr != nil {
		return q.markErr
	}
	p, ok := q.posts[id]
	if !ok || p.Status == storage.PostStatusPosted {
		return storage.ErrNotFound
	}
	p.Status = storage.PostStatusFailed
	p.ErrorMessage = message
	return nil
}

func (q *fakeQueue) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released++
	return 0, nil
}

// fakeResolver returns a token per user, or an error, and counts forced refreshes.
type fakeResolver struct {
	mu        sync.Mutex
	tokens    map[string]string
	errs      map[string]error
	forceErr  error
	calls     int
	forced    int
	refreshed string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		tokens:    make(map[string]string),
		errs:      make(map[string]error),
		refreshed: "refreshed-token",
	}
}

func (r *fakeResolver) Resolve(ctx context.Context, userID string, forceRefresh bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if forceRefresh {
		r.forced++
		if r.forceErr != nil {
			return "", r.forceErr
		}
		return r.refreshed, nil
	}
	if err, ok := r.errs[userID]; ok {
		return "", err
	}
	if token, ok := r.tokens[userID]; ok {
		return token, nil
	}
	return "", &auth.CredentialError{Kind: auth.NotConnected, UserID: userID}
}

type publishCall struct {
	token string
	text  string
}

// fakePublisher replays scripted results in order, then succeeds.
type fakePublisher struct {
	mu      sync.Mutex
	script  []publisher.Result
	byToken map[string]publisher.Result
	calls   []publishCall
	delay   time.Duration
}

func (p *fakePublisher) Publish(ctx context.Context, accessToken, text string) publisher.Result {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{token: accessToken, text: text})
	if result, ok := p.byToken[accessToken]; ok {
		return result
	}
	if len(p.script) > 0 {
		result := p.script[0]
		p.script = p.script[1:]
		return result
	}
	return publisher.Result{OK: true, StatusCode: 201, PostID: "ext-" + text}
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
