package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// PostStatus is the lifecycle state of a scheduled post.
type PostStatus string

const (
	PostStatusPending PostStatus = "pending"
	// PostStatusProcessing marks a row claimed by a dispatch run. It is never a
	// terminal state; stale claims are released back to pending.
	PostStatusProcessing PostStatus = "processing"
	PostStatusPosted     PostStatus = "posted"
	PostStatusFailed     PostStatus = "failed"
)

// MaxPostLength is the longest text, in characters, the publish API accepts.
const MaxPostLength = 280

// Post is a scheduled-post record.
type Post struct {
	ID           string
	UserID       string
	Text         string
	ScheduledAt  time.Time
	Status       PostStatus
	PostedAt     *time.Time
	ExternalID   string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PostStore implements the scheduled-post queue on SQLite.
type PostStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostStore creates a new PostStore.
func NewPostStore(db *sql.DB) *PostStore {
	return &PostStore{db: db, now: time.Now}
}

const postColumns = `id, user_id, text, scheduled_at, status, posted_at, external_id, error_message, created_at, updated_at`

func validatePostInput(userID, text string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	if text == "" {
		return fmt.Errorf("%w: text cannot be empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxPostLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidInput, MaxPostLength)
	}
	return nil
}

// CreatePost inserts a new pending post.
func (s *PostStore) CreatePost(ctx context.Context, userID, text string, scheduledAt time.Time) (*Post, error) {
	if err := validatePostInput(userID, text); err != nil {
		return nil, err
	}
	if scheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduled time cannot be empty", ErrInvalidInput)
	}

	now := s.now().UTC()
	post := &Post{
		ID:          uuid.NewString(),
		UserID:      userID,
		Text:        text,
		ScheduledAt: scheduledAt.UTC(),
		Status:      PostStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_posts (id, user_id, text, scheduled_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.UserID, post.Text, formatTime(post.ScheduledAt), post.Status,
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}
	return post, nil
}

// GetPost retrieves a post by ID.
func (s *PostStore) GetPost(ctx context.Context, id string) (*Post, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query post: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate rows: %w", err)
		}
		return nil, fmt.Errorf("%w: post %s", ErrNotFound, id)
	}
	return scanPost(rows)
}

// ListPostsByUser returns a user's posts, most recently scheduled first.
func (s *PostStore) ListPostsByUser(ctx context.Context, userID string, limit int) ([]*Post, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE user_id = ?
		ORDER BY scheduled_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	posts, invalid, err := collectPosts(rows)
	if err != nil {
		return nil, err
	}
	if len(invalid) > 0 {
		return nil, invalid[0]
	}
	return posts, nil
}

// DuePage is one page of due rows. Invalid holds rows that matched the query
// but whose stored values could not be decoded; they count toward the limit.
type DuePage struct {
	Posts   []*Post
	Invalid []*PostDecodeError
}

// Len is the number of rows the query returned.
func (p *DuePage) Len() int {
	return len(p.Posts) + len(p.Invalid)
}

// FetchDue returns up to limit pending posts scheduled at or before now,
// oldest first. A row that cannot be decoded is reported in Invalid instead
// of failing the page.
func (s *PostStore) FetchDue(ctx context.Context, now time.Time, limit int) (*DuePage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?`, PostStatusPending, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due posts: %w", err)
	}
	posts, invalid, err := collectPosts(rows)
	if err != nil {
		return nil, err
	}
	return &DuePage{Posts: posts, Invalid: invalid}, nil
}

// ClaimPost moves a pending post to processing. It reports false when another
// run got there first or the row is no longer pending.
func (s *PostStore) ClaimPost(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		PostStatusProcessing, formatTime(now), formatTime(now), id, PostStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim post: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// MarkPosted records a successful publish. Posted rows are never rewritten.
func (s *PostStore) MarkPosted(ctx context.Context, id string, postedAt time.Time, externalID string) error {
	return s.updateStatus(ctx, `
		UPDATE scheduled_posts
		SET status = ?, posted_at = ?, external_id = ?, error_message = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status <> ?`,
		PostStatusPosted, formatTime(postedAt), sql.NullString{String: externalID, Valid: externalID != ""},
		formatTime(s.now()), id, PostStatusPosted)
}

// MarkFailed records a failed dispatch with its error message.
func (s *PostStore) MarkFailed(ctx context.Context, id string, message string) error {
	return s.updateStatus(ctx, `
		UPDATE scheduled_posts
		SET status = ?, posted_at = NULL, error_message = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status <> ?`,
		PostStatusFailed, message, formatTime(s.now()), id, PostStatusPosted)
}

func (s *PostStore) updateStatus(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update post status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: post missing or already posted", ErrNotFound)
	}
	return nil
}

// ResetFailed puts a user's failed post back in the queue.
func (s *PostStore) ResetFailed(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND user_id = ? AND status = ?`,
		PostStatusPending, formatTime(s.now()), id, userID, PostStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to reset post: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: no failed post %s for user", ErrNotFound, id)
	}
	return nil
}

// DeletePost removes a user's post unless it has already been published.
func (s *PostStore) DeletePost(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_posts
		WHERE id = ? AND user_id = ? AND status <> ?`, id, userID, PostStatusPosted)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: no deletable post %s for user", ErrNotFound, id)
	}
	return nil
}

// PostDecodeError reports a stored row whose values are not valid.
type PostDecodeError struct {
	ID     string
	UserID string
	Err    error
}

func (e *PostDecodeError) Error() string {
	return fmt.Sprintf("post %s has %v", e.ID, e.Err)
}

func (e *PostDecodeError) Unwrap() error {
	return e.Err
}

// collectPosts splits rows that fail validation out of the result. A scan
// or iteration error still fails the whole call.
func collectPosts(rows *sql.Rows) ([]*Post, []*PostDecodeError, error) {
	defer rows.Close()

	posts := make([]*Post, 0)
	var invalid []*PostDecodeError
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			var decodeErr *PostDecodeError
			if errors.As(err, &decodeErr) {
				invalid = append(invalid, decodeErr)
				continue
			}
			return nil, nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return posts, invalid, nil
}

// scanPost decodes one row and validates it at the store boundary.
func scanPost(rows *sql.Rows) (*Post, error) {
	var (
		post                            Post
		scheduledAt, createdAt, updated string
		postedAt, externalID, errMsg    sql.NullString
	)
	err := rows.Scan(&post.ID, &post.UserID, &post.Text, &scheduledAt, &post.Status,
		&postedAt, &externalID, &errMsg, &createdAt, &updated)
	if err != nil {
		return nil, fmt.Errorf("failed to scan post: %w", err)
	}

	post.ScheduledAt, err = parseTime(scheduledAt)
	if err != nil {
		return nil, &PostDecodeError{
			ID:     post.ID,
			UserID: post.UserID,
			Err:    fmt.Errorf("invalid scheduled_at %q: %w", scheduledAt, err),
		}
	}
	switch post.Status {
	case PostStatusPending, PostStatusProcessing, PostStatusPosted, PostStatusFailed:
	default:
		return nil, &PostDecodeError{
			ID:     post.ID,
			UserID: post.UserID,
			Err:    fmt.Errorf("unknown status %q", post.Status),
		}
	}
	if postedAt.Valid {
		if t, err := parseTime(postedAt.String); err == nil {
			post.PostedAt = &t
		}
	}
	post.ExternalID = externalID.String
	post.ErrorMessage = errMsg.String
	post.CreatedAt, _ = parseTime(createdAt)
	post.UpdatedAt, _ = parseTime(updated)
	return &post, nil
}

// IsNotFound reports whether err is a not-found error from this package.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
