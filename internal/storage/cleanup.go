package storage

import (
	"context"
	"fmt"
	"time"
)

// ReleaseStaleClaims returns posts stuck in processing since before olderThan
// to pending. A run that died between claim and status write leaves such rows.
func (s *PostStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = ?, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND claimed_at < ?`,
		PostStatusPending, formatTime(s.now()), PostStatusProcessing, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}

	return result.RowsAffected()
}

// CleanupPostedPosts removes posted records older than the retention period.
func (s *PostStore) CleanupPostedPosts(ctx context.Context, retentionPeriod time.Duration) (int64, error) {
	if retentionPeriod <= 0 {
		return 0, fmt.Errorf("%w: retention period must be positive", ErrInvalidInput)
	}

	cutoff := s.now().Add(-retentionPeriod)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_posts
		WHERE status = ? AND posted_at < ?`,
		PostStatusPosted, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup posted posts: %w", err)
	}

	return result.RowsAffected()
}
