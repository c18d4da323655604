package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"postscheduler-go/internal/metrics"
	"postscheduler-go/internal/publisher"
	"postscheduler-go/internal/storage"
	"postscheduler-go/internal/textutil"
)

// PostQueue is the scheduled-post store as seen by the dispatcher.
type PostQueue interface {
	FetchDue(ctx context.Context, now time.Time, limit int) (*storage.DuePage, error)
	ClaimPost(ctx context.Context, id string, now time.Time) (bool, error)
	MarkPosted(ctx context.Context, id string, postedAt time.Time, externalID string) error
	MarkFailed(ctx context.Context, id string, message string) error
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
}

// TokenResolver produces an access token for a user.
type TokenResolver interface {
	Resolve(ctx context.Context, userID string, forceRefresh bool) (string, error)
}

// Publisher sends one post to the external API.
type Publisher interface {
	Publish(ctx context.Context, accessToken, text string) publisher.Result
}

// Config controls paging and failure recording.
type Config struct {
	BatchSize          int
	MaxBatchesPerRun   int
	ErrorMessageMaxLen int
	// Concurrency is the number of users dispatched in parallel. Rows of the
	// same user are always handled in order.
	Concurrency int
	// ClaimRows moves each row to processing with a conditional update before
	// publishing so overlapping runs cannot both publish it.
	ClaimRows    bool
	ClaimTimeout time.Duration
}

// DefaultConfig returns the default dispatch configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:          50,
		MaxBatchesPerRun:   20,
		ErrorMessageMaxLen: 500,
		Concurrency:        1,
		ClaimRows:          true,
		ClaimTimeout:       10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxBatchesPerRun <= 0 {
		c.MaxBatchesPerRun = def.MaxBatchesPerRun
	}
	if c.ErrorMessageMaxLen <= 0 {
		c.ErrorMessageMaxLen = def.ErrorMessageMaxLen
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = def.ClaimTimeout
	}
	return c
}

// Dispatcher publishes due scheduled posts.
type Dispatcher struct {
	queue     PostQueue
	resolver  TokenResolver
	publisher Publisher
	cfg       Config
	log       logrus.FieldLogger
	now       func() time.Time
}

// New creates a Dispatcher. Zero config values take their defaults.
func New(queue PostQueue, resolver TokenResolver, pub Publisher, cfg Config, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		queue:     queue,
		resolver:  resolver,
		publisher: pub,
		cfg:       cfg.withDefaults(),
		log:       log,
		now:       time.Now,
	}
}

// Run drains due posts page by page until a short page or the batch cap.
// Per-row failures are recorded on the row and in the report; only a failed
// due-rows query aborts the run, with a *QueryError. Cancelling ctx stops the
// run before the next row: rows not yet started stay pending and a row
// already started is finished. The report is returned in every case.
func (d *Dispatcher) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{Results: make([]PostResult, 0)}
	now := d.now()

	if d.cfg.ClaimRows {
		released, err := d.queue.ReleaseStaleClaims(ctx, now.Add(-d.cfg.ClaimTimeout))
		if err != nil {
			d.log.WithError(err).Warn("Failed to release stale claims")
		} else if released > 0 {
			d.log.WithField("released", released).Info("Released stale claims")
		}
	}

	seen := make(map[string]struct{})
	for batch := 1; batch <= d.cfg.MaxBatchesPerRun; batch++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := d.queue.FetchDue(ctx, now, d.cfg.BatchSize)
		if err != nil {
			return report, &QueryError{Batch: batch, Err: err}
		}
		report.Batches++

		for _, invalid := range page.Invalid {
			if _, ok := seen[invalid.ID]; ok {
				continue
			}
			seen[invalid.ID] = struct{}{}
			report.Processed++
			report.Results = append(report.Results, d.failInvalid(ctx, invalid))
		}

		fresh := make([]*storage.Post, 0, len(page.Posts))
		for _, post := range page.Posts {
			if _, ok := seen[post.ID]; ok {
				continue
			}
			seen[post.ID] = struct{}{}
			fresh = append(fresh, post)
		}

		for _, result := range d.processBatch(ctx, fresh) {
			if result.Status != StatusSkipped {
				report.Processed++
			}
			report.Results = append(report.Results, result)
		}

		if err := ctx.Err(); err != nil {
			d.log.WithError(err).WithField("processed", report.Processed).Info("Dispatch run cancelled")
			return report, err
		}
		if page.Len() < d.cfg.BatchSize {
			break
		}
	}

	d.log.WithFields(logrus.Fields{
		"processed": report.Processed,
		"batches":   report.Batches,
	}).Info("Dispatch run finished")
	return report, nil
}

// processBatch keeps the order of posts in its results. Rows not started
// before ctx is cancelled are left out.
func (d *Dispatcher) processBatch(ctx context.Context, posts []*storage.Post) []PostResult {
	if d.cfg.Concurrency <= 1 {
		results := make([]PostResult, 0, len(posts))
		for _, post := range posts {
			if ctx.Err() != nil {
				break
			}
			results = append(results, d.processPost(ctx, post))
		}
		return results
	}

	byUser := make(map[string][]int)
	var users []string
	for i, post := range posts {
		if _, ok := byUser[post.UserID]; !ok {
			users = append(users, post.UserID)
		}
		byUser[post.UserID] = append(byUser[post.UserID], i)
	}

	results := make([]PostResult, len(posts))
	started := make([]bool, len(posts))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, user := range users {
		indexes := byUser[user]
		g.Go(func() error {
			for _, i := range indexes {
				if ctx.Err() != nil {
					return nil
				}
				started[i] = true
				results[i] = d.processPost(ctx, posts[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for i, result := range results {
		if started[i] {
			out = append(out, result)
		}
	}
	return out
}

func (d *Dispatcher) processPost(ctx context.Context, post *storage.Post) PostResult {
	log := d.log.WithFields(logrus.Fields{
		"post_id": post.ID,
		"user_id": post.UserID,
	})
	metrics.PostsInFlight.Inc()
	defer metrics.PostsInFlight.Dec()

	if d.cfg.ClaimRows {
		claimed, err := d.queue.ClaimPost(ctx, post.ID, d.now())
		if err != nil {
			log.WithError(err).Warn("Failed to claim post")
			return d.skip(post, fmt.Sprintf("claim: %v", err))
		}
		if !claimed {
			log.Debug("Post claimed by another run")
			return d.skip(post, "")
		}
	}

	// From here the row runs to completion; the auth and publish clients
	// bound each call with their own timeouts.
	ctx = context.WithoutCancel(ctx)

	if n := textutil.Length(post.Text); n > storage.MaxPostLength {
		return d.fail(ctx, log, post, fmt.Sprintf("text is %d characters, limit is %d", n, storage.MaxPostLength))
	}

	token, err := d.resolver.Resolve(ctx, post.UserID, false)
	if err != nil {
		return d.fail(ctx, log, post, err.Error())
	}

	result := d.publisher.Publish(ctx, token, post.Text)
	if result.Unauthorized() {
		log.Info("Publish rejected credential, forcing token refresh")
		outcome := d.refreshAfterUnauthorized(ctx, post.UserID)
		if !outcome.ok {
			return d.fail(ctx, log, post, fmt.Sprintf("%s; token refresh failed: %s", result.Error, outcome.reason))
		}
		result = d.publisher.Publish(ctx, outcome.token, post.Text)
	}

	if !result.OK {
		log = log.WithField("status_code", result.StatusCode)
		return d.fail(ctx, log, post, result.Err().Error())
	}
	return d.succeed(ctx, log, post, result)
}

// refreshOutcome is the tagged result of the forced refresh after a 401:
// either a new token or the reason the retry cannot happen.
type refreshOutcome struct {
	ok     bool
	token  string
	reason string
}

func refreshSucceeded(token string) refreshOutcome {
	return refreshOutcome{ok: true, token: token}
}

func refreshFailed(reason string) refreshOutcome {
	return refreshOutcome{reason: reason}
}

func (d *Dispatcher) refreshAfterUnauthorized(ctx context.Context, userID string) refreshOutcome {
	token, err := d.resolver.Resolve(ctx, userID, true)
	if err != nil {
		return refreshFailed(err.Error())
	}
	return refreshSucceeded(token)
}

func (d *Dispatcher) succeed(ctx context.Context, log logrus.FieldLogger, post *storage.Post, result publisher.Result) PostResult {
	metrics.PostsDispatched.WithLabelValues(string(StatusPosted)).Inc()
	out := PostResult{ID: post.ID, Status: StatusPosted}

	// The publish already happened; record it even if the run is being cancelled.
	if err := d.queue.MarkPosted(context.WithoutCancel(ctx), post.ID, d.now(), result.PostID); err != nil {
		log.WithError(err).Error("Failed to record posted status")
		out.Error = fmt.Sprintf("record outcome: %v", err)
		return out
	}
	log.WithField("external_id", result.PostID).Info("Post published")
	return out
}

func (d *Dispatcher) fail(ctx context.Context, log logrus.FieldLogger, post *storage.Post, message string) PostResult {
	metrics.PostsDispatched.WithLabelValues(string(StatusFailed)).Inc()
	message = textutil.Truncate(message, d.cfg.ErrorMessageMaxLen)

	if err := d.queue.MarkFailed(context.WithoutCancel(ctx), post.ID, message); err != nil {
		log.WithError(err).Error("Failed to record failed status")
	}
	log.WithField("error", message).Warn("Post failed")
	return PostResult{ID: post.ID, Status: StatusFailed, Error: message}
}

// failInvalid records a due row the store could not decode.
func (d *Dispatcher) failInvalid(ctx context.Context, invalid *storage.PostDecodeError) PostResult {
	log := d.log.WithFields(logrus.Fields{
		"post_id": invalid.ID,
		"user_id": invalid.UserID,
	})
	return d.fail(ctx, log, &storage.Post{ID: invalid.ID, UserID: invalid.UserID}, invalid.Err.Error())
}

func (d *Dispatcher) skip(post *storage.Post, reason string) PostResult {
	metrics.PostsDispatched.WithLabelValues(string(StatusSkipped)).Inc()
	return PostResult{ID: post.ID, Status: StatusSkipped, Error: reason}
}
