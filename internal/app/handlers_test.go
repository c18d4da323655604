package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postscheduler-go/internal/config"
	"postscheduler-go/internal/dispatch"
	"postscheduler-go/internal/scheduler"
	"postscheduler-go/internal/storage"
)

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func asUser(userID string) map[string]string {
	return map[string]string{userIDHeader: userID}
}

func withSecret() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testDispatchSecret}
}

func decodeRun(t *testing.T, rr *httptest.ResponseRecorder) runResponse {
	t.Helper()
	var resp runResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHandlers_Health(t *testing.T) {
	app, _, _ := newTestApp(t)

	rr := doRequest(t, app.Router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestHandlers_PostsCRUD(t *testing.T) {
	app, _, _ := newTestApp(t)
	when := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	rr := doRequest(t, app.Router, http.MethodPost, "/api/posts",
		map[string]interface{}{"text": "hello world", "scheduled_at": when}, asUser("user-1"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created postResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "pending", created.Status)
	assert.True(t, when.Equal(created.ScheduledAt))

	// another user sees nothing and cannot delete it
	rr = doRequest(t, app.Router, http.MethodGet, "/api/posts", nil, asUser("user-2"))
	assert.JSONEq(t, `{"posts":[]}`, rr.Body.String())
	rr = doRequest(t, app.Router, http.MethodDelete, "/api/posts/"+created.ID, nil, asUser("user-2"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, app.Router, http.MethodGet, "/api/posts", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Posts []postResponse `json:"posts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Posts, 1)
	assert.Equal(t, created.ID, list.Posts[0].ID)

	rr = doRequest(t, app.Router, http.MethodDelete, "/api/posts/"+created.ID, nil, asUser("user-1"))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = doRequest(t, app.Router, http.MethodDelete, "/api/posts/"+created.ID, nil, asUser("user-1"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlers_CreatePostValidation(t *testing.T) {
	app, _, _ := newTestApp(t)
	long := make([]rune, storage.MaxPostLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing text", map[string]interface{}{"scheduled_at": time.Now()}},
		{"missing time", map[string]interface{}{"text": "hi"}},
		{"text too long", map[string]interface{}{"text": string(long), "scheduled_at": time.Now()}},
		{"bad time", map[string]interface{}{"text": "hi", "scheduled_at": "tomorrow"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, app.Router, http.MethodPost, "/api/posts", tt.body, asUser("user-1"))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), errorCodeValidation)
		})
	}
}

func TestHandlers_RetryPost(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()

	post, err := app.Posts.CreatePost(ctx, "user-1", "retry me", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	rr := doRequest(t, app.Router, http.MethodPost, "/api/posts/"+post.ID+"/retry", nil, asUser("user-1"))
	assert.Equal(t, http.StatusConflict, rr.Code)

	require.NoError(t, app.Posts.MarkFailed(ctx, post.ID, "Unauthorized"))

	rr = doRequest(t, app.Router, http.MethodPost, "/api/posts/"+post.ID+"/retry", nil, asUser("user-2"))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doRequest(t, app.Router, http.MethodPost, "/api/posts/"+post.ID+"/retry", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	var retried postResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &retried))
	assert.Equal(t, "pending", retried.Status)
	assert.Empty(t, retried.ErrorMessage)
}

func TestHandlers_DispatchRunPublishesDuePosts(t *testing.T) {
	app, provider, _ := newTestApp(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, app.Credentials.SaveCredential(ctx, &storage.Credential{
		UserID:       "user-1",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    &expiry,
	}))

	due, err := app.Posts.CreatePost(ctx, "user-1", "it is time", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	orphan, err := app.Posts.CreatePost(ctx, "user-2", "nobody connected", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = app.Posts.CreatePost(ctx, "user-1", "later", time.Now().Add(time.Hour))
	require.NoError(t, err)

	rr := doRequest(t, app.Router, http.MethodPost, "/internal/dispatch/run", nil, withSecret())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decodeRun(t, rr)
	assert.Equal(t, 2, resp.Processed)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, dispatch.PostResult{ID: due.ID, Status: dispatch.StatusPosted}, resp.Results[0])
	assert.Equal(t, orphan.ID, resp.Results[1].ID)
	assert.Equal(t, dispatch.StatusFailed, resp.Results[1].Status)
	assert.Equal(t, "user user-2 has not connected an account", resp.Results[1].Error)

	assert.Equal(t, int32(1), provider.published.Load())
	assert.Equal(t, "Bearer at-1", provider.lastToken.Load())

	stored, err := app.Posts.GetPost(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PostStatusPosted, stored.Status)
	assert.Equal(t, "ext-1", stored.ExternalID)
	require.NotNil(t, stored.PostedAt)

	// nothing left to do
	rr = doRequest(t, app.Router, http.MethodGet, "/internal/dispatch/run", nil, withSecret())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"processed":0,"results":[]}`, rr.Body.String())
}

func TestHandlers_DispatchRunRefreshesExpiredToken(t *testing.T) {
	app, provider, _ := newTestApp(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Minute)
	require.NoError(t, app.Credentials.SaveCredential(ctx, &storage.Credential{
		UserID:       "user-1",
		AccessToken:  "at-stale",
		RefreshToken: "rt-1",
		ExpiresAt:    &expired,
	}))
	_, err := app.Posts.CreatePost(ctx, "user-1", "fresh token please", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	rr := doRequest(t, app.Router, http.MethodPost, "/internal/dispatch/run", nil, withSecret())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decodeRun(t, rr).Processed)
	assert.Equal(t, "Bearer at-fresh", provider.lastToken.Load())

	cred, err := app.Credentials.GetCredential(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", cred.AccessToken)
	assert.Equal(t, "rt-fresh", cred.RefreshToken)
}

// stubRunner lets tests control what a dispatch run returns.
type stubRunner struct {
	report  *dispatch.RunReport
	err     error
	started chan struct{}
	release chan struct{}
}

func (r *stubRunner) Run(ctx context.Context) (*dispatch.RunReport, error) {
	if r.started != nil {
		r.started <- struct{}{}
		<-r.release
	}
	return r.report, r.err
}

func newStubApp(t *testing.T, runner scheduler.Runner) *Application {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	sched, err := scheduler.NewScheduler(context.Background(), runner, "", logger)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DispatchSecret = testDispatchSecret
	app := &Application{Config: cfg, Logger: logger, Scheduler: sched}
	app.Router = app.routes()
	return app
}

func TestHandlers_DispatchRunQueryError(t *testing.T) {
	app := newStubApp(t, &stubRunner{
		report: &dispatch.RunReport{
			Processed: 1,
			Results:   []dispatch.PostResult{{ID: "p1", Status: dispatch.StatusPosted}},
		},
		err: &dispatch.QueryError{Batch: 2, Err: errors.New("database is locked")},
	})

	rr := doRequest(t, app.Router, http.MethodPost, "/internal/dispatch/run", nil, withSecret())
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	resp := decodeRun(t, rr)
	assert.Equal(t, 1, resp.Processed)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, "failed to fetch due posts (batch 2): database is locked", resp.Error)
}

func TestHandlers_DispatchRunInProgress(t *testing.T) {
	runner := &stubRunner{
		report:  &dispatch.RunReport{Results: []dispatch.PostResult{}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	app := newStubApp(t, runner)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- doRequest(t, app.Router, http.MethodPost, "/internal/dispatch/run", nil, withSecret())
	}()
	<-runner.started

	rr := doRequest(t, app.Router, http.MethodPost, "/internal/dispatch/run", nil, withSecret())
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, scheduler.ErrRunInProgress.Error(), decodeRun(t, rr).Error)

	close(runner.release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
}

func TestHandlers_Connect(t *testing.T) {
	app, _, _ := newTestApp(t)

	rr := doRequest(t, app.Router, http.MethodGet, "/auth/connect", nil, asUser("user-1"))
	require.Equal(t, http.StatusFound, rr.Code)

	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "provider.example", location.Host)
	assert.Equal(t, "S256", location.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, location.Query().Get("state"))
}

func TestHandlers_CallbackAndStatus(t *testing.T) {
	app, _, _ := newTestApp(t)

	rr := doRequest(t, app.Router, http.MethodGet, "/auth/status", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"connected":false}`, rr.Body.String())

	rr = doRequest(t, app.Router, http.MethodGet, "/auth/connect", nil, asUser("user-1"))
	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")

	rr = doRequest(t, app.Router, http.MethodGet, "/auth/callback?code=abc", nil, asUser("user-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, app.Router, http.MethodGet, "/auth/callback?code=abc&state=forged", nil, asUser("user-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, app.Router, http.MethodGet, "/auth/callback?code=abc&state="+state, nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doRequest(t, app.Router, http.MethodGet, "/auth/status", nil, asUser("user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	var status struct {
		Connected bool       `json:"connected"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.True(t, status.Connected)
	require.NotNil(t, status.ExpiresAt)

	rr = doRequest(t, app.Router, http.MethodDelete, "/auth/connection", nil, asUser("user-1"))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = doRequest(t, app.Router, http.MethodDelete, "/auth/connection", nil, asUser("user-1"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlers_CallbackDenied(t *testing.T) {
	app, _, _ := newTestApp(t)

	rr := doRequest(t, app.Router, http.MethodGet, "/auth/callback?error=access_denied", nil, asUser("user-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "access_denied")
}

func TestHandlers_UnknownRoute(t *testing.T) {
	app := newStubApp(t, &stubRunner{})

	rr := doRequest(t, app.Router, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), errorCodeNotFound)
}
