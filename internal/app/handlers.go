package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"postscheduler-go/internal/auth"
	"postscheduler-go/internal/dispatch"
	"postscheduler-go/internal/scheduler"
	"postscheduler-go/internal/storage"
)

//
// Dispatch Handlers
//

type runResponse struct {
	Processed int                   `json:"processed"`
	Results   []dispatch.PostResult `json:"results"`
	Error     string                `json:"error,omitempty"`
}

// handleDispatchRun runs the dispatcher once and returns its report.
func (a *Application) handleDispatchRun(c *gin.Context) {
	report, err := a.Scheduler.RunNow(c.Request.Context(), "http")

	resp := runResponse{Results: make([]dispatch.PostResult, 0)}
	if report != nil {
		resp.Processed = report.Processed
		resp.Results = report.Results
	}

	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		resp.Error = err.Error()
		c.JSON(http.StatusConflict, resp)
	case err != nil:
		a.Logger.WithError(err).Error("Dispatch run failed")
		resp.Error = err.Error()
		c.JSON(http.StatusInternalServerError, resp)
	default:
		c.JSON(http.StatusOK, resp)
	}
}

func (a *Application) handleHealth(c *gin.Context) {
	if err := a.Storage.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

//
// Authentication Handlers
//

// handleConnect starts the OAuth2 flow by redirecting the user to the
// provider's consent page.
func (a *Application) handleConnect(c *gin.Context) {
	userID, _ := getUserID(c)

	authURL, _, err := a.Auth.GetAuthURL(userID)
	if err != nil {
		a.Logger.WithError(err).WithField("user_id", userID).Error("Failed to generate auth URL")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "failed to generate auth URL")
		return
	}

	c.Redirect(http.StatusFound, authURL)
}

// handleAuthCallback exchanges the authorization code and stores the
// credential.
func (a *Application) handleAuthCallback(c *gin.Context) {
	userID, _ := getUserID(c)
	log := a.Logger.WithField("user_id", userID)

	if errCode := c.Query("error"); errCode != "" {
		jsonError(c, http.StatusBadRequest, errorCodeValidation, "authorization denied: "+errCode)
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		jsonError(c, http.StatusBadRequest, errorCodeValidation, "missing code or state")
		return
	}

	err := a.Auth.HandleCallback(c.Request.Context(), userID, code, state)
	var refreshErr *auth.RefreshError
	switch {
	case err == nil:
		log.Info("Account connected")
		c.JSON(http.StatusOK, gin.H{"connected": true})
	case errors.Is(err, auth.ErrInvalidState):
		jsonError(c, http.StatusBadRequest, errorCodeValidation, err.Error())
	case errors.As(err, &refreshErr):
		log.WithError(err).Warn("Authorization code exchange failed")
		jsonError(c, http.StatusBadGateway, errorCodeUpstream, refreshErr.Error())
	default:
		log.WithError(err).Error("Auth callback error")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "authentication failed")
	}
}

func (a *Application) handleAuthStatus(c *gin.Context) {
	userID, _ := getUserID(c)

	status, err := a.Auth.Status(c.Request.Context(), userID)
	if err != nil {
		a.Logger.WithError(err).WithField("user_id", userID).Error("Failed to load connection status")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "failed to load connection status")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *Application) handleDisconnect(c *gin.Context) {
	userID, _ := getUserID(c)

	err := a.Auth.Disconnect(c.Request.Context(), userID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		jsonError(c, http.StatusNotFound, errorCodeNotFound, "no connected account")
	default:
		a.Logger.WithError(err).WithField("user_id", userID).Error("Failed to disconnect account")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "failed to disconnect account")
	}
}

//
// Post Handlers
//

type postResponse struct {
	ID           string     `json:"id"`
	Text         string     `json:"text"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	Status       string     `json:"status"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	ExternalID   string     `json:"external_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func newPostResponse(p *storage.Post) postResponse {
	return postResponse{
		ID:           p.ID,
		Text:         p.Text,
		ScheduledAt:  p.ScheduledAt,
		Status:       string(p.Status),
		PostedAt:     p.PostedAt,
		ExternalID:   p.ExternalID,
		ErrorMessage: p.ErrorMessage,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func (a *Application) handleCreatePost(c *gin.Context) {
	userID, _ := getUserID(c)

	var req struct {
		Text        string    `json:"text" binding:"required"`
		ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, errorCodeValidation, err.Error())
		return
	}

	post, err := a.Posts.CreatePost(c.Request.Context(), userID, req.Text, req.ScheduledAt)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			jsonError(c, http.StatusBadRequest, errorCodeValidation, err.Error())
			return
		}
		a.Logger.WithError(err).WithField("user_id", userID).Error("Failed to create post")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "failed to create post")
		return
	}

	c.JSON(http.StatusCreated, newPostResponse(post))
}

func (a *Application) handleListPosts(c *gin.Context) {
	userID, _ := getUserID(c)

	posts, err := a.Posts.ListPostsByUser(c.Request.Context(), userID, 0)
	if err != nil {
		a.Logger.WithError(err).WithField("user_id", userID).Error("Failed to list posts")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "failed to list posts")
		return
	}

	resp := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		resp = append(resp, newPostResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"posts": resp})
}

func (a *Application) handleDeletePost(c *gin.Context) {
	userID, _ := getUserID(c)

	err := a.Posts.DeletePost(c.Request.Context(), userID, c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		jsonError(c, http.StatusNotFound, errorCodeNotFound, "post not found or already posted")
	default:
		a.Logger.WithError(err).WithField("user_id", userID).Error("Failed to delete post")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "failed to delete post")
	}
}

func (a *Application) handleRetryPost(c *gin.Context) {
	userID, _ := getUserID(c)
	id := c.Param("id")

	err := a.Posts.ResetFailed(c.Request.Context(), userID, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		jsonError(c, http.StatusConflict, errorCodeConflict, "post not found or not failed")
		return
	case err != nil:
		a.Logger.WithError(err).WithField("user_id", userID).Error("Failed to retry post")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "failed to retry post")
		return
	}

	post, err := a.Posts.GetPost(c.Request.Context(), id)
	if err != nil {
		a.Logger.WithError(err).WithField("post_id", id).Error("Failed to reload post")
		jsonError(c, http.StatusInternalServerError, errorCodeInternal, "failed to reload post")
		return
	}
	c.JSON(http.StatusOK, newPostResponse(post))
}
