// Package server exposes the webhook receiver and the management API.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/auth"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/ingest"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/store"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/thread"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/watch"
)

// Server wires the pipeline components behind HTTP.
type Server struct {
	store      *store.Store
	dispatcher *ingest.Dispatcher
	watches    *watch.Manager
	threads    *thread.Aggregator
	verifier   *auth.JWTVerifier
	log        *logrus.Entry
}

func New(st *store.Store, d *ingest.Dispatcher, w *watch.Manager, t *thread.Aggregator, v *auth.JWTVerifier, log *logrus.Entry) *Server {
	return &Server{store: st, dispatcher: d, watches: w, threads: t, verifier: v, log: log}
}

// Router builds the gin engine. The webhook endpoint is unauthenticated; the
// push channel carries only a mailbox pointer, never message content, and the
// handler treats it as a hint to sync.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/webhook/gmail", s.handleGmailWebhook)

	api := r.Group("/api")
	if s.verifier != nil {
		api.Use(auth.Middleware(s.verifier))
	}
	api.GET("/threads", s.handleListThreads)
	api.POST("/threads/:id/close", s.handleCloseThread)
	api.POST("/threads/:id/followups", s.handleCreateFollowUp)
	api.POST("/mailboxes/:owner/resync", s.handleStartResync)
	api.GET("/resync/:id", s.handleResyncStatus)
	api.DELETE("/resync/:id", s.handleCancelResync)
	api.POST("/mailboxes/:owner/watch", s.handleEnsureWatch)
	api.DELETE("/mailboxes/:owner/watch", s.handleStopWatch)

	return r
}

// pushEnvelope is the Pub/Sub wrapper around the notification payload.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

// handleGmailWebhook always acknowledges with 2xx once the payload is
// syntactically valid; a failed sync is retried by the poller, and a non-2xx
// would only make the push service hammer us with redeliveries.
func (s *Server) handleGmailWebhook(c *gin.Context) {
	var env pushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push envelope"})
		return
	}

	if err := s.dispatcher.HandleNotification(c.Request.Context(), []byte(env.Message.Data)); err != nil {
		s.log.WithError(err).WithField("push_message_id", env.Message.MessageID).Warn("webhook sync failed")
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListThreads(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		if user := auth.UserFrom(c); user != nil {
			ownerID = user.ID
		}
	}
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id is required"})
		return
	}

	threads, err := s.store.ListThreads(c.Request.Context(), ownerID)
	if err != nil {
		s.log.WithError(err).Error("failed to list threads")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (s *Server) handleCloseThread(c *gin.Context) {
	ok, err := s.threads.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("failed to close thread")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to close thread"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(domain.ThreadClosed)})
}

type followUpRequest struct {
	Note  string `json:"note" binding:"required"`
	DueAt *int64 `json:"due_at"`
}

func (s *Server) handleCreateFollowUp(c *gin.Context) {
	var req followUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "note is required"})
		return
	}

	threadID := c.Param("id")
	th, err := s.store.GetThread(c.Request.Context(), threadID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}
	if th == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}

	task := &domain.FollowUpTask{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		OwnerID:   th.OwnerID,
		Note:      req.Note,
		CreatedAt: time.Now().UTC(),
	}
	if req.DueAt != nil {
		due := time.Unix(*req.DueAt, 0).UTC()
		task.DueAt = &due
	}

	if err := s.store.CreateFollowUp(c.Request.Context(), task); err != nil {
		s.log.WithError(err).Error("failed to create follow-up")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create follow-up"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": task.ID})
}

func (s *Server) handleStartResync(c *gin.Context) {
	lookbackDays, _ := strconv.Atoi(c.Query("lookback_days"))
	job, err := s.dispatcher.StartResync(c.Request.Context(), c.Param("owner"), lookbackDays)
	if err != nil {
		s.respondPipelineError(c, err, "failed to start resync")
		return
	}
	c.JSON(http.StatusAccepted, job.Snapshot())
}

func (s *Server) handleResyncStatus(c *gin.Context) {
	job := s.dispatcher.Job(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}

func (s *Server) handleCancelResync(c *gin.Context) {
	if !s.dispatcher.CancelResync(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancel requested"})
}

func (s *Server) handleEnsureWatch(c *gin.Context) {
	sub, err := s.watches.EnsureWatch(c.Request.Context(), c.Param("owner"))
	if err != nil {
		if errors.Is(err, domain.ErrWatchUnsupported) {
			c.JSON(http.StatusConflict, gin.H{"error": "provider does not support push notifications"})
			return
		}
		s.respondPipelineError(c, err, "failed to register watch")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner_id":   sub.OwnerID,
		"mailbox":    sub.Mailbox,
		"expires_at": sub.Expiry.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStopWatch(c *gin.Context) {
	if err := s.watches.StopWatch(c.Request.Context(), c.Param("owner")); err != nil {
		s.respondPipelineError(c, err, "failed to stop watch")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// respondPipelineError maps pipeline errors onto HTTP statuses. A dead OAuth
// credential surfaces as 409 connection_lost so the UI can prompt the user to
// reconnect the mailbox.
func (s *Server) respondPipelineError(c *gin.Context, err error, msg string) {
	var confErr *domain.ConfigError
	switch {
	case errors.Is(err, domain.ErrReauthRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "connection_lost", "detail": "mailbox must be reconnected"})
	case errors.As(err, &confErr):
		c.JSON(http.StatusNotFound, gin.H{"error": confErr.Error()})
	default:
		s.log.WithError(err).Error(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
