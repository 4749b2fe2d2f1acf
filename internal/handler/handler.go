package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/poller"
	"mail-dispatch-go/internal/repository"
	"mail-dispatch-go/internal/workflow"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db          *gorm.DB
	accounts    *repository.AccountRepository
	events      *repository.EventRepository
	suggestions *repository.SuggestionRepository
	engine      workflow.Engine
	poller      *poller.Poller
	metrics     *metrics.Metrics
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, accounts *repository.AccountRepository, events *repository.EventRepository, suggestions *repository.SuggestionRepository, engine workflow.Engine, p *poller.Poller, m *metrics.Metrics) *Handlers {
	return &Handlers{
		db:          db,
		accounts:    accounts,
		events:      events,
		suggestions: suggestions,
		engine:      engine,
		poller:      p,
		metrics:     m,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Health check
	router.GET("/healthz", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := router.Group("/api/v1")
	{
		// Accounts (read-only; administration happens elsewhere)
		api.GET("/accounts", h.GetAccounts)

		// Events
		api.GET("/events", h.GetEvents)
		api.GET("/events/pending", h.GetPendingEvents)
		api.GET("/events/:id", h.GetEvent)

		// Suggestions and their approval workflow
		api.GET("/suggestions", h.GetSuggestions)
		api.GET("/suggestions/:id/status", h.GetSuggestionStatus)
		api.POST("/suggestions/:id/approve", h.ApproveSuggestion)
		api.POST("/suggestions/:id/reject", h.RejectSuggestion)

		// Poller control
		api.POST("/poller/start", h.StartPoller)
		api.POST("/poller/stop", h.StopPoller)
		api.POST("/poller/run-once", h.RunOnce)
		api.GET("/poller/status", h.GetPollerStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Poller:    make(map[string]string),
	}

	if err := h.db.Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.poller.IsRunning() {
		response.Poller["state"] = "running"
		response.Poller["next_run"] = h.poller.GetNextRun().Format(time.RFC3339)
		response.Poller["last_run"] = h.poller.GetLastRun().Format(time.RFC3339)
	} else {
		response.Poller["state"] = "stopped"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// GetAccounts returns all configured mailbox accounts
func (h *Handlers) GetAccounts(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context())
	if err != nil {
		h.serverError(c, "Failed to fetch accounts")
		return
	}
	c.JSON(http.StatusOK, accounts)
}

// GetEvents returns recent events
func (h *Handlers) GetEvents(c *gin.Context) {
	limit := h.limitParam(c, 50)

	events, err := h.events.List(c.Request.Context(), limit)
	if err != nil {
		h.serverError(c, "Failed to fetch events")
		return
	}
	c.JSON(http.StatusOK, events)
}

// GetPendingEvents returns events stuck in pending, the reconciliation view
func (h *Handlers) GetPendingEvents(c *gin.Context) {
	limit := h.limitParam(c, 50)

	events, err := h.events.ListPending(c.Request.Context(), limit)
	if err != nil {
		h.serverError(c, "Failed to fetch pending events")
		return
	}
	c.JSON(http.StatusOK, events)
}

// GetEvent returns a single event
func (h *Handlers) GetEvent(c *gin.Context) {
	event, err := h.events.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serverError(c, "Failed to fetch event")
		return
	}
	if event == nil {
		h.notFound(c, "Event not found")
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetSuggestions returns recent suggestions
func (h *Handlers) GetSuggestions(c *gin.Context) {
	limit := h.limitParam(c, 50)

	suggestions, err := h.suggestions.List(c.Request.Context(), limit)
	if err != nil {
		h.serverError(c, "Failed to fetch suggestions")
		return
	}
	c.JSON(http.StatusOK, suggestions)
}

// GetSuggestionStatus queries the approval workflow instance for a suggestion
func (h *Handlers) GetSuggestionStatus(c *gin.Context) {
	id := c.Param("id")

	result, err := h.engine.Query(c.Request.Context(), workflow.ApprovalInstanceID(id), workflow.QueryGetStatus)
	if err != nil {
		if errors.Is(err, workflow.ErrInstanceNotFound) {
			h.notFound(c, "Suggestion not found")
			return
		}
		h.serverError(c, err.Error())
		return
	}

	c.Data(http.StatusOK, "application/json", result)
}

// ApproveSuggestion signals approve to the suggestion's workflow instance
func (h *Handlers) ApproveSuggestion(c *gin.Context) {
	h.review(c, workflow.SignalApprove)
}

// RejectSuggestion signals reject to the suggestion's workflow instance
func (h *Handlers) RejectSuggestion(c *gin.Context) {
	h.review(c, workflow.SignalReject)
}

func (h *Handlers) review(c *gin.Context, signal string) {
	id := c.Param("id")

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	err := h.engine.Signal(c.Request.Context(), workflow.ApprovalInstanceID(id), signal, workflow.ReviewSignal{
		ReviewerID: req.ReviewerID,
		Note:       req.Note,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrInstanceNotFound) {
			h.notFound(c, "Suggestion not found")
			return
		}
		h.serverError(c, err.Error())
		return
	}
	h.metrics.WorkflowSignals.Inc()

	result, err := h.engine.Query(c.Request.Context(), workflow.ApprovalInstanceID(id), workflow.QueryGetStatus)
	if err != nil {
		h.serverError(c, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"suggestion_id": id, "status": result})
}

// StartPoller starts the account poller
func (h *Handlers) StartPoller(c *gin.Context) {
	if err := h.poller.Start(); err != nil {
		h.serverError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Poller started"})
}

// StopPoller stops the account poller
func (h *Handlers) StopPoller(c *gin.Context) {
	if err := h.poller.Stop(); err != nil {
		h.serverError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Poller stopped"})
}

// RunOnce triggers one poll tick immediately
func (h *Handlers) RunOnce(c *gin.Context) {
	go func() {
		if err := h.poller.RunOnce(); err != nil {
			logrus.Errorf("Manual poll tick failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"message": "Poll tick triggered"})
}

// GetPollerStatus returns the poller schedule state
func (h *Handlers) GetPollerStatus(c *gin.Context) {
	status := gin.H{"running": h.poller.IsRunning()}
	if h.poller.IsRunning() {
		status["next_run"] = h.poller.GetNextRun().Format(time.RFC3339)
		status["last_run"] = h.poller.GetLastRun().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) limitParam(c *gin.Context, fallback int) int {
	limit := fallback
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	return limit
}

func (h *Handlers) notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: msg,
		Code:    http.StatusNotFound,
	})
}

func (h *Handlers) serverError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: msg,
		Code:    http.StatusInternalServerError,
	})
}
