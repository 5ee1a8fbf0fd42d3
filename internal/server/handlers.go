package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/applock"
	"github.com/mbd888/sentinel/internal/guard"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/incident"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/signal"
	"github.com/mbd888/sentinel/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// -----------------------------------------------------------------------------
// Signals & evaluation
// -----------------------------------------------------------------------------

type ingestRequest struct {
	Signals []*signal.Signal `json:"signals"`
	// Evaluate asks for an evaluation soon after the batch is stored.
	Evaluate bool `json:"evaluate"`
}

type ingestResponse struct {
	*guard.IngestResult
	IDs     []string `json:"ids"`
	Warning string   `json:"warning,omitempty"`
}

func (s *Server) ingestSignals(c *gin.Context) {
	var req ingestRequest
	if !bindJSON(c, &req) {
		return
	}

	now := s.now()
	for _, sg := range req.Signals {
		if sg == nil {
			continue // rejected by Ingest
		}
		if sg.ID == "" {
			sg.ID = idgen.WithPrefix("sig_")
		}
		if sg.Timestamp.IsZero() {
			sg.Timestamp = now
		}
	}

	res, err := s.guard.Ingest(c.Request.Context(), req.Signals)
	switch {
	case errors.Is(err, guard.ErrEmptyBatch), errors.Is(err, guard.ErrBatchTooLarge), errors.Is(err, signal.ErrInvalidSignal):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signals", "message": err.Error()})
		return
	case err != nil && res == nil:
		s.unavailable(c, "failed to store signals", err)
		return
	}

	resp := ingestResponse{IngestResult: res, IDs: signal.IDs(req.Signals)}
	if err != nil {
		resp.Warning = "behavioral analysis incomplete"
	}
	if req.Evaluate {
		s.timer.Trigger()
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) evaluate(c *gin.Context) {
	res, err := s.guard.Evaluate(c.Request.Context())
	switch {
	case errors.Is(err, risk.ErrEvaluationSkipped):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "evaluation_skipped",
			"message": "storage unavailable, previous score retained",
		})
		return
	case err != nil && res == nil:
		s.unavailable(c, "evaluation failed", err)
		return
	case err != nil:
		// Scored and responded; some side effects failed.
		logging.L(c.Request.Context()).Warn("response applied with errors", "error", err)
	}
	c.JSON(http.StatusOK, res)
}

// -----------------------------------------------------------------------------
// Authentication callbacks
// -----------------------------------------------------------------------------

type authSuccessRequest struct {
	UserID string `json:"userId"`
}

type authFailureResponse struct {
	Attempts            int   `json:"attempts"`
	CooldownRemainingMs int64 `json:"cooldownRemainingMs"`
	AlertQueued         bool  `json:"alertQueued"`
}

// rejectDuringCooldown answers 429 while authentication attempts are
// blocked. The host app should not have offered an attempt at all.
func (s *Server) rejectDuringCooldown(c *gin.Context) bool {
	remaining := s.guard.CooldownRemaining()
	if remaining <= 0 {
		return false
	}
	c.Header("Retry-After", strconv.Itoa(int((remaining+time.Second-1)/time.Second)))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":               "cooldown_active",
		"message":             "authentication attempts are blocked",
		"cooldownRemainingMs": remaining.Milliseconds(),
	})
	return true
}

func (s *Server) authSuccess(c *gin.Context) {
	var req authSuccessRequest
	if !bindJSON(c, &req) {
		return
	}
	userID, errs := validation.UserID(req.UserID)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	if s.rejectDuringCooldown(c) {
		return
	}

	st, err := s.guard.OnAuthSuccess(c.Request.Context(), userID)
	if err != nil {
		// The in-memory unlock already happened; report the persistence
		// problem without failing the unlock.
		logging.L(c.Request.Context()).Error("auth success recorded with errors", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"session": st, "lock": s.lockView()})
}

func (s *Server) authFailure(c *gin.Context) {
	if s.rejectDuringCooldown(c) {
		return
	}
	res, err := s.guard.OnAuthFailure(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("auth failure recorded with errors", "error", err)
	}
	c.JSON(http.StatusOK, authFailureResponse{
		Attempts:            res.Attempts,
		CooldownRemainingMs: res.CooldownRemaining.Milliseconds(),
		AlertQueued:         res.AlertQueued,
	})
}

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

type lockResponse struct {
	applock.State
	InCooldown          bool  `json:"inCooldown"`
	CooldownRemainingMs int64 `json:"cooldownRemainingMs"`
}

func (s *Server) lockView() lockResponse {
	return lockResponse{
		State:               s.guard.LockState(),
		InCooldown:          s.guard.IsInCooldown(),
		CooldownRemainingMs: s.guard.CooldownRemaining().Milliseconds(),
	}
}

func (s *Server) getLock(c *gin.Context) {
	c.JSON(http.StatusOK, s.lockView())
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.guard.Session())
}

func (s *Server) getLatestScore(c *gin.Context) {
	score, err := s.guard.LatestScore(c.Request.Context())
	if err != nil {
		s.unavailable(c, "failed to read latest score", err)
		return
	}
	if score == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no evaluation has run yet"})
		return
	}
	c.JSON(http.StatusOK, score)
}

func (s *Server) getScoreHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	scores, err := s.guard.ScoreHistory(c.Request.Context(), limit)
	if err != nil {
		s.unavailable(c, "failed to read score history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores, "count": len(scores)})
}

func (s *Server) getLearningProgress(c *gin.Context) {
	p, err := s.guard.LearningProgress(c.Request.Context())
	if err != nil {
		s.unavailable(c, "failed to read learning progress", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type resetRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) resetBaselines(c *gin.Context) {
	var req resetRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.Confirm {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "confirmation_required",
			"message": `resetting forgets all learned behavior; send {"confirm": true}`,
		})
		return
	}
	if err := s.guard.Reset(c.Request.Context()); err != nil {
		s.unavailable(c, "failed to reset baselines", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// -----------------------------------------------------------------------------
// Incidents
// -----------------------------------------------------------------------------

func (s *Server) listIncidents(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	unresolved, err := strconv.ParseBool(c.DefaultQuery("unresolved", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "unresolved must be true or false"})
		return
	}
	incs, err := s.guard.Incidents(c.Request.Context(), limit, unresolved)
	if err != nil {
		s.unavailable(c, "failed to list incidents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incs, "count": len(incs)})
}

func (s *Server) resolveIncident(c *gin.Context) {
	id := c.Param("id")
	err := s.guard.ResolveIncident(c.Request.Context(), id)
	switch {
	case errors.Is(err, incident.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "incident not found"})
		return
	case err != nil:
		s.unavailable(c, "failed to resolve incident", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large", "message": err.Error()})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return false
	}
	return true
}

func queryLimit(c *gin.Context) (int, bool) {
	limit, verr := validation.Limit(c.Query("limit"), defaultListLimit, maxListLimit)
	if verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": validation.Errors{*verr}})
		return 0, false
	}
	return limit, true
}

// unavailable answers 503 for storage failures, which are transient.
func (s *Server) unavailable(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable", "message": msg})
}
