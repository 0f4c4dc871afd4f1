package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/data"
	"github.com/captainteodor/vibess/pkg/voting"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    string              `json:"code,omitempty"`
	Session *voting.SessionView `json:"session,omitempty"`
}

// TraitRequest sets one trait value
type TraitRequest struct {
	Value int `json:"value" binding:"required"`
}

// StatusRequest changes a candidate's status
type StatusRequest struct {
	Status data.CandidateStatus `json:"status" binding:"required"`
}

// CandidateRequest submits a new photo for rating
type CandidateRequest struct {
	ImageURL       string `json:"image_url" binding:"required"`
	Name           string `json:"name"`
	Gender         string `json:"gender"`
	AgeRange       string `json:"age_range"`
	TargetGender   string `json:"target_gender"`
	TargetAgeRange string `json:"target_age_range"`
	Activate       bool   `json:"activate"`
}

// CommitResponse reports a confirmed submission
type CommitResponse struct {
	Outcome voting.Outcome     `json:"outcome"`
	Credits int64              `json:"credits,omitempty"`
	Session voting.SessionView `json:"session"`
}

// VoterResponse reports the caller's balance
type VoterResponse struct {
	ID      string `json:"id"`
	Credits int64  `json:"credits"`
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker func(ctx context.Context) error

// Handlers serves the voting API
type Handlers struct {
	registry *Registry
	ledger   data.Ledger
	health   HealthChecker
	logger   *zap.Logger
}

// NewHandlers creates handlers. health may be nil.
func NewHandlers(registry *Registry, ledger data.Ledger, health HealthChecker, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		ledger:   ledger,
		health:   health,
		logger:   logger.Named("api"),
	}
}

// HandleStartSession starts the caller's session, or resets it to the first page
func (h *Handlers) HandleStartSession(c *gin.Context) {
	s, created, err := h.registry.GetOrCreate(VoterID(c))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if created {
		err = s.Start(c.Request.Context())
	} else {
		err = s.Retry(c.Request.Context())
	}
	h.respond(c, s, err)
}

// HandleGetSession returns the caller's session state
func (h *Handlers) HandleGetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

// HandleSelectTrait records one trait value on the draft
func (h *Handlers) HandleSelectTrait(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	trait, err := data.ParseTrait(c.Param("trait"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	var req TraitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
		return
	}
	h.respond(c, s, s.SelectTrait(trait, req.Value))
}

// HandleRequestSubmit opens feedback collection
func (h *Handlers) HandleRequestSubmit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.respond(c, s, s.RequestSubmit())
}

// HandleToggleTag adds or removes a feedback tag
func (h *Handlers) HandleToggleTag(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.respond(c, s, s.ToggleFeedbackTag(c.Param("tag")))
}

// HandleConfirm commits the pending vote
func (h *Handlers) HandleConfirm(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	res, err := s.ConfirmFeedback(c.Request.Context())
	if err != nil {
		view := s.Snapshot()
		c.JSON(outcomeStatus(res.Outcome, err), ErrorResponse{
			Error:   err.Error(),
			Code:    errorCode(res.Outcome, err),
			Session: &view,
		})
		return
	}
	c.JSON(http.StatusOK, CommitResponse{
		Outcome: res.Outcome,
		Credits: res.Credits,
		Session: s.Snapshot(),
	})
}

// HandleRetry reloads the caller's session from the first page
func (h *Handlers) HandleRetry(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.respond(c, s, s.Retry(c.Request.Context()))
}

// HandleGetVoter returns the caller's credits
func (h *Handlers) HandleGetVoter(c *gin.Context) {
	voterID := VoterID(c)
	v, err := h.ledger.GetVoter(c.Request.Context(), voterID)
	switch {
	case errors.Is(err, data.ErrNotFound):
		c.JSON(http.StatusOK, VoterResponse{ID: voterID})
	case err != nil:
		h.fail(c, err, nil)
	default:
		c.JSON(http.StatusOK, VoterResponse{ID: v.ID, Credits: v.Credits})
	}
}

// HandleCreateCandidate submits a photo owned by the caller
func (h *Handlers) HandleCreateCandidate(c *gin.Context) {
	var req CandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
		return
	}
	cand, err := data.NewCandidate(VoterID(c), req.ImageURL)
	if err != nil {
		h.fail(c, errors.Join(data.ErrInvalidData, err), nil)
		return
	}
	cand.Name = req.Name
	cand.Gender = req.Gender
	cand.AgeRange = req.AgeRange
	cand.TargetGender = req.TargetGender
	cand.TargetAgeRange = req.TargetAgeRange

	ctx := c.Request.Context()
	if err := h.ledger.SaveCandidate(ctx, cand); err != nil {
		h.fail(c, err, nil)
		return
	}
	if req.Activate {
		if err := h.ledger.ActivateCandidate(ctx, cand.OwnerID, cand.ID); err != nil {
			h.fail(c, err, nil)
			return
		}
		cand.Status = data.StatusActive
	}
	c.JSON(http.StatusCreated, cand)
}

// HandleListMyCandidates lists the caller's own photos
func (h *Handlers) HandleListMyCandidates(c *gin.Context) {
	cands, err := h.ledger.ListCandidatesByOwner(c.Request.Context(), VoterID(c))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if cands == nil {
		cands = []*data.Candidate{}
	}
	c.JSON(http.StatusOK, cands)
}

// HandleUpdateStatus changes the status of one of the caller's photos
func (h *Handlers) HandleUpdateStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
		return
	}
	if !req.Status.Valid() {
		h.fail(c, data.ErrInvalidStatus, nil)
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	cand, err := h.ledger.GetCandidate(ctx, id)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if cand.OwnerID != VoterID(c) {
		h.fail(c, data.ErrNotOwner, nil)
		return
	}
	if req.Status == data.StatusActive {
		// An owner runs at most one active photo at a time.
		err = h.ledger.ActivateCandidate(ctx, cand.OwnerID, id)
	} else {
		err = h.ledger.UpdateCandidateStatus(ctx, id, req.Status)
	}
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	cand.Status = req.Status
	c.JSON(http.StatusOK, cand)
}

// HandleHealth reports liveness and dependency health
func (h *Handlers) HandleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.registry.Len()})
}

func (h *Handlers) session(c *gin.Context) (*voting.Session, bool) {
	s, ok := h.registry.Get(VoterID(c))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no active session", Code: "no_session"})
		return nil, false
	}
	return s, true
}

func (h *Handlers) respond(c *gin.Context, s *voting.Session, err error) {
	if err != nil {
		view := s.Snapshot()
		h.fail(c, err, &view)
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handlers) fail(c *gin.Context, err error, view *voting.SessionView) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: errorCode("", err), Session: view})
}

func outcomeStatus(outcome voting.Outcome, err error) int {
	switch outcome {
	case voting.OutcomeTransientStoreError:
		return http.StatusServiceUnavailable
	case voting.OutcomeUnauthenticated:
		return http.StatusUnauthorized
	case voting.OutcomeInvalidVote:
		return http.StatusUnprocessableEntity
	}
	return statusFor(err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, voting.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, voting.ErrSubmitting),
		errors.Is(err, voting.ErrWrongPhase),
		errors.Is(err, voting.ErrNotReady),
		errors.Is(err, voting.ErrNoCandidate):
		return http.StatusConflict
	case errors.Is(err, voting.ErrInvalidTrait),
		errors.Is(err, voting.ErrUnknownTag),
		errors.Is(err, data.ErrInvalidStatus),
		errors.Is(err, data.ErrInvalidData),
		errors.Is(err, data.ErrInvalidID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, data.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, data.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorCode(outcome voting.Outcome, err error) string {
	if outcome != "" {
		return string(outcome)
	}
	switch statusFor(err) {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "internal"
}
