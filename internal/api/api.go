// Package api exposes the remediation pipeline over HTTP: finding and
// approval inspection, decision submission, requeue, and the audit trail.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

// Handler serves the remediation HTTP API.
type Handler struct {
	store        *store.Store
	audit        *audit.Log
	gate         *approval.Gate
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(st *store.Store, log *audit.Log, gate *approval.Gate, orch *orchestrator.Orchestrator, logger *zap.Logger) (*Handler, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		return nil, errors.New("audit log is required")
	}
	if gate == nil {
		return nil, errors.New("approval gate is required")
	}
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:        st,
		audit:        log,
		gate:         gate,
		orchestrator: orch,
		logger:       logger,
	}, nil
}

// RegisterRoutes mounts the API under /api.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")

	g.GET("/findings", h.listFindings)
	g.GET("/findings/:id", h.getFinding)
	g.GET("/findings/:id/audit", h.findingAudit)
	g.POST("/findings/:id/requeue", h.requeueFinding)

	g.GET("/approvals", h.listApprovals)
	g.GET("/approvals/:token", h.getApproval)
	g.POST("/approvals/:token/decision", h.decideApproval)

	g.GET("/audit", h.auditSince)
}

// findingView joins a finding with its record for API responses.
type findingView struct {
	Finding *finding.Finding `json:"finding"`
	Record  *finding.Record  `json:"record"`
}

func (h *Handler) listFindings(c echo.Context) error {
	ctx := c.Request().Context()
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	var (
		findings []*finding.Finding
		err      error
	)
	if stateParam := c.QueryParam("state"); stateParam != "" {
		state := finding.State(stateParam)
		if !state.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown state: "+stateParam)
		}
		findings, err = h.store.ListByState(ctx, state, limit)
	} else {
		findings, err = h.store.ListPending(ctx, limit)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	views := make([]findingView, 0, len(findings))
	for _, f := range findings {
		rec, err := h.store.GetRecord(ctx, f.ID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		views = append(views, findingView{Finding: f, Record: rec})
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) getFinding(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	f, err := h.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "finding not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	rec, err := h.store.GetRecord(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, findingView{Finding: f, Record: rec})
}

func (h *Handler) findingAudit(c echo.Context) error {
	entries, err := h.audit.EntriesFor(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(entries) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no audit history for finding")
	}
	return c.JSON(http.StatusOK, entries)
}

type requeueRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) requeueFinding(c echo.Context) error {
	id := c.Param("id")

	var req requeueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	err := h.orchestrator.Requeue(c.Request().Context(), id, req.Actor)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "finding not found")
	case errors.Is(err, finding.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, "only failed findings can be requeued")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.logger.Info("finding requeued via API",
		zap.String("finding_id", id),
		zap.String("actor", req.Actor),
	)
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) listApprovals(c echo.Context) error {
	approvals, err := h.gate.Pending(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if approvals == nil {
		approvals = []*store.Approval{}
	}
	return c.JSON(http.StatusOK, approvals)
}

func (h *Handler) getApproval(c echo.Context) error {
	a, err := h.gate.Get(c.Request().Context(), c.Param("token"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "approval not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}

type decisionRequest struct {
	Verdict string `json:"verdict"`
	Actor   string `json:"actor"`
	Comment string `json:"comment"`
}

type decisionResponse struct {
	Result approval.DecideResult `json:"result"`
}

func (h *Handler) decideApproval(c echo.Context) error {
	token := c.Param("token")

	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d := &finding.Decision{
		Verdict: finding.Verdict(req.Verdict),
		Actor:   req.Actor,
		Comment: req.Comment,
	}
	if err := d.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.gate.Decide(c.Request().Context(), token, d)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "approval not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	status := http.StatusOK
	if result == approval.DecideAlreadyDecided {
		// The first decision stands; report idempotently rather than
		// erroring.
		status = http.StatusConflict
	}
	return c.JSON(status, decisionResponse{Result: result})
}

func (h *Handler) auditSince(c echo.Context) error {
	ctx := c.Request().Context()

	var since int64
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer")
		}
		since = parsed
	}

	entries, err := h.audit.StreamSince(ctx, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	collected := make([]audit.Entry, 0)
	for e := range entries {
		collected = append(collected, e)
	}
	return c.JSON(http.StatusOK, collected)
}
