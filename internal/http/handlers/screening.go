package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/screening-backend/internal/http/middleware"
	"github.com/yungbote/screening-backend/internal/http/response"
	"github.com/yungbote/screening-backend/internal/platform/apierr"
	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/orchestrator"
	"github.com/yungbote/screening-backend/internal/screening/pipeline"
	"github.com/yungbote/screening-backend/internal/screening/resultstore"
)

const defaultMaxBody = 1 << 20

type ScreeningHandler struct {
	log     *logger.Logger
	orch    *orchestrator.Orchestrator
	store   *pipeline.Store
	results resultstore.Store
	maxBody int64
}

func NewScreeningHandler(log *logger.Logger, orch *orchestrator.Orchestrator, store *pipeline.Store, results resultstore.Store, maxBody int64) *ScreeningHandler {
	if log == nil {
		log = logger.Nop()
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &ScreeningHandler{
		log:     log.With("component", "ScreeningHandler"),
		orch:    orch,
		store:   store,
		results: results,
		maxBody: maxBody,
	}
}

type createScreeningRequest struct {
	AgeMonths       *int   `json:"age_months"`
	Observations    string `json:"observations"`
	VoiceTranscript string `json:"voice_transcript"`
	Mode            string `json:"mode"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func parseModeParam(raw string) (domain.Mode, error) {
	m := domain.Mode(strings.ToLower(strings.TrimSpace(raw)))
	if !m.Valid() {
		return "", apierr.BadRequest("invalid_mode", fmt.Errorf("mode %q must be one of online, hybrid, offline", raw))
	}
	return m, nil
}

// POST /api/screenings
func (h *ScreeningHandler) Create(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	var req createScreeningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if req.AgeMonths == nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_input", errors.New("age_months is required"))
		return
	}
	in := domain.Input{
		AgeMonths:       *req.AgeMonths,
		Observations:    req.Observations,
		VoiceTranscript: req.VoiceTranscript,
	}
	if strings.TrimSpace(req.Mode) != "" {
		m, err := parseModeParam(req.Mode)
		if err != nil {
			response.RespondAPIError(c, err, "invalid_mode")
			return
		}
		in.Mode = m
	}

	caseID, err := h.orch.Run(c.Request.Context(), in)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		response.RespondAPIError(c, apierr.BadRequest("invalid_input", err), "invalid_input")
		return
	case errors.Is(err, orchestrator.ErrShutdown):
		response.RespondAPIError(c, apierr.Unavailable("shutting_down", err), "shutting_down")
		return
	case err != nil:
		h.log.Error("start screening failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "start_failed", err)
		return
	}
	c.Set(middleware.CaseIDKey, caseID)
	response.RespondAccepted(c, gin.H{"case_id": caseID})
}

// GET /api/screenings/current
func (h *ScreeningHandler) Current(c *gin.Context) {
	p := h.store.Snapshot()
	if p.CaseID != "" {
		c.Set(middleware.CaseIDKey, p.CaseID)
	}
	response.RespondOK(c, p)
}

// POST /api/screenings/cancel
func (h *ScreeningHandler) Cancel(c *gin.Context) {
	caseID := h.orch.Active()
	canceled := h.orch.Cancel()
	if canceled {
		c.Set(middleware.CaseIDKey, caseID)
	} else {
		caseID = ""
	}
	response.RespondOK(c, gin.H{"canceled": canceled, "case_id": caseID})
}

// POST /api/screenings/reset
func (h *ScreeningHandler) Reset(c *gin.Context) {
	h.orch.Reset()
	response.RespondOK(c, h.store.Snapshot())
}

// GET /api/screenings/mode
func (h *ScreeningHandler) GetMode(c *gin.Context) {
	response.RespondOK(c, gin.H{"mode": h.store.Mode()})
}

// PUT /api/screenings/mode
func (h *ScreeningHandler) SetMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	m, err := parseModeParam(req.Mode)
	if err != nil {
		response.RespondAPIError(c, err, "invalid_mode")
		return
	}
	h.store.SetMode(m)
	h.log.Info("mode preference changed", "mode", m)
	response.RespondOK(c, gin.H{"mode": m})
}

// GET /api/screenings/:id/result
func (h *ScreeningHandler) Result(c *gin.Context) {
	caseID := strings.TrimSpace(c.Param("id"))
	if caseID == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_case_id", errors.New("case id required"))
		return
	}
	c.Set(middleware.CaseIDKey, caseID)
	g, ok := h.results.(resultstore.Getter)
	if !ok {
		response.RespondAPIError(c, apierr.NotImplemented("unsupported", errors.New("result store does not support reads")), "unsupported")
		return
	}
	res, err := resultstore.Fetch(c.Request.Context(), g, caseID)
	switch {
	case errors.Is(err, resultstore.ErrNotFound):
		response.RespondAPIError(c, apierr.NotFound("result_not_found", err), "result_not_found")
		return
	case err != nil:
		h.log.Error("fetch result failed", "case_id", caseID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "fetch_failed", err)
		return
	}
	response.RespondOK(c, res)
}
