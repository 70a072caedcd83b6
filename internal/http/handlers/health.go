package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Readiness is satisfied by the orchestrator.
type Readiness interface {
	Accepting() bool
}

type HealthHandler struct {
	ready Readiness
}

func NewHealthHandler(ready Readiness) *HealthHandler { return &HealthHandler{ready: ready} }

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Ready fails once the service stopped taking screenings.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.ready != nil && !h.ready.Accepting() {
		c.String(http.StatusServiceUnavailable, "draining")
		return
	}
	c.String(http.StatusOK, "ready")
}
