package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/screening-backend/internal/observability"
	"github.com/yungbote/screening-backend/internal/platform/ctxutil"
	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/pipeline"
)

const defaultHeartbeat = 15 * time.Second

// RealtimeHandler streams pipeline snapshots as server-sent events.
type RealtimeHandler struct {
	log       *logger.Logger
	store     *pipeline.Store
	buffer    int
	heartbeat time.Duration
}

func NewRealtimeHandler(log *logger.Logger, store *pipeline.Store, buffer int, heartbeat time.Duration) *RealtimeHandler {
	if log == nil {
		log = logger.Nop()
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &RealtimeHandler{
		log:       log.With("component", "RealtimeHandler"),
		store:     store,
		buffer:    buffer,
		heartbeat: heartbeat,
	}
}

// GET /api/screenings/stream
func (h *RealtimeHandler) PipelineStream(c *gin.Context) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	updates, unsubscribe := h.store.Subscribe(h.buffer)
	defer unsubscribe()

	m := observability.Current()
	m.SubscriberInc()
	defer m.SubscriberDec()

	log := h.log.With(ctxutil.LogFields(ctx)...)
	log.Debug("pipeline stream open")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("pipeline stream closed", "err", ctx.Err())
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case p, ok := <-updates:
			if !ok {
				return
			}
			raw, err := json.Marshal(p)
			if err != nil {
				log.Warn("marshal pipeline snapshot", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: pipeline\ndata: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
