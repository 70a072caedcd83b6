package mockengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/screening-backend/internal/platform/logger"
)

const (
	StreamPath = "/v1/screenings/stream"

	maxStall = 30 * time.Second
)

var errStalled = errors.New("stalled")

func NewHandler(log *logger.Logger, eng *Engine) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST "+StreamPath, handleStream(log, eng))

	var h http.Handler = mux
	h = recoverMiddleware(log)(h)
	h = accessLogMiddleware(log)(h)
	h = requestIDMiddleware()(h)
	return h
}

func NewServer(addr string, log *logger.Logger, eng *Engine) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: NewHandler(log, eng),
	}
}

func handleStream(log *logger.Logger, eng *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in Request
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err == nil {
			err = json.Unmarshal(raw, &in)
		}
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request")
			return
		}
		eng.observe(Observed{Request: in, APIKey: r.Header.Get("x-api-key")})

		script := eng.Script()
		if script.Status != 0 && (script.Status < 200 || script.Status >= 300) {
			WriteError(w, script.Status, "scripted failure", "scripted")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "server_error")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()
		sent := 0
		err = eng.StreamTokens(ctx, in, func(delta string) error {
			if script.StallAfter > 0 && sent >= script.StallAfter {
				return stall(ctx)
			}
			if script.Malformed && sent%2 == 0 {
				_, _ = fmt.Fprint(w, "garbage without a field name\n")
			}
			payload, _ := json.Marshal(map[string]any{"kind": "token", "text": delta})
			if err := WriteSSE(w, "", string(payload)); err != nil {
				return err
			}
			flusher.Flush()
			sent++
			return nil
		})
		if err != nil {
			log.Debug("stream ended early", "case_id", in.CaseID, "error", err)
			return
		}

		switch {
		case script.ErrorFrame:
			payload, _ := json.Marshal(map[string]any{"kind": "error", "message": "scripted stream failure"})
			_ = WriteSSE(w, "", string(payload))
		case !script.OmitComplete:
			payload, _ := json.Marshal(map[string]any{"kind": "complete", "result": eng.Result(in)})
			_ = WriteSSE(w, "", string(payload))
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
		}
		flusher.Flush()
	}
}

// stall keeps the connection open and silent until the client gives up or
// maxStall passes. Heartbeats would count as activity on the client side.
func stall(ctx context.Context) error {
	limit := time.NewTimer(maxStall)
	defer limit.Stop()
	select {
	case <-ctx.Done():
	case <-limit.C:
	}
	return errStalled
}

// WriteSSE writes one event; multi-line data is split across data fields.
func WriteSSE(w http.ResponseWriter, event string, data string) error {
	if strings.TrimSpace(event) != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", strings.TrimSpace(event)); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func WriteError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = http.StatusText(status)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "code": code},
	})
}
