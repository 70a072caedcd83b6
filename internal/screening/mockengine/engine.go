// Package mockengine is a deterministic stand-in for the remote screening
// model. It speaks the same event-stream protocol and can be scripted to
// misbehave.
package mockengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/fallback"
)

// Request mirrors the body the screening client sends.
type Request struct {
	AgeMonths       int    `json:"age_months"`
	Domain          string `json:"domain"`
	Observations    string `json:"observations"`
	CaseID          string `json:"case_id"`
	VoiceTranscript string `json:"voice_transcript,omitempty"`
	Priority        string `json:"priority,omitempty"`
}

// Script changes how the next responses behave. The zero value streams a
// well-formed reply.
type Script struct {
	// Status, when set to a non-2xx code, replies with an error envelope.
	Status int
	// StallAfter holds the stream open after that many token frames until the
	// client goes away. Zero disables the stall.
	StallAfter int
	// Malformed interleaves unparseable lines with the real frames.
	Malformed bool
	// OmitComplete ends the stream without a complete frame.
	OmitComplete bool
	// ErrorFrame ends the stream with an explicit error frame.
	ErrorFrame bool
	// Risk overrides the label reported by the model.
	Risk string
}

// Engine produces replies. Its label scale differs from the canonical one on
// purpose: clients must normalize it.
type Engine struct {
	mu       sync.Mutex
	script   Script
	requests []Observed
}

// Observed is one request as seen by the engine.
type Observed struct {
	Request Request
	APIKey  string
}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) SetScript(s Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = s
}

func (e *Engine) Script() Script {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.script
}

func (e *Engine) Requests() []Observed {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Observed(nil), e.requests...)
}

func (e *Engine) observe(o Observed) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, o)
}

var modelLabel = map[domain.Risk]string{
	domain.RiskLow:      "on_track",
	domain.RiskMonitor:  "monitor",
	domain.RiskElevated: "refer",
	domain.RiskDiscuss:  "high",
}

// Result is the payload of the complete frame for req.
func (e *Engine) Result(req Request) map[string]any {
	text := strings.TrimSpace(req.Observations)
	if t := strings.TrimSpace(req.VoiceTranscript); t != "" {
		text = strings.TrimSpace(text + "\n" + t)
	}
	base := fallback.Synthesize(fallback.Input{
		AgeMonths:    req.AgeMonths,
		Domain:       domain.DomainTag(req.Domain),
		Observations: text,
	})
	label := modelLabel[base.Risk]
	if s := strings.TrimSpace(e.Script().Risk); s != "" {
		label = s
	}
	return map[string]any{
		"risk":            label,
		"confidence":      0.9,
		"summary":         base.Summary,
		"rationale":       base.Rationale,
		"recommendations": base.Recommendations,
		"domain":          string(base.Domain),
	}
}

// Narrative is the free text streamed as tokens. It embeds the result object
// so a reader can recover it when the complete frame is missing.
func (e *Engine) Narrative(req Request) string {
	raw, _ := json.Marshal(e.Result(req))
	return fmt.Sprintf("Reviewing %d-month-old, %s domain. Result: %s", req.AgeMonths, req.Domain, raw)
}

// StreamTokens calls onDelta with 16-byte chunks of the narrative, never
// splitting a rune.
func (e *Engine) StreamTokens(ctx context.Context, req Request, onDelta func(delta string) error) error {
	full := e.Narrative(req)
	const chunk = 16
	for i, end := 0, 0; i < len(full); i = end {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		end = i + chunk
		if end > len(full) {
			end = len(full)
		}
		for end < len(full) && !utf8.RuneStart(full[end]) {
			end++
		}
		if err := onDelta(full[i:end]); err != nil {
			return err
		}
	}
	return nil
}
