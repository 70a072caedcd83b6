// Package domain holds the value types shared by the screening pipeline:
// cases, stages, pipelines and the stored result.
package domain

import (
	"strings"
	"time"
)

type Mode string

const (
	ModeOnline  Mode = "online"
	ModeHybrid  Mode = "hybrid"
	ModeOffline Mode = "offline"
)

func (m Mode) Valid() bool {
	return m == ModeOnline || m == ModeHybrid || m == ModeOffline
}

// ParseMode normalizes a user supplied mode. Unknown values map to hybrid.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOnline:
		return ModeOnline
	case ModeOffline:
		return ModeOffline
	default:
		return ModeHybrid
	}
}

type DomainTag string

const (
	DomainCommunication DomainTag = "communication"
	DomainMotor         DomainTag = "motor"
	DomainSocial        DomainTag = "social"
	DomainCognitive     DomainTag = "cognitive"
	DomainGeneral       DomainTag = "general"
)

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type Risk string

const (
	RiskLow      Risk = "low"
	RiskMonitor  Risk = "monitor"
	RiskElevated Risk = "elevated"
	RiskDiscuss  Risk = "discuss"
)

type ResultSource string

const (
	SourceOnline    ResultSource = "online"
	SourceExtracted ResultSource = "extracted"
	SourceOffline   ResultSource = "offline"
)

// Input is what a caller submits to start a screening.
type Input struct {
	AgeMonths       int    `json:"age_months"`
	Observations    string `json:"observations"`
	VoiceTranscript string `json:"voice_transcript,omitempty"`
	Mode            Mode   `json:"mode,omitempty"`
}

// Text is the combined free text used for classification.
func (in Input) Text() string {
	obs := strings.TrimSpace(in.Observations)
	tr := strings.TrimSpace(in.VoiceTranscript)
	switch {
	case tr == "":
		return obs
	case obs == "":
		return tr
	default:
		return obs + "\n" + tr
	}
}

// Case is immutable once created; a later screening produces a new Case.
type Case struct {
	ID              string    `json:"id"`
	AgeMonths       int       `json:"age_months"`
	Observations    string    `json:"observations"`
	VoiceTranscript string    `json:"voice_transcript,omitempty"`
	Mode            Mode      `json:"mode"`
	Priority        Priority  `json:"priority"`
	Domain          DomainTag `json:"domain"`
	CreatedAt       time.Time `json:"created_at"`
}

// StoredResult is the single final output persisted per case.
type StoredResult struct {
	CaseID          string       `json:"case_id"`
	Risk            Risk         `json:"risk"`
	Confidence      float64      `json:"confidence"`
	Summary         []string     `json:"summary"`
	Rationale       string       `json:"rationale"`
	Recommendations []string     `json:"recommendations"`
	Domain          DomainTag    `json:"domain,omitempty"`
	Source          ResultSource `json:"source"`
	CreatedAt       time.Time    `json:"created_at"`
}

// AsOutput flattens the result into the opaque stage output map.
func (r StoredResult) AsOutput() map[string]any {
	return map[string]any{
		"case_id":         r.CaseID,
		"risk":            string(r.Risk),
		"confidence":      r.Confidence,
		"summary":         append([]string(nil), r.Summary...),
		"rationale":       r.Rationale,
		"recommendations": append([]string(nil), r.Recommendations...),
		"domain":          string(r.Domain),
		"source":          string(r.Source),
	}
}
