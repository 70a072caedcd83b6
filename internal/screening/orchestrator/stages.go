package orchestrator

import (
	"strings"

	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/inference"
)

// features is the local embedding-stage summary of the case text.
func features(c domain.Case) map[string]any {
	obs := strings.Fields(c.Observations)
	tr := strings.Fields(c.VoiceTranscript)
	sentences := 0
	for _, r := range c.Observations + " " + c.VoiceTranscript {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 && len(obs)+len(tr) > 0 {
		sentences = 1
	}
	return map[string]any{
		"observation_words": len(obs),
		"transcript_words":  len(tr),
		"sentences":         sentences,
		"domain":            string(c.Domain),
	}
}

func canonicalRisk(r domain.Risk) bool {
	switch r {
	case domain.RiskLow, domain.RiskMonitor, domain.RiskElevated, domain.RiskDiscuss:
		return true
	}
	return false
}

// safetyCheck validates the inference result before it is summarized.
func safetyCheck(c domain.Case, out inference.Outcome) map[string]any {
	res := out.Result
	var issues []string
	if !canonicalRisk(res.Risk) {
		issues = append(issues, "risk outside canonical scale")
	}
	if len(res.Recommendations) == 0 {
		issues = append(issues, "no recommendations")
	}
	if out.PersistErr != nil {
		issues = append(issues, "result not persisted")
	}
	escalate := c.Priority == domain.PriorityUrgent || res.Risk == domain.RiskDiscuss
	return map[string]any{
		"risk":       string(res.Risk),
		"source":     string(res.Source),
		"validated":  len(issues) == 0,
		"issues":     issues,
		"escalate":   escalate,
		"offline":    out.Status == domain.StageOffline,
		"disclaimer": disclaimer,
	}
}

func summary(out inference.Outcome) map[string]any {
	res := out.Result
	return map[string]any{
		"case_id":         res.CaseID,
		"risk":            string(res.Risk),
		"source":          string(res.Source),
		"summary":         append([]string(nil), res.Summary...),
		"recommendations": append([]string(nil), res.Recommendations...),
		"confidence":      res.Confidence,
	}
}
