package inference

import (
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/pipeline"
)

var errNoResult = errors.New("no result object in stream")

// riskScale maps every label the model is known to emit onto the canonical scale.
var riskScale = map[string]domain.Risk{
	"on_track": domain.RiskLow,
	"low":      domain.RiskLow,
	"monitor":  domain.RiskMonitor,
	"medium":   domain.RiskMonitor,
	"refer":    domain.RiskElevated,
	"elevated": domain.RiskElevated,
	"high":     domain.RiskDiscuss,
	"discuss":  domain.RiskDiscuss,
}

// NormalizeRisk maps a model risk label onto the canonical scale. Unknown
// labels map to monitor.
func NormalizeRisk(label string) domain.Risk {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if r, ok := riskScale[key]; ok {
		return r
	}
	return domain.RiskMonitor
}

// resultFromMap builds a StoredResult from a complete frame or an extracted
// object. Missing fields get neutral values.
func resultFromMap(m map[string]any, tag domain.DomainTag, source domain.ResultSource) domain.StoredResult {
	risk, _ := m["risk"].(string)
	res := domain.StoredResult{
		Risk:            NormalizeRisk(risk),
		Confidence:      pipeline.DefaultConfidence,
		Summary:         stringList(m["summary"]),
		Rationale:       strings.TrimSpace(stringOf(m["rationale"])),
		Recommendations: stringList(m["recommendations"]),
		Domain:          tag,
		Source:          source,
	}
	if c, ok := m["confidence"].(float64); ok && !math.IsNaN(c) {
		res.Confidence = math.Max(0, math.Min(1, c))
	}
	if d := strings.TrimSpace(stringOf(m["domain"])); d != "" {
		res.Domain = domain.DomainTag(strings.ToLower(d))
	}
	if res.Summary == nil {
		res.Summary = []string{}
	}
	if res.Recommendations == nil {
		res.Recommendations = []string{}
	}
	return res
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// stringList accepts a single string or a list of strings.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return nil
}

// extractResult finds the last balanced JSON object in text that carries a
// "risk" field. Models sometimes stream the object as plain tokens, wrapped
// in prose or a code fence.
func extractResult(text string) (map[string]any, bool) {
	for start := strings.LastIndexByte(text, '{'); start >= 0; start = strings.LastIndexByte(text[:start], '{') {
		end := matchBrace(text, start)
		if end < 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
			continue
		}
		if _, ok := obj["risk"]; ok {
			return obj, true
		}
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
