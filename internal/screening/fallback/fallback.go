// Package fallback produces a screening result from local heuristics when the
// remote model cannot. Synthesize is pure: same input, same output, no I/O.
package fallback

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yungbote/screening-backend/internal/screening/domain"
)

type Input struct {
	AgeMonths    int
	Domain       domain.DomainTag
	Observations string
}

const (
	minConfidence = 0.55
	maxConfidence = 0.80
)

var (
	wordCountRE = regexp.MustCompile(`(?i)\b(\d{1,4})\s+(?:\w+\s+)?words?\b`)

	concernRE  = regexp.MustCompile(`(?i)\b(?:poor|limited|rarely|never|no|not|doesn't|does not|can't|cannot|won't|unable|lost|stopped|delay\w*|regress\w*)\s+\w+(?:\s+\w+)?`)
	strengthRE = regexp.MustCompile(`(?i)\b(?:good|great|typical|on track|plenty of|lots of|meets|meeting|enjoys|loves)\b`)
	regressRE  = regexp.MustCompile(`(?i)\b(?:regress\w*|lost (?:skills|words)|stopped (?:talking|walking|responding))\b`)
)

type band struct {
	maxAge int
	words  int
	label  string
}

// Expressive vocabulary floors by age band; under half the floor weighs double.
var bands = []band{
	{12, 0, "under 12 months"},
	{18, 3, "12-17 months"},
	{24, 10, "18-23 months"},
	{30, 50, "24-29 months"},
	{36, 100, "30-35 months"},
}

func expectedWords(age int) (int, string) {
	for _, b := range bands {
		if age < b.maxAge {
			return b.words, b.label
		}
	}
	return 200, "36 months and older"
}

// Synthesize never fails; empty input yields a low-risk result at minimum confidence.
func Synthesize(in Input) domain.StoredResult {
	age := in.AgeMonths
	if age < 0 {
		age = 0
	}
	tag := in.Domain
	if tag == "" {
		tag = domain.DomainGeneral
	}
	text := strings.TrimSpace(in.Observations)

	var (
		score     int
		signals   int
		summary   []string
		rationale []string
	)

	summary = append(summary, fmt.Sprintf("Primary domain: %s", tag))

	concerns := uniqueLower(concernRE.FindAllString(text, -1))
	if len(concerns) > 0 {
		score += 2 * min(len(concerns), 2)
		signals += len(concerns)
		summary = append(summary, "Reported concerns: "+strings.Join(concerns, "; "))
		rationale = append(rationale, fmt.Sprintf("%d concern phrase(s) in caregiver observations", len(concerns)))
	}

	strengths := uniqueLower(strengthRE.FindAllString(text, -1))
	if len(strengths) > 0 {
		score -= min(len(strengths), 2)
		signals++
		summary = append(summary, "Reported strengths: "+strings.Join(strengths, "; "))
	}

	if n, ok := wordCount(text); ok {
		signals++
		want, label := expectedWords(age)
		switch {
		case want > 0 && n*2 < want:
			score += 2
			rationale = append(rationale, fmt.Sprintf("expressive vocabulary of %d words is well below ~%d expected at %s", n, want, label))
		case n < want:
			score++
			rationale = append(rationale, fmt.Sprintf("expressive vocabulary of %d words is below ~%d expected at %s", n, want, label))
		default:
			score--
			rationale = append(rationale, fmt.Sprintf("expressive vocabulary of %d words meets expectations for %s", n, label))
		}
		summary = append(summary, fmt.Sprintf("Expressive vocabulary: about %d words at %d months", n, age))
	}

	if regressRE.MatchString(text) {
		score += 3
		signals++
		rationale = append(rationale, "possible loss of previously acquired skills")
	}

	if text == "" {
		rationale = append(rationale, "no observations supplied")
	}

	risk := riskFor(score)
	conf := minConfidence + 0.05*float64(min(signals, 5))
	if conf > maxConfidence {
		conf = maxConfidence
	}

	why := "Offline heuristic screening"
	if len(rationale) > 0 {
		why += ": " + strings.Join(rationale, "; ")
	}
	why += ". This is not a diagnosis."

	return domain.StoredResult{
		Risk:            risk,
		Confidence:      roundTo(conf, 2),
		Summary:         summary,
		Rationale:       why,
		Recommendations: recommendations(risk, tag),
		Domain:          tag,
		Source:          domain.SourceOffline,
	}
}

func riskFor(score int) domain.Risk {
	switch {
	case score >= 5:
		return domain.RiskDiscuss
	case score >= 3:
		return domain.RiskElevated
	case score >= 1:
		return domain.RiskMonitor
	default:
		return domain.RiskLow
	}
}

func recommendations(risk domain.Risk, tag domain.DomainTag) []string {
	var out []string
	switch risk {
	case domain.RiskDiscuss:
		out = append(out, "Discuss these observations with the child's clinician promptly")
		out = append(out, "Request a formal developmental evaluation")
	case domain.RiskElevated:
		out = append(out, "Schedule a follow-up developmental screening within 1-2 months")
		out = append(out, "Consider referral to early intervention services")
	case domain.RiskMonitor:
		out = append(out, "Re-screen at the next well-child visit")
	default:
		out = append(out, "Continue routine developmental surveillance")
	}
	switch tag {
	case domain.DomainCommunication:
		out = append(out, "Read and narrate daily routines together to build vocabulary")
	case domain.DomainMotor:
		out = append(out, "Offer daily floor play and climbing opportunities")
	case domain.DomainSocial:
		out = append(out, "Practice turn-taking games and face-to-face play")
	case domain.DomainCognitive:
		out = append(out, "Offer simple puzzles, sorting and pretend play")
	}
	return out
}

func wordCount(text string) (int, bool) {
	m := wordCountRE.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func uniqueLower(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func roundTo(f float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	return float64(int(f*p+0.5)) / p
}
