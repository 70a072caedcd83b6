package fallback

import (
	"reflect"
	"strings"
	"testing"

	"github.com/yungbote/screening-backend/internal/screening/domain"
)

func TestSynthesizeIsDeterministic(t *testing.T) {
	in := Input{AgeMonths: 24, Domain: domain.DomainCommunication, Observations: "24 month old says 10 words, poor eye contact"}
	a := Synthesize(in)
	b := Synthesize(in)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("non-deterministic output:\n%+v\n%+v", a, b)
	}
	if a.Source != domain.SourceOffline {
		t.Fatalf("source: want=%s got=%s", domain.SourceOffline, a.Source)
	}
}

func TestSynthesizeScenario(t *testing.T) {
	res := Synthesize(Input{AgeMonths: 24, Domain: domain.DomainCommunication, Observations: "24 month old says 10 words, poor eye contact"})
	if res.Risk != domain.RiskElevated {
		t.Fatalf("risk: want=%s got=%s (%s)", domain.RiskElevated, res.Risk, res.Rationale)
	}
	if res.Confidence < minConfidence || res.Confidence > maxConfidence {
		t.Fatalf("confidence out of range: %v", res.Confidence)
	}
	if !strings.Contains(res.Rationale, "10 words") {
		t.Fatalf("rationale should cite vocabulary: %q", res.Rationale)
	}
	if len(res.Summary) == 0 || len(res.Recommendations) == 0 {
		t.Fatalf("expected summary and recommendations: %+v", res)
	}
}

func TestSynthesizeRisks(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want domain.Risk
	}{
		{"empty", Input{}, domain.RiskLow},
		{"strengths", Input{AgeMonths: 30, Observations: "typical play, enjoys books, says 150 words"}, domain.RiskLow},
		{"regression", Input{AgeMonths: 20, Observations: "lost words he used to say, no longer waves, rarely smiles"}, domain.RiskDiscuss},
		{"mild", Input{AgeMonths: 18, Observations: "says 4 words"}, domain.RiskMonitor},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Synthesize(c.in)
			if got.Risk != c.want {
				t.Fatalf("want=%s got=%s (%s)", c.want, got.Risk, got.Rationale)
			}
		})
	}
}

func TestSynthesizeNegativeAge(t *testing.T) {
	res := Synthesize(Input{AgeMonths: -5, Observations: "says 2 words"})
	if res.Domain != domain.DomainGeneral {
		t.Fatalf("empty domain should default to general, got=%s", res.Domain)
	}
}
