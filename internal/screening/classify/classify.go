// Package classify maps free-text observations to a developmental domain and
// a priority tier. Both classifiers walk an ordered rule list and return the
// first rule that matches, so rule order is the only tie-break.
package classify

import (
	"regexp"
	"strings"

	"github.com/yungbote/screening-backend/internal/screening/domain"
)

type domainRule struct {
	tag     domain.DomainTag
	pattern *regexp.Regexp
}

type priorityRule struct {
	tier    domain.Priority
	pattern *regexp.Regexp
}

func words(alts ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

var domainRules = []domainRule{
	{domain.DomainCommunication, words(
		`words?`, `points?`, `pointing`, `talk(?:s|ing)?`, `speech`, `speak(?:s|ing)?`,
		`babbl\w*`, `language`, `vocabulary`, `sentences?`, `phrases?`, `verbal`, `nonverbal`,
	)},
	{domain.DomainMotor, words(
		`walk(?:s|ing)?`, `crawl\w*`, `sit(?:s|ting)?`, `grasp\w*`, `climb\w*`, `balance`,
		`stairs`, `jump\w*`, `clumsy`, `tiptoe\w*`, `fine motor`, `gross motor`,
	)},
	{domain.DomainSocial, words(
		`eye contact`, `smil\w*`, `peers?`, `interact\w*`, `waves?`, `waving`,
		`joint attention`, `respond\w* to (?:his |her |their )?name`, `plays? alone`,
	)},
	{domain.DomainCognitive, words(
		`puzzles?`, `problem solving`, `memory`, `sort\w*`, `shapes?`, `colou?rs?`,
		`count\w*`, `pretend`, `learn\w*`,
	)},
}

var priorityRules = []priorityRule{
	{domain.PriorityUrgent, words(
		`seizures?`, `loss of (?:all )?skills`, `lost (?:all )?skills`, `unresponsive`,
		`not breathing`, `choking`, `self[- ]harm`, `emergency`,
	)},
	{domain.PriorityHigh, words(
		`regress\w*`, `no words`, `not walking`, `stopped (?:talking|walking|responding)`,
		`no eye contact`, `no response to (?:his |her |their )?name`,
	)},
	{domain.PriorityMedium, words(
		`monitor\w*`, `delay\w*`, `concern\w*`, `worr\w*`, `behind`, `late`,
	)},
	{domain.PriorityLow, words(
		`on track`, `typical`, `routine`, `meeting milestones`, `well[- ]child`,
	)},
}

// Domain returns the first domain whose pattern matches text, or general.
func Domain(text string) domain.DomainTag {
	tag, _ := matchDomain(text)
	return tag
}

// Priority returns the first tier whose pattern matches text, or low.
func Priority(text string) domain.Priority {
	tier, _ := matchPriority(text)
	return tier
}

type Classification struct {
	Domain        domain.DomainTag `json:"domain"`
	DomainMatch   string           `json:"domain_match,omitempty"`
	Priority      domain.Priority  `json:"priority"`
	PriorityMatch string           `json:"priority_match,omitempty"`
}

func Classify(text string) Classification {
	tag, dm := matchDomain(text)
	tier, pm := matchPriority(text)
	return Classification{Domain: tag, DomainMatch: dm, Priority: tier, PriorityMatch: pm}
}

// AsOutput is the intake stage payload.
func (c Classification) AsOutput() map[string]any {
	out := map[string]any{
		"domain":   string(c.Domain),
		"priority": string(c.Priority),
	}
	if c.DomainMatch != "" {
		out["domain_match"] = c.DomainMatch
	}
	if c.PriorityMatch != "" {
		out["priority_match"] = c.PriorityMatch
	}
	return out
}

func matchDomain(text string) (domain.DomainTag, string) {
	for _, r := range domainRules {
		if m := r.pattern.FindString(text); m != "" {
			return r.tag, strings.ToLower(m)
		}
	}
	return domain.DomainGeneral, ""
}

func matchPriority(text string) (domain.Priority, string) {
	for _, r := range priorityRules {
		if m := r.pattern.FindString(text); m != "" {
			return r.tier, strings.ToLower(m)
		}
	}
	return domain.PriorityLow, ""
}
