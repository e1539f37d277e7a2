// Package rules implements the tiered acuity rule engine: an ordered, versioned
// table of phrase patterns that maps normalized complaint text to a level.
package rules

import (
	"regexp"
	"strings"

	"github.com/linnemanlabs/acuity/internal/triage"
)

// Tier groups rules by urgency. Tiers are evaluated in the order of Tiers.
type Tier string

const (
	Critical Tier = "critical"
	Moderate Tier = "moderate"
	Routine  Tier = "routine"
)

// Tiers is the fixed evaluation order.
var Tiers = []Tier{Critical, Moderate, Routine}

// Rule is one compiled pattern and the level it assigns.
type Rule struct {
	ID      string
	Tier    Tier
	Level   triage.Level
	Pattern string

	re     *regexp.Regexp
	phrase int // index of the "phrase" submatch, or -1
}

func (r *Rule) match(text string) (string, bool) {
	m := r.re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	if r.phrase > 0 && m[r.phrase] != "" {
		return m[r.phrase], true
	}
	return m[0], true
}

// Match is the outcome of Classify. RuleID is empty when nothing matched.
type Match struct {
	Level  triage.Level
	Phrase string
	RuleID string
	Tier   Tier
}

// Matched reports whether a rule fired.
func (m Match) Matched() bool { return m.RuleID != "" }

// Table is an immutable, compiled rule table. Safe for concurrent use.
type Table struct {
	Version string
	tiers   map[Tier][]Rule
}

// Classify maps normalized complaint text to a level. The first tier with any
// hit wins; inside a tier the first rule in declaration order wins. Blank text
// and text that matches nothing get triage.DefaultLevel.
func (t *Table) Classify(normalized string) Match {
	if strings.TrimSpace(normalized) == "" {
		return Match{Level: triage.DefaultLevel}
	}
	for _, tier := range Tiers {
		rules := t.tiers[tier]
		for i := range rules {
			if phrase, ok := rules[i].match(normalized); ok {
				return Match{
					Level:  rules[i].Level,
					Phrase: phrase,
					RuleID: rules[i].ID,
					Tier:   tier,
				}
			}
		}
	}
	return Match{Level: triage.DefaultLevel}
}

// Rules returns a copy of a tier's rules in evaluation order.
func (t *Table) Rules(tier Tier) []Rule {
	out := make([]Rule, len(t.tiers[tier]))
	copy(out, t.tiers[tier])
	return out
}

// Len returns the total number of rules.
func (t *Table) Len() int {
	n := 0
	for _, rs := range t.tiers {
		n += len(rs)
	}
	return n
}
