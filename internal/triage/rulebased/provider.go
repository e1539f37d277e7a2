// Package rulebased combines the rule engine, vitals assessor and confidence
// scorer into the default suggestion provider. It is pure and never blocks, so
// it is also the fallback for every other provider.
package rulebased

import (
	"context"
	"strings"
	"time"

	"github.com/linnemanlabs/acuity/internal/triage"
	"github.com/linnemanlabs/acuity/internal/triage/confidence"
	"github.com/linnemanlabs/acuity/internal/triage/rules"
	"github.com/linnemanlabs/acuity/internal/triage/vitals"
)

// Key identifies this provider in configuration and the audit trail.
const Key = "rule-based"

// Provider is the rule-based suggestion provider.
type Provider struct {
	table *rules.Table
}

// New creates a provider over table. A nil table uses rules.Default().
func New(table *rules.Table) *Provider {
	if table == nil {
		table = rules.Default()
	}
	return &Provider{table: table}
}

// Key returns "rule-based".
func (p *Provider) Key() string { return Key }

// Version returns the rule table version.
func (p *Provider) Version() string { return p.table.Version }

// Suggest never returns an error.
func (p *Provider) Suggest(_ context.Context, in *triage.Input) (*triage.Suggestion, error) {
	return p.Evaluate(in), nil
}

// Evaluate classifies in synchronously.
func (p *Provider) Evaluate(in *triage.Input) *triage.Suggestion {
	start := time.Now()

	text := in.Normalized()
	var vs map[string]float64
	if in != nil {
		vs = in.Vitals
	}

	m := p.table.Classify(text)
	risks := vitals.Assess(vs).Strings()

	return &triage.Suggestion{
		Acuity:        m.Level,
		Confidence:    confidence.Score(text, vs, m.Level),
		Explanation:   explain(m, risks),
		MatchedPhrase: m.Phrase,
		RuleID:        m.RuleID,
		ModelVersion:  p.table.Version,
		Risks:         risks,
		ProviderKey:   Key,
		LatencyMs:     time.Since(start).Milliseconds(),
		InputDigest:   in.Digest(),
		Outcome:       triage.OutcomeOK,
	}
}

// explain renders e.g. "Acuity 2: Detected 'đau ngực' + SpO2 85% (low)".
func explain(m rules.Match, risks []string) string {
	var b strings.Builder
	b.WriteString("Acuity ")
	b.WriteString(string(m.Level))
	if m.Matched() {
		b.WriteString(": Detected '")
		b.WriteString(m.Phrase)
		b.WriteString("'")
	} else {
		b.WriteString(": No matching complaint keywords")
	}
	if len(risks) > 0 {
		b.WriteString(" + ")
		b.WriteString(strings.Join(risks, ", "))
	}
	return b.String()
}
