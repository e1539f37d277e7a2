package triage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Level is an acuity level, "1" (resuscitation) through "5" (least urgent).
type Level string

const (
	Level1 Level = "1"
	Level2 Level = "2"
	Level3 Level = "3"
	Level4 Level = "4"
	Level5 Level = "5"
)

// DefaultLevel is assigned when the complaint is blank or matches nothing.
const DefaultLevel = Level4

// ParseLevel validates s as an acuity level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.TrimSpace(s))
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
	return l, nil
}

// Valid reports whether l is one of the five levels.
func (l Level) Valid() bool {
	switch l {
	case Level1, Level2, Level3, Level4, Level5:
		return true
	}
	return false
}

// IsCritical reports whether l belongs to the critical tier.
func (l Level) IsCritical() bool {
	return l == Level1 || l == Level2
}

// Input is everything a provider sees for one suggestion call.
type Input struct {
	ChiefComplaint string             `json:"chief_complaint"`
	AgeYears       *int               `json:"age_years,omitempty"`
	Vitals         map[string]float64 `json:"vitals,omitempty"`
	ComplaintTags  []string           `json:"complaint_tags,omitempty"`
}

// Normalized returns the complaint in NFC form, trimmed and lower-cased.
// A nil Input normalizes to "".
func (in *Input) Normalized() string {
	if in == nil {
		return ""
	}
	return NormalizeText(in.ChiefComplaint)
}

// NormalizeText is the text normalization applied before classification.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// Digest returns a stable hex SHA-256 of the normalized input. Identical inputs
// always produce the same digest; vitals are encoded with sorted keys.
func (in *Input) Digest() string {
	var c struct {
		Complaint string             `json:"c"`
		Age       *int               `json:"a,omitempty"`
		Vitals    map[string]float64 `json:"v,omitempty"`
		Tags      []string           `json:"t,omitempty"`
	}
	if in != nil {
		c.Complaint = in.Normalized()
		c.Age = in.AgeYears
		c.Vitals = in.Vitals
		c.Tags = in.ComplaintTags
	}
	b, err := json.Marshal(c)
	if err != nil {
		// only non-finite vitals can fail to encode
		b = []byte(fmt.Sprintf("%q|%v|%v|%v", c.Complaint, c.Age, c.Vitals, c.Tags))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Outcome describes how a suggestion was produced.
type Outcome string

const (
	// OutcomeOK means the selected provider answered.
	OutcomeOK Outcome = "ok"

	// OutcomeFallback means the selected provider failed and the fallback answered.
	OutcomeFallback Outcome = "fallback"

	// OutcomeUnavailable means no provider produced a suggestion.
	OutcomeUnavailable Outcome = "unavailable"
)

// FailureKind classifies a provider failure.
type FailureKind string

const (
	FailureTimeout  FailureKind = "timeout"
	FailureCanceled FailureKind = "canceled"
	FailureError    FailureKind = "error"
	FailurePanic    FailureKind = "panic"
	FailureInvalid  FailureKind = "invalid"
)

// Failure records a provider call that did not produce a usable suggestion.
type Failure struct {
	ProviderKey string      `json:"provider"`
	Kind        FailureKind `json:"kind"`
	Message     string      `json:"message"`
	LatencyMs   int64       `json:"latency_ms"`
}

// Suggestion is a provider's answer for one Input.
type Suggestion struct {
	Acuity        Level    `json:"acuity,omitempty"`
	Confidence    float64  `json:"confidence"`
	Explanation   string   `json:"explanation,omitempty"`
	MatchedPhrase string   `json:"matched_phrase,omitempty"`
	RuleID        string   `json:"rule_id,omitempty"`
	ModelVersion  string   `json:"model_version,omitempty"` // rule table version or model name
	Risks         []string `json:"risks,omitempty"`
	ProviderKey   string   `json:"provider"`
	LatencyMs     int64    `json:"latency_ms"`
	InputDigest   string   `json:"input_digest,omitempty"`
	Outcome       Outcome  `json:"outcome,omitempty"`
	Failure       *Failure `json:"failure,omitempty"`
}

// Available reports whether s carries an acuity level.
func (s *Suggestion) Available() bool {
	return s != nil && s.Acuity.Valid()
}
