package triage

import (
	"strings"
	"time"
)

// Source records who decided a session's final acuity.
type Source string

const (
	SourceHuman  Source = "HUMAN"
	SourceAI     Source = "AI"
	SourceHybrid Source = "HYBRID"
)

// Session is the clinical-workflow view of one triage encounter. It is owned by
// the caller; this package only enforces the rules around the AI fields.
type Session struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	BranchID          string     `json:"branch_id"`
	PatientID         string     `json:"patient_id"`
	ChiefComplaint    string     `json:"chief_complaint,omitempty"`
	AISuggestedAcuity Level      `json:"ai_suggested_acuity,omitempty"`
	AIConfidence      *float64   `json:"ai_confidence,omitempty"`
	AIExplanation     string     `json:"ai_explanation,omitempty"`
	AcuityLevel       Level      `json:"acuity_level,omitempty"`
	Source            Source     `json:"acuity_source,omitempty"`
	OverrideReason    string     `json:"override_reason,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Closed reports whether the session has a final acuity.
func (s *Session) Closed() bool {
	return s.EndedAt != nil
}

// AttachSuggestion copies the AI answer onto the session. The AI fields are
// historical record and can be written once.
func (s *Session) AttachSuggestion(sg *Suggestion) error {
	if s.AISuggestedAcuity != "" {
		return ErrSuggestionRecorded
	}
	if !sg.Available() {
		return nil
	}
	conf := sg.Confidence
	s.AISuggestedAcuity = sg.Acuity
	s.AIConfidence = &conf
	s.AIExplanation = sg.Explanation
	return nil
}

// Close sets the human-assigned acuity. A level that differs from the AI
// suggestion needs a non-blank override reason.
func (s *Session) Close(actual Level, overrideReason string, now time.Time) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if !actual.Valid() {
		return ErrInvalidLevel
	}

	reason := strings.TrimSpace(overrideReason)
	switch {
	case s.AISuggestedAcuity == "":
		s.Source = SourceHuman
	case s.AISuggestedAcuity == actual:
		s.Source = SourceAI
	default:
		if reason == "" {
			return ErrOverrideReasonRequired
		}
		s.Source = SourceHybrid
	}

	s.AcuityLevel = actual
	s.OverrideReason = reason
	ended := now
	s.EndedAt = &ended
	return nil
}
