package triage

import "errors"

var (
	// ErrInvalidLevel is returned for anything that is not "1".."5".
	ErrInvalidLevel = errors.New("invalid acuity level")

	// ErrUnknownProvider is returned when no provider is registered under a key.
	ErrUnknownProvider = errors.New("unknown suggestion provider")

	// ErrInvalidSuggestion marks a provider answer that fails validation.
	ErrInvalidSuggestion = errors.New("invalid suggestion")

	// ErrOverrideReasonRequired is returned when a human overrides the AI level without a reason.
	ErrOverrideReasonRequired = errors.New("override reason required")

	// ErrSessionClosed is returned when closing a session twice.
	ErrSessionClosed = errors.New("triage session already closed")

	// ErrSuggestionRecorded is returned when a session already holds an AI suggestion.
	ErrSuggestionRecorded = errors.New("ai suggestion already recorded on session")
)
