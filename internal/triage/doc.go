// Package triage is the business boundary for acuity suggestions. It defines the
// domain model (Level, Input, Suggestion, Session), the Provider contract with its
// Registry, and the Guard that bounds, recovers and degrades provider calls.
package triage
