// Package memstore provides an in-memory implementation of audit.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/triage"
)

// Store holds audit records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*audit.Record // audit ID -> record
	order   []string                 // insertion order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*audit.Record),
	}
}

// Insert stores a copy of the record. IDs are append-only.
func (s *Store) Insert(_ context.Context, r *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("memstore: duplicate audit id %q", r.ID)
	}
	s.records[r.ID] = clone(r)
	s.order = append(s.order, r.ID)
	return nil
}

// Finalize sets the actual acuity if the record is still open.
func (s *Store) Finalize(_ context.Context, id string, actual triage.Level, at time.Time) (*audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, audit.ErrNotFound
	}
	if r.Finalized() {
		return nil, audit.ErrAlreadyFinalized
	}
	matched := r.SuggestedAcuity != "" && r.SuggestedAcuity == actual
	r.ActualAcuity = actual
	r.Matched = &matched
	finalizedAt := at
	r.FinalizedAt = &finalizedAt
	return clone(r), nil
}

// Get retrieves a record by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*audit.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return clone(r), true, nil
}

// ListBySession returns copies of a session's records, oldest first.
func (s *Store) ListBySession(_ context.Context, sessionID string) ([]*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.Record
	for _, id := range s.order {
		if r := s.records[id]; r.SessionID == sessionID {
			out = append(out, clone(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CalledAt.Before(out[j].CalledAt) })
	return out, nil
}

// ListByBranch returns copies of a branch's records, newest first.
func (s *Store) ListByBranch(_ context.Context, branchID string, page audit.Page) ([]*audit.Record, error) {
	page = page.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*audit.Record
	for i := len(s.order) - 1; i >= 0; i-- {
		if r := s.records[s.order[i]]; r.BranchID == branchID {
			all = append(all, r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CalledAt.After(all[j].CalledAt) })

	if page.Offset >= len(all) {
		return nil, nil
	}
	end := min(page.Offset+page.Limit, len(all))
	out := make([]*audit.Record, 0, end-page.Offset)
	for _, r := range all[page.Offset:end] {
		out = append(out, clone(r))
	}
	return out, nil
}

// Counts aggregates records in scope and window.
func (s *Store) Counts(_ context.Context, scope audit.Scope, window audit.Window) (audit.Counts, error) {
	var c audit.Counts
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if !inScope(r, scope) || !window.Contains(r.CalledAt) {
			continue
		}
		if r.Outcome == audit.OutcomeFailed {
			c.Failed++
		}
		if r.SuggestedAcuity == "" {
			continue
		}
		c.Total++
		if r.Finalized() {
			c.Finalized++
		}
		if r.Matched != nil && *r.Matched {
			c.Matched++
		}
	}
	return c, nil
}

func inScope(r *audit.Record, scope audit.Scope) bool {
	switch scope.Kind {
	case audit.ScopeTenant:
		return r.TenantID == scope.ID
	case audit.ScopeBranch:
		return r.BranchID == scope.ID
	}
	return false
}

func clone(r *audit.Record) *audit.Record {
	cp := *r
	if r.Confidence != nil {
		v := *r.Confidence
		cp.Confidence = &v
	}
	if r.Matched != nil {
		v := *r.Matched
		cp.Matched = &v
	}
	if r.FinalizedAt != nil {
		v := *r.FinalizedAt
		cp.FinalizedAt = &v
	}
	return &cp
}
