package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/triage"
)

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func rec(id, session, branch string, suggested triage.Level, at time.Time) *audit.Record {
	return &audit.Record{
		ID:              id,
		SessionID:       session,
		TenantID:        "tenant-1",
		BranchID:        branch,
		PatientID:       "patient-1",
		ProviderKey:     "rule-based",
		Outcome:         audit.OutcomeOK,
		SuggestedAcuity: suggested,
		CalledAt:        at,
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Insert(ctx, rec("a-1", "s-1", "b-1", triage.Level2, t0)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok, err := s.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.SuggestedAcuity != triage.Level2 {
		t.Errorf("SuggestedAcuity = %q, want 2", got.SuggestedAcuity)
	}

	// returned value is a copy
	got.SuggestedAcuity = triage.Level5
	again, _, _ := s.Get(ctx, "a-1")
	if again.SuggestedAcuity != triage.Level2 {
		t.Error("mutating Get result changed stored record")
	}
}

func TestStore_InsertDuplicate(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Insert(ctx, rec("a-1", "s-1", "b-1", triage.Level2, t0))
	if err := s.Insert(ctx, rec("a-1", "s-1", "b-1", triage.Level3, t0)); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	_, ok, err := New().Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_FinalizeOnce(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Insert(ctx, rec("a-1", "s-1", "b-1", triage.Level2, t0))

	got, err := s.Finalize(ctx, "a-1", triage.Level2, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Matched == nil || !*got.Matched {
		t.Errorf("Matched = %v, want true", got.Matched)
	}
	if got.FinalizedAt == nil || !got.FinalizedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("FinalizedAt = %v", got.FinalizedAt)
	}

	_, err = s.Finalize(ctx, "a-1", triage.Level4, t0.Add(2*time.Hour))
	if !errors.Is(err, audit.ErrAlreadyFinalized) {
		t.Fatalf("second Finalize err = %v, want ErrAlreadyFinalized", err)
	}
	stored, _, _ := s.Get(ctx, "a-1")
	if stored.ActualAcuity != triage.Level2 {
		t.Errorf("ActualAcuity = %q, want first value 2", stored.ActualAcuity)
	}
}

func TestStore_FinalizeMismatchAndFailed(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Insert(ctx, rec("a-1", "s-1", "b-1", triage.Level4, t0))
	failed := rec("a-2", "s-1", "b-1", "", t0)
	failed.Outcome = audit.OutcomeFailed
	_ = s.Insert(ctx, failed)

	got, err := s.Finalize(ctx, "a-1", triage.Level3, t0)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Matched == nil || *got.Matched {
		t.Errorf("Matched = %v, want false", got.Matched)
	}

	got, err = s.Finalize(ctx, "a-2", triage.Level3, t0)
	if err != nil {
		t.Fatalf("Finalize failed row: %v", err)
	}
	if got.Matched == nil || *got.Matched {
		t.Errorf("failed row Matched = %v, want false", got.Matched)
	}
}

func TestStore_FinalizeMissing(t *testing.T) {
	t.Parallel()

	_, err := New().Finalize(context.Background(), "nope", triage.Level1, t0)
	if !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("Finalize err = %v, want ErrNotFound", err)
	}
}

func TestStore_ConcurrentFinalize(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Insert(ctx, rec("a-1", "s-1", "b-1", triage.Level2, t0))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Finalize(ctx, "a-1", triage.Level(fmt.Sprint(i%5+1)), t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, audit.ErrAlreadyFinalized):
				conflicts++
			}
		}()
	}
	wg.Wait()

	if successes != 1 || conflicts != 19 {
		t.Errorf("successes = %d, conflicts = %d, want 1 and 19", successes, conflicts)
	}
}

func TestStore_ListBySession(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Insert(ctx, rec("a-2", "s-1", "b-1", triage.Level2, t0.Add(time.Minute)))
	_ = s.Insert(ctx, rec("a-1", "s-1", "b-1", triage.Level3, t0))
	_ = s.Insert(ctx, rec("a-3", "s-2", "b-1", triage.Level4, t0))

	got, err := s.ListBySession(ctx, "s-1")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a-1" || got[1].ID != "a-2" {
		t.Errorf("ListBySession = %v, want [a-1 a-2]", ids(got))
	}
}

func TestStore_ListByBranchPaged(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 5 {
		_ = s.Insert(ctx, rec(fmt.Sprintf("a-%d", i), "s-1", "b-1", triage.Level4, t0.Add(time.Duration(i)*time.Minute)))
	}
	_ = s.Insert(ctx, rec("other", "s-9", "b-2", triage.Level4, t0))

	tests := []struct {
		name string
		page audit.Page
		want []string
	}{
		{"first page", audit.Page{Limit: 2}, []string{"a-4", "a-3"}},
		{"second page", audit.Page{Limit: 2, Offset: 2}, []string{"a-2", "a-1"}},
		{"tail", audit.Page{Limit: 2, Offset: 4}, []string{"a-0"}},
		{"past end", audit.Page{Limit: 2, Offset: 10}, nil},
		{"default limit", audit.Page{}, []string{"a-4", "a-3", "a-2", "a-1", "a-0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.ListByBranch(ctx, "b-1", tt.page)
			if err != nil {
				t.Fatalf("ListByBranch: %v", err)
			}
			if fmt.Sprint(ids(got)) != fmt.Sprint(tt.want) {
				t.Errorf("ListByBranch = %v, want %v", ids(got), tt.want)
			}
		})
	}
}

func TestStore_Counts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	window := audit.Window{From: t0, To: t0.Add(24 * time.Hour)}

	// 10 suggestion rows in window, 7 matched
	for i := range 10 {
		id := fmt.Sprintf("a-%d", i)
		_ = s.Insert(ctx, rec(id, "s-"+id, "b-1", triage.Level3, t0.Add(time.Duration(i)*time.Hour)))
		actual := triage.Level3
		if i >= 7 {
			actual = triage.Level2
		}
		if _, err := s.Finalize(ctx, id, actual, t0); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}
	// outside window, other branch, failed row, pending row
	_ = s.Insert(ctx, rec("late", "s-x", "b-1", triage.Level3, window.To))
	_ = s.Insert(ctx, rec("other", "s-y", "b-2", triage.Level3, t0))
	failed := rec("failed", "s-z", "b-1", "", t0)
	failed.Outcome = audit.OutcomeFailed
	_ = s.Insert(ctx, failed)
	_ = s.Insert(ctx, rec("pending", "s-p", "b-1", triage.Level5, t0))

	got, err := s.Counts(ctx, audit.Scope{Kind: audit.ScopeBranch, ID: "b-1"}, window)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	want := audit.Counts{Total: 11, Matched: 7, Finalized: 10, Failed: 1}
	if got != want {
		t.Errorf("Counts = %+v, want %+v", got, want)
	}

	tenant, _ := s.Counts(ctx, audit.Scope{Kind: audit.ScopeTenant, ID: "tenant-1"}, window)
	if tenant.Total != 12 {
		t.Errorf("tenant Total = %d, want 12", tenant.Total)
	}
}

func ids(rs []*audit.Record) []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
