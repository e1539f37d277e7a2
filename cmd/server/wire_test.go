package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/audit/memstore"
	vc "github.com/linnemanlabs/acuity/internal/cfg"
	"github.com/linnemanlabs/acuity/internal/triage"
)

func baseConfig() vc.Config {
	return vc.Config{
		Provider:        vc.ProviderRuleBased,
		Fallback:        true,
		ProviderTimeout: time.Second,
		RedisStream:     "acuity:audit",
	}
}

func TestNewSuggester_RuleBased(t *testing.T) {
	t.Parallel()

	c := baseConfig()
	g, err := newSuggester(context.Background(), &c, log.Nop(), triage.GuardHooks{})
	if err != nil {
		t.Fatalf("newSuggester: %v", err)
	}
	if g.Key() != "rule-based" {
		t.Errorf("Key() = %q, want rule-based", g.Key())
	}

	s, err := g.Suggest(context.Background(), &triage.Input{ChiefComplaint: "đau ngực dữ dội"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if s.Acuity != triage.Level2 {
		t.Errorf("Acuity = %q, want 2", s.Acuity)
	}
}

func TestNewSuggester_Claude(t *testing.T) {
	t.Parallel()

	c := baseConfig()
	c.Provider = vc.ProviderClaude
	c.ClaudeAPIKey = "sk-test"
	c.ClaudeModel = "claude-sonnet-4-5"

	g, err := newSuggester(context.Background(), &c, log.Nop(), triage.GuardHooks{})
	if err != nil {
		t.Fatalf("newSuggester: %v", err)
	}
	if g.Key() != "claude" {
		t.Errorf("Key() = %q, want claude", g.Key())
	}
}

func TestNewSuggester_ClaudeWithoutKey(t *testing.T) {
	t.Parallel()

	c := baseConfig()
	c.Provider = vc.ProviderClaude

	_, err := newSuggester(context.Background(), &c, log.Nop(), triage.GuardHooks{})
	if !errors.Is(err, triage.ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestNewSuggester_RulesPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	data, err := os.ReadFile(filepath.Join("..", "..", "internal", "triage", "rules", "default.yaml"))
	if err != nil {
		t.Fatalf("read default table: %v", err)
	}
	good := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(good, data, 0o600); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("version: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"copy of default", good, false},
		{"malformed yaml", bad, true},
		{"missing file", filepath.Join(dir, "nope.yaml"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := baseConfig()
			c.RulesPath = tt.path
			_, err := newSuggester(context.Background(), &c, log.Nop(), triage.GuardHooks{})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenAuditStore_Memory(t *testing.T) {
	t.Parallel()

	c := baseConfig()
	s, closeFn, err := openAuditStore(context.Background(), &c, log.Nop())
	if err != nil {
		t.Fatalf("openAuditStore: %v", err)
	}
	defer closeFn()
	if _, ok := s.(*memstore.Store); !ok {
		t.Errorf("store = %T, want *memstore.Store", s)
	}
}

func TestNewPublisher(t *testing.T) {
	t.Parallel()

	c := baseConfig()
	pub, closeFn := newPublisher(context.Background(), &c, log.Nop())
	closeFn()
	if pub != nil {
		t.Errorf("publisher = %T, want nil without redis-addr", pub)
	}

	mr := miniredis.RunT(t)
	c.RedisAddr = mr.Addr()
	pub, closeFn = newPublisher(context.Background(), &c, log.Nop())
	defer closeFn()
	if pub == nil {
		t.Fatal("publisher is nil with redis-addr set")
	}

	rec := &audit.Record{ID: "01J00000000000000000000000", SessionID: "s-1", CalledAt: time.Now()}
	if err := pub.Publish(context.Background(), audit.Event{Type: audit.EventRecorded, Record: rec}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !mr.Exists("acuity:audit") {
		t.Error("stream was not created")
	}
}

func TestNewPublisher_RedisDownIsNotFatal(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := baseConfig()
	c.RedisAddr = addr
	pub, closeFn := newPublisher(context.Background(), &c, log.Nop())
	defer closeFn()
	if pub == nil {
		t.Fatal("publisher should still be returned when redis is down")
	}
}

func TestObserveDBQueries(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := observeDBQueries(reg)

	h.WithLabelValues("GET", "/api/v1/audits/{id}", "ok").Observe(0.01)
	if n := testutil.CollectAndCount(h); n != 1 {
		t.Errorf("series = %d, want 1", n)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	observeDBQueries(reg)
}
