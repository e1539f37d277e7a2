package claude

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/acuity/internal/triage"
)

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		wantLevel triage.Level
		wantConf  float64
		wantErr   bool
	}{
		{"plain", `{"acuity": 2, "confidence": 0.87, "explanation": "chest pain", "matched_phrase": "đau ngực"}`, triage.Level2, 0.87, false},
		{"fenced", "```json\n{\"acuity\": 3, \"confidence\": 0.7, \"explanation\": \"fever\"}\n```", triage.Level3, 0.7, false},
		{"prose around", `Here is my answer: {"acuity": "5", "confidence": 0.456} thanks`, triage.Level5, 0.46, false},
		{"float acuity", `{"acuity": 1.0, "confidence": 1}`, triage.Level1, 1, false},
		{"no json", "I think acuity 2", "", 0, true},
		{"malformed", `{"acuity": 2, "confidence": }`, "", 0, true},
		{"missing acuity", `{"confidence": 0.5}`, "", 0, true},
		{"acuity out of range", `{"acuity": 7, "confidence": 0.5}`, "", 0, true},
		{"missing confidence", `{"acuity": 2}`, "", 0, true},
		{"confidence as string", `{"acuity": 2, "confidence": "high"}`, "", 0, true},
		{"confidence above one", `{"acuity": 2, "confidence": 1.5}`, "", 0, true},
		{"negative confidence", `{"acuity": 2, "confidence": -0.1}`, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := parseVerdict(tt.text)
			if tt.wantErr {
				if !errors.Is(err, triage.ErrInvalidSuggestion) {
					t.Fatalf("err = %v, want ErrInvalidSuggestion", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdict: %v", err)
			}
			if s.Acuity != tt.wantLevel {
				t.Errorf("Acuity = %q, want %q", s.Acuity, tt.wantLevel)
			}
			if s.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", s.Confidence, tt.wantConf)
			}
			if !strings.HasPrefix(s.Explanation, "Acuity "+string(tt.wantLevel)+": ") {
				t.Errorf("Explanation = %q", s.Explanation)
			}
		})
	}
}

func TestResponseText(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: `{"acuity": `},
			{Type: "thinking", Text: "ignored"},
			{Type: "text", Text: `3}`},
		},
	}
	if got := responseText(msg); got != `{"acuity": 3}` {
		t.Errorf("responseText = %q", got)
	}
	if got := responseText(nil); got != "" {
		t.Errorf("responseText(nil) = %q, want empty", got)
	}
}

// fakeAPI serves canned Messages API responses and keeps the last request body.
type fakeAPI struct {
	mu     sync.Mutex
	body   string
	status int
	reply  string
	delay  time.Duration
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.body = string(b)
	status, reply, delay := f.status, f.reply, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply)
}

func (f *fakeAPI) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.body
}

func messageReply(text string) string {
	return `{"id":"msg_01","type":"message","role":"assistant","model":"claude-test",` +
		`"content":[{"type":"text","text":` + quote(text) + `}],` +
		`"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":20}}`
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func newTestProvider(t *testing.T, f *fakeAPI) *Provider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Options{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL + "/"})
}

func TestProvider_Suggest(t *testing.T) {
	t.Parallel()

	f := &fakeAPI{
		status: http.StatusOK,
		reply:  messageReply(`{"acuity": 2, "confidence": 0.9, "explanation": "Chest pain with low oxygen", "matched_phrase": "đau ngực"}`),
	}
	p := newTestProvider(t, f)

	in := &triage.Input{ChiefComplaint: "Đau ngực dữ dội", Vitals: map[string]float64{"SPO2": 88}}
	s, err := p.Suggest(context.Background(), in)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if s.Acuity != triage.Level2 || s.Confidence != 0.9 {
		t.Errorf("suggestion = %+v", s)
	}
	if s.ProviderKey != Key {
		t.Errorf("ProviderKey = %q, want %q", s.ProviderKey, Key)
	}
	if s.ModelVersion != "claude-test" || s.RuleID != "" {
		t.Errorf("ModelVersion = %q, RuleID = %q, want claude-test and empty", s.ModelVersion, s.RuleID)
	}
	if s.InputDigest != in.Digest() {
		t.Error("InputDigest not set")
	}
	if len(s.Risks) != 1 || s.Risks[0] != "SpO2 88% (low)" {
		t.Errorf("Risks = %v", s.Risks)
	}

	body := f.lastBody()
	if got := gjson.Get(body, "model").String(); got != "claude-test" {
		t.Errorf("request model = %q", got)
	}
	if got := gjson.Get(body, "messages.0.content.0.text").String(); !strings.Contains(got, "đau ngực dữ dội") {
		t.Errorf("prompt does not carry the normalized complaint: %q", got)
	}
	if !gjson.Get(body, "system").Exists() {
		t.Error("system prompt missing")
	}
}

func TestProvider_SuggestAPIError(t *testing.T) {
	t.Parallel()

	f := &fakeAPI{
		status: http.StatusInternalServerError,
		reply:  `{"type":"error","error":{"type":"api_error","message":"overloaded"}}`,
	}
	p := newTestProvider(t, f)

	_, err := p.Suggest(context.Background(), &triage.Input{ChiefComplaint: "sốt"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status code in message", err)
	}
}

func TestProvider_SuggestInvalidVerdict(t *testing.T) {
	t.Parallel()

	f := &fakeAPI{status: http.StatusOK, reply: messageReply("I cannot help with that.")}
	p := newTestProvider(t, f)

	_, err := p.Suggest(context.Background(), &triage.Input{ChiefComplaint: "ho"})
	if !errors.Is(err, triage.ErrInvalidSuggestion) {
		t.Fatalf("err = %v, want ErrInvalidSuggestion", err)
	}
}

func TestProvider_SuggestHonoursContext(t *testing.T) {
	t.Parallel()

	f := &fakeAPI{status: http.StatusOK, reply: messageReply(`{"acuity": 4, "confidence": 0.6}`), delay: 5 * time.Second}
	p := newTestProvider(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Suggest(ctx, &triage.Input{ChiefComplaint: "đau đầu nhẹ"})
	if err == nil {
		t.Fatal("expected error on deadline")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Suggest did not return promptly after the deadline")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	p := New(Options{APIKey: "k"})
	if p.Key() != "claude" {
		t.Errorf("Key = %q", p.Key())
	}
	if p.Model() != DefaultModel {
		t.Errorf("Model = %q, want %q", p.Model(), DefaultModel)
	}
	if p.maxTokens != DefaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", p.maxTokens, DefaultMaxTokens)
	}
}
