// Package claude implements triage.Provider on the Anthropic Messages API.
// The model returns a JSON verdict that is validated before it is trusted.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/acuity/internal/triage"
	"github.com/linnemanlabs/acuity/internal/triage/confidence"
	"github.com/linnemanlabs/acuity/internal/triage/vitals"
)

// Key identifies this provider in configuration and the audit trail.
const Key = "claude"

const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 512
)

const systemPrompt = `You assist emergency department triage nurses. Assign an acuity level from 1 (most urgent) to 5 (least urgent) to the encounter described by the user.
1: resuscitation, immediate life threat. 2: emergent, high risk. 3: urgent, stable but needs several resources. 4: less urgent. 5: non-urgent.
Complaints may be in Vietnamese or English.
Respond with a single JSON object and nothing else:
{"acuity": <1-5>, "confidence": <0.0-1.0>, "explanation": "<one sentence>", "matched_phrase": "<the complaint words that drove the decision>"}`

// Options configures the provider.
type Options struct {
	APIKey     string
	Model      string
	MaxTokens  int64
	BaseURL    string
	HTTPClient *http.Client
}

// Provider asks Claude for an acuity suggestion.
type Provider struct {
	messages  *anthropic.MessageService
	model     string
	maxTokens int64
}

// New creates a Claude provider. Retries are left to the caller's timeout and
// fallback policy, so the SDK's own retries are disabled.
func New(opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	client := anthropic.NewClient(reqOpts...)
	return &Provider{
		messages:  &client.Messages,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
	}
}

// Key returns "claude".
func (p *Provider) Key() string { return Key }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Suggest sends the encounter to Claude and validates the verdict.
func (p *Provider) Suggest(ctx context.Context, in *triage.Input) (*triage.Suggestion, error) {
	start := time.Now()

	prompt, err := buildPrompt(in)
	if err != nil {
		return nil, err
	}

	msg, err := p.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("claude api error %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("claude request: %w", err)
	}

	s, err := parseVerdict(responseText(msg))
	if err != nil {
		return nil, err
	}

	s.Risks = vitals.Assess(vitalsOf(in)).Strings()
	s.ProviderKey = Key
	s.ModelVersion = p.model
	s.LatencyMs = time.Since(start).Milliseconds()
	s.InputDigest = in.Digest()
	s.Outcome = triage.OutcomeOK
	return s, nil
}

// encounter is what the model sees. Identifiers never leave the service.
type encounter struct {
	ChiefComplaint string             `json:"chief_complaint"`
	AgeYears       *int               `json:"age_years,omitempty"`
	Vitals         map[string]float64 `json:"vitals,omitempty"`
	ComplaintTags  []string           `json:"complaint_tags,omitempty"`
}

func buildPrompt(in *triage.Input) (string, error) {
	e := encounter{ChiefComplaint: in.Normalized()}
	if in != nil {
		e.AgeYears = in.AgeYears
		e.Vitals = in.Vitals
		e.ComplaintTags = in.ComplaintTags
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal encounter: %w", err)
	}
	return "Encounter:\n" + string(b), nil
}

func responseText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// parseVerdict extracts the JSON object from the model text, tolerating a
// markdown fence or surrounding prose.
func parseVerdict(text string) (*triage.Suggestion, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in model response", triage.ErrInvalidSuggestion)
	}
	raw := text[start : end+1]
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("%w: malformed JSON in model response", triage.ErrInvalidSuggestion)
	}

	res := gjson.Parse(raw)
	acuity := res.Get("acuity")
	if !acuity.Exists() {
		return nil, fmt.Errorf("%w: missing acuity", triage.ErrInvalidSuggestion)
	}
	level, err := triage.ParseLevel(acuity.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", triage.ErrInvalidSuggestion, err)
	}

	conf := res.Get("confidence")
	if conf.Type != gjson.Number {
		return nil, fmt.Errorf("%w: missing confidence", triage.ErrInvalidSuggestion)
	}
	c := conf.Float()
	if c < 0 || c > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", triage.ErrInvalidSuggestion, c)
	}

	explanation := strings.TrimSpace(res.Get("explanation").String())
	if explanation == "" {
		explanation = "No explanation given"
	}

	return &triage.Suggestion{
		Acuity:        level,
		Confidence:    confidence.Round(c),
		Explanation:   "Acuity " + string(level) + ": " + explanation,
		MatchedPhrase: strings.TrimSpace(res.Get("matched_phrase").String()),
	}, nil
}

func vitalsOf(in *triage.Input) map[string]float64 {
	if in == nil {
		return nil
	}
	return in.Vitals
}
