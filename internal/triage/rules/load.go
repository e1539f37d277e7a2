package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/acuity/internal/triage"
)

//go:embed default.yaml
var defaultYAML []byte

// ErrInvalidTable wraps every validation problem found while loading a table.
var ErrInvalidTable = errors.New("invalid rule table")

type fileRule struct {
	ID      string `yaml:"id"`
	Level   int    `yaml:"level"`
	Pattern string `yaml:"pattern"`
}

type fileTable struct {
	Version  string     `yaml:"version"`
	Critical []fileRule `yaml:"critical"`
	Moderate []fileRule `yaml:"moderate"`
	Routine  []fileRule `yaml:"routine"`
}

func (f *fileTable) tier(t Tier) []fileRule {
	switch t {
	case Critical:
		return f.Critical
	case Moderate:
		return f.Moderate
	default:
		return f.Routine
	}
}

// allowed levels per tier, inclusive
var levelBounds = map[Tier][2]int{
	Critical: {1, 2},
	Moderate: {3, 3},
	Routine:  {4, 5},
}

var loadDefault = sync.OnceValues(func() (*Table, error) {
	return Parse(defaultYAML)
})

// Default returns the embedded rule table.
func Default() *Table {
	t, err := loadDefault()
	if err != nil {
		panic(fmt.Errorf("embedded rule table: %w", err))
	}
	return t
}

// Load reads a table from path, or returns the default table when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read rule table: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes and validates a YAML rule table.
func Parse(data []byte) (*Table, error) {
	var f fileTable
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidTable, err)
	}

	var errs []error
	if strings.TrimSpace(f.Version) == "" {
		errs = append(errs, errors.New("version is required"))
	}

	t := &Table{Version: strings.TrimSpace(f.Version), tiers: make(map[Tier][]Rule, len(Tiers))}
	seen := make(map[string]struct{})
	for _, tier := range Tiers {
		list := f.tier(tier)
		if len(list) == 0 {
			errs = append(errs, fmt.Errorf("tier %s has no rules", tier))
		}
		for i, fr := range list {
			r, err := compile(tier, fr)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", tier, i, err))
				continue
			}
			if _, dup := seen[r.ID]; dup {
				errs = append(errs, fmt.Errorf("%s[%d]: duplicate id %q", tier, i, r.ID))
				continue
			}
			seen[r.ID] = struct{}{}
			t.tiers[tier] = append(t.tiers[tier], r)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, errors.Join(errs...))
	}
	return t, nil
}

func compile(tier Tier, fr fileRule) (Rule, error) {
	id := strings.TrimSpace(fr.ID)
	if id == "" {
		return Rule{}, errors.New("id is required")
	}

	b := levelBounds[tier]
	if fr.Level < b[0] || fr.Level > b[1] {
		return Rule{}, fmt.Errorf("rule %q: level %d outside %s range %d..%d", id, fr.Level, tier, b[0], b[1])
	}

	pattern := norm.NFC.String(strings.TrimSpace(fr.Pattern))
	if pattern == "" {
		return Rule{}, fmt.Errorf("rule %q: pattern is required", id)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", id, err)
	}
	if re.MatchString("") {
		return Rule{}, fmt.Errorf("rule %q: pattern matches empty text", id)
	}

	return Rule{
		ID:      id,
		Tier:    tier,
		Level:   triage.Level(strconv.Itoa(fr.Level)),
		Pattern: pattern,
		re:      re,
		phrase:  re.SubexpIndex("phrase"),
	}, nil
}
