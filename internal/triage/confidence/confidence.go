// Package confidence scores how much weight a rule-based suggestion deserves.
// The model is additive and capped so every score can be explained by listing
// the bonuses that fired.
package confidence

import (
	"math"
	"unicode/utf8"

	"github.com/linnemanlabs/acuity/internal/triage"
	"github.com/linnemanlabs/acuity/internal/triage/vitals"
)

// Points are hundredths of confidence.
const (
	BasePoints      = 60
	TextPoints      = 10
	VitalsPoints    = 15
	CriticalPoints  = 10
	FeverPoints     = 5
	HeartRatePoints = 5
	LowSpO2Points   = 10
	MaxPoints       = 100
)

// TextRunes is the complaint length (in runes) that must be exceeded for the
// text bonus.
const TextRunes = 10

// Breakdown lists the bonuses that contributed to a score, in points.
type Breakdown struct {
	Base      int `json:"base"`
	Text      int `json:"text"`
	Vitals    int `json:"vitals"`
	Critical  int `json:"critical"`
	Fever     int `json:"fever"`
	HeartRate int `json:"heart_rate"`
	LowSpO2   int `json:"low_spo2"`
}

// Points returns the capped total.
func (b Breakdown) Points() int {
	return min(b.Base+b.Text+b.Vitals+b.Critical+b.Fever+b.HeartRate+b.LowSpO2, MaxPoints)
}

// Value returns the score in [0,1] with two decimals.
func (b Breakdown) Value() float64 {
	return float64(b.Points()) / 100
}

// Explain computes the breakdown for normalized text, the supplied vitals and
// the resolved level.
func Explain(normalized string, vs map[string]float64, level triage.Level) Breakdown {
	b := Breakdown{Base: BasePoints}
	if utf8.RuneCountInString(normalized) > TextRunes {
		b.Text = TextPoints
	}
	if len(vs) > 0 {
		b.Vitals = VitalsPoints
	}
	if level.IsCritical() {
		b.Critical = CriticalPoints
	}

	flags := vitals.Assess(vs).Flags
	if flags.HighFever {
		b.Fever = FeverPoints
	}
	if flags.HeartRateAbnormal {
		b.HeartRate = HeartRatePoints
	}
	if flags.LowSpO2 {
		b.LowSpO2 = LowSpO2Points
	}
	return b
}

// Score returns the confidence for normalized text, vitals and level.
func Score(normalized string, vs map[string]float64, level triage.Level) float64 {
	return Explain(normalized, vs, level).Value()
}

// Round clamps v to [0,1] and rounds it to two decimals, half-up. Used for
// confidences that come from outside the rule engine.
func Round(v float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 1
	}
	return math.Floor(v*100+0.5) / 100
}
