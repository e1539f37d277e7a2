// Package vitals flags abnormal vital signs against fixed clinical thresholds.
// Flags feed confidence and explanation only; they never change the acuity level.
package vitals

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Type is a vital-sign key as supplied in an input's vitals map.
type Type string

const (
	SpO2        Type = "SPO2"
	Temperature Type = "TEMPERATURE"
	HeartRate   Type = "HEART_RATE"
	SystolicBP  Type = "BLOOD_PRESSURE_SYSTOLIC"
)

// Thresholds.
const (
	LowSpO2Below        = 92.0
	HighFeverAtOrAbove  = 39.0
	TachycardiaAbove    = 120.0
	BradycardiaBelow    = 50.0
	HypertensionAtLeast = 180.0
)

// Risk is one abnormal reading.
type Risk struct {
	Type  Type    `json:"type"`
	Value float64 `json:"value"`
	Label string  `json:"label"`
}

// String renders the annotation used in explanations, e.g. "SpO2 85% (low)".
func (r Risk) String() string {
	v := strconv.FormatFloat(r.Value, 'f', -1, 64)
	switch r.Type {
	case SpO2:
		return "SpO2 " + v + "% (" + r.Label + ")"
	case Temperature:
		return "Temp " + v + "°C (" + r.Label + ")"
	case HeartRate:
		return "HR " + v + " (" + r.Label + ")"
	case SystolicBP:
		return "BP " + v + " (" + r.Label + ")"
	default:
		return string(r.Type) + " " + v + " (" + r.Label + ")"
	}
}

// Flags summarizes which thresholds tripped.
type Flags struct {
	LowSpO2           bool
	HighFever         bool
	HeartRateAbnormal bool
	Hypertension      bool
}

// Assessment is the result of Assess. Risks are ordered SpO2, temperature,
// heart rate, blood pressure.
type Assessment struct {
	Risks []Risk
	Flags Flags
}

// Strings returns the risk annotations in order.
func (a Assessment) Strings() []string {
	if len(a.Risks) == 0 {
		return nil
	}
	out := make([]string, len(a.Risks))
	for i, r := range a.Risks {
		out[i] = r.String()
	}
	return out
}

// Assess evaluates the supplied vitals. Absent, unknown or non-finite entries
// produce nothing.
func Assess(vs map[string]float64) Assessment {
	var a Assessment
	if len(vs) == 0 {
		return a
	}

	if v, ok := lookup(vs, SpO2); ok && v < LowSpO2Below {
		a.Flags.LowSpO2 = true
		a.Risks = append(a.Risks, Risk{Type: SpO2, Value: v, Label: "low"})
	}
	if v, ok := lookup(vs, Temperature); ok && v >= HighFeverAtOrAbove {
		a.Flags.HighFever = true
		a.Risks = append(a.Risks, Risk{Type: Temperature, Value: v, Label: "high"})
	}
	if v, ok := lookup(vs, HeartRate); ok {
		switch {
		case v > TachycardiaAbove:
			a.Flags.HeartRateAbnormal = true
			a.Risks = append(a.Risks, Risk{Type: HeartRate, Value: v, Label: "tachycardia"})
		case v < BradycardiaBelow:
			a.Flags.HeartRateAbnormal = true
			a.Risks = append(a.Risks, Risk{Type: HeartRate, Value: v, Label: "bradycardia"})
		}
	}
	if v, ok := lookup(vs, SystolicBP); ok && v >= HypertensionAtLeast {
		a.Flags.Hypertension = true
		a.Risks = append(a.Risks, Risk{Type: SystolicBP, Value: v, Label: "hypertension"})
	}
	return a
}

// lookup prefers the exact key; otherwise the lexically first key that matches
// case-insensitively after trimming, so the choice is stable.
func lookup(vs map[string]float64, t Type) (float64, bool) {
	if v, ok := vs[string(t)]; ok {
		return v, finite(v)
	}
	var keys []string
	for k := range vs {
		if strings.EqualFold(strings.TrimSpace(k), string(t)) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, false
	}
	sort.Strings(keys)
	v := vs[keys[0]]
	return v, finite(v)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
