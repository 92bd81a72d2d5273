// Package diagnosis turns raw classifier output into the labels, confidence
// and risk tier shown to patients and doctors.
package diagnosis

import (
	"fmt"
	"math"
	"strings"
)

// Simplified categories.
const (
	Malignant     = "Maligno"
	Benign        = "Benigno"
	Indeterminate = "Indeterminado"
)

// Rule maps any raw label containing one of Patterns (case-sensitive) to a
// friendly and a simplified name.
type Rule struct {
	Patterns   []string
	Friendly   string
	Simplified string
}

// Matches reports whether raw contains any of the rule's patterns.
func (r Rule) Matches(raw string) bool {
	for _, p := range r.Patterns {
		if strings.Contains(raw, p) {
			return true
		}
	}
	return false
}

// DefaultRules is evaluated in order; the first match wins.
var DefaultRules = []Rule{
	{Patterns: []string{"Maligno"}, Friendly: "Maligno (sospecha de melanoma)", Simplified: Malignant},
	{Patterns: []string{"Benigno"}, Friendly: "Benigno (no peligroso)", Simplified: Benign},
	{Patterns: []string{"Indeterminado", "Desconocido"}, Friendly: "Indeterminado (evaluación médica recomendada)", Simplified: Indeterminate},
}

// Tier is the qualitative risk band derived from model confidence.
type Tier string

const (
	TierLow          Tier = "low"
	TierIntermediate Tier = "intermediate"
	TierHigh         Tier = "high"
)

// Tier thresholds on the confidence percentage.
const (
	LowRiskThreshold          = 80.0
	IntermediateRiskThreshold = 50.0
)

var tierDisplay = map[Tier]string{
	TierLow:          "🟢 Bajo riesgo",
	TierIntermediate: "🟡 Riesgo intermedio",
	TierHigh:         "🔴 Alto riesgo",
}

// Display returns the user-facing text for the tier.
func (t Tier) Display() string {
	return tierDisplay[t]
}

// Result is the formatted outcome of one classification.
type Result struct {
	RawLabel          string
	FriendlyLabel     string
	SimplifiedLabel   string
	PredictedIndex    int
	Probabilities     []float32
	ConfidencePercent float64
	Tier              Tier
	RiskDisplay       string
	ConfidenceRange   string
}

// Formatter applies an ordered rule table.
type Formatter struct {
	rules []Rule
}

// NewFormatter copies rules; a nil slice means no mapping at all.
func NewFormatter(rules []Rule) *Formatter {
	return &Formatter{rules: append([]Rule(nil), rules...)}
}

// Label maps a raw label to its friendly and simplified names. Unmatched
// labels are returned unchanged for both.
func (f *Formatter) Label(raw string) (friendly, simplified string) {
	for _, r := range f.rules {
		if r.Matches(raw) {
			return r.Friendly, r.Simplified
		}
	}
	return raw, raw
}

// Format derives every display field for the class at predictedIndex.
func (f *Formatter) Format(rawLabel string, probabilities []float32, predictedIndex int) Result {
	friendly, simplified := f.Label(rawLabel)

	var confidence float64
	if predictedIndex >= 0 && predictedIndex < len(probabilities) {
		confidence = ConfidencePercent(probabilities[predictedIndex])
	}
	tier := TierFor(confidence)

	return Result{
		RawLabel:          rawLabel,
		FriendlyLabel:     friendly,
		SimplifiedLabel:   simplified,
		PredictedIndex:    predictedIndex,
		Probabilities:     probabilities,
		ConfidencePercent: confidence,
		Tier:              tier,
		RiskDisplay:       tier.Display(),
		ConfidenceRange:   ConfidenceRange(confidence),
	}
}

// Argmax returns the index of the largest value, preferring the first on
// ties, or -1 for an empty slice.
func Argmax(values []float32) int {
	best := -1
	for i, v := range values {
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}

// ConfidencePercent converts a probability to a percentage rounded to two
// decimals.
func ConfidencePercent(p float32) float64 {
	return Round2(float64(p) * 100)
}

// Round2 rounds v to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TierFor buckets a confidence percentage.
func TierFor(confidence float64) Tier {
	switch {
	case confidence >= LowRiskThreshold:
		return TierLow
	case confidence >= IntermediateRiskThreshold:
		return TierIntermediate
	default:
		return TierHigh
	}
}

// NearestFive rounds to the nearest multiple of five, halves rounding up.
func NearestFive(confidence float64) int {
	return int(math.Floor(confidence/5+0.5)) * 5
}

// ConfidenceRange formats the approximate confidence band, e.g. "≈ 85%".
func ConfidenceRange(confidence float64) string {
	return fmt.Sprintf("≈ %d%%", NearestFive(confidence))
}
