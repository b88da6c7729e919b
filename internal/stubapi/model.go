package stubapi

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ci-outcome-console/internal/domain"
)

// Predictions are clipped to this band so the model never claims certainty.
const (
	minProbability = 0.01
	maxProbability = 0.99
	topFeatureMax  = 5
)

type numericTerm struct {
	center float64
	weight float64
}

// Model is a fixed logistic scoring model over normalized feature keys. Each
// feature contributes additively on the logit scale, so the contributions
// are exact SHAP values against the all-baseline patient.
type Model struct {
	intercept   float64
	order       []string
	numeric     map[string]numericTerm
	categorical map[string]map[string]float64
	boolean     map[string]float64
	multi       map[string]map[string]float64
}

// DefaultModel returns the model served by the reference backend.
func DefaultModel() *Model {
	return &Model{
		intercept: 0.4,
		order: []string{
			"age", "gender", "primary_language", "hearing_loss_onset", "hearing_loss_duration",
			"hearing_loss_cause", "tinnitus", "vertigo", "comorbidities", "implant_type",
		},
		numeric: map[string]numericTerm{
			"age":                   {center: 50, weight: -0.02},
			"hearing_loss_duration": {center: 10, weight: -0.04},
		},
		categorical: map[string]map[string]float64{
			"gender":             {"w": 0.05, "m": -0.05},
			"primary_language":   {"Deutsch": 0.2, "Andere": -0.1},
			"hearing_loss_onset": {"postlingual": 0.6, "perilingual": -0.2, "praelingual": -0.9},
			"hearing_loss_cause": {"Genetisch": 0.1, "Lärm": 0.25, "Meningitis": -0.6, "Syndromal": -0.4, "Posttraumatisch": -0.3},
			"implant_type":       {"Cochlear": 0.05, "Med-El": 0.05, "Advanced Bionics": 0.02},
		},
		boolean: map[string]float64{
			"tinnitus": -0.15,
			"vertigo":  -0.25,
		},
		multi: map[string]map[string]float64{
			"comorbidities": {"Diabetes": -0.1, "Hypertonie": -0.05, "Demenz": -0.7},
		},
	}
}

// Score returns the clipped success probability and the per-feature
// contributions on the logit scale. Features the model does not know are ignored.
func (m *Model) Score(payload domain.Payload) (float64, map[string]float64) {
	contributions := make(map[string]float64, len(m.order))
	logit := m.intercept
	for _, key := range m.order {
		c := m.contribution(key, payload[key])
		contributions[key] = c
		logit += c
	}
	return clip(sigmoid(logit)), contributions
}

// Explain returns the explanation for payload in the explainer endpoint's shape.
func (m *Model) Explain(payload domain.Payload) domain.ExplanationResult {
	prediction, contributions := m.Score(payload)

	shap := make([]float64, len(m.order))
	for i, key := range m.order {
		shap[i] = contributions[key]
	}

	var top []domain.FeatureContribution
	for _, key := range m.order {
		if c := contributions[key]; c != 0 {
			top = append(top, domain.FeatureContribution{Feature: key, Importance: c, Value: payload[key]})
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		return math.Abs(top[i].Importance) > math.Abs(top[j].Importance)
	})
	if len(top) > topFeatureMax {
		top = top[:topFeatureMax]
	}
	if top == nil {
		top = []domain.FeatureContribution{}
	}

	return domain.ExplanationResult{
		Prediction:        prediction,
		FeatureImportance: contributions,
		ShapValues:        shap,
		BaseValue:         sigmoid(m.intercept),
		TopFeatures:       top,
	}
}

// Features returns the model's input keys in explanation order.
func (m *Model) Features() []string {
	return m.order
}

func (m *Model) contribution(key string, value any) float64 {
	if value == nil {
		return 0
	}
	if term, ok := m.numeric[key]; ok {
		if f, ok := toFloat(value); ok {
			return round((f - term.center) * term.weight)
		}
		return 0
	}
	if weights, ok := m.categorical[key]; ok {
		return weights[toString(value)]
	}
	if weight, ok := m.boolean[key]; ok {
		if b, ok := toBool(value); ok && b {
			return weight
		}
		return 0
	}
	if weights, ok := m.multi[key]; ok {
		var sum float64
		for _, v := range toStrings(value) {
			sum += weights[v]
		}
		return round(sum)
	}
	return 0
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clip(p float64) float64 {
	return math.Min(maxProbability, math.Max(minProbability, p))
}

// round trims float noise so equal inputs give byte-identical answers.
func round(x float64) float64 {
	return math.Round(x*1e9) / 1e9
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", "."), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "ja", "yes", "1", "vorhanden":
			return true, true
		case "false", "nein", "no", "0", "kein":
			return false, true
		}
	case float64:
		return t != 0, true
	}
	return false, false
}

func toString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
