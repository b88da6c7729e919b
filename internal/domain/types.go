// Package domain contains the core entities shared by the console, the backend
// client and the reference backend: feature definitions describing the dynamic
// patient form, patient and prediction records, and clinician feedback.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// InputType is the closed set of control kinds a feature definition can declare.
type InputType string

const (
	InputTypeUnknown             InputType = ""
	InputTypeNumeric             InputType = "numeric"
	InputTypeCategoricalSingle   InputType = "categorical_single"
	InputTypeCategoricalMultiple InputType = "categorical_multiple"
	InputTypeText                InputType = "text"
	InputTypeBoolean             InputType = "boolean"
)

// inputTypeAliases maps the spellings seen in feature_definitions.json onto InputType.
var inputTypeAliases = map[string]InputType{
	"numeric":              InputTypeNumeric,
	"number":               InputTypeNumeric,
	"integer":              InputTypeNumeric,
	"float":                InputTypeNumeric,
	"select":               InputTypeCategoricalSingle,
	"categorical":          InputTypeCategoricalSingle,
	"categorical_single":   InputTypeCategoricalSingle,
	"single":               InputTypeCategoricalSingle,
	"radio":                InputTypeCategoricalSingle,
	"multiselect":          InputTypeCategoricalMultiple,
	"multi":                InputTypeCategoricalMultiple,
	"categorical_multiple": InputTypeCategoricalMultiple,
	"checkbox":             InputTypeCategoricalMultiple,
	"text":                 InputTypeText,
	"string":               InputTypeText,
	"textarea":             InputTypeText,
	"boolean":              InputTypeBoolean,
	"bool":                 InputTypeBoolean,
	"yes_no":               InputTypeBoolean,
}

// ParseInputType maps a declared type string onto InputType.
func ParseInputType(s string) InputType {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	return inputTypeAliases[key]
}

// Valid reports whether t is one of the renderable kinds.
func (t InputType) Valid() bool {
	switch t {
	case InputTypeNumeric, InputTypeCategoricalSingle, InputTypeCategoricalMultiple,
		InputTypeText, InputTypeBoolean:
		return true
	}
	return false
}

// FeatureOption is one selectable value of a categorical feature.
type FeatureOption struct {
	Value   string            `json:"value"`
	Labels  map[string]string `json:"labels,omitempty"`
	Role    string            `json:"role,omitempty"`
	IsOther bool              `json:"is_other,omitempty"`
}

// Label returns the option text for locale, falling back to de, en and the raw value.
func (o FeatureOption) Label(locale string) string {
	for _, l := range []string{locale, "de", "en"} {
		if text, ok := o.Labels[l]; ok && text != "" {
			return text
		}
	}
	return o.Value
}

// FeatureDefinition describes one clinical input field as served by the
// feature-definition endpoint.
type FeatureDefinition struct {
	Raw         string          `json:"raw"`
	Normalized  string          `json:"normalized,omitempty"`
	Description string          `json:"description,omitempty"`
	Section     string          `json:"section,omitempty"`
	InputType   string          `json:"input_type,omitempty"`
	Type        string          `json:"type,omitempty"` // legacy type hint
	Options     []FeatureOption `json:"options,omitempty"`
	Multiple    bool            `json:"multiple,omitempty"`
	OtherField  string          `json:"other_field,omitempty"`
	UIOnly      bool            `json:"ui_only,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Unit        string          `json:"unit,omitempty"`
}

// ResolveInputType derives the control kind of a definition. The explicit
// input_type wins, then the legacy type, then the shape of the definition.
func ResolveInputType(def FeatureDefinition) InputType {
	t := ParseInputType(def.InputType)
	if t == InputTypeUnknown {
		t = ParseInputType(def.Type)
	}
	if t == InputTypeUnknown && len(def.Options) > 0 {
		t = InputTypeCategoricalSingle
	}
	if t == InputTypeCategoricalSingle && def.Multiple {
		t = InputTypeCategoricalMultiple
	}
	return t
}

// OtherOption returns the option flagged as "other", if any.
func (d FeatureDefinition) OtherOption() (FeatureOption, bool) {
	for _, opt := range d.Options {
		if opt.IsOther {
			return opt, true
		}
	}
	return FeatureOption{}, false
}

// Payload is the value map sent to the prediction endpoint, keyed by normalized name.
type Payload map[string]any

// Keys returns the payload keys in no particular order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}

// SearchResult is one hit of the patient search endpoint.
type SearchResult struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PatientRecord is a stored patient with its raw input features.
type PatientRecord struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"display_name,omitempty"`
	InputFeatures map[string]any `json:"input_features,omitempty"`
	CreatedAt     time.Time      `json:"created_at,omitempty"`
}

// PatientInput is the body of create and update patient requests.
type PatientInput struct {
	DisplayName   string         `json:"display_name,omitempty"`
	InputFeatures map[string]any `json:"input_features"`
}

// PredictionRecord is the answer of the predict endpoint.
type PredictionRecord struct {
	Prediction   float64            `json:"prediction"`
	Explanation  map[string]float64 `json:"explanation"`
	Persisted    *bool              `json:"persisted,omitempty"`
	PredictionID string             `json:"prediction_id,omitempty"`
	PersistError string             `json:"persist_error,omitempty"`
}

// FeatureContribution is one entry of an explanation's top feature list.
type FeatureContribution struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
	Value      any     `json:"value,omitempty"`
}

// ExplanationResult is the answer of the SHAP explainer endpoint.
type ExplanationResult struct {
	Prediction        float64               `json:"prediction"`
	FeatureImportance map[string]float64    `json:"feature_importance"`
	ShapValues        []float64             `json:"shap_values"`
	BaseValue         float64               `json:"base_value"`
	TopFeatures       []FeatureContribution `json:"top_features"`
}

// FeedbackSubmission is the clinician's verdict on one prediction.
// It is built once per confirmation and never mutated afterwards.
type FeedbackSubmission struct {
	Prediction    float64            `json:"prediction"`
	Accepted      bool               `json:"accepted"`
	Comment       string             `json:"comment,omitempty"`
	InputFeatures map[string]any     `json:"input_features"`
	Explanation   map[string]float64 `json:"explanation,omitempty"`
}

// FeedbackRecord is a stored feedback entry as returned by the backend.
type FeedbackRecord struct {
	ID            string             `json:"id"`
	InputFeatures map[string]any     `json:"input_features"`
	Prediction    float64            `json:"prediction"`
	Explanation   map[string]float64 `json:"explanation,omitempty"`
	Accepted      bool               `json:"accepted"`
	Comment       string             `json:"comment,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// DefinitionsResponse is the body of the feature definitions endpoint.
// Features is kept raw so a missing or non-array field degrades to empty.
type DefinitionsResponse struct {
	Features     json.RawMessage `json:"features"`
	SectionOrder []string        `json:"section_order,omitempty"`
}

// Definitions decodes the features field, returning nil when it is absent or not an array.
func (r DefinitionsResponse) Definitions() []FeatureDefinition {
	if len(r.Features) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(r.Features, &items); err != nil {
		return nil
	}
	defs := make([]FeatureDefinition, 0, len(items))
	for _, item := range items {
		var def FeatureDefinition
		if err := json.Unmarshal(item, &def); err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// LocaleResponse is the body of the feature locales endpoint.
type LocaleResponse struct {
	Language string            `json:"language,omitempty"`
	Labels   map[string]string `json:"labels"`
	Sections map[string]string `json:"sections"`
}

// ThresholdResponse carries the decision threshold used to present predictions.
type ThresholdResponse struct {
	Threshold float64 `json:"threshold"`
}

// PatientValidation reports whether a stored patient carries the inputs the
// model cannot do without.
type PatientValidation struct {
	OK              bool     `json:"ok"`
	MissingFeatures []string `json:"missing_features"`
	FeaturesCount   int      `json:"features_count"`
}

// ModelCardFeature is one model input listed on the model card.
type ModelCardFeature struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModelCard documents the outcome model for clinicians.
type ModelCard struct {
	Name            string             `json:"name"`
	Version         string             `json:"version"`
	ModelType       string             `json:"model_type"`
	LastUpdated     string             `json:"last_updated"`
	IntendedUse     []string           `json:"intended_use"`
	NotIntendedFor  []string           `json:"not_intended_for"`
	Limitations     []string           `json:"limitations"`
	Recommendations []string           `json:"recommendations"`
	Features        []ModelCardFeature `json:"features"`
}

// ModelInfo is the backend's view of the loaded model.
type ModelInfo struct {
	Loaded       bool     `json:"loaded"`
	ModelType    string   `json:"model_type"`
	FeatureNames []string `json:"feature_names_in_,omitempty"`
	FeatureCount int      `json:"n_features_in_,omitempty"`
}
