package form

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ci-outcome-console/internal/domain"
)

// Option is a selectable value of a choice control with its localized label.
type Option struct {
	Value   string `json:"value"`
	Label   string `json:"label"`
	IsOther bool   `json:"is_other,omitempty"`
}

// Control parses raw input for one field. Parse reports ok=false when the
// input means "no value".
type Control interface {
	InputType() domain.InputType
	Parse(raw interface{}) (value interface{}, ok bool, err error)
}

// NumericControl accepts numbers and numeric strings.
type NumericControl struct {
	Unit string
}

// SingleChoiceControl accepts exactly one of its option values.
type SingleChoiceControl struct {
	Options []Option
}

// MultiChoiceControl accepts a set of its option values.
type MultiChoiceControl struct {
	Options []Option
}

// TextControl accepts free text.
type TextControl struct{}

// BooleanControl is tri-state: true, false or unset.
type BooleanControl struct{}

// controlBuilders is the dispatch table from input type to control.
var controlBuilders = map[domain.InputType]func(def domain.FeatureDefinition, locale string) Control{
	domain.InputTypeNumeric: func(def domain.FeatureDefinition, _ string) Control {
		return NumericControl{Unit: def.Unit}
	},
	domain.InputTypeCategoricalSingle: func(def domain.FeatureDefinition, locale string) Control {
		return SingleChoiceControl{Options: localizedOptions(def, locale)}
	},
	domain.InputTypeCategoricalMultiple: func(def domain.FeatureDefinition, locale string) Control {
		return MultiChoiceControl{Options: localizedOptions(def, locale)}
	},
	domain.InputTypeText: func(domain.FeatureDefinition, string) Control {
		return TextControl{}
	},
	domain.InputTypeBoolean: func(domain.FeatureDefinition, string) Control {
		return BooleanControl{}
	},
}

// NewControl builds the control for def, or nil when its input type is unknown.
func NewControl(def domain.FeatureDefinition, locale string) Control {
	build, ok := controlBuilders[domain.ResolveInputType(def)]
	if !ok {
		return nil
	}
	return build(def, locale)
}

func localizedOptions(def domain.FeatureDefinition, locale string) []Option {
	opts := make([]Option, 0, len(def.Options))
	for _, o := range def.Options {
		opts = append(opts, Option{Value: o.Value, Label: o.Label(locale), IsOther: o.IsOther})
	}
	return opts
}

func (NumericControl) InputType() domain.InputType { return domain.InputTypeNumeric }

func (NumericControl) Parse(raw interface{}) (interface{}, bool, error) {
	switch v := raw.(type) {
	case nil:
		return nil, false, nil
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, false, fmt.Errorf("must be a number")
		}
		return finite(f)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, false, nil
		}
		f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil {
			return nil, false, fmt.Errorf("must be a number")
		}
		return finite(f)
	default:
		return nil, false, fmt.Errorf("must be a number")
	}
}

func finite(f float64) (interface{}, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false, fmt.Errorf("must be a finite number")
	}
	return f, true, nil
}

func (SingleChoiceControl) InputType() domain.InputType { return domain.InputTypeCategoricalSingle }

func (c SingleChoiceControl) Parse(raw interface{}) (interface{}, bool, error) {
	s, ok := choiceString(raw)
	if !ok {
		return nil, false, fmt.Errorf("must be a single option")
	}
	if s == "" {
		return nil, false, nil
	}
	if _, found := c.Option(s); !found {
		return nil, false, fmt.Errorf("%q is not a valid option", s)
	}
	return s, true, nil
}

// Option returns the option with value v.
func (c SingleChoiceControl) Option(v string) (Option, bool) {
	return findOption(c.Options, v)
}

func (MultiChoiceControl) InputType() domain.InputType { return domain.InputTypeCategoricalMultiple }

func (c MultiChoiceControl) Parse(raw interface{}) (interface{}, bool, error) {
	var items []interface{}
	switch v := raw.(type) {
	case nil:
		return nil, false, nil
	case []interface{}:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		items = []interface{}{v}
	}

	chosen := make(map[string]bool, len(items))
	for _, item := range items {
		s, ok := choiceString(item)
		if !ok {
			return nil, false, fmt.Errorf("must be a list of options")
		}
		if s == "" {
			continue
		}
		if _, found := findOption(c.Options, s); !found {
			return nil, false, fmt.Errorf("%q is not a valid option", s)
		}
		chosen[s] = true
	}
	if len(chosen) == 0 {
		return nil, false, nil
	}

	// Option order, not selection order.
	values := make([]string, 0, len(chosen))
	for _, o := range c.Options {
		if chosen[o.Value] {
			values = append(values, o.Value)
			delete(chosen, o.Value)
		}
	}
	return values, true, nil
}

func (TextControl) InputType() domain.InputType { return domain.InputTypeText }

func (TextControl) Parse(raw interface{}) (interface{}, bool, error) {
	switch v := raw.(type) {
	case nil:
		return nil, false, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, false, nil
		}
		return v, true, nil
	case float64, int, int64, json.Number:
		return fmt.Sprint(v), true, nil
	default:
		return nil, false, fmt.Errorf("must be text")
	}
}

func (BooleanControl) InputType() domain.InputType { return domain.InputTypeBoolean }

func (BooleanControl) Parse(raw interface{}) (interface{}, bool, error) {
	switch v := raw.(type) {
	case nil:
		return nil, false, nil
	case bool:
		return v, true, nil
	case float64:
		return boolFromNumber(v)
	case int:
		return boolFromNumber(float64(v))
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "":
			return nil, false, nil
		case "true", "ja", "yes", "1":
			return true, true, nil
		case "false", "nein", "no", "0":
			return false, true, nil
		}
	}
	return nil, false, fmt.Errorf("must be yes or no")
}

func boolFromNumber(f float64) (interface{}, bool, error) {
	switch f {
	case 1:
		return true, true, nil
	case 0:
		return false, true, nil
	}
	return nil, false, fmt.Errorf("must be yes or no")
}

func choiceString(raw interface{}) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(v), true
	case float64, int, int64, json.Number, bool:
		return fmt.Sprint(v), true
	}
	return "", false
}

func findOption(options []Option, value string) (Option, bool) {
	for _, o := range options {
		if o.Value == value {
			return o, true
		}
	}
	return Option{}, false
}
