package form

import (
	"errors"
	"sort"
	"sync"

	"github.com/ci-outcome-console/internal/domain"
)

const (
	msgRequired  = "is required"
	msgNotActive = "is only used when the \"other\" option is chosen"
	msgUnknown   = "is not a field of this form"
)

// View is a copy of the form state for rendering.
type View struct {
	Values       map[string]interface{} `json:"values"`
	Errors       map[string]string      `json:"errors"`
	ActiveOthers []string               `json:"active_other_fields"`
	CanSubmit    bool                   `json:"can_submit"`
}

// State binds values to a layout and validates them on every change.
type State struct {
	mu     sync.Mutex
	layout Layout
	fields map[string]Field
	values map[string]interface{}
	errors map[string]string
	// companion key -> key of the choice field that activated it
	active map[string]string
}

// NewState creates an empty form state for layout
func NewState(layout Layout) *State {
	s := &State{layout: layout}
	s.reset()
	return s
}

func (s *State) reset() {
	s.fields = make(map[string]Field)
	s.values = make(map[string]interface{})
	s.errors = make(map[string]string)
	s.active = make(map[string]string)
	for _, f := range s.layout.Fields() {
		s.fields[f.Key] = f
		s.validate(f.Key)
	}
}

// Layout returns the layout the state is bound to
func (s *State) Layout() Layout {
	return s.layout
}

// Set parses raw for key and stores it. An invalid value leaves the field
// unset with the parse error recorded.
func (s *State) Set(key string, raw interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key, raw)
}

func (s *State) set(key string, raw interface{}) error {
	if owner, isCompanion := s.companionOwner(key); isCompanion {
		if owner == "" {
			return domain.NewValidationError(key, msgNotActive, raw)
		}
		return s.setCompanion(key, raw)
	}

	f, ok := s.fields[key]
	if !ok {
		return domain.NewValidationError(key, msgUnknown, raw)
	}

	value, present, err := f.Control.Parse(raw)
	if err != nil {
		delete(s.values, key)
		s.errors[key] = err.Error()
		s.syncCompanion(f)
		return domain.NewValidationError(key, err.Error(), raw)
	}
	if present {
		s.values[key] = value
	} else {
		delete(s.values, key)
	}
	s.validate(key)
	s.syncCompanion(f)
	return nil
}

func (s *State) setCompanion(key string, raw interface{}) error {
	value, present, err := TextControl{}.Parse(raw)
	if err != nil {
		delete(s.values, key)
		s.errors[key] = err.Error()
		return domain.NewValidationError(key, err.Error(), raw)
	}
	if present {
		s.values[key] = value
	} else {
		delete(s.values, key)
	}
	s.validateCompanion(key)
	return nil
}

// Clear unsets key
func (s *State) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, isCompanion := s.companionOwner(key); isCompanion {
		delete(s.values, key)
		if owner != "" {
			s.validateCompanion(key)
		}
		return
	}

	f, ok := s.fields[key]
	if !ok {
		return
	}
	delete(s.values, key)
	s.validate(key)
	s.syncCompanion(f)
}

// Seed replaces all values, e.g. with a stored patient's input features.
// Keys may be normalized or raw feature names; unknown keys are ignored.
// Invalid values are left unset and reported together.
func (s *State) Seed(values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()

	byKey := make(map[string]interface{}, len(values))
	for name, v := range values {
		if key, ok := s.layout.KeyFor(name); ok {
			byKey[key] = v
			continue
		}
		if _, isCompanion := s.companionOwner(name); isCompanion {
			byKey[name] = v
		}
	}

	var errs []error
	// Choice fields first so their companions are active when seeded.
	for _, f := range s.layout.Fields() {
		if v, ok := byKey[f.Key]; ok {
			if err := s.set(f.Key, v); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, f := range s.layout.Fields() {
		if f.OtherField == "" {
			continue
		}
		if v, ok := byKey[f.OtherField]; ok && s.active[f.OtherField] != "" {
			if err := s.set(f.OtherField, v); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// FirstError returns the first validation error in layout order, or nil.
func (s *State) FirstError() *domain.ValidationError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstError()
}

func (s *State) firstError() *domain.ValidationError {
	for _, f := range s.layout.Fields() {
		if msg, ok := s.errors[f.Key]; ok {
			return domain.NewValidationError(f.Key, msg, s.values[f.Key])
		}
		if f.OtherField != "" {
			if msg, ok := s.errors[f.OtherField]; ok {
				return domain.NewValidationError(f.OtherField, msg, s.values[f.OtherField])
			}
		}
	}
	return nil
}

// CanSubmit reports whether the form has no validation errors
func (s *State) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errors) == 0
}

// Submit returns the payload for the prediction endpoint. Only set values of
// non-ui-only fields the catalog holds are included.
func (s *State) Submit() (domain.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.firstError(); err != nil {
		return nil, err
	}

	payload := domain.Payload{}
	for _, f := range s.layout.Fields() {
		if f.UIOnly || !s.layout.HasKey(f.Key) {
			continue
		}
		v, ok := s.values[f.Key]
		if !ok {
			continue
		}
		payload[f.Key] = v

		if f.OtherField != "" && s.active[f.OtherField] == f.Key && s.layout.HasKey(f.OtherField) {
			if ov, ok := s.values[f.OtherField]; ok {
				payload[f.OtherField] = ov
			}
		}
	}
	return payload, nil
}

// View returns a copy of the current state
func (s *State) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		Values:       make(map[string]interface{}, len(s.values)),
		Errors:       make(map[string]string, len(s.errors)),
		ActiveOthers: make([]string, 0, len(s.active)),
		CanSubmit:    len(s.errors) == 0,
	}
	for k, val := range s.values {
		v.Values[k] = val
	}
	for k, msg := range s.errors {
		v.Errors[k] = msg
	}
	for k := range s.active {
		v.ActiveOthers = append(v.ActiveOthers, k)
	}
	sort.Strings(v.ActiveOthers)
	return v
}

// validate recomputes the error of a regular field.
func (s *State) validate(key string) {
	f := s.fields[key]
	if _, set := s.values[key]; !set && f.Required {
		s.errors[key] = msgRequired
		return
	}
	delete(s.errors, key)
}

func (s *State) validateCompanion(key string) {
	if _, set := s.values[key]; !set {
		s.errors[key] = msgRequired
		return
	}
	delete(s.errors, key)
}

// syncCompanion activates or drops the companion input of a choice field
// depending on whether its "other" option is selected.
func (s *State) syncCompanion(f Field) {
	if f.OtherField == "" {
		return
	}

	if s.otherSelected(f) {
		if s.active[f.OtherField] == "" {
			s.active[f.OtherField] = f.Key
			s.validateCompanion(f.OtherField)
		}
		return
	}

	if s.active[f.OtherField] == f.Key {
		delete(s.active, f.OtherField)
		delete(s.values, f.OtherField)
		delete(s.errors, f.OtherField)
	}
}

func (s *State) otherSelected(f Field) bool {
	switch v := s.values[f.Key].(type) {
	case string:
		o, ok := findOption(f.Options, v)
		return ok && o.IsOther
	case []string:
		for _, item := range v {
			if o, ok := findOption(f.Options, item); ok && o.IsOther {
				return true
			}
		}
	}
	return false
}

// companionOwner reports whether key is a companion input and, if it is
// active, the field that activated it.
func (s *State) companionOwner(key string) (string, bool) {
	if _, regular := s.fields[key]; regular {
		return "", false
	}
	for _, f := range s.fields {
		if f.OtherField == key {
			return s.active[key], true
		}
	}
	return "", false
}
