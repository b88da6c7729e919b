// Package form turns a catalog snapshot into a renderable layout and binds
// user input to it.
package form

import (
	"github.com/ci-outcome-console/internal/catalog"
	"github.com/ci-outcome-console/internal/domain"
)

// Field is one rendered input.
type Field struct {
	Key         string           `json:"key"`
	Raw         string           `json:"raw"`
	Label       string           `json:"label"`
	Description string           `json:"description,omitempty"`
	Section     string           `json:"section"`
	InputType   domain.InputType `json:"input_type"`
	Options     []Option         `json:"options,omitempty"`
	Unit        string           `json:"unit,omitempty"`
	Required    bool             `json:"required"`
	UIOnly      bool             `json:"ui_only,omitempty"`
	OtherField  string           `json:"other_field,omitempty"`
	Control     Control          `json:"-"`
}

// Section is a titled group of fields.
type Section struct {
	Key     string  `json:"key"`
	Heading string  `json:"heading"`
	Fields  []Field `json:"fields"`
}

// Layout is the rendered form. It is immutable once built and may be
// shared between sessions.
type Layout struct {
	Locale   string    `json:"locale"`
	Version  uint64    `json:"version"`
	Sections []Section `json:"sections"`

	catalogKeys map[string]bool
	rawKeys     map[string]string
}

// Fields returns every field in layout order.
func (l Layout) Fields() []Field {
	var fields []Field
	for _, s := range l.Sections {
		fields = append(fields, s.Fields...)
	}
	return fields
}

// Field returns the field with key.
func (l Layout) Field(key string) (Field, bool) {
	for _, s := range l.Sections {
		for _, f := range s.Fields {
			if f.Key == key {
				return f, true
			}
		}
	}
	return Field{}, false
}

// HasKey reports whether key was held by the catalog the layout was rendered from.
func (l Layout) HasKey(key string) bool {
	return l.catalogKeys[key]
}

// KeyFor maps a raw or normalized feature name to its normalized key.
func (l Layout) KeyFor(name string) (string, bool) {
	if l.catalogKeys[name] {
		return name, true
	}
	key, ok := l.rawKeys[name]
	return key, ok
}

// Render builds the layout for a catalog snapshot. Definitions without a
// normalized key or with an unknown input type are skipped. Sections listed
// in the section order come first, the rest follow in first-seen order.
func Render(snap catalog.Snapshot) Layout {
	layout := Layout{
		Locale:      snap.Locale,
		Version:     snap.Version,
		catalogKeys: make(map[string]bool, len(snap.ByNormalized)),
		rawKeys:     make(map[string]string, len(snap.ByNormalized)),
	}
	for key, def := range snap.ByNormalized {
		layout.catalogKeys[key] = true
		if def.Raw != "" {
			layout.rawKeys[def.Raw] = key
		}
	}

	// Companion inputs render with their choice field, not on their own.
	companions := make(map[string]bool)
	for _, def := range snap.Definitions {
		if def.OtherField != "" {
			companions[def.OtherField] = true
		}
	}

	grouped := make(map[string][]Field)
	var seen []string
	for _, def := range snap.Definitions {
		if def.Normalized == "" || companions[def.Normalized] {
			continue
		}
		control := NewControl(def, snap.Locale)
		if control == nil {
			continue
		}

		section := def.Section
		if section == "" {
			section = catalog.DefaultSection
		}
		if _, ok := grouped[section]; !ok {
			seen = append(seen, section)
		}
		grouped[section] = append(grouped[section], newField(def, control, section, snap))
	}

	placed := make(map[string]bool, len(grouped))
	for _, key := range snap.SectionOrder {
		if fields, ok := grouped[key]; ok && !placed[key] {
			layout.Sections = append(layout.Sections, newSection(key, fields, snap))
			placed[key] = true
		}
	}
	for _, key := range seen {
		if !placed[key] {
			layout.Sections = append(layout.Sections, newSection(key, grouped[key], snap))
			placed[key] = true
		}
	}
	if layout.Sections == nil {
		layout.Sections = []Section{}
	}

	return layout
}

func newField(def domain.FeatureDefinition, control Control, section string, snap catalog.Snapshot) Field {
	f := Field{
		Key:         def.Normalized,
		Raw:         def.Raw,
		Label:       fieldLabel(def, snap.Labels),
		Description: def.Description,
		Section:     section,
		InputType:   control.InputType(),
		Unit:        def.Unit,
		Required:    def.Required,
		UIOnly:      def.UIOnly,
		Control:     control,
	}

	switch c := control.(type) {
	case SingleChoiceControl:
		f.Options = c.Options
		f.OtherField = otherField(def)
	case MultiChoiceControl:
		f.Options = c.Options
		f.OtherField = otherField(def)
	}
	return f
}

// otherField is only meaningful when an option is flagged as "other".
func otherField(def domain.FeatureDefinition) string {
	if _, ok := def.OtherOption(); ok {
		return def.OtherField
	}
	return ""
}

func fieldLabel(def domain.FeatureDefinition, labels map[string]string) string {
	if l := labels[def.Normalized]; l != "" {
		return l
	}
	if def.Description != "" {
		return def.Description
	}
	return def.Raw
}

func newSection(key string, fields []Field, snap catalog.Snapshot) Section {
	heading := snap.Sections[key]
	if heading == "" {
		heading = key
	}
	return Section{Key: key, Heading: heading, Fields: fields}
}
