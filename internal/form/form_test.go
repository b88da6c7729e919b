package form

import (
	"github.com/ci-outcome-console/internal/catalog"
	"github.com/ci-outcome-console/internal/domain"
)

func snapshot(locale string, order []string, defs ...domain.FeatureDefinition) catalog.Snapshot {
	byKey := make(map[string]domain.FeatureDefinition)
	for _, d := range defs {
		if d.Normalized != "" {
			byKey[d.Normalized] = d
		}
	}
	return catalog.Snapshot{
		Definitions:  defs,
		ByNormalized: byKey,
		Labels:       map[string]string{},
		Sections:     map[string]string{},
		SectionOrder: order,
		Locale:       locale,
		Version:      1,
	}
}

var (
	defAge = domain.FeatureDefinition{
		Raw: "Alter [J]", Normalized: "alter_j", InputType: "numeric",
		Section: "Demographie", Required: true, Unit: "J",
	}
	defGender = domain.FeatureDefinition{
		Raw: "Geschlecht", Normalized: "geschlecht", InputType: "select", Section: "Demographie",
		Options: []domain.FeatureOption{
			{Value: "w", Labels: map[string]string{"de": "weiblich", "en": "female"}},
			{Value: "m", Labels: map[string]string{"de": "männlich", "en": "male"}},
		},
	}
	defCause = domain.FeatureDefinition{
		Raw: "Ursache", Normalized: "ursache", InputType: "select", Section: "Anamnese",
		OtherField: "ursache_other",
		Options: []domain.FeatureOption{
			{Value: "genetisch"},
			{Value: "meningitis"},
			{Value: "andere", IsOther: true},
		},
	}
	defCauseOther = domain.FeatureDefinition{
		Raw: "Ursache (Freitext)", Normalized: "ursache_other", InputType: "text", Section: "Anamnese",
	}
	defSymptoms = domain.FeatureDefinition{
		Raw: "Symptome", Normalized: "symptome", InputType: "multiselect", Section: "Anamnese",
		Options: []domain.FeatureOption{{Value: "tinnitus"}, {Value: "schwindel"}, {Value: "otalgie"}},
	}
	defImplant = domain.FeatureDefinition{
		Raw: "Voroperation", Normalized: "voroperation", InputType: "boolean",
	}
	defNote = domain.FeatureDefinition{
		Raw: "Notiz", Normalized: "notiz", InputType: "text", UIOnly: true, Section: "Anamnese",
	}
)
