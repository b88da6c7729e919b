package stubapi

import (
	"fmt"
	"strings"

	"github.com/ci-outcome-console/internal/domain"
)

const (
	modelName    = "CI outcome predictor"
	modelVersion = "1.0.0"
	modelType    = "logistic regression"
	modelUpdated = "2026-01-15"
)

// ModelCard describes the scoring model with the catalog's feature list.
func (s *Server) ModelCard() domain.ModelCard {
	card := domain.ModelCard{
		Name:        modelName,
		Version:     modelVersion,
		ModelType:   modelType,
		LastUpdated: modelUpdated,
		IntendedUse: []string{
			"Support the indication discussion for cochlear implantation",
			"Estimate the probability of a good speech-understanding outcome",
		},
		NotIntendedFor: []string{
			"Automated treatment decisions without clinician review",
			"Patients under 18 years",
		},
		Limitations: []string{
			"Coefficients are fixed and not trained on local data",
			"Missing inputs fall back to the baseline patient",
		},
		Recommendations: []string{
			"Read the prediction together with its explanation",
			"Record disagreement through the feedback form",
		},
	}
	for _, key := range s.model.Features() {
		f := domain.ModelCardFeature{Name: key}
		if def, ok := s.catalog.Definition(key); ok {
			f.Name = def.Raw
			f.Description = def.Description
		}
		card.Features = append(card.Features, f)
	}
	return card
}

// ModelCardMarkdown renders card as a markdown document.
func ModelCardMarkdown(card domain.ModelCard) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", card.Name)
	fmt.Fprintf(&b, "**Version:** %s\n", card.Version)
	fmt.Fprintf(&b, "**Model type:** %s\n", card.ModelType)
	fmt.Fprintf(&b, "**Last updated:** %s\n\n---\n", card.LastUpdated)

	list := func(heading string, items []string) {
		fmt.Fprintf(&b, "\n## %s\n", heading)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	list("Intended use", card.IntendedUse)
	list("Not intended for", card.NotIntendedFor)
	list("Limitations", card.Limitations)
	list("Recommendations", card.Recommendations)

	b.WriteString("\n## Features\n")
	for _, f := range card.Features {
		fmt.Fprintf(&b, "- **%s**\n", f.Name)
	}
	return b.String()
}

// validatePatient lists the required features a stored patient lacks.
func (s *Server) validatePatient(rec domain.PatientRecord) domain.PatientValidation {
	payload := s.catalog.Normalize(rec.InputFeatures)
	missing := []string{}
	for _, def := range s.catalog.Definitions() {
		if !def.Required || def.Normalized == "" {
			continue
		}
		if v, ok := payload[def.Normalized]; !ok || v == nil || v == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", def.Raw, def.Normalized))
		}
	}
	return domain.PatientValidation{
		OK:              len(missing) == 0,
		MissingFeatures: missing,
		FeaturesCount:   len(rec.InputFeatures),
	}
}
