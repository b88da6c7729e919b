package stubapi

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// maxSearchResults caps one search answer.
const maxSearchResults = 100

// PatientIndex is the in-memory patient table of the reference backend.
type PatientIndex struct {
	mu       sync.RWMutex
	patients map[string]domain.PatientRecord
	folded   map[string]string
}

// NewPatientIndex creates an empty index.
func NewPatientIndex() *PatientIndex {
	return &PatientIndex{
		patients: make(map[string]domain.PatientRecord),
		folded:   make(map[string]string),
	}
}

// foldName prepares a name for case-insensitive matching. A Caser holds
// state, so each call builds its own.
func foldName(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Create stores a new patient and returns it.
func (p *PatientIndex) Create(in domain.PatientInput) domain.PatientRecord {
	rec := domain.PatientRecord{
		ID:            uuid.NewString(),
		DisplayName:   strings.TrimSpace(in.DisplayName),
		InputFeatures: cloneFeatures(in.InputFeatures),
		CreatedAt:     time.Now().UTC(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.patients[rec.ID] = rec
	p.folded[rec.ID] = foldName(rec.DisplayName)
	return rec
}

// Update replaces the features of an existing patient. The display name is
// kept when the update does not carry one.
func (p *PatientIndex) Update(id string, in domain.PatientInput) (domain.PatientRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.patients[id]
	if !ok {
		return domain.PatientRecord{}, fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}
	if name := strings.TrimSpace(in.DisplayName); name != "" {
		rec.DisplayName = name
		p.folded[id] = foldName(name)
	}
	rec.InputFeatures = cloneFeatures(in.InputFeatures)
	p.patients[id] = rec
	return rec, nil
}

// Get returns one patient.
func (p *PatientIndex) Get(id string) (domain.PatientRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.patients[id]
	if !ok {
		return domain.PatientRecord{}, fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

// List returns patients ordered by display name.
func (p *PatientIndex) List(limit, offset int) []domain.PatientRecord {
	p.mu.RLock()
	all := make([]domain.PatientRecord, 0, len(p.patients))
	for _, rec := range p.patients {
		all = append(all, rec)
	}
	p.mu.RUnlock()

	sortPatients(all)
	if offset >= len(all) {
		return []domain.PatientRecord{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// Search returns patients whose display name contains query, ignoring case.
// An empty query matches every patient.
func (p *PatientIndex) Search(query string) []domain.SearchResult {
	needle := foldName(query)

	p.mu.RLock()
	var hits []domain.PatientRecord
	for id, name := range p.folded {
		if strings.Contains(name, needle) {
			hits = append(hits, p.patients[id])
		}
	}
	p.mu.RUnlock()

	sortPatients(hits)
	if len(hits) > maxSearchResults {
		hits = hits[:maxSearchResults]
	}

	results := make([]domain.SearchResult, 0, len(hits))
	for _, rec := range hits {
		results = append(results, domain.SearchResult{ID: rec.ID, Name: rec.DisplayName})
	}
	return results
}

// Len returns the number of stored patients.
func (p *PatientIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.patients)
}

func sortPatients(recs []domain.PatientRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].DisplayName != recs[j].DisplayName {
			return recs[i].DisplayName < recs[j].DisplayName
		}
		return recs[i].ID < recs[j].ID
	})
}

func cloneFeatures(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SeedPatients fills idx with a few demo patients keyed by raw feature names.
func SeedPatients(idx *PatientIndex) {
	seed := []domain.PatientInput{
		{
			DisplayName: "Anna Müller",
			InputFeatures: map[string]any{
				"Alter [J]":       67.0,
				"Geschlecht":      "w",
				"Primäre Sprache": "Deutsch",
				"Diagnose.Höranamnese.Beginn der Hörminderung (OP-Ohr)...": "postlingual",
				"Diagnose.Höranamnese.Ursache....Ursache...":               "Lärm",
				"Symptome präoperativ.Tinnitus...":                         "ja",
				"Behandlung/OP.CI Implantation":                            "Cochlear",
			},
		},
		{
			DisplayName: "Jonas Becker",
			InputFeatures: map[string]any{
				"Alter [J]":  8.0,
				"Geschlecht": "m",
				"Diagnose.Höranamnese.Beginn der Hörminderung (OP-Ohr)...": "praelingual",
				"Diagnose.Höranamnese.Ursache....Ursache...":               "Genetisch",
				"Behandlung/OP.CI Implantation":                            "Med-El",
			},
		},
		{
			DisplayName: "Peter Müllner",
			InputFeatures: map[string]any{
				"Alter [J]":       54.0,
				"Geschlecht":      "m",
				"Primäre Sprache": "Andere",
				"Diagnose.Höranamnese.Ursache....Ursache...": "Meningitis",
				"Symptome präoperativ.Schwindel...":          "ja",
			},
		},
	}
	for _, in := range seed {
		idx.Create(in)
	}
}

// PredictionLog keeps persisted predictions in memory.
type PredictionLog struct {
	mu      sync.RWMutex
	entries map[string]PredictionEntry
}

// PredictionEntry is one persisted prediction.
type PredictionEntry struct {
	ID            string             `json:"id"`
	InputFeatures map[string]any     `json:"input_features"`
	Prediction    float64            `json:"prediction"`
	Explanation   map[string]float64 `json:"explanation"`
	CreatedAt     time.Time          `json:"created_at"`
}

// NewPredictionLog creates an empty log.
func NewPredictionLog() *PredictionLog {
	return &PredictionLog{entries: make(map[string]PredictionEntry)}
}

// Add stores a prediction and returns its id.
func (l *PredictionLog) Add(inputs map[string]any, prediction float64, explanation map[string]float64) string {
	entry := PredictionEntry{
		ID:            uuid.NewString(),
		InputFeatures: cloneFeatures(inputs),
		Prediction:    prediction,
		Explanation:   explanation,
		CreatedAt:     time.Now().UTC(),
	}
	l.mu.Lock()
	l.entries[entry.ID] = entry
	l.mu.Unlock()
	return entry.ID
}

// Get returns a stored prediction.
func (l *PredictionLog) Get(id string) (PredictionEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e, ok
}
