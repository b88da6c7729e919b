// Package catalog holds the feature catalog the dynamic form is built from:
// the definitions, their localized labels and the section order.
package catalog

import (
	"context"
	"strings"
	"sync"

	"github.com/ci-outcome-console/internal/domain"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

// DefaultSection is the section key of definitions that declare none.
const DefaultSection = "Weitere"

// Snapshot is an immutable view of the catalog. Its maps and slices are
// shared between readers and must not be modified.
type Snapshot struct {
	Definitions    []domain.FeatureDefinition          `json:"definitions"`
	ByNormalized   map[string]domain.FeatureDefinition `json:"-"`
	Labels         map[string]string                   `json:"labels"`
	Sections       map[string]string                   `json:"sections"`
	SectionOrder   []string                            `json:"section_order"`
	Loading        bool                                `json:"loading"`
	Err            string                              `json:"error,omitempty"`
	DefinitionsErr string                              `json:"-"`
	LabelsErr      string                              `json:"-"`
	Locale         string                              `json:"locale"`
	Version        uint64                              `json:"version"`
}

// Ready reports whether the snapshot holds a usable set of definitions.
func (s Snapshot) Ready() bool {
	return s.DefinitionsErr == "" && len(s.Definitions) > 0
}

// Has reports whether normalized is a key of the catalog.
func (s Snapshot) Has(normalized string) bool {
	_, ok := s.ByNormalized[normalized]
	return ok
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.WithField("component", "catalog")
		}
	}
}

// WithDefaultLocale sets the locale Init loads labels for
func WithDefaultLocale(locale string) Option {
	return func(s *Store) {
		if l := NormalizeLocale(locale); l != "" {
			s.defaultLocale = l
		}
	}
}

// Store is the process-wide feature catalog. Loads never return errors;
// failures are recorded on the snapshot and logged.
type Store struct {
	source        domain.FeatureSource
	logger        *logrus.Entry
	defaultLocale string

	mu            sync.RWMutex
	snap          Snapshot
	defsToken     uint64
	labelsToken   uint64
	defsLoading   bool
	labelsLoading bool
	subscribers   map[chan Snapshot]struct{}
}

// New creates an empty catalog store backed by source
func New(source domain.FeatureSource, opts ...Option) *Store {
	s := &Store{
		source:        source,
		logger:        logrus.NewEntry(logrus.StandardLogger()).WithField("component", "catalog"),
		defaultLocale: "de",
		subscribers:   make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap = emptySnapshot(s.defaultLocale, 0)
	return s
}

func emptySnapshot(locale string, version uint64) Snapshot {
	return Snapshot{
		Definitions:  []domain.FeatureDefinition{},
		ByNormalized: map[string]domain.FeatureDefinition{},
		Labels:       map[string]string{},
		Sections:     map[string]string{},
		SectionOrder: []string{},
		Locale:       locale,
		Version:      version,
	}
}

// NormalizeLocale reduces a locale tag to its lower-case base language.
func NormalizeLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return ""
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return strings.ToLower(locale)
	}
	base, _ := tag.Base()
	return strings.ToLower(base.String())
}

// Init loads definitions and labels for the default locale
func (s *Store) Init(ctx context.Context) {
	s.load(ctx, s.defaultLocale)
}

// SetLocale switches the active locale and reloads definitions and labels
func (s *Store) SetLocale(ctx context.Context, locale string) {
	if l := NormalizeLocale(locale); l != "" {
		locale = l
	} else {
		locale = s.Locale()
	}
	s.load(ctx, locale)
}

func (s *Store) load(ctx context.Context, locale string) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.LoadDefinitions(ctx)
	}()
	go func() {
		defer wg.Done()
		s.LoadLabels(ctx, locale)
	}()
	wg.Wait()
}

// Reset returns the store to its empty state. In-flight loads are discarded.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defsToken++
	s.labelsToken++
	s.defsLoading = false
	s.labelsLoading = false
	s.commit(emptySnapshot(s.defaultLocale, s.snap.Version+1))
}

// LoadDefinitions fetches the feature definitions and section order. On
// failure both are cleared and the error message is recorded.
func (s *Store) LoadDefinitions(ctx context.Context) {
	s.mu.Lock()
	s.defsToken++
	token := s.defsToken
	s.defsLoading = true
	next := s.snap
	next.DefinitionsErr = ""
	s.commit(next)
	s.mu.Unlock()

	resp, err := s.source.FeatureDefinitions(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.defsToken {
		s.logger.WithField("token", token).Debug("Discarding superseded definitions response")
		return
	}

	s.defsLoading = false
	next = s.snap
	if err != nil {
		s.logger.WithError(err).Error("Failed to load feature definitions")
		next.Definitions = []domain.FeatureDefinition{}
		next.ByNormalized = map[string]domain.FeatureDefinition{}
		next.SectionOrder = []string{}
		next.DefinitionsErr = errorMessage(err)
	} else {
		defs := resp.Definitions()
		if defs == nil {
			defs = []domain.FeatureDefinition{}
		}
		order := resp.SectionOrder
		if order == nil {
			order = []string{}
		}
		next.Definitions = defs
		next.ByNormalized = byNormalized(defs)
		next.SectionOrder = order
		next.DefinitionsErr = ""
		s.logger.WithFields(logrus.Fields{
			"definitions": len(defs),
			"sections":    len(order),
		}).Info("Feature definitions loaded")
	}
	s.commit(next)
}

// LoadLabels fetches labels and section headings for locale. An empty locale
// means the active one. A successful load makes locale the active locale.
func (s *Store) LoadLabels(ctx context.Context, locale string) {
	locale = NormalizeLocale(locale)

	s.mu.Lock()
	if locale == "" {
		locale = s.snap.Locale
	}
	s.labelsToken++
	token := s.labelsToken
	s.labelsLoading = true
	next := s.snap
	next.LabelsErr = ""
	s.commit(next)
	s.mu.Unlock()

	resp, err := s.source.FeatureLocales(ctx, locale)

	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.labelsToken {
		s.logger.WithFields(logrus.Fields{"token": token, "locale": locale}).Debug("Discarding superseded labels response")
		return
	}

	s.labelsLoading = false
	next = s.snap
	if err != nil {
		s.logger.WithError(err).WithField("locale", locale).Error("Failed to load feature labels")
		next.Labels = map[string]string{}
		next.Sections = map[string]string{}
		next.LabelsErr = errorMessage(err)
	} else {
		next.Labels = copyMap(resp.Labels)
		next.Sections = copyMap(resp.Sections)
		next.LabelsErr = ""
		next.Locale = locale
	}
	s.commit(next)
}

// Snapshot returns the current catalog state
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Locale returns the active locale
func (s *Store) Locale() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Locale
}

// DefinitionsByNormalized returns the definitions keyed by normalized name.
// Definitions without a normalized name are not included.
func (s *Store) DefinitionsByNormalized() map[string]domain.FeatureDefinition {
	return s.Snapshot().ByNormalized
}

// Subscribe returns a channel that receives every new snapshot. A slow
// reader only sees the latest one. Call cancel to stop receiving.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// commit publishes next as the new state. Callers hold s.mu.
func (s *Store) commit(next Snapshot) {
	next.Loading = s.defsLoading || s.labelsLoading
	next.Err = joinErrors(next.DefinitionsErr, next.LabelsErr)
	next.Version = s.snap.Version + 1
	s.snap = next

	for ch := range s.subscribers {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

func byNormalized(defs []domain.FeatureDefinition) map[string]domain.FeatureDefinition {
	m := make(map[string]domain.FeatureDefinition, len(defs))
	for _, def := range defs {
		if def.Normalized == "" {
			continue
		}
		m[def.Normalized] = def
	}
	return m
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func errorMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	return msg
}

func joinErrors(msgs ...string) string {
	var parts []string
	for _, m := range msgs {
		if m != "" {
			parts = append(parts, m)
		}
	}
	return strings.Join(parts, "; ")
}
