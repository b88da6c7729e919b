package stubapi

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/ci-outcome-console/internal/catalog"
	"github.com/ci-outcome-console/internal/domain"
)

//go:embed data
var dataFS embed.FS

// fallbackLocale is served when a requested locale has no bundle.
const fallbackLocale = "en"

// Catalog is the feature catalog served by the reference backend. It is
// loaded once and read-only afterwards.
type Catalog struct {
	definitions  []domain.FeatureDefinition
	sectionOrder []string
	byRaw        map[string]domain.FeatureDefinition
	byNormalized map[string]domain.FeatureDefinition
	labels       map[string]map[string]string
	sections     map[string]map[string]string
}

// LoadCatalog reads the embedded definitions and locale bundles.
func LoadCatalog() (*Catalog, error) {
	return loadCatalog(dataFS, "data")
}

func loadCatalog(fsys fs.FS, root string) (*Catalog, error) {
	raw, err := fs.ReadFile(fsys, path.Join(root, "definitions.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}
	var resp domain.DefinitionsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}

	c := &Catalog{
		byRaw:        make(map[string]domain.FeatureDefinition),
		byNormalized: make(map[string]domain.FeatureDefinition),
	}

	seen := make(map[string]bool)
	for _, def := range resp.Definitions() {
		// Entries without both names cannot be addressed by either key space.
		if def.Raw == "" || def.Normalized == "" {
			continue
		}
		if def.Description == "" {
			def.Description = def.Normalized
		}
		c.definitions = append(c.definitions, def)
		c.byRaw[def.Raw] = def
		c.byNormalized[def.Normalized] = def

		section := def.Section
		if section == "" {
			section = catalog.DefaultSection
		}
		if !seen[section] {
			seen[section] = true
			c.sectionOrder = append(c.sectionOrder, section)
		}
	}

	if c.labels, err = loadBundles(fsys, path.Join(root, "locales")); err != nil {
		return nil, err
	}
	if c.sections, err = loadBundles(fsys, path.Join(root, "sections")); err != nil {
		return nil, err
	}
	return c, nil
}

// loadBundles reads every <lang>.json file of dir.
func loadBundles(fsys fs.FS, dir string) (map[string]map[string]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	bundles := make(map[string]map[string]string, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || path.Ext(name) != ".json" {
			continue
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var bundle map[string]string
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		bundles[strings.TrimSuffix(name, ".json")] = bundle
	}
	return bundles, nil
}

// baseLanguage reduces a locale tag like "de-AT" to "de". Empty means en.
func baseLanguage(locale string) string {
	if lang := catalog.NormalizeLocale(locale); lang != "" {
		return lang
	}
	return fallbackLocale
}

// Definitions returns the definitions in file order.
func (c *Catalog) Definitions() []domain.FeatureDefinition {
	return c.definitions
}

// SectionOrder returns section keys in first-seen order.
func (c *Catalog) SectionOrder() []string {
	return c.sectionOrder
}

// Locale returns the label and section bundles for locale, falling back to en.
func (c *Catalog) Locale(locale string) domain.LocaleResponse {
	lang := baseLanguage(locale)
	return domain.LocaleResponse{
		Language: lang,
		Labels:   pick(c.labels, lang),
		Sections: pick(c.sections, lang),
	}
}

func pick(bundles map[string]map[string]string, lang string) map[string]string {
	if b, ok := bundles[lang]; ok {
		return b
	}
	if b, ok := bundles[fallbackLocale]; ok {
		return b
	}
	return map[string]string{}
}

// RawLabels maps raw feature names to localized labels, falling back to the
// description.
func (c *Catalog) RawLabels(locale string) map[string]string {
	labels := c.Locale(locale).Labels
	out := make(map[string]string, len(c.definitions))
	for _, def := range c.definitions {
		if l, ok := labels[def.Normalized]; ok && l != "" {
			out[def.Raw] = l
			continue
		}
		out[def.Raw] = def.Description
	}
	return out
}

// Normalize maps payload keys onto normalized names. Raw names are
// translated through the definitions; unknown keys are dropped.
func (c *Catalog) Normalize(payload map[string]any) domain.Payload {
	out := make(domain.Payload, len(payload))
	for k, v := range payload {
		if _, ok := c.byNormalized[k]; ok {
			out[k] = v
			continue
		}
		if def, ok := c.byRaw[k]; ok {
			if _, dup := out[def.Normalized]; !dup {
				out[def.Normalized] = v
			}
		}
	}
	return out
}

// Definition returns the definition for a normalized key.
func (c *Catalog) Definition(key string) (domain.FeatureDefinition, bool) {
	def, ok := c.byNormalized[key]
	return def, ok
}
