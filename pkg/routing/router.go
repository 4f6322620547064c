// Package routing resolves a requested model name to the provider that
// serves it and the upstream protocol family to speak. The table is
// built once from configuration; resolution is lock-free.
package routing

import (
	"fmt"
	"path"

	"github.com/itsharex/proxycast/pkg/protocol"
)

// FamilyPattern binds a model-name glob to a protocol family, used by
// providers that front more than one upstream format.
type FamilyPattern struct {
	Pattern string
	Family  protocol.Family
}

// ProviderSpec describes one provider entry as configured.
type ProviderSpec struct {
	// ID is the provider identifier referenced by credentials
	ID string

	// Family is the upstream protocol family, or FamilyMixed when
	// FamilyPatterns decide per model
	Family protocol.Family

	// Models is the list of model-name globs this provider serves
	Models []string

	// FamilyPatterns maps model names to families for mixed providers
	FamilyPatterns []FamilyPattern
}

// Route is the resolution result for one model.
type Route struct {
	ProviderID string
	Family     protocol.Family
}

// Table resolves models to routes. Providers are consulted in
// configuration order; the first match wins.
type Table struct {
	providers []ProviderSpec
}

// NewTable validates the provider specs and builds a table.
// Validation failures here are configuration errors and abort startup.
func NewTable(specs []ProviderSpec) (*Table, error) {
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate provider id %q", spec.ID)
		}
		seen[spec.ID] = true

		if len(spec.Models) == 0 {
			return nil, fmt.Errorf("provider %q serves no models", spec.ID)
		}
		for _, glob := range spec.Models {
			if _, err := path.Match(glob, "probe"); err != nil {
				return nil, fmt.Errorf("provider %q: bad model pattern %q: %w", spec.ID, glob, err)
			}
		}

		if spec.Family == protocol.FamilyMixed {
			if err := validateMixed(spec); err != nil {
				return nil, err
			}
		} else if !spec.Family.Valid() {
			return nil, fmt.Errorf("provider %q: unknown family %q", spec.ID, spec.Family)
		}
	}
	return &Table{providers: specs}, nil
}

// validateMixed checks that every model a mixed provider serves has a
// family. A model entry no pattern covers is rejected at startup rather
// than failing on the first request that hits it.
func validateMixed(spec ProviderSpec) error {
	if len(spec.FamilyPatterns) == 0 {
		return fmt.Errorf("provider %q: mixed family requires family patterns", spec.ID)
	}
	for _, fp := range spec.FamilyPatterns {
		if _, err := path.Match(fp.Pattern, "probe"); err != nil {
			return fmt.Errorf("provider %q: bad family pattern %q: %w", spec.ID, fp.Pattern, err)
		}
		if !fp.Family.Valid() || fp.Family == protocol.FamilyMixed {
			return fmt.Errorf("provider %q: pattern %q maps to invalid family %q", spec.ID, fp.Pattern, fp.Family)
		}
	}
	for _, model := range spec.Models {
		if _, ok := matchFamily(spec.FamilyPatterns, model); !ok {
			return fmt.Errorf("provider %q: model %q matches no family pattern", spec.ID, model)
		}
	}
	return nil
}

func matchFamily(patterns []FamilyPattern, model string) (protocol.Family, bool) {
	for _, fp := range patterns {
		if ok, _ := path.Match(fp.Pattern, model); ok {
			return fp.Family, true
		}
	}
	return "", false
}

// Resolve returns the route for a model.
func (t *Table) Resolve(model string) (Route, error) {
	for _, spec := range t.providers {
		for _, glob := range spec.Models {
			ok, _ := path.Match(glob, model)
			if !ok && glob != model {
				continue
			}

			family := spec.Family
			if family == protocol.FamilyMixed {
				matched, ok := matchFamily(spec.FamilyPatterns, model)
				if !ok {
					return Route{}, fmt.Errorf("model %q has no family mapping on provider %q", model, spec.ID)
				}
				family = matched
			}
			return Route{ProviderID: spec.ID, Family: family}, nil
		}
	}
	return Route{}, &UnknownModelError{Model: model}
}

// Providers returns the configured provider ids in order.
func (t *Table) Providers() []string {
	out := make([]string, 0, len(t.providers))
	for _, spec := range t.providers {
		out = append(out, spec.ID)
	}
	return out
}

// UnknownModelError reports a model no provider serves.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("no provider serves model %q", e.Model)
}
