// Package promptres resolves the final placement instruction text for a run
// and captures a snapshot of every input that produced it.
package promptres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"seeit/internal/domain"
	"seeit/internal/infra"
)

// TemplateSource is the read-only template lookup the resolver needs. The
// full PromptRepository satisfies it.
type TemplateSource interface {
	Get(ctx context.Context, scope, name string) (*domain.PromptDefinition, error)
}

// Snapshot is the immutable record of a resolution. Feeding it back through
// Replay reproduces the resolved text byte for byte, which is what makes
// stored runs auditable.
type Snapshot struct {
	TemplateID string            `json:"template_id,omitempty"`
	Scope      string            `json:"scope"`
	Name       string            `json:"name"`
	Version    int               `json:"version"`
	Template   string            `json:"template"`
	Overrides  map[string]string `json:"overrides,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// Resolved pairs the interpolated instruction text with its snapshot.
type Resolved struct {
	Text     string
	Snapshot Snapshot
}

// ScopeOverride marks a snapshot whose template came from a per-run
// override rather than a stored definition.
const ScopeOverride = "override"

// Resolver picks the template for a shop and prompt name and interpolates
// its variables.
type Resolver struct {
	templates TemplateSource
	titler    cases.Caser
	logger    infra.Logger
}

// NewResolver builds a resolver over the given template source.
func NewResolver(templates TemplateSource, logger infra.Logger) *Resolver {
	return &Resolver{
		templates: templates,
		titler:    cases.Title(language.English),
		logger:    logger,
	}
}

// Resolve returns the instruction text for (shopID, name). A per-run
// override for the name wins; otherwise the shop-scoped template; otherwise
// the SYSTEM default. domain.ErrNotFound when no template exists at either
// scope and no override applies.
func (r *Resolver) Resolve(ctx context.Context, shopID, name string, overrides, variables map[string]string) (*Resolved, error) {
	vars := r.normalizeVariables(variables)

	if text, ok := overrides[name]; ok {
		snap := Snapshot{
			Scope:     ScopeOverride,
			Name:      name,
			Template:  text,
			Overrides: copyMap(overrides),
			Variables: vars,
		}
		return &Resolved{Text: interpolate(text, vars), Snapshot: snap}, nil
	}

	def, err := r.lookup(ctx, shopID, name)
	if err != nil {
		return nil, err
	}

	snap := Snapshot{
		TemplateID: def.ID,
		Scope:      def.Scope,
		Name:       def.Name,
		Version:    def.Version,
		Template:   def.Template,
		Overrides:  copyMap(overrides),
		Variables:  vars,
	}
	r.logger.Debug().
		Str("shop_id", shopID).
		Str("prompt", name).
		Str("scope", def.Scope).
		Int("version", def.Version).
		Msg("promptres: resolved template")
	return &Resolved{Text: interpolate(def.Template, vars), Snapshot: snap}, nil
}

func (r *Resolver) lookup(ctx context.Context, shopID, name string) (*domain.PromptDefinition, error) {
	def, err := r.templates.Get(ctx, shopID, name)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("promptres: shop template lookup: %w", err)
	}
	def, err = r.templates.Get(ctx, domain.ScopeSystem, name)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("promptres: system template lookup: %w", err)
	}
	return nil, fmt.Errorf("promptres: template %q: %w", name, domain.ErrNotFound)
}

// normalizeVariables copies the variable map and title-cases the archetype,
// which templates embed mid-sentence.
func (r *Resolver) normalizeVariables(variables map[string]string) map[string]string {
	vars := copyMap(variables)
	if vars == nil {
		return map[string]string{}
	}
	if archetype, ok := vars["archetype"]; ok {
		vars["archetype"] = r.titler.String(strings.ToLower(archetype))
	}
	return vars
}

// Replay re-derives the resolved text from a stored snapshot, without any
// template lookup. The result is identical to what Resolve produced.
func Replay(snap Snapshot) string {
	return interpolate(snap.Template, snap.Variables)
}

// interpolate substitutes {{key}} tokens. Unknown tokens are left in place
// so a missing variable is visible in the output rather than silently blank.
func interpolate(template string, variables map[string]string) string {
	if len(variables) == 0 {
		return template
	}
	pairs := make([]string, 0, len(variables)*2)
	for key, value := range variables {
		pairs = append(pairs, "{{"+key+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
