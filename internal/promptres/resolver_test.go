package promptres

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"seeit/internal/domain"
)

type fakeTemplates struct {
	defs map[string]*domain.PromptDefinition
	err  error
}

func key(scope, name string) string { return scope + "/" + name }

func (f *fakeTemplates) Get(ctx context.Context, scope, name string) (*domain.PromptDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	if def, ok := f.defs[key(scope, name)]; ok {
		return def, nil
	}
	return nil, domain.ErrNotFound
}

func newResolver(defs ...*domain.PromptDefinition) *Resolver {
	m := make(map[string]*domain.PromptDefinition)
	for _, d := range defs {
		m[key(d.Scope, d.Name)] = d
	}
	return NewResolver(&fakeTemplates{defs: m}, zerolog.Nop())
}

func TestResolveShopScopeWinsOverSystem(t *testing.T) {
	r := newResolver(
		&domain.PromptDefinition{ID: "p1", Scope: "shop-1", Name: "placement", Version: 4, Template: "Place the {{archetype}} here"},
		&domain.PromptDefinition{ID: "p2", Scope: domain.ScopeSystem, Name: "placement", Version: 9, Template: "system default"},
	)
	res, err := r.Resolve(context.Background(), "shop-1", "placement", nil, map[string]string{"archetype": "floor lamp"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.Text != "Place the Floor Lamp here" {
		t.Fatalf("Text = %q", res.Text)
	}
	if res.Snapshot.TemplateID != "p1" || res.Snapshot.Version != 4 {
		t.Fatalf("snapshot = %+v", res.Snapshot)
	}
}

func TestResolveFallsBackToSystemScope(t *testing.T) {
	r := newResolver(
		&domain.PromptDefinition{ID: "p2", Scope: domain.ScopeSystem, Name: "placement", Version: 2, Template: "system {{product}}"},
	)
	res, err := r.Resolve(context.Background(), "shop-1", "placement", nil, map[string]string{"product": "sofa"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.Text != "system sofa" {
		t.Fatalf("Text = %q", res.Text)
	}
	if res.Snapshot.Scope != domain.ScopeSystem {
		t.Fatalf("Scope = %q", res.Snapshot.Scope)
	}
}

func TestResolveOverrideTakesPrecedence(t *testing.T) {
	r := newResolver(
		&domain.PromptDefinition{ID: "p1", Scope: "shop-1", Name: "placement", Version: 1, Template: "stored"},
	)
	overrides := map[string]string{"placement": "custom {{product}} placement"}
	res, err := r.Resolve(context.Background(), "shop-1", "placement", overrides, map[string]string{"product": "rug"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if res.Text != "custom rug placement" {
		t.Fatalf("Text = %q", res.Text)
	}
	if res.Snapshot.Scope != ScopeOverride {
		t.Fatalf("Scope = %q, want override", res.Snapshot.Scope)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := newResolver()
	_, err := r.Resolve(context.Background(), "shop-1", "missing", nil, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolvePropagatesLookupFailure(t *testing.T) {
	r := NewResolver(&fakeTemplates{err: errors.New("db down")}, zerolog.Nop())
	_, err := r.Resolve(context.Background(), "shop-1", "placement", nil, nil)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want wrapped lookup failure", err)
	}
}

func TestReplayReproducesResolvedText(t *testing.T) {
	r := newResolver(
		&domain.PromptDefinition{
			ID: "p1", Scope: "shop-1", Name: "placement", Version: 3,
			Template: "Put the {{archetype}} against the {{wall}} wall, keep shadows soft",
		},
	)
	vars := map[string]string{"archetype": "ARMCHAIR", "wall": "north"}
	res, err := r.Resolve(context.Background(), "shop-1", "placement", nil, vars)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got := Replay(res.Snapshot); got != res.Text {
		t.Fatalf("Replay = %q, Resolve = %q", got, res.Text)
	}
}

func TestReplayReproducesOverrideText(t *testing.T) {
	r := newResolver()
	overrides := map[string]string{"placement": "exact {{product}}"}
	res, err := r.Resolve(context.Background(), "shop-1", "placement", overrides, map[string]string{"product": "vase"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got := Replay(res.Snapshot); got != res.Text {
		t.Fatalf("Replay = %q, Resolve = %q", got, res.Text)
	}
}

func TestResolveDoesNotMutateInputs(t *testing.T) {
	r := newResolver(
		&domain.PromptDefinition{ID: "p1", Scope: "shop-1", Name: "placement", Version: 1, Template: "{{archetype}}"},
	)
	vars := map[string]string{"archetype": "lamp"}
	if _, err := r.Resolve(context.Background(), "shop-1", "placement", nil, vars); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if vars["archetype"] != "lamp" {
		t.Fatalf("caller's variables were mutated: %q", vars["archetype"])
	}
}
