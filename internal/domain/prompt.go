package domain

import "time"

// ScopeSystem is the shared template scope consulted when a shop has no
// template of its own.
const ScopeSystem = "SYSTEM"

// PromptDefinition is a named, versioned prompt template scoped to a shop or
// to the shared SYSTEM scope. The render pipeline treats definitions as
// read-only inputs resolved once per run.
type PromptDefinition struct {
	ID        string
	Scope     string
	Name      string
	Version   int
	Template  string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PromptAuditLog is one append-only entry recording a template change.
type PromptAuditLog struct {
	ID         string
	PromptID   string
	Version    int
	Template   string
	ChangedBy  string
	RecordedAt time.Time
}
