package domain

import "time"

// PromptVariant is one alternative placement prompt attached to an asset.
type PromptVariant struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// ProductAsset is a merchant's product image plus its derived artifacts.
// Prepared-image fields accumulate across pipeline versions: the canonical
// storage key, a legacy signed URL, and an optional monotonic version.
type ProductAsset struct {
	ID                 string
	ShopID             string
	ProductType        string
	DetectedArchetype  string
	GeneratedPrompt    string
	UseGeneratedPrompt bool
	PromptVariants     []PromptVariant

	PreparedImageKey     string
	PreparedImageURL     string
	PreparedImageVersion *int

	// GeminiFileURI is an ephemeral upload handle on the generation service.
	// It is unusable past GeminiFileExpiresAt and must be re-uploaded.
	GeminiFileURI       string
	GeminiFileExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileHandleValid reports whether the stored upload handle can still be used
// at the given instant.
func (a *ProductAsset) FileHandleValid(now time.Time) bool {
	if a.GeminiFileURI == "" || a.GeminiFileExpiresAt == nil {
		return false
	}
	return now.Before(*a.GeminiFileExpiresAt)
}

// PlacementPrompt returns the instruction text the asset itself carries, if
// the merchant opted into the generated prompt.
func (a *ProductAsset) PlacementPrompt() string {
	if !a.UseGeneratedPrompt {
		return ""
	}
	return a.GeneratedPrompt
}
