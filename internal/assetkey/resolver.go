// Package assetkey picks the canonical storage key for a product asset's
// prepared image, falling back through the legacy representations older
// pipeline versions left behind.
package assetkey

import (
	"net/url"
	"strings"

	"seeit/internal/domain"
)

// Resolved is the storage location of a prepared image. Version is nil when
// the asset predates versioned keys.
type Resolved struct {
	Key     string
	Version *int
}

// A strategy inspects an asset and returns a location, or nil when it does
// not apply. Strategies run in priority order; first non-nil wins.
type strategy func(domain.ProductAsset) *Resolved

var strategies = []strategy{
	versionedKey,
	bareKey,
	legacySignedURL,
}

// Resolve returns the canonical prepared-image location for the asset, or
// nil when the asset has no usable prepared image. Pure and deterministic:
// the same asset always yields the same result, which retries rely on.
func Resolve(asset domain.ProductAsset) *Resolved {
	for _, s := range strategies {
		if r := s(asset); r != nil {
			return r
		}
	}
	return nil
}

func versionedKey(asset domain.ProductAsset) *Resolved {
	if asset.PreparedImageKey == "" || asset.PreparedImageVersion == nil {
		return nil
	}
	v := *asset.PreparedImageVersion
	return &Resolved{Key: asset.PreparedImageKey, Version: &v}
}

func bareKey(asset domain.ProductAsset) *Resolved {
	if asset.PreparedImageKey == "" {
		return nil
	}
	return &Resolved{Key: asset.PreparedImageKey}
}

func legacySignedURL(asset domain.ProductAsset) *Resolved {
	if asset.PreparedImageURL == "" {
		return nil
	}
	return &Resolved{Key: keyFromSignedURL(asset.PreparedImageURL)}
}

// keyFromSignedURL extracts the object key from a storage-service signed
// URL: scheme and host are stripped, the leading bucket segment dropped, and
// the remaining path rejoined. Query parameters (signatures) are ignored.
// Any URL that cannot be parsed that way comes back unchanged so the caller
// still has something addressable.
func keyFromSignedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		return raw
	}
	return strings.Join(segments[1:], "/")
}
