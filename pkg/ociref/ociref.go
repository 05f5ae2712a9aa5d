// Package ociref parses and normalizes image references and platform
// filters (spec.md §3).
package ociref

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

const defaultRegistry = "https://registry-1.docker.io"

// PlatformFilter narrows a manifest list to a single child manifest. An
// empty filter means "first entry".
type PlatformFilter struct {
	Architecture string
	OS           string
	Variant      string
}

// Empty reports whether every field is unset.
func (f PlatformFilter) Empty() bool {
	return f.Architecture == "" && f.OS == "" && f.Variant == ""
}

// Matches reports whether a manifest-list child's platform fields satisfy
// every field present in f. Fields f leaves unset are ignored.
func (f PlatformFilter) Matches(architecture, os, variant string) bool {
	if f.Architecture != "" && f.Architecture != architecture {
		return false
	}
	if f.OS != "" && f.OS != os {
		return false
	}
	if f.Variant != "" && f.Variant != variant {
		return false
	}
	return true
}

// ImageRef identifies an image to pull: a registry base URL, a
// slash-separated repository path, a tag, and an optional platform filter.
type ImageRef struct {
	RegistryBaseURL string
	Repository      string
	Tag             string
	Platform        PlatformFilter
}

// Parse normalizes a user-supplied image string ("nginx", "nginx:1.27",
// "ghcr.io/org/repo:v1") into an ImageRef. A bare name with no registry
// host and no slash is treated as a Docker Hub "library/" image, matching
// the normalization rule in spec.md §3 and §6.
func Parse(ref string, platform PlatformFilter) (ImageRef, error) {
	normalized := ref
	if !strings.Contains(ref, "/") {
		normalized = "library/" + ref
	}

	parsed, err := name.ParseReference(normalized)
	if err != nil {
		return ImageRef{}, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	repo := parsed.Context()

	// go-containerregistry's default registry host (index.docker.io) is the
	// auth/index hostname; the actual manifest/blob pull endpoint for
	// Docker Hub is registry-1.docker.io (spec.md §3).
	registryBase := defaultRegistry
	if host := repo.RegistryStr(); host != name.DefaultRegistry {
		registryBase = "https://" + host
	}

	return ImageRef{
		RegistryBaseURL: registryBase,
		Repository:      repo.RepositoryStr(),
		Tag:             parsed.Identifier(),
		Platform:        platform,
	}, nil
}

// String renders the ref the way a registry log line would.
func (r ImageRef) String() string {
	return fmt.Sprintf("%s/%s:%s", r.RegistryBaseURL, r.Repository, r.Tag)
}
