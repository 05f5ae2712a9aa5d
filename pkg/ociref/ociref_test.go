package ociref

import "testing"

func TestParseNormalizesDockerHub(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantRepo   string
		wantTag    string
		wantServer string
	}{
		{"bare name defaults to library", "alpine", "library/alpine", "latest", defaultRegistry},
		{"bare name with tag", "alpine:3.19", "library/alpine", "3.19", defaultRegistry},
		{"namespaced docker hub image", "library/nginx:latest", "library/nginx", "latest", defaultRegistry},
		{"third party registry", "ghcr.io/owner/repo:v1.0", "owner/repo", "v1.0", "https://ghcr.io"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Parse(tt.input, PlatformFilter{})
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if ref.Repository != tt.wantRepo {
				t.Errorf("Repository = %q, want %q", ref.Repository, tt.wantRepo)
			}
			if ref.Tag != tt.wantTag {
				t.Errorf("Tag = %q, want %q", ref.Tag, tt.wantTag)
			}
			if ref.RegistryBaseURL != tt.wantServer {
				t.Errorf("RegistryBaseURL = %q, want %q", ref.RegistryBaseURL, tt.wantServer)
			}
		})
	}
}

func TestPlatformFilterMatches(t *testing.T) {
	empty := PlatformFilter{}
	if !empty.Empty() {
		t.Error("zero value PlatformFilter should be Empty")
	}

	f := PlatformFilter{Architecture: "arm64"}
	if !f.Matches("arm64", "linux", "v8") {
		t.Error("expected arch-only filter to match any os/variant with matching arch")
	}
	if f.Matches("amd64", "linux", "") {
		t.Error("expected arch-only filter to reject mismatching arch")
	}

	withVariant := PlatformFilter{Architecture: "arm", Variant: "v7"}
	if withVariant.Matches("arm", "linux", "v6") {
		t.Error("expected variant mismatch to be rejected when both sides set it")
	}
	if !withVariant.Matches("arm", "linux", "v7") {
		t.Error("expected matching arch+variant to match")
	}
}
