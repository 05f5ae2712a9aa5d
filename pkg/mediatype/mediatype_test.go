package mediatype

import "testing"

func TestClassifyLayer(t *testing.T) {
	tests := []struct {
		mt      string
		decoder LayerDecoder
		ext     string
		wantErr bool
	}{
		{"application/vnd.oci.image.layer.v1.tar", DecoderTar, "tar", false},
		{"application/vnd.oci.image.layer.v1.tar+gzip", DecoderGzip, "tar.gz", false},
		{"application/vnd.oci.image.layer.v1.tar+zstd", DecoderZstd, "tar.zst", false},
		{"application/vnd.docker.image.rootfs.diff.tar.gzip", DecoderGzip, "tar.gz", false},
		{"application/unknown", DecoderUnknown, "", true},
	}

	for _, tt := range tests {
		decoder, ext, err := ClassifyLayer(tt.mt)
		if (err != nil) != tt.wantErr {
			t.Errorf("ClassifyLayer(%q) error = %v, wantErr %v", tt.mt, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if decoder != tt.decoder || ext != tt.ext {
			t.Errorf("ClassifyLayer(%q) = (%v, %q), want (%v, %q)", tt.mt, decoder, ext, tt.decoder, tt.ext)
		}
	}
}

func TestIsManifestAndList(t *testing.T) {
	if !IsManifest("application/vnd.oci.image.manifest.v1+json") {
		t.Error("expected OCI manifest media type to be a manifest")
	}
	if !IsManifestList("application/vnd.docker.distribution.manifest.list.v2+json") {
		t.Error("expected docker manifest list media type to be a manifest list")
	}
	if IsManifest("application/vnd.oci.image.index.v1+json") {
		t.Error("an index should not classify as a manifest")
	}
}
