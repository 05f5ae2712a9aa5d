// Package mediatype classifies OCI/Docker manifest and layer media types.
package mediatype

import (
	specv1 "github.com/opencontainers/image-spec/specs-go/v1"

	crtypes "github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/cloverzero/peeko/pkg/errs"
)

// IsManifest reports whether mt identifies a single-platform image manifest
// (OCI or Docker schema2).
func IsManifest(mt string) bool {
	switch mt {
	case specv1.MediaTypeImageManifest, string(crtypes.DockerManifestSchema2):
		return true
	default:
		return false
	}
}

// IsManifestList reports whether mt identifies a multi-platform manifest
// list / image index.
func IsManifestList(mt string) bool {
	switch mt {
	case specv1.MediaTypeImageIndex, string(crtypes.DockerManifestList):
		return true
	default:
		return false
	}
}

// ManifestAccept is the Accept header value sent when resolving a tag,
// listing every media type the registry client understands (spec.md §6).
const ManifestAccept = specv1.MediaTypeImageManifest + "," +
	"application/vnd.docker.distribution.manifest.v2+json" + "," +
	specv1.MediaTypeImageIndex + "," +
	"application/vnd.docker.distribution.manifest.list.v2+json"

// LayerDecoder selects which decompressor a layer blob needs.
type LayerDecoder int

const (
	DecoderUnknown LayerDecoder = iota
	DecoderTar
	DecoderGzip
	DecoderZstd
)

// layerKinds maps every media-type suffix spec.md §4.A recognizes (OCI and
// legacy Docker spellings) to a decoder and on-disk file extension.
var layerKinds = map[string]struct {
	decoder LayerDecoder
	ext     string
}{
	specv1.MediaTypeImageLayer:                 {DecoderTar, "tar"},
	specv1.MediaTypeImageLayerNonDistributable: {DecoderTar, "tar"},
	specv1.MediaTypeImageLayerGzip:             {DecoderGzip, "tar.gz"},
	specv1.MediaTypeImageLayerZstd:             {DecoderZstd, "tar.zst"},
	"application/vnd.docker.image.rootfs.diff.tar":              {DecoderTar, "tar"},
	"application/vnd.docker.image.rootfs.diff.tar.gzip":         {DecoderGzip, "tar.gz"},
	"application/vnd.docker.image.rootfs.foreign.diff.tar.gzip": {DecoderGzip, "tar.gz"},
}

// ClassifyLayer resolves the decoder and filename extension for a layer's
// declared media type. Unknown suffixes fail with ErrUnsupportedLayerFmt.
func ClassifyLayer(mt string) (LayerDecoder, string, error) {
	if k, ok := layerKinds[mt]; ok {
		return k.decoder, k.ext, nil
	}
	return DecoderUnknown, "", errs.New("mediatype.ClassifyLayer", mt, errs.ErrUnsupportedLayerFmt, nil)
}

// IsConfig reports whether mt identifies an image config blob.
func IsConfig(mt string) bool {
	switch mt {
	case specv1.MediaTypeImageConfig, string(crtypes.DockerConfigJSON):
		return true
	default:
		return false
	}
}
