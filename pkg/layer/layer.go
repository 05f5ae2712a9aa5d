// Package layer streams tar entries out of a (possibly compressed) OCI
// layer blob (spec.md §4.E).
package layer

import (
	"archive/tar"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/cloverzero/peeko/pkg/errs"
	"github.com/cloverzero/peeko/pkg/mediatype"
)

// Entry is one tar record from a layer, path-cleaned per spec.md §4.E.
type Entry struct {
	Path       string
	Typeflag   byte
	Mode       int64
	Size       int64
	LinkTarget string
	Uid, Gid   int
	Body       io.Reader // valid only until the next Next() call
}

// Reader lazily, single-pass iterates a layer's tar entries, decompressing
// on the fly. The whole layer is never held in memory at once.
type Reader struct {
	tr     *tar.Reader
	closer io.Closer
}

// Open returns a Reader over the layer blob read from r, dispatching to the
// decompressor ClassifyLayer selects for mediaType.
func Open(r io.Reader, mediaType string) (*Reader, error) {
	decoder, _, err := mediatype.ClassifyLayer(mediaType)
	if err != nil {
		return nil, err
	}

	switch decoder {
	case mediatype.DecoderTar:
		return &Reader{tr: tar.NewReader(r)}, nil

	case mediatype.DecoderGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errs.New("layer.Open", mediaType, errs.ErrIO, err)
		}
		return &Reader{tr: tar.NewReader(gz), closer: gz}, nil

	case mediatype.DecoderZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errs.New("layer.Open", mediaType, errs.ErrIO, err)
		}
		return &Reader{tr: tar.NewReader(zr), closer: zstdCloser{zr}}, nil

	default:
		return nil, errs.New("layer.Open", mediaType, errs.ErrUnsupportedLayerFmt, nil)
	}
}

// zstdCloser adapts *zstd.Decoder's error-less Close to io.Closer.
type zstdCloser struct{ d *zstd.Decoder }

func (c zstdCloser) Close() error {
	c.d.Close()
	return nil
}

// Close releases the underlying decompressor, if any.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Next returns the next entry, or io.EOF when the layer is exhausted.
// Entry.Body is a streaming reader valid only until the following Next call.
func (r *Reader) Next() (*Entry, error) {
	for {
		hdr, err := r.tr.Next()
		if err != nil {
			return nil, err // io.EOF or a read error
		}

		path, err := cleanPath(hdr.Name)
		if err != nil {
			return nil, err
		}

		return &Entry{
			Path:       path,
			Typeflag:   hdr.Typeflag,
			Mode:       hdr.Mode,
			Size:       hdr.Size,
			LinkTarget: hdr.Linkname,
			Uid:        hdr.Uid,
			Gid:        hdr.Gid,
			Body:       r.tr,
		}, nil
	}
}

// cleanPath strips a leading "./", rejects backslashes and any ".."
// component, per spec.md §4.E.
func cleanPath(name string) (string, error) {
	if strings.Contains(name, "\\") {
		return "", errs.New("layer.cleanPath", name, errs.ErrInvalidTarPath, nil)
	}

	p := strings.TrimPrefix(name, "./")
	p = strings.TrimPrefix(p, "/")

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", errs.New("layer.cleanPath", name, errs.ErrInvalidTarPath, nil)
		}
	}

	return p, nil
}
