// Package overlay replays ordered layer tar streams into a single in-memory
// virtual filesystem tree, applying OCI whiteout and opaque-directory
// semantics (spec.md §4.F).
package overlay

import (
	"context"
	"io"
	"strings"

	"github.com/cloverzero/peeko/pkg/errs"
	ociLayer "github.com/cloverzero/peeko/pkg/layer"
)

// Kind discriminates the VirtualEntry variants from spec.md §3.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
	KindHardLink
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindHardLink:
		return "hardlink"
	case KindSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// Node is one VirtualEntry. Every non-root entry has exactly one parent
// Directory node.
type Node struct {
	Kind       Kind
	Size       int64  // KindFile
	LayerIndex int    // final layer that wrote this path
	Mode       int64
	Target     string           // KindSymlink: verbatim link text. KindHardLink: resolved path.
	Typeflag   byte             // KindSpecial: the tar typeflag (char/block/fifo/socket)
	Children   map[string]*Node // KindDirectory only
}

func newDirectory(layerIndex int, mode int64) *Node {
	return &Node{Kind: KindDirectory, LayerIndex: layerIndex, Mode: mode, Children: map[string]*Node{}}
}

// Logger is the subset of logrus.FieldLogger the builder needs for the
// warn-level diagnostics spec.md §4.F calls for on unresolvable hardlinks.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Source supplies one layer's compressed tar bytes on demand.
type Source struct {
	MediaType string
	Open      func(ctx context.Context) (io.ReadCloser, error)
}

// Builder replays layers bottom-to-top into a VirtualTree. The build is
// single-threaded by design: later layers must observe earlier layers'
// fully-applied state (spec.md §4.F "Termination").
type Builder struct {
	Logger Logger
}

// NewBuilder returns a Builder with a no-op logger.
func NewBuilder() *Builder {
	return &Builder{Logger: noopLogger{}}
}

type hardlinkPending struct {
	path   string
	target string
}

// Build replays sources in order and returns the root directory of the
// resulting VirtualTree.
func (b *Builder) Build(ctx context.Context, sources []Source) (*Node, error) {
	logger := b.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	root := newDirectory(-1, 0o755)

	for layerIndex, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, errs.New("overlay.Build", "", errs.ErrCancelled, err)
		}

		if err := b.applyLayer(ctx, root, layerIndex, src, logger); err != nil {
			return nil, err
		}
	}

	return root, nil
}

func (b *Builder) applyLayer(ctx context.Context, root *Node, layerIndex int, src Source, logger Logger) error {
	rc, err := src.Open(ctx)
	if err != nil {
		return errs.New("overlay.applyLayer", src.MediaType, errs.ErrIO, err)
	}
	defer rc.Close()

	lr, err := ociLayer.Open(rc, src.MediaType)
	if err != nil {
		return err
	}
	defer lr.Close()

	var pendingHardlinks []hardlinkPending

	for {
		entry, err := lr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.New("overlay.applyLayer", src.MediaType, errs.ErrIO, err)
		}

		segs := splitPath(entry.Path)
		if len(segs) == 0 {
			continue // the layer root itself
		}
		base := segs[len(segs)-1]
		dirSegs := segs[:len(segs)-1]

		if base == ".wh..wh..opq" {
			dir := lookupDirectory(root, dirSegs)
			if dir != nil {
				dir.Children = map[string]*Node{}
			}
			continue
		}

		if strings.HasPrefix(base, ".wh.") {
			target := strings.TrimPrefix(base, ".wh.")
			dir := lookupDirectory(root, dirSegs)
			if dir != nil {
				delete(dir.Children, target)
			}
			continue
		}

		switch entry.Typeflag {
		case tarTypeReg, tarTypeRegA:
			applyFile(root, segs, entry.Size, layerIndex, entry.Mode)

		case tarTypeDir:
			applyDir(root, segs, layerIndex, entry.Mode)

		case tarTypeSymlink:
			applySymlink(root, segs, entry.LinkTarget, layerIndex)

		case tarTypeLink:
			pendingHardlinks = append(pendingHardlinks, hardlinkPending{path: entry.Path, target: entry.LinkTarget})

		case tarTypeChar, tarTypeBlock, tarTypeFifo:
			applySpecial(root, segs, entry.Typeflag, layerIndex, entry.Mode)

		default:
			// Unknown/unsupported type: skip without failing the build.
		}
	}

	for _, pending := range pendingHardlinks {
		resolveHardlink(root, pending, layerIndex, logger)
	}

	return nil
}

// splitPath cleans and splits an already-sanitized (by pkg/layer) entry
// path into non-empty segments.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func lookupDirectory(root *Node, segs []string) *Node {
	cur := root
	for _, s := range segs {
		child, ok := cur.Children[s]
		if !ok || child.Kind != KindDirectory {
			return nil
		}
		cur = child
	}
	return cur
}

// ensureDir walks/creates intermediate directories for segs, replacing any
// non-directory node in the path (spec.md §4.F "Directory: ... if it exists
// as a non-directory, replace").
func ensureDir(root *Node, segs []string, layerIndex int) *Node {
	cur := root
	for _, s := range segs {
		child, ok := cur.Children[s]
		if !ok || child.Kind != KindDirectory {
			child = newDirectory(layerIndex, 0o755)
			cur.Children[s] = child
		}
		cur = child
	}
	return cur
}

func applyFile(root *Node, segs []string, size int64, layerIndex int, mode int64) {
	dir := ensureDir(root, segs[:len(segs)-1], layerIndex)
	dir.Children[segs[len(segs)-1]] = &Node{Kind: KindFile, Size: size, LayerIndex: layerIndex, Mode: mode}
}

func applyDir(root *Node, segs []string, layerIndex int, mode int64) {
	dir := ensureDir(root, segs[:len(segs)-1], layerIndex)
	name := segs[len(segs)-1]
	if existing, ok := dir.Children[name]; ok && existing.Kind == KindDirectory {
		existing.LayerIndex = layerIndex // merge: keep children, bump owner
		return
	}
	dir.Children[name] = newDirectory(layerIndex, mode)
}

func applySymlink(root *Node, segs []string, target string, layerIndex int) {
	dir := ensureDir(root, segs[:len(segs)-1], layerIndex)
	dir.Children[segs[len(segs)-1]] = &Node{Kind: KindSymlink, Target: target, LayerIndex: layerIndex}
}

func applySpecial(root *Node, segs []string, typeflag byte, layerIndex int, mode int64) {
	dir := ensureDir(root, segs[:len(segs)-1], layerIndex)
	dir.Children[segs[len(segs)-1]] = &Node{Kind: KindSpecial, Typeflag: typeflag, LayerIndex: layerIndex, Mode: mode}
}

// resolveHardlink looks up target within the tree as it stands after the
// whole layer has been applied (spec.md §9: two-pass per layer). A target
// unresolved at layer end is dropped with a warning, never fails the build.
func resolveHardlink(root *Node, pending hardlinkPending, layerIndex int, logger Logger) {
	targetSegs := splitPath(pending.target)
	resolved := lookupNode(root, targetSegs)
	if resolved == nil {
		logger.Warnf("overlay: hardlink %q -> %q did not resolve in layer %d, skipping", pending.path, pending.target, layerIndex)
		return
	}

	segs := splitPath(pending.path)
	dir := ensureDir(root, segs[:len(segs)-1], layerIndex)
	dir.Children[segs[len(segs)-1]] = &Node{Kind: KindHardLink, Target: "/" + strings.Join(targetSegs, "/"), LayerIndex: layerIndex}
}

func lookupNode(root *Node, segs []string) *Node {
	cur := root
	for i, s := range segs {
		child, ok := cur.Children[s]
		if !ok {
			return nil
		}
		if i == len(segs)-1 {
			return child
		}
		if child.Kind != KindDirectory {
			return nil
		}
		cur = child
	}
	return cur
}

// tar typeflag constants, duplicated from archive/tar to avoid importing it
// here purely for these byte constants (pkg/layer already depends on it).
const (
	tarTypeReg     = '0'
	tarTypeRegA    = '\x00'
	tarTypeLink    = '1'
	tarTypeSymlink = '2'
	tarTypeChar    = '3'
	tarTypeBlock   = '4'
	tarTypeDir     = '5'
	tarTypeFifo    = '6'
)
