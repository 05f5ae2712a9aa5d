// Package image exposes read-only access to a VirtualTree built by
// pkg/overlay: file contents, directory listings, metadata, and aggregate
// stats (spec.md §4.G).
package image

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cloverzero/peeko/pkg/errs"
	ociLayer "github.com/cloverzero/peeko/pkg/layer"
	"github.com/cloverzero/peeko/pkg/overlay"
)

// maxSymlinkHops bounds symlink resolution. A chain longer than this is
// rejected as a loop, no visited-set is kept (spec.md §9).
const maxSymlinkHops = 40

// decoderCacheSize bounds the optional LRU of scanned layers (one map of
// regular-file bodies per layer). A miss just reopens and rescans the blob;
// the cache never changes read_file's result
// (spec.md §9 "streaming reads on demand").
const decoderCacheSize = 8

// Entry is one child returned by ListDir.
type Entry struct {
	Name       string
	Kind       overlay.Kind
	Size       int64
	Mode       int64
	LinkTarget string
}

// Metadata is the result of FileMetadata.
type Metadata struct {
	Size       int64
	LayerIndex int
	Kind       overlay.Kind
	Mode       int64
}

// Stats is the result of a single tree walk (spec.md §4.G).
type Stats struct {
	Directories int
	Files       int
	Symlinks    int
	TotalSize   int64
}

// TreeNode is one node of a get_dir_tree result.
type TreeNode struct {
	Name      string
	Kind      overlay.Kind
	Children  []*TreeNode
	Truncated int // "... and N more items", 0 when nothing was dropped
}

// Image reads from a built VirtualTree, re-opening the owning layer's
// source on every ReadFile call.
type Image struct {
	root    *overlay.Node
	sources []overlay.Source

	// decoders caches one layer's fully-scanned regular-file bodies, keyed
	// by layer index (a stand-in for layer digest: sources is built in the
	// same order the manifest lists layer digests). A miss just re-scans
	// the layer; read_file's result never depends on a hit.
	decoders *lru.Cache[int, map[string][]byte]
}

// New wraps root (as produced by overlay.Builder.Build) together with the
// same ordered sources used to build it, so file bodies can be re-fetched.
func New(root *overlay.Node, sources []overlay.Source) (*Image, error) {
	cache, err := lru.New[int, map[string][]byte](decoderCacheSize)
	if err != nil {
		return nil, err
	}
	return &Image{root: root, sources: sources, decoders: cache}, nil
}

func normalize(p string) []string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." || p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// resolve walks segs from root, following symlinks encountered along the
// way (including at the final segment) up to maxSymlinkHops times. It
// returns the resolved node together with the path segments it actually
// lives at, since a symlink or hardlink may land on a path different from
// segs (needed by ReadFile to key the owning layer's scanned body map).
func (img *Image) resolve(segs []string) (*overlay.Node, []string, error) {
	cur := img.root
	curSegs := []string{}
	hops := 0

	for i := 0; i < len(segs); i++ {
		child, ok := cur.Children[segs[i]]
		if !ok {
			return nil, nil, errs.New("image.resolve", joinSegs(segs), errs.ErrNotFound, nil)
		}
		childSegs := append(append([]string{}, curSegs...), segs[i])

		for child.Kind == overlay.KindSymlink {
			hops++
			if hops > maxSymlinkHops {
				return nil, nil, errs.New("image.resolve", joinSegs(segs), errs.ErrSymlinkLoop, nil)
			}

			targetSegs := resolveSymlinkTarget(segs[:i], child.Target)
			resolved, err := img.resolveFromRoot(targetSegs)
			if err != nil {
				return nil, nil, err
			}
			child = resolved
			childSegs = targetSegs
		}

		if child.Kind == overlay.KindHardLink {
			targetSegs := normalize(child.Target)
			resolved, err := img.resolveFromRoot(targetSegs)
			if err != nil {
				return nil, nil, err
			}
			child = resolved
			childSegs = targetSegs
		}

		cur = child
		curSegs = childSegs
	}

	return cur, curSegs, nil
}

// resolveFromRoot walks segs from the tree root without following the
// final segment's own symlink (the caller's loop does that).
func (img *Image) resolveFromRoot(segs []string) (*overlay.Node, error) {
	cur := img.root
	for _, s := range segs {
		child, ok := cur.Children[s]
		if !ok {
			return nil, errs.New("image.resolveFromRoot", joinSegs(segs), errs.ErrNotFound, nil)
		}
		cur = child
	}
	return cur, nil
}

func resolveSymlinkTarget(dirSegs []string, target string) []string {
	if strings.HasPrefix(target, "/") {
		return normalize(target)
	}
	joined := append(append([]string{}, dirSegs...), strings.Split(target, "/")...)
	return normalize(strings.Join(joined, "/"))
}

func joinSegs(segs []string) string {
	return "/" + strings.Join(segs, "/")
}

// ReadFile returns the bytes of the regular file at path, following
// symlinks. Re-opens and re-decompresses the owning layer, scanning its tar
// stream to the recorded path, per spec.md §9.
func (img *Image) ReadFile(ctx context.Context, p string) ([]byte, error) {
	node, resolvedSegs, err := img.resolve(normalize(p))
	if err != nil {
		return nil, err
	}
	if node.Kind != overlay.KindFile {
		return nil, errs.New("image.ReadFile", p, errs.ErrNotAFile, nil)
	}

	wantPath := joinSegs(resolvedSegs)
	want := strings.TrimPrefix(wantPath, "/")

	files, ok := img.decoders.Get(node.LayerIndex)
	if !ok {
		var err error
		files, err = img.scanLayer(ctx, node.LayerIndex)
		if err != nil {
			return nil, err
		}
		img.decoders.Add(node.LayerIndex, files)
	}

	body, ok := files[want]
	if !ok {
		return nil, errs.New("image.ReadFile", wantPath, errs.ErrNotFound, nil)
	}
	return body, nil
}

// scanLayer re-opens and re-decompresses layerIndex's source, returning the
// body of every regular-file entry it contains.
func (img *Image) scanLayer(ctx context.Context, layerIndex int) (map[string][]byte, error) {
	if layerIndex < 0 || layerIndex >= len(img.sources) {
		return nil, errs.New("image.scanLayer", "", errs.ErrIO, fmt.Errorf("layer index %d out of range", layerIndex))
	}
	src := img.sources[layerIndex]

	rc, err := src.Open(ctx)
	if err != nil {
		return nil, errs.New("image.scanLayer", src.MediaType, errs.ErrIO, err)
	}
	defer rc.Close()

	lr, err := ociLayer.Open(rc, src.MediaType)
	if err != nil {
		return nil, err
	}
	defer lr.Close()

	files := make(map[string][]byte)
	for {
		entry, err := lr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, errs.New("image.scanLayer", src.MediaType, errs.ErrIO, err)
		}
		if entry.Typeflag != '0' && entry.Typeflag != 0 {
			continue
		}
		data, err := io.ReadAll(entry.Body)
		if err != nil {
			return nil, errs.New("image.scanLayer", entry.Path, errs.ErrIO, err)
		}
		files[entry.Path] = data
	}
}

// ListDir returns the children of the directory at path, sorted ascending
// by name with no duplicates (spec.md §8 property 5).
func (img *Image) ListDir(p string) ([]Entry, error) {
	node, _, err := img.resolve(normalize(p))
	if err != nil {
		return nil, err
	}
	if node.Kind != overlay.KindDirectory {
		return nil, errs.New("image.ListDir", p, errs.ErrNotADirectory, nil)
	}

	names := make([]string, 0, len(node.Children))
	for name := range node.Children {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		child := node.Children[name]
		entries = append(entries, Entry{
			Name:       name,
			Kind:       child.Kind,
			Size:       child.Size,
			Mode:       child.Mode,
			LinkTarget: child.Target,
		})
	}
	return entries, nil
}

// FileMetadata reports size/layer/kind/mode for path, following symlinks
// (including a trailing one) and hardlinks the same way ReadFile does, so
// the metadata describes the entry the path finally resolves to.
func (img *Image) FileMetadata(p string) (Metadata, error) {
	node, _, err := img.resolve(normalize(p))
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Size: node.Size, LayerIndex: node.LayerIndex, Kind: node.Kind, Mode: node.Mode}, nil
}

// GetDirTree returns a bounded-depth, bounded-width view of path. Exceeding
// maxItemsPerLevel at a level truncates it with the "... and N more items"
// sentinel recorded as TreeNode.Truncated.
func (img *Image) GetDirTree(p string, depth, maxItemsPerLevel int) (*TreeNode, error) {
	node, _, err := img.resolve(normalize(p))
	if err != nil {
		return nil, err
	}
	return buildTreeNode(path.Base(path.Clean("/"+p)), node, depth, maxItemsPerLevel), nil
}

func buildTreeNode(name string, node *overlay.Node, depth, maxItemsPerLevel int) *TreeNode {
	tn := &TreeNode{Name: name, Kind: node.Kind}

	if node.Kind != overlay.KindDirectory || depth <= 0 {
		return tn
	}

	names := make([]string, 0, len(node.Children))
	for n := range node.Children {
		names = append(names, n)
	}
	sort.Strings(names)

	shown := names
	truncated := 0
	if len(names) > maxItemsPerLevel {
		shown = names[:maxItemsPerLevel]
		truncated = len(names) - maxItemsPerLevel
	}

	for _, n := range shown {
		tn.Children = append(tn.Children, buildTreeNode(n, node.Children[n], depth-1, maxItemsPerLevel))
	}
	tn.Truncated = truncated

	return tn
}

// Stats walks the tree once, counting directories, files, and symlinks and
// summing file sizes (spec.md §4.G). The root directory itself is not
// counted.
func (img *Image) Stats() Stats {
	var s Stats
	for _, child := range img.root.Children {
		walkStats(child, &s)
	}
	return s
}

func walkStats(node *overlay.Node, s *Stats) {
	switch node.Kind {
	case overlay.KindDirectory:
		s.Directories++
		names := make([]string, 0, len(node.Children))
		for n := range node.Children {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			walkStats(node.Children[n], s)
		}
	case overlay.KindFile:
		s.Files++
		s.TotalSize += node.Size
	case overlay.KindSymlink:
		s.Symlinks++
	}
}
