// Package cache enumerates a downloads root for already-pulled images
// without needing a running registry client (spec.md §4.H).
package cache

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/cloverzero/peeko/pkg/errs"
)

// ImageInfo is one entry yielded by CollectImages.
type ImageInfo struct {
	Repository string
	Tag        string
	SizeBytes  int64
}

// CollectImages walks root recursively; every directory containing a
// manifest.json is taken as a <repository.../tag> leaf (not descended
// further), and the byte sizes of its layer blob files are summed.
func CollectImages(fs afero.Fs, root string) ([]ImageInfo, error) {
	var images []ImageInfo

	var walkRepo func(repoPath string) error
	walkRepo = func(repoPath string) error {
		entries, err := afero.ReadDir(fs, repoPath)
		if err != nil {
			return errs.New("cache.CollectImages", repoPath, errs.ErrIO, err)
		}

		hasManifest := false
		for _, e := range entries {
			if !e.IsDir() && e.Name() == "manifest.json" {
				hasManifest = true
				break
			}
		}

		if hasManifest {
			size := sumLayerSizes(entries)
			rel := strings.TrimPrefix(repoPath, root+"/")
			repo, tag := splitRepoTag(rel)
			images = append(images, ImageInfo{Repository: repo, Tag: tag, SizeBytes: size})
			return nil
		}

		for _, e := range entries {
			if e.IsDir() {
				if err := walkRepo(path.Join(repoPath, e.Name())); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walkRepo(root); err != nil {
		return nil, err
	}

	sort.Slice(images, func(i, j int) bool {
		if images[i].Repository != images[j].Repository {
			return images[i].Repository < images[j].Repository
		}
		return images[i].Tag < images[j].Tag
	})

	return images, nil
}

func sumLayerSizes(entries []os.FileInfo) int64 {
	var total int64
	for _, e := range entries {
		if e.IsDir() || e.Name() == "manifest.json" || strings.HasSuffix(e.Name(), ".partial") {
			continue
		}
		total += e.Size()
	}
	return total
}

func splitRepoTag(rel string) (repository, tag string) {
	idx := strings.LastIndex(rel, "/")
	if idx < 0 {
		return rel, ""
	}
	return rel[:idx], rel[idx+1:]
}
