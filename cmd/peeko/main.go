// Command peeko pulls a single image and reports its reconstructed file
// count. It is a thin wiring entrypoint, not the interactive menu/CLI
// driver (that's an external collaborator per spec.md §1).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	pdigest "github.com/cloverzero/peeko/pkg/digest"
	"github.com/cloverzero/peeko/pkg/image"
	"github.com/cloverzero/peeko/pkg/mediatype"
	"github.com/cloverzero/peeko/pkg/ociref"
	"github.com/cloverzero/peeko/pkg/overlay"
	"github.com/cloverzero/peeko/pkg/registry"
)

func main() {
	ref := flag.String("image", "library/alpine:latest", "image reference to pull")
	arch := flag.String("arch", "", "platform architecture filter")
	osName := flag.String("os", "", "platform os filter")
	downloadsDir := flag.String("downloads-dir", "./peeko-downloads", "directory to download image artifacts into")
	flag.Parse()

	log := logrus.StandardLogger()

	if err := run(*ref, *arch, *osName, *downloadsDir, log); err != nil {
		log.WithError(err).Error("pull failed")
		os.Exit(1)
	}
}

func run(refStr, arch, osName, downloadsDir string, log *logrus.Logger) error {
	imageRef, err := ociref.Parse(refStr, ociref.PlatformFilter{Architecture: arch, OS: osName})
	if err != nil {
		return err
	}

	client := registry.New(registry.Config{DownloadsDir: downloadsDir, Logger: log}, nil)

	ctx := context.Background()
	imageDir, err := client.DownloadImage(ctx, imageRef)
	if err != nil {
		return err
	}

	reader, err := openImageDir(ctx, imageDir)
	if err != nil {
		return err
	}

	stats := reader.Stats()
	log.WithFields(logrus.Fields{
		"image_dir":   imageDir,
		"directories": stats.Directories,
		"files":       stats.Files,
		"symlinks":    stats.Symlinks,
		"total_size":  stats.TotalSize,
	}).Info("image ready")

	return nil
}

// openImageDir reads manifest.json from imageDir and builds a VirtualTree
// from its on-disk layer blobs, wiring pkg/overlay and pkg/image together
// for the minimal inspection this command performs.
func openImageDir(ctx context.Context, imageDir string) (*image.Image, error) {
	manifest, err := readManifest(imageDir)
	if err != nil {
		return nil, err
	}

	sources := make([]overlay.Source, len(manifest.Layers))
	for i, layer := range manifest.Layers {
		_, ext, err := mediatype.ClassifyLayer(layer.MediaType)
		if err != nil {
			return nil, err
		}
		blobPath := imageDir + "/" + layer.Digest.Encoded() + "." + ext
		sources[i] = overlay.Source{
			MediaType: layer.MediaType,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return os.Open(blobPath)
			},
		}
	}

	root, err := overlay.NewBuilder().Build(ctx, sources)
	if err != nil {
		return nil, err
	}

	return image.New(root, sources)
}

type manifestDescriptor struct {
	MediaType string
	Digest    pdigest.Digest
}

type parsedManifest struct {
	Layers []manifestDescriptor
}

// readManifest decodes the resolved manifest.json an earlier downloadImage
// call wrote into imageDir.
func readManifest(imageDir string) (parsedManifest, error) {
	raw, err := os.ReadFile(imageDir + "/manifest.json")
	if err != nil {
		return parsedManifest{}, err
	}

	var doc struct {
		Layers []struct {
			MediaType string `json:"mediaType"`
			Digest    string `json:"digest"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return parsedManifest{}, err
	}

	out := parsedManifest{Layers: make([]manifestDescriptor, len(doc.Layers))}
	for i, l := range doc.Layers {
		d, err := pdigest.Parse(l.Digest)
		if err != nil {
			return parsedManifest{}, err
		}
		out.Layers[i] = manifestDescriptor{MediaType: l.MediaType, Digest: d}
	}
	return out, nil
}
