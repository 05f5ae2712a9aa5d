package cache

import (
	"testing"

	"github.com/spf13/afero"
)

func TestCollectImagesSumsLayerSizes(t *testing.T) {
	fs := afero.NewMemMapFs()

	write := func(path string, size int) {
		if err := afero.WriteFile(fs, path, make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("/root/library/nginx/latest/manifest.json", 10)
	write("/root/library/nginx/latest/abc123.tar.gz", 100)
	write("/root/library/nginx/latest/def456.tar.gz", 200)
	write("/root/library/nginx/latest/stale.tar.gz.partial", 999)

	write("/root/org/app/v1/manifest.json", 5)
	write("/root/org/app/v1/layer.tar", 50)

	images, err := CollectImages(fs, "/root")
	if err != nil {
		t.Fatalf("CollectImages error: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("got %d images, want 2: %+v", len(images), images)
	}

	// sorted by repository
	if images[0].Repository != "library/nginx" || images[0].Tag != "latest" || images[0].SizeBytes != 300 {
		t.Errorf("images[0] = %+v", images[0])
	}
	if images[1].Repository != "org/app" || images[1].Tag != "v1" || images[1].SizeBytes != 50 {
		t.Errorf("images[1] = %+v", images[1])
	}
}

func TestCollectImagesIgnoresIncompleteDirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/root/library/broken/latest/abc.tar", make([]byte, 10), 0o644); err != nil {
		t.Fatal(err)
	}

	images, err := CollectImages(fs, "/root")
	if err != nil {
		t.Fatalf("CollectImages error: %v", err)
	}
	if len(images) != 0 {
		t.Errorf("expected no images without a manifest.json, got %+v", images)
	}
}
