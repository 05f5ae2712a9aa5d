package layer

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func buildTar(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestOpenPlainTar(t *testing.T) {
	data := buildTar(t, map[string]string{"./etc/hostname": "box\n"})

	r, err := Open(bytes.NewReader(data), "application/vnd.oci.image.layer.v1.tar")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close()

	entry, err := r.Next()
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if entry.Path != "etc/hostname" {
		t.Errorf("Path = %q, want %q (leading ./ stripped)", entry.Path, "etc/hostname")
	}

	body, _ := io.ReadAll(entry.Body)
	if string(body) != "box\n" {
		t.Errorf("body = %q", body)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of layer, got %v", err)
	}
}

func TestOpenGzip(t *testing.T) {
	tarData := buildTar(t, map[string]string{"a": "1"})
	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(tarData); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(&gzBuf, "application/vnd.oci.image.layer.v1.tar+gzip")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close()

	entry, err := r.Next()
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if entry.Path != "a" {
		t.Errorf("Path = %q", entry.Path)
	}
}

func TestOpenUnsupportedMediaType(t *testing.T) {
	if _, err := Open(bytes.NewReader(nil), "application/x-bogus"); err == nil {
		t.Error("expected UnsupportedLayerFormat error")
	}
}

func TestPathTraversalRejected(t *testing.T) {
	data := buildTar(t, map[string]string{"../escape": "x"})
	r, err := Open(bytes.NewReader(data), "application/vnd.oci.image.layer.v1.tar")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); err == nil {
		t.Error("expected InvalidTarPath error for ../ entry")
	}
}

func TestBackslashRejected(t *testing.T) {
	data := buildTar(t, map[string]string{`dir\file`: "x"})
	r, err := Open(bytes.NewReader(data), "application/vnd.oci.image.layer.v1.tar")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); err == nil {
		t.Error("expected InvalidTarPath error for backslash path")
	}
}
