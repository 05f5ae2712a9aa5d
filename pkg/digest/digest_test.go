package digest

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid sha256", "sha256:" + strings.Repeat("a", 64), false},
		{"valid sha512", "sha512:" + strings.Repeat("b", 128), false},
		{"wrong hex length", "sha256:abcd", true},
		{"unknown algorithm", "md5:" + strings.Repeat("a", 32), true},
		{"malformed", "not-a-digest", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	a, _ := Parse("sha256:" + strings.Repeat("a", 64))
	b, _ := Parse("sha256:" + strings.Repeat("a", 64))
	c, _ := Parse("sha256:" + strings.Repeat("c", 64))

	if !Equal(a, b) {
		t.Error("expected equal digests to compare equal")
	}
	if Equal(a, c) {
		t.Error("expected different digests to compare unequal")
	}
}

func TestVerify(t *testing.T) {
	content := "hello world"
	want, err := Parse("sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")
	if err != nil {
		t.Fatal(err)
	}

	if err := Verify(strings.NewReader(content), want); err != nil {
		t.Errorf("Verify() unexpected error: %v", err)
	}

	if err := Verify(strings.NewReader("not hello world"), want); err == nil {
		t.Error("expected Verify to fail for mismatching content")
	}
}
