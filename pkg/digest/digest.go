// Package digest parses and verifies OCI content digests.
package digest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/subtle"
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"

	"github.com/cloverzero/peeko/pkg/errs"
)

// Digest is an algo:hex content identifier. algo is one of sha256, sha512.
type Digest = godigest.Digest

// Parse validates s as "algo:hex" and checks the hex length matches the
// algorithm's digest size.
func Parse(s string) (Digest, error) {
	d := godigest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("parse digest %q: %w", s, err)
	}
	if alg := d.Algorithm(); alg != godigest.SHA256 && alg != godigest.SHA512 {
		return "", fmt.Errorf("parse digest %q: unsupported algorithm %q", s, alg)
	}
	return d, nil
}

// Equal compares two digest strings in constant time. Digests are lowercase
// hex by convention; comparison is on the raw bytes of the string.
func Equal(a, b Digest) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verify streams r through the hash function named by want's algorithm and
// reports whether the resulting digest equals want.
func Verify(r io.Reader, want Digest) error {
	verifier := want.Verifier()
	if _, err := io.Copy(verifier, r); err != nil {
		return errs.New("digest.Verify", want.String(), errs.ErrIO, err)
	}
	if !verifier.Verified() {
		return errs.New("digest.Verify", want.String(), errs.ErrDigestMismatch, nil)
	}
	return nil
}
