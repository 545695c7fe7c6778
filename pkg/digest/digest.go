// Package digest computes the content digests used for checksums, manifest
// integrity and SBOM/signature references. Digests are lowercase hex SHA-256.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Algorithm is the name recorded next to digests in manifests.
const Algorithm = "sha256"

// File streams the file at path through SHA-256 and returns the hex digest
// and the number of bytes read.
func File(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer file.Close()

	return Reader(file)
}

// Reader hashes everything readable from r.
func Reader(r io.Reader) (string, int64, error) {
	hash := sha256.New()
	size, err := io.Copy(hash, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// Bytes returns the hex digest of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Valid reports whether s is a 64 character hex string.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
