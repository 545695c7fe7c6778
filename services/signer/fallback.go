package signer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"polyship/pkg/release"
)

// FallbackLabel is the public key of the fallback-hash scheme: this ASCII
// string zero-padded to 32 bytes keys a BLAKE3 hash of the file content.
// Anyone can recompute it, so it proves integrity, not origin.
const FallbackLabel = "polyship.signature.fallback.v1"

// FallbackPrefix starts every fallback signature file.
const FallbackPrefix = "fallback-hash blake3-keyed "

func fallbackKey() []byte {
	key := make([]byte, 32)
	copy(key, FallbackLabel)
	return key
}

// FallbackSignature returns the fallback signature file content for the
// bytes read from r.
func FallbackSignature(r io.Reader) ([]byte, error) {
	h, err := blake3.NewKeyed(fallbackKey())
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return []byte(FallbackPrefix + hex.EncodeToString(h.Sum(nil)) + "\n"), nil
}

func fallbackFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return FallbackSignature(file)
}

func writeFallback(path, sigPath string) error {
	sig, err := fallbackFile(path)
	if err != nil {
		return err
	}
	return writeFile(sigPath, sig)
}

// VerifyFallback recomputes the fallback signature of subjectPath and
// compares it with the content of sigPath.
func VerifyFallback(subjectPath, sigPath string) error {
	want, err := fallbackFile(subjectPath)
	if err != nil {
		return err
	}
	got, err := os.ReadFile(sigPath)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return &release.SignatureInvalidError{
			Path:   sigPath,
			Method: release.SignFallbackHash,
			Reason: fmt.Sprintf("content does not match %s", subjectPath),
		}
	}
	return nil
}
