// Package verifier re-derives the integrity of an output directory from its
// manifest alone. Verification runs in three phases (existence, integrity,
// signatures); each phase must pass before the next runs, and any failure
// fails the whole verification.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"polyship/pkg/digest"
	"polyship/pkg/release"
	"polyship/services/manifest"
	"polyship/services/signer"
)

// Phase names a verification step.
type Phase string

const (
	PhaseExistence  Phase = "existence"
	PhaseIntegrity  Phase = "integrity"
	PhaseSignatures Phase = "signatures"
	PhaseDone       Phase = "done"
)

// Options configure a verification.
type Options struct {
	// ManifestPath defaults to <dir>/manifest.json.
	ManifestPath string
	// RequireSignatures expects every entry to be signed, regardless of the
	// signing configuration recorded at release time.
	RequireSignatures bool
	// Key verifies ed25519 signatures and the manifest self-signature. When
	// set, an unsigned manifest fails verification.
	Key    *signer.KeyPair
	Logger *log.Logger
}

// Report summarizes a verification.
type Report struct {
	Manifest *manifest.Manifest
	// Reached is the last phase that ran; PhaseDone on success.
	Reached    Phase
	Files      int
	Signatures map[string]int
	// Revalidated counts signatures whose content was checked here.
	Revalidated int
}

// Error is returned when a phase fails. It joins every failure found in
// that phase.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("verify failed in %s phase:\n%v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errors returns the individual failures of the phase.
func (e *Error) Errors() []error {
	if joined, ok := e.Err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{e.Err}
}

type verification struct {
	dir    string
	opts   Options
	m      *manifest.Manifest
	report *Report
}

// Verify checks dir against its manifest. The returned report is non-nil
// whenever the manifest could be read.
func Verify(ctx context.Context, dir string, opts Options) (*Report, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.ManifestPath == "" {
		opts.ManifestPath = filepath.Join(dir, manifest.FileName)
	}
	if _, err := os.Stat(opts.ManifestPath); errors.Is(err, os.ErrNotExist) {
		return nil, &Error{Phase: PhaseExistence, Err: &release.MissingArtifactError{Path: filepath.Base(opts.ManifestPath)}}
	}
	m, err := manifest.Read(opts.ManifestPath)
	if err != nil {
		return nil, err
	}

	v := &verification{dir: dir, opts: opts, m: m, report: &Report{Manifest: m, Signatures: map[string]int{}}}
	phases := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhaseExistence, v.existence},
		{PhaseIntegrity, v.integrity},
		{PhaseSignatures, v.signatures},
	}
	for _, p := range phases {
		v.report.Reached = p.phase
		if err := ctx.Err(); err != nil {
			return v.report, err
		}
		if err := p.run(ctx); err != nil {
			opts.Logger.Printf("WARN verify %s phase failed", p.phase)
			return v.report, &Error{Phase: p.phase, Err: err}
		}
		opts.Logger.Printf("DEBUG verify %s phase passed", p.phase)
	}
	v.report.Reached = PhaseDone
	return v.report, nil
}

// resolve maps a manifest path to the file system, rejecting paths that
// could escape the output directory.
func (v *verification) resolve(p string) (string, error) {
	if p == "" || strings.Contains(p, `\`) || path.IsAbs(p) || filepath.IsAbs(p) {
		return "", fmt.Errorf("unsafe manifest path %q", p)
	}
	clean := path.Clean(p)
	if clean != p || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe manifest path %q", p)
	}
	return filepath.Join(v.dir, filepath.FromSlash(clean)), nil
}

func (v *verification) existence(ctx context.Context) error {
	var errs []error
	for _, p := range v.m.Paths() {
		full, err := v.resolve(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		info, err := os.Stat(full)
		switch {
		case errors.Is(err, os.ErrNotExist):
			errs = append(errs, &release.MissingArtifactError{Path: p})
		case err != nil:
			errs = append(errs, err)
		case !info.Mode().IsRegular():
			errs = append(errs, fmt.Errorf("%s is not a regular file", p))
		}
	}
	return errors.Join(errs...)
}

func (v *verification) integrity(ctx context.Context) error {
	type file struct{ path, digest string }
	var files []file
	for _, e := range v.m.Entries {
		files = append(files, file{e.Path, e.Digest})
	}
	for _, s := range v.m.Signatures {
		files = append(files, file{s.Path, s.Digest})
		if s.Certificate != "" {
			files = append(files, file{s.Certificate, s.CertificateDigest})
		}
	}

	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		full, err := v.resolve(f.path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got, _, err := digest.File(full)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !digest.Equal(got, f.digest) {
			errs = append(errs, &release.DigestMismatchError{Path: f.path, Want: f.digest, Got: got})
		}
		v.report.Files++
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return v.checksumsAgree()
}

// checksumsAgree cross-checks SHA256SUMS against the manifest entries. It
// only runs once the checksum file itself has been proven intact.
func (v *verification) checksumsAgree() error {
	digests := map[string]string{}
	var sums *manifest.Entry
	for i, e := range v.m.Entries {
		switch e.Kind {
		case manifest.KindChecksumFile:
			sums = &v.m.Entries[i]
		default:
			digests[e.Path] = e.Digest
		}
	}
	if sums == nil {
		return nil
	}
	full, err := v.resolve(sums.Path)
	if err != nil {
		return err
	}
	lines, err := manifest.ParseChecksums(full)
	if err != nil {
		return err
	}

	var errs []error
	for _, l := range lines {
		want, ok := digests[l.Path]
		if !ok {
			errs = append(errs, fmt.Errorf("%s lists %s, which the manifest does not", sums.Path, l.Path))
			continue
		}
		if !digest.Equal(want, l.Digest) {
			errs = append(errs, &release.DigestMismatchError{Path: sums.Path + ":" + l.Path, Want: want, Got: l.Digest})
		}
	}
	return errors.Join(errs...)
}

func (v *verification) signatures(ctx context.Context) error {
	var errs []error
	for _, e := range v.m.Entries {
		if !e.SignRequired && !v.opts.RequireSignatures {
			continue
		}
		if e.SignatureRef == "" {
			errs = append(errs, &release.UnsignedArtifactError{Path: e.Path})
			continue
		}
		sig, ok := v.m.SignatureFor(e.SignatureRef)
		if !ok {
			errs = append(errs, &release.UnsignedArtifactError{Path: e.Path})
			continue
		}
		if sig.Subject != e.Path || !digest.Equal(sig.SubjectDigest, e.Digest) {
			errs = append(errs, &release.SignatureInvalidError{Path: sig.Path, Method: release.SignMethod(sig.Method), Reason: "does not reference " + e.Path + " at its manifest digest"})
		}
	}

	for _, sig := range v.m.Signatures {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.report.Signatures[sig.Method]++
		if err := v.revalidate(sig); err != nil {
			errs = append(errs, err)
		}
	}

	if err := v.manifestSignature(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// revalidate checks the content of schemes this tool owns. cosign and gpg
// signatures are only checked for presence.
func (v *verification) revalidate(sig manifest.Signature) error {
	method := release.SignMethod(sig.Method)
	if method != release.SignFallbackHash && method != release.SignEd25519 {
		return nil
	}
	subject, err := v.resolve(sig.Subject)
	if err != nil {
		return err
	}
	sigPath, err := v.resolve(sig.Path)
	if err != nil {
		return err
	}

	switch method {
	case release.SignFallbackHash:
		err = signer.VerifyFallback(subject, sigPath)
	case release.SignEd25519:
		err = signer.VerifyEd25519(v.opts.Key, subject, sigPath, v.m.SigningPublicKey)
	}
	if err != nil {
		var invalid *release.SignatureInvalidError
		if errors.As(err, &invalid) {
			invalid.Path = sig.Path
			return invalid
		}
		return &release.SignatureInvalidError{Path: sig.Path, Method: method, Reason: err.Error()}
	}
	v.report.Revalidated++
	return nil
}

func (v *verification) manifestSignature() error {
	if v.m.Signature == "" {
		if v.opts.Key != nil {
			return &release.SignatureInvalidError{Path: manifest.FileName, Method: release.SignEd25519, Reason: "manifest is not signed"}
		}
		return nil
	}
	if err := v.m.VerifySignature(v.opts.Key); err != nil {
		return &release.SignatureInvalidError{Path: manifest.FileName, Method: release.SignEd25519, Reason: err.Error()}
	}
	return nil
}
