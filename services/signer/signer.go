// Package signer writes detached signatures next to release files. When the
// configured method cannot run on this host it substitutes the deterministic
// fallback-hash signature and records the substitution.
package signer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"polyship/pkg/digest"
	"polyship/pkg/fallback"
	"polyship/pkg/release"
	"polyship/pkg/toolexec"
)

// SignatureSuffix names a signature file after its subject.
const SignatureSuffix = ".sig"

// CertificateSuffix names the certificate cosign emits in keyless mode.
const CertificateSuffix = ".pem"

// ed25519Label prefixes the subject digest in the message signed by the
// ed25519 method.
const ed25519Label = "polyship.signature.ed25519.v1\n"

// Config configures a Signer.
type Config struct {
	Runner toolexec.Runner
	// Getenv looks up the ambient identity used by keyless cosign.
	Getenv func(string) string
	// Key signs with the ed25519 method; nil makes that method unavailable.
	Key    *KeyPair
	Logger *log.Logger
}

// Signer signs files. It holds no mutable state and is safe for concurrent use.
type Signer struct {
	cfg Config
}

// New returns a Signer.
func New(cfg Config) *Signer {
	if cfg.Runner == nil {
		cfg.Runner = toolexec.Exec{}
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Signer{cfg: cfg}
}

// Sign writes path+".sig" with the configured method, or with fallback-hash
// when that method is unavailable. Tool failures other than unavailability
// are returned as errors.
func (s *Signer) Sign(ctx context.Context, settings release.SignSettings, path string) (release.Signature, error) {
	requested := settings.Method
	if requested == "" {
		requested = release.SignCosign
	}
	sigPath := path + SignatureSuffix
	subjectDigest, _, err := digest.File(path)
	if err != nil {
		return release.Signature{}, err
	}

	preferred := fallback.Option[string]{Name: string(requested), Run: func(ctx context.Context) (string, error) {
		return s.signWith(ctx, requested, settings, path, sigPath, subjectDigest)
	}}
	substitute := fallback.Option[string]{Name: string(release.SignFallbackHash), Run: func(context.Context) (string, error) {
		return "", writeFallback(path, sigPath)
	}}

	var outcome fallback.Outcome[string]
	if requested == release.SignFallbackHash {
		outcome, err = fallback.Only(ctx, substitute)
	} else {
		outcome, err = fallback.Try(ctx, preferred, substitute)
	}
	if err != nil {
		return release.Signature{}, fmt.Errorf("sign %s: %w", filepath.Base(path), err)
	}
	if outcome.Fallback {
		s.cfg.Logger.Printf("WARN %s: %v; wrote fallback-hash signature", filepath.Base(path), outcome.Reason)
	}

	sum, size, err := digest.File(sigPath)
	if err != nil {
		return release.Signature{}, err
	}
	return release.Signature{
		Path:          sigPath,
		Subject:       filepath.Base(path),
		SubjectDigest: subjectDigest,
		Digest:        sum,
		Size:          size,
		Method:        release.SignMethod(outcome.Used),
		Certificate:   outcome.Value,
		Substituted:   outcome.Fallback,
		Requested:     requested,
	}, nil
}

// signWith runs one non-fallback method. It returns the certificate file
// name when the method produced one.
func (s *Signer) signWith(ctx context.Context, method release.SignMethod, settings release.SignSettings, path, sigPath, subjectDigest string) (string, error) {
	switch method {
	case release.SignCosign:
		return s.cosign(ctx, settings, path, sigPath)
	case release.SignGPG:
		return "", s.gpg(ctx, settings, path, sigPath)
	case release.SignEd25519:
		return "", s.ed25519(subjectDigest, sigPath)
	}
	return "", release.Configf("unknown signing method %q", method)
}

func (s *Signer) cosign(ctx context.Context, settings release.SignSettings, path, sigPath string) (string, error) {
	if !toolexec.Available(s.cfg.Runner, "cosign") {
		return "", &release.SigningToolMissingError{Method: release.SignCosign, Reason: "cosign not found on PATH"}
	}

	args := []string{"sign-blob", "--yes", "--output-signature", sigPath}
	cert := ""
	if settings.CosignMode == "key" {
		if settings.CosignKey == "" {
			return "", release.Configf("cosign key mode requires sign.cosign_key")
		}
		args = append(args, "--key", settings.CosignKey)
	} else {
		if !HasOIDCIdentity(s.cfg.Getenv) {
			return "", &release.SigningToolMissingError{Method: release.SignCosign, Reason: "keyless signing needs an OIDC identity (SIGSTORE_ID_TOKEN or CI id-token)"}
		}
		cert = path + CertificateSuffix
		args = append(args, "--output-certificate", cert)
	}
	args = append(args, path)

	if err := s.run(ctx, release.SignCosign, "cosign", args); err != nil {
		return "", err
	}
	if cert != "" {
		return filepath.Base(cert), nil
	}
	return "", nil
}

func (s *Signer) gpg(ctx context.Context, settings release.SignSettings, path, sigPath string) error {
	if !toolexec.Available(s.cfg.Runner, "gpg") {
		return &release.SigningToolMissingError{Method: release.SignGPG, Reason: "gpg not found on PATH"}
	}
	args := []string{"--batch", "--yes", "--armor", "--detach-sign"}
	if settings.GPGKey != "" {
		args = append(args, "--local-user", settings.GPGKey)
	}
	args = append(args, "--output", sigPath, path)
	return s.run(ctx, release.SignGPG, "gpg", args)
}

func (s *Signer) ed25519(subjectDigest, sigPath string) error {
	if !s.cfg.Key.CanSign() {
		return &release.SigningToolMissingError{Method: release.SignEd25519, Reason: EnvAgeSecretKey + " not set"}
	}
	sig, err := s.cfg.Key.Sign(ed25519Message(subjectDigest))
	if err != nil {
		return err
	}
	return writeFile(sigPath, []byte(sig+"\n"))
}

func (s *Signer) run(ctx context.Context, method release.SignMethod, name string, args []string) error {
	res, err := s.cfg.Runner.Run(ctx, toolexec.Command{Name: name, Args: args})
	if err == nil {
		return nil
	}
	if toolexec.IsNotFound(err) {
		return &release.SigningToolMissingError{Method: method, Reason: name + " not found on PATH"}
	}
	return fmt.Errorf("%s: %w (output: %s)", name, err, res.Combined())
}

// HasOIDCIdentity reports whether keyless cosign can obtain an identity
// token without a browser.
func HasOIDCIdentity(getenv func(string) string) bool {
	if strings.TrimSpace(getenv("SIGSTORE_ID_TOKEN")) != "" {
		return true
	}
	return getenv("ACTIONS_ID_TOKEN_REQUEST_URL") != "" && getenv("ACTIONS_ID_TOKEN_REQUEST_TOKEN") != ""
}

// VerifyEd25519 re-checks an ed25519 signature file against its subject.
func VerifyEd25519(key *KeyPair, subjectPath, sigPath, embeddedKey string) error {
	subjectDigest, _, err := digest.File(subjectPath)
	if err != nil {
		return err
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return err
	}
	return key.Verify(ed25519Message(subjectDigest), string(sig), embeddedKey)
}

func ed25519Message(subjectDigest string) []byte {
	return []byte(ed25519Label + subjectDigest)
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
