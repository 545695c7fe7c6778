// Package manifest aggregates the artifacts of a run into manifest.json, the
// SHA256SUMS listing and provenance.json. It is a pure aggregator: callers
// decide which units belong to the release and it writes what it is given.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"polyship/pkg/digest"
	"polyship/pkg/release"
	"polyship/services/packager"
	"polyship/services/signer"
)

// SchemaVersion is bumped when the manifest layout changes incompatibly.
const SchemaVersion = 1

// Reserved file names in the output directory.
const (
	FileName       = packager.ManifestName
	ChecksumsName  = packager.ChecksumsName
	ProvenanceName = packager.ProvenanceName
)

// Kind classifies a manifest entry.
type Kind string

const (
	KindArchive      Kind = "archive"
	KindSBOM         Kind = "sbom"
	KindChecksumFile Kind = "checksum-file"
)

func (k Kind) rank() int {
	switch k {
	case KindArchive:
		return 0
	case KindSBOM:
		return 1
	}
	return 2
}

// Tool identifies the program that wrote the manifest.
type Tool struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Entry is one artifact of the release. Paths are slash separated and
// relative to the output directory.
type Entry struct {
	Path    string `json:"path"`
	Digest  string `json:"digest"`
	Size    int64  `json:"size"`
	Kind    Kind   `json:"kind"`
	Package string `json:"package,omitempty"`
	Target  string `json:"target,omitempty"`
	Format  string `json:"format,omitempty"`
	// SBOMRef links an archive to the SBOM document of its target.
	SBOMRef  string `json:"sbom_ref,omitempty"`
	SBOMMode string `json:"sbom_mode,omitempty"`
	// SignRequired marks entries whose package had signing enabled.
	SignRequired bool   `json:"sign_required,omitempty"`
	SignatureRef string `json:"signature_ref,omitempty"`
}

// Signature records one detached signature file.
type Signature struct {
	Path              string `json:"path"`
	Subject           string `json:"subject"`
	SubjectDigest     string `json:"subject_digest"`
	Digest            string `json:"digest"`
	Size              int64  `json:"size"`
	Method            string `json:"method"`
	Certificate       string `json:"certificate,omitempty"`
	CertificateDigest string `json:"certificate_digest,omitempty"`
	Substituted       bool   `json:"substituted,omitempty"`
	Requested         string `json:"requested,omitempty"`
}

// Skipped names a unit left out of a partial release.
type Skipped struct {
	Package string `json:"package"`
	Target  string `json:"target"`
	Reason  string `json:"reason"`
}

// Manifest is the authoritative record of one release.
type Manifest struct {
	SchemaVersion    int         `json:"schema_version"`
	Version          string      `json:"version"`
	Tag              string      `json:"tag,omitempty"`
	GeneratedAt      time.Time   `json:"generated_at"`
	Tool             Tool        `json:"tool"`
	DigestAlgorithm  string      `json:"digest_algorithm"`
	Partial          bool        `json:"partial,omitempty"`
	Entries          []Entry     `json:"entries"`
	Signatures       []Signature `json:"signatures,omitempty"`
	Skipped          []Skipped   `json:"skipped,omitempty"`
	SigningPublicKey string      `json:"signing_public_key,omitempty"`
	Signature        string      `json:"signature,omitempty"`
}

// Input is everything a manifest is built from.
type Input struct {
	OutputDir   string
	Version     release.Version
	GeneratedAt time.Time
	Tool        Tool
	// Packages supplies the signing settings of each unit's package.
	Packages []release.Package
	Units    []release.UnitResult
	// Checksums and ChecksumSignature are optional.
	Checksums         *release.ChecksumFile
	ChecksumSignature *release.Signature
	// ChecksumSignRequired marks the checksum file as expected to be signed.
	ChecksumSignRequired bool
}

// Build aggregates the succeeded units of in into a Manifest. Failed units
// are listed as skipped and contribute no entries.
func Build(in Input) (*Manifest, error) {
	m := &Manifest{
		SchemaVersion:   SchemaVersion,
		Version:         in.Version.Value,
		Tag:             in.Version.Tag,
		GeneratedAt:     in.GeneratedAt.UTC().Truncate(time.Second),
		Tool:            in.Tool,
		DigestAlgorithm: digest.Algorithm,
		Entries:         []Entry{},
	}

	signing := map[string]bool{}
	for _, pkg := range in.Packages {
		signing[pkg.Name] = pkg.Sign.Enabled
	}

	for _, unit := range in.Units {
		if !unit.Succeeded() {
			reason := "no archives produced"
			if unit.Err != nil {
				reason = unit.Err.Error()
			}
			m.Partial = true
			m.Skipped = append(m.Skipped, Skipped{Package: unit.Target.Package, Target: unit.Target.Target, Reason: reason})
			continue
		}

		sigs := map[string]release.Signature{}
		for _, sig := range unit.Signatures {
			if _, err := m.addSignature(in.OutputDir, sig); err != nil {
				return nil, err
			}
			sigs[sig.Subject] = sig
		}

		sbomRef := ""
		if doc := unit.SBOM; doc != nil {
			rel, err := relPath(in.OutputDir, doc.Path)
			if err != nil {
				return nil, err
			}
			sbomRef = rel
			e := Entry{
				Path:         rel,
				Digest:       doc.Digest,
				Size:         doc.Size,
				Kind:         KindSBOM,
				Package:      unit.Target.Package,
				Target:       unit.Target.Target,
				SBOMMode:     string(doc.ModeUsed),
				SignRequired: signing[unit.Target.Package],
			}
			e.SignatureRef = signatureRef(in.OutputDir, sigs, doc.Path)
			m.Entries = append(m.Entries, e)
		}

		for _, a := range unit.Archives {
			rel, err := relPath(in.OutputDir, a.Path)
			if err != nil {
				return nil, err
			}
			e := Entry{
				Path:         rel,
				Digest:       a.Digest,
				Size:         a.Size,
				Kind:         KindArchive,
				Package:      unit.Target.Package,
				Target:       unit.Target.Target,
				Format:       string(a.Format),
				SBOMRef:      sbomRef,
				SignRequired: signing[unit.Target.Package],
			}
			e.SignatureRef = signatureRef(in.OutputDir, sigs, a.Path)
			m.Entries = append(m.Entries, e)
		}
	}

	if cs := in.Checksums; cs != nil {
		rel, err := relPath(in.OutputDir, cs.Path)
		if err != nil {
			return nil, err
		}
		e := Entry{Path: rel, Digest: cs.Digest, Size: cs.Size, Kind: KindChecksumFile, SignRequired: in.ChecksumSignRequired}
		if sig := in.ChecksumSignature; sig != nil {
			rec, err := m.addSignature(in.OutputDir, *sig)
			if err != nil {
				return nil, err
			}
			e.SignatureRef = rec.Path
		}
		m.Entries = append(m.Entries, e)
	}

	m.sort()
	return m, nil
}

func (m *Manifest) addSignature(dir string, sig release.Signature) (Signature, error) {
	rel, err := relPath(dir, sig.Path)
	if err != nil {
		return Signature{}, err
	}
	rec := Signature{
		Path:          rel,
		Subject:       path.Join(path.Dir(rel), sig.Subject),
		SubjectDigest: sig.SubjectDigest,
		Digest:        sig.Digest,
		Size:          sig.Size,
		Method:        string(sig.Method),
		Substituted:   sig.Substituted,
	}
	if sig.Certificate != "" {
		rec.Certificate = path.Join(path.Dir(rel), sig.Certificate)
		sum, _, err := digest.File(filepath.Join(filepath.Dir(sig.Path), sig.Certificate))
		if err != nil {
			return Signature{}, fmt.Errorf("certificate for %s: %w", rel, err)
		}
		rec.CertificateDigest = sum
	}
	if sig.Substituted {
		rec.Requested = string(sig.Requested)
	}
	m.Signatures = append(m.Signatures, rec)
	return rec, nil
}

func signatureRef(dir string, sigs map[string]release.Signature, subject string) string {
	sig, ok := sigs[filepath.Base(subject)]
	if !ok {
		return ""
	}
	rel, err := relPath(dir, sig.Path)
	if err != nil {
		return ""
	}
	return rel
}

// sort orders entries by (package, target, kind, path) with run level
// entries such as the checksum file last, and signatures by path.
func (m *Manifest) sort() {
	sort.SliceStable(m.Entries, func(i, j int) bool {
		a, b := m.Entries[i], m.Entries[j]
		if (a.Package == "") != (b.Package == "") {
			return b.Package == ""
		}
		if a.Package != b.Package {
			return a.Package < b.Package
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Kind != b.Kind {
			return a.Kind.rank() < b.Kind.rank()
		}
		return a.Path < b.Path
	})
	sort.Slice(m.Signatures, func(i, j int) bool { return m.Signatures[i].Path < m.Signatures[j].Path })
	sort.Slice(m.Skipped, func(i, j int) bool {
		if m.Skipped[i].Package != m.Skipped[j].Package {
			return m.Skipped[i].Package < m.Skipped[j].Package
		}
		return m.Skipped[i].Target < m.Skipped[j].Target
	})
}

// SignatureFor returns the signature record at ref.
func (m *Manifest) SignatureFor(ref string) (Signature, bool) {
	for _, sig := range m.Signatures {
		if sig.Path == ref {
			return sig, true
		}
	}
	return Signature{}, false
}

// Paths returns every file the manifest references: entries, signatures and
// certificates.
func (m *Manifest) Paths() []string {
	var paths []string
	for _, e := range m.Entries {
		paths = append(paths, e.Path)
	}
	for _, s := range m.Signatures {
		paths = append(paths, s.Path)
		if s.Certificate != "" {
			paths = append(paths, s.Certificate)
		}
	}
	return paths
}

// SigningBytes marshals the manifest without its signature for signing and
// verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return json.Marshal(clone)
}

// Sign embeds the public key and an ed25519 signature over SigningBytes.
func (m *Manifest) Sign(key *signer.KeyPair) error {
	if !key.CanSign() {
		return errors.New("manifest signing requires a private key")
	}
	m.SigningPublicKey = key.PublicKeyBase64()
	m.Signature = ""
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// VerifySignature checks the embedded manifest signature. key may be nil, in
// which case the embedded public key is trusted.
func (m *Manifest) VerifySignature(key *signer.KeyPair) error {
	if m.Signature == "" {
		return errors.New("manifest is not signed")
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return err
	}
	return key.Verify(payload, m.Signature, m.SigningPublicKey)
}

// Write stores the manifest as dir/manifest.json and returns its path.
func Write(dir string, m *Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	dest := filepath.Join(dir, FileName)
	if err := writeAtomic(dest, append(data, '\n')); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return dest, nil
}

// Read loads a manifest file.
func Read(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	if m.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%s: unsupported schema version %d", file, m.SchemaVersion)
	}
	return &m, nil
}

func relPath(dir, p string) (string, error) {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside the output directory %s", p, dir)
	}
	return rel, nil
}

func writeAtomic(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
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
	return os.Rename(tmp.Name(), dest)
}
