// Package release holds the data model shared by every stage of a release
// run: packages, targets, build outputs and the artifacts derived from them.
package release

import (
	"fmt"
	"sort"
	"strings"
)

// Language identifies the toolchain family of a package.
type Language string

const (
	LanguageRust   Language = "rust"
	LanguageGo     Language = "go"
	LanguageNode   Language = "node"
	LanguagePython Language = "python"
)

// Kind selects the build strategy used for a package.
type Kind string

const (
	KindCompiledBinary    Kind = "compiled-binary"
	KindWebBundle         Kind = "web-bundle"
	KindNativeExecutable  Kind = "native-executable"
	KindInterpreterBinary Kind = "interpreter-binary"
)

// Kinds lists every supported build strategy.
var Kinds = []Kind{KindCompiledBinary, KindWebBundle, KindNativeExecutable, KindInterpreterBinary}

// Valid reports whether k is one of the supported strategies.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Format is an archive container format.
type Format string

const (
	FormatTarGz  Format = "tar.gz"
	FormatZip    Format = "zip"
	FormatTarZst Format = "tar.zst"
)

// ParseFormat normalises a configured format string.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tar.gz", "tgz":
		return FormatTarGz, nil
	case "zip":
		return FormatZip, nil
	case "tar.zst", "tzst":
		return FormatTarZst, nil
	default:
		return "", fmt.Errorf("unsupported package format %q", raw)
	}
}

// SBOMMode selects how SBOM documents are produced.
type SBOMMode string

const (
	SBOMAuto     SBOMMode = "auto"
	SBOMNative   SBOMMode = "native"
	SBOMFallback SBOMMode = "fallback"
)

// SignMethod names a signing scheme.
type SignMethod string

const (
	SignCosign       SignMethod = "cosign"
	SignGPG          SignMethod = "gpg"
	SignEd25519      SignMethod = "ed25519"
	SignFallbackHash SignMethod = "fallback-hash"
)

// VersionSource selects how the release version is resolved.
type VersionSource string

const (
	VersionFromTag    VersionSource = "tag"
	VersionFromManual VersionSource = "manual"
	VersionFromGit    VersionSource = "git"
)

// Options carries strategy specific settings for a package.
type Options struct {
	// Entry is the entry point handed to the packager tool (node pkg, pyinstaller).
	Entry string
	// Tool overrides the executable used by the native-executable strategy.
	Tool string
	// ToolTargets overrides the target list passed to the native packager.
	ToolTargets []string
	// NodeVersion is the runtime prefix used for pkg targets (e.g. node18).
	NodeVersion string
	// BuildDir is the directory produced by a web bundle build.
	BuildDir string
	// BuildCmd replaces the default bundle build command.
	BuildCmd string
	// Mode is the strategy sub-mode (pyinstaller onefile/onedir, python wheel).
	Mode          string
	HiddenImports []string
	Data          []string
}

// PackageSettings controls archive naming and filtering.
type PackageSettings struct {
	Formats      []Format
	NameTemplate string
	Include      []string
	Exclude      []string
}

// SBOMSettings controls SBOM generation for a package.
type SBOMSettings struct {
	Enabled bool
	Mode    SBOMMode
}

// SignSettings controls signing for a package.
type SignSettings struct {
	Enabled    bool
	Method     SignMethod
	CosignMode string
	CosignKey  string
	GPGKey     string
}

// Package is a buildable unit declared by configuration. It is immutable for
// the duration of a run.
type Package struct {
	Name     string
	Language Language
	Kind     Kind
	Root     string
	Targets  []string
	Env      map[string]string
	Options  Options
	Package  PackageSettings
	SBOM     SBOMSettings
	Sign     SignSettings
}

// Version is the resolved release version shared by all packages in a run.
type Version struct {
	Value  string
	Tag    string
	Source VersionSource
	// Fallback is set when the git scheme had no tag and used the baseline.
	Fallback bool
}

func (v Version) String() string { return v.Value }

// BuildTarget is one (package, target) pair of the plan.
type BuildTarget struct {
	Package string
	Target  string
	// Native is set when Target was expanded from the symbolic "native" target.
	Native bool
}

func (t BuildTarget) String() string { return t.Package + "/" + t.Target }

// Less orders targets by package name then target identifier.
func (t BuildTarget) Less(o BuildTarget) bool {
	if t.Package != o.Package {
		return t.Package < o.Package
	}
	return t.Target < o.Target
}

// BuildOutput is the result of running one package's strategy for one target.
// Files are relative to Root, which is exclusively owned by this output.
type BuildOutput struct {
	Target BuildTarget
	Root   string
	Files  []string
	Entry  string
	IsDir  bool
}

// Archive is one packaged artifact written to the output directory.
type Archive struct {
	Target BuildTarget
	Name   string
	Base   string
	Path   string
	Format Format
	Digest string
	Size   int64
}

// SBOMDocument is the CycloneDX document for one build target.
type SBOMDocument struct {
	Target   BuildTarget
	Path     string
	Digest   string
	Size     int64
	ModeUsed SBOMMode
	Tool     string
}

// Signature is a detached signature over exactly one signable file.
type Signature struct {
	Path          string
	Subject       string
	SubjectDigest string
	Digest        string
	Size          int64
	Method        SignMethod
	Certificate   string
	// Substituted is set when Method replaced the configured method.
	Substituted bool
	Requested   SignMethod
}

// ChecksumFile is the SHA256SUMS listing written for a run.
type ChecksumFile struct {
	Path   string
	Digest string
	Size   int64
	Lines  int
}

// UnitResult accumulates what one (package, target) pipeline produced. Each
// pipeline owns its result; results are merged only when the manifest is built.
type UnitResult struct {
	Target     BuildTarget
	Output     *BuildOutput
	Archives   []Archive
	SBOM       *SBOMDocument
	Signatures []Signature
	Err        error
}

// Succeeded reports whether the unit completed every stage.
func (u UnitResult) Succeeded() bool { return u.Err == nil && len(u.Archives) > 0 }

// SortTargets orders targets deterministically in place.
func SortTargets(targets []BuildTarget) {
	sort.Slice(targets, func(i, j int) bool { return targets[i].Less(targets[j]) })
}
