// Package sbom writes one CycloneDX document per build target. Documents come
// from the language's native SBOM tool or, when that is unavailable and the
// mode allows it, from the package lockfile.
package sbom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
	packageurl "github.com/package-url/packageurl-go"

	"polyship/pkg/digest"
	"polyship/pkg/fallback"
	"polyship/pkg/release"
	"polyship/pkg/toolexec"
)

// Property names recorded in document metadata.
const (
	PropertyMode   = "polyship:sbom:mode"
	PropertyTool   = "polyship:sbom:tool"
	PropertyTarget = "polyship:target"
	PropertySource = "polyship:sbom:source"
)

// serialNamespace seeds the name-based UUIDs used as document serial numbers.
var serialNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://polyship.dev/sbom"))

// Config configures a Generator.
type Config struct {
	Runner    toolexec.Runner
	OutputDir string
	// SourceDate stamps document metadata so documents are reproducible.
	SourceDate time.Time
	// ToolVersion is recorded as the generating tool's version.
	ToolVersion string
	Logger      *log.Logger
}

// Generator writes SBOM documents into the output directory.
type Generator struct {
	cfg       Config
	fileTools sync.Mutex
}

// New returns a Generator.
func New(cfg Config) *Generator {
	if cfg.Runner == nil {
		cfg.Runner = toolexec.Exec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.ToolVersion == "" {
		cfg.ToolVersion = "dev"
	}
	return &Generator{cfg: cfg}
}

type document struct {
	bom  *cdx.BOM
	tool string
}

// Generate writes the SBOM for target as name inside the output directory.
// In native mode a missing tool is *release.SbomToolMissingError; in auto
// mode it silently falls back to the lockfile and records that it did.
func (g *Generator) Generate(ctx context.Context, pkg release.Package, target release.BuildTarget, version release.Version, name string) (*release.SBOMDocument, error) {
	native := fallback.Option[document]{Name: string(release.SBOMNative), Run: func(ctx context.Context) (document, error) {
		return g.native(ctx, pkg)
	}}
	lockfile := fallback.Option[document]{Name: string(release.SBOMFallback), Run: func(context.Context) (document, error) {
		return g.fromLockfile(pkg)
	}}

	var (
		outcome fallback.Outcome[document]
		err     error
	)
	switch pkg.SBOM.Mode {
	case release.SBOMNative:
		outcome, err = fallback.Only(ctx, native)
	case release.SBOMFallback:
		outcome, err = fallback.Only(ctx, lockfile)
	default:
		outcome, err = fallback.Try(ctx, native, lockfile)
	}
	if err != nil {
		return nil, err
	}
	if outcome.Fallback {
		g.cfg.Logger.Printf("WARN %s: sbom tool unavailable (%v), using lockfile", target, outcome.Reason)
	}

	mode := release.SBOMMode(outcome.Used)
	bom := outcome.Value.bom
	g.stamp(bom, pkg, target, version, mode, outcome.Value.tool)

	var buf bytes.Buffer
	if err := cdx.NewBOMEncoder(&buf, cdx.BOMFileFormatJSON).SetPretty(true).EncodeVersion(bom, cdx.SpecVersion1_5); err != nil {
		return nil, fmt.Errorf("encode sbom: %w", err)
	}

	path := filepath.Join(g.cfg.OutputDir, name)
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return nil, err
	}
	sum, size, err := digest.File(path)
	if err != nil {
		return nil, err
	}
	return &release.SBOMDocument{
		Target:   target,
		Path:     path,
		Digest:   sum,
		Size:     size,
		ModeUsed: mode,
		Tool:     outcome.Value.tool,
	}, nil
}

// fromLockfile builds a document listing exactly the lockfile's components.
func (g *Generator) fromLockfile(pkg release.Package) (document, error) {
	lock, err := ReadLockfile(pkg)
	if err != nil {
		return document{}, err
	}
	bom := cdx.NewBOM()
	components := []cdx.Component{}
	source := "none"
	if lock != nil {
		source = filepath.Base(lock.Path)
		for _, dep := range lock.Dependencies {
			purl := PackageURL(dep)
			components = append(components, cdx.Component{
				BOMRef:     purl,
				Type:       cdx.ComponentTypeLibrary,
				Name:       dep.Name,
				Version:    dep.Version,
				PackageURL: purl,
			})
		}
	}
	bom.Components = &components
	bom.Metadata = &cdx.Metadata{Properties: &[]cdx.Property{{Name: PropertySource, Value: source}}}
	return document{bom: bom, tool: "polyship"}, nil
}

// stamp replaces the fields a native tool would set non-deterministically
// and records how the document was produced.
func (g *Generator) stamp(bom *cdx.BOM, pkg release.Package, target release.BuildTarget, version release.Version, mode release.SBOMMode, tool string) {
	serial := uuid.NewSHA1(serialNamespace, []byte(strings.Join([]string{pkg.Name, version.Value, target.Target, string(mode)}, "\x00")))
	bom.SerialNumber = serial.URN()
	bom.Version = 1

	if bom.Metadata == nil {
		bom.Metadata = &cdx.Metadata{}
	}
	meta := bom.Metadata
	if !g.cfg.SourceDate.IsZero() {
		meta.Timestamp = g.cfg.SourceDate.UTC().Format(time.RFC3339)
	} else {
		meta.Timestamp = ""
	}
	meta.Tools = &cdx.ToolsChoice{Components: &[]cdx.Component{{
		Type:    cdx.ComponentTypeApplication,
		Name:    "polyship",
		Version: g.cfg.ToolVersion,
	}}}
	meta.Component = &cdx.Component{
		BOMRef:  pkg.Name + "@" + version.Value,
		Type:    cdx.ComponentTypeApplication,
		Name:    pkg.Name,
		Version: version.Value,
	}

	var props []cdx.Property
	if meta.Properties != nil {
		props = *meta.Properties
	}
	props = append(props,
		cdx.Property{Name: PropertyMode, Value: string(mode)},
		cdx.Property{Name: PropertyTool, Value: tool},
		cdx.Property{Name: PropertyTarget, Value: target.Target},
	)
	sort.SliceStable(props, func(i, j int) bool { return props[i].Name < props[j].Name })
	meta.Properties = &props
}

// PackageURL renders the purl of a locked dependency.
func PackageURL(dep Dependency) string {
	namespace, name := "", dep.Name
	switch dep.Ecosystem {
	case packageurl.TypeGolang, packageurl.TypeNPM:
		if i := strings.LastIndex(dep.Name, "/"); i >= 0 {
			namespace, name = dep.Name[:i], dep.Name[i+1:]
		}
	case packageurl.TypePyPi:
		name = strings.ToLower(strings.ReplaceAll(dep.Name, "_", "-"))
	}
	return packageurl.NewPackageURL(dep.Ecosystem, namespace, name, dep.Version, nil, "").ToString()
}

// ModeOf reads the recorded generation mode back from an SBOM file.
func ModeOf(path string) (release.SBOMMode, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var bom cdx.BOM
	if err := cdx.NewBOMDecoder(file, cdx.BOMFileFormatJSON).Decode(&bom); err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	if bom.Metadata != nil && bom.Metadata.Properties != nil {
		for _, p := range *bom.Metadata.Properties {
			if p.Name == PropertyMode {
				return release.SBOMMode(p.Value), nil
			}
		}
	}
	return "", fmt.Errorf("%s has no %s property", path, PropertyMode)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
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
