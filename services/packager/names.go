package packager

import (
	"strings"

	"polyship/pkg/release"
)

// Fixed run-level file names. Archive templates may not render to these.
const (
	ManifestName   = "manifest.json"
	ChecksumsName  = "SHA256SUMS"
	ProvenanceName = "provenance.json"

	// SBOMSuffix is appended to an archive base name to name its SBOM.
	SBOMSuffix = "-sbom.cdx.json"
	// SignatureSuffix is appended to a signed file's name.
	SignatureSuffix = ".sig"
)

// Planned is the rendered file layout of one build target.
type Planned struct {
	Target   release.BuildTarget
	Base     string
	Archives []PlannedArchive
	// SBOM is empty when SBOM generation is disabled for the package.
	SBOM string
}

// PlannedArchive is one archive name for one format.
type PlannedArchive struct {
	Name   string
	Format release.Format
}

// RenderName expands {name}, {version}, {tag} and {target} in tmpl. Path
// separators in the substituted values are replaced so the result is always a
// single path element.
func RenderName(tmpl, name string, version release.Version, target string) string {
	safe := strings.NewReplacer("/", "-", `\`, "-")
	r := strings.NewReplacer(
		"{name}", safe.Replace(name),
		"{version}", safe.Replace(version.Value),
		"{tag}", safe.Replace(version.Tag),
		"{target}", safe.Replace(target),
	)
	return r.Replace(tmpl)
}

// PlanNames renders every archive and SBOM name for targets and rejects the
// run with *release.NamingCollisionError when two of them, or one of them and
// a fixed run-level file, are equal. It writes nothing.
func PlanNames(pkgs []release.Package, targets []release.BuildTarget, version release.Version) ([]Planned, error) {
	byName := make(map[string]release.Package, len(pkgs))
	for _, pkg := range pkgs {
		byName[pkg.Name] = pkg
	}

	owners := map[string]string{
		ManifestName:   "the release manifest",
		ChecksumsName:  "the checksum file",
		ProvenanceName: "the provenance record",
	}
	claim := func(name, owner string) error {
		if first, taken := owners[name]; taken {
			return &release.NamingCollisionError{Name: name, First: first, Second: owner}
		}
		owners[name] = owner
		return nil
	}

	planned := make([]Planned, 0, len(targets))
	for _, target := range targets {
		pkg, ok := byName[target.Package]
		if !ok {
			return nil, release.Configf("target %s references unknown package", target)
		}
		base := RenderName(pkg.Package.NameTemplate, pkg.Name, version, target.Target)
		if base == "" || base == "." || base == ".." {
			return nil, release.Configf("package %s: name template renders to %q", pkg.Name, base)
		}

		p := Planned{Target: target, Base: base}
		for _, format := range pkg.Package.Formats {
			name := base + "." + string(format)
			if err := claim(name, target.String()+" "+string(format)); err != nil {
				return nil, err
			}
			p.Archives = append(p.Archives, PlannedArchive{Name: name, Format: format})
		}
		if pkg.SBOM.Enabled {
			p.SBOM = base + SBOMSuffix
			if err := claim(p.SBOM, target.String()+" sbom"); err != nil {
				return nil, err
			}
		}
		planned = append(planned, p)
	}
	return planned, nil
}
