package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"polyship/pkg/release"
)

const (
	defaultOutput       = "dist"
	defaultNameTemplate = "{name}-{version}-{target}"
	defaultPresignTTL   = 24 * time.Hour
	defaultSubject      = "polyship.releases"
)

// Config is the validated configuration with package sections resolved.
type Config struct {
	// Path is the file the configuration was read from.
	Path string
	// Root is the repository root every package path is relative to.
	Root      string
	Output    string
	Jobs      int
	Version   VersionSection
	Packages  []release.Package
	Release   Release
	Changelog ChangelogSection
}

// Release holds the resolved release section.
type Release struct {
	Provider     string
	Draft        bool
	Prerelease   bool
	AllowPartial bool
	GitHub       *GitHubSection
	S3           *S3Section
	Notify       *NotifySection
	Ledger       *LedgerSection
}

// Load reads, validates and resolves the configuration at path. The
// repository root is the directory containing the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, release.Configf("read config %s: %v", path, err)
	}
	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, release.Configf("resolve config dir: %v", err)
	}
	cfg, err := Parse(data, root)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes a YAML document and resolves it against root. Unknown keys
// are rejected so typos surface as configuration errors.
func Parse(data []byte, root string) (*Config, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, release.Configf("parse yaml: %v", err)
	}
	return Resolve(&file, root)
}

// Resolve validates file and expands it into per-package settings.
func Resolve(file *File, root string) (*Config, error) {
	if file.Project == nil && len(file.Packages) == 0 {
		return nil, release.Configf("config must define project or packages")
	}
	if file.Project != nil && len(file.Packages) > 0 {
		return nil, release.Configf("use either a single project or a packages list, not both")
	}

	cfg := &Config{
		Root:   root,
		Output: file.Output,
		Version: VersionSection{
			Source: string(release.VersionFromGit),
		},
		Changelog: ChangelogSection{Mode: "auto"},
	}
	if cfg.Output == "" {
		cfg.Output = defaultOutput
	}
	if file.Version != nil {
		cfg.Version = *file.Version
		if cfg.Version.Source == "" {
			cfg.Version.Source = string(release.VersionFromGit)
		}
	}
	switch release.VersionSource(cfg.Version.Source) {
	case release.VersionFromGit, release.VersionFromTag:
	case release.VersionFromManual:
		if strings.TrimSpace(cfg.Version.Manual) == "" {
			return nil, release.Configf("version.source=manual requires version.manual")
		}
	default:
		return nil, release.Configf("unknown version.source %q", cfg.Version.Source)
	}
	if file.Build != nil {
		if file.Build.Jobs < 0 {
			return nil, release.Configf("build.jobs must not be negative")
		}
		cfg.Jobs = file.Build.Jobs
	}
	if file.Changelog != nil {
		cfg.Changelog = *file.Changelog
		if cfg.Changelog.Mode == "" {
			cfg.Changelog.Mode = "auto"
		}
	}

	rel, err := resolveRelease(file.Release)
	if err != nil {
		return nil, err
	}
	cfg.Release = rel

	entries := file.Packages
	if file.Project != nil {
		entries = []PackageEntry{{
			Name: file.Project.Name,
			Type: file.Project.Type,
			Path: file.Project.Path,
			Kind: file.Project.Kind,
		}}
	}

	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		pkg, err := resolvePackage(root, entry, file)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[pkg.Name]; dup {
			return nil, release.Configf("package %q declared twice", pkg.Name)
		}
		seen[pkg.Name] = struct{}{}
		cfg.Packages = append(cfg.Packages, pkg)
	}

	return cfg, nil
}

func resolveRelease(section *ReleaseSection) (Release, error) {
	rel := Release{Provider: "github", Draft: true}
	if section == nil {
		return rel, nil
	}
	if section.Provider != "" {
		rel.Provider = section.Provider
	}
	switch rel.Provider {
	case "github", "s3", "none":
	default:
		return Release{}, release.Configf("unknown release.provider %q", rel.Provider)
	}
	if section.Draft != nil {
		rel.Draft = *section.Draft
	}
	rel.Prerelease = section.Prerelease
	rel.AllowPartial = section.AllowPartial
	rel.GitHub = section.GitHub
	if rel.GitHub != nil && (rel.GitHub.Owner == "" || rel.GitHub.Repo == "") {
		return Release{}, release.Configf("release.github requires owner and repo")
	}
	if section.S3 != nil {
		s3 := *section.S3
		if s3.Bucket == "" {
			return Release{}, release.Configf("release.s3 requires bucket")
		}
		if s3.PresignTTL == 0 {
			s3.PresignTTL = defaultPresignTTL
		}
		rel.S3 = &s3
	}
	if rel.Provider == "s3" && rel.S3 == nil {
		return Release{}, release.Configf("release.provider=s3 requires a release.s3 section")
	}
	if section.Notify != nil {
		notify := *section.Notify
		if notify.NATSURL == "" {
			return Release{}, release.Configf("release.notify requires nats_url")
		}
		if notify.Subject == "" {
			notify.Subject = defaultSubject
		}
		rel.Notify = &notify
	}
	if section.Ledger != nil {
		ledger := *section.Ledger
		rel.Ledger = &ledger
	}
	return rel, nil
}

func resolvePackage(root string, entry PackageEntry, file *File) (release.Package, error) {
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		return release.Package{}, release.Configf("package name required")
	}
	lang := release.Language(strings.ToLower(entry.Type))
	switch lang {
	case release.LanguageRust, release.LanguageGo, release.LanguageNode, release.LanguagePython:
	default:
		return release.Package{}, release.Configf("package %s: unsupported type %q", name, entry.Type)
	}

	path := entry.Path
	if path == "" {
		path = "."
	}
	pkg := release.Package{
		Name:     name,
		Language: lang,
		Root:     filepath.Join(root, filepath.FromSlash(path)),
		Env:      map[string]string{},
	}

	build := firstBuild(entry.Build, file.Build)
	pkg.Targets = []string{"native"}
	if build != nil {
		if len(build.Targets) > 0 {
			pkg.Targets = append([]string(nil), build.Targets...)
		}
		for k, v := range build.Env {
			pkg.Env[k] = v
		}
	}

	packaging, err := resolvePackaging(name, firstPackage(entry.Package, file.Package))
	if err != nil {
		return release.Package{}, err
	}
	pkg.Package = packaging

	sbom, err := resolveSBOM(name, firstSBOM(entry.SBOM, file.SBOM))
	if err != nil {
		return release.Package{}, err
	}
	pkg.SBOM = sbom

	sign, err := resolveSign(name, firstSign(entry.Sign, file.Sign))
	if err != nil {
		return release.Package{}, err
	}
	pkg.Sign = sign

	node := entry.Node
	if node == nil {
		node = file.Node
	}
	python := entry.Python
	if python == nil {
		python = file.Python
	}

	nodeMode := ""
	switch lang {
	case release.LanguageNode:
		nodeMode, err = applyNode(&pkg, node)
	case release.LanguagePython:
		err = applyPython(&pkg, python)
	}
	if err != nil {
		return release.Package{}, err
	}

	pkg.Kind = KindFor(lang, nodeMode)
	if entry.Kind != "" {
		kind := release.Kind(entry.Kind)
		if !kind.Valid() {
			return release.Package{}, release.Configf("package %s: unknown kind %q", name, entry.Kind)
		}
		if !kindSupported(lang, kind) {
			return release.Package{}, release.Configf("package %s: kind %s is not available for %s packages", name, kind, lang)
		}
		pkg.Kind = kind
	}

	return pkg, nil
}

// KindFor maps a language (and node mode) to its default build strategy.
func KindFor(lang release.Language, nodeMode string) release.Kind {
	switch lang {
	case release.LanguageNode:
		if nodeMode == "frontend" {
			return release.KindWebBundle
		}
		return release.KindNativeExecutable
	case release.LanguagePython:
		return release.KindInterpreterBinary
	default:
		return release.KindCompiledBinary
	}
}

func kindSupported(lang release.Language, kind release.Kind) bool {
	switch lang {
	case release.LanguageNode:
		return kind == release.KindWebBundle || kind == release.KindNativeExecutable
	case release.LanguagePython:
		return kind == release.KindInterpreterBinary
	default:
		return kind == release.KindCompiledBinary
	}
}

func applyNode(pkg *release.Package, node *NodeSection) (string, error) {
	mode := "cli-binary"
	if node != nil && node.Mode != "" {
		mode = node.Mode
	}
	switch mode {
	case "frontend":
		pkg.Options.BuildDir = "dist"
		if node != nil && node.Frontend != nil {
			if node.Frontend.BuildDir != "" {
				pkg.Options.BuildDir = node.Frontend.BuildDir
			}
			pkg.Options.BuildCmd = node.Frontend.BuildCmd
		}
	case "cli-binary":
		if node == nil || node.Binary == nil {
			return "", release.Configf("package %s: node cli-binary mode requires node.binary", pkg.Name)
		}
		pkg.Options.Tool = node.Binary.Tool
		if pkg.Options.Tool == "" {
			pkg.Options.Tool = "pkg"
		}
		pkg.Options.Entry = node.Binary.Entry
		if pkg.Options.Entry == "" {
			pkg.Options.Entry = "index.js"
		}
		pkg.Options.ToolTargets = append([]string(nil), node.Binary.Targets...)
		pkg.Options.NodeVersion = node.Binary.NodeVersion
		if pkg.Options.NodeVersion == "" {
			pkg.Options.NodeVersion = "node18"
		}
	default:
		return "", release.Configf("package %s: unknown node.mode %q", pkg.Name, mode)
	}
	pkg.Options.Mode = mode
	return mode, nil
}

func applyPython(pkg *release.Package, python *PythonSection) error {
	mode := "wheel"
	if python != nil && python.Mode != "" {
		mode = python.Mode
	}
	switch mode {
	case "wheel":
	case "pyinstaller":
		pkg.Options.Entry = "main.py"
		pi := PyInstaller{Mode: "onefile"}
		if python.PyInstaller != nil {
			pi = *python.PyInstaller
			if pi.Mode == "" {
				pi.Mode = "onefile"
			}
		}
		if pi.Mode != "onefile" && pi.Mode != "onedir" {
			return release.Configf("package %s: unknown python.pyinstaller.mode %q", pkg.Name, pi.Mode)
		}
		if pi.Entry != "" {
			pkg.Options.Entry = pi.Entry
		}
		pkg.Options.HiddenImports = append([]string(nil), pi.HiddenImports...)
		pkg.Options.Data = append([]string(nil), pi.Data...)
		mode = "pyinstaller-" + pi.Mode
	default:
		return release.Configf("package %s: unknown python.mode %q", pkg.Name, mode)
	}
	pkg.Options.Mode = mode
	return nil
}

func resolvePackaging(name string, section *PackageSection) (release.PackageSettings, error) {
	out := release.PackageSettings{
		Formats:      []release.Format{release.FormatTarGz},
		NameTemplate: defaultNameTemplate,
	}
	if section == nil {
		return out, nil
	}
	if len(section.Formats) > 0 {
		out.Formats = out.Formats[:0]
		seen := map[release.Format]bool{}
		for _, raw := range section.Formats {
			format, err := release.ParseFormat(raw)
			if err != nil {
				return release.PackageSettings{}, release.Configf("package %s: %v", name, err)
			}
			if seen[format] {
				continue
			}
			seen[format] = true
			out.Formats = append(out.Formats, format)
		}
	}
	if section.NameTemplate != "" {
		out.NameTemplate = section.NameTemplate
	}
	if strings.ContainsAny(out.NameTemplate, `/\`) {
		return release.PackageSettings{}, release.Configf("package %s: name_template must not contain path separators", name)
	}
	out.Include = append([]string(nil), section.Include...)
	out.Exclude = append([]string(nil), section.Exclude...)
	return out, nil
}

func resolveSBOM(name string, section *SBOMSection) (release.SBOMSettings, error) {
	out := release.SBOMSettings{Enabled: true, Mode: release.SBOMAuto}
	if section == nil {
		return out, nil
	}
	if section.Enabled != nil {
		out.Enabled = *section.Enabled
	}
	if section.Format != "" && !strings.EqualFold(section.Format, "cyclonedx") {
		return release.SBOMSettings{}, release.Configf("package %s: unsupported sbom.format %q", name, section.Format)
	}
	if section.Mode != "" {
		out.Mode = release.SBOMMode(section.Mode)
	}
	switch out.Mode {
	case release.SBOMAuto, release.SBOMNative, release.SBOMFallback:
	default:
		return release.SBOMSettings{}, release.Configf("package %s: unknown sbom.mode %q", name, section.Mode)
	}
	return out, nil
}

func resolveSign(name string, section *SignSection) (release.SignSettings, error) {
	out := release.SignSettings{Method: release.SignCosign, CosignMode: "keyless"}
	if section == nil {
		return out, nil
	}
	out.Enabled = section.Enabled
	if section.Method != "" {
		out.Method = release.SignMethod(section.Method)
	}
	switch out.Method {
	case release.SignCosign, release.SignGPG, release.SignEd25519, release.SignFallbackHash:
	default:
		return release.SignSettings{}, release.Configf("package %s: unknown sign.method %q", name, section.Method)
	}
	if section.CosignMode != "" {
		out.CosignMode = section.CosignMode
	}
	switch out.CosignMode {
	case "keyless":
	case "key":
		if out.Method == release.SignCosign && section.CosignKey == "" {
			return release.SignSettings{}, release.Configf("package %s: sign.cosign_mode=key requires sign.cosign_key", name)
		}
	default:
		return release.SignSettings{}, release.Configf("package %s: unknown sign.cosign_mode %q", name, out.CosignMode)
	}
	out.CosignKey = section.CosignKey
	out.GPGKey = section.GPGKey
	return out, nil
}

func firstBuild(a, b *BuildSection) *BuildSection {
	if a != nil {
		return a
	}
	return b
}

func firstPackage(a, b *PackageSection) *PackageSection {
	if a != nil {
		return a
	}
	return b
}

func firstSBOM(a, b *SBOMSection) *SBOMSection {
	if a != nil {
		return a
	}
	return b
}

func firstSign(a, b *SignSection) *SignSection {
	if a != nil {
		return a
	}
	return b
}

// ApplyEnv overlays POLYSHIP_* environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	cfg.Output = getEnv("POLYSHIP_OUTPUT", cfg.Output)
	if v := os.Getenv("POLYSHIP_JOBS"); v != "" {
		jobs, err := strconv.Atoi(v)
		if err != nil || jobs < 0 {
			return release.Configf("invalid POLYSHIP_JOBS %q", v)
		}
		cfg.Jobs = jobs
	}
	cfg.Release.AllowPartial = getEnvBool("POLYSHIP_ALLOW_PARTIAL", cfg.Release.AllowPartial)
	if cfg.Release.Ledger != nil && cfg.Release.Ledger.DatabaseURL == "" {
		cfg.Release.Ledger.DatabaseURL = getEnv("POLYSHIP_DATABASE_URL", os.Getenv("DATABASE_URL"))
	}
	return nil
}

// Package returns the named package.
func (c *Config) Package(name string) (release.Package, bool) {
	for _, pkg := range c.Packages {
		if pkg.Name == name {
			return pkg, true
		}
	}
	return release.Package{}, false
}

// OutputDir returns the absolute output directory.
func (c *Config) OutputDir() string {
	if filepath.IsAbs(c.Output) {
		return c.Output
	}
	return filepath.Join(c.Root, c.Output)
}

// ProjectName names the release: the single package, or the repository
// directory for workspaces.
func (c *Config) ProjectName() string {
	if len(c.Packages) == 1 {
		return c.Packages[0].Name
	}
	return filepath.Base(c.Root)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

// String summarises the configuration for debug logs.
func (c *Config) String() string {
	names := make([]string, 0, len(c.Packages))
	for _, pkg := range c.Packages {
		names = append(names, fmt.Sprintf("%s(%s)", pkg.Name, pkg.Kind))
	}
	return fmt.Sprintf("root=%s output=%s version=%s packages=[%s]", c.Root, c.Output, c.Version.Source, strings.Join(names, " "))
}
