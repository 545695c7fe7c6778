package sbom

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/go-cmp/cmp"

	"polyship/pkg/release"
	"polyship/pkg/toolexec"
)

var (
	v1        = release.Version{Value: "1.2.3", Tag: "v1.2.3"}
	target    = release.BuildTarget{Package: "pkg", Target: "x86_64-unknown-linux-gnu"}
	buildTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

const cargoLock = `
version = 3

[[package]]
name = "A"
version = "1.0"
source = "registry+https://github.com/rust-lang/crates.io-index"

[[package]]
name = "B"
version = "2.3"
source = "registry+https://github.com/rust-lang/crates.io-index"

[[package]]
name = "pkg"
version = "1.2.3"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func rustPackage(t *testing.T, mode release.SBOMMode) release.Package {
	t.Helper()
	root := t.TempDir()
	os.Mkdir(filepath.Join(root, ".git"), 0o755)
	writeFile(t, filepath.Join(root, "Cargo.lock"), cargoLock)
	return release.Package{Name: "pkg", Language: release.LanguageRust, Root: root, SBOM: release.SBOMSettings{Enabled: true, Mode: mode}}
}

func decode(t *testing.T, path string) *cdx.BOM {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	bom := new(cdx.BOM)
	if err := cdx.NewBOMDecoder(file, cdx.BOMFileFormatJSON).Decode(bom); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return bom
}

func TestFallbackListsExactlyLockedComponents(t *testing.T) {
	out := t.TempDir()
	g := New(Config{Runner: toolexec.NewFake(), OutputDir: out, SourceDate: buildTime})

	doc, err := g.Generate(context.Background(), rustPackage(t, release.SBOMFallback), target, v1, "pkg-sbom.cdx.json")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if doc.ModeUsed != release.SBOMFallback || doc.Path != filepath.Join(out, "pkg-sbom.cdx.json") {
		t.Fatalf("doc = %+v", doc)
	}

	bom := decode(t, doc.Path)
	type nv struct{ Name, Version string }
	var got []nv
	for _, c := range *bom.Components {
		got = append(got, nv{c.Name, c.Version})
	}
	if diff := cmp.Diff([]nv{{"A", "1.0"}, {"B", "2.3"}}, got); diff != "" {
		t.Fatalf("components (-want +got):\n%s", diff)
	}
	if bom.Metadata.Component.Name != "pkg" || bom.Metadata.Timestamp != "2024-05-01T12:00:00Z" {
		t.Fatalf("metadata = %+v", bom.Metadata)
	}
	if mode, err := ModeOf(doc.Path); err != nil || mode != release.SBOMFallback {
		t.Fatalf("ModeOf() = %q, %v", mode, err)
	}
}

func TestAutoFallsBackWhenToolMissing(t *testing.T) {
	g := New(Config{Runner: toolexec.NewFake(), OutputDir: t.TempDir()})
	doc, err := g.Generate(context.Background(), rustPackage(t, release.SBOMAuto), target, v1, "pkg-sbom.cdx.json")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if doc.ModeUsed != release.SBOMFallback {
		t.Fatalf("mode used = %q, want fallback", doc.ModeUsed)
	}
}

func TestNativeModeRequiresTool(t *testing.T) {
	out := t.TempDir()
	g := New(Config{Runner: toolexec.NewFake(), OutputDir: out})
	_, err := g.Generate(context.Background(), rustPackage(t, release.SBOMNative), target, v1, "pkg-sbom.cdx.json")

	var missing *release.SbomToolMissingError
	if !errors.As(err, &missing) || missing.Tool != "cargo-cyclonedx" {
		t.Fatalf("Generate() error = %v, want SbomToolMissingError", err)
	}
	if _, err := os.Stat(filepath.Join(out, "pkg-sbom.cdx.json")); !os.IsNotExist(err) {
		t.Fatal("no document should be written")
	}
}

func TestNativeGoTool(t *testing.T) {
	const toolOutput = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "version": 1,
  "serialNumber": "urn:uuid:11111111-2222-3333-4444-555555555555",
  "metadata": {"timestamp": "2030-01-01T00:00:00Z"},
  "components": [{"type": "library", "name": "github.com/google/uuid", "version": "v1.6.0"}]
}`
	fake := toolexec.NewFake().Install("cyclonedx-gomod", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
		return toolexec.Result{Stdout: toolOutput}, nil
	})
	g := New(Config{Runner: fake, OutputDir: t.TempDir(), SourceDate: buildTime, ToolVersion: "1.0.0"})
	pkg := release.Package{Name: "api", Language: release.LanguageGo, Root: t.TempDir(), SBOM: release.SBOMSettings{Enabled: true, Mode: release.SBOMAuto}}

	doc, err := g.Generate(context.Background(), pkg, release.BuildTarget{Package: "api", Target: "linux/amd64"}, v1, "api-sbom.cdx.json")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if doc.ModeUsed != release.SBOMNative || doc.Tool != "cyclonedx-gomod" {
		t.Fatalf("doc = %+v", doc)
	}
	bom := decode(t, doc.Path)
	if bom.SerialNumber == "urn:uuid:11111111-2222-3333-4444-555555555555" {
		t.Fatal("serial number should be replaced with a deterministic one")
	}
	if bom.Metadata.Timestamp != "2024-05-01T12:00:00Z" {
		t.Fatalf("timestamp = %q", bom.Metadata.Timestamp)
	}
	if len(*bom.Components) != 1 {
		t.Fatalf("components = %+v", *bom.Components)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	pkg := rustPackage(t, release.SBOMFallback)
	a, err := New(Config{OutputDir: t.TempDir(), SourceDate: buildTime}).Generate(context.Background(), pkg, target, v1, "s.cdx.json")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{OutputDir: t.TempDir(), SourceDate: buildTime}).Generate(context.Background(), pkg, target, v1, "s.cdx.json")
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest != b.Digest {
		t.Fatalf("digests differ: %s vs %s", a.Digest, b.Digest)
	}
}

func TestReadLockfile(t *testing.T) {
	tests := []struct {
		name string
		lang release.Language
		file string
		body string
		want []Dependency
	}{
		{
			name: "go.mod",
			lang: release.LanguageGo,
			file: "go.mod",
			body: "module example.com/app\n\ngo 1.22\n\nrequire (\n\tgithub.com/google/uuid v1.6.0\n\tgolang.org/x/sync v0.7.0 // indirect\n)\n\nreplace golang.org/x/sync => golang.org/x/sync v0.8.0\n",
			want: []Dependency{
				{Name: "github.com/google/uuid", Version: "v1.6.0", Ecosystem: "golang"},
				{Name: "golang.org/x/sync", Version: "v0.8.0", Ecosystem: "golang"},
			},
		},
		{
			name: "go.mod replace to another module",
			lang: release.LanguageGo,
			file: "go.mod",
			body: "module example.com/app\n\ngo 1.22\n\nrequire (\n\tgithub.com/pkg/errors v0.9.1\n\tgithub.com/old/yaml v1.0.0\n\texample.com/local v0.1.0\n\tgolang.org/x/text v0.14.0\n)\n\n" +
				"replace github.com/pkg/errors => github.com/acme/errors v0.10.0\n" +
				"replace github.com/old/yaml v0.9.0 => github.com/new/yaml v1.1.0\n" +
				"replace example.com/local => ../local\n" +
				"replace golang.org/x/text v0.14.0 => golang.org/x/text v0.15.0\n",
			want: []Dependency{
				{Name: "example.com/local", Version: "v0.1.0", Ecosystem: "golang"},
				{Name: "github.com/acme/errors", Version: "v0.10.0", Ecosystem: "golang"},
				{Name: "github.com/old/yaml", Version: "v1.0.0", Ecosystem: "golang"},
				{Name: "golang.org/x/text", Version: "v0.15.0", Ecosystem: "golang"},
			},
		},
		{
			name: "package-lock v3",
			lang: release.LanguageNode,
			file: "package-lock.json",
			body: `{"lockfileVersion": 3, "packages": {
				"": {"name": "web", "version": "0.1.0"},
				"node_modules/react": {"version": "18.2.0"},
				"node_modules/@babel/core": {"version": "7.24.0"},
				"node_modules/a/node_modules/react": {"version": "17.0.2"},
				"node_modules/local": {"link": true}
			}}`,
			want: []Dependency{
				{Name: "@babel/core", Version: "7.24.0", Ecosystem: "npm"},
				{Name: "react", Version: "17.0.2", Ecosystem: "npm"},
				{Name: "react", Version: "18.2.0", Ecosystem: "npm"},
			},
		},
		{
			name: "package-lock v1",
			lang: release.LanguageNode,
			file: "package-lock.json",
			body: `{"lockfileVersion": 1, "dependencies": {"left-pad": {"version": "1.3.0", "dependencies": {"tiny": {"version": "0.0.1"}}}}}`,
			want: []Dependency{
				{Name: "left-pad", Version: "1.3.0", Ecosystem: "npm"},
				{Name: "tiny", Version: "0.0.1", Ecosystem: "npm"},
			},
		},
		{
			name: "poetry.lock",
			lang: release.LanguagePython,
			file: "poetry.lock",
			body: "[[package]]\nname = \"requests\"\nversion = \"2.31.0\"\n\n[[package]]\nname = \"idna\"\nversion = \"3.6\"\n",
			want: []Dependency{
				{Name: "idna", Version: "3.6", Ecosystem: "pypi"},
				{Name: "requests", Version: "2.31.0", Ecosystem: "pypi"},
			},
		},
		{
			name: "requirements.txt",
			lang: release.LanguagePython,
			file: "requirements.txt",
			body: "# pinned\nflask==3.0.2\nrich[jupyter]==13.7.1 ; python_version > '3.8'\nclick>=8\n-r other.txt\n",
			want: []Dependency{
				{Name: "flask", Version: "3.0.2", Ecosystem: "pypi"},
				{Name: "rich", Version: "13.7.1", Ecosystem: "pypi"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			os.Mkdir(filepath.Join(root, ".git"), 0o755)
			writeFile(t, filepath.Join(root, tt.file), tt.body)

			lock, err := ReadLockfile(release.Package{Name: "self", Language: tt.lang, Root: root})
			if err != nil {
				t.Fatalf("ReadLockfile() error = %v", err)
			}
			if lock == nil {
				t.Fatal("ReadLockfile() found nothing")
			}
			if diff := cmp.Diff(tt.want, lock.Dependencies); diff != "" {
				t.Fatalf("dependencies (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadLockfileSearchesParents(t *testing.T) {
	repo := t.TempDir()
	os.Mkdir(filepath.Join(repo, ".git"), 0o755)
	writeFile(t, filepath.Join(repo, "Cargo.lock"), cargoLock)
	crate := filepath.Join(repo, "crates", "pkg")
	os.MkdirAll(crate, 0o755)

	lock, err := ReadLockfile(release.Package{Name: "pkg", Language: release.LanguageRust, Root: crate})
	if err != nil || lock == nil {
		t.Fatalf("ReadLockfile() = %v, %v", lock, err)
	}
	if len(lock.Dependencies) != 2 {
		t.Fatalf("dependencies = %+v", lock.Dependencies)
	}
}

func TestPackageURL(t *testing.T) {
	tests := []struct {
		dep  Dependency
		want string
	}{
		{Dependency{Name: "serde", Version: "1.0.200", Ecosystem: "cargo"}, "pkg:cargo/serde@1.0.200"},
		{Dependency{Name: "github.com/google/uuid", Version: "v1.6.0", Ecosystem: "golang"}, "pkg:golang/github.com/google/uuid@v1.6.0"},
		{Dependency{Name: "left-pad", Version: "1.3.0", Ecosystem: "npm"}, "pkg:npm/left-pad@1.3.0"},
		{Dependency{Name: "Typing_Extensions", Version: "4.10.0", Ecosystem: "pypi"}, "pkg:pypi/typing-extensions@4.10.0"},
	}
	for _, tt := range tests {
		if got := PackageURL(tt.dep); got != tt.want {
			t.Errorf("PackageURL(%+v) = %q, want %q", tt.dep, got, tt.want)
		}
	}
}
