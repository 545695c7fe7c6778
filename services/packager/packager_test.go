package packager

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"polyship/pkg/digest"
	"polyship/pkg/release"
)

var v123 = release.Version{Value: "1.2.3", Tag: "v1.2.3"}

func stagedOutput(t *testing.T) *release.BuildOutput {
	t.Helper()
	root := t.TempDir()
	files := map[string]struct {
		body string
		mode os.FileMode
	}{
		"pkg":           {"#!/bin/sh\necho hi\n", 0o775},
		"README.md":     {"readme\n", 0o600},
		"lib/a.so":      {"so", 0o644},
		"lib/debug.map": {"map", 0o644},
	}
	for name, f := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(f.body), f.mode); err != nil {
			t.Fatal(err)
		}
	}
	return &release.BuildOutput{
		Target: release.BuildTarget{Package: "pkg", Target: "x86_64-unknown-linux-gnu"},
		Root:   root,
		// Deliberately unsorted.
		Files: []string{"pkg", "lib/debug.map", "README.md", "lib/a.so"},
		Entry: "pkg",
	}
}

func testPackage(formats ...release.Format) release.Package {
	return release.Package{
		Name: "pkg",
		Package: release.PackageSettings{
			Formats:      formats,
			NameTemplate: "{name}-{version}-{target}",
		},
		SBOM: release.SBOMSettings{Enabled: true},
	}
}

func planFor(t *testing.T, pkg release.Package, out *release.BuildOutput) Planned {
	t.Helper()
	planned, err := PlanNames([]release.Package{pkg}, []release.BuildTarget{out.Target}, v123)
	if err != nil {
		t.Fatalf("PlanNames() error = %v", err)
	}
	return planned[0]
}

func TestPackageIsDeterministic(t *testing.T) {
	out := stagedOutput(t)
	pkg := testPackage(release.FormatTarGz, release.FormatZip, release.FormatTarZst)
	planned := planFor(t, pkg, out)

	first, err := New(t.TempDir(), nil).Package(context.Background(), pkg, out, planned)
	if err != nil {
		t.Fatalf("Package() error = %v", err)
	}

	// Touch the inputs: mtimes and permissions beyond the exec bit must not matter.
	later := time.Now().Add(time.Hour)
	for _, f := range out.Files {
		path := filepath.Join(out.Root, filepath.FromSlash(f))
		if err := os.Chtimes(path, later, later); err != nil {
			t.Fatal(err)
		}
	}
	os.Chmod(filepath.Join(out.Root, "README.md"), 0o644)

	second, err := New(t.TempDir(), nil).Package(context.Background(), pkg, out, planned)
	if err != nil {
		t.Fatalf("second Package() error = %v", err)
	}

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("got %d and %d archives, want 3", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name || first[i].Digest != second[i].Digest {
			t.Errorf("%s not reproducible: %s vs %s", first[i].Name, first[i].Digest, second[i].Digest)
		}
		a, _ := os.ReadFile(first[i].Path)
		b, _ := os.ReadFile(second[i].Path)
		if !bytes.Equal(a, b) {
			t.Errorf("%s bytes differ between runs", first[i].Name)
		}
		sum, size, err := digest.File(first[i].Path)
		if err != nil || sum != first[i].Digest || size != first[i].Size {
			t.Errorf("%s recorded digest/size do not match disk", first[i].Name)
		}
	}
}

func TestTarGzMembers(t *testing.T) {
	out := stagedOutput(t)
	pkg := testPackage(release.FormatTarGz)
	archives, err := New(t.TempDir(), nil).Package(context.Background(), pkg, out, planFor(t, pkg, out))
	if err != nil {
		t.Fatalf("Package() error = %v", err)
	}
	if archives[0].Name != "pkg-1.2.3-x86_64-unknown-linux-gnu.tar.gz" {
		t.Fatalf("name = %q", archives[0].Name)
	}

	file, err := os.Open(archives[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		t.Fatal(err)
	}
	headers := readTar(t, gz)

	want := []tarMember{
		{Name: "README.md", Mode: 0o644},
		{Name: "lib/a.so", Mode: 0o644},
		{Name: "lib/debug.map", Mode: 0o644},
		{Name: "pkg", Mode: 0o755},
	}
	if diff := cmp.Diff(want, headers); diff != "" {
		t.Fatalf("members (-want +got):\n%s", diff)
	}
}

func TestTarZstAndZipMembers(t *testing.T) {
	out := stagedOutput(t)
	pkg := testPackage(release.FormatTarZst, release.FormatZip)
	pkg.Package.Exclude = []string{"**/*.map"}
	archives, err := New(t.TempDir(), nil).Package(context.Background(), pkg, out, planFor(t, pkg, out))
	if err != nil {
		t.Fatalf("Package() error = %v", err)
	}
	want := []string{"README.md", "lib/a.so", "pkg"}

	file, err := os.Open(archives[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	dec, err := zstd.NewReader(file)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	var zstNames []string
	for _, m := range readTar(t, dec) {
		zstNames = append(zstNames, m.Name)
	}
	if diff := cmp.Diff(want, zstNames); diff != "" {
		t.Errorf("tar.zst members (-want +got):\n%s", diff)
	}

	zr, err := zip.OpenReader(archives[1].Path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	var zipNames []string
	for _, f := range zr.File {
		zipNames = append(zipNames, f.Name)
		if !f.Modified.Equal(ModTime) {
			t.Errorf("%s modified = %v, want %v", f.Name, f.Modified, ModTime)
		}
	}
	if diff := cmp.Diff(want, zipNames); diff != "" {
		t.Errorf("zip members (-want +got):\n%s", diff)
	}
}

func TestMembersFilters(t *testing.T) {
	out := stagedOutput(t)
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{name: "all", want: []string{"README.md", "lib/a.so", "lib/debug.map", "pkg"}},
		{name: "include dir", include: []string{"lib/**"}, want: []string{"lib/a.so", "lib/debug.map"}},
		{name: "include and exclude", include: []string{"lib/**", "pkg"}, exclude: []string{"**/*.map"}, want: []string{"lib/a.so", "pkg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Members(out, release.PackageSettings{Include: tt.include, Exclude: tt.exclude})
			if err != nil {
				t.Fatalf("Members() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("members (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmptyArchive(t *testing.T) {
	out := stagedOutput(t)
	pkg := testPackage(release.FormatTarGz)
	pkg.Package.Include = []string{"*.exe"}
	dir := t.TempDir()

	_, err := New(dir, nil).Package(context.Background(), pkg, out, planFor(t, pkg, out))
	var empty *release.EmptyArchiveError
	if !errors.As(err, &empty) {
		t.Fatalf("Package() error = %v, want EmptyArchiveError", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("output dir should be untouched, has %d entries", len(entries))
	}
}

func TestPlanNamesCollision(t *testing.T) {
	a := testPackage(release.FormatTarGz)
	a.Name = "api"
	a.Package.NameTemplate = "release-{version}"
	b := testPackage(release.FormatTarGz)
	b.Name = "web"
	b.Package.NameTemplate = "release-{version}"

	targets := []release.BuildTarget{
		{Package: "api", Target: "x86_64-unknown-linux-gnu"},
		{Package: "web", Target: "x86_64-unknown-linux-gnu"},
	}
	_, err := PlanNames([]release.Package{a, b}, targets, v123)
	var collision *release.NamingCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("PlanNames() error = %v, want NamingCollisionError", err)
	}
	if collision.Name != "release-1.2.3.tar.gz" {
		t.Fatalf("collision name = %q", collision.Name)
	}
}

func TestPlanNamesLayout(t *testing.T) {
	pkg := testPackage(release.FormatTarGz, release.FormatZip)
	target := release.BuildTarget{Package: "pkg", Target: "aarch64-apple-darwin"}
	got, err := PlanNames([]release.Package{pkg}, []release.BuildTarget{target}, v123)
	if err != nil {
		t.Fatalf("PlanNames() error = %v", err)
	}
	want := []Planned{{
		Target: target,
		Base:   "pkg-1.2.3-aarch64-apple-darwin",
		Archives: []PlannedArchive{
			{Name: "pkg-1.2.3-aarch64-apple-darwin.tar.gz", Format: release.FormatTarGz},
			{Name: "pkg-1.2.3-aarch64-apple-darwin.zip", Format: release.FormatZip},
		},
		SBOM: "pkg-1.2.3-aarch64-apple-darwin-sbom.cdx.json",
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("plan (-want +got):\n%s", diff)
	}
}

func TestRenderName(t *testing.T) {
	got := RenderName("{name}_{tag}_{target}", "cli", v123, "linux/amd64")
	if want := "cli_v1.2.3_linux-amd64"; got != want {
		t.Fatalf("RenderName() = %q, want %q", got, want)
	}
}

type tarMember struct {
	Name string
	Mode int64
}

func readTar(t *testing.T, r io.Reader) []tarMember {
	t.Helper()
	tr := tar.NewReader(r)
	var members []tarMember
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		if !h.ModTime.Equal(ModTime) || h.Uid != 0 || h.Gid != 0 || h.Uname != "" {
			t.Errorf("%s: non-normalised header %+v", h.Name, h)
		}
		members = append(members, tarMember{Name: h.Name, Mode: h.Mode})
	}
	return members
}
