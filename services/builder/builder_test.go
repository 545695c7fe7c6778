package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"polyship/pkg/release"
	"polyship/pkg/toolexec"
)

const linux = "x86_64-unknown-linux-gnu"

var version = release.Version{Value: "1.2.3", Tag: "v1.2.3", Source: release.VersionFromManual}

func newDispatcher(t *testing.T, fake *toolexec.Fake) (*Dispatcher, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "dist")
	return NewDispatcher(Config{Runner: fake, OutputDir: out, Env: []string{"PATH=/usr/bin"}}), out
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func envValue(env []string, key string) string {
	value := ""
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			value = v
		}
	}
	return value
}

func rustPackage(root string) release.Package {
	return release.Package{Name: "pkg", Language: release.LanguageRust, Kind: release.KindCompiledBinary, Root: root}
}

func TestCargoNative(t *testing.T) {
	root := t.TempDir()
	fake := toolexec.NewFake().Install("cargo", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
		writeFile(t, filepath.Join(cmd.Dir, "target", "release", "pkg"), "binary", 0o755)
		writeFile(t, filepath.Join(cmd.Dir, "target", "release", "pkg.d"), "deps", 0o644)
		return toolexec.Result{}, nil
	})
	d, out := newDispatcher(t, fake)

	target := release.BuildTarget{Package: "pkg", Target: linux, Native: true}
	got, err := d.Build(context.Background(), rustPackage(root), target, version, "abc123")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := &release.BuildOutput{
		Target: target,
		Root:   filepath.Join(out, ".staging", "pkg", linux),
		Files:  []string{"pkg"},
		Entry:  "pkg",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("output (-want +got):\n%s", diff)
	}
	if !fake.Ran("cargo build --release") || fake.Ran("cargo build --release --target") {
		t.Fatalf("unexpected commands: %v", fake.Commands())
	}
	if v := envValue(fake.Commands()[0].Env, "POLYSHIP_VERSION"); v != "1.2.3" {
		t.Fatalf("POLYSHIP_VERSION = %q", v)
	}
}

func TestCargoCrossTarget(t *testing.T) {
	root := t.TempDir()
	const triple = "aarch64-unknown-linux-gnu"
	fake := toolexec.NewFake().Install("cross", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
		writeFile(t, filepath.Join(cmd.Dir, "target", triple, "release", "pkg"), "arm binary", 0o755)
		return toolexec.Result{}, nil
	}).Install("cargo", nil)
	d, _ := newDispatcher(t, fake)

	got, err := d.Build(context.Background(), rustPackage(root), release.BuildTarget{Package: "pkg", Target: triple}, version, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !fake.Ran("cross build --release --target " + triple) {
		t.Fatalf("cross not used: %v", fake.Commands())
	}
	data, err := os.ReadFile(filepath.Join(got.Root, "pkg"))
	if err != nil || string(data) != "arm binary" {
		t.Fatalf("staged binary = %q, %v", data, err)
	}
}

func TestToolchainMissing(t *testing.T) {
	d, _ := newDispatcher(t, toolexec.NewFake())
	_, err := d.Build(context.Background(), rustPackage(t.TempDir()), release.BuildTarget{Package: "pkg", Target: linux, Native: true}, version, "")

	var missing *release.ToolchainMissingError
	if !errors.As(err, &missing) || missing.Tool != "cargo" {
		t.Fatalf("Build() error = %v, want ToolchainMissingError for cargo", err)
	}
	if !errors.Is(err, release.ErrToolUnavailable) {
		t.Fatal("toolchain missing should match ErrToolUnavailable")
	}
}

func TestBuildFailure(t *testing.T) {
	fake := toolexec.NewFake().Install("go", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
		res := toolexec.Result{Stderr: "main.go:3: undefined: x", ExitCode: 1}
		return res, &toolexec.ExitError{Command: cmd.String(), ExitCode: 1, Stderr: res.Stderr}
	})
	d, _ := newDispatcher(t, fake)
	pkg := release.Package{Name: "api", Language: release.LanguageGo, Kind: release.KindCompiledBinary, Root: t.TempDir()}

	_, err := d.Build(context.Background(), pkg, release.BuildTarget{Package: "api", Target: linux}, version, "")
	var failed *release.BuildFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Build() error = %v, want BuildFailedError", err)
	}
	if failed.ExitCode != 1 || !strings.Contains(failed.Output, "undefined: x") {
		t.Fatalf("failure = %+v", failed)
	}
	if errors.Is(err, release.ErrToolUnavailable) {
		t.Fatal("build failure must not look like a missing tool")
	}
}

func TestGoBuildCrossCompiles(t *testing.T) {
	var env []string
	fake := toolexec.NewFake().Install("go", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
		env = cmd.Env
		writeFile(t, argAfter(cmd.Args, "-o"), "exe", 0o755)
		return toolexec.Result{}, nil
	})
	d, _ := newDispatcher(t, fake)
	pkg := release.Package{
		Name: "api", Language: release.LanguageGo, Kind: release.KindCompiledBinary, Root: t.TempDir(),
		Env: map[string]string{"GOFLAGS": "-mod=mod"},
	}

	got, err := d.Build(context.Background(), pkg, release.BuildTarget{Package: "api", Target: "x86_64-pc-windows-msvc"}, version, "abc123")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if diff := cmp.Diff([]string{"api.exe"}, got.Files); diff != "" {
		t.Fatalf("files (-want +got):\n%s", diff)
	}
	for key, want := range map[string]string{"GOOS": "windows", "GOARCH": "amd64", "CGO_ENABLED": "0", "GOFLAGS": "-mod=mod"} {
		if got := envValue(env, key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if !fake.Ran("go build -trimpath -ldflags -s -w -X main.version=1.2.3 -X main.commit=abc123") {
		t.Fatalf("unexpected go invocation: %v", fake.Commands())
	}
}

func TestWebBundle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package-lock.json"), "{}", 0o644)
	fake := toolexec.NewFake().
		Install("npm", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
			if slices.Equal(cmd.Args, []string{"run", "build"}) {
				writeFile(t, filepath.Join(cmd.Dir, "dist", "index.html"), "<html></html>", 0o644)
				writeFile(t, filepath.Join(cmd.Dir, "dist", "assets", "app.js"), "app", 0o644)
			}
			return toolexec.Result{}, nil
		})
	d, _ := newDispatcher(t, fake)
	pkg := release.Package{Name: "web", Language: release.LanguageNode, Kind: release.KindWebBundle, Root: root, Options: release.Options{BuildDir: "dist"}}

	got, err := d.Build(context.Background(), pkg, release.BuildTarget{Package: "web", Target: linux, Native: true}, version, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if diff := cmp.Diff([]string{"dist/assets/app.js", "dist/index.html"}, got.Files); diff != "" {
		t.Fatalf("files (-want +got):\n%s", diff)
	}
	if !got.IsDir || got.Entry != "dist" {
		t.Fatalf("output = %+v", got)
	}
	if !fake.Ran("npm ci") {
		t.Fatalf("npm ci not run: %v", fake.Commands())
	}
}

func TestWebBundleMissingBuildDir(t *testing.T) {
	fake := toolexec.NewFake().Install("npm", nil).Install("sh", nil)
	d, _ := newDispatcher(t, fake)
	pkg := release.Package{Name: "web", Kind: release.KindWebBundle, Root: t.TempDir(), Options: release.Options{BuildDir: "build", BuildCmd: "vite build"}}

	_, err := d.Build(context.Background(), pkg, release.BuildTarget{Package: "web", Target: linux}, version, "")
	var failed *release.BuildFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Build() error = %v, want BuildFailedError", err)
	}
	if !fake.Ran("sh -c vite build") {
		t.Fatalf("build_cmd not run through sh: %v", fake.Commands())
	}
}

func TestWebBundleSymlinks(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret.txt")
	writeFile(t, outside, "secret", 0o644)

	tests := []struct {
		name      string
		link      func(dist string) error
		wantFiles []string
		wantErr   string
	}{
		{
			name:      "file link inside the bundle is copied",
			link:      func(dist string) error { return os.Symlink("index.html", filepath.Join(dist, "latest.html")) },
			wantFiles: []string{"dist/index.html", "dist/latest.html"},
		},
		{
			name:    "link leaving the bundle",
			link:    func(dist string) error { return os.Symlink(outside, filepath.Join(dist, "leak.txt")) },
			wantErr: "symlink dist/leak.txt points outside the build output",
		},
		{
			name:    "dangling link",
			link:    func(dist string) error { return os.Symlink("missing.js", filepath.Join(dist, "app.js")) },
			wantErr: "symlink dist/app.js is dangling",
		},
		{
			name: "directory link",
			link: func(dist string) error {
				if err := os.MkdirAll(filepath.Join(dist, "assets"), 0o755); err != nil {
					return err
				}
				return os.Symlink("assets", filepath.Join(dist, "static"))
			},
			wantErr: "symlink dist/static points to a directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, "package-lock.json"), "{}", 0o644)
			fake := toolexec.NewFake().
				Install("npm", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
					if slices.Equal(cmd.Args, []string{"run", "build"}) {
						dist := filepath.Join(cmd.Dir, "dist")
						writeFile(t, filepath.Join(dist, "index.html"), "<html></html>", 0o644)
						if err := tt.link(dist); err != nil {
							t.Fatal(err)
						}
					}
					return toolexec.Result{}, nil
				})
			d, _ := newDispatcher(t, fake)
			pkg := release.Package{Name: "web", Language: release.LanguageNode, Kind: release.KindWebBundle, Root: root, Options: release.Options{BuildDir: "dist"}}

			got, err := d.Build(context.Background(), pkg, release.BuildTarget{Package: "web", Target: linux, Native: true}, version, "")
			if tt.wantErr != "" {
				var failed *release.BuildFailedError
				if !errors.As(err, &failed) || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Build() error = %v, want BuildFailedError containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if diff := cmp.Diff(tt.wantFiles, got.Files); diff != "" {
				t.Fatalf("files (-want +got):\n%s", diff)
			}
			data, err := os.ReadFile(filepath.Join(got.Root, "dist", "latest.html"))
			if err != nil || string(data) != "<html></html>" {
				t.Fatalf("staged link = %q, %v", data, err)
			}
		})
	}
}

func TestNativeExecutable(t *testing.T) {
	fake := toolexec.NewFake().
		Install("npm", nil).
		Install("pkg", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
			writeFile(t, argAfter(cmd.Args, "--output"), "node exe", 0o755)
			return toolexec.Result{}, nil
		})
	d, _ := newDispatcher(t, fake)
	pkg := release.Package{
		Name: "tool", Language: release.LanguageNode, Kind: release.KindNativeExecutable, Root: t.TempDir(),
		Options: release.Options{Tool: "pkg", Entry: "cli.js", NodeVersion: "node20"},
	}

	got, err := d.Build(context.Background(), pkg, release.BuildTarget{Package: "tool", Target: "aarch64-apple-darwin"}, version, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got.Entry != "tool" || !fake.Ran("pkg cli.js --targets node20-macos-arm64 --output") {
		t.Fatalf("output = %+v, commands = %v", got, fake.Commands())
	}
	if !fake.Ran("npm install") {
		t.Fatal("expected npm install without a lockfile")
	}
}

func TestPkgTarget(t *testing.T) {
	tests := []struct {
		node, target, want string
		ok                 bool
	}{
		{"node18", "x86_64-unknown-linux-gnu", "node18-linux-x64", true},
		{"", "x86_64-pc-windows-msvc", "node18-win-x64", true},
		{"node20", "linux/arm64", "node20-linux-arm64", true},
		{"node18", "riscv64gc-unknown-linux-gnu", "", false},
	}
	for _, tt := range tests {
		got, ok := PkgTarget(tt.node, tt.target)
		if got != tt.want || ok != tt.ok {
			t.Errorf("PkgTarget(%q, %q) = (%q, %v), want (%q, %v)", tt.node, tt.target, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPythonWheel(t *testing.T) {
	fake := toolexec.NewFake().Install("python3", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
		dir := argAfter(cmd.Args, "--outdir")
		writeFile(t, filepath.Join(dir, "svc-1.2.3-py3-none-any.whl"), "wheel", 0o644)
		writeFile(t, filepath.Join(dir, "svc-1.2.3.tar.gz"), "sdist", 0o644)
		return toolexec.Result{}, nil
	})
	d, _ := newDispatcher(t, fake)
	pkg := release.Package{Name: "svc", Language: release.LanguagePython, Kind: release.KindInterpreterBinary, Root: t.TempDir(), Options: release.Options{Mode: "wheel"}}

	got, err := d.Build(context.Background(), pkg, release.BuildTarget{Package: "svc", Target: linux, Native: true}, version, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if diff := cmp.Diff([]string{"svc-1.2.3-py3-none-any.whl"}, got.Files); diff != "" {
		t.Fatalf("files (-want +got):\n%s", diff)
	}
}

func TestPyInstallerRejectsCrossTarget(t *testing.T) {
	fake := toolexec.NewFake().Install("pyinstaller", nil)
	d, _ := newDispatcher(t, fake)
	pkg := release.Package{Name: "svc", Language: release.LanguagePython, Kind: release.KindInterpreterBinary, Root: t.TempDir(), Options: release.Options{Mode: "pyinstaller-onefile", Entry: "main.py"}}

	_, err := d.Build(context.Background(), pkg, release.BuildTarget{Package: "svc", Target: "aarch64-apple-darwin"}, version, "")
	var failed *release.BuildFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Build() error = %v, want BuildFailedError", err)
	}
	if len(fake.Commands()) != 0 {
		t.Fatalf("pyinstaller should not run: %v", fake.Commands())
	}
}

func TestRestageReplacesPreviousOutput(t *testing.T) {
	root := t.TempDir()
	first := true
	fake := toolexec.NewFake().Install("cargo", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
		dir := filepath.Join(cmd.Dir, "target", "release")
		os.RemoveAll(dir)
		if first {
			writeFile(t, filepath.Join(dir, "old-tool"), "old", 0o755)
		}
		writeFile(t, filepath.Join(dir, "pkg"), "new", 0o755)
		first = false
		return toolexec.Result{}, nil
	})
	d, _ := newDispatcher(t, fake)
	target := release.BuildTarget{Package: "pkg", Target: linux, Native: true}

	if _, err := d.Build(context.Background(), rustPackage(root), target, version, ""); err != nil {
		t.Fatal(err)
	}
	got, err := d.Build(context.Background(), rustPackage(root), target, version, "")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"pkg"}, got.Files); diff != "" {
		t.Fatalf("stale files survived restaging (-want +got):\n%s", diff)
	}
}

func TestToolchains(t *testing.T) {
	fake := toolexec.NewFake().
		Install("go", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
			return toolexec.Result{Stdout: "go version go1.23.4 linux/amd64\n"}, nil
		}).
		Install("rustc", func(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
			return toolexec.Result{Stdout: "rustc 1.80.0\n"}, nil
		})
	got := Toolchains(context.Background(), fake, []release.Package{
		{Language: release.LanguageGo}, {Language: release.LanguageRust},
	})
	want := map[string]string{"go": "go version go1.23.4 linux/amd64", "rustc": "rustc 1.80.0"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("toolchains (-want +got):\n%s", diff)
	}
}
