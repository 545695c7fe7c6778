package plan

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"polyship/pkg/gitinfo"
	"polyship/pkg/release"
	"polyship/services/config"
)

const host = "x86_64-unknown-linux-gnu"

func mustConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc), "/repo")
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	return cfg
}

func TestBuildExpandsNative(t *testing.T) {
	cfg := mustConfig(t, `
packages:
  - {name: web, type: node, node: {mode: frontend}}
  - name: cli
    type: rust
    build: {targets: [native, aarch64-apple-darwin]}
version: {source: manual, manual: 1.2.3}
`)
	p, err := Build(cfg, HostFacts{Platform: host}, Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := []release.BuildTarget{
		{Package: "cli", Target: "aarch64-apple-darwin"},
		{Package: "cli", Target: host, Native: true},
		{Package: "web", Target: host, Native: true},
	}
	if diff := cmp.Diff(want, p.Targets); diff != "" {
		t.Fatalf("targets (-want +got):\n%s", diff)
	}
	if p.Version.Value != "1.2.3" {
		t.Fatalf("version = %q", p.Version.Value)
	}

	again, err := Build(cfg, HostFacts{Platform: host}, Options{})
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	if diff := cmp.Diff(p, again); diff != "" {
		t.Fatalf("plan not deterministic (-first +second):\n%s", diff)
	}
}

func TestBuildRejectsDuplicateTargets(t *testing.T) {
	cfg := mustConfig(t, `
project: {name: cli, type: go}
build: {targets: [native, x86_64-unknown-linux-gnu]}
`)
	_, err := Build(cfg, HostFacts{Platform: host, LatestTag: "v1.0.0"}, Options{})
	var cfgErr *release.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Build() error = %v, want ConfigError", err)
	}
}

func TestBuildOnly(t *testing.T) {
	cfg := mustConfig(t, `
packages:
  - {name: api, type: go}
  - {name: cli, type: rust}
`)
	p, err := Build(cfg, HostFacts{Platform: host}, Options{Only: "cli"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(p.Packages) != 1 || p.Packages[0].Name != "cli" || len(p.Targets) != 1 {
		t.Fatalf("Only not applied: %+v", p)
	}

	_, err = Build(cfg, HostFacts{Platform: host}, Options{Only: "missing"})
	var cfgErr *release.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Build(only=missing) error = %v, want ConfigError", err)
	}
}

func TestResolveVersion(t *testing.T) {
	tests := []struct {
		name     string
		section  config.VersionSection
		host     HostFacts
		override string
		want     release.Version
		wantErr  any
	}{
		{
			name:    "manual",
			section: config.VersionSection{Source: "manual", Manual: "1.2.3"},
			want:    release.Version{Value: "1.2.3", Tag: "v1.2.3", Source: release.VersionFromManual},
		},
		{
			name:    "manual empty",
			section: config.VersionSection{Source: "manual"},
			wantErr: new(*release.ConfigError),
		},
		{
			name:    "tag",
			section: config.VersionSection{Source: "tag"},
			host:    HostFacts{LatestTag: "v2.0.1"},
			want:    release.Version{Value: "2.0.1", Tag: "v2.0.1", Source: release.VersionFromTag},
		},
		{
			name:    "tag missing",
			section: config.VersionSection{Source: "tag"},
			wantErr: new(*release.VersionResolutionError),
		},
		{
			name:    "git on tag",
			section: config.VersionSection{Source: "git"},
			host:    HostFacts{LatestTag: "v1.4.0", Describe: &gitinfo.Description{Tag: "v1.4.0", Commit: "abc1234"}},
			want:    release.Version{Value: "1.4.0", Tag: "v1.4.0", Source: release.VersionFromGit},
		},
		{
			name:    "git ahead of tag",
			section: config.VersionSection{Source: "git"},
			host:    HostFacts{LatestTag: "v1.4.0", Describe: &gitinfo.Description{Tag: "v1.4.0", Ahead: 3, Commit: "abc1234"}},
			want:    release.Version{Value: "1.4.0-dev.3+gabc1234", Tag: "v1.4.0-dev.3+gabc1234", Source: release.VersionFromGit},
		},
		{
			name:    "git without tag",
			section: config.VersionSection{Source: "git"},
			want:    release.Version{Value: BaselineVersion, Tag: "v" + BaselineVersion, Source: release.VersionFromGit, Fallback: true},
		},
		{
			name:     "override wins",
			section:  config.VersionSection{Source: "tag"},
			override: "v9.9.9",
			want:     release.Version{Value: "9.9.9", Tag: "v9.9.9", Source: release.VersionFromManual},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveVersion(tt.section, tt.host, tt.override)
			if tt.wantErr != nil {
				if !errors.As(err, tt.wantErr) {
					t.Fatalf("ResolveVersion() error = %v, want %T", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveVersion() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("version (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTriple(t *testing.T) {
	tests := []struct {
		sysname, machine, want string
	}{
		{"Linux", "x86_64", "x86_64-unknown-linux-gnu"},
		{"Linux", "aarch64", "aarch64-unknown-linux-gnu"},
		{"Darwin", "arm64", "aarch64-apple-darwin"},
		{"FreeBSD", "amd64", "x86_64-unknown-freebsd"},
		{"windows", "x86_64", "x86_64-pc-windows-msvc"},
	}
	for _, tt := range tests {
		if got := Triple(tt.sysname, tt.machine); got != tt.want {
			t.Errorf("Triple(%q, %q) = %q, want %q", tt.sysname, tt.machine, got, tt.want)
		}
	}
	if HostPlatform() == "" {
		t.Error("HostPlatform() returned empty string")
	}
}

func TestGoPlatform(t *testing.T) {
	tests := []struct {
		target       string
		goos, goarch string
		ok           bool
	}{
		{"x86_64-unknown-linux-gnu", "linux", "amd64", true},
		{"aarch64-apple-darwin", "darwin", "arm64", true},
		{"x86_64-pc-windows-msvc", "windows", "amd64", true},
		{"linux/arm64", "linux", "arm64", true},
		{"linux-amd64", "linux", "amd64", true},
		{"wasm32-unknown-unknown", "", "", false},
	}
	for _, tt := range tests {
		goos, goarch, ok := GoPlatform(tt.target)
		if goos != tt.goos || goarch != tt.goarch || ok != tt.ok {
			t.Errorf("GoPlatform(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.target, goos, goarch, ok, tt.goos, tt.goarch, tt.ok)
		}
	}
}
