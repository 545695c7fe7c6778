package builder

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"polyship/pkg/release"
	"polyship/services/plan"
)

// CompiledBinary builds rust crates with cargo (or cross) and go modules with
// the go toolchain.
type CompiledBinary struct{}

func (CompiledBinary) Kind() release.Kind { return release.KindCompiledBinary }

func (s CompiledBinary) Build(ctx context.Context, job *Job) (Produced, error) {
	switch job.Package.Language {
	case release.LanguageRust:
		return s.cargo(ctx, job)
	case release.LanguageGo:
		return s.goBuild(ctx, job)
	}
	return Produced{}, release.Configf("package %s: compiled-binary does not support %s", job.Package.Name, job.Package.Language)
}

func (CompiledBinary) cargo(ctx context.Context, job *Job) (Produced, error) {
	tool := "cargo"
	if useCross(job) {
		tool = "cross"
	}
	if err := job.Require(tool); err != nil {
		return Produced{}, err
	}

	args := []string{"build", "--release"}
	releaseDir := filepath.Join(job.Package.Root, "target", "release")
	if !job.Target.Native {
		args = append(args, "--target", job.Target.Target)
		releaseDir = filepath.Join(job.Package.Root, "target", job.Target.Target, "release")
	}
	if err := job.Run(ctx, tool, args...); err != nil {
		return Produced{}, err
	}

	bins, err := executables(releaseDir)
	if err != nil {
		return Produced{}, job.Fail("read %s: %v", releaseDir, err)
	}
	if len(bins) == 0 {
		return Produced{}, job.Fail("no executables in %s", releaseDir)
	}
	sort.Strings(bins)
	return Produced{Paths: bins, Entry: entryName(bins, job.Package.Name)}, nil
}

// useCross prefers cross when asked to, or when cross-compiling and cross is
// installed.
func useCross(job *Job) bool {
	if v, ok := job.Package.Env["POLYSHIP_USE_CROSS"]; ok {
		return truthy(v)
	}
	if v, ok := os.LookupEnv("POLYSHIP_USE_CROSS"); ok {
		return truthy(v)
	}
	return !job.Target.Native && job.Available("cross")
}

func (CompiledBinary) goBuild(ctx context.Context, job *Job) (Produced, error) {
	if err := job.Require("go"); err != nil {
		return Produced{}, err
	}
	goos, goarch, ok := plan.GoPlatform(job.Target.Target)
	if !ok {
		return Produced{}, job.Fail("cannot map target %q to GOOS/GOARCH", job.Target.Target)
	}

	out := filepath.Join(job.WorkDir, job.Package.Name+exeSuffix(goos))
	entry := job.Package.Options.Entry
	if entry == "" {
		entry = "."
	}
	ldflags := "-s -w -X main.version=" + job.Version.Value
	if job.Commit != "" {
		ldflags += " -X main.commit=" + job.Commit
	}

	env := []string{"GOOS=" + goos, "GOARCH=" + goarch}
	if _, set := job.Package.Env["CGO_ENABLED"]; !set {
		env = append(env, "CGO_ENABLED=0")
	}
	if err := job.RunWith(ctx, env, "go", "build", "-trimpath", "-ldflags", ldflags, "-o", out, entry); err != nil {
		return Produced{}, err
	}
	if _, err := os.Stat(out); err != nil {
		return Produced{}, job.Fail("go build did not produce %s", out)
	}
	return Produced{Paths: []string{out}, Entry: filepath.Base(out)}, nil
}

// entryName picks the binary named after the package, else the first one.
func entryName(paths []string, pkg string) string {
	for _, p := range paths {
		base := filepath.Base(p)
		if strings.TrimSuffix(base, ".exe") == pkg {
			return base
		}
	}
	return filepath.Base(paths[0])
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
