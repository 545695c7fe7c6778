package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"polyship/pkg/release"
	"polyship/services/plan"
)

// NativeExecutable bundles a node program and its runtime into one
// executable with pkg (or a compatible tool).
type NativeExecutable struct{}

func (NativeExecutable) Kind() release.Kind { return release.KindNativeExecutable }

func (NativeExecutable) Build(ctx context.Context, job *Job) (Produced, error) {
	opts := job.Package.Options
	tool := opts.Tool
	if tool == "" {
		tool = "pkg"
	}
	if err := job.Require("npm", tool); err != nil {
		return Produced{}, err
	}

	targets := opts.ToolTargets
	if len(targets) == 0 {
		t, ok := PkgTarget(opts.NodeVersion, job.Target.Target)
		if !ok {
			return Produced{}, job.Fail("cannot map target %q to a %s target", job.Target.Target, tool)
		}
		targets = []string{t}
	}

	if err := npmInstall(ctx, job); err != nil {
		return Produced{}, err
	}

	out := filepath.Join(job.WorkDir, job.Package.Name+exeSuffix(job.Target.Target))
	entry := opts.Entry
	if entry == "" {
		entry = "index.js"
	}
	args := []string{entry, "--targets", strings.Join(targets, ","), "--output", out}
	if err := job.Run(ctx, tool, args...); err != nil {
		return Produced{}, err
	}
	if _, err := os.Stat(out); err != nil {
		return Produced{}, job.Fail("%s did not produce %s", tool, out)
	}
	return Produced{Paths: []string{out}, Entry: filepath.Base(out)}, nil
}

// PkgTarget converts a build target to pkg's runtime-os-arch form, e.g.
// node18-linux-x64.
func PkgTarget(nodeVersion, target string) (string, bool) {
	goos, goarch, ok := plan.GoPlatform(target)
	if !ok {
		return "", false
	}
	if nodeVersion == "" {
		nodeVersion = "node18"
	}
	platform := map[string]string{"linux": "linux", "darwin": "macos", "windows": "win", "freebsd": "freebsd"}[goos]
	arch := map[string]string{"amd64": "x64", "arm64": "arm64", "arm": "armv7"}[goarch]
	if platform == "" || arch == "" {
		return "", false
	}
	return nodeVersion + "-" + platform + "-" + arch, true
}
