package builder

import (
	"context"
	"os"
	"path/filepath"

	"polyship/pkg/release"
)

// WebBundle builds a frontend with npm and ships its output directory. The
// target only names the archive; the bundle itself is platform independent.
type WebBundle struct{}

func (WebBundle) Kind() release.Kind { return release.KindWebBundle }

func (WebBundle) Build(ctx context.Context, job *Job) (Produced, error) {
	opts := job.Package.Options
	if err := job.Require("npm"); err != nil {
		return Produced{}, err
	}
	if err := npmInstall(ctx, job); err != nil {
		return Produced{}, err
	}

	if opts.BuildCmd != "" {
		if err := job.Require("sh"); err != nil {
			return Produced{}, err
		}
		if err := job.Run(ctx, "sh", "-c", opts.BuildCmd); err != nil {
			return Produced{}, err
		}
	} else if err := job.Run(ctx, "npm", "run", "build"); err != nil {
		return Produced{}, err
	}

	buildDir := opts.BuildDir
	if buildDir == "" {
		buildDir = "dist"
	}
	dir := filepath.Join(job.Package.Root, buildDir)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Produced{}, job.Fail("build directory %s not found", buildDir)
	}
	return Produced{Paths: []string{dir}, Entry: filepath.Base(dir), IsDir: true}, nil
}

// npmInstall uses "npm ci" when a lockfile pins the tree.
func npmInstall(ctx context.Context, job *Job) error {
	if _, err := os.Stat(filepath.Join(job.Package.Root, "package-lock.json")); err == nil {
		return job.Run(ctx, "npm", "ci")
	}
	return job.Run(ctx, "npm", "install")
}
