// Package builder runs one package's build strategy for one target and stages
// the produced files into a directory owned exclusively by that unit.
//
// There are exactly four strategies, one per release.Kind. Each reports a
// missing external tool as *release.ToolchainMissingError and a failing tool
// as *release.BuildFailedError; neither retries.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"polyship/pkg/release"
	"polyship/pkg/toolexec"
)

// Strategy builds packages of one kind.
type Strategy interface {
	Kind() release.Kind
	Build(ctx context.Context, job *Job) (Produced, error)
}

// Produced lists what a strategy left on disk, as absolute paths.
type Produced struct {
	Paths []string
	// Entry is the primary executable or directory name.
	Entry string
	IsDir bool
}

// Job is one (package, target) build handed to a strategy.
type Job struct {
	Package release.Package
	Target  release.BuildTarget
	Version release.Version
	Commit  string
	// WorkDir is scratch space owned by this job; strategies direct tool
	// output here when the tool allows it.
	WorkDir string

	env    []string
	runner toolexec.Runner
	logger *log.Logger
}

// Require fails with ToolchainMissingError unless every tool is on PATH.
func (j *Job) Require(tools ...string) error {
	for _, tool := range tools {
		if !toolexec.Available(j.runner, tool) {
			return &release.ToolchainMissingError{Package: j.Package.Name, Tool: tool}
		}
	}
	return nil
}

// Available reports whether tool is on PATH.
func (j *Job) Available(tool string) bool {
	return toolexec.Available(j.runner, tool)
}

// Run executes a tool in the package root with the job environment.
func (j *Job) Run(ctx context.Context, name string, args ...string) error {
	return j.RunWith(ctx, nil, name, args...)
}

// RunWith is Run with extra KEY=VALUE entries appended to the environment.
func (j *Job) RunWith(ctx context.Context, extraEnv []string, name string, args ...string) error {
	cmd := toolexec.Command{
		Name: name,
		Args: args,
		Dir:  j.Package.Root,
		Env:  append(append([]string(nil), j.env...), extraEnv...),
	}
	j.logger.Printf("DEBUG %s: running %s", j.Target, cmd)

	res, err := j.runner.Run(ctx, cmd)
	if err == nil {
		return nil
	}
	if toolexec.IsNotFound(err) {
		return &release.ToolchainMissingError{Package: j.Package.Name, Tool: name}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	failed := &release.BuildFailedError{
		Package: j.Package.Name,
		Target:  j.Target.Target,
		Command: cmd.String(),
		Output:  res.Combined(),
	}
	var exitErr *toolexec.ExitError
	if errors.As(err, &exitErr) {
		failed.ExitCode = exitErr.ExitCode
	} else {
		failed.Err = err
	}
	return failed
}

// Fail reports a build that ran but did not produce what was expected.
func (j *Job) Fail(format string, args ...any) error {
	return &release.BuildFailedError{
		Package: j.Package.Name,
		Target:  j.Target.Target,
		Command: string(j.Package.Kind),
		Err:     fmt.Errorf(format, args...),
	}
}

// Dispatcher selects the strategy for a package kind and stages its output.
type Dispatcher struct {
	runner     toolexec.Runner
	strategies map[release.Kind]Strategy
	stagingDir string
	workDir    string
	baseEnv    []string
	logger     *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config configures a Dispatcher.
type Config struct {
	Runner toolexec.Runner
	// OutputDir is the release output directory; staging and scratch space
	// live in hidden directories beneath it.
	OutputDir string
	// Env is the base environment, os.Environ() when nil.
	Env []string
	// SourceDate is exported as SOURCE_DATE_EPOCH when set.
	SourceDate time.Time
	Logger     *log.Logger
}

// StagingDir returns the staging directory used for outputDir.
func StagingDir(outputDir string) string {
	return filepath.Join(outputDir, ".staging")
}

// NewDispatcher returns a Dispatcher with the four built-in strategies.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Runner == nil {
		cfg.Runner = toolexec.Exec{}
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if !cfg.SourceDate.IsZero() {
		cfg.Env = append(append([]string(nil), cfg.Env...), "SOURCE_DATE_EPOCH="+strconv.FormatInt(cfg.SourceDate.Unix(), 10))
	}
	d := &Dispatcher{
		runner:     cfg.Runner,
		strategies: map[release.Kind]Strategy{},
		stagingDir: StagingDir(cfg.OutputDir),
		workDir:    filepath.Join(cfg.OutputDir, ".work"),
		baseEnv:    cfg.Env,
		logger:     cfg.Logger,
		locks:      map[string]*sync.Mutex{},
	}
	for _, s := range []Strategy{CompiledBinary{}, WebBundle{}, NativeExecutable{}, InterpreterBinary{}} {
		d.strategies[s.Kind()] = s
	}
	return d
}

// Build runs pkg's strategy for target and stages the result. Builds of the
// same package are serialized because toolchains share per-project state
// (target/, node_modules, dist/); different packages build concurrently.
func (d *Dispatcher) Build(ctx context.Context, pkg release.Package, target release.BuildTarget, version release.Version, commit string) (*release.BuildOutput, error) {
	strategy, ok := d.strategies[pkg.Kind]
	if !ok {
		return nil, release.Configf("package %s: no build strategy for kind %q", pkg.Name, pkg.Kind)
	}

	lock := d.packageLock(pkg.Name)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	job := &Job{
		Package: pkg,
		Target:  target,
		Version: version,
		Commit:  commit,
		WorkDir: filepath.Join(d.workDir, pkg.Name, target.Target),
		env:     d.environment(pkg, version),
		runner:  d.runner,
		logger:  d.logger,
	}
	if err := resetDir(job.WorkDir); err != nil {
		return nil, err
	}

	produced, err := strategy.Build(ctx, job)
	if err != nil {
		return nil, err
	}
	if len(produced.Paths) == 0 {
		return nil, job.Fail("build produced no outputs")
	}

	out, err := d.stage(job, produced)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", target, err)
	}
	d.logger.Printf("INFO built %s (%d files)", target, len(out.Files))
	return out, nil
}

func (d *Dispatcher) packageLock(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[name] = lock
	}
	return lock
}

// environment layers configured package env over the base environment, in
// sorted key order so the command line is reproducible.
func (d *Dispatcher) environment(pkg release.Package, version release.Version) []string {
	env := append([]string(nil), d.baseEnv...)
	keys := make([]string, 0, len(pkg.Env))
	for k := range pkg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+pkg.Env[k])
	}
	return append(env, "POLYSHIP_VERSION="+version.Value)
}

func (d *Dispatcher) stage(job *Job, produced Produced) (*release.BuildOutput, error) {
	target := job.Target
	root := filepath.Join(d.stagingDir, target.Package, target.Target)
	if err := resetDir(root); err != nil {
		return nil, err
	}

	for _, src := range produced.Paths {
		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(root, filepath.Base(src))
		if info.IsDir() {
			err = copyTree(job, src, dst)
		} else {
			err = copyFile(src, dst, info.Mode())
		}
		if err != nil {
			return nil, fmt.Errorf("copy %s: %w", src, err)
		}
	}

	files, err := listFiles(root)
	if err != nil {
		return nil, err
	}
	return &release.BuildOutput{
		Target: target,
		Root:   root,
		Files:  files,
		Entry:  produced.Entry,
		IsDir:  produced.IsDir,
	}, nil
}

// listFiles returns regular files under root as sorted slash paths.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// copyTree copies the directory src to dst. A symlink to a regular file
// inside src is staged as a copy of that file; any other symlink fails the
// build with the link named.
func copyTree(job *Job, src, dst string) error {
	root, err := filepath.EvalSymlinks(src)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		name := filepath.ToSlash(filepath.Join(filepath.Base(src), rel))

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				return job.Fail("symlink %s is dangling", name)
			}
			if !within(root, resolved) {
				return job.Fail("symlink %s points outside the build output to %s", name, resolved)
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return job.Fail("symlink %s points to a directory", name)
			}
			return copyFile(resolved, target, info.Mode())
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode())
		}
		return job.Fail("%s is not a regular file", name)
	})
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// executables lists regular files in dir with an executable bit set, or with
// an .exe suffix.
func executables(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if info.Mode()&0o111 != 0 || strings.HasSuffix(entry.Name(), ".exe") {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	return out, nil
}

// filesIn lists regular files directly inside dir, sorted.
func filesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	return out, nil
}

func exeSuffix(target string) string {
	if strings.Contains(target, "windows") {
		return ".exe"
	}
	return ""
}
