package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"polyship/pkg/release"
)

// InterpreterBinary freezes a python program with pyinstaller, or builds a
// wheel with "python -m build" in wheel mode.
type InterpreterBinary struct{}

func (InterpreterBinary) Kind() release.Kind { return release.KindInterpreterBinary }

func (s InterpreterBinary) Build(ctx context.Context, job *Job) (Produced, error) {
	mode := job.Package.Options.Mode
	if strings.HasPrefix(mode, "pyinstaller") {
		return s.pyinstaller(ctx, job, strings.TrimPrefix(mode, "pyinstaller-"))
	}
	return s.wheel(ctx, job)
}

func (InterpreterBinary) pyinstaller(ctx context.Context, job *Job, layout string) (Produced, error) {
	if err := job.Require("pyinstaller"); err != nil {
		return Produced{}, err
	}
	// pyinstaller freezes for the interpreter it runs under.
	if !job.Target.Native {
		return Produced{}, job.Fail("pyinstaller cannot cross-build for %s", job.Target.Target)
	}

	opts := job.Package.Options
	distDir := filepath.Join(job.WorkDir, "dist")
	args := []string{
		"--noconfirm", "--clean",
		"--name", job.Package.Name,
		"--distpath", distDir,
		"--workpath", filepath.Join(job.WorkDir, "build"),
		"--specpath", job.WorkDir,
	}
	if layout == "onedir" {
		args = append(args, "--onedir")
	} else {
		args = append(args, "--onefile")
	}
	for _, mod := range opts.HiddenImports {
		args = append(args, "--hidden-import", mod)
	}
	for _, data := range opts.Data {
		args = append(args, "--add-data", data)
	}
	args = append(args, opts.Entry)

	if err := job.Run(ctx, "pyinstaller", args...); err != nil {
		return Produced{}, err
	}

	out := filepath.Join(distDir, job.Package.Name)
	if layout == "onedir" {
		if info, err := os.Stat(out); err != nil || !info.IsDir() {
			return Produced{}, job.Fail("pyinstaller did not produce %s", out)
		}
		return Produced{Paths: []string{out}, Entry: job.Package.Name, IsDir: true}, nil
	}
	out += exeSuffix(job.Target.Target)
	if _, err := os.Stat(out); err != nil {
		return Produced{}, job.Fail("pyinstaller did not produce %s", out)
	}
	return Produced{Paths: []string{out}, Entry: filepath.Base(out)}, nil
}

func (InterpreterBinary) wheel(ctx context.Context, job *Job) (Produced, error) {
	python := pythonTool(job)
	if python == "" {
		return Produced{}, &release.ToolchainMissingError{Package: job.Package.Name, Tool: "python3"}
	}

	distDir := filepath.Join(job.WorkDir, "dist")
	if err := job.Run(ctx, python, "-m", "build", "--wheel", "--outdir", distDir); err != nil {
		return Produced{}, err
	}

	files, err := filesIn(distDir)
	if err != nil {
		return Produced{}, job.Fail("read %s: %v", distDir, err)
	}
	var wheels []string
	for _, f := range files {
		if strings.HasSuffix(f, ".whl") {
			wheels = append(wheels, f)
		}
	}
	if len(wheels) == 0 {
		return Produced{}, job.Fail("no wheel in %s", distDir)
	}
	return Produced{Paths: wheels, Entry: filepath.Base(wheels[0])}, nil
}

func pythonTool(job *Job) string {
	for _, name := range []string{"python3", "python"} {
		if job.Available(name) {
			return name
		}
	}
	return ""
}
