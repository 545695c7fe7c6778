// Package toolexec runs external tools (compilers, bundlers, SBOM generators,
// signers, git). Every invocation goes through a Runner so stages can be
// exercised without the real toolchains installed.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Command describes one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is the complete environment; nil inherits the current process env.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// Runner resolves and runs external tools.
type Runner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d (stderr: %s)", e.Command, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Exec runs commands with os/exec.
type Exec struct{}

// LookPath resolves name on PATH.
func (Exec) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run executes cmd, capturing stdout and stderr separately. A missing binary
// returns an error wrapping exec.ErrNotFound; a non-zero exit returns
// *ExitError alongside the captured Result.
func (Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	path, err := exec.LookPath(cmd.Name)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", cmd.Name, err)
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, path, cmd.Args...)
	command.Dir = cmd.Dir
	command.Env = cmd.Env
	command.Stdout = &stdout
	command.Stderr = &stderr

	err = command.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{Command: cmd.String(), ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
		return result, fmt.Errorf("%s: %w", cmd.String(), err)
	}
	return result, nil
}

// IsNotFound reports whether err means the tool binary could not be located.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

// Available reports whether name resolves on the runner's PATH.
func Available(r Runner, name string) bool {
	_, err := r.LookPath(name)
	return err == nil
}

// Output runs cmd and returns trimmed stdout, or "" on any failure. Used for
// informational lookups such as toolchain version strings.
func Output(ctx context.Context, r Runner, cmd Command) string {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}
