package release

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolUnavailable is matched by every "external tool missing" error. Stages
// that define a fallback substitute it when they see this error.
var ErrToolUnavailable = errors.New("tool unavailable")

// ConfigError reports invalid or contradictory configuration.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Msg }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// VersionResolutionError reports that the release version could not be derived.
type VersionResolutionError struct {
	Source VersionSource
	Reason string
}

func (e *VersionResolutionError) Error() string {
	return fmt.Sprintf("resolve version (source %s): %s", e.Source, e.Reason)
}

// ToolchainMissingError reports that a build tool is absent from PATH.
type ToolchainMissingError struct {
	Package string
	Tool    string
}

func (e *ToolchainMissingError) Error() string {
	return fmt.Sprintf("package %s: toolchain %q not found on PATH", e.Package, e.Tool)
}

func (e *ToolchainMissingError) Is(target error) bool { return target == ErrToolUnavailable }

// BuildFailedError wraps a non-zero exit of an external build tool.
type BuildFailedError struct {
	Package  string
	Target   string
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *BuildFailedError) Error() string {
	msg := fmt.Sprintf("package %s target %s: %s failed", e.Package, e.Target, e.Command)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += " (output: " + lastLines(out, 20) + ")"
	}
	return msg
}

func (e *BuildFailedError) Unwrap() error { return e.Err }

// NamingCollisionError reports two artifacts rendering to the same file name.
type NamingCollisionError struct {
	Name   string
	First  string
	Second string
}

func (e *NamingCollisionError) Error() string {
	return fmt.Sprintf("artifact name %q produced by both %s and %s", e.Name, e.First, e.Second)
}

// EmptyArchiveError reports an archive with no members after filtering.
type EmptyArchiveError struct {
	Package string
	Target  string
	Name    string
}

func (e *EmptyArchiveError) Error() string {
	return fmt.Sprintf("package %s target %s: archive %s has no files after include/exclude filtering", e.Package, e.Target, e.Name)
}

// SbomToolMissingError reports that the native SBOM generator is absent.
type SbomToolMissingError struct {
	Package string
	Tool    string
}

func (e *SbomToolMissingError) Error() string {
	return fmt.Sprintf("package %s: sbom tool %q not available", e.Package, e.Tool)
}

func (e *SbomToolMissingError) Is(target error) bool { return target == ErrToolUnavailable }

// SigningToolMissingError reports that a signing method cannot run here.
type SigningToolMissingError struct {
	Method SignMethod
	Reason string
}

func (e *SigningToolMissingError) Error() string {
	return fmt.Sprintf("signing method %s unavailable: %s", e.Method, e.Reason)
}

func (e *SigningToolMissingError) Is(target error) bool { return target == ErrToolUnavailable }

// MissingArtifactError reports a manifest path absent from the output directory.
type MissingArtifactError struct {
	Path string
}

func (e *MissingArtifactError) Error() string { return "missing artifact " + e.Path }

// DigestMismatchError reports a file whose content no longer matches the manifest.
type DigestMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: manifest %s, on disk %s", e.Path, e.Want, e.Got)
}

// UnsignedArtifactError reports an entry that should be signed but has no signature.
type UnsignedArtifactError struct {
	Path string
}

func (e *UnsignedArtifactError) Error() string { return "no signature recorded for " + e.Path }

// SignatureInvalidError reports a signature that failed re-validation.
type SignatureInvalidError struct {
	Path   string
	Method SignMethod
	Reason string
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("invalid %s signature %s: %s", e.Method, e.Path, e.Reason)
}

// UnitError attributes a failure to one (package, target) pipeline stage.
type UnitError struct {
	Target BuildTarget
	Stage  string
	Err    error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Target, e.Stage, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// IsRunFatal reports whether err indicates a configuration defect that must
// abort the whole run rather than a single unit.
func IsRunFatal(err error) bool {
	var (
		cfgErr       *ConfigError
		versionErr   *VersionResolutionError
		collisionErr *NamingCollisionError
		emptyErr     *EmptyArchiveError
	)
	return errors.As(err, &cfgErr) || errors.As(err, &versionErr) ||
		errors.As(err, &collisionErr) || errors.As(err, &emptyErr)
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
