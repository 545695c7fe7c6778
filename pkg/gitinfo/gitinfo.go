// Package gitinfo reads release facts from a git working tree: tags, the
// current revision, commit time, remote URL and changelog text. All commands
// target the repository directory via "git -C <dir>".
package gitinfo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"polyship/pkg/toolexec"
)

// ErrNoTag is returned when no tag is reachable from HEAD.
var ErrNoTag = errors.New("no tag reachable from HEAD")

// Repository is a git working tree.
type Repository struct {
	dir    string
	runner toolexec.Runner
}

// NewRepository returns a Repository rooted at dir. A nil runner uses os/exec.
func NewRepository(dir string, runner toolexec.Runner) *Repository {
	if runner == nil {
		runner = toolexec.Exec{}
	}
	return &Repository{dir: dir, runner: runner}
}

// Run executes a git command against the repository and returns stdout.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", r.dir}, args...)
	res, err := r.runner.Run(ctx, toolexec.Command{Name: "git", Args: full})
	if err != nil {
		return "", fmt.Errorf("git %s in %s: %w", strings.Join(args, " "), r.dir, err)
	}
	return res.Stdout, nil
}

// LatestTag returns the most recent tag reachable from HEAD.
func (r *Repository) LatestTag(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "describe", "--tags", "--abbrev=0")
	if err != nil {
		return "", ErrNoTag
	}
	tag := strings.TrimSpace(out)
	if tag == "" {
		return "", ErrNoTag
	}
	return tag, nil
}

// Description is the parsed output of "git describe --tags --long".
type Description struct {
	Tag    string
	Ahead  int
	Commit string
}

// Describe locates HEAD relative to the nearest tag.
func (r *Repository) Describe(ctx context.Context) (Description, error) {
	out, err := r.Run(ctx, "describe", "--tags", "--long")
	if err != nil {
		return Description{}, ErrNoTag
	}
	return ParseDescribe(strings.TrimSpace(out))
}

// ParseDescribe parses "<tag>-<n>-g<sha>". Tags may themselves contain dashes.
func ParseDescribe(s string) (Description, error) {
	shaIdx := strings.LastIndex(s, "-g")
	if shaIdx <= 0 {
		return Description{}, fmt.Errorf("unexpected describe output %q", s)
	}
	rest := s[:shaIdx]
	countIdx := strings.LastIndex(rest, "-")
	if countIdx <= 0 {
		return Description{}, fmt.Errorf("unexpected describe output %q", s)
	}
	ahead, err := strconv.Atoi(rest[countIdx+1:])
	if err != nil {
		return Description{}, fmt.Errorf("unexpected describe output %q: %w", s, err)
	}
	return Description{Tag: rest[:countIdx], Ahead: ahead, Commit: s[shaIdx+2:]}, nil
}

// Commit returns the full HEAD revision, or "" outside a repository.
func (r *Repository) Commit(ctx context.Context) string {
	out, err := r.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// CommitTime returns the committer time of HEAD.
func (r *Repository) CommitTime(ctx context.Context) (time.Time, error) {
	out, err := r.Run(ctx, "log", "-1", "--format=%ct")
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time: %w", err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// RemoteURL returns the origin remote URL, or "" when unset.
func (r *Repository) RemoteURL(ctx context.Context) string {
	out, err := r.Run(ctx, "config", "--get", "remote.origin.url")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Changelog lists commits in prev..curr. Mode "conventional" emits bullet
// subjects; anything else emits "<short sha> <subject>".
func (r *Repository) Changelog(ctx context.Context, prev, curr, mode string) (string, error) {
	format := "%h %s"
	if mode == "conventional" {
		format = "* %s"
	}
	rangeSpec := curr
	if prev != "" {
		rangeSpec = prev + ".." + curr
	}
	out, err := r.Run(ctx, "log", rangeSpec, "--pretty=format:"+format)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
