// Package plan expands configuration into the closed list of build targets for
// a run and resolves the release version. Building a plan has no side effects:
// everything it needs from the host is captured up front in HostFacts.
package plan

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"polyship/pkg/fallback"
	"polyship/pkg/gitinfo"
	"polyship/pkg/release"
	"polyship/services/config"
)

// BaselineVersion is used by the git scheme when no tag exists yet.
const BaselineVersion = "0.1.0"

// HostFacts is what a plan needs to know about the machine and repository.
type HostFacts struct {
	Platform string
	// LatestTag is the nearest tag reachable from HEAD, empty when none.
	LatestTag string
	// Describe is set when "git describe" found a tag.
	Describe   *gitinfo.Description
	Commit     string
	RepoURL    string
	SourceDate time.Time
}

// Options narrow or override a plan.
type Options struct {
	// Only restricts the plan to a comma separated list of package names.
	Only string
	// Tag overrides the configured version source, like a manual version.
	Tag string
}

// Plan is the static build matrix of one run.
type Plan struct {
	Version  release.Version
	Packages []release.Package
	Targets  []release.BuildTarget
	Host     HostFacts
}

// Build expands cfg against host. It is deterministic for identical inputs.
func Build(cfg *config.Config, host HostFacts, opts Options) (*Plan, error) {
	if cfg == nil {
		return nil, release.Configf("no configuration")
	}

	version, err := ResolveVersion(cfg.Version, host, opts.Tag)
	if err != nil {
		return nil, err
	}

	packages, err := selectPackages(cfg.Packages, opts.Only)
	if err != nil {
		return nil, err
	}

	p := &Plan{Version: version, Packages: packages, Host: host}
	seen := map[release.BuildTarget]struct{}{}
	for _, pkg := range packages {
		if len(pkg.Targets) == 0 {
			return nil, release.Configf("package %s: target list is empty", pkg.Name)
		}
		for _, raw := range pkg.Targets {
			target, err := expandTarget(pkg.Name, raw, host.Platform)
			if err != nil {
				return nil, err
			}
			key := release.BuildTarget{Package: target.Package, Target: target.Target}
			if _, dup := seen[key]; dup {
				return nil, release.Configf("package %s: duplicate target %s", pkg.Name, target.Target)
			}
			seen[key] = struct{}{}
			p.Targets = append(p.Targets, target)
		}
	}
	release.SortTargets(p.Targets)
	return p, nil
}

func expandTarget(pkg, raw, platform string) (release.BuildTarget, error) {
	target := strings.TrimSpace(raw)
	switch {
	case target == "":
		return release.BuildTarget{}, release.Configf("package %s: empty target", pkg)
	case target == "native":
		if platform == "" {
			return release.BuildTarget{}, release.Configf("package %s: cannot resolve native target on this host", pkg)
		}
		return release.BuildTarget{Package: pkg, Target: platform, Native: true}, nil
	case strings.ContainsAny(target, `\ `) || strings.Contains(target, ".."):
		return release.BuildTarget{}, release.Configf("package %s: invalid target %q", pkg, raw)
	}
	return release.BuildTarget{Package: pkg, Target: target}, nil
}

func selectPackages(all []release.Package, only string) ([]release.Package, error) {
	if strings.TrimSpace(only) == "" {
		return append([]release.Package(nil), all...), nil
	}
	wanted := map[string]bool{}
	for _, name := range strings.Split(only, ",") {
		if name = strings.TrimSpace(name); name != "" {
			wanted[name] = true
		}
	}
	var selected []release.Package
	for _, pkg := range all {
		if wanted[pkg.Name] {
			selected = append(selected, pkg)
		}
	}
	if len(selected) == 0 {
		return nil, release.Configf("--only %q matches no configured package", only)
	}
	return selected, nil
}

// ResolveVersion derives the release version from the configured source. A
// non-empty tagOverride takes precedence and behaves as a manual version.
func ResolveVersion(section config.VersionSection, host HostFacts, tagOverride string) (release.Version, error) {
	if tag := strings.TrimSpace(tagOverride); tag != "" {
		return manualVersion(tag), nil
	}

	switch release.VersionSource(section.Source) {
	case release.VersionFromManual:
		value := strings.TrimSpace(section.Manual)
		if value == "" {
			return release.Version{}, release.Configf("version.source=manual requires version.manual")
		}
		return manualVersion(value), nil

	case release.VersionFromTag:
		if host.LatestTag == "" {
			return release.Version{}, &release.VersionResolutionError{
				Source: release.VersionFromTag,
				Reason: "no tag reachable from the current revision",
			}
		}
		return release.Version{Value: stripV(host.LatestTag), Tag: host.LatestTag, Source: release.VersionFromTag}, nil

	case release.VersionFromGit, "":
		outcome, err := fallback.Try(context.Background(),
			fallback.Option[release.Version]{Name: "git-describe", Run: func(context.Context) (release.Version, error) {
				return describeVersion(host)
			}},
			fallback.Option[release.Version]{Name: "baseline", Run: func(context.Context) (release.Version, error) {
				return release.Version{Value: BaselineVersion, Tag: "v" + BaselineVersion, Source: release.VersionFromGit}, nil
			}},
		)
		if err != nil {
			return release.Version{}, &release.VersionResolutionError{Source: release.VersionFromGit, Reason: err.Error()}
		}
		outcome.Value.Fallback = outcome.Fallback
		return outcome.Value, nil
	}

	return release.Version{}, release.Configf("unknown version.source %q", section.Source)
}

var errNoTag = fmt.Errorf("no tag reachable from HEAD: %w", release.ErrToolUnavailable)

func describeVersion(host HostFacts) (release.Version, error) {
	desc := host.Describe
	if desc == nil {
		if host.LatestTag == "" {
			return release.Version{}, errNoTag
		}
		return release.Version{Value: stripV(host.LatestTag), Tag: host.LatestTag, Source: release.VersionFromGit}, nil
	}
	base := stripV(desc.Tag)
	if desc.Ahead == 0 {
		return release.Version{Value: base, Tag: desc.Tag, Source: release.VersionFromGit}, nil
	}
	value := fmt.Sprintf("%s-dev.%d+g%s", base, desc.Ahead, desc.Commit)
	return release.Version{Value: value, Tag: "v" + value, Source: release.VersionFromGit}, nil
}

func manualVersion(raw string) release.Version {
	value := stripV(raw)
	tag := raw
	if tag == value {
		tag = "v" + value
	}
	return release.Version{Value: value, Tag: tag, Source: release.VersionFromManual}
}

func stripV(tag string) string {
	if len(tag) > 1 && (tag[0] == 'v' || tag[0] == 'V') && tag[1] >= '0' && tag[1] <= '9' {
		return tag[1:]
	}
	return tag
}

// GatherHostFacts collects host facts from the environment and the git
// repository. Missing git data leaves the corresponding fields empty.
func GatherHostFacts(ctx context.Context, repo *gitinfo.Repository, now func() time.Time) HostFacts {
	if now == nil {
		now = time.Now
	}
	facts := HostFacts{Platform: HostPlatform()}
	if repo != nil {
		if tag, err := repo.LatestTag(ctx); err == nil {
			facts.LatestTag = tag
		}
		if desc, err := repo.Describe(ctx); err == nil {
			facts.Describe = &desc
		}
		facts.Commit = repo.Commit(ctx)
		facts.RepoURL = repo.RemoteURL(ctx)
	}
	facts.SourceDate = sourceDate(ctx, repo, now)
	return facts
}

// sourceDate honours SOURCE_DATE_EPOCH, then the HEAD commit time, then now.
func sourceDate(ctx context.Context, repo *gitinfo.Repository, now func() time.Time) time.Time {
	if v := strings.TrimSpace(os.Getenv("SOURCE_DATE_EPOCH")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	if repo != nil {
		if t, err := repo.CommitTime(ctx); err == nil {
			return t
		}
	}
	return now().UTC().Truncate(time.Second)
}

// Summary is the JSON view printed by "polyship plan --json".
type Summary struct {
	Version       string           `json:"version"`
	Tag           string           `json:"tag"`
	VersionSource string           `json:"version_source"`
	Platform      string           `json:"platform"`
	Packages      []PackageSummary `json:"packages"`
}

// PackageSummary describes one planned package.
type PackageSummary struct {
	Name     string   `json:"name"`
	Language string   `json:"type"`
	Kind     string   `json:"kind"`
	Path     string   `json:"path"`
	Targets  []string `json:"targets"`
	Formats  []string `json:"formats"`
}

// Summary returns the plan in its JSON view.
func (p *Plan) Summary() Summary {
	s := Summary{
		Version:       p.Version.Value,
		Tag:           p.Version.Tag,
		VersionSource: string(p.Version.Source),
		Platform:      p.Host.Platform,
	}
	for _, pkg := range p.Packages {
		ps := PackageSummary{Name: pkg.Name, Language: string(pkg.Language), Kind: string(pkg.Kind), Path: pkg.Root}
		for _, t := range p.TargetsFor(pkg.Name) {
			ps.Targets = append(ps.Targets, t.Target)
		}
		for _, f := range pkg.Package.Formats {
			ps.Formats = append(ps.Formats, string(f))
		}
		s.Packages = append(s.Packages, ps)
	}
	return s
}

// TargetsFor returns the planned targets of one package in plan order.
func (p *Plan) TargetsFor(name string) []release.BuildTarget {
	var out []release.BuildTarget
	for _, t := range p.Targets {
		if t.Package == name {
			out = append(out, t)
		}
	}
	return out
}

// Package returns the planned package by name.
func (p *Plan) Package(name string) (release.Package, bool) {
	for _, pkg := range p.Packages {
		if pkg.Name == name {
			return pkg, true
		}
	}
	return release.Package{}, false
}
