package manifest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"

	"polyship/pkg/release"
)

// Provenance records how a release was produced. It is informational and
// never consulted by verification.
type Provenance struct {
	SchemaVersion   int               `json:"schema_version"`
	RunID           string            `json:"run_id"`
	Tool            Tool              `json:"tool"`
	Version         string            `json:"version"`
	VersionSource   string            `json:"version_source"`
	VersionFallback bool              `json:"version_fallback,omitempty"`
	Source          Source            `json:"source"`
	Toolchains      map[string]string `json:"toolchains"`
	Host            Host              `json:"host"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	Units           []UnitRecord      `json:"units"`
}

// Source identifies the revision that was built.
type Source struct {
	Revision string `json:"revision,omitempty"`
	RepoURL  string `json:"repo_url,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

// Host describes the machine that ran the release.
type Host struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Platform string `json:"platform"`
	CI       bool   `json:"ci"`
	Provider string `json:"ci_provider,omitempty"`
}

// UnitRecord is the outcome and build time of one unit.
type UnitRecord struct {
	Package       string `json:"package"`
	Target        string `json:"target"`
	Status        string `json:"status"`
	BuildDuration string `json:"build_duration,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ProvenanceInput collects the facts gathered during a run.
type ProvenanceInput struct {
	Tool       Tool
	Version    release.Version
	Source     Source
	Toolchains map[string]string
	Platform   string
	Getenv     func(string) string
	StartedAt  time.Time
	FinishedAt time.Time
	Units      []release.UnitResult
	// BuildTimes holds the build stage duration per unit.
	BuildTimes map[release.BuildTarget]time.Duration
}

var ciProviders = []struct{ env, name string }{
	{"GITHUB_ACTIONS", "github-actions"},
	{"GITLAB_CI", "gitlab-ci"},
	{"BUILDKITE", "buildkite"},
	{"CIRCLECI", "circleci"},
	{"JENKINS_URL", "jenkins"},
}

// NewProvenance assembles a Provenance record with a fresh run id.
func NewProvenance(in ProvenanceInput) *Provenance {
	p := &Provenance{
		SchemaVersion:   SchemaVersion,
		RunID:           uuid.NewString(),
		Tool:            in.Tool,
		Version:         in.Version.Value,
		VersionSource:   string(in.Version.Source),
		VersionFallback: in.Version.Fallback,
		Source:          in.Source,
		Toolchains:      in.Toolchains,
		Host:            Host{OS: runtime.GOOS, Arch: runtime.GOARCH, Platform: in.Platform},
		StartedAt:       in.StartedAt.UTC(),
		FinishedAt:      in.FinishedAt.UTC(),
		Units:           []UnitRecord{},
	}
	if p.Toolchains == nil {
		p.Toolchains = map[string]string{}
	}
	if getenv := in.Getenv; getenv != nil {
		p.Host.CI = getenv("CI") != ""
		for _, c := range ciProviders {
			if getenv(c.env) != "" {
				p.Host.CI = true
				p.Host.Provider = c.name
				break
			}
		}
	}

	for _, unit := range in.Units {
		rec := UnitRecord{Package: unit.Target.Package, Target: unit.Target.Target, Status: "succeeded"}
		if !unit.Succeeded() {
			rec.Status = "failed"
			if unit.Err != nil {
				rec.Error = unit.Err.Error()
			}
		}
		if d, ok := in.BuildTimes[unit.Target]; ok {
			rec.BuildDuration = d.Round(time.Millisecond).String()
		}
		p.Units = append(p.Units, rec)
	}
	sort.Slice(p.Units, func(i, j int) bool {
		a := release.BuildTarget{Package: p.Units[i].Package, Target: p.Units[i].Target}
		return a.Less(release.BuildTarget{Package: p.Units[j].Package, Target: p.Units[j].Target})
	})
	return p
}

// WriteProvenance stores p as dir/provenance.json.
func WriteProvenance(dir string, p *Provenance) (string, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode provenance: %w", err)
	}
	dest := filepath.Join(dir, ProvenanceName)
	if err := writeAtomic(dest, append(data, '\n')); err != nil {
		return "", fmt.Errorf("write provenance: %w", err)
	}
	return dest, nil
}
