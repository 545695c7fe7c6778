// Package pipeline runs the per-unit build, package, SBOM and sign stages
// for every planned target in parallel and then assembles the run level
// checksum file, manifest and provenance record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"polyship/pkg/release"
	"polyship/pkg/telemetry"
	"polyship/pkg/toolexec"
	"polyship/services/builder"
	"polyship/services/manifest"
	"polyship/services/packager"
	"polyship/services/plan"
	"polyship/services/sbom"
	"polyship/services/signer"
)

// ToolName identifies polyship in manifests, SBOMs and provenance.
const ToolName = "polyship"

// Stage names used in errors, spans and metrics.
const (
	StageBuild    = "build"
	StagePackage  = "package"
	StageSBOM     = "sbom"
	StageSign     = "sign"
	StageManifest = "manifest"
)

// Config holds the collaborators of a run.
type Config struct {
	Runner    toolexec.Runner
	OutputDir string
	// Jobs bounds the number of units processed at once; 0 uses GOMAXPROCS.
	Jobs int
	// AllowPartial writes a manifest for the succeeded units when others fail.
	AllowPartial bool
	// Key signs the manifest and enables the ed25519 method. Optional.
	Key         *signer.KeyPair
	ToolVersion string
	Getenv      func(string) string
	Logger      *log.Logger
	Metrics     *telemetry.Metrics
}

// Pipeline runs plans.
type Pipeline struct {
	cfg    Config
	tracer trace.Tracer
}

// New returns a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Runner == nil {
		cfg.Runner = toolexec.Exec{}
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = runtime.GOMAXPROCS(0)
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	return &Pipeline{cfg: cfg, tracer: telemetry.Tracer("polyship/pipeline")}
}

// Result is the outcome of a run.
type Result struct {
	Plan           *plan.Plan
	Units          []release.UnitResult
	Checksums      *release.ChecksumFile
	Manifest       *manifest.Manifest
	ManifestPath   string
	ProvenancePath string
	// Failed joins the UnitError of every failed unit.
	Failed error
}

// Succeeded returns the units that completed every stage.
func (r *Result) Succeeded() []release.UnitResult {
	var out []release.UnitResult
	for _, u := range r.Units {
		if u.Succeeded() {
			out = append(out, u)
		}
	}
	return out
}

type stages struct {
	builder  *builder.Dispatcher
	packager *packager.Packager
	sbom     *sbom.Generator
	signer   *signer.Signer
}

type slot struct {
	result    release.UnitResult
	buildTime time.Duration
}

// Build runs only the build stage of every unit. Outputs are left in the
// staging directory.
func (p *Pipeline) Build(ctx context.Context, pl *plan.Plan) (*Result, error) {
	res, _, err := p.units(ctx, pl, nil, true)
	if err != nil {
		return res, err
	}
	return res, res.Failed
}

// Run executes the full pipeline for pl and writes SHA256SUMS, manifest.json
// and provenance.json. A configuration defect aborts the run without a
// manifest, as does any unit failure unless partial releases are allowed.
func (p *Pipeline) Run(ctx context.Context, pl *plan.Plan) (*Result, error) {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "release.run", trace.WithAttributes(
		attribute.String("polyship.version", pl.Version.Value),
		attribute.Int("polyship.units", len(pl.Targets)),
	))
	defer span.End()

	if pl.Version.Fallback {
		p.cfg.Logger.Printf("WARN version: no tag reachable, using baseline %s", pl.Version.Value)
		p.cfg.Metrics.Fallback("version")
	}

	planned, err := packager.PlanNames(pl.Packages, pl.Targets, pl.Version)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}
	if err := p.clearRunFiles(); err != nil {
		return nil, err
	}

	res, buildTimes, err := p.units(ctx, pl, planned, false)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.Failed != nil {
		if !p.cfg.AllowPartial {
			span.SetStatus(codes.Error, "unit failures")
			return res, res.Failed
		}
		if len(res.Succeeded()) == 0 {
			return res, fmt.Errorf("no unit succeeded: %w", res.Failed)
		}
		p.cfg.Logger.Printf("WARN partial release: %d of %d units failed", len(res.Units)-len(res.Succeeded()), len(res.Units))
	}

	if err := p.finish(ctx, pl, res, started, buildTimes); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	return res, nil
}

// units runs the per-unit pipelines. Unit failures are collected into
// Result.Failed; only run fatal errors and cancellation are returned.
func (p *Pipeline) units(ctx context.Context, pl *plan.Plan, planned []packager.Planned, buildOnly bool) (*Result, map[release.BuildTarget]time.Duration, error) {
	st := stages{
		builder: builder.NewDispatcher(builder.Config{
			Runner:     p.cfg.Runner,
			OutputDir:  p.cfg.OutputDir,
			SourceDate: pl.Host.SourceDate,
			Logger:     p.cfg.Logger,
		}),
		packager: packager.New(p.cfg.OutputDir, p.cfg.Logger),
		sbom: sbom.New(sbom.Config{
			Runner:      p.cfg.Runner,
			OutputDir:   p.cfg.OutputDir,
			SourceDate:  pl.Host.SourceDate,
			ToolVersion: p.cfg.ToolVersion,
			Logger:      p.cfg.Logger,
		}),
		signer: signer.New(signer.Config{
			Runner: p.cfg.Runner,
			Getenv: p.cfg.Getenv,
			Key:    p.cfg.Key,
			Logger: p.cfg.Logger,
		}),
	}

	pkgs := make([]release.Package, len(pl.Targets))
	for i, target := range pl.Targets {
		pkg, ok := pl.Package(target.Package)
		if !ok {
			return nil, nil, release.Configf("target %s references unknown package", target)
		}
		pkgs[i] = pkg
	}

	slots := make([]slot, len(pl.Targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Jobs)
	for i, target := range pl.Targets {
		pkg := pkgs[i]
		var names packager.Planned
		if planned != nil {
			names = planned[i]
		}
		g.Go(func() error {
			slots[i] = p.unit(gctx, st, pl, pkg, target, names, buildOnly)
			if err := slots[i].result.Err; err != nil && release.IsRunFatal(err) {
				return err
			}
			return nil
		})
	}
	fatal := g.Wait()

	res := &Result{Plan: pl}
	times := map[release.BuildTarget]time.Duration{}
	var failed []error
	for _, s := range slots {
		res.Units = append(res.Units, s.result)
		times[s.result.Target] = s.buildTime
		if s.result.Err != nil {
			failed = append(failed, s.result.Err)
		}
	}
	res.Failed = errors.Join(failed...)

	if fatal != nil {
		return res, times, fatal
	}
	if err := ctx.Err(); err != nil {
		return res, times, err
	}
	return res, times, nil
}

// unit runs build, package, sbom and sign for one target. Each stage
// consumes the previous one's output; the first failure ends the unit.
func (p *Pipeline) unit(ctx context.Context, st stages, pl *plan.Plan, pkg release.Package, target release.BuildTarget, names packager.Planned, buildOnly bool) slot {
	ctx, span := p.tracer.Start(ctx, "release.unit", trace.WithAttributes(
		attribute.String("polyship.package", target.Package),
		attribute.String("polyship.target", target.Target),
	))
	defer span.End()

	s := slot{result: release.UnitResult{Target: target}}
	fail := func(stage string, err error) slot {
		if ctxErr := ctx.Err(); ctxErr != nil && !release.IsRunFatal(err) {
			err = ctxErr
		}
		s.result.Err = &release.UnitError{Target: target, Stage: stage, Err: err}
		p.cfg.Metrics.Unit(stage, "failed")
		span.SetStatus(codes.Error, err.Error())
		p.cfg.Logger.Printf("ERROR %s [%s]: %v", target, stage, err)
		return s
	}

	start := time.Now()
	out, err := st.builder.Build(ctx, pkg, target, pl.Version, pl.Host.Commit)
	s.buildTime = time.Since(start)
	p.cfg.Metrics.ObserveStage(StageBuild, start)
	if err != nil {
		return fail(StageBuild, err)
	}
	s.result.Output = out
	p.cfg.Metrics.Unit(StageBuild, "ok")
	if buildOnly {
		return s
	}

	start = time.Now()
	archives, err := st.packager.Package(ctx, pkg, out, names)
	p.cfg.Metrics.ObserveStage(StagePackage, start)
	if err != nil {
		return fail(StagePackage, err)
	}
	s.result.Archives = archives
	p.cfg.Metrics.Unit(StagePackage, "ok")

	if pkg.SBOM.Enabled {
		start = time.Now()
		doc, err := st.sbom.Generate(ctx, pkg, target, pl.Version, names.SBOM)
		p.cfg.Metrics.ObserveStage(StageSBOM, start)
		if err != nil {
			return fail(StageSBOM, err)
		}
		if doc.ModeUsed == release.SBOMFallback && pkg.SBOM.Mode != release.SBOMFallback {
			p.cfg.Metrics.Fallback(StageSBOM)
		}
		s.result.SBOM = doc
		p.cfg.Metrics.Unit(StageSBOM, "ok")
	}

	if pkg.Sign.Enabled {
		start = time.Now()
		subjects := make([]string, 0, len(archives)+1)
		for _, a := range archives {
			subjects = append(subjects, a.Path)
		}
		if s.result.SBOM != nil {
			subjects = append(subjects, s.result.SBOM.Path)
		}
		for _, subject := range subjects {
			sig, err := st.signer.Sign(ctx, pkg.Sign, subject)
			if err != nil {
				return fail(StageSign, err)
			}
			if sig.Substituted {
				p.cfg.Metrics.Fallback(StageSign)
			}
			s.result.Signatures = append(s.result.Signatures, sig)
		}
		p.cfg.Metrics.ObserveStage(StageSign, start)
		p.cfg.Metrics.Unit(StageSign, "ok")
	}

	return s
}

// finish writes the checksum file, signs it, then writes the manifest and
// the provenance record.
func (p *Pipeline) finish(ctx context.Context, pl *plan.Plan, res *Result, started time.Time, buildTimes map[release.BuildTarget]time.Duration) error {
	ctx, span := p.tracer.Start(ctx, "release.manifest")
	defer span.End()
	start := time.Now()
	defer p.cfg.Metrics.ObserveStage(StageManifest, start)

	cs, err := manifest.WriteChecksums(p.cfg.OutputDir, res.Units)
	if err != nil {
		return err
	}
	res.Checksums = cs

	in := manifest.Input{
		OutputDir:   p.cfg.OutputDir,
		Version:     pl.Version,
		GeneratedAt: pl.Host.SourceDate,
		Tool:        manifest.Tool{Name: ToolName, Version: p.cfg.ToolVersion},
		Packages:    pl.Packages,
		Units:       res.Units,
		Checksums:   cs,
	}
	if settings, ok := runSignSettings(pl.Packages); ok {
		sig, err := signer.New(signer.Config{Runner: p.cfg.Runner, Getenv: p.cfg.Getenv, Key: p.cfg.Key, Logger: p.cfg.Logger}).Sign(ctx, settings, cs.Path)
		if err != nil {
			return fmt.Errorf("sign %s: %w", manifest.ChecksumsName, err)
		}
		if sig.Substituted {
			p.cfg.Metrics.Fallback(StageSign)
		}
		in.ChecksumSignature = &sig
		in.ChecksumSignRequired = true
	}

	m, err := manifest.Build(in)
	if err != nil {
		return err
	}
	if p.cfg.Key.CanSign() {
		if err := m.Sign(p.cfg.Key); err != nil {
			return fmt.Errorf("sign manifest: %w", err)
		}
	}
	if res.ManifestPath, err = manifest.Write(p.cfg.OutputDir, m); err != nil {
		return err
	}
	res.Manifest = m
	p.cfg.Logger.Printf("INFO wrote %s with %d entries", manifest.FileName, len(m.Entries))

	prov := manifest.NewProvenance(manifest.ProvenanceInput{
		Tool:       in.Tool,
		Version:    pl.Version,
		Source:     manifest.Source{Revision: pl.Host.Commit, RepoURL: pl.Host.RepoURL, Tag: pl.Version.Tag},
		Toolchains: builder.Toolchains(ctx, p.cfg.Runner, pl.Packages),
		Platform:   pl.Host.Platform,
		Getenv:     p.cfg.Getenv,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Units:      res.Units,
		BuildTimes: buildTimes,
	})
	res.ProvenancePath, err = manifest.WriteProvenance(p.cfg.OutputDir, prov)
	return err
}

// runSignSettings picks the settings used for the checksum file: those of
// the first package, in plan order, that has signing enabled.
func runSignSettings(pkgs []release.Package) (release.SignSettings, bool) {
	for _, pkg := range pkgs {
		if pkg.Sign.Enabled {
			return pkg.Sign, true
		}
	}
	return release.SignSettings{}, false
}

// clearRunFiles removes the previous run's manifest and checksum files so
// that a failed run never leaves a stale manifest behind.
func (p *Pipeline) clearRunFiles() error {
	for _, name := range []string{
		manifest.FileName,
		manifest.ChecksumsName,
		manifest.ChecksumsName + signer.SignatureSuffix,
		manifest.ChecksumsName + signer.CertificateSuffix,
		manifest.ProvenanceName,
	} {
		if err := os.Remove(filepath.Join(p.cfg.OutputDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
