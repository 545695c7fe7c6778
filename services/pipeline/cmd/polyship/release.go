package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"polyship/pkg/bus"
	"polyship/pkg/render"
	gos3 "polyship/pkg/s3"
	"polyship/services/config"
	"polyship/services/ledger"
	"polyship/services/pipeline"
	"polyship/services/plan"
	"polyship/services/publish"
	"polyship/services/verifier"
)

const natsStream = "POLYSHIP"

func newReleaseCommand(opts *options) *cobra.Command {
	var draft, noDraft, prerelease bool
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Run the full pipeline, verify the output and publish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if draft && noDraft {
				return errors.New("--draft and --no-draft are mutually exclusive")
			}
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			switch {
			case draft:
				a.cfg.Release.Draft = true
			case noDraft:
				a.cfg.Release.Draft = false
			}
			if prerelease {
				a.cfg.Release.Prerelease = true
			}
			return a.release(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&draft, "draft", false, "Create the release as a draft")
	cmd.Flags().BoolVar(&noDraft, "no-draft", false, "Publish the release immediately")
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "Mark the release as a prerelease")
	return cmd
}

func (a *app) release(ctx context.Context) error {
	pl, err := a.plan(ctx)
	if err != nil {
		return err
	}
	if a.opts.dryRun {
		if err := printPlan(a.out, pl, false); err != nil {
			return err
		}
	}

	res, err := a.pipeline().Run(ctx, pl)
	defer a.pushMetrics(ctx)
	if err != nil {
		return err
	}
	printResult(a.out, res)

	// Only a signing key implies a signed manifest.
	vopts := verifier.Options{Logger: a.logger}
	if a.key.CanSign() {
		vopts.Key = a.key
	}
	if _, err := verifier.Verify(ctx, a.cfg.OutputDir(), vopts); err != nil {
		return fmt.Errorf("release output failed verification: %w", err)
	}
	if a.opts.dryRun {
		a.logger.Printf("INFO dry run: skipping publish of %s", pl.Version)
		return nil
	}

	notes, err := a.notes(ctx, pl, res)
	if err != nil {
		return err
	}
	pubs, closeAll, err := a.publishers(ctx, pl)
	defer closeAll()
	if err != nil {
		return err
	}
	if len(pubs) == 0 {
		a.logger.Printf("INFO no publishers configured; release left in %s", a.cfg.OutputDir())
		return nil
	}

	rel := &publish.Release{
		Dir:        a.cfg.OutputDir(),
		Name:       a.cfg.ProjectName(),
		Version:    pl.Version,
		Manifest:   res.Manifest,
		Notes:      notes,
		Draft:      a.cfg.Release.Draft,
		Prerelease: a.cfg.Release.Prerelease,
	}
	outcomes, err := publish.All(ctx, rel, pubs, a.logger)
	for _, o := range outcomes {
		if o.URL != "" {
			fmt.Fprintf(a.out, "%s: %s\n", o.Publisher, o.URL)
		}
	}
	return err
}

// notes renders the release body from the changelog file, or from git
// history since the previous tag.
func (a *app) notes(ctx context.Context, pl *plan.Plan, res *pipeline.Result) (string, error) {
	var changelog string
	if file := a.cfg.Changelog.File; file != "" {
		if !filepath.IsAbs(file) {
			file = filepath.Join(a.cfg.Root, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read changelog: %w", err)
		}
		changelog = strings.TrimSpace(string(data))
	} else {
		prev := pl.Host.LatestTag
		if prev == pl.Version.Tag {
			prev = ""
		}
		log, err := a.repo.Changelog(ctx, prev, "HEAD", a.cfg.Changelog.Mode)
		if err != nil {
			a.logger.Printf("WARN changelog unavailable: %v", err)
		}
		changelog = log
	}

	engine, err := render.New()
	if err != nil {
		return "", err
	}
	return publish.Notes(engine, a.cfg.ProjectName(), res.Manifest, changelog)
}

// publishers builds the configured destinations in publish order. The
// returned func releases their connections.
func (a *app) publishers(ctx context.Context, pl *plan.Plan) ([]publish.Publisher, func(), error) {
	var (
		pubs    []publish.Publisher
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	rel := a.cfg.Release

	if rel.Provider == "github" {
		gh, err := githubPublisher(rel.GitHub, pl.Host.RepoURL)
		if err != nil {
			return nil, closeAll, err
		}
		pubs = append(pubs, gh)
	}
	if rel.S3 != nil {
		client, err := gos3.New(ctx, gos3.ConfigFromEnv(os.Getenv))
		if err != nil {
			return nil, closeAll, fmt.Errorf("s3 client: %w", err)
		}
		pubs = append(pubs, &publish.S3Mirror{Store: client, Bucket: rel.S3.Bucket, Prefix: rel.S3.Prefix, TTL: rel.S3.PresignTTL})
	}
	if rel.Ledger != nil && rel.Ledger.DatabaseURL != "" {
		l, err := ledger.Open(ctx, rel.Ledger.DatabaseURL)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, l.Close)
		pubs = append(pubs, l)
	}
	if rel.Notify != nil {
		b, err := bus.New(rel.Notify.NATSURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("nats: %w", err)
		}
		closers = append(closers, b.Close)
		if err := b.EnsureStream(natsStream, rel.Notify.Subject); err != nil {
			return nil, closeAll, fmt.Errorf("nats stream: %w", err)
		}
		pubs = append(pubs, &publish.Notifier{Bus: b, Prefix: rel.Notify.Subject})
	}
	return pubs, closeAll, nil
}

func githubPublisher(section *config.GitHubSection, remote string) (*publish.GitHub, error) {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		token = os.Getenv("GH_TOKEN")
	}
	var owner, repo, baseURL string
	if section != nil {
		owner, repo, baseURL = section.Owner, section.Repo, section.BaseURL
	} else {
		var ok bool
		owner, repo, ok = parseGitHubRemote(remote)
		if !ok {
			return nil, fmt.Errorf("cannot derive the GitHub repository from remote %q; set release.github", remote)
		}
	}
	return publish.NewGitHub(owner, repo, token, baseURL)
}

// parseGitHubRemote extracts owner and repository from an https or scp-like
// GitHub remote URL.
func parseGitHubRemote(remote string) (owner, repo string, ok bool) {
	remote = strings.TrimSpace(remote)
	var path string
	switch {
	case strings.HasPrefix(remote, "git@github.com:"):
		path = strings.TrimPrefix(remote, "git@github.com:")
	default:
		u, err := url.Parse(remote)
		if err != nil || u.Host != "github.com" {
			return "", "", false
		}
		path = strings.TrimPrefix(u.Path, "/")
	}
	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	owner, repo, found := strings.Cut(path, "/")
	if !found || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", false
	}
	return owner, repo, true
}
