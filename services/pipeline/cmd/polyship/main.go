package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"polyship/pkg/gitinfo"
	"polyship/pkg/telemetry"
	"polyship/pkg/toolexec"
	"polyship/services/config"
	"polyship/services/ledger"
	"polyship/services/pipeline"
	"polyship/services/plan"
	"polyship/services/signer"
	"polyship/services/verifier"
)

// version is stamped at link time.
var version = "dev"

const (
	defaultConfigFile = ".polyship.yaml"
	pushgatewayEnv    = "POLYSHIP_PUSHGATEWAY_URL"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, pipeline.ToolName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	defer func() {
		if shutdown != nil {
			_ = shutdown(context.Background())
		}
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	only       string
	tag        string
	output     string
	jobs       int
	verbose    bool
	dryRun     bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "polyship",
		Short:         "Build, package, sign and release polyglot projects",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfigFile, "Path to the release configuration")
	flags.StringVar(&opts.only, "only", "", "Comma separated list of packages to include")
	flags.StringVar(&opts.tag, "tag", "", "Release this version instead of resolving one")
	flags.StringVar(&opts.output, "output", "", "Output directory (overrides the configuration)")
	flags.IntVar(&opts.jobs, "jobs", 0, "Units processed in parallel (0 = number of CPUs)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug messages")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Show what would happen without building or publishing")

	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newPlanCommand(opts))
	cmd.AddCommand(newBuildCommand(opts))
	cmd.AddCommand(newPackageCommand(opts))
	cmd.AddCommand(newReleaseCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	return cmd
}

// app is the state a command works with once configuration is loaded.
type app struct {
	opts    *options
	cfg     *config.Config
	logger  *log.Logger
	metrics *telemetry.Metrics
	runner  toolexec.Runner
	repo    *gitinfo.Repository
	key     *signer.KeyPair
	out     io.Writer
}

func (o *options) logger(cmd *cobra.Command) *log.Logger {
	return telemetry.NewLogger(pipeline.ToolName, cmd.ErrOrStderr(), o.verbose)
}

func (o *options) load(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if o.output != "" {
		cfg.Output = o.output
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Jobs = o.jobs
	}
	key, err := signer.KeyPairFromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}

	logger := o.logger(cmd)
	logger.Printf("[debug] config %s", cfg)
	runner := toolexec.Exec{}
	return &app{
		opts:    o,
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		runner:  runner,
		repo:    gitinfo.NewRepository(cfg.Root, runner),
		key:     key,
		out:     cmd.OutOrStdout(),
	}, nil
}

func (a *app) plan(ctx context.Context) (*plan.Plan, error) {
	host := plan.GatherHostFacts(ctx, a.repo, nil)
	return plan.Build(a.cfg, host, plan.Options{Only: a.opts.only, Tag: a.opts.tag})
}

func (a *app) pipeline() *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		Runner:       a.runner,
		OutputDir:    a.cfg.OutputDir(),
		Jobs:         a.cfg.Jobs,
		AllowPartial: a.cfg.Release.AllowPartial,
		Key:          a.key,
		ToolVersion:  version,
		Getenv:       os.Getenv,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
}

func (a *app) pushMetrics(ctx context.Context) {
	if err := a.metrics.Push(ctx, os.Getenv(pushgatewayEnv), pipeline.ToolName); err != nil {
		a.logger.Printf("WARN push metrics: %v", err)
	}
}

func newInitCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Detect projects and write a starter configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			projects, err := config.DetectProjects(root)
			if err != nil {
				return err
			}
			dest := opts.configPath
			if !filepath.IsAbs(dest) && len(args) == 1 {
				dest = filepath.Join(root, dest)
			}
			if opts.dryRun {
				for _, p := range projects {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.Name, p.Language, p.Path)
				}
				return nil
			}
			if err := config.WriteDefault(dest, projects); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s with %d project(s)\n", dest, len(projects))
			return nil
		},
	}
}

func newPlanCommand(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the resolved version and build matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			pl, err := a.plan(cmd.Context())
			if err != nil {
				return err
			}
			return printPlan(a.out, pl, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the plan as JSON")
	return cmd
}

func printPlan(w io.Writer, pl *plan.Plan, asJSON bool) error {
	summary := pl.Summary()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Fprintf(w, "version %s (%s)\n", summary.Version, summary.VersionSource)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tKIND\tTARGETS\tFORMATS")
	for _, p := range summary.Packages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Kind, strings.Join(p.Targets, ","), strings.Join(p.Formats, ","))
	}
	return tw.Flush()
}

func newBuildCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build every planned unit without packaging",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pl, err := a.plan(ctx)
			if err != nil {
				return err
			}
			if opts.dryRun {
				return printPlan(a.out, pl, false)
			}
			res, err := a.pipeline().Build(ctx, pl)
			defer a.pushMetrics(ctx)
			if res != nil {
				for _, u := range res.Units {
					if u.Output != nil {
						fmt.Fprintf(a.out, "built %s (%d files)\n", u.Target, len(u.Output.Files))
					}
				}
			}
			return err
		},
	}
}

func newPackageCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "package",
		Short: "Build, package, sign and write the manifest without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pl, err := a.plan(ctx)
			if err != nil {
				return err
			}
			if opts.dryRun {
				return printPlan(a.out, pl, false)
			}
			res, err := a.pipeline().Run(ctx, pl)
			defer a.pushMetrics(ctx)
			if err != nil {
				return err
			}
			printResult(a.out, res)
			return nil
		},
	}
}

func printResult(w io.Writer, res *pipeline.Result) {
	for _, e := range res.Manifest.Entries {
		fmt.Fprintf(w, "%s  %s\n", e.Digest, e.Path)
	}
	for _, s := range res.Manifest.Skipped {
		fmt.Fprintf(w, "skipped %s/%s: %s\n", s.Package, s.Target, s.Reason)
	}
	fmt.Fprintf(w, "manifest %s\n", res.ManifestPath)
}

func newVerifyCommand(opts *options) *cobra.Command {
	var requireSignatures bool
	cmd := &cobra.Command{
		Use:   "verify [dir]",
		Short: "Check a release directory against its manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) == 1 {
				dir = args[0]
			} else {
				a, err := opts.load(cmd)
				if err != nil {
					return err
				}
				dir = a.cfg.OutputDir()
			}
			key, err := signer.KeyPairFromEnv(os.Getenv)
			if err != nil {
				return err
			}

			report, err := verifier.Verify(cmd.Context(), dir, verifier.Options{
				RequireSignatures: requireSignatures,
				Key:               key,
				Logger:            opts.logger(cmd),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d files, %d signatures revalidated (version %s)\n",
				report.Files, report.Revalidated, report.Manifest.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&requireSignatures, "require-signatures", false, "Fail when any artifact is unsigned")
	return cmd
}

func newHistoryCommand(opts *options) *cobra.Command {
	var (
		limit int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List releases recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if a.cfg.Release.Ledger == nil || a.cfg.Release.Ledger.DatabaseURL == "" {
				return errors.New("history requires release.ledger.database_url or POLYSHIP_DATABASE_URL")
			}
			ctx := cmd.Context()
			l, err := ledger.Open(ctx, a.cfg.Release.Ledger.DatabaseURL)
			if err != nil {
				return err
			}
			defer l.Close()

			project := a.cfg.ProjectName()
			if all {
				project = ""
			}
			entries, err := l.History(ctx, project, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROJECT\tVERSION\tCOMMIT\tGENERATED\tARTIFACTS\tURL")
			for _, e := range entries {
				v := e.Version
				if e.Partial {
					v += " (partial)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%.12s\t%s\t%d\t%s\n", e.Project, v, e.Commit, e.GeneratedAt.Format("2006-01-02 15:04"), e.Artifacts, e.ReleaseURL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of releases to list")
	cmd.Flags().BoolVar(&all, "all", false, "List every project in the ledger")
	return cmd
}
