// Package cmd defines and implements the CLI commands for the decisions executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/app"
	"github.com/JakeFAU/decisions-pipeline/internal/config"
	"github.com/JakeFAU/decisions-pipeline/internal/crawler"
	"github.com/JakeFAU/decisions-pipeline/internal/downloader"
	"github.com/JakeFAU/decisions-pipeline/internal/logging"
	"github.com/JakeFAU/decisions-pipeline/internal/orchestrator"
	"github.com/JakeFAU/decisions-pipeline/internal/transformer"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// configKeyAnnotation marks a flag with the Viper key it overrides.
const configKeyAnnotation = "decisions_config_key"

// App is what subcommands need from the service container.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Crawler() (*crawler.Crawler, error)
	Downloader() (*downloader.Downloader, error)
	Transformer() (*transformer.Transformer, error)
	Orchestrator() (*orchestrator.Orchestrator, error)
	ServeOperator(ctx context.Context)
}

// newApp is the application factory. Tests swap it out.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// root carries the state shared by every subcommand of one invocation.
type root struct {
	v       *viper.Viper
	cfgFile string
	app     App
}

func (r *root) close() {
	if r.app != nil {
		r.app.Close()
		r.app = nil
	}
}

// newRootCmd creates and configures the root command.
func newRootCmd(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Crawl, download and clean Workplace Relations Commission decisions.",
		Long: `decisions harvests published WRC decisions and determinations. It discovers
case records from the public search listing, downloads each document into a
landing zone, and writes a cleaned copy to a curated zone.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flag parsing but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindAnnotatedFlags(r.v, cmd.Flags()); err != nil {
				return err
			}
			if err := config.ReadFile(r.v, r.cfgFile); err != nil {
				return err
			}
			cfg, err := config.Decode(r.v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize pipeline services: %w", err)
			}
			r.app = appInstance
			appInstance.ServeOperator(cmd.Context())
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&r.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("metadata-uri", "", "metadata database DSN")
	flags.String("landing-endpoint", "", "landing zone object store endpoint")
	flags.String("curated-endpoint", "", "curated zone object store endpoint")
	flags.Bool("dry-run", false, "use in-memory stores instead of postgres and object storage")
	bindFlag(flags, "metadata-uri", "metadata.dsn")
	bindFlag(flags, "landing-endpoint", "storage.landing.endpoint")
	bindFlag(flags, "curated-endpoint", "storage.curated.endpoint")
	bindFlag(flags, "dry-run", "dry_run")

	cmd.AddCommand(
		newPipelineCmd(),
		newCrawlCmd(),
		newDownloadCmd(),
		newTransformCmd(),
		newReconcileCmd(),
	)
	return cmd
}

// bindFlag records the Viper key a flag overrides. The binding happens once the
// executing command is known, so two subcommands may map different flags to one key.
func bindFlag(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func bindAnnotatedFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[configKeyAnnotation]
		if !ok || len(keys) == 0 || bindErr != nil {
			return
		}
		if err := v.BindPFlag(keys[0], f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// execute runs the CLI with args. Cancellation is reported as success.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	r := &root{v: config.New()}
	defer r.close()

	cmd := newRootCmd(r)
	cmd.SetArgs(args)
	if stdout != nil {
		cmd.SetOut(stdout)
	}
	if stderr != nil {
		cmd.SetErr(stderr)
	}
	err := cmd.ExecuteContext(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "decisions: %v\n", err)
		stop()
		os.Exit(1)
	}
}
