package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/app"
	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Engine is the slice of the crawler the commands drive.
type Engine interface {
	EnqueueURL(ctx context.Context, urls ...string) error
	WaitIdle(ctx context.Context) error
	RequestedCount() int
	Version(ctx context.Context) (string, error)
	UserAgent(ctx context.Context) (string, error)
}

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	GetLogger() *zap.Logger
	Engine() Engine
	Start(ctx context.Context) error
	Serve(ctx context.Context, addr string) error
	Close(ctx context.Context) error
}

type appAdapter struct {
	*app.App
}

func (a appAdapter) Engine() Engine {
	return a.GetCrawler()
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return nil, err
	}
	return appAdapter{a}, nil
}

type rootOptions struct {
	configPath string
	dev        bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "polite-crawler",
		Short: "A polite, resumable web crawler.",
		Long: `polite-crawler crawls sites breadth-first by priority while honoring
robots.txt, per-host rate limits and request delays. The queue and the
duplicate cache live in a pluggable store, so an interrupted crawl resumes
where it stopped.`,
		SilenceUsage: true,

		// Build the application once the subcommand's flags are parsed, so
		// they can override the loaded configuration.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}
			if opts.dev {
				cfg.Logging.Development = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		// This hook ensures services are shut down gracefully.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			closeApp(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is ./crawler.yaml or $HOME/.polite-crawler/crawler.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "use the development logger")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newInfoCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := executeCommand(ctx, newRootCmd()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// executeCommand runs root. Cobra skips post-run hooks when RunE fails, so
// the application is closed here in that case.
func executeCommand(ctx context.Context, root *cobra.Command) error {
	c, err := root.ExecuteContextC(ctx)
	if err != nil && c != nil && c.Context() != nil {
		closeApp(c)
	}
	return err
}

func closeApp(cmd *cobra.Command) {
	appInstance, ok := cmd.Context().Value(appKey).(App)
	if !ok || appInstance == nil {
		return
	}
	if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
		appInstance.GetLogger().Warn("shutdown reported errors", zap.Error(err))
	}
}
