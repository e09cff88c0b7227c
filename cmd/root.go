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
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/app"
	"github.com/JakeFAU/pagespeed-audit/internal/config"
	"github.com/JakeFAU/pagespeed-audit/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap in
// a scripted engine or extra options.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// appHolder keeps the built App so it is closed even when RunE fails and
// PersistentPostRun is skipped.
type appHolder struct {
	app *app.App
}

func (h *appHolder) close() {
	if h.app != nil {
		h.app.Close()
		h.app = nil
	}
}

// newRootCmd creates and configures the root command.
func newRootCmd(holder *appHolder) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "pagespeed-audit",
		Short: "Bulk PageSpeed Insights audits through a pooled headless browser.",
		Long: `pagespeed-audit drives the public PageSpeed Insights site with a pool of
headless browsers and extracts mobile and desktop performance scores.
URLs can be audited one at a time, in bulk from a spreadsheet, or through
an HTTP API. Results are cached and the site is protected by a circuit
breaker and a rate limiter.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application once config is known and hand it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			holder.app = a

			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			holder.close()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); AUDIT_* env vars override it")

	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// appFrom pulls the App stored by the root command's pre-run hook.
func appFrom(cmd *cobra.Command) (*app.App, error) {
	a, ok := cmd.Context().Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

// run executes the CLI with args and always releases the App.
func run(ctx context.Context, args []string, out io.Writer) error {
	holder := &appHolder{}
	defer holder.close()

	root := newRootCmd(holder)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
