package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(command{in: os.Stdin, out: os.Stdout, errOut: os.Stderr})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createAggregateCommand(c, globalFlags),
		createServeCommand(c, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "simctl",
		Short: "Cache coherence simulator driver",
		Long: `simctl launches the MESI cache coherence simulator, relays its output,
continues it step by step, and turns its cache statistics into a report and charts.

Examples:
  simctl run --mode=dot --n=64
  simctl run --mode=step            # press Enter at every pause
  simctl aggregate --csv=cache_stats.csv --format=json
  simctl serve --config=simctl.toml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default ./simctl.toml when present)")
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// createRunCommand creates the run subcommand
func createRunCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulator once in the foreground",
		Long: `Run the simulator in dot-product or stepping mode, print its output and,
once it exits, the aggregated cache statistics.

In stepping mode the simulator pauses at every checkpoint; press Enter to continue.
Closing standard input stops the run.

Examples:
  simctl run --mode=dot --n=20
  simctl run --mode=step --simulator=./build/dotprod_mesi
  simctl run --format=json > report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = global.ConfigPath
			ctx, stop := signalContext()
			defer stop()
			return c.Run(ctx, *f)
		},
	}
	cmd.Flags().StringVar(&f.Mode, "mode", "dot", "execution mode: dot or step")
	cmd.Flags().IntVar(&f.N, "n", 0, "problem size (default from config)")
	cmd.Flags().StringVar(&f.Simulator, "simulator", "", "simulator executable (overrides [simulator].path)")
	cmd.Flags().StringVar(&f.Format, "format", "yaml", "report format: yaml or json")
	return cmd
}

// createAggregateCommand creates the aggregate subcommand
func createAggregateCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &AggregateFlags{}
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate an existing cache statistics CSV",
		Long: `Read a cache statistics CSV produced by an earlier run, print the report and
render the counter and transition charts.

Examples:
  simctl aggregate
  simctl aggregate --csv=runs/cache_stats.csv --out=charts
  simctl aggregate --no-charts --format=json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = global.ConfigPath
			return c.Aggregate(*f)
		},
	}
	cmd.Flags().StringVar(&f.CSV, "csv", "", "CSV file (default from config)")
	cmd.Flags().StringVar(&f.Out, "out", "", "chart directory (default from config)")
	cmd.Flags().BoolVar(&f.NoCharts, "no-charts", false, "skip chart rendering")
	cmd.Flags().StringVar(&f.Format, "format", "yaml", "report format: yaml or json")
	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(c command, global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		Long: `Start the HTTP front-end: start and continue runs, follow their notices as
server-sent events, fetch status and charts, and scrape Prometheus metrics.

Examples:
  simctl serve
  simctl serve --listen=:8080 --base-path=/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = global.ConfigPath
			ctx, stop := signalContext()
			defer stop()
			return c.Serve(ctx, *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides [server].listen)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (overrides [server].base_path)")
	return cmd
}
