package cli

import (
	stdcontext "context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/Paintersrp/stallwatch/internal/api/http"
	"github.com/Paintersrp/stallwatch/internal/config"
	"github.com/Paintersrp/stallwatch/internal/eventloop"
	"github.com/Paintersrp/stallwatch/internal/jobs"
	"github.com/Paintersrp/stallwatch/internal/logmux"
	"github.com/Paintersrp/stallwatch/internal/metrics"
	"github.com/Paintersrp/stallwatch/internal/sysstat"
	"github.com/Paintersrp/stallwatch/internal/watchdog"
)

const jobOutputBuffer = 256

var (
	newStatusServer = apihttp.NewServer
	exitProcess     = os.Exit
)

func newRunCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the host loop under the stall watchdog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig(flagChanged(cmd, "file"))
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			watch, err := cmd.Flags().GetBool("watch")
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg, watch, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().Duration("timeout", config.DefaultTimeout, "terminate when the loop does not ping for this long")
	cmd.Flags().Duration("ping-interval", config.DefaultPingInterval, "interval of the liveness ping task")
	cmd.Flags().String("metrics-addr", "", "address for the HTTP status and metrics server")
	cmd.Flags().String("stack", config.DefaultStackMode, "stack captured in the stall diagnostic (current, all, none)")
	cmd.Flags().Bool("watch", false, "reschedule jobs when the configuration file changes")
	return cmd
}

func flagChanged(cmd *cobra.Command, name string) bool {
	flag := cmd.Flag(name)
	return flag != nil && flag.Changed
}

// applyRunFlags overrides cfg with explicitly set flags.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flagChanged(cmd, "timeout") {
		d, err := flags.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Watchdog.Timeout = config.NewDuration(d)
	}
	if flagChanged(cmd, "ping-interval") {
		d, err := flags.GetDuration("ping-interval")
		if err != nil {
			return err
		}
		cfg.Watchdog.PingInterval = config.NewDuration(d)
	}
	if flagChanged(cmd, "metrics-addr") {
		addr, err := flags.GetString("metrics-addr")
		if err != nil {
			return err
		}
		cfg.Metrics = &config.MetricsSpec{Addr: addr}
	}
	if flagChanged(cmd, "stack") {
		mode, err := flags.GetString("stack")
		if err != nil {
			return err
		}
		cfg.Watchdog.Stack = strings.ToLower(strings.TrimSpace(mode))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// runHost runs the loop until ctx is cancelled and then exits through the
// watchdog with code 0. With watch set, job definitions follow edits to the
// configuration file.
func runHost(ctx stdcontext.Context, cfg *config.Config, watch bool, stderr io.Writer) error {
	logger := newLogger(cfg.Logging, stderr)

	mode, err := watchdog.ParseStackMode(cfg.Watchdog.Stack)
	if err != nil {
		return err
	}

	loop := eventloop.New(
		eventloop.WithLogger(logger),
		eventloop.WithSlowTaskThreshold(cfg.Watchdog.SlowTaskThreshold.Duration),
	)
	wd := watchdog.New(loop,
		watchdog.WithTerminator(&watchdog.Terminator{
			Out:   stderr,
			Stack: watchdog.NewStackCapturer(mode),
			Exit:  exitProcess,
		}),
		watchdog.WithExit(exitProcess),
		watchdog.WithObserver(metrics.Observer{}),
		watchdog.WithLogger(logger),
	)

	mux := logmux.New(jobOutputBuffer)
	runner := jobs.NewRunner(loop, mux, logger)

	var server *apihttp.Server
	if cfg.Metrics != nil {
		server, err = newStatusServer(apihttp.Config{
			Addr:       cfg.Metrics.Addr,
			Controller: NewControlAPI(wd, loop, runner, cfg, sysstat.NewSampler()),
		})
		if err != nil {
			return err
		}
	}

	// The monitor is never stopped; it ends with the process.
	if err := wd.Start(stdcontext.Background(), cfg.Watchdog.Timeout.Duration); err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		drainJobOutput(logger, mux.Output())
	}()

	g, gctx := errgroup.WithContext(ctx)
	loop.Every(gctx, "ping", cfg.Watchdog.PingInterval.Duration, wd.Ping)
	runner.Schedule(gctx, cfg.Jobs)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	if server != nil {
		g.Go(func() error {
			return server.Run(gctx)
		})
		logger.Info("status server listening", "addr", server.Addr())
	}
	if watch && cfg.Source != "" {
		g.Go(func() error {
			err := config.Watch(gctx, cfg.Source, config.DefaultReloadDebounce, func(next *config.Config, err error) {
				if err != nil {
					logger.Warn("config reload failed", "path", cfg.Source, "error", err)
					return
				}
				loop.Post("reload", func() {
					runner.Schedule(gctx, next.Jobs)
					logger.Info("jobs reloaded", "path", next.Source, "jobs", len(next.Jobs))
				})
			})
			if err != nil {
				// The host keeps running without reload.
				logger.Warn("config watch stopped", "error", err)
			}
			return nil
		})
	}

	logger.Info("host loop running",
		"timeout", cfg.Watchdog.Timeout.Duration,
		"pingInterval", cfg.Watchdog.PingInterval.Duration,
		"stack", string(mode),
		"jobs", len(cfg.Jobs),
	)

	err = g.Wait()
	mux.Close()
	<-drained
	if err != nil {
		return err
	}

	logger.Info("host loop stopped")
	wd.Exit(0)
	return nil
}
