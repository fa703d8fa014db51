// Demo command: runs a workload with a few deliberately blocking tasks under
// the detector, on the task runtime or through OpenTelemetry spans.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof endpoint is opt-in via --pprof flag
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"github.com/andrewh/blockwatch/pkg/blocked/otelpoll"
	"github.com/andrewh/blockwatch/pkg/taskrt"
	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

const (
	demoWarnThreshold = time.Millisecond
	demoTarget        = "demo::task"
)

type demoOptions struct {
	mode      string
	block     time.Duration
	yields    int
	workers   int
	pprofAddr string
	pyroscope string
	export    exportOptions
}

func demoCmd() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a workload with one blocking task and watch it get reported",
		Long: "Run a workload with one blocking task and watch it get reported.\n\n" +
			"One task blocks its worker for --block in a single poll; another yields\n" +
			"--yields times and should never be reported. In taskrt mode the tasks run\n" +
			"on a small cooperative runtime; in otel mode each poll is an SDK span seen\n" +
			"by a span processor.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, demoWarnThreshold)
			if err != nil {
				return err
			}
			if opts.export.out == nil {
				opts.export.out = cmd.OutOrStdout()
			}
			return runDemo(cmd, cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", "taskrt", "host for the workload: taskrt or otel")
	cmd.Flags().DurationVar(&opts.block, "block", time.Second, "how long the blocking task holds its worker")
	cmd.Flags().IntVar(&opts.yields, "yields", 10, "how many times the cooperative task yields")
	cmd.Flags().IntVar(&opts.workers, "workers", 2, "worker goroutines in taskrt mode")
	cmd.Flags().StringVar(&opts.pprofAddr, "pprof", "", "start pprof HTTP server on this address (e.g. :6060)")
	cmd.Flags().StringVar(&opts.pyroscope, "pyroscope-server", "", "send continuous profiles to this Pyroscope server")
	addDetectorFlags(cmd, demoWarnThreshold)
	addExportFlags(cmd, &opts.export, "logs")

	return cmd
}

func runDemo(cmd *cobra.Command, cfg *Config, opts demoOptions) error {
	if opts.mode != "taskrt" && opts.mode != "otel" {
		return fmt.Errorf("unknown mode %q, valid modes: taskrt, otel", opts.mode)
	}
	if opts.block < 0 {
		return fmt.Errorf("--block must not be negative, got %s", opts.block)
	}

	if opts.pprofAddr != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on %s\n", opts.pprofAddr)
			if err := http.ListenAndServe(opts.pprofAddr, nil); err != nil { //nolint:gosec // pprof server is opt-in via flag
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}
	if opts.pyroscope != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "blockwatch.demo",
			ServerAddress:   opts.pyroscope,
			Tags:            map[string]string{"version": version, "mode": opts.mode},
		})
		if err != nil {
			return fmt.Errorf("starting profiler: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	observerOpts, err := cfg.observerOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := setupTelemetry(ctx, opts.export)
	if err != nil {
		return err
	}
	defer tel.Shutdown()

	emitter, err := newEmitter(tel)
	if err != nil {
		return err
	}
	rec := &recorder{}
	obs := blocked.New(blocked.Emitters{emitter, rec},
		append(observerOpts, blocked.WithMeterProvider(tel.Metrics))...)
	defer func() { _ = obs.Close() }()

	start := time.Now()
	switch opts.mode {
	case "otel":
		tel.Traces.RegisterSpanProcessor(otelpoll.NewProcessor(obs))
		runOtelDemo(ctx, tel.Traces.Tracer(demoTarget), opts)
	default:
		if err := runTaskrtDemo(ctx, obs, opts); err != nil {
			return err
		}
	}

	w := cmd.ErrOrStderr()
	_, _ = fmt.Fprintf(w, "Demo finished in %s (%s mode, thresholds: %d checks)\n",
		time.Since(start).Round(time.Millisecond), opts.mode, len(obs.Thresholds().Checks()))
	renderSummary(w, rec.diagnostics())
	return nil
}

func runTaskrtDemo(ctx context.Context, obs *blocked.Observer, opts demoOptions) error {
	rt := taskrt.New(opts.workers, obs)

	blocking := rt.Spawn(func(context.Context) taskrt.Poll {
		time.Sleep(opts.block)
		return taskrt.Ready()
	})
	yielded := 0
	cooperative := rt.Spawn(func(context.Context) taskrt.Poll {
		if yielded < opts.yields {
			yielded++
			return taskrt.Pending()
		}
		return taskrt.Ready()
	})

	waitErr := blocking.Wait(ctx)
	if waitErr == nil {
		waitErr = cooperative.Wait(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+opts.block)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down runtime: %w", err)
	}
	if waitErr != nil && ctx.Err() == nil {
		return waitErr
	}
	return nil
}

// runOtelDemo runs the same workload with one span per poll.
func runOtelDemo(ctx context.Context, tracer trace.Tracer, opts demoOptions) {
	var wg sync.WaitGroup
	wg.Go(func() {
		_, span := otelpoll.Start(ctx, tracer, "runtime.spawn")
		time.Sleep(opts.block)
		span.End()
	})
	wg.Go(func() {
		for range opts.yields + 1 {
			if ctx.Err() != nil {
				return
			}
			_, span := otelpoll.Start(ctx, tracer, "runtime.spawn")
			span.End()
		}
	})
	wg.Wait()
}
