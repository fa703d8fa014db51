// Blocked task poll detector
// Watches task spans for polls that hold a worker too long and reports them
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"github.com/andrewh/blockwatch/pkg/replay"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "blockwatch",
		Short:        "Detect task polls that block their worker",
		SilenceUsage: true,
	}

	root.AddCommand(demoCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(importCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())

	return root
}

func replayCmd() *cobra.Command {
	var export exportOptions

	cmd := &cobra.Command{
		Use:   "replay <events.yaml>",
		Short: "Run the detector over a recorded event log",
		Long: "Run the detector over a recorded event log.\n\n" +
			"Events are replayed on a simulated clock, so the result depends only on\n" +
			"the recorded timestamps. Diagnostics are summarised on stderr and, with\n" +
			"--signals, exported like a live run.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing event log\n\nUsage: blockwatch replay <events.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, blocked.DefaultBusySinglePoll)
			if err != nil {
				return err
			}
			l, err := replay.LoadLog(args[0])
			if err != nil {
				return err
			}
			if export.out == nil {
				export.out = cmd.OutOrStdout()
			}
			return runReplay(cmd, l, cfg, export)
		},
	}

	addDetectorFlags(cmd, blocked.DefaultBusySinglePoll)
	addExportFlags(cmd, &export, "")

	return cmd
}

func runReplay(cmd *cobra.Command, l *replay.Log, cfg *Config, export exportOptions) error {
	opts, err := cfg.observerOptions()
	if err != nil {
		return err
	}

	tel, err := setupTelemetry(cmd.Context(), export)
	if err != nil {
		return err
	}
	defer tel.Shutdown()

	emitter, err := newEmitter(tel)
	if err != nil {
		return err
	}
	opts = append(opts, blocked.WithMeterProvider(tel.Metrics))

	res, err := replay.Play(cmd.Context(), l, emitter, opts...)
	if err != nil {
		return err
	}

	w := cmd.ErrOrStderr()
	_, _ = fmt.Fprintf(w, "Replayed %d events over %d spans (%s)\n", res.Events, res.Spans, res.Duration)
	if res.OpenCells > 0 {
		_, _ = fmt.Fprintf(w, "%d instrumented spans were never closed\n", res.OpenCells)
	}
	renderSummary(w, res.Diagnostics)
	return nil
}

// newEmitter sends diagnostics to the log provider and, through the meter
// provider, to the blocked-poll metrics.
func newEmitter(tel *telemetry) (blocked.Emitter, error) {
	metrics, err := blocked.NewMetricEmitter(tel.Metrics)
	if err != nil {
		return nil, fmt.Errorf("creating metric emitter: %w", err)
	}
	return blocked.Emitters{blocked.NewLogEmitter(tel.Logs), metrics}, nil
}

func importCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Convert exported spans into an event log",
		Long: "Reads trace spans (stdouttrace or OTLP JSON) and writes a replayable event log.\n" +
			"Each span becomes one poll: entered at its start, exited and closed at its end.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0]) //nolint:gosec // user-supplied file path is expected
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer f.Close() //nolint:errcheck // best-effort close on read-only file
				r = f
			}

			spans, err := replay.ParseSpans(r, replay.Format(format))
			if err != nil {
				return err
			}
			l := replay.FromSpans(spans)
			data, err := l.Marshal()
			if err != nil {
				return err
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil { //nolint:gosec // event logs are not secret
				return fmt.Errorf("writing event log: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d events from %d spans to %s\n\n"+
				"To replay:\n"+
				"  blockwatch replay %s\n", len(l.Events), len(spans), output, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "auto", "input format: auto, stdouttrace, or otlp")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the event log to this file instead of stdout")

	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [events.yaml]",
		Short: "Check the detector configuration and, optionally, an event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, blocked.DefaultBusySinglePoll)
			if err != nil {
				return err
			}
			th, err := cfg.BuildThresholds()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			checks := make([]string, 0, len(th.Checks()))
			for _, c := range th.Checks() {
				checks = append(checks, fmt.Sprintf("%s >= %s (%s)", c.Name, c.Threshold, c.Severity))
			}
			if len(checks) == 0 {
				checks = append(checks, "none; every check is off")
			}
			rules := len(cfg.Classify)
			if rules == 0 {
				rules = len(blocked.DefaultRules)
			}
			_, _ = fmt.Fprintf(w, "Configuration valid: %d classify rules, checks: %s\n", rules, strings.Join(checks, ", "))

			if len(args) == 0 {
				return nil
			}
			l, err := replay.LoadLog(args[0])
			if err != nil {
				return err
			}
			spans := make(map[blocked.SpanID]bool)
			for _, ev := range l.Events {
				spans[ev.Span] = true
			}
			_, _ = fmt.Fprintf(w, "Event log valid: %d events, %d spans, %d callsites\n\n"+
				"To replay:\n"+
				"  blockwatch replay %s\n",
				len(l.Events), len(spans), len(l.Callsites), args[0])
			return nil
		},
	}

	addDetectorFlags(cmd, blocked.DefaultBusySinglePoll)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "blockwatch %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
