package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/easternanemone/labdaq/pkg/archive"
	"github.com/easternanemone/labdaq/pkg/config"
	"github.com/easternanemone/labdaq/pkg/device"
	"github.com/easternanemone/labdaq/pkg/document"
	"github.com/easternanemone/labdaq/pkg/engine"
	"github.com/easternanemone/labdaq/pkg/plan"
	"github.com/easternanemone/labdaq/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		planArgs map[string]string
		metadata map[string]string
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "run <plan-type>",
		Short: "Execute a measurement plan",
		Long: `Execute a measurement plan against the configured devices and stream
the resulting documents to the console.

Plan arguments are passed as key=value pairs; each plan type documents its
own parameters. Use 'labdaq plans' to list the available types.`,
		Example: `  # Count a detector five times
  labdaq run count --arg detectors=pm --arg points=5

  # Scan a stage while reading a power meter
  labdaq run line_scan --arg axis=axis_x --arg start=0 --arg stop=10 \
    --arg points=11 --arg detectors=pm

  # Tag the run for later retrieval
  labdaq run count --arg detectors=pm --arg points=3 --metadata sample=wafer_7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), args[0], planArgs, metadata, quiet)
		},
	}

	cmd.Flags().StringToStringVarP(&planArgs, "arg", "a", nil, "plan arguments (key=value)")
	cmd.Flags().StringToStringVarP(&metadata, "metadata", "m", nil, "run metadata (key=value)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress per-document output")

	return cmd
}

func runPlan(ctx context.Context, planType string, planArgs, metadata map[string]string, quiet bool) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	if cfg.Telemetry.MetricsEnabled {
		if err := tel.StartMetricsServer(); err != nil {
			log.Warn().Err(err).Msg("Failed to start metrics server")
		}
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	if registry.Len() == 0 {
		return fmt.Errorf("no devices configured; provide a config file with --config")
	}

	// Keep the device inventory live: edits to the config file swap the
	// registry contents, picked up by the next run's resolution.
	if cfgPath != "" {
		watcher, err := watchDevices(ctx, cfgPath, registry)
		if err != nil {
			log.Warn().Err(err).Msg("Device inventory hot-reload unavailable")
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	p, err := plan.DefaultRegistry.Build(planType, planArgs)
	if err != nil {
		return err
	}

	eng := engine.New(registry, tel, engine.Options{
		DeviceCallTimeout: cfg.Engine.DeviceCallTimeout,
		BroadcastBuffer:   cfg.Engine.BroadcastBuffer,
	})

	if cfg.Archive.Enabled {
		arc, err := openArchive(ctx, cfg, tel.Metrics)
		if err != nil {
			return err
		}
		defer func() { _ = arc.Close() }()
		go func() {
			if err := arc.Follow(ctx, eng.Subscribe()); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Archive writer stopped")
			}
		}()
	}

	sub := eng.Subscribe()
	defer sub.Cancel()

	runID := eng.Queue(p, metadata)
	log.Info().
		Str("run_id", runID).
		Str("plan", planType).
		Msg("Run queued")

	reports, err := eng.Start(ctx)
	if err != nil {
		return err
	}

	report := streamRun(sub, reports, quiet)
	printReport(report)
	return report.Err
}

// streamRun prints documents as they arrive until the run's terminal
// report lands, then drains whatever is still buffered.
func streamRun(sub *document.Subscription, reports <-chan engine.RunReport, quiet bool) engine.RunReport {
	for {
		select {
		case d, ok := <-sub.C():
			if !ok {
				return <-reports
			}
			if !quiet {
				printDocument(d.Doc)
			}
			if d.Missed > 0 {
				log.Warn().Uint64("missed", d.Missed).Msg("Console fell behind the document stream")
			}
		case report := <-reports:
			for {
				select {
				case d, ok := <-sub.C():
					if !ok {
						return report
					}
					if !quiet {
						printDocument(d.Doc)
					}
				default:
					return report
				}
			}
		}
	}
}

func printDocument(doc document.Document) {
	if jsonOutput {
		data, err := json.Marshal(doc)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode document")
			return
		}
		fmt.Fprintln(os.Stdout, string(data))
		return
	}

	switch d := doc.(type) {
	case *document.Start:
		fmt.Printf("=== run %s (%s) started at %s\n", d.UID, d.PlanName, d.Time.Format(time.RFC3339))
	case *document.Descriptor:
		fmt.Printf("--- stream %q: ", d.Stream)
		for i, k := range d.DataKeys {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Printf("%s (%s)", k.Name, k.Dtype)
		}
		fmt.Println()
	case *document.Event:
		fmt.Printf("[%4d] ", d.SeqNum)
		for k, v := range d.Data {
			fmt.Printf("%s=%v ", k, v)
		}
		if len(d.Positions) > 0 {
			fmt.Print("@ ")
			for k, v := range d.Positions {
				fmt.Printf("%s=%g ", k, v)
			}
		}
		fmt.Println()
	case *document.Stop:
		fmt.Printf("=== run %s stopped: %s", d.Run, d.Reason)
		if d.Detail != "" {
			fmt.Printf(" (%s)", d.Detail)
		}
		fmt.Printf(", %d events\n", d.NumEvents)
	}
}

func printReport(report engine.RunReport) {
	ev := log.Info()
	if report.Err != nil {
		ev = log.Error().Err(report.Err)
	}
	ev.Str("run_id", report.RunID).
		Str("plan", report.PlanName).
		Str("status", string(report.Status)).
		Uint64("events", report.NumEvents).
		Dur("duration", report.StoppedAt.Sub(report.StartedAt)).
		Msg("Run finished")

	for _, diag := range report.Diagnostics {
		log.Warn().Str("run_id", report.RunID).Msg(diag)
	}
}

// watchDevices rebuilds the device inventory from the config file on
// change and swaps it into the registry atomically.
func watchDevices(ctx context.Context, path string, registry *device.Registry) (*config.Watcher, error) {
	w := config.NewWatcher(log.Logger, path)
	err := w.Watch(ctx, func(cfg *config.Config) error {
		devices, err := cfg.BuildDevices()
		if err != nil {
			return err
		}
		registry.Replace(devices)
		log.Info().Int("devices", len(devices)).Msg("Device inventory reloaded")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func openArchive(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (*archive.Archive, error) {
	arc, err := archive.New(archive.Config{Path: cfg.Archive.Path, Metrics: metrics})
	if err != nil {
		return nil, err
	}
	if err := arc.Init(ctx); err != nil {
		return nil, err
	}
	if err := arc.Migrate(ctx); err != nil {
		_ = arc.Close()
		return nil, err
	}
	return arc, nil
}
