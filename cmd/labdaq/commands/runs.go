package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/easternanemone/labdaq/pkg/archive"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect archived runs",
		Long: `Query the run archive. Requires archiving to be enabled in the
configuration, or a database path passed with --db.`,
	}

	var dbPath string
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "archive database path (overrides config)")

	cmd.AddCommand(newRunsListCommand(&dbPath))
	cmd.AddCommand(newRunsShowCommand(&dbPath))

	return cmd
}

func newRunsListCommand(dbPath *string) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := openRunArchive(cmd, *dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = arc.Close() }()

			runs, err := arc.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No archived runs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tPLAN\tSTATUS\tEVENTS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.PlanName, r.Status, r.NumEvents,
					r.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newRunsShowCommand(dbPath *string) *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := openRunArchive(cmd, *dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = arc.Close() }()

			run, err := arc.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(run); err != nil {
					return err
				}
			} else {
				fmt.Printf("Run:     %s\n", run.ID)
				fmt.Printf("Plan:    %s\n", run.PlanName)
				fmt.Printf("Status:  %s\n", run.Status)
				if run.Detail != nil {
					fmt.Printf("Detail:  %s\n", *run.Detail)
				}
				fmt.Printf("Started: %s\n", run.StartedAt.Format(time.RFC3339))
				if run.StoppedAt != nil {
					fmt.Printf("Stopped: %s\n", run.StoppedAt.Format(time.RFC3339))
				}
				fmt.Printf("Events:  %d\n", run.NumEvents)
				if run.DocsMissed > 0 {
					fmt.Printf("Missed:  %d documents were not archived\n", run.DocsMissed)
				}
			}

			if !showEvents {
				return nil
			}

			events, err := arc.EventsForRun(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			for _, ev := range events {
				printDocument(ev)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "also print the run's events")

	return cmd
}

func openRunArchive(cmd *cobra.Command, dbPath string) (*archive.Archive, error) {
	path := dbPath
	if path == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if !cfg.Archive.Enabled || cfg.Archive.Path == "" {
			return nil, fmt.Errorf("archiving is not enabled; set archive.path in the config or pass --db")
		}
		path = cfg.Archive.Path
	}

	arc, err := archive.New(archive.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := arc.Init(cmd.Context()); err != nil {
		return nil, err
	}
	if err := arc.Migrate(cmd.Context()); err != nil {
		_ = arc.Close()
		return nil, err
	}
	return arc, nil
}
