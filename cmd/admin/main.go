package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesikahq/postop-tracker/internal/app"
	"github.com/mesikahq/postop-tracker/internal/patient"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "postop-admin",
		Short: "Inspect the post-operative patient store",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(
		listCmd(&configPath),
		showCmd(&configPath),
		alertsCmd(&configPath),
		trendsCmd(&configPath),
		thresholdsCmd(&configPath),
		statsCmd(&configPath),
		historyCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp runs fn against a freshly bootstrapped App and closes it after.
func withApp(cmd *cobra.Command, configPath string, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.Bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	defer a.Logger.Sync()
	return fn(ctx, a)
}

func lookup(ctx context.Context, a *app.App, id string) (*patient.PatientRecord, error) {
	rec, ok, err := a.Patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &patient.NotFoundError{PatientID: id}
	}
	return rec, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func listCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List patients with their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app.App) error {
				records, err := a.Patients.GetAll(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tPROCEDURE\tSTATUS\tMODE\tCOMPUTED\tABNORMAL\tVITALS\tLABS\tUPDATED")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						r.PatientID, r.Name, r.ProcedureType, r.AlertStatus, r.StatusMode,
						r.ComputedStatus, r.AbnormalCount, len(r.VitalEntries), len(r.LabEntries),
						r.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func showCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <patient-id>",
		Short: "Print a patient record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app.App) error {
				rec, err := lookup(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func alertsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "alerts <patient-id>",
		Short: "Explain a patient's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app.App) error {
				rec, err := lookup(ctx, a, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				alerts := a.Engine.Alerts(rec.VitalEntries, rec.LabEntries)
				fmt.Fprintf(out, "%s (%s): %s, computed %s, %d abnormal\n",
					rec.Name, rec.PatientID, rec.AlertStatus, rec.ComputedStatus, rec.AbnormalCount)
				if len(alerts) == 0 {
					fmt.Fprintln(out, "No alerts.")
					return nil
				}
				for _, al := range alerts {
					fmt.Fprintf(out, "\n[%s] %s\n  %s\n", al.Severity, al.Title, al.Description)
					for _, t := range al.TriggeredBy {
						fmt.Fprintf(out, "  - %s\n", t)
					}
					for _, c := range al.Considerations {
						fmt.Fprintf(out, "  consider: %s\n", c)
					}
					for _, p := range al.CognitivePrompts {
						fmt.Fprintf(out, "  ask: %s\n", p)
					}
				}
				return nil
			})
		},
	}
}

func trendsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "trends <patient-id>",
		Short: "Show parameter trends across a patient's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app.App) error {
				rec, err := lookup(ctx, a, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PARAMETER\tDIRECTION\tCONCERNING\tPOINTS\tFIRST\tLAST\tUNIT")
				for _, t := range a.Engine.Trends(rec.VitalEntries, rec.LabEntries) {
					fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%g\t%g\t%s\n",
						t.Label, t.Direction, t.Concerning, len(t.Values),
						t.Values[0], t.Values[len(t.Values)-1], t.Unit)
				}
				return w.Flush()
			})
		},
	}
}

func thresholdsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "thresholds",
		Short: "Print the active threshold table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(_ context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.Engine.Thresholds())
			})
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Load the collection and report integrity repairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app.App) error {
				records, err := a.Patients.GetAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"patients":  len(records),
					"integrity": a.Patients.Stats(),
				})
			})
		},
	}
}

func historyCmd(configPath *string) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "history <patient-id>",
		Short: "Show audit events for a patient (requires Elasticsearch audit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app.App) error {
				events, err := a.Audit.QueryEvents(ctx, map[string]interface{}{
					"resource":    "patient",
					"resource_id": args[0],
				}, 0, size)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), events)
			})
		},
	}
	cmd.Flags().IntVar(&size, "size", 50, "Maximum number of events")
	return cmd
}
