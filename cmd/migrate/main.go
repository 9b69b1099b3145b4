package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesikahq/postop-tracker/internal/app"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "postop-migrate",
		Short: "Run patient collection migrations",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(upCmd(&configPath))
	rootCmd.AddCommand(statusCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func upCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			defer a.Logger.Sync()

			report := a.Migrator.Run(ctx)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tOUTCOME\tCHANGED\tATTEMPTS\tERROR")
			for _, s := range report.Steps {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", s.Name, s.Outcome, s.Changed, s.Attempts, s.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Completed in %s\n", report.Duration)
			return nil
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted state of every migration step",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			defer a.Logger.Sync()

			steps, err := a.Migrator.Status(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tDONE\tATTEMPTS")
			for _, s := range steps {
				fmt.Fprintf(w, "%s\t%t\t%d\n", s.Name, s.Done, s.Attempts)
			}
			return w.Flush()
		},
	}
}
