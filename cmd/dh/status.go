package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/store"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestration counts and queue depth",
		Long:  "Displays orchestration record counts per lifecycle status and the number of dead letters awaiting replay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, since)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "deskhand.yaml", "path to Deskhand config file")
	cmd.Flags().StringVar(&since, "since", "", "only count records received in this window (e.g. 24h)")
	return cmd
}

var statusOrder = []models.Status{
	models.StatusPending,
	models.StatusClassified,
	models.StatusActing,
	models.StatusAcknowledged,
	models.StatusFailed,
	models.StatusDeadLettered,
}

func runStatus(cmd *cobra.Command, configPath, since string) error {
	var cutoff time.Time
	window := "all time"
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return fmt.Errorf("invalid --since value %q: %w", since, err)
		}
		cutoff = time.Now().Add(-d)
		window = "last " + since
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	st := store.New(gormDB)

	ctx := context.Background()
	counts, err := st.CountByStatus(ctx, cutoff)
	if err != nil {
		return err
	}
	pending, err := st.CountDeadLetters(ctx, false)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Orchestrations (%s):\n", window)
	for _, s := range statusOrder {
		fmt.Fprintf(out, "  %-14s %d\n", s, counts[s])
	}
	fmt.Fprintf(out, "\nDead letters awaiting replay: %d\n", pending)
	return nil
}
