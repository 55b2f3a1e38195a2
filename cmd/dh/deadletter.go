package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborgate/deskhand/internal/config"
	"github.com/harborgate/deskhand/internal/dispatch"
	"github.com/harborgate/deskhand/internal/relay"
	"github.com/harborgate/deskhand/internal/store"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay undeliverable acknowledgments",
	}

	cmd.AddCommand(newDeadLetterListCmd())
	cmd.AddCommand(newDeadLetterReplayCmd())
	return cmd
}

func newDeadLetterListCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		Long:  "Lists acknowledgments that exhausted their delivery attempts. Replayed letters are hidden unless --all is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterList(cmd, configPath, all)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "deskhand.yaml", "path to Deskhand config file")
	cmd.Flags().BoolVar(&all, "all", false, "include replayed dead letters")
	return cmd
}

func runDeadLetterList(cmd *cobra.Command, configPath string, all bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	st := store.New(gormDB)

	letters, err := st.DeadLetters(context.Background(), all, 100)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(letters) == 0 {
		fmt.Fprintln(out, "No dead letters")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMESSAGE\tATTEMPTS\tCREATED\tREPLAYED\tREASON")
	for _, dl := range letters {
		replayed := "-"
		if dl.ReplayedAt != nil {
			replayed = dl.ReplayedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			dl.ID, dl.MessageID, dl.Attempts,
			dl.CreatedAt.Format("2006-01-02 15:04"), replayed, dl.Reason)
	}
	w.Flush()
	return nil
}

func newDeadLetterReplayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "replay <dead-letter-id>",
		Short: "Replay a dead letter",
		Long:  "Connects to the configured chat platform and re-sends one dead-lettered acknowledgment. The letter is marked replayed only when delivery lands.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterReplay(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "deskhand.yaml", "path to Deskhand config file")
	return cmd
}

// adapterForReplay returns the platform adapter replay sends go through.
// Allows test override.
var adapterForReplay func(cfg *config.Config) (relay.Adapter, error) = createAdapter

func runDeadLetterReplay(cmd *cobra.Command, configPath, rawID string) error {
	id, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid dead letter ID: %w", err)
	}

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	st := store.New(gormDB)
	ctx := context.Background()

	dl, err := st.GetDeadLetter(ctx, uint(id))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no dead letter with ID %d", id)
	}
	if err != nil {
		return err
	}
	if dl.ReplayedAt != nil {
		return fmt.Errorf("dead letter %d was already replayed at %s", id, dl.ReplayedAt.Format(time.RFC3339))
	}

	adapter, err := adapterForReplay(cfg)
	if err != nil {
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Platform, err)
	}
	defer adapter.Close()

	dispatcher, err := dispatch.New(dispatch.Opts{
		Sender:      adapter,
		Store:       st,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		Budget:      time.Duration(cfg.Dispatcher.BudgetSec) * time.Second,
	})
	if err != nil {
		return err
	}

	res := dispatcher.Redeliver(ctx, dispatch.Delivery{
		MessageID:      dl.MessageID,
		ConversationID: dl.ConversationID,
		ThreadID:       dl.ThreadID,
		Text:           dl.Text,
	})
	if !res.Delivered {
		return fmt.Errorf("replay failed after %d attempt(s): %v", res.Attempts, res.Err)
	}

	if err := st.MarkReplayed(ctx, uint(id)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Replayed dead letter %d (message %s) in %d attempt(s)\n", id, dl.MessageID, res.Attempts)
	return nil
}
