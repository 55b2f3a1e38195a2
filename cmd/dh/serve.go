package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/harborgate/deskhand/internal/classify"
	"github.com/harborgate/deskhand/internal/config"
	"github.com/harborgate/deskhand/internal/dashboard"
	"github.com/harborgate/deskhand/internal/db"
	"github.com/harborgate/deskhand/internal/dispatch"
	"github.com/harborgate/deskhand/internal/pipeline"
	"github.com/harborgate/deskhand/internal/reconcile"
	"github.com/harborgate/deskhand/internal/relay"
	discordadapter "github.com/harborgate/deskhand/internal/relay/discord"
	slackadapter "github.com/harborgate/deskhand/internal/relay/slack"
	webhookadapter "github.com/harborgate/deskhand/internal/relay/webhook"
	"github.com/harborgate/deskhand/internal/store"
	"github.com/harborgate/deskhand/internal/tool"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Deskhand relay daemon",
		Long:  "Connects to the configured chat platform, classifies inbound messages, executes the resulting actions, and acknowledges every message.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "deskhand.yaml", "path to Deskhand config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedRealtors(gormDB, cfg.Realtors); err != nil {
		return err
	}

	st := store.New(gormDB)
	hub := reconcile.NewHub()
	bridge, err := reconcile.NewBridge(reconcile.BridgeOpts{Store: st, Hub: hub})
	if err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Opts{
		Sender:      adapter,
		Store:       st,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		Budget:      time.Duration(cfg.Dispatcher.BudgetSec) * time.Second,
	})
	if err != nil {
		return err
	}

	classifier, err := classify.New(classify.Opts{
		APIKey:   cfg.Classifier.APIKey,
		BaseURL:  cfg.Classifier.BaseURL,
		Model:    cfg.Classifier.Model,
		Timeout:  time.Duration(cfg.Classifier.TimeoutSec) * time.Second,
		Attempts: cfg.Classifier.Attempts,
	})
	if err != nil {
		return err
	}

	registry := tool.NewRegistry()
	tools := []tool.Tool{
		tool.NewCreateTask(st),
		tool.NewCreateListing(st),
		tool.NewSearchListings(st),
		tool.NewSendAck(dispatcher),
	}
	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return err
		}
	}

	orchestrator, err := pipeline.New(pipeline.Opts{
		Store:               st,
		Classifier:          classifier,
		Registry:            registry,
		Bridge:              bridge,
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
	})
	if err != nil {
		return err
	}

	var digest *relay.Digest
	if cfg.Digest.Conversation != "" {
		digest, err = relay.NewDigest(relay.DigestOpts{
			Store:        st,
			Cron:         cfg.Digest.Cron,
			Conversation: cfg.Digest.Conversation,
		})
		if err != nil {
			return err
		}
	}

	daemon, err := relay.NewDaemon(relay.DaemonOpts{
		Adapter:   adapter,
		Processor: orchestrator,
		Digest:    digest,
		Workers:   cfg.Pipeline.Workers,
		Out:       out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	// Resume orchestrations left mid-flight by an earlier crash.
	recoverAfter := time.Duration(cfg.Pipeline.RecoverAfterMin) * time.Minute
	if n, err := orchestrator.RecoverStalled(ctx, recoverAfter); err != nil {
		fmt.Fprintf(out, "Warning: recover stalled orchestrations: %v\n", err)
	} else if n > 0 {
		fmt.Fprintf(out, "Recovered %d stalled orchestration(s)\n", n)
	}

	if cfg.Dashboard.Enabled {
		go func() {
			opts := dashboard.StartOpts{
				Store:      st,
				Hub:        hub,
				Dispatcher: dispatcher,
				Port:       cfg.Dashboard.Port,
				Out:        out,
			}
			if err := dashboard.Start(ctx, opts); err != nil {
				fmt.Fprintf(out, "Dashboard error: %v\n", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (relay.Adapter, error) {
	switch cfg.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.Channel,
		})
	case "webhook":
		return webhookadapter.New(webhookadapter.AdapterOpts{
			Addr:     cfg.Webhook.ListenAddr,
			ReplyURL: cfg.Webhook.ReplyURL,
		})
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	return cfg, gormDB, nil
}
