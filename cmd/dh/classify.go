package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harborgate/deskhand/internal/classify"
	"github.com/harborgate/deskhand/internal/config"
	"github.com/harborgate/deskhand/internal/pipeline"
)

func newClassifyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Classify a message without acting on it",
		Long:  "Sends one message through the classifier and prints the category, confidence, and extracted fields. No task or listing is created.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "deskhand.yaml", "path to Deskhand config file")
	return cmd
}

// classifierFromConfig builds the model-backed classifier. Allows test override.
var classifierFromConfig func(cfg *config.Config) (pipeline.Classifier, error) = func(cfg *config.Config) (pipeline.Classifier, error) {
	return classify.New(classify.Opts{
		APIKey:   cfg.Classifier.APIKey,
		BaseURL:  cfg.Classifier.BaseURL,
		Model:    cfg.Classifier.Model,
		Timeout:  time.Duration(cfg.Classifier.TimeoutSec) * time.Second,
		Attempts: cfg.Classifier.Attempts,
	})
}

func runClassify(cmd *cobra.Command, configPath, text string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	classifier, err := classifierFromConfig(cfg)
	if err != nil {
		return err
	}

	res, err := classifier.Classify(context.Background(), uuid.NewString(), text)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
