package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/harborgate/deskhand/internal/config"
)

func newSetupCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactively write a Deskhand config file",
		Long:  "Walks through platform, database, and classifier settings and writes them to a config file. Tokens and keys are read with echo disabled when a terminal is attached.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, configPath, force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "deskhand.yaml", "path to write the config file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runSetup(cmd *cobra.Command, configPath string, force bool) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config %s already exists (use --force to overwrite)", configPath)
	}

	in := bufio.NewReader(cmd.InOrStdin())
	fmt.Fprintln(out, "Deskhand setup. Press Enter to accept defaults.")
	fmt.Fprintln(out)

	var cfg config.Config
	var err error

	cfg.Platform, err = promptString(out, in, "Chat platform (slack, discord, webhook)", "webhook")
	if err != nil {
		return err
	}

	switch cfg.Platform {
	case "slack":
		cfg.Slack.AppToken, err = promptSecret(out, in, "Slack app token (xapp-...)")
		if err != nil {
			return err
		}
		cfg.Slack.BotToken, err = promptSecret(out, in, "Slack bot token (xoxb-...)")
		if err != nil {
			return err
		}
	case "discord":
		cfg.Discord.BotToken, err = promptSecret(out, in, "Discord bot token")
		if err != nil {
			return err
		}
		cfg.Discord.Channel, err = promptString(out, in, "Discord channel ID (empty for all channels)", "")
		if err != nil {
			return err
		}
	case "webhook":
		cfg.Webhook.ListenAddr, err = promptString(out, in, "Webhook listen address", ":8791")
		if err != nil {
			return err
		}
		cfg.Webhook.ReplyURL, err = promptString(out, in, "Reply endpoint URL", "")
		if err != nil {
			return err
		}
	}

	cfg.Database.Driver, err = promptString(out, in, "Database driver (sqlite, mysql)", "sqlite")
	if err != nil {
		return err
	}
	switch cfg.Database.Driver {
	case "mysql":
		cfg.Database.Host, err = promptString(out, in, "MySQL host", "127.0.0.1")
		if err != nil {
			return err
		}
		cfg.Database.Port, err = promptInt(out, in, "MySQL port", 3306)
		if err != nil {
			return err
		}
		cfg.Database.User, err = promptString(out, in, "MySQL user", "deskhand")
		if err != nil {
			return err
		}
		cfg.Database.Password, err = promptSecret(out, in, "MySQL password")
		if err != nil {
			return err
		}
		cfg.Database.Name, err = promptString(out, in, "MySQL database name", "deskhand")
		if err != nil {
			return err
		}
	default:
		cfg.Database.Path, err = promptString(out, in, "SQLite file path", "deskhand.db")
		if err != nil {
			return err
		}
	}

	cfg.Classifier.APIKey, err = promptSecret(out, in, "Model service API key")
	if err != nil {
		return err
	}
	cfg.Classifier.Model, err = promptString(out, in, "Model name", "gpt-4o-mini")
	if err != nil {
		return err
	}

	cfg.Dashboard.Enabled, err = promptBool(out, in, "Enable the web dashboard?", true)
	if err != nil {
		return err
	}
	if cfg.Dashboard.Enabled {
		cfg.Dashboard.Port, err = promptInt(out, in, "Dashboard port", 8790)
		if err != nil {
			return err
		}
	}

	cfg.Digest.Conversation, err = promptString(out, in, "Daily digest conversation ID (empty to disable)", "")
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	// Run the answers through the same checks serve applies at startup.
	if _, err := config.Parse(data); err != nil {
		return err
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}

	fmt.Fprintf(out, "\nWrote %s\n", configPath)
	fmt.Fprintln(out, "Next: dh db init, then dh serve.")
	return nil
}

func promptString(out io.Writer, in *bufio.Reader, label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

// promptSecret reads a value with terminal echo disabled. Without a
// terminal (tests, pipes) it falls back to a plain line read.
func promptSecret(out io.Writer, in *bufio.Reader, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", label, err)
		}
		return strings.TrimSpace(string(secret)), nil
	}

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptInt(out io.Writer, in *bufio.Reader, label string, def int) (int, error) {
	raw, err := promptString(out, in, label, strconv.Itoa(def))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", label, err)
	}
	return n, nil
}

func promptBool(out io.Writer, in *bufio.Reader, label string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	raw, err := promptString(out, in, label+" (y/n)", d)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(raw) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return false, fmt.Errorf("%s: answer y or n", label)
}
