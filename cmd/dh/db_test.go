package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTestConfig writes a webhook+sqlite config rooted in dir and returns
// the config path and the database path.
func writeTestConfig(t *testing.T, dir string) (string, string) {
	t.Helper()
	cfgPath := filepath.Join(dir, "deskhand.yaml")
	dbPath := filepath.Join(dir, "deskhand.db")
	cfg := fmt.Sprintf(`
platform: webhook
webhook:
  listen_addr: "127.0.0.1:0"
database:
  driver: sqlite
  path: %s
classifier:
  api_key: sk-test-key
dispatcher:
  max_attempts: 1
  budget_sec: 5
realtors:
  - name: Dana Reeve
    email: dana@harborgate.test
    chat_user_id: U100
  - name: Lee Okafor
    email: lee@harborgate.test
`, dbPath)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dbPath
}

func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	if stdin != "" {
		cmd.SetIn(strings.NewReader(stdin))
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// ---------------------------------------------------------------------------
// db command structure tests
// ---------------------------------------------------------------------------

func TestDBCmd_HasSubcommands(t *testing.T) {
	cmd := newDBCmd()
	subs := make(map[string]bool)
	for _, c := range cmd.Commands() {
		subs[c.Name()] = true
	}
	for _, expected := range []string{"init", "migrate", "reset"} {
		if !subs[expected] {
			t.Errorf("expected subcommand %q", expected)
		}
	}
}

func TestDBCmd_Help(t *testing.T) {
	out, err := runCommand(t, "", "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "init") {
		t.Errorf("expected help to list 'init' subcommand, got: %s", out)
	}
}

func TestNewDBInitCmd(t *testing.T) {
	cmd := newDBInitCmd()
	if cmd.Use != "init" {
		t.Errorf("Use = %q, want %q", cmd.Use, "init")
	}
	flag := cmd.Flags().Lookup("config")
	if flag == nil {
		t.Fatal("expected --config flag")
	}
	if flag.DefValue != "deskhand.yaml" {
		t.Errorf("--config default = %q, want %q", flag.DefValue, "deskhand.yaml")
	}
	if flag.Shorthand != "c" {
		t.Errorf("--config shorthand = %q, want %q", flag.Shorthand, "c")
	}
}

// ---------------------------------------------------------------------------
// db init tests
// ---------------------------------------------------------------------------

func TestDBInit_SQLite(t *testing.T) {
	cfgPath, dbPath := writeTestConfig(t, t.TempDir())

	out, err := runCommand(t, "", "db", "init", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	if !strings.Contains(out, "Migrated") {
		t.Errorf("expected 'Migrated' in output, got: %s", out)
	}
	if !strings.Contains(out, "Seeded 2 realtors: Dana Reeve Lee Okafor") {
		t.Errorf("expected realtor seed summary, got: %s", out)
	}
	if !strings.Contains(out, "initialized successfully") {
		t.Errorf("expected success message, got: %s", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file at %s: %v", dbPath, err)
	}
}

func TestDBInit_MissingConfig(t *testing.T) {
	_, err := runCommand(t, "", "db", "init", "--config", "/nonexistent/deskhand.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain 'load config'", err.Error())
	}
}

func TestDBInit_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "deskhand.yaml")
	if err := os.WriteFile(cfgPath, []byte("platform: fax\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := runCommand(t, "", "db", "init", "--config", cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain 'load config'", err.Error())
	}
}

// ---------------------------------------------------------------------------
// db migrate tests
// ---------------------------------------------------------------------------

func TestDBMigrate_RunsRepeatedly(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, t.TempDir())

	if _, err := runCommand(t, "", "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	out, err := runCommand(t, "", "db", "migrate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db migrate failed: %v", err)
	}
	if !strings.Contains(out, "migrated successfully") {
		t.Errorf("expected success message, got: %s", out)
	}

	// A second run must also succeed; migration is additive.
	if _, err := runCommand(t, "", "db", "migrate", "--config", cfgPath); err != nil {
		t.Fatalf("second db migrate failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// db reset tests
// ---------------------------------------------------------------------------

func TestDBReset_RequiresConfirmation(t *testing.T) {
	cfgPath, dbPath := writeTestConfig(t, t.TempDir())

	if _, err := runCommand(t, "", "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	out, err := runCommand(t, "no\n", "db", "reset", "--config", cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "WARNING") {
		t.Errorf("expected WARNING prompt, got: %s", out)
	}
	if !strings.Contains(out, "Aborted") {
		t.Errorf("expected 'Aborted' message, got: %s", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file should survive an aborted reset: %v", err)
	}
}

func TestDBReset_SQLite(t *testing.T) {
	cfgPath, dbPath := writeTestConfig(t, t.TempDir())

	if _, err := runCommand(t, "", "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	out, err := runCommand(t, "", "db", "reset", "--yes", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db reset failed: %v", err)
	}
	if !strings.Contains(out, "Removed database file") {
		t.Errorf("expected removal message, got: %s", out)
	}
	if !strings.Contains(out, "reset successfully") {
		t.Errorf("expected success message, got: %s", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file re-created at %s: %v", dbPath, err)
	}
}

func TestDBReset_MissingConfig(t *testing.T) {
	_, err := runCommand(t, "", "db", "reset", "--yes", "--config", "/nonexistent/deskhand.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain 'load config'", err.Error())
	}
}
