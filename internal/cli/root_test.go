package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// resetFlags restores every flag to its default so state does not leak
// between executions of the shared root command.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeConfig creates a config rooted in a temp dir with no collaborators.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("STORYFACTORY_DATABASE_URL", "")
	dir := t.TempDir()
	cfg := "storage:\n  dir: " + dir + "\nlogging:\n  level: error\n" + extra
	path := filepath.Join(dir, "storyfactory.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{"run", "batch", "runs", "config", "db", "templates", "serve", "stats", "version"}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	cases := [][]string{
		{"runs", "list"}, {"runs", "show"}, {"runs", "delete"},
		{"config", "validate"}, {"config", "show"},
		{"db", "migrate"}, {"db", "reset"},
		{"templates", "install"}, {"templates", "list"},
	}
	for _, c := range cases {
		out, err := executeCommand(append(c, "--help")...)
		if err != nil {
			t.Errorf("%v --help failed: %v", c, err)
		}
		if out == "" {
			t.Errorf("%v --help produced no output", c)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestRunRequiresStory(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := executeCommand("run", "--config", cfg)
	if err == nil || !strings.Contains(err.Error(), "story or --issue") {
		t.Fatalf("expected missing story error, got %v", err)
	}
}

func TestRunWithoutInferenceEndsFatal(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := executeCommand("run", "--config", cfg, "--request-id", "cli-1", "Add", "a", "login", "page")
	if err == nil || !strings.Contains(err.Error(), "ended fatal") {
		t.Fatalf("expected fatal run error, got %v", err)
	}
	if !strings.Contains(out, "cli-1") || !strings.Contains(out, "fatal") {
		t.Errorf("summary missing request or status:\n%s", out)
	}

	out, err = executeCommand("runs", "list", "--config", cfg)
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if !strings.Contains(out, "cli-1") {
		t.Errorf("runs list missing cli-1:\n%s", out)
	}

	out, err = executeCommand("runs", "show", "--config", cfg, "cli-1")
	if err != nil {
		t.Fatalf("runs show: %v", err)
	}
	if !strings.Contains(out, `"status": "fatal"`) {
		t.Errorf("runs show missing fatal status:\n%s", out)
	}

	out, err = executeCommand("runs", "show", "--config", cfg, "--state", "cli-1")
	if err != nil {
		t.Fatalf("runs show --state: %v", err)
	}
	if !strings.Contains(out, "Add a login page") {
		t.Errorf("state missing raw request:\n%s", out)
	}

	if _, err := executeCommand("runs", "delete", "--config", cfg, "cli-1"); err != nil {
		t.Fatalf("runs delete: %v", err)
	}
	out, _ = executeCommand("runs", "list", "--config", cfg)
	if !strings.Contains(out, "No runs found.") {
		t.Errorf("expected empty list after delete:\n%s", out)
	}
}

func TestBatchRejectsBadInput(t *testing.T) {
	cfg := writeConfig(t, "")
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"story":"not an array"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := executeCommand("batch", "--config", cfg, bad); err == nil {
		t.Error("expected parse error for non-array input")
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := executeCommand("batch", "--config", cfg, empty); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestBatchReportsFailures(t *testing.T) {
	cfg := writeConfig(t, "")
	path := filepath.Join(t.TempDir(), "reqs.json")
	if err := os.WriteFile(path, []byte(`[{"story":"one"},{"story":""},{"story":"three"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("batch", "--config", cfg, "--concurrency", "2", path)
	if err == nil || !strings.Contains(err.Error(), "3 of 3 requests failed") {
		t.Fatalf("expected all requests to fail without inference, got %v", err)
	}
	if !strings.Contains(out, "error") || !strings.Contains(out, "fatal") {
		t.Errorf("batch table missing statuses:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	good := writeConfig(t, "")
	out, err := executeCommand("config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("unexpected output: %s", out)
	}
	if !strings.Contains(out, "source_control") || !strings.Contains(out, "storage") {
		t.Errorf("expected collaborator summary in output: %s", out)
	}

	bad := writeConfig(t, "tracker:\n  kind: trello\n")
	out, err = executeCommand("config", "validate", "--config", bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "tracker.kind") {
		t.Errorf("expected tracker.kind in output: %s", out)
	}

	if _, err := executeCommand("run", "--config", bad, "story"); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("run should refuse an invalid config, got %v", err)
	}
}

func TestConfigShow(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := executeCommand("config", "show", "--config", cfg)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "threshold: 40h") {
		t.Errorf("expected default threshold in output:\n%s", out)
	}

	out, err = executeCommand("config", "show", "--config", cfg, "--format", "json")
	if err != nil {
		t.Fatalf("show json: %v", err)
	}
	if !strings.Contains(out, `"Threshold": "40h"`) {
		t.Errorf("expected JSON threshold in output:\n%s", out)
	}
	if _, err := executeCommand("config", "show", "--config", cfg, "--format", "toml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestTemplatesInstall(t *testing.T) {
	dir := t.TempDir()
	out, err := executeCommand("templates", "install", "--dir", dir)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !strings.Contains(out, "wrote coding.md") {
		t.Errorf("expected coding.md written:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "supervisor.md")); err != nil {
		t.Errorf("supervisor.md not installed: %v", err)
	}

	out, err = executeCommand("templates", "install", "--dir", dir)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if !strings.Contains(out, "already present") {
		t.Errorf("expected nothing written on second install:\n%s", out)
	}
}

func TestDBRequiresURL(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := executeCommand("db", "migrate", "--config", cfg)
	if err == nil || !strings.Contains(err.Error(), "STORYFACTORY_DATABASE_URL") {
		t.Fatalf("expected missing url error, got %v", err)
	}
	if _, err := executeCommand("db", "reset", "--config", cfg); err == nil {
		t.Error("reset without --yes should fail")
	}
	if _, err := executeCommand("stats", "--config", cfg); err == nil {
		t.Error("stats without a database should fail")
	}
}

func TestRequestFromFlags(t *testing.T) {
	resetFlags(rootCmd)
	if err := runCmd.ParseFlags([]string{
		"--issue", "PROJ-7",
		"--image", "https://cdn.example.com/mock.png",
		"--tech-stack", "go,react",
		"--constraint", "no new deps",
	}); err != nil {
		t.Fatal(err)
	}
	req, err := requestFromFlags(runCmd, []string{"Build", "search"})
	if err != nil {
		t.Fatal(err)
	}
	if req.Story != "Build search" || req.IssueID != "PROJ-7" {
		t.Errorf("got story=%q issue=%q", req.Story, req.IssueID)
	}
	if len(req.Images) != 1 || req.Images[0].Filename != "mock.png" {
		t.Errorf("images = %+v", req.Images)
	}
	if len(req.Context.TechStack) != 2 || req.Context.Constraints[0] != "no new deps" {
		t.Errorf("context = %+v", req.Context)
	}
}
