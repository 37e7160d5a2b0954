package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func offlineEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SCAVENGER_CONFIG", "")
	t.Setenv("SCAVENGER_CHUNK_SIZE", "4096")
	t.Setenv("SCAVENGER_FSYNC", "never")
	t.Setenv("SCAVENGER_LOG_LEVEL", "error")
	t.Setenv("SCAVENGER_THRESHOLD_WEIGHT", "0")
	t.Setenv("SCAVENGER_CALCULATOR_COMMIT_PERIOD", "10")
	t.Setenv("SCAVENGER_CANCELLATION_CHECK_PERIOD", "10")
	t.Setenv("SCAVENGER_FILTER_CAPACITY", "1000")
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestScavengeRunOffline(t *testing.T) {
	offlineEnv(t)
	dir := t.TempDir()

	out, err := executeRoot(t, "scavenge", "run", "--data-dir", dir)
	if err != nil {
		t.Fatalf("first run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "status:   success") || !strings.Contains(out, "SP-0") {
		t.Fatalf("unexpected output: %s", out)
	}

	out, err = executeRoot(t, "scavenge", "run", "--data-dir", dir)
	if err != nil {
		t.Fatalf("second run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "SP-1") {
		t.Fatalf("expected a new scavenge point, got: %s", out)
	}
}

func TestFilterRebuildOffline(t *testing.T) {
	offlineEnv(t)
	out, err := executeRoot(t, "filter", "rebuild", "--data-dir", t.TempDir())
	if err != nil {
		t.Fatalf("rebuild: %v\n%s", err, out)
	}
	if !strings.Contains(out, "filter rebuilt") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestScavengeRunRequiresSettings(t *testing.T) {
	t.Setenv("SCAVENGER_CONFIG", "")
	t.Setenv("SCAVENGER_THRESHOLD_WEIGHT", "")
	t.Setenv("SCAVENGER_CALCULATOR_COMMIT_PERIOD", "")
	t.Setenv("SCAVENGER_CANCELLATION_CHECK_PERIOD", "")
	t.Setenv("SCAVENGER_LOG_LEVEL", "error")
	if _, err := executeRoot(t, "scavenge", "run", "--data-dir", t.TempDir()); err == nil {
		t.Fatalf("expected missing settings error")
	}
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	t.Setenv("SCAVENGER_DATA_DIR", "")
	t.Setenv("SCAVENGER_THRESHOLD_WEIGHT", "")
	path := filepath.Join(t.TempDir(), "scavenger.yaml")
	yaml := "dataDir: /from/file\nscavenge:\n  thresholdWeight: 2.5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newScavengeRunCommand()
	cmd.Flags().String("config", path, "")
	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DataDir != "/from/file" || cfg.Scavenge.Threshold() != 2.5 {
		t.Fatalf("unexpected config: dataDir=%s threshold=%v", cfg.DataDir, cfg.Scavenge.Threshold())
	}

	if err := cmd.Flags().Set("data-dir", "/from/flag"); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DataDir != "/from/flag" {
		t.Fatalf("flag should win, got %s", cfg.DataDir)
	}
}

func TestAPIURL(t *testing.T) {
	t.Setenv("SCAVENGER_API", "")
	if got := apiURL(); got != "http://127.0.0.1:2113" {
		t.Fatalf("default api url: %s", got)
	}
	t.Setenv("SCAVENGER_API", "http://example:9000")
	if got := apiURL(); got != "http://example:9000" {
		t.Fatalf("env api url: %s", got)
	}
}
