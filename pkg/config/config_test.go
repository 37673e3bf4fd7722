package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.Int("sockets", 1024, "")
	fs.Duration("heartbeat-interval", time.Second, "")
	fs.Bool("verbose", false, "")
	return fs
}

func TestApplyYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "server.yaml", `
log_level: debug
sockets: 64
heartbeat-interval: 250ms
verbose: true
unknown: ignored
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fs := testFlags()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := ApplyToFlags(fs, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := fs.GetString("log-level"); got != "debug" {
		t.Errorf("log-level: got %q, want debug", got)
	}
	if got, _ := fs.GetInt("sockets"); got != 64 {
		t.Errorf("sockets: got %d, want 64", got)
	}
	if got, _ := fs.GetDuration("heartbeat-interval"); got != 250*time.Millisecond {
		t.Errorf("heartbeat-interval: got %s, want 250ms", got)
	}
	if got, _ := fs.GetBool("verbose"); !got {
		t.Error("verbose: got false, want true")
	}
}

func TestExplicitFlagWins(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "server.json", `{"sockets": 64, "log-level": "warn"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fs := testFlags()
	if err := fs.Parse([]string{"--sockets=8"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := ApplyToFlags(fs, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := fs.GetInt("sockets"); got != 8 {
		t.Errorf("sockets: got %d, want 8", got)
	}
	if got, _ := fs.GetString("log-level"); got != "warn" {
		t.Errorf("log-level: got %q, want warn", got)
	}
}

func TestApplyBadValue(t *testing.T) {
	t.Parallel()
	fs := testFlags()
	if err := ApplyToFlags(fs, map[string]any{"sockets": "many"}); err == nil {
		t.Fatal("bad value accepted")
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := Load(writeFile(t, "bad.yaml", "sockets: [")); err == nil {
		t.Error("malformed file accepted")
	}
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	if err != nil || len(cfg) != 0 {
		t.Errorf("empty file: got %v, %v", cfg, err)
	}
}
