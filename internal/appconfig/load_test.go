package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := DefaultConfig()
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("config_version = %d, want %d", cfg.ConfigVersion, CurrentConfigVersion)
	}
	if cfg.Listen.Addr != want.Listen.Addr {
		t.Fatalf("listen.addr = %q, want %q", cfg.Listen.Addr, want.Listen.Addr)
	}
	if cfg.Listen.MaxScriptBytes != want.Listen.MaxScriptBytes {
		t.Fatalf("max_script_bytes = %d, want %d", cfg.Listen.MaxScriptBytes, want.Listen.MaxScriptBytes)
	}
}

func TestLoadRejectsMissingConfigVersion(t *testing.T) {
	path := writeConfig(t, `
listen:
  addr: ":9000"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 99
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
listen:
  addr: ":9000"
  max_script_bytes: 1024
exec:
  command: ["python3", "main.py"]
  timeout_seconds: 5
sandbox:
  user: runner
  group: runner
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen.Addr != ":9000" || cfg.Listen.MaxScriptBytes != 1024 {
		t.Fatalf("listen = %+v", cfg.Listen)
	}
	if len(cfg.Exec.Command) != 2 || cfg.Exec.Command[0] != "python3" {
		t.Fatalf("exec.command = %v", cfg.Exec.Command)
	}
	if cfg.Sandbox.User != "runner" || cfg.Sandbox.Group != "runner" {
		t.Fatalf("sandbox = %+v", cfg.Sandbox)
	}
	// Untouched sections keep their defaults.
	if cfg.Sandbox.TmpPath != "/sandbox/tmp" {
		t.Fatalf("sandbox.tmp_path = %q", cfg.Sandbox.TmpPath)
	}
}

func TestLoadRejectsEmptyExecCommand(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
exec:
  command: []
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "exec.command") {
		t.Fatalf("expected exec.command error, got %v", err)
	}
}

func TestLoadRejectsRelativeSandboxPath(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
sandbox:
  tmp_path: scratch/tmp
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "absolute path") {
		t.Fatalf("expected path error, got %v", err)
	}
}

func TestLoadRejectsNonPositiveTimeout(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
exec:
  timeout_seconds: 0
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "timeout_seconds") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestLoadExpandsEnvInPaths(t *testing.T) {
	t.Setenv("SCRATCH", "/mnt/scratch")
	path := writeConfig(t, `
config_version: 1
exec:
  workdir_root: $SCRATCH/work
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Exec.WorkdirRoot != "/mnt/scratch/work" {
		t.Fatalf("workdir_root = %q", cfg.Exec.WorkdirRoot)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatal("WriteDefault overwrote an existing config")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault with overwrite failed: %v", err)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written default failed: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("config_version = %d", cfg.ConfigVersion)
	}
}
