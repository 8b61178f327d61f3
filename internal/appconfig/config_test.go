package appconfig

import "testing"

func TestDefaultConfigIsValid(t *testing.T) {
	if err := validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultConfigPins(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Listen.MaxScriptBytes != 61440 {
		t.Fatalf("max_script_bytes = %d, want 61440", cfg.Listen.MaxScriptBytes)
	}
	if cfg.Exec.TimeoutSeconds != 30 {
		t.Fatalf("exec.timeout_seconds = %d, want 30", cfg.Exec.TimeoutSeconds)
	}
	if cfg.Sandbox.User != "sandbox" || cfg.Sandbox.TmpPath != "/sandbox/tmp" || cfg.Sandbox.CachePath != "/sandbox/cache" {
		t.Fatalf("sandbox defaults = %+v", cfg.Sandbox)
	}
}
