package bootstrap

import (
	"os"
	"strings"
	"testing"

	"github.com/pyboxhq/pybox/internal/appconfig"
)

func TestRenderContainerfilePinsIdentityAndPaths(t *testing.T) {
	files, err := DefaultFiles()
	if err != nil {
		t.Fatalf("DefaultFiles failed: %v", err)
	}
	containerfile := string(files.Containerfile)
	for _, want := range []string{
		"useradd --system --gid sandbox",
		"mkdir -p /sandbox/tmp /sandbox/cache",
		"chown sandbox:sandbox /sandbox/tmp /sandbox/cache",
		`ENTRYPOINT ["/usr/local/bin/pybox", "entrypoint", "--"]`,
		`CMD ["/usr/local/bin/pybox", "serve", "--config", "/etc/pybox/config.yaml"]`,
		"EXPOSE 8080",
		"TMPDIR=/sandbox/tmp",
		"UV_CACHE_DIR=/sandbox/cache",
	} {
		if !strings.Contains(containerfile, want) {
			t.Fatalf("Containerfile missing %q:\n%s", want, containerfile)
		}
	}
}

func TestRenderComposeMountsTmpfs(t *testing.T) {
	files, err := DefaultFiles()
	if err != nil {
		t.Fatalf("DefaultFiles failed: %v", err)
	}
	compose := string(files.ComposeYAML)
	for _, want := range []string{"- /sandbox/tmp", "- /sandbox/cache", `"8080:8080"`} {
		if !strings.Contains(compose, want) {
			t.Fatalf("compose missing %q:\n%s", want, compose)
		}
	}
}

func TestRenderHonorsOverrides(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.Sandbox.User = "runner"
	cfg.Sandbox.Group = "runner"
	cfg.Sandbox.TmpPath = "/scratch/tmp"
	cfg.Sandbox.CachePath = "/scratch/cache"
	cfg.Listen.Addr = ":9000"

	files, err := Render(cfg)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	containerfile := string(files.Containerfile)
	for _, want := range []string{"runner", "/scratch/tmp", "/scratch/cache", "EXPOSE 9000"} {
		if !strings.Contains(containerfile, want) {
			t.Fatalf("Containerfile missing %q:\n%s", want, containerfile)
		}
	}
}

func TestRenderRejectsPortlessAddr(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.Listen.Addr = "localhost"
	if _, err := Render(cfg); err == nil {
		t.Fatal("Render accepted an address without a port")
	}
}

func TestWriteEmitsBundle(t *testing.T) {
	files, err := DefaultFiles()
	if err != nil {
		t.Fatalf("DefaultFiles failed: %v", err)
	}
	dir := t.TempDir()
	paths, err := Write(dir, files)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, path := range []string{paths.Containerfile, paths.ComposeYAML, paths.ConfigYAML} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if len(data) == 0 {
			t.Fatalf("%s is empty", path)
		}
	}
}

func TestConfigYAMLLoadsBack(t *testing.T) {
	files, err := DefaultFiles()
	if err != nil {
		t.Fatalf("DefaultFiles failed: %v", err)
	}
	dir := t.TempDir()
	paths, err := Write(dir, files)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	cfg, err := appconfig.Load(paths.ConfigYAML)
	if err != nil {
		t.Fatalf("Load of rendered config failed: %v", err)
	}
	if cfg.Sandbox.User != "sandbox" {
		t.Fatalf("sandbox.user = %q", cfg.Sandbox.User)
	}
}
