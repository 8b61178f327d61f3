package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	// config_version deliberately has no default: a present config file
	// must declare it, and cfg already carries CurrentConfigVersion for
	// the missing-file path.
	v.SetDefault("listen.addr", cfg.Listen.Addr)
	v.SetDefault("listen.max_script_bytes", cfg.Listen.MaxScriptBytes)
	v.SetDefault("exec.command", cfg.Exec.Command)
	v.SetDefault("exec.timeout_seconds", cfg.Exec.TimeoutSeconds)
	v.SetDefault("exec.workdir_root", cfg.Exec.WorkdirRoot)
	v.SetDefault("exec.script_name", cfg.Exec.ScriptName)
	v.SetDefault("exec.env", cfg.Exec.Env)
	v.SetDefault("sandbox.user", cfg.Sandbox.User)
	v.SetDefault("sandbox.group", cfg.Sandbox.Group)
	v.SetDefault("sandbox.tmp_path", cfg.Sandbox.TmpPath)
	v.SetDefault("sandbox.cache_path", cfg.Sandbox.CachePath)
	v.SetDefault("sandbox.shell", cfg.Sandbox.Shell)
	v.SetDefault("build.image", cfg.Build.Image)
	v.SetDefault("build.base_image", cfg.Build.BaseImage)
	v.SetDefault("build.timeout_minutes", cfg.Build.TimeoutMinutes)
	v.SetDefault("build.buildkit.address", cfg.Build.BuildKit.Address)
	v.SetDefault("build.containerd.address", cfg.Build.Containerd.Address)
	v.SetDefault("build.containerd.namespace", cfg.Build.Containerd.Namespace)
	v.SetDefault("client.addr", cfg.Client.Addr)
	v.SetDefault("client.timeout_seconds", cfg.Client.TimeoutSeconds)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Listen.Addr) == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if cfg.Listen.MaxScriptBytes <= 0 {
		return fmt.Errorf("listen.max_script_bytes must be positive")
	}
	if len(cfg.Exec.Command) == 0 {
		return fmt.Errorf("exec.command is required")
	}
	if cfg.Exec.TimeoutSeconds <= 0 {
		return fmt.Errorf("exec.timeout_seconds must be positive")
	}
	if strings.TrimSpace(cfg.Sandbox.User) == "" || strings.TrimSpace(cfg.Sandbox.Group) == "" {
		return fmt.Errorf("sandbox.user and sandbox.group are required")
	}
	for name, path := range map[string]string{
		"sandbox.tmp_path":   cfg.Sandbox.TmpPath,
		"sandbox.cache_path": cfg.Sandbox.CachePath,
		"sandbox.shell":      cfg.Sandbox.Shell,
	} {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%s must be an absolute path", name)
		}
	}
	if strings.TrimSpace(cfg.Client.Addr) == "" {
		return fmt.Errorf("client.addr is required")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Exec.WorkdirRoot = expandEnv(cfg.Exec.WorkdirRoot)
	cfg.Sandbox.TmpPath = expandEnv(cfg.Sandbox.TmpPath)
	cfg.Sandbox.CachePath = expandEnv(cfg.Sandbox.CachePath)
	cfg.Build.BuildKit.Address = expandEnv(cfg.Build.BuildKit.Address)
	cfg.Build.Containerd.Address = expandEnv(cfg.Build.Containerd.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
