package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Listen        ListenConfig  `mapstructure:"listen" yaml:"listen"`
	Exec          ExecConfig    `mapstructure:"exec" yaml:"exec"`
	Sandbox       SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	Build         BuildConfig   `mapstructure:"build" yaml:"build"`
	Client        ClientConfig  `mapstructure:"client" yaml:"client"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ListenConfig controls the execution server listener.
type ListenConfig struct {
	Addr           string `mapstructure:"addr" yaml:"addr"`
	MaxScriptBytes int    `mapstructure:"max_script_bytes" yaml:"max_script_bytes"`
}

// ExecConfig controls how received scripts are executed.
type ExecConfig struct {
	Command        []string `mapstructure:"command" yaml:"command"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	WorkdirRoot    string   `mapstructure:"workdir_root" yaml:"workdir_root"`
	ScriptName     string   `mapstructure:"script_name" yaml:"script_name"`
	Env            []string `mapstructure:"env" yaml:"env"`
}

// SandboxConfig pins the unprivileged identity and the two scratch paths
// the entrypoint re-owns.
type SandboxConfig struct {
	User      string `mapstructure:"user" yaml:"user"`
	Group     string `mapstructure:"group" yaml:"group"`
	TmpPath   string `mapstructure:"tmp_path" yaml:"tmp_path"`
	CachePath string `mapstructure:"cache_path" yaml:"cache_path"`
	Shell     string `mapstructure:"shell" yaml:"shell"`
}

// BuildConfig configures the sandbox image build.
type BuildConfig struct {
	Image          string           `mapstructure:"image" yaml:"image"`
	BaseImage      string           `mapstructure:"base_image" yaml:"base_image"`
	TimeoutMinutes int              `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
	BuildKit       BuildKitConfig   `mapstructure:"buildkit" yaml:"buildkit"`
	Containerd     ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
}

// BuildKitConfig configures the BuildKit endpoint.
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// ContainerdConfig configures the containerd image store for imports.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// ClientConfig sets defaults for the exec client command.
type ClientConfig struct {
	Addr           string `mapstructure:"addr" yaml:"addr"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Listen: ListenConfig{
			Addr:           ":8080",
			MaxScriptBytes: 60 * 1024,
		},
		Exec: ExecConfig{
			Command:        []string{"uv", "run", "main.py"},
			TimeoutSeconds: 30,
			WorkdirRoot:    "",
			ScriptName:     "main.py",
			Env:            []string{},
		},
		Sandbox: SandboxConfig{
			User:      "sandbox",
			Group:     "sandbox",
			TmpPath:   "/sandbox/tmp",
			CachePath: "/sandbox/cache",
			Shell:     "/bin/sh",
		},
		Build: BuildConfig{
			Image:          "docker.io/pyboxhq/pybox:latest",
			BaseImage:      "docker.io/library/python:3.12-slim",
			TimeoutMinutes: 20,
			BuildKit: BuildKitConfig{
				Address: "",
			},
			Containerd: ContainerdConfig{
				Address:   "unix:///run/containerd/containerd.sock",
				Namespace: "pybox",
			},
		},
		Client: ClientConfig{
			Addr:           "localhost:8080",
			TimeoutSeconds: 60,
		},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pybox", "config.yaml"), nil
}
