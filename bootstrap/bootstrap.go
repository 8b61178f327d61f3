// Package bootstrap renders the packaging artifacts for the sandbox image:
// the Containerfile that creates the unprivileged identity and the two
// scratch directories the entrypoint re-owns, a compose file that mounts
// those directories as tmpfs, and the config the server reads inside the
// container.
package bootstrap

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/pyboxhq/pybox/internal/appconfig"
)

// Files holds the rendered bootstrap artifacts.
type Files struct {
	Containerfile []byte
	ComposeYAML   []byte
	ConfigYAML    []byte
}

// Paths reports where Write placed the artifacts.
type Paths struct {
	Containerfile string
	ComposeYAML   string
	ConfigYAML    string
}

type templateData struct {
	BaseImage string
	Image     string
	User      string
	Group     string
	TmpPath   string
	CachePath string
	Port      string
}

// Render produces the bootstrap artifacts for the given configuration.
func Render(cfg appconfig.Config) (Files, error) {
	port, err := listenPort(cfg.Listen.Addr)
	if err != nil {
		return Files{}, err
	}
	data := templateData{
		BaseImage: cfg.Build.BaseImage,
		Image:     cfg.Build.Image,
		User:      cfg.Sandbox.User,
		Group:     cfg.Sandbox.Group,
		TmpPath:   cfg.Sandbox.TmpPath,
		CachePath: cfg.Sandbox.CachePath,
		Port:      port,
	}

	containerfile, err := renderTemplate("templates/Containerfile.tmpl", data)
	if err != nil {
		return Files{}, err
	}
	compose, err := renderTemplate("templates/compose.yaml.tmpl", data)
	if err != nil {
		return Files{}, err
	}
	configYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return Files{}, err
	}
	return Files{
		Containerfile: containerfile,
		ComposeYAML:   compose,
		ConfigYAML:    configYAML,
	}, nil
}

// DefaultFiles renders the artifacts for the default configuration.
func DefaultFiles() (Files, error) {
	return Render(appconfig.DefaultConfig())
}

// Write places the artifacts under dir with conventional names.
func Write(dir string, files Files) (Paths, error) {
	if strings.TrimSpace(dir) == "" {
		return Paths{}, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, err
	}
	paths := Paths{
		Containerfile: filepath.Join(dir, "Containerfile"),
		ComposeYAML:   filepath.Join(dir, "compose.yaml"),
		ConfigYAML:    filepath.Join(dir, "config.yaml"),
	}
	for path, data := range map[string][]byte{
		paths.Containerfile: files.Containerfile,
		paths.ComposeYAML:   files.ComposeYAML,
		paths.ConfigYAML:    files.ConfigYAML,
	} {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return Paths{}, err
		}
	}
	return paths, nil
}

func renderTemplate(name string, data templateData) ([]byte, error) {
	raw, err := readEmbeddedFile(name)
	if err != nil {
		return nil, err
	}
	tpl, err := template.New(filepath.Base(name)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func listenPort(addr string) (string, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("listen.addr %q: %w", addr, err)
	}
	if port == "" {
		return "", fmt.Errorf("listen.addr %q has no port", addr)
	}
	return port, nil
}
