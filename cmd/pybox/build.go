package main

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyboxhq/pybox/bootstrap"
	"github.com/pyboxhq/pybox/internal/appconfig"
	"github.com/pyboxhq/pybox/internal/imagebuild"
	"github.com/pyboxhq/pybox/internal/imagestore"
	"github.com/pyboxhq/pybox/internal/version"
	"pkt.systems/pslog"
)

func newBuildCmd() *cobra.Command {
	var cfgPath string
	var binPath string
	var tag string
	var output string
	var namespace string
	var disableImport bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the sandbox container image",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			tags, err := buildTags(cfg.Build.Image, tag)
			if err != nil {
				return err
			}
			outputPath, err := resolveOutputPath(cfgPath, output, "pybox.oci.tar")
			if err != nil {
				return err
			}

			bin, err := resolvePyboxBinary(binPath)
			if err != nil {
				return err
			}
			if err := ensureStaticBinary(bin); err != nil {
				return err
			}
			contextDir, cleanup, err := prepareBuildContext(bin, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			files, err := bootstrap.Render(cfg)
			if err != nil {
				return err
			}
			spec := imagebuild.Spec{
				ContextDir:        contextDir,
				ContainerfileData: files.Containerfile,
				Tags:              tags,
				BuildArgs: map[string]string{
					"PYBOX_BIN": "bin/pybox",
				},
				Timeout:    time.Duration(cfg.Build.TimeoutMinutes) * time.Minute,
				OutputPath: outputPath,
			}
			logger.Info("build.start", "tags", tags, "output", outputPath)
			builder := imagebuild.New(imagebuild.Config{Address: cfg.Build.BuildKit.Address})
			if err := runBuild(cmd.Context(), builder, spec, logger); err != nil {
				return err
			}
			if disableImport {
				logger.Info("build.import.skipped", "path", outputPath)
				return nil
			}
			return importBuildOutput(cmd.Context(), cfg, namespace, outputPath, tags)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&binPath, "bin", "", "path to pybox binary")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "image tag (default: version + latest)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "path to OCI tar export (default: <config dir>/containers/pybox.oci.tar)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "override containerd namespace for import")
	cmd.Flags().BoolVar(&disableImport, "disable-import", false, "skip importing the built image into containerd")
	return cmd
}

func runBuild(ctx context.Context, builder *imagebuild.Builder, spec imagebuild.Spec, logger pslog.Logger) error {
	events := make(chan imagebuild.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		logBuildEvents(ctx, logger, events)
	}()
	res, err := builder.Build(ctx, spec, events)
	close(events)
	<-done
	if err != nil {
		return err
	}
	logger.Info("build.complete", "images", res.ImageNames)
	return nil
}

func logBuildEvents(ctx context.Context, logger pslog.Logger, events <-chan imagebuild.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case imagebuild.EventVertexStarted:
				logger.Info(buildEventMessage(ev), "state", "started")
			case imagebuild.EventVertexCompleted:
				if ev.Error != "" {
					logger.Error(buildEventMessage(ev), "vertex", ev.VertexID, "err", ev.Error)
				} else {
					logger.Info(buildEventMessage(ev), "state", "completed")
				}
			case imagebuild.EventLog:
				line := strings.TrimSpace(ev.Message)
				if line == "" {
					continue
				}
				logger.Debug("build.log", "vertex", ev.VertexID, "line", line)
			case imagebuild.EventWarning:
				logger.Warn("build.warning", "vertex", ev.VertexID, "msg", ev.Message)
			}
		}
	}
}

func buildEventMessage(ev imagebuild.Event) string {
	name := strings.TrimSpace(ev.Name)
	if name == "" {
		return "build.event"
	}
	return "build.event " + name
}

func importBuildOutput(ctx context.Context, cfg appconfig.Config, nsOverride string, outputPath string, tags []string) error {
	logger := pslog.Ctx(ctx)
	namespace := cfg.Build.Containerd.Namespace
	if strings.TrimSpace(nsOverride) != "" {
		namespace = nsOverride
	}
	store, err := imagestore.New(ctx, imagestore.Config{
		Address:   cfg.Build.Containerd.Address,
		Namespace: namespace,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	logger.Info("build.import.start", "path", outputPath, "namespace", namespace)
	if err := store.Import(ctx, outputPath, tags); err != nil {
		return err
	}
	for _, image := range tags {
		ok, err := store.ImageExists(ctx, image)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("image %s missing after import", image)
		}
	}
	logger.Info("build.import.complete", "images", tags)
	return nil
}

func buildTags(image string, override string) ([]string, error) {
	if value := strings.TrimSpace(override); value != "" {
		return []string{value}, nil
	}
	base := stripImageTag(image)
	if base == "" {
		return nil, errors.New("image name is required")
	}
	ver := version.Current()
	if strings.TrimSpace(ver) == "" {
		ver = "v0.0.0-unknown"
	}
	return []string{
		base + ":" + ver,
		base + ":latest",
	}, nil
}

func stripImageTag(image string) string {
	image = strings.TrimSpace(image)
	if image == "" {
		return ""
	}
	if at := strings.LastIndex(image, "@"); at != -1 {
		image = image[:at]
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon]
	}
	return image
}

func resolveOutputPath(configPath string, override string, filename string) (string, error) {
	output := strings.TrimSpace(override)
	if output == "" {
		dir := filepath.Dir(configPath)
		if strings.TrimSpace(configPath) == "" {
			defaultPath, err := appconfig.DefaultConfigPath()
			if err != nil {
				return "", err
			}
			dir = filepath.Dir(defaultPath)
		}
		output = filepath.Join(dir, "containers", filename)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	return output, nil
}

func resolvePyboxBinary(explicit string) (string, error) {
	if value := strings.TrimSpace(explicit); value != "" {
		return ensureFile(value)
	}
	if value := strings.TrimSpace(os.Getenv("PYBOX_BIN")); value != "" {
		return ensureFile(value)
	}
	if exe, err := os.Executable(); err == nil && strings.TrimSpace(exe) != "" {
		return ensureFile(exe)
	}
	if path, err := exec.LookPath("pybox"); err == nil && strings.TrimSpace(path) != "" {
		return ensureFile(path)
	}
	return "", errors.New("pybox binary not found; use --bin or set PYBOX_BIN")
}

func ensureFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory: %s", path)
	}
	return path, nil
}

// ensureStaticBinary rejects dynamically linked binaries; the image has
// no loader for them at the paths a host toolchain would expect.
func ensureStaticBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()
	ef, err := elf.NewFile(file)
	if err != nil {
		return fmt.Errorf("pybox binary is not a valid ELF file: %w", err)
	}
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_INTERP {
			return errors.New("pybox binary is dynamically linked; build with CGO_ENABLED=0")
		}
	}
	return nil
}

func prepareBuildContext(binPath string, cfg appconfig.Config) (string, func(), error) {
	dir, err := os.MkdirTemp("", "pybox-build-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	if err := copyFile(binPath, filepath.Join(dir, "bin", "pybox"), 0o755); err != nil {
		cleanup()
		return "", nil, err
	}
	files, err := bootstrap.Render(cfg)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), files.ConfigYAML, 0o644); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
