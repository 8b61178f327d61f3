package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pyboxhq/pybox/bootstrap"
	"github.com/pyboxhq/pybox/internal/appconfig"
	"pkt.systems/pslog"
)

func newBootstrapCmd() *cobra.Command {
	var outputDir string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Generate default config and container files",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			out := outputDir
			if out == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				out = filepath.Join(home, ".pybox")
			}

			configPath, err := appconfig.WriteDefault(filepath.Join(out, "config.yaml"), overwrite)
			if err != nil {
				return err
			}
			logger.Info("bootstrap wrote", "path", configPath, "name", "config.yaml")

			files, err := bootstrap.DefaultFiles()
			if err != nil {
				return err
			}
			paths, err := bootstrap.Write(filepath.Join(out, "container"), files)
			if err != nil {
				return err
			}
			logger.Info("bootstrap wrote", "path", paths.Containerfile, "name", "Containerfile")
			logger.Info("bootstrap wrote", "path", paths.ComposeYAML, "name", "compose.yaml")
			logger.Info("bootstrap wrote", "path", paths.ConfigYAML, "name", "config-for-container.yaml")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing files")
	return cmd
}
