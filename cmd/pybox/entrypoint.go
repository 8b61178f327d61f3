package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/pyboxhq/pybox/internal/appconfig"
	"github.com/pyboxhq/pybox/internal/entrypoint"
	"pkt.systems/pslog"
)

func newEntrypointCmd() *cobra.Command {
	var cfgPath string
	var userName string
	var groupName string
	var tmpPath string
	var cachePath string
	var shell string
	cmd := &cobra.Command{
		Use:   "entrypoint [flags] [-- COMMAND [ARG...]]",
		Short: "Re-own the sandbox scratch paths, drop privileges, and exec the command",
		Long: `Prepares the container for the unprivileged sandbox identity and then
replaces itself with the given command. The scratch and cache paths are
chowned to the sandbox user first so that volume mounts created by the
runtime (owned by root) become writable. Any failure aborts before the
command runs; nothing is ever executed with elevated privileges.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			ecfg := entrypoint.Config{
				User:      cfg.Sandbox.User,
				Group:     cfg.Sandbox.Group,
				TmpPath:   cfg.Sandbox.TmpPath,
				CachePath: cfg.Sandbox.CachePath,
				Shell:     cfg.Sandbox.Shell,
				Args:      args,
				Env:       os.Environ(),
			}
			if userName != "" {
				ecfg.User = userName
			}
			if groupName != "" {
				ecfg.Group = groupName
			}
			if tmpPath != "" {
				ecfg.TmpPath = tmpPath
			}
			if cachePath != "" {
				ecfg.CachePath = cachePath
			}
			if shell != "" {
				ecfg.Shell = shell
			}
			err = entrypoint.Run(cmd.Context(), ecfg, entrypoint.DefaultSyscalls())
			if errors.Is(err, entrypoint.ErrNoIdentity) {
				pslog.Ctx(cmd.Context()).Error("sandbox identity missing; the image must create it at build time",
					"user", ecfg.User, "group", ecfg.Group)
			}
			// Run only returns on failure; a successful exec never comes back.
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&userName, "user", "", "sandbox user name")
	cmd.Flags().StringVar(&groupName, "group", "", "sandbox group name")
	cmd.Flags().StringVar(&tmpPath, "tmp", "", "scratch directory to re-own")
	cmd.Flags().StringVar(&cachePath, "cache", "", "cache directory to re-own")
	cmd.Flags().StringVar(&shell, "shell", "", "shell used to run the joined command")
	return cmd
}
