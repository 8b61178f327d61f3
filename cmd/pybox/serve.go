package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyboxhq/pybox/internal/appconfig"
	"github.com/pyboxhq/pybox/internal/execserver"
	"github.com/pyboxhq/pybox/internal/pyrun"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the script execution server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Listen.Addr = addr
			}

			runner, err := pyrun.NewRunner(pyrun.Config{
				Command:     cfg.Exec.Command,
				Timeout:     time.Duration(cfg.Exec.TimeoutSeconds) * time.Second,
				WorkdirRoot: cfg.Exec.WorkdirRoot,
				ScriptName:  cfg.Exec.ScriptName,
				Env:         cfg.Exec.Env,
			})
			if err != nil {
				return err
			}
			srv := execserver.New(execserver.Config{
				Addr:           cfg.Listen.Addr,
				MaxScriptBytes: cfg.Listen.MaxScriptBytes,
			}, runner)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("execution server starting",
				"addr", cfg.Listen.Addr,
				"command", cfg.Exec.Command,
				"timeout_seconds", cfg.Exec.TimeoutSeconds,
				"max_script_bytes", cfg.Listen.MaxScriptBytes)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override listen address")
	return cmd
}
