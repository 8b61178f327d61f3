package main

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	args := applyArgv0Alias(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		var exit *scriptExitError
		if errors.As(err, &exit) {
			return exit.code
		}
		pslog.Ctx(ctx).With("err", err).Error("pybox command failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pybox",
		Short:         "Sandboxed Python execution service and container entrypoint",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newEntrypointCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newBootstrapCmd())
	root.AddCommand(newBuildCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// argv0Alias lets the binary be hardlinked under a role-specific name
// inside the image, e.g. /usr/local/bin/pybox-entrypoint.
func argv0Alias(base string) string {
	switch base {
	case "pybox-entrypoint":
		return "entrypoint"
	case "pybox-serve":
		return "serve"
	default:
		return ""
	}
}

func applyArgv0Alias(args []string) []string {
	if len(args) == 0 {
		return args
	}
	alias := argv0Alias(filepath.Base(args[0]))
	if alias == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], alias)
	out = append(out, args[1:]...)
	return out
}
