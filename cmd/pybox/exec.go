package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyboxhq/pybox/client"
	"github.com/pyboxhq/pybox/internal/appconfig"
	"github.com/pyboxhq/pybox/protocol"
	"pkt.systems/pslog"
)

// scriptExitError carries the remote script's return code so the
// process can exit with the same status.
type scriptExitError struct {
	code int
}

func (e *scriptExitError) Error() string {
	return fmt.Sprintf("script exited with code %d", e.code)
}

func newExecCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec [FILE]",
		Short: "Send a Python script to the execution server and print the result",
		Long: `Reads a script from FILE, or from stdin when FILE is "-" or omitted,
sends it to the execution server, and prints the captured result. The
process exits with the script's return code.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Client.Addr = addr
			}
			if timeout == 0 {
				timeout = time.Duration(cfg.Client.TimeoutSeconds) * time.Second
			}

			script, err := readScriptArg(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			c := client.New(client.Config{Addr: cfg.Client.Addr, Timeout: timeout})
			if err := c.Connect(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			pslog.Ctx(cmd.Context()).Debug("script submitted", "addr", cfg.Client.Addr, "bytes", len(script))
			report, err := c.Execute(cmd.Context(), script)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if report.ReturnCode != 0 {
				return &scriptExitError{code: report.ReturnCode}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "execution server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall request timeout")
	return cmd
}

func readScriptArg(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func printReport(w io.Writer, report protocol.Report) {
	fmt.Fprintf(w, "Return Code: %d\n", report.ReturnCode)
	fmt.Fprintln(w, "--- STDOUT ---")
	if report.Stdout != "" {
		fmt.Fprint(w, report.Stdout)
		if !strings.HasSuffix(report.Stdout, "\n") {
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintln(w, "--- STDERR ---")
	if report.Stderr != "" {
		fmt.Fprint(w, report.Stderr)
		if !strings.HasSuffix(report.Stderr, "\n") {
			fmt.Fprintln(w)
		}
	}
}
