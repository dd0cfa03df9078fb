package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/polybox/internal/sandbox"
)

var execFlags struct {
	workdir    string
	env        map[string]string
	timeout    time.Duration
	background bool
}

// exitError carries a command's non-zero exit code out of cobra.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("command exited with status %d", e.code) }

var execCmd = &cobra.Command{
	Use:   "exec -- <command>",
	Short: "Run a shell command in a sandbox, streaming its output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		if execFlags.background && sandboxID == "" {
			return errors.New("--background needs a recorded sandbox (--sandbox)")
		}
		command := strings.Join(args, " ")
		opts := sandbox.ExecuteOptions{
			WorkingDirectory: execFlags.workdir,
			Env:              execFlags.env,
			Timeout:          execFlags.timeout,
		}
		return withSandbox(cmd.Context(), app, sandboxID, func(a *sandbox.Adapter) error {
			if execFlags.background {
				session, err := a.ExecuteBackground(cmd.Context(), command, opts)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), session.ID)
				return nil
			}
			res, err := a.ExecuteStream(cmd.Context(), command, streamTo(cmd.OutOrStdout(), cmd.ErrOrStderr()), opts)
			if err != nil {
				return err
			}
			if res.Truncated {
				fmt.Fprintln(cmd.ErrOrStderr(), "polybox: output truncated")
			}
			if res.ExitCode != 0 {
				return &exitError{code: res.ExitCode}
			}
			return nil
		})
	},
}

// streamTo forwards output chunks to stdout and stderr as they arrive.
func streamTo(stdout, stderr io.Writer) sandbox.StreamHandlers {
	return sandbox.StreamHandlers{
		OnStdout: func(chunk string) { _, _ = io.WriteString(stdout, chunk) },
		OnStderr: func(chunk string) { _, _ = io.WriteString(stderr, chunk) },
	}
}

func init() {
	f := execCmd.Flags()
	f.StringVarP(&execFlags.workdir, "workdir", "w", "", "working directory for the command")
	f.StringToStringVarP(&execFlags.env, "env", "e", nil, "environment variables (KEY=VALUE)")
	f.DurationVarP(&execFlags.timeout, "timeout", "t", 0, "command timeout (default: provider default)")
	f.BoolVar(&execFlags.background, "background", false, "start detached and print the session id")
	addSandboxFlag(execCmd)
}
