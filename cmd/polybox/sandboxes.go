package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/server"
)

// sandboxID is the --sandbox flag shared by every sandbox-scoped command.
var sandboxID string

func addSandboxFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&sandboxID, "sandbox", "s", "", "recorded sandbox id (default: a throwaway sandbox)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var createFlags struct {
	provider string
	image    string
	workdir  string
	env      map[string]string
	metadata map[string]string
	timeout  time.Duration
	cpu      float64
	memoryMB int
	wait     bool
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sandbox and record it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		f := createFlags
		a, err := app.Registry.Create(cmd.Context(), server.CreateRequest{
			Provider: f.provider,
			CreateConfig: sandbox.CreateConfig{
				Image:            f.image,
				Env:              f.env,
				WorkingDirectory: f.workdir,
				CPUCores:         f.cpu,
				MemoryMB:         f.memoryMB,
				Timeout:          f.timeout,
				Metadata:         f.metadata,
			},
			WaitReady: f.wait,
		})
		if err != nil {
			return err
		}
		info, err := a.GetInfo(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Destroy recorded sandboxes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		if _, err := app.Registry.Restore(cmd.Context()); err != nil {
			return err
		}
		for _, id := range args {
			if err := app.Registry.Delete(cmd.Context(), id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sandboxes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		recs, err := app.Store.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROVIDER\tSTATUS\tIMAGE\tCREATED")
		for _, rec := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.Provider, rec.Status(), rec.Image, rec.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether a sandbox answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		return withSandbox(cmd.Context(), app, sandboxID, func(a *sandbox.Adapter) error {
			if !a.Ping(cmd.Context()) {
				return fmt.Errorf("sandbox %s is not responding", a.ID())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", a.ID())
			return nil
		})
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Sample CPU and memory usage of a sandbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		return withSandbox(cmd.Context(), app, sandboxID, func(a *sandbox.Adapter) error {
			m, err := a.GetMetrics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		})
	},
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createFlags.provider, "provider", "", "provider name (default: provider.default)")
	f.StringVar(&createFlags.image, "image", "", "container image")
	f.StringVar(&createFlags.workdir, "workdir", "", "working directory inside the sandbox")
	f.StringToStringVar(&createFlags.env, "env", nil, "environment variables (KEY=VALUE)")
	f.StringToStringVar(&createFlags.metadata, "metadata", nil, "metadata labels (KEY=VALUE)")
	f.DurationVar(&createFlags.timeout, "timeout", 0, "lifetime before expiry (default: adapter.expiration_seconds)")
	f.Float64Var(&createFlags.cpu, "cpu", 0, "CPU cores")
	f.IntVar(&createFlags.memoryMB, "memory", 0, "memory limit in MB")
	f.BoolVar(&createFlags.wait, "wait", true, "wait until the sandbox answers")

	addSandboxFlag(pingCmd)
	addSandboxFlag(metricsCmd)
}
