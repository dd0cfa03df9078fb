package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/polybox/internal/codec"
	"github.com/jkaninda/polybox/internal/sandbox"
)

var (
	readRange    string
	readText     bool
	writeFrom    string
	writeContent string
	writeMode    string
)

var readCmd = &cobra.Command{
	Use:   "read <path>...",
	Short: "Print files from a sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		return withSandbox(cmd.Context(), app, sandboxID, func(a *sandbox.Adapter) error {
			results, err := a.ReadFiles(cmd.Context(), args, sandbox.ReadOptions{Range: readRange})
			if err != nil {
				return err
			}
			var errs []error
			for _, r := range results {
				if r.Err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", r.Path, r.Err))
					continue
				}
				if err := printContent(cmd.OutOrStdout(), r.Content, readText); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <path>",
	Short: "Write stdin (or --from, --content) to a file in a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, closeSrc, err := writeSource(cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer closeSrc()

		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		return withSandbox(cmd.Context(), app, sandboxID, func(a *sandbox.Adapter) error {
			results, err := a.WriteFiles(cmd.Context(), []sandbox.WriteEntry{{Path: args[0], Reader: src, Mode: writeMode}})
			if err != nil {
				return err
			}
			r := results[0]
			if r.Err != nil {
				return r.Err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", r.BytesWritten, r.Path)
			return nil
		})
	},
}

// printContent writes file content to w. With text set, invalid UTF-8 is
// replaced so terminals never receive raw binary.
func printContent(w io.Writer, content []byte, text bool) error {
	if text {
		_, err := io.WriteString(w, codec.BytesToText(content))
		return err
	}
	_, err := w.Write(content)
	return err
}

// writeSource picks the upload body: --content, then --from, then stdin.
func writeSource(stdin io.Reader) (io.Reader, func(), error) {
	switch {
	case writeContent != "":
		return bytes.NewReader(codec.TextToBytes(writeContent)), func() {}, nil
	case writeFrom != "":
		f, err := os.Open(writeFrom)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	default:
		return stdin, func() {}, nil
	}
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory in a sandbox",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		return withSandbox(cmd.Context(), app, sandboxID, func(a *sandbox.Adapter) error {
			entries, err := a.ListDirectory(cmd.Context(), path)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				kind := "file"
				if e.IsDirectory {
					kind = "dir"
				}
				fmt.Fprintf(tw, "%s\t%s\n", kind, e.Name)
			}
			return tw.Flush()
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <pattern> [root]",
	Short: "Find paths whose name matches a glob pattern",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := ""
		if len(args) == 2 {
			root = args[1]
		}
		app, err := setup()
		if err != nil {
			return err
		}
		defer app.Cleanup()

		return withSandbox(cmd.Context(), app, sandboxID, func(a *sandbox.Adapter) error {
			results, err := a.Search(cmd.Context(), args[0], root)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintln(cmd.OutOrStdout(), r.Path)
			}
			return nil
		})
	},
}

func init() {
	readCmd.Flags().StringVar(&readRange, "range", "", `byte range "start-end" or "start-"`)
	readCmd.Flags().BoolVar(&readText, "text", false, "print as UTF-8 text, replacing invalid bytes")
	writeCmd.Flags().StringVar(&writeFrom, "from", "", "local file to upload (default: stdin)")
	writeCmd.Flags().StringVar(&writeContent, "content", "", "literal text to write instead of stdin")
	writeCmd.MarkFlagsMutuallyExclusive("from", "content")
	writeCmd.Flags().StringVar(&writeMode, "mode", "", `octal permission, e.g. "0644"`)
	for _, cmd := range []*cobra.Command{readCmd, writeCmd, lsCmd, searchCmd} {
		addSandboxFlag(cmd)
	}
}
