package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "themeexport",
		Short:         "Export block themes as ZIP archives, in the background or on a schedule",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: $THEMEEXPORT_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(opts),
		newExportCmd(opts),
	)
	return root
}

// newExportCmd groups the export subcommands.
func newExportCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run exports and manage export history, settings and schedule",
	}
	cmd.AddCommand(
		newThemeCmd(opts),
		newPatternsCmd(opts),
		newHistoryCmd(opts),
		newSettingsCmd(opts),
		newScheduleCmd(opts),
	)
	return cmd
}

// writeFormatted prints v as JSON or YAML. Table output is handled by
// each command.
func writeFormatted(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Go through JSON so field names follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q (want json, yaml or table)", format)
}

// writeOutput writes data to path, or to w when path is empty or "-".
func writeOutput(w io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
