package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/settings"
)

func newSettingsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show, export or import the stored settings",
	}
	cmd.AddCommand(
		newSettingsShowCmd(opts),
		newSettingsExportCmd(opts),
		newSettingsImportCmd(opts),
	)
	return cmd
}

func newSettingsShowCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.settings.Load(cmd.Context())
			if err != nil {
				return err
			}
			return writeFormatted(cmd.OutOrStdout(), format, st)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or yaml")
	return cmd
}

func newSettingsExportCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the settings as a signed package",
		Long: `Write the stored settings as a package signed with settings_secret.
The package can be imported on another installation sharing the secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.settings.Load(cmd.Context())
			if err != nil {
				return err
			}
			pkg, err := settings.BuildExportPackage(st, a.secret())
			if err != nil {
				return err
			}
			data, err := settings.Encode(pkg)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), output, append(data, '\n')); err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.OutOrStdout(), "Success: settings exported to %s\n", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func newSettingsImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Verify and apply a signed settings package",
		Long: `Verify a settings package against settings_secret and store it.

A package whose signature does not match is not applied. Its contents are
still printed so they can be reviewed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read package: %w", err)
			}
			a, err := newApp(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.settings.Import(cmd.Context(), data, a.secret())
			if errors.Is(err, settings.ErrSignatureMismatch) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", res.Warning)
				if werr := writeFormatted(cmd.OutOrStdout(), "json", res); werr != nil {
					return werr
				}
				return fmt.Errorf("%s: %w", job.FailureSignatureMismatch, err)
			}
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Success: settings imported from %s (schedule %s)\n",
				args[0], res.Settings.Schedule.Frequency)
			return nil
		},
	}
}
