package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/themeexport/themeexport/internal/patterns"
)

func newPatternsCmd(opts *rootOptions) *cobra.Command {
	var (
		theme    string
		output   string
		format   string
		portable bool
	)
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Export the block patterns of a theme",
		Long: `Export the block patterns found under <theme>/patterns as one document.

With --portable, absolute links to the configured site_url are replaced by
the {{site_url}} placeholder so the patterns can move between sites.

Examples:
  themeexport export patterns --theme=mytheme
  themeexport export patterns --theme=mytheme --portable --output=patterns.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if theme == "" {
				theme = a.cfg.DefaultTheme
			}
			if theme == "" {
				return errors.New("no --theme given and no default_theme configured")
			}
			if !cmd.Flags().Changed("portable") {
				st, err := a.settings.Load(ctx)
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}
				portable = st.PortablePatterns
			}
			if portable && a.cfg.SiteURL == "" {
				return errors.New("--portable needs site_url in the config")
			}

			doc, err := patterns.Export(a.fs, a.cfg.ThemesDir, theme, patterns.Options{
				Portable: portable,
				SiteURL:  a.cfg.SiteURL,
			})
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := writeFormatted(&buf, format, doc); err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), output, buf.Bytes()); err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.OutOrStdout(), "Success: exported %d patterns from %s to %s\n", len(doc.Patterns), theme, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&theme, "theme", "", "theme to read (default: default_theme from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&format, "format", "json", "json or yaml")
	cmd.Flags().BoolVar(&portable, "portable", false, "replace the site URL with a placeholder (default: stored setting)")
	return cmd
}
