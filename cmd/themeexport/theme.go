package main

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/processor"
)

func newThemeCmd(opts *rootOptions) *cobra.Command {
	var (
		exclusions  string
		useDefaults bool
		batch       int
	)
	cmd := &cobra.Command{
		Use:   "theme [theme]",
		Short: "Export a theme to a ZIP archive, stepping the job until it finishes",
		Long: `Export a theme directory to a ZIP archive.

The job runs in this process, one batch at a time, exactly as the
background workers would run it. Without an argument the configured
default theme is exported.

Examples:
  themeexport export theme twentytwentyfour
  themeexport export theme mytheme --exclusions="node_modules, *.map"
  themeexport export theme mytheme --batch=200`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			theme := a.cfg.DefaultTheme
			if len(args) == 1 {
				theme = args[0]
			}
			if theme == "" {
				return errors.New("no theme given and no default_theme configured")
			}
			if batch > 0 {
				a.cfg.BatchSize = batch
				a.proc = a.newProcessor()
			}

			var excl any = exclusions
			if !cmd.Flags().Changed("exclusions") && useDefaults {
				st, err := a.settings.Load(ctx)
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}
				excl = st.DefaultExclusions
			}

			j, err := a.proc.Create(ctx, processor.CreateRequest{
				Theme:      theme,
				Exclusions: excl,
				User:       cliUser(),
				UserName:   cliUser(),
				Origin:     job.OriginCLI,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Exporting %s (%d items, job %s)\n", theme, j.TotalItems, j.ID)

			start := time.Now()
			for {
				more, err := a.proc.Step(ctx, j.ID)
				if err != nil {
					if ctx.Err() != nil {
						return cancelExport(ctx, a.proc, j.ID)
					}
					return fmt.Errorf("step export %s: %w", j.ID, err)
				}
				if j, err = a.proc.Store().Get(ctx, j.ID); err != nil {
					return err
				}
				fmt.Fprintf(out, "  %3d%%  %d/%d\n", j.Progress(), j.ProcessedItems, j.TotalItems)
				if !more {
					break
				}
				if ctx.Err() != nil {
					return cancelExport(ctx, a.proc, j.ID)
				}
			}

			if j.Status != job.StatusCompleted {
				return fmt.Errorf("export %s %s: %s (%s)", j.ID, j.Status, j.Message, j.FailureCode)
			}
			fmt.Fprintf(out, "Success: exported %s to %s (%s) in %s\n",
				theme, j.ZipPath, humanize.Bytes(uint64(j.ZipFileSize)), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&exclusions, "exclusions", "", "comma or newline separated exclusion patterns")
	cmd.Flags().BoolVar(&useDefaults, "default-exclusions", true, "apply the stored default exclusions when --exclusions is not set")
	cmd.Flags().IntVar(&batch, "batch", 0, "items per step (default: batch_size from config)")
	return cmd
}

// cliUser names the local account running the command.
func cliUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

// cancelExport cancels an interrupted export and returns ctx's error. The
// cancel itself must outlive ctx.
func cancelExport(ctx context.Context, proc *processor.Processor, id string) error {
	if _, err := proc.Cancel(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, job.ErrTerminal) {
		return fmt.Errorf("cancel export %s: %w", id, err)
	}
	return ctx.Err()
}
