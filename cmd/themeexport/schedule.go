package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/themeexport/themeexport/internal/exclusion"
	"github.com/themeexport/themeexport/internal/history"
	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/schedule"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Configure, run or inspect scheduled exports",
	}
	cmd.AddCommand(
		newScheduleSetCmd(opts),
		newScheduleRunCmd(opts),
		newScheduleReportCmd(opts),
	)
	return cmd
}

func newScheduleSetCmd(opts *rootOptions) *cobra.Command {
	var (
		frequency  string
		runTime    string
		retention  int
		exclusions string
		theme      string
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the stored export schedule",
		Long: `Change the stored export schedule. Flags that are not given keep
their stored value. An invalid schedule is rejected and the stored one is
left untouched. A running server picks the change up on its next settings
reload.

Examples:
  themeexport export schedule set --frequency=daily --time=03:30
  themeexport export schedule set --frequency=weekly --retention=14
  themeexport export schedule set --frequency=disabled`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.settings.Load(ctx)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			cfg := st.Schedule
			flags := cmd.Flags()
			if flags.Changed("frequency") {
				cfg.Frequency = schedule.Frequency(strings.ToLower(strings.TrimSpace(frequency)))
				// A new weekly schedule runs on the weekday it was set.
				cfg.Anchor = 0
			}
			if flags.Changed("time") {
				cfg.RunTime = runTime
			}
			if flags.Changed("retention") {
				cfg.RetentionDays = retention
			}
			if flags.Changed("exclusions") {
				cfg.Exclusions = exclusion.Sanitize(exclusions)
			}
			if flags.Changed("theme") {
				cfg.Theme = theme
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			s := schedule.NewScheduler(a.proc, a.history, a.cfg.Location, a.cfg.DefaultTheme)
			applied, err := s.Apply(cfg)
			if err != nil {
				return err
			}
			st.Schedule = applied
			if _, err := a.settings.Save(ctx, st); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Success: schedule set to %s\n", describeSchedule(applied, a.cfg.Location))
			if next := schedule.NextRun(applied, time.Now(), a.cfg.Location); !next.IsZero() {
				fmt.Fprintf(out, "Next run: %s\n", next.Format(time.RFC1123))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&frequency, "frequency", "", "disabled, hourly, twicedaily, daily or weekly")
	cmd.Flags().StringVar(&runTime, "time", "", "time of day as HH:MM")
	cmd.Flags().IntVar(&retention, "retention", 0, "days to keep archives and history (0 keeps everything)")
	cmd.Flags().StringVar(&exclusions, "exclusions", "", "comma or newline separated exclusion patterns")
	cmd.Flags().StringVar(&theme, "theme", "", "theme to export (default: default_theme from config)")
	return cmd
}

func newScheduleRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduled export now",
		Long: `Run the stored schedule's export immediately, in this process, and
apply retention afterwards. The export is recorded with origin "schedule".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.scheduler(ctx)
			if err != nil {
				return err
			}
			j, err := s.RunNow(ctx)
			if err != nil {
				return err
			}
			if j.Status != job.StatusCompleted {
				return fmt.Errorf("scheduled export %s %s: %s (%s)", j.ID, j.Status, j.Message, j.FailureCode)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Success: scheduled export of %s written to %s (%s)\n",
				j.Theme, j.ZipPath, humanize.Bytes(uint64(j.ZipFileSize)))
			return nil
		},
	}
}

type scheduleReport struct {
	Schedule schedule.Config `json:"schedule"`
	Timezone string          `json:"timezone"`
	NextRun  *time.Time      `json:"next_run"`
	Recent   []history.Entry `json:"recent"`

	location *time.Location
}

func newScheduleReportCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the stored schedule, its next run and recent scheduled exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.settings.Load(ctx)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			recent, err := a.history.List(ctx, history.Filter{Origin: job.OriginSchedule, Limit: limit})
			if err != nil {
				return err
			}
			r := scheduleReport{
				Schedule: st.Schedule,
				Timezone: a.cfg.Location.String(),
				Recent:   recent,
				location: a.cfg.Location,
			}
			if next := schedule.NextRun(st.Schedule, time.Now(), a.cfg.Location); !next.IsZero() {
				r.NextRun = &next
			}
			if format == "table" {
				renderSchedule(cmd.OutOrStdout(), r)
				return nil
			}
			return writeFormatted(cmd.OutOrStdout(), format, r)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "recent scheduled exports to include")
	cmd.Flags().StringVar(&format, "format", "table", "table, json or yaml")
	return cmd
}

func describeSchedule(c schedule.Config, loc *time.Location) string {
	switch c.Frequency {
	case schedule.Disabled:
		return "disabled"
	case schedule.Hourly:
		return fmt.Sprintf("hourly at minute %s", c.RunTime[strings.IndexByte(c.RunTime, ':')+1:])
	case schedule.Weekly:
		day := time.Unix(c.Anchor, 0).In(loc).Weekday()
		return fmt.Sprintf("weekly on %s at %s", day, c.RunTime)
	}
	return fmt.Sprintf("%s at %s", c.Frequency, c.RunTime)
}

func renderSchedule(w io.Writer, r scheduleReport) {
	next := "never"
	if r.NextRun != nil {
		next = fmt.Sprintf("%s (%s)", r.NextRun.Format(time.RFC1123), humanize.Time(*r.NextRun))
	}
	theme := r.Schedule.Theme
	if theme == "" {
		theme = "(default)"
	}
	excl := strings.Join(r.Schedule.Exclusions, ", ")
	if excl == "" {
		excl = "-"
	}
	retention := "keep everything"
	if r.Schedule.RetentionDays > 0 {
		retention = strconv.Itoa(r.Schedule.RetentionDays) + " days"
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Setting", "Value"})
	table.Append([]string{"Schedule", describeSchedule(r.Schedule, r.location)})
	table.Append([]string{"Timezone", r.Timezone})
	table.Append([]string{"Theme", theme})
	table.Append([]string{"Exclusions", excl})
	table.Append([]string{"Retention", retention})
	table.Append([]string{"Next run", next})
	table.Render()

	if len(r.Recent) > 0 {
		fmt.Fprintln(w, "Recent scheduled exports:")
		renderHistory(w, r.Recent)
	}
}
