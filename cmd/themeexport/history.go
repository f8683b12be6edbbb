package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/themeexport/themeexport/internal/history"
	"github.com/themeexport/themeexport/internal/job"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		result string
		origin string
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if result != "" && !job.Status(result).IsTerminal() {
				return fmt.Errorf("--result must be completed, failed or cancelled, got %q", result)
			}
			switch job.Origin(origin) {
			case "", job.OriginWeb, job.OriginCLI, job.OriginSchedule:
			default:
				return fmt.Errorf("--origin must be web, cli or schedule, got %q", origin)
			}

			a, err := newApp(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.history.List(cmd.Context(), history.Filter{
				Result: job.Status(result),
				Origin: job.Origin(origin),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if format == "table" {
				renderHistory(cmd.OutOrStdout(), entries)
				return nil
			}
			return writeFormatted(cmd.OutOrStdout(), format, entries)
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "filter by result: completed, failed or cancelled")
	cmd.Flags().StringVar(&origin, "origin", "", "filter by origin: web, cli or schedule")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries (0 for all)")
	cmd.Flags().StringVar(&format, "format", "table", "table, json or yaml")

	cmd.AddCommand(newHistoryReportCmd(opts))
	return cmd
}

func newHistoryReportCmd(opts *rootOptions) *cobra.Command {
	var (
		window int
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize recent exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if window < 0 {
				return errors.New("--window must not be negative")
			}
			a, err := newApp(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.history.List(cmd.Context(), history.Filter{})
			if err != nil {
				return err
			}
			report := history.BuildReport(entries, window, time.Now(), limit)
			if format == "table" {
				renderReport(cmd.OutOrStdout(), report)
				return nil
			}
			return writeFormatted(cmd.OutOrStdout(), format, report)
		},
	}
	cmd.Flags().IntVar(&window, "window", 30, "days to cover (0 for all)")
	cmd.Flags().IntVar(&limit, "limit", 10, "latest entries to include")
	cmd.Flags().StringVar(&format, "format", "table", "table, json or yaml")
	return cmd
}

func renderHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No exports recorded.")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Job", "Theme", "Result", "Origin", "Size", "Duration", "Completed"})
	for _, e := range entries {
		table.Append(historyRow(e))
	}
	table.Render()
}

func historyRow(e history.Entry) []string {
	size := "-"
	if e.Result == job.StatusCompleted {
		size = humanize.Bytes(uint64(e.ZipFileSize))
	}
	id := e.JobID
	if len(id) > 8 {
		id = id[:8]
	}
	return []string{
		id,
		e.Theme,
		string(e.Result),
		string(e.Origin),
		size,
		(time.Duration(e.Duration) * time.Second).String(),
		humanize.Time(time.Unix(e.CompletedAt, 0)),
	}
}

func renderReport(w io.Writer, r history.Report) {
	window := "all time"
	if r.WindowDays > 0 {
		window = fmt.Sprintf("last %d days", r.WindowDays)
	}
	fmt.Fprintf(w, "Exports (%s): %d\n", window, r.Total)

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Metric", "Value"})
	summary.Append([]string{"Completed", strconv.Itoa(r.ByResult[job.StatusCompleted])})
	summary.Append([]string{"Failed", strconv.Itoa(r.ByResult[job.StatusFailed])})
	summary.Append([]string{"Cancelled", strconv.Itoa(r.ByResult[job.StatusCancelled])})
	summary.Append([]string{"Success rate", fmt.Sprintf("%.1f%%", r.SuccessRate)})
	summary.Append([]string{"Average duration", (time.Duration(r.AverageDuration * float64(time.Second))).Round(time.Second).String()})
	summary.Append([]string{"Archive bytes", humanize.Bytes(uint64(r.TotalArchiveBytes))})
	for _, o := range []job.Origin{job.OriginWeb, job.OriginCLI, job.OriginSchedule} {
		summary.Append([]string{"Origin " + string(o), strconv.Itoa(r.ByOrigin[o])})
	}
	summary.Render()

	if len(r.Latest) > 0 {
		fmt.Fprintln(w, "Latest:")
		renderHistory(w, r.Latest)
	}
}
