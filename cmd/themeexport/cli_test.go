package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/themeexport/themeexport/internal/history"
	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/patterns"
	"github.com/themeexport/themeexport/internal/processor"
	"github.com/themeexport/themeexport/internal/schedule"
	"github.com/themeexport/themeexport/internal/settings"
)

// setupEnv points the CLI at a temporary install with one theme, "demo".
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"themes/demo/style.css":               "body{}",
		"themes/demo/functions.php":           "<?php",
		"themes/demo/patterns/hero.html":      `<a href="https://example.com/about">About</a>`,
		"themes/demo/node_modules/x/index.js": "x",
	}
	for p, body := range files {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Setenv("THEMEEXPORT_CONFIG", "")
	t.Setenv("THEMEEXPORT_DB_PATH", filepath.Join(dir, "test.db"))
	t.Setenv("THEMEEXPORT_THEMES_DIR", filepath.Join(dir, "themes"))
	t.Setenv("THEMEEXPORT_EXPORT_DIR", filepath.Join(dir, "exports"))
	t.Setenv("THEMEEXPORT_DEFAULT_THEME", "demo")
	t.Setenv("THEMEEXPORT_SETTINGS_SECRET", "s3cret")
	t.Setenv("THEMEEXPORT_SITE_URL", "https://example.com")
	t.Setenv("THEMEEXPORT_REDIS_ADDR", "")
	t.Setenv("THEMEEXPORT_WEBHOOK_URL", "")
	t.Setenv("THEMEEXPORT_SENTRY_DSN", "")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level=error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("%s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func listHistory(t *testing.T, args ...string) []history.Entry {
	t.Helper()
	out := mustRun(t, append([]string{"export", "history", "--format=json"}, args...)...)
	var entries []history.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode history: %v\n%s", err, out)
	}
	return entries
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestExportTheme(t *testing.T) {
	dir := setupEnv(t)

	out := mustRun(t, "export", "theme", "--exclusions=node_modules", "--batch=1")
	if !strings.Contains(out, "Success: exported demo") {
		t.Errorf("output = %q", out)
	}

	entries := listHistory(t)
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Result != job.StatusCompleted || e.Origin != job.OriginCLI {
		t.Errorf("entry result=%s origin=%s", e.Result, e.Origin)
	}
	if !strings.HasPrefix(e.User, "cli") {
		t.Errorf("user = %q", e.User)
	}

	got := zipNames(t, filepath.Join(dir, "exports", e.ZipFileName))
	want := []string{"functions.php", "patterns/", "patterns/hero.html", "style.css"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("zip entries mismatch (-want +got):\n%s", diff)
	}
}

func TestExportTheme_Errors(t *testing.T) {
	setupEnv(t)

	if _, err := runCLI(t, "export", "theme", "missing"); err == nil {
		t.Error("missing theme: expected error")
	}
	if _, err := runCLI(t, "export", "theme", "../etc"); err == nil {
		t.Error("traversal: expected error")
	}
	if _, err := runCLI(t, "export", "theme", "a", "b"); err == nil {
		t.Error("two args: expected error")
	}
}

func TestHistory_InvalidFilters(t *testing.T) {
	setupEnv(t)

	tests := [][]string{
		{"export", "history", "--result=processing"},
		{"export", "history", "--origin=cron"},
		{"export", "history", "--format=xml"},
		{"export", "history", "report", "--window=-1"},
	}
	for _, args := range tests {
		if _, err := runCLI(t, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestHistoryReport(t *testing.T) {
	setupEnv(t)
	mustRun(t, "export", "theme")

	out := mustRun(t, "export", "history", "report", "--format=json")
	var r history.Report
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if r.Total != 1 || r.SuccessRate != 100 {
		t.Errorf("report total=%d success=%v", r.Total, r.SuccessRate)
	}

	table := mustRun(t, "export", "history", "report")
	if !strings.Contains(table, "Exports (last 30 days): 1") {
		t.Errorf("table output = %q", table)
	}
}

func TestSettingsExportImport(t *testing.T) {
	dir := setupEnv(t)
	pkgPath := filepath.Join(dir, "settings.json")

	mustRun(t, "export", "schedule", "set", "--frequency=daily", "--time=02:15")
	out := mustRun(t, "export", "settings", "export", "--output="+pkgPath)
	if !strings.Contains(out, "Success: settings exported") {
		t.Errorf("output = %q", out)
	}

	// Reset the schedule, then restore it from the package.
	mustRun(t, "export", "schedule", "set", "--frequency=disabled")
	mustRun(t, "export", "settings", "import", pkgPath)

	var st settings.Settings
	if err := json.Unmarshal([]byte(mustRun(t, "export", "settings", "show")), &st); err != nil {
		t.Fatal(err)
	}
	if st.Schedule.Frequency != schedule.Daily || st.Schedule.RunTime != "02:15" {
		t.Errorf("schedule after import = %+v", st.Schedule)
	}
}

func TestSettingsImport_SignatureMismatch(t *testing.T) {
	dir := setupEnv(t)
	pkgPath := filepath.Join(dir, "settings.json")
	mustRun(t, "export", "settings", "export", "--output="+pkgPath)

	t.Setenv("THEMEEXPORT_SETTINGS_SECRET", "another-secret")
	out, err := runCLI(t, "export", "settings", "import", pkgPath)
	if !errors.Is(err, settings.ErrSignatureMismatch) {
		t.Fatalf("err = %v, want ErrSignatureMismatch", err)
	}
	if !strings.Contains(out, "Warning:") || !strings.Contains(out, `"valid": false`) {
		t.Errorf("output = %q", out)
	}
}

func TestSettingsExport_NoSecret(t *testing.T) {
	setupEnv(t)
	t.Setenv("THEMEEXPORT_SETTINGS_SECRET", "")

	if _, err := runCLI(t, "export", "settings", "export"); !errors.Is(err, settings.ErrNoSecret) {
		t.Errorf("err = %v, want ErrNoSecret", err)
	}
}

func TestScheduleSet_InvalidKeepsStored(t *testing.T) {
	setupEnv(t)
	mustRun(t, "export", "schedule", "set", "--frequency=daily", "--time=03:30", "--retention=7")

	tests := [][]string{
		{"--time=25:00"},
		{"--frequency=monthly"},
		{"--retention=-1"},
	}
	for _, flags := range tests {
		_, err := runCLI(t, append([]string{"export", "schedule", "set"}, flags...)...)
		if !errors.Is(err, schedule.ErrInvalidConfiguration) {
			t.Errorf("%v: err = %v, want ErrInvalidConfiguration", flags, err)
		}
	}

	out := mustRun(t, "export", "schedule", "report", "--format=json")
	var r struct {
		Schedule schedule.Config `json:"schedule"`
		NextRun  *string         `json:"next_run"`
	}
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatal(err)
	}
	if r.Schedule.Frequency != schedule.Daily || r.Schedule.RunTime != "03:30" || r.Schedule.RetentionDays != 7 {
		t.Errorf("stored schedule = %+v", r.Schedule)
	}
	if r.NextRun == nil {
		t.Error("next_run missing for an enabled schedule")
	}
}

func TestScheduleSet_WeeklyAnchors(t *testing.T) {
	setupEnv(t)
	out := mustRun(t, "export", "schedule", "set", "--frequency=weekly", "--time=04:00")
	if !strings.Contains(out, "weekly on") {
		t.Errorf("output = %q", out)
	}

	var st settings.Settings
	if err := json.Unmarshal([]byte(mustRun(t, "export", "settings", "show")), &st); err != nil {
		t.Fatal(err)
	}
	if st.Schedule.Anchor == 0 {
		t.Error("weekly schedule stored without an anchor")
	}
}

func TestScheduleRun(t *testing.T) {
	setupEnv(t)
	mustRun(t, "export", "schedule", "set", "--exclusions=node_modules, patterns")

	out := mustRun(t, "export", "schedule", "run")
	if !strings.Contains(out, "Success: scheduled export of demo") {
		t.Errorf("output = %q", out)
	}

	entries := listHistory(t, "--origin=schedule")
	if len(entries) != 1 {
		t.Fatalf("scheduled entries = %d, want 1", len(entries))
	}
	if diff := cmp.Diff([]string{"node_modules", "patterns"}, entries[0].Exclusions); diff != "" {
		t.Errorf("exclusions mismatch (-want +got):\n%s", diff)
	}

	table := mustRun(t, "export", "schedule", "report")
	if !strings.Contains(table, "Recent scheduled exports:") {
		t.Errorf("report = %q", table)
	}
}

func TestExportPatterns(t *testing.T) {
	dir := setupEnv(t)

	var doc patterns.Document
	if err := json.Unmarshal([]byte(mustRun(t, "export", "patterns", "--portable")), &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Patterns) != 1 || !doc.Portable {
		t.Fatalf("document = %+v", doc)
	}
	if want := patterns.SitePlaceholder + "/about"; !strings.Contains(doc.Patterns[0].Content, want) {
		t.Errorf("content = %q, want %q inside", doc.Patterns[0].Content, want)
	}

	outPath := filepath.Join(dir, "patterns.yaml")
	out := mustRun(t, "export", "patterns", "--format=yaml", "-o", outPath)
	if !strings.Contains(out, "Success: exported 1 patterns") {
		t.Errorf("output = %q", out)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "theme: demo") {
		t.Errorf("yaml = %q", data)
	}
}

func TestWriteFormatted(t *testing.T) {
	t.Parallel()
	v := struct {
		JobID string `json:"job_id"`
		Items int    `json:"items"`
	}{"abc", 3}

	var buf bytes.Buffer
	if err := writeFormatted(&buf, "yaml", v); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("items: 3\njob_id: abc\n", buf.String()); diff != "" {
		t.Errorf("yaml mismatch (-want +got):\n%s", diff)
	}

	if err := writeFormatted(&buf, "toml", v); err == nil {
		t.Error("unknown format: expected error")
	}
}

func TestCancelExport_AfterInterrupt(t *testing.T) {
	setupEnv(t)
	a, err := newApp(context.Background(), "")
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	j, err := a.proc.Create(context.Background(), processor.CreateRequest{Theme: "demo", Origin: job.OriginCLI})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cancelExport(ctx, a.proc, j.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelExport error = %v, want context.Canceled", err)
	}
	got, err := a.proc.Store().Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}
