package schedule

import (
	"errors"
	"testing"
	"time"
)

func at(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ref  string
		want string
	}{
		{"hourly later this hour", Config{Frequency: Hourly, RunTime: "08:30"}, "2023-10-10 09:15", "2023-10-10 09:30"},
		{"hourly rolls to next hour", Config{Frequency: Hourly, RunTime: "08:30"}, "2023-10-10 09:45", "2023-10-10 10:30"},
		{"hourly exact minute", Config{Frequency: Hourly, RunTime: "08:30"}, "2023-10-10 09:30", "2023-10-10 10:30"},
		{"hourly over midnight", Config{Frequency: Hourly, RunTime: "00:10"}, "2023-12-31 23:50", "2024-01-01 00:10"},
		{"twicedaily morning", Config{Frequency: TwiceDaily, RunTime: "06:00"}, "2023-10-10 05:00", "2023-10-10 06:00"},
		{"twicedaily evening", Config{Frequency: TwiceDaily, RunTime: "06:00"}, "2023-10-10 07:00", "2023-10-10 18:00"},
		{"twicedaily past evening", Config{Frequency: TwiceDaily, RunTime: "06:00"}, "2023-10-10 19:00", "2023-10-11 06:00"},
		{"twicedaily afternoon run time", Config{Frequency: TwiceDaily, RunTime: "15:00"}, "2023-10-10 01:00", "2023-10-10 03:00"},
		{"daily later today", Config{Frequency: Daily, RunTime: "14:45"}, "2023-09-12 10:00", "2023-09-12 14:45"},
		{"daily already past", Config{Frequency: Daily, RunTime: "14:45"}, "2023-09-12 15:00", "2023-09-13 14:45"},
		{"weekly same weekday past", Config{Frequency: Weekly, RunTime: "09:10"}, "2023-08-01 12:00", "2023-08-08 09:10"},
		{"weekly same weekday ahead", Config{Frequency: Weekly, RunTime: "09:10"}, "2023-08-01 08:00", "2023-08-01 09:10"},
		// Anchor on a Friday.
		{"weekly anchored", Config{Frequency: Weekly, RunTime: "09:10", Anchor: time.Date(2023, 7, 28, 0, 0, 0, 0, time.UTC).Unix()}, "2023-08-01 12:00", "2023-08-04 09:10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextRun(tt.cfg, at(t, tt.ref), time.UTC)
			if want := at(t, tt.want); !got.Equal(want) {
				t.Errorf("NextRun = %s, want %s", got.Format(time.DateTime), want.Format(time.DateTime))
			}
		})
	}
}

func TestNextRun_Disabled(t *testing.T) {
	t.Parallel()
	if got := NextRun(Config{Frequency: Disabled, RunTime: "10:00"}, time.Now(), nil); !got.IsZero() {
		t.Errorf("NextRun = %v, want zero time", got)
	}
	if got := NextRun(Config{Frequency: Daily, RunTime: "bad"}, time.Now(), nil); !got.IsZero() {
		t.Errorf("NextRun with bad run_time = %v, want zero time", got)
	}
}

func TestNextRun_Location(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*60*60)
	ref := time.Date(2023, 9, 12, 13, 0, 0, 0, time.UTC) // 15:00 local
	got := NextRun(Config{Frequency: Daily, RunTime: "14:45"}, ref, loc)
	want := time.Date(2023, 9, 13, 14, 45, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", Default(), false},
		{"daily", Config{Frequency: Daily, RunTime: "23:59"}, false},
		{"single digit hour", Config{Frequency: Daily, RunTime: "7:05"}, false},
		{"unknown frequency", Config{Frequency: "monthly", RunTime: "10:00"}, true},
		{"empty frequency", Config{RunTime: "10:00"}, true},
		{"hour out of range", Config{Frequency: Daily, RunTime: "24:00"}, true},
		{"minute out of range", Config{Frequency: Daily, RunTime: "10:60"}, true},
		{"no colon", Config{Frequency: Daily, RunTime: "1000"}, true},
		{"one digit minute", Config{Frequency: Daily, RunTime: "10:5"}, true},
		{"negative retention", Config{Frequency: Daily, RunTime: "10:00", RetentionDays: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("error %v does not wrap ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestRule_Next(t *testing.T) {
	t.Parallel()
	r := Rule{Config: Config{Frequency: Daily, RunTime: "14:45"}, Location: time.UTC}
	got := r.Next(at(t, "2023-09-12 15:00"))
	if want := at(t, "2023-09-13 14:45"); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}
