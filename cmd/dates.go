package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// parseDate reads a YYYY-MM-DD flag value as a UTC day.
func parseDate(flag, value string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", flag, err)
	}
	return t, nil
}

// optionalDate is parseDate for filters where an empty value means unbounded.
func optionalDate(flag, value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := parseDate(flag, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// dateRange reads --start-date and --end-date, substituting fallback for an unset flag.
func dateRange(cmd *cobra.Command, fallback time.Time) (time.Time, time.Time, error) {
	start, end := fallback, fallback
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"start-date", &start}, {"end-date", &end}} {
		value, err := cmd.Flags().GetString(f.name)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if value == "" {
			continue
		}
		if *f.dst, err = parseDate(f.name, value); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if start.IsZero() || end.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("--start-date and --end-date are required")
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("--start-date %s is after --end-date %s",
			start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return start, end, nil
}

// yesterday is the default pipeline window.
func yesterday(now time.Time) time.Time {
	y, m, d := now.UTC().AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func addDateRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("start-date", "", "first decision date to include (YYYY-MM-DD)")
	cmd.Flags().String("end-date", "", "last decision date to include (YYYY-MM-DD)")
}
