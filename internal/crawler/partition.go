package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Partition controls how a crawl date range is split into search windows.
type Partition string

// Supported partitions.
const (
	PartitionMonthly Partition = "monthly"
	PartitionWeekly  Partition = "weekly"
	PartitionDaily   Partition = "daily"
)

// ParsePartition maps a flag or config value onto a Partition. Empty means monthly.
func ParsePartition(s string) (Partition, error) {
	switch p := Partition(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PartitionMonthly, nil
	case PartitionMonthly, PartitionWeekly, PartitionDaily:
		return p, nil
	default:
		return "", fmt.Errorf("unknown partition %q (want monthly, weekly or daily)", s)
	}
}

// Window is one inclusive date range searched as a unit.
type Window struct {
	Start time.Time
	End   time.Time
	Label string
}

// Contains reports whether day falls inside the window, comparing calendar dates.
func (w Window) Contains(day time.Time) bool {
	d := truncateDay(day)
	return !d.Before(w.Start) && !d.After(w.End)
}

// Partitions splits the inclusive range [start, end] into windows. Monthly windows run from
// the current day to one month later minus a day, weekly windows span 7 days and daily windows
// one day; the last window is clipped to end.
func Partitions(start, end time.Time, p Partition) []Window {
	start, end = truncateDay(start), truncateDay(end)
	var windows []Window
	for current := start; !current.After(end); {
		var next time.Time
		switch p {
		case PartitionWeekly:
			next = current.AddDate(0, 0, 7)
		case PartitionDaily:
			next = current.AddDate(0, 0, 1)
		default:
			next = current.AddDate(0, 1, 0)
		}
		windowEnd := next.AddDate(0, 0, -1)
		if windowEnd.After(end) {
			windowEnd = end
		}
		windows = append(windows, Window{Start: current, End: windowEnd, Label: label(current, p)})
		current = next
	}
	return windows
}

func label(start time.Time, p Partition) string {
	if p == PartitionWeekly || p == PartitionDaily {
		return start.Format("2006-01-02")
	}
	return start.Format("2006-01")
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// siteDate formats a date the way the search form expects: D/M/YYYY without zero padding.
func siteDate(t time.Time) string {
	return fmt.Sprintf("%d/%d/%d", t.Day(), int(t.Month()), t.Year())
}
