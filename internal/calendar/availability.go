// Package calendar summarizes booking availability from a CalDAV
// calendar.
//
// The calendar is treated as the single source of truth for busy time;
// everything inside configured business hours and outside busy blocks
// is presented as open. Transport and configuration failures propagate
// to the caller — the tool dispatcher translates them into a
// conversational fallback.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/meridianworks/concierge/internal/config"
)

// Availability answers "when are we free" against a CalDAV backend.
type Availability struct {
	client       *caldav.Client
	calendarPath string
	loc          *time.Location
	openHour     int
	closeHour    int
	slotMin      time.Duration
	logger       *slog.Logger

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates an Availability backed by the configured CalDAV endpoint.
func New(cfg config.CalendarConfig, logger *slog.Logger) (*Availability, error) {
	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}

	var hc webdav.HTTPClient = http.DefaultClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(http.DefaultClient, cfg.Username, cfg.Password)
	}

	client, err := caldav.NewClient(hc, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}

	return &Availability{
		client:       client,
		calendarPath: cfg.CalendarPath,
		loc:          loc,
		openHour:     cfg.OpenHour,
		closeHour:    cfg.CloseHour,
		slotMin:      time.Duration(cfg.SlotMinutes) * time.Minute,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Summarize returns a human-readable open-slot summary for the next
// daysAhead days. daysAhead is clamped to 1..14; zero means 7.
func (a *Availability) Summarize(ctx context.Context, daysAhead int) (string, error) {
	switch {
	case daysAhead <= 0:
		daysAhead = 7
	case daysAhead > 14:
		daysAhead = 14
	}

	now := a.now().In(a.loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)
	to := from.AddDate(0, 0, daysAhead)

	busy, err := a.busyIntervals(ctx, from, to)
	if err != nil {
		return "", err
	}

	summary := renderSummary(now, daysAhead, busy, a.loc, a.openHour, a.closeHour, a.slotMin)
	a.logger.Debug("availability summarized",
		"days_ahead", daysAhead,
		"busy_blocks", len(busy),
	)
	return summary, nil
}

// interval is a half-open busy or free time range [start, end).
type interval struct {
	start time.Time
	end   time.Time
}

// busyIntervals queries the calendar for events overlapping [from, to).
func (a *Availability) busyIntervals(ctx context.Context, from, to time.Time) ([]interval, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{{
				Name:     "VEVENT",
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: from,
				End:   to,
			}},
		},
	}

	objects, err := a.client.QueryCalendar(ctx, a.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var busy []interval
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			if status, _ := ev.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
				continue
			}
			start, err := ev.DateTimeStart(a.loc)
			if err != nil {
				continue
			}
			end, err := ev.DateTimeEnd(a.loc)
			if err != nil || !end.After(start) {
				continue
			}
			busy = append(busy, interval{start: start, end: end})
		}
	}
	return mergeIntervals(busy), nil
}

// mergeIntervals sorts and coalesces overlapping or touching intervals.
func mergeIntervals(in []interval) []interval {
	if len(in) <= 1 {
		return in
	}
	sort.Slice(in, func(i, j int) bool { return in[i].start.Before(in[j].start) })

	out := []interval{in[0]}
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if !iv.start.After(last.end) {
			if iv.end.After(last.end) {
				last.end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// freeWindows subtracts busy intervals from [dayStart, dayEnd), keeping
// windows of at least slotMin.
func freeWindows(dayStart, dayEnd time.Time, busy []interval, slotMin time.Duration) []interval {
	var free []interval
	cursor := dayStart

	for _, b := range busy {
		if !b.end.After(dayStart) || !b.start.Before(dayEnd) {
			continue
		}
		if b.start.After(cursor) {
			free = append(free, interval{start: cursor, end: b.start})
		}
		if b.end.After(cursor) {
			cursor = b.end
		}
	}
	if cursor.Before(dayEnd) {
		free = append(free, interval{start: cursor, end: dayEnd})
	}

	var out []interval
	for _, f := range free {
		if f.end.Sub(f.start) >= slotMin {
			out = append(out, f)
		}
	}
	return out
}

// renderSummary formats the open slots per day. Days already fully in
// the past and the elapsed portion of today are excluded.
func renderSummary(now time.Time, daysAhead int, busy []interval, loc *time.Location, openHour, closeHour int, slotMin time.Duration) string {
	var sb strings.Builder
	total := 0

	for d := 0; d < daysAhead; d++ {
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, d)
		dayStart := day.Add(time.Duration(openHour) * time.Hour)
		dayEnd := day.Add(time.Duration(closeHour) * time.Hour)

		// Today's earlier hours are gone already.
		if d == 0 && now.After(dayStart) {
			dayStart = now.Truncate(15 * time.Minute).Add(15 * time.Minute)
		}
		if !dayStart.Before(dayEnd) {
			continue
		}

		windows := freeWindows(dayStart, dayEnd, busy, slotMin)
		if len(windows) == 0 {
			continue
		}
		total += len(windows)

		var parts []string
		for _, w := range windows {
			parts = append(parts, fmt.Sprintf("%s–%s", w.start.Format("15:04"), w.end.Format("15:04")))
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", day.Format("Mon Jan 2"), strings.Join(parts, ", ")))
	}

	if total == 0 {
		return fmt.Sprintf("No open slots in the next %d day(s).", daysAhead)
	}
	return fmt.Sprintf("Open slots over the next %d day(s):\n%s", daysAhead, strings.TrimRight(sb.String(), "\n"))
}
