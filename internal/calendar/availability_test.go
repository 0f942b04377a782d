package calendar

import (
	"strings"
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestMergeIntervals(t *testing.T) {
	day := "2026-03-02 "
	iv := func(start, end string) interval {
		return interval{start: mustTime(t, day+start), end: mustTime(t, day+end)}
	}

	tests := []struct {
		name string
		in   []interval
		want []interval
	}{
		{
			name: "disjoint stay separate",
			in:   []interval{iv("09:00", "10:00"), iv("11:00", "12:00")},
			want: []interval{iv("09:00", "10:00"), iv("11:00", "12:00")},
		},
		{
			name: "overlapping coalesce",
			in:   []interval{iv("09:00", "10:30"), iv("10:00", "11:00")},
			want: []interval{iv("09:00", "11:00")},
		},
		{
			name: "touching coalesce",
			in:   []interval{iv("09:00", "10:00"), iv("10:00", "11:00")},
			want: []interval{iv("09:00", "11:00")},
		},
		{
			name: "unsorted input",
			in:   []interval{iv("13:00", "14:00"), iv("09:00", "10:00")},
			want: []interval{iv("09:00", "10:00"), iv("13:00", "14:00")},
		},
		{
			name: "contained interval absorbed",
			in:   []interval{iv("09:00", "12:00"), iv("10:00", "11:00")},
			want: []interval{iv("09:00", "12:00")},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mergeIntervals(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d intervals, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if !got[i].start.Equal(tc.want[i].start) || !got[i].end.Equal(tc.want[i].end) {
					t.Errorf("interval %d = %v..%v, want %v..%v",
						i, got[i].start, got[i].end, tc.want[i].start, tc.want[i].end)
				}
			}
		})
	}
}

func TestFreeWindows(t *testing.T) {
	day := "2026-03-02 "
	at := func(hm string) time.Time { return mustTime(t, day+hm) }
	iv := func(start, end string) interval {
		return interval{start: at(start), end: at(end)}
	}

	open := at("09:00")
	close := at("17:00")
	slot := 30 * time.Minute

	t.Run("no busy means whole day", func(t *testing.T) {
		got := freeWindows(open, close, nil, slot)
		if len(got) != 1 || !got[0].start.Equal(open) || !got[0].end.Equal(close) {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("busy splits the day", func(t *testing.T) {
		busy := []interval{iv("11:00", "12:00"), iv("14:00", "15:30")}
		got := freeWindows(open, close, busy, slot)
		want := []interval{iv("09:00", "11:00"), iv("12:00", "14:00"), iv("15:30", "17:00")}
		if len(got) != len(want) {
			t.Fatalf("got %d windows, want %d: %+v", len(got), len(want), got)
		}
		for i := range got {
			if !got[i].start.Equal(want[i].start) || !got[i].end.Equal(want[i].end) {
				t.Errorf("window %d = %v..%v", i, got[i].start, got[i].end)
			}
		}
	})

	t.Run("gaps shorter than a slot are dropped", func(t *testing.T) {
		busy := []interval{iv("09:00", "12:45"), iv("13:00", "17:00")}
		got := freeWindows(open, close, busy, slot)
		if len(got) != 0 {
			t.Fatalf("15-minute gap survived: %+v", got)
		}
	})

	t.Run("busy spilling past business hours", func(t *testing.T) {
		busy := []interval{iv("08:00", "10:00"), iv("16:00", "18:00")}
		got := freeWindows(open, close, busy, slot)
		if len(got) != 1 || !got[0].start.Equal(at("10:00")) || !got[0].end.Equal(at("16:00")) {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("fully booked day", func(t *testing.T) {
		got := freeWindows(open, close, []interval{iv("09:00", "17:00")}, slot)
		if len(got) != 0 {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestRenderSummary(t *testing.T) {
	loc := time.UTC
	// A Monday morning before opening.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, loc)
	slot := 30 * time.Minute

	t.Run("empty calendar lists full days", func(t *testing.T) {
		got := renderSummary(now, 2, nil, loc, 9, 17, slot)
		if !strings.Contains(got, "Mon Mar 2: 09:00–17:00") {
			t.Errorf("missing Monday line:\n%s", got)
		}
		if !strings.Contains(got, "Tue Mar 3: 09:00–17:00") {
			t.Errorf("missing Tuesday line:\n%s", got)
		}
	})

	t.Run("busy block splits a day line", func(t *testing.T) {
		busy := []interval{{
			start: time.Date(2026, 3, 2, 12, 0, 0, 0, loc),
			end:   time.Date(2026, 3, 2, 13, 0, 0, 0, loc),
		}}
		got := renderSummary(now, 1, busy, loc, 9, 17, slot)
		if !strings.Contains(got, "09:00–12:00, 13:00–17:00") {
			t.Errorf("unexpected summary:\n%s", got)
		}
	})

	t.Run("mid-day now trims the morning", func(t *testing.T) {
		afternoon := time.Date(2026, 3, 2, 14, 10, 0, 0, loc)
		got := renderSummary(afternoon, 1, nil, loc, 9, 17, slot)
		if strings.Contains(got, "09:00") {
			t.Errorf("elapsed morning offered:\n%s", got)
		}
		if !strings.Contains(got, "14:15–17:00") {
			t.Errorf("expected remainder of today:\n%s", got)
		}
	})

	t.Run("fully booked horizon", func(t *testing.T) {
		busy := []interval{{
			start: time.Date(2026, 3, 2, 0, 0, 0, 0, loc),
			end:   time.Date(2026, 3, 4, 0, 0, 0, 0, loc),
		}}
		got := renderSummary(now, 2, busy, loc, 9, 17, slot)
		if !strings.Contains(got, "No open slots") {
			t.Errorf("expected no-slots message, got:\n%s", got)
		}
	})
}
