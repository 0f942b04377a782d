package tools

import (
	"context"
	"fmt"

	"github.com/meridianworks/concierge/internal/calendar"
)

// RegisterCheckAvailability adds the check_availability tool backed by
// the booking calendar.
func RegisterCheckAvailability(r *Registry, avail *calendar.Availability) {
	r.Register(&Tool{
		Name:        "check_availability",
		Description: "List open appointment slots over the coming days. Use this whenever the user asks about availability or wants to book.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days_ahead": map[string]any{
					"type":        "integer",
					"description": "How many days ahead to check, 1-14 (default 7)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			days := intArg(args, "days_ahead", 0)
			summary, err := avail.Summarize(ctx, days)
			if err != nil {
				return Result{}, fmt.Errorf("check calendar: %w", err)
			}
			return Result{Text: summary}, nil
		},
	})
}
