package tools

import (
	"context"
	"fmt"

	"github.com/meridianworks/concierge/internal/mail"
)

// BookingSender delivers a booking request to the business owner.
type BookingSender interface {
	SendBookingRequest(ctx context.Context, req mail.BookingRequest) error
}

// RegisterRequestBooking adds the request_booking tool. The tool does
// not confirm appointments; it forwards the request for the owner to
// confirm, and the result text says so.
func RegisterRequestBooking(r *Registry, sender BookingSender) {
	r.Register(&Tool{
		Name:        "request_booking",
		Description: "Send a booking request to the business. Collect the customer's name, an email or phone number, the service, and a preferred time before calling this. The business confirms separately; do not promise a confirmed slot.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"customer_name": map[string]any{
					"type":        "string",
					"description": "Customer's full name",
				},
				"customer_email": map[string]any{
					"type":        "string",
					"description": "Customer's email address",
				},
				"customer_phone": map[string]any{
					"type":        "string",
					"description": "Customer's phone number",
				},
				"service": map[string]any{
					"type":        "string",
					"description": "Requested service",
				},
				"preferred_time": map[string]any{
					"type":        "string",
					"description": "Preferred date and time, in the customer's words",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Anything else the business should know",
				},
			},
			"required": []string{"customer_name", "service", "preferred_time"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			req := mail.BookingRequest{
				CustomerName:  stringArg(args, "customer_name"),
				CustomerEmail: stringArg(args, "customer_email"),
				CustomerPhone: stringArg(args, "customer_phone"),
				Service:       stringArg(args, "service"),
				PreferredTime: stringArg(args, "preferred_time"),
				Notes:         stringArg(args, "notes"),
			}
			if err := sender.SendBookingRequest(ctx, req); err != nil {
				return Result{}, fmt.Errorf("send booking request: %w", err)
			}
			return Result{Text: "Booking request sent. Tell the user the business will confirm the appointment by email or phone."}, nil
		},
	})
}
