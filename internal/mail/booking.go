package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meridianworks/concierge/internal/config"
)

// BookingRequest is the structured outcome of a booking conversation.
type BookingRequest struct {
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Service       string
	PreferredTime string
	Notes         string
}

// Dispatcher delivers booking requests to the business owner's inbox.
type Dispatcher struct {
	cfg      config.SMTPConfig
	business string
	logger   *slog.Logger

	// send is swapped out in tests.
	send func(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error
}

// NewDispatcher creates a Dispatcher for the configured relay.
func NewDispatcher(cfg config.SMTPConfig, businessName string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		business: businessName,
		logger:   logger,
		send:     SendMail,
	}
}

// SendBookingRequest composes and delivers one booking request email.
// The customer's address, when present, goes into Reply-To so the owner
// can answer directly.
func (d *Dispatcher) SendBookingRequest(ctx context.Context, req BookingRequest) error {
	if req.CustomerName == "" {
		return fmt.Errorf("booking request needs a customer name")
	}
	if req.CustomerEmail == "" && req.CustomerPhone == "" {
		return fmt.Errorf("booking request needs an email or phone number")
	}

	opts := ComposeOptions{
		From:    d.cfg.From,
		To:      []string{d.cfg.BookingsTo},
		ReplyTo: req.CustomerEmail,
		Subject: fmt.Sprintf("Booking request: %s", req.CustomerName),
		Body:    renderBookingBody(req, d.business),
	}

	msg, err := ComposeMessage(opts)
	if err != nil {
		return fmt.Errorf("compose booking email: %w", err)
	}

	if err := d.send(ctx, d.cfg, d.cfg.From, []string{d.cfg.BookingsTo}, msg); err != nil {
		return fmt.Errorf("send booking email: %w", err)
	}

	d.logger.Info("booking request dispatched",
		"customer", req.CustomerName,
		"service", req.Service,
	)
	return nil
}

// renderBookingBody formats the request as markdown for ComposeMessage.
func renderBookingBody(req BookingRequest, business string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# New booking request\n\n")
	fmt.Fprintf(&sb, "Received %s via the %s assistant.\n\n", time.Now().Format("Mon, 2 Jan 2006 15:04"), business)
	fmt.Fprintf(&sb, "- **Name:** %s\n", req.CustomerName)
	if req.CustomerEmail != "" {
		fmt.Fprintf(&sb, "- **Email:** %s\n", req.CustomerEmail)
	}
	if req.CustomerPhone != "" {
		fmt.Fprintf(&sb, "- **Phone:** %s\n", req.CustomerPhone)
	}
	if req.Service != "" {
		fmt.Fprintf(&sb, "- **Service:** %s\n", req.Service)
	}
	if req.PreferredTime != "" {
		fmt.Fprintf(&sb, "- **Preferred time:** %s\n", req.PreferredTime)
	}
	if req.Notes != "" {
		fmt.Fprintf(&sb, "\n%s\n", req.Notes)
	}
	return sb.String()
}
