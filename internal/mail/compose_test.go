package mail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/meridianworks/concierge/internal/config"
)

func TestComposeMessageStructure(t *testing.T) {
	msg, err := ComposeMessage(ComposeOptions{
		From:    "Concierge <noreply@example.com>",
		To:      []string{"owner@example.com"},
		ReplyTo: "customer@example.net",
		Subject: "Booking request: Ada",
		Body:    "# Hello\n\nA **bold** line and a [link](https://example.com).",
	})
	if err != nil {
		t.Fatalf("ComposeMessage: %v", err)
	}

	s := string(msg)
	for _, want := range []string{
		"<noreply@example.com>",
		"To: <owner@example.com>",
		"Reply-To: <customer@example.net>",
		"Subject: Booking request: Ada",
		"Message-Id:",
		"multipart/alternative",
		"text/plain",
		"text/html",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("message missing %q", want)
		}
	}
	// The HTML part carries the rendered markdown.
	if !strings.Contains(s, "<strong>bold</strong>") {
		t.Error("markdown not rendered in html part")
	}
}

func TestComposeMessageRejectsBadAddress(t *testing.T) {
	_, err := ComposeMessage(ComposeOptions{
		From:    "not an address",
		To:      []string{"owner@example.com"},
		Subject: "x",
		Body:    "x",
	})
	if err == nil {
		t.Fatal("expected error for malformed from address")
	}
}

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"**bold** and *italic*", "bold and italic"},
		{"# Heading\n\nbody", "Heading\n\nbody"},
		{"see [docs](https://example.com)", "see docs (https://example.com)"},
		{"`code` inline", "code inline"},
		{"- item one\n- item two", "- item one\n- item two"},
	}
	for _, tc := range tests {
		if got := markdownToPlain(tc.in); got != tc.want {
			t.Errorf("markdownToPlain(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Ada <ada@example.com>", "ada@example.com"},
		{"ada@example.com", "ada@example.com"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := extractAddress(tc.in); got != tc.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSendBookingRequest(t *testing.T) {
	cfg := config.SMTPConfig{
		Host:       "mail.example.com",
		Port:       587,
		StartTLS:   true,
		From:       "noreply@example.com",
		BookingsTo: "owner@example.com",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("delivers composed message", func(t *testing.T) {
		d := NewDispatcher(cfg, "Willow Studio", logger)
		var gotRecipients []string
		var gotMsg []byte
		d.send = func(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error {
			gotRecipients = recipients
			gotMsg = msg
			return nil
		}

		err := d.SendBookingRequest(context.Background(), BookingRequest{
			CustomerName:  "Ada Lovelace",
			CustomerEmail: "ada@example.net",
			Service:       "Deep tissue massage",
			PreferredTime: "Thursday afternoon",
		})
		if err != nil {
			t.Fatalf("SendBookingRequest: %v", err)
		}
		if len(gotRecipients) != 1 || gotRecipients[0] != "owner@example.com" {
			t.Errorf("recipients = %v", gotRecipients)
		}
		s := string(gotMsg)
		for _, want := range []string{"Ada Lovelace", "Deep tissue massage", "Thursday afternoon", "Reply-To: <ada@example.net>"} {
			if !strings.Contains(s, want) {
				t.Errorf("message missing %q", want)
			}
		}
	})

	t.Run("requires contact details", func(t *testing.T) {
		d := NewDispatcher(cfg, "Willow Studio", logger)
		d.send = func(context.Context, config.SMTPConfig, string, []string, []byte) error {
			t.Fatal("send called for invalid request")
			return nil
		}
		err := d.SendBookingRequest(context.Background(), BookingRequest{CustomerName: "Ada"})
		if err == nil {
			t.Fatal("expected error without email or phone")
		}
	})

	t.Run("relay failure propagates", func(t *testing.T) {
		d := NewDispatcher(cfg, "Willow Studio", logger)
		d.send = func(context.Context, config.SMTPConfig, string, []string, []byte) error {
			return fmt.Errorf("connection refused")
		}
		err := d.SendBookingRequest(context.Background(), BookingRequest{
			CustomerName:  "Ada",
			CustomerPhone: "+1 555 0100",
		})
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("err = %v", err)
		}
	})
}
