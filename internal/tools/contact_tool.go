package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-vcard"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/meridianworks/concierge/internal/config"
)

// ContactCard is the attachment payload produced by get_contact_card.
// The engine forwards it verbatim; clients render the QR image and
// offer the vCard for download.
type ContactCard struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	VCard    string `json:"vcard"`
	QRPNG    string `json:"qr_png_base64"`
}

// RegisterContactCard adds the get_contact_card tool. It is pure
// configuration: no collaborator can fail, so the handler only errors
// on encoding problems.
func RegisterContactCard(r *Registry, biz config.BusinessConfig) {
	r.Register(&Tool{
		Name:        "get_contact_card",
		Description: "Produce the business's contact card (vCard plus QR code) for the user to save. Use when the user asks how to reach or find the business.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			card, err := buildContactCard(biz)
			if err != nil {
				return Result{}, err
			}

			text := fmt.Sprintf("Contact card for %s attached.", biz.Name)
			if biz.Phone != "" || biz.Email != "" {
				text += fmt.Sprintf(" Summary: phone %s, email %s.", orDash(biz.Phone), orDash(biz.Email))
			}
			return Result{Text: text, Attachment: card}, nil
		},
	})
}

// buildContactCard encodes the business details as a vCard 4.0 and a QR
// code carrying the same payload.
func buildContactCard(biz config.BusinessConfig) (*ContactCard, error) {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, biz.Name)
	card.SetValue(vcard.FieldOrganization, biz.Name)
	if biz.Email != "" {
		card.SetValue(vcard.FieldEmail, biz.Email)
	}
	if biz.Phone != "" {
		card.SetValue(vcard.FieldTelephone, biz.Phone)
	}
	if biz.Website != "" {
		card.SetValue(vcard.FieldURL, biz.Website)
	}
	if biz.Address != "" {
		card.SetAddress(&vcard.Address{StreetAddress: biz.Address})
	}
	vcard.ToV4(card)

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, fmt.Errorf("encode vcard: %w", err)
	}
	text := buf.String()

	png, err := qrcode.Encode(text, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}

	return &ContactCard{
		Type:     "contact_card",
		Filename: "contact.vcf",
		VCard:    text,
		QRPNG:    base64.StdEncoding.EncodeToString(png),
	}, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
