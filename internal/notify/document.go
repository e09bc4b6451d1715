// Package notify delivers issued credentials to buyers: it renders the
// credential document, mails it and retries unsent deliveries from the
// order's outbox row until they go through.
package notify

import (
	"bytes"
	"fmt"

	"ticket-service/internal/models"

	"github.com/phpdave11/gofpdf"
)

// RenderCredentials builds a PDF with one page per ticket
func RenderCredentials(order *models.Order, tickets []models.TicketView) ([]byte, error) {
	if len(tickets) == 0 {
		return nil, fmt.Errorf("order %s has no tickets to render", order.ExternalReference)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Tickets "+order.ExternalReference, false)

	for i, t := range tickets {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 18)
		pdf.Cell(0, 10, t.EventName)
		pdf.Ln(12)

		pdf.SetFont("Helvetica", "", 12)
		rows := []string{
			"Venue    : " + safe(t.Venue, "-"),
			"Date     : " + t.OccursOn.Format("2006-01-02"),
			"Category : " + safe(t.CategoryName, t.CategorySlug),
			"Ticket   : " + t.ID,
			"Order    : " + order.ExternalReference,
			fmt.Sprintf("Page     : %d of %d", i+1, len(tickets)),
		}
		for _, r := range rows {
			pdf.Cell(0, 7, r)
			pdf.Ln(7)
		}

		pdf.Ln(6)
		pdf.SetFont("Courier", "", 9)
		pdf.MultiCell(0, 5, t.Token, "1", "", false)

		if !t.AdmitsEntry {
			pdf.Ln(4)
			pdf.SetFont("Helvetica", "I", 10)
			pdf.MultiCell(0, 6, "This credential does not admit entry to the venue.", "", "", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render credentials: %w", err)
	}
	return buf.Bytes(), nil
}

func safe(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
