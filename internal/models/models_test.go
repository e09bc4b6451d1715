package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTotalCapacity(t *testing.T) {
	tests := []struct {
		nominal, pct, want int
	}{
		{100, 0, 100},
		{100, 10, 110},
		{10, 15, 11},
		{7, 50, 10},
		{0, 20, 0},
		{-5, 20, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalCapacity(tt.nominal, tt.pct), "nominal=%d pct=%d", tt.nominal, tt.pct)
	}
}

func TestTicketView_Label(t *testing.T) {
	v := TicketView{EventName: "Fest", Venue: "Park", OccursOn: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "Fest - Park - 2026-03-01", v.Label())

	v.Venue = ""
	assert.Equal(t, "Fest - 2026-03-01", v.Label())
}

func TestTicketView_RejectionReason(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	unused := TicketView{Ticket: Ticket{Status: TicketStatusIssuedUnused}, AdmitsEntry: true, OccursOn: day}

	used := unused
	used.Status = TicketStatusUsed

	parking := unused
	parking.AdmitsEntry = false

	usedParking := parking
	usedParking.Status = TicketStatusUsed

	var missing *TicketView

	assert.Equal(t, RedemptionInvalid, missing.RejectionReason("2026-03-01"))
	assert.Equal(t, RedemptionAlreadyUsed, used.RejectionReason("2026-03-01"))
	assert.Equal(t, RedemptionAlreadyUsed, usedParking.RejectionReason("2026-03-02"))
	assert.Equal(t, RedemptionWrongDay, unused.RejectionReason("2026-03-02"))
	assert.Equal(t, RedemptionWrongDay, parking.RejectionReason("2026-03-02"))
	assert.Equal(t, RedemptionNotEntry, parking.RejectionReason("2026-03-01"))
	// Nothing blocks entry.
	assert.Equal(t, RedemptionInvalid, unused.RejectionReason("2026-03-01"))
}
