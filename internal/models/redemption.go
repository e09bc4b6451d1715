package models

// RejectionReason classifies why a scan of this ticket cannot be granted on
// venueDay (YYYY-MM-DD in the venue's time zone). The checks run in the order
// gate staff act on them.
func (v *TicketView) RejectionReason(venueDay string) RedemptionOutcome {
	switch {
	case v == nil:
		return RedemptionInvalid
	case v.Status == TicketStatusUsed:
		return RedemptionAlreadyUsed
	case v.OccursOn.Format("2006-01-02") != venueDay:
		return RedemptionWrongDay
	case !v.AdmitsEntry:
		return RedemptionNotEntry
	default:
		return RedemptionInvalid
	}
}
