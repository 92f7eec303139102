package contract

// Snapshot is the committed view of a conversation used for shape checks.
type Snapshot struct {
	State          State
	BookingID      string
	ConflictReason string
}

// CheckFlow returns shape violations for a committed snapshot. An empty slice
// means the snapshot is consistent.
func CheckFlow(s Snapshot) []string {
	var errs []string
	if !s.State.Valid() {
		errs = append(errs, "invalid_booking_status:"+string(s.State))
		return errs
	}
	if s.BookingID != "" && s.State != StateCreated && s.State != StatePendingManager {
		errs = append(errs, "booking_id_requires_created_status")
	}
	if s.State == StateCreated && s.BookingID == "" {
		errs = append(errs, "created_status_requires_booking_id")
	}
	if (s.State == StateBusy || s.State == StateBusyEscalated) && s.ConflictReason == "" {
		errs = append(errs, "busy_status_requires_conflict_reason")
	}
	return errs
}
