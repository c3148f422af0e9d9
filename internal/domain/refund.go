package domain

import (
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// StartsAt combines the event's date and start time in its own timezone.
// fallbackTZ is used when the event carries none.
func (e EventSchedule) StartsAt(fallbackTZ string) (time.Time, error) {
	tz := e.Timezone
	if tz == "" {
		tz = fallbackTZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "load timezone %q", tz)
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", e.Date+" "+e.StartTime, loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse event start %q %q", e.Date, e.StartTime)
	}
	return t, nil
}

// CheckRefundable enforces ownership, state and time boundaries for a refund
// request. The event must start strictly after now.
func CheckRefundable(p Purchase, requester uuid.UUID, eventStart, now time.Time) error {
	if p.BuyerID != requester {
		return errors.WithHint(ErrNotRefundable, "purchase does not belong to requester")
	}
	if p.Status != StatusCompleted {
		return errors.WithHintf(ErrNotRefundable, "purchase is %s", p.Status)
	}
	if !eventStart.After(now) {
		return errors.WithHint(ErrNotRefundable, "cannot refund tickets for events that have already started")
	}
	return nil
}
