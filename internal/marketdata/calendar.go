package marketdata

import "time"

const maxLookbackDays = 7

// Calendar knows which dates the exchange trades on.
type Calendar struct {
	holidays map[string]struct{}
}

// NewCalendar builds a calendar that closes on weekends and the given dates.
func NewCalendar(holidays ...time.Time) *Calendar {
	c := &Calendar{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.Format(time.DateOnly)] = struct{}{}
	}
	return c
}

// IsTradingDay reports whether d is a weekday outside the holiday list.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c == nil {
		return true
	}
	_, closed := c.holidays[d.Format(time.DateOnly)]
	return !closed
}

// PreviousTradingDay walks back from the day before ref, at most seven days.
func (c *Calendar) PreviousTradingDay(ref time.Time) (time.Time, bool) {
	d := ref.AddDate(0, 0, -1)
	for i := 0; i < maxLookbackDays; i++ {
		if c.IsTradingDay(d) {
			return d, true
		}
		d = d.AddDate(0, 0, -1)
	}
	return time.Time{}, false
}
