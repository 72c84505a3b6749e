// Package markethours answers whether an exchange session is open.
package markethours

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Session is one exchange's regular trading window in its local time zone.
type Session struct {
	loc      *time.Location
	open     time.Duration // offset from local midnight
	close    time.Duration
	holidays map[string]bool
}

// New builds a session from a zone name and "15:04" open/close times.
// Holidays are "2006-01-02" dates in the session's zone.
func New(tz, open, close string, holidays []string) (*Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, err
	}
	if c <= o {
		return nil, fmt.Errorf("session close %s is not after open %s", close, open)
	}

	s := &Session{loc: loc, open: o, close: c, holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		d, err := time.Parse(dateLayout, h)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		s.holidays[d.Format(dateLayout)] = true
	}
	return s, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the session's time zone.
func (s *Session) Location() *time.Location { return s.loc }

// IsHoliday reports whether t's local date is a configured holiday.
func (s *Session) IsHoliday(t time.Time) bool {
	return s.holidays[t.In(s.loc).Format(dateLayout)]
}

// IsTradingDay returns true if t is Mon–Fri and not a holiday.
func (s *Session) IsTradingDay(t time.Time) bool {
	local := t.In(s.loc)
	wd := local.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !s.IsHoliday(local)
}

// IsOpen returns true if t falls within [open, close) on a trading day.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	local := t.In(s.loc)
	since := local.Sub(s.midnight(local))
	return since >= s.open && since < s.close
}

func (s *Session) midnight(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
}

// NextOpen returns the next session open strictly after t, or today's open
// when t is before it on a trading day.
func (s *Session) NextOpen(t time.Time) time.Time {
	local := t.In(s.loc)
	day := s.midnight(local)
	for i := 0; i < 15; i++ { // long weekends plus holiday clusters
		if s.IsTradingDay(day) {
			open := day.Add(s.open)
			if open.After(local) {
				return open
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, s.loc)
	}
	return day.Add(s.open)
}

// TimeUntilClose returns the duration until today's close, 0 when closed.
func (s *Session) TimeUntilClose(t time.Time) time.Duration {
	if !s.IsOpen(t) {
		return 0
	}
	local := t.In(s.loc)
	return s.midnight(local).Add(s.close).Sub(local)
}

// Status returns a human-readable session status.
func (s *Session) Status(t time.Time) string {
	if s.IsOpen(t) {
		return fmt.Sprintf("open, closes in %s", fmtDur(s.TimeUntilClose(t)))
	}
	next := s.NextOpen(t)
	return fmt.Sprintf("closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
