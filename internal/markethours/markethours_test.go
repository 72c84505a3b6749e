package markethours

import (
	"strings"
	"testing"
	"time"
)

func utcSession(t *testing.T, holidays ...string) *Session {
	t.Helper()
	s, err := New("UTC", "09:30", "16:00", holidays)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestIsOpen(t *testing.T) {
	s := utcSession(t, "2026-07-03")
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"before open", at(2026, 3, 2, 9, 29), false},
		{"at open", at(2026, 3, 2, 9, 30), true},
		{"midday", at(2026, 3, 2, 12, 0), true},
		{"at close", at(2026, 3, 2, 16, 0), false},
		{"saturday", at(2026, 3, 7, 12, 0), false},
		{"holiday", at(2026, 7, 3, 12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsOpen(tt.t); got != tt.want {
				t.Errorf("IsOpen(%v) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestIsOpen_OtherZone(t *testing.T) {
	s, err := New("UTC", "00:00", "01:00", nil)
	if err != nil {
		t.Fatal(err)
	}
	// 00:30 UTC expressed in a +05:30 zone
	ist := time.FixedZone("IST", 5*3600+30*60)
	if !s.IsOpen(time.Date(2026, 3, 2, 6, 0, 0, 0, ist)) {
		t.Error("session should evaluate times in its own zone")
	}
}

func TestNextOpen(t *testing.T) {
	s := utcSession(t, "2026-07-03")
	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{"same day before open", at(2026, 3, 2, 8, 0), at(2026, 3, 2, 9, 30)},
		{"during session", at(2026, 3, 2, 10, 0), at(2026, 3, 3, 9, 30)},
		{"friday evening", at(2026, 3, 6, 17, 0), at(2026, 3, 9, 9, 30)},
		{"holiday before weekend", at(2026, 7, 2, 17, 0), at(2026, 7, 6, 9, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.NextOpen(tt.from); !got.Equal(tt.want) {
				t.Errorf("NextOpen = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeUntilClose(t *testing.T) {
	s := utcSession(t)
	if d := s.TimeUntilClose(at(2026, 3, 2, 14, 15)); d != 105*time.Minute {
		t.Errorf("TimeUntilClose = %v", d)
	}
	if d := s.TimeUntilClose(at(2026, 3, 2, 18, 0)); d != 0 {
		t.Errorf("closed TimeUntilClose = %v", d)
	}
}

func TestStatus(t *testing.T) {
	s := utcSession(t)
	if got := s.Status(at(2026, 3, 2, 14, 15)); got != "open, closes in 1h45m" {
		t.Errorf("Status = %q", got)
	}
	if got := s.Status(at(2026, 3, 6, 17, 0)); !strings.HasPrefix(got, "closed, opens Mon 09:30") {
		t.Errorf("Status = %q", got)
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New("Nowhere/City", "09:30", "16:00", nil); err == nil {
		t.Error("expected timezone error")
	}
	if _, err := New("UTC", "16:00", "09:30", nil); err == nil {
		t.Error("expected ordering error")
	}
	if _, err := New("UTC", "09:30", "16:00", []string{"07/04/2026"}); err == nil {
		t.Error("expected holiday format error")
	}
}

func TestNYSEHolidays(t *testing.T) {
	if _, err := New("UTC", "09:30", "16:00", NYSEHolidays2026); err != nil {
		t.Fatalf("holiday list does not parse: %v", err)
	}
}
