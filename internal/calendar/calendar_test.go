package calendar

import (
	"testing"
	"time"
)

func TestGlobexSession(t *testing.T) {
	cal, err := GlobexSession()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		// 2020-09-01 is a Tuesday; New York is UTC-4 in September.
		{"tuesday mid-session", time.Date(2020, 9, 1, 14, 0, 0, 0, time.UTC), true},
		{"daily break", time.Date(2020, 9, 1, 21, 30, 0, 0, time.UTC), false},
		{"reopen", time.Date(2020, 9, 1, 22, 0, 0, 0, time.UTC), true},
		{"overnight into wednesday", time.Date(2020, 9, 2, 3, 0, 0, 0, time.UTC), true},
		{"friday after close", time.Date(2020, 9, 4, 21, 30, 0, 0, time.UTC), false},
		{"saturday", time.Date(2020, 9, 5, 15, 0, 0, 0, time.UTC), false},
		{"sunday before open", time.Date(2020, 9, 6, 21, 0, 0, 0, time.UTC), false},
		{"sunday open", time.Date(2020, 9, 6, 22, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		if got := cal.IsOpen(tt.at); got != tt.want {
			t.Errorf("%s: IsOpen(%v) = %v, want %v", tt.name, tt.at, got, tt.want)
		}
	}
}

func TestEquitySession(t *testing.T) {
	cal, err := EquitySession()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cal.IsOpen(time.Date(2020, 9, 1, 13, 30, 0, 0, time.UTC)) {
		t.Error("expected open at 09:30 New York")
	}
	if cal.IsOpen(time.Date(2020, 9, 1, 20, 0, 0, 0, time.UTC)) {
		t.Error("expected closed at 16:00 New York")
	}
}

func TestWeekly_Holiday(t *testing.T) {
	cal, _ := EquitySession()
	cal.Holidays = map[string]bool{"2020-09-07": true} // Labor Day
	if cal.IsOpen(time.Date(2020, 9, 7, 15, 0, 0, 0, time.UTC)) {
		t.Error("expected closed on holiday")
	}
}

func TestRegistry(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	saturday := time.Date(2020, 9, 5, 15, 0, 0, 0, time.UTC)
	if r.For("nymex").IsOpen(saturday) {
		t.Error("NYMEX should be closed on Saturday")
	}
	if !r.For("IDEALPRO").IsOpen(saturday) {
		t.Error("unknown venues should fall back to always open")
	}

	r.Register("IDEALPRO", Func(func(time.Time) bool { return false }))
	if r.For("IDEALPRO").IsOpen(saturday) {
		t.Error("registered calendar should take precedence")
	}
}
