// Package calendar answers whether a venue is open at a given instant.
package calendar

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // venue zones must resolve on hosts without zoneinfo
)

// Calendar is the trading-hours oracle consulted by each market.
type Calendar interface {
	IsOpen(t time.Time) bool
}

// AlwaysOpen never closes.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(time.Time) bool { return true }

// Func adapts a plain function to Calendar.
type Func func(time.Time) bool

func (f Func) IsOpen(t time.Time) bool { return f(t) }

// Weekly is a recurring session schedule in a venue's local time. A session
// starts at Open on each listed weekday and ends at Close the same day, or
// the next day when Close is not after Open (overnight futures sessions).
type Weekly struct {
	Location *time.Location
	Days     []time.Weekday
	Open     time.Duration // offset from local midnight
	Close    time.Duration
	Holidays map[string]bool // session start dates, YYYY-MM-DD local
}

func (w *Weekly) IsOpen(t time.Time) bool {
	local := t.In(w.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.Location)
	tod := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())

	if w.Close > w.Open {
		return w.sessionOn(midnight) && tod >= w.Open && tod < w.Close
	}
	if tod >= w.Open && w.sessionOn(midnight) {
		return true
	}
	return tod < w.Close && w.sessionOn(midnight.AddDate(0, 0, -1))
}

// sessionOn reports whether a session starts on the given local date.
func (w *Weekly) sessionOn(day time.Time) bool {
	if w.Holidays[day.Format("2006-01-02")] {
		return false
	}
	for _, wd := range w.Days {
		if wd == day.Weekday() {
			return true
		}
	}
	return false
}

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// EquitySession is the regular US equity session, 09:30-16:00 New York.
func EquitySession() (*Weekly, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	return &Weekly{
		Location: loc,
		Days:     weekdays,
		Open:     9*time.Hour + 30*time.Minute,
		Close:    16 * time.Hour,
	}, nil
}

// GlobexSession is the CME Globex futures session: Sunday to Thursday
// 18:00 through 17:00 the next day, New York time.
func GlobexSession() (*Weekly, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	return &Weekly{
		Location: loc,
		Days:     []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday},
		Open:     18 * time.Hour,
		Close:    17 * time.Hour,
	}, nil
}

// Registry maps venues to calendars.
type Registry struct {
	mu       sync.RWMutex
	venues   map[string]Calendar
	fallback Calendar
}

// NewRegistry creates a registry answering with fallback for unknown venues.
func NewRegistry(fallback Calendar) *Registry {
	if fallback == nil {
		fallback = AlwaysOpen{}
	}
	return &Registry{venues: make(map[string]Calendar), fallback: fallback}
}

// Register sets the calendar for a venue.
func (r *Registry) Register(venue string, cal Calendar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[strings.ToUpper(venue)] = cal
}

// For returns the calendar of venue.
func (r *Registry) For(venue string) Calendar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cal, ok := r.venues[strings.ToUpper(venue)]; ok {
		return cal
	}
	return r.fallback
}

// Default registers the built-in US equity and futures sessions.
func Default() (*Registry, error) {
	equity, err := EquitySession()
	if err != nil {
		return nil, err
	}
	globex, err := GlobexSession()
	if err != nil {
		return nil, err
	}

	r := NewRegistry(AlwaysOpen{})
	for _, v := range []string{"NASDAQ", "NYSE", "ARCA", "ISLAND", "SMART"} {
		r.Register(v, equity)
	}
	for _, v := range []string{"NYMEX", "CME", "CBOT", "COMEX", "GLOBEX"} {
		r.Register(v, globex)
	}
	return r, nil
}
