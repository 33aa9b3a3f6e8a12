package polling

import (
	"fmt"
	"time"
)

// Window is a recurring daily span during which polling is allowed.
// EndHour is exclusive.
type Window struct {
	StartHour int
	EndHour   int
	Days      []time.Weekday
}

func (w Window) contains(t time.Time) bool {
	if !w.onDay(t.Weekday()) {
		return false
	}
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

func (w Window) onDay(d time.Weekday) bool {
	for _, day := range w.Days {
		if day == d {
			return true
		}
	}
	return false
}

// WindowsConfig tunes a ScheduledWindows strategy. An empty Windows
// slice selects the defaults: weekday business hours plus reduced
// weekend hours.
type WindowsConfig struct {
	Windows  []Window
	Interval time.Duration // in-window cadence, default 5m
	Now      func() time.Time
}

// ScheduledWindows polls at a fixed cadence inside configured time
// windows and sleeps until the next window otherwise.
type ScheduledWindows struct {
	windows  []Window
	interval time.Duration
	now      func() time.Time
}

func NewScheduledWindows(cfg WindowsConfig) *ScheduledWindows {
	windows := cfg.Windows
	if len(windows) == 0 {
		windows = []Window{
			{StartHour: 9, EndHour: 17, Days: []time.Weekday{
				time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
			}},
			{StartHour: 10, EndHour: 14, Days: []time.Weekday{
				time.Saturday, time.Sunday,
			}},
		}
	}
	interval := cfg.Interval
	if interval < time.Minute {
		if interval == 0 {
			interval = 5 * time.Minute
		} else {
			interval = time.Minute
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &ScheduledWindows{windows: windows, interval: interval, now: now}
}

func (s *ScheduledWindows) Type() StrategyType { return TypeScheduledWindows }

func (s *ScheduledWindows) Decide(Context) Decision {
	now := s.now()

	for _, w := range s.windows {
		if w.contains(now) {
			return Decision{
				ShouldPoll: true,
				Wait:       s.interval,
				Reason:     fmt.Sprintf("active window %02d:00-%02d:00", w.StartHour, w.EndHour),
				Metadata: map[string]interface{}{
					"in_window": true,
					"interval":  s.interval.String(),
				},
			}
		}
	}

	next := s.nextWindow(now)
	wait := next.Sub(now)
	if wait < time.Minute {
		wait = time.Minute
	}
	return Decision{
		ShouldPoll: false,
		Wait:       wait,
		Reason:     fmt.Sprintf("outside polling window, next at %s", next.Format("Mon 15:04")),
		Metadata: map[string]interface{}{
			"in_window":   false,
			"next_window": next.Format(time.RFC3339),
		},
	}
}

// nextWindow finds the start of the next allowed window: first the rest
// of today, then the coming week, then tomorrow's earliest window.
func (s *ScheduledWindows) nextWindow(now time.Time) time.Time {
	for _, w := range s.windows {
		if w.onDay(now.Weekday()) && w.StartHour > now.Hour() {
			return startOfHour(now, w.StartHour)
		}
	}

	for offset := 1; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		for _, w := range s.windows {
			if w.onDay(day.Weekday()) {
				return startOfHour(day, w.StartHour)
			}
		}
	}

	earliest := s.windows[0]
	for _, w := range s.windows[1:] {
		if w.StartHour < earliest.StartHour {
			earliest = w
		}
	}
	return startOfHour(now.AddDate(0, 0, 1), earliest.StartHour)
}

func (s *ScheduledWindows) Reset() {}

func startOfHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}
