package polling

import (
	"fmt"
	"math"
	"time"
)

// FixedInterval polls at a constant cadence.
type FixedInterval struct {
	interval time.Duration
}

// NewFixedInterval creates a fixed-interval strategy. Intervals below
// one minute are raised to one minute; zero selects the default.
func NewFixedInterval(interval time.Duration) *FixedInterval {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &FixedInterval{interval: interval}
}

func (s *FixedInterval) Type() StrategyType { return TypeFixedInterval }

func (s *FixedInterval) Decide(Context) Decision {
	return Decision{
		ShouldPoll: true,
		Wait:       s.interval,
		Reason:     fmt.Sprintf("fixed interval of %s", s.interval),
		Metadata: map[string]interface{}{
			"interval": s.interval.String(),
		},
	}
}

func (s *FixedInterval) Reset() {}

// Interval returns the configured cadence.
func (s *FixedInterval) Interval() time.Duration { return s.interval }

// BackoffConfig tunes an ExponentialBackoff strategy. Zero values
// select the defaults.
type BackoffConfig struct {
	BaseInterval time.Duration // default 1m
	MaxInterval  time.Duration // default 60m
	Multiplier   float64       // default 2.0, floor 1.1
	// KeepAfterSuccess leaves the backed-off interval in place after a
	// successful poll instead of resetting to the base.
	KeepAfterSuccess bool
}

// ExponentialBackoff widens the interval after consecutive failures and
// (by default) snaps back to the base after a success.
type ExponentialBackoff struct {
	base       time.Duration
	max        time.Duration
	multiplier float64
	resetOnOK  bool
	current    time.Duration
}

func NewExponentialBackoff(cfg BackoffConfig) *ExponentialBackoff {
	if cfg.BaseInterval < time.Minute {
		cfg.BaseInterval = time.Minute
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = 60 * time.Minute
		if cfg.MaxInterval < cfg.BaseInterval {
			cfg.MaxInterval = cfg.BaseInterval
		}
	}
	if cfg.Multiplier < 1.1 {
		if cfg.Multiplier == 0 {
			cfg.Multiplier = 2.0
		} else {
			cfg.Multiplier = 1.1
		}
	}
	return &ExponentialBackoff{
		base:       cfg.BaseInterval,
		max:        cfg.MaxInterval,
		multiplier: cfg.Multiplier,
		resetOnOK:  !cfg.KeepAfterSuccess,
		current:    cfg.BaseInterval,
	}
}

func (s *ExponentialBackoff) Type() StrategyType { return TypeExponentialBackoff }

func (s *ExponentialBackoff) Decide(ctx Context) Decision {
	if ctx.ConsecutiveFailures > 0 {
		backed := time.Duration(float64(s.base) * math.Pow(s.multiplier, float64(ctx.ConsecutiveFailures)))
		if backed > s.max || backed < 0 {
			backed = s.max
		}
		s.current = backed
	} else if ctx.ConsecutiveSuccesses > 0 && s.resetOnOK {
		s.current = s.base
	}

	return Decision{
		ShouldPoll: true,
		Wait:       s.current,
		Reason: fmt.Sprintf("exponential backoff: %s (failures: %d)",
			s.current, ctx.ConsecutiveFailures),
		Metadata: map[string]interface{}{
			"current_interval": s.current.String(),
			"backoff_level":    ctx.ConsecutiveFailures,
		},
	}
}

func (s *ExponentialBackoff) Reset() { s.current = s.base }

// Current returns the interval the next decision would start from.
func (s *ExponentialBackoff) Current() time.Duration { return s.current }

// AdaptiveConfig tunes an Adaptive strategy. Zero values select the
// defaults.
type AdaptiveConfig struct {
	BaseInterval   time.Duration // default 5m
	MinInterval    time.Duration // default 1m
	MaxInterval    time.Duration // default 60m
	QueueThreshold int           // default 5
	LoadThreshold  float64       // default 0.8, clamped to [0.1, 1.0]
}

// Adaptive shortens the interval when the queue is deep and stretches
// it when the queue is empty, the system is loaded, or errors are
// frequent.
type Adaptive struct {
	base           time.Duration
	min            time.Duration
	max            time.Duration
	queueThreshold int
	loadThreshold  float64
}

func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	if cfg.BaseInterval < time.Minute {
		if cfg.BaseInterval == 0 {
			cfg.BaseInterval = 5 * time.Minute
		} else {
			cfg.BaseInterval = time.Minute
		}
	}
	if cfg.MinInterval < time.Minute {
		cfg.MinInterval = time.Minute
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = 60 * time.Minute
		if cfg.MaxInterval < cfg.BaseInterval {
			cfg.MaxInterval = cfg.BaseInterval
		}
	}
	if cfg.QueueThreshold < 1 {
		cfg.QueueThreshold = 5
	}
	if cfg.LoadThreshold == 0 {
		cfg.LoadThreshold = 0.8
	}
	cfg.LoadThreshold = math.Max(0.1, math.Min(1.0, cfg.LoadThreshold))

	return &Adaptive{
		base:           cfg.BaseInterval,
		min:            cfg.MinInterval,
		max:            cfg.MaxInterval,
		queueThreshold: cfg.QueueThreshold,
		loadThreshold:  cfg.LoadThreshold,
	}
}

func (s *Adaptive) Type() StrategyType { return TypeAdaptive }

func (s *Adaptive) Decide(ctx Context) Decision {
	interval := float64(s.base)
	factors := map[string]interface{}{}

	if ctx.QueueDepth > s.queueThreshold {
		queueFactor := math.Min(2.0, float64(ctx.QueueDepth)/float64(s.queueThreshold))
		interval /= queueFactor
		factors["queue_factor"] = queueFactor
	} else if ctx.QueueDepth == 0 {
		interval *= 1.5
		factors["empty_queue"] = true
	}

	if ctx.SystemLoad > s.loadThreshold {
		loadFactor := 1.0 + (ctx.SystemLoad - s.loadThreshold)
		interval *= loadFactor
		factors["load_factor"] = loadFactor
	}

	if ctx.ErrorRate > 0.1 {
		errorFactor := 1.0 + ctx.ErrorRate
		interval *= errorFactor
		factors["error_factor"] = errorFactor
	}

	wait := time.Duration(interval)
	if wait < s.min {
		wait = s.min
	}
	if wait > s.max {
		wait = s.max
	}

	factors["queue_depth"] = ctx.QueueDepth
	return Decision{
		ShouldPoll: true,
		Wait:       wait,
		Reason: fmt.Sprintf("adaptive interval %s (queue: %d, load: %.2f, errors: %.2f)",
			wait, ctx.QueueDepth, ctx.SystemLoad, ctx.ErrorRate),
		Metadata: factors,
	}
}

func (s *Adaptive) Reset() {}
