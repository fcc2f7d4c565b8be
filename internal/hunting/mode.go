// Package hunting maps wall-clock time to a scraping intensity.
package hunting

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeNight    Mode = "NIGHT"
	ModeStandard Mode = "STANDARD"
	ModeBerserk  Mode = "BERSERK"
)

// Config describes the business day. Hour windows are half-open [start, end)
// in business local time.
type Config struct {
	TZOffsetHours int
	NightStart    int
	NightEnd      int
	PrimeStart    int
	PrimeEnd      int

	WorkersNight    int
	WorkersStandard int
	WorkersBerserk  int

	PollNight    time.Duration
	PollStandard time.Duration
	PollBerserk  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TZOffsetHours:   3,
		NightStart:      1,
		NightEnd:        7,
		PrimeStart:      18,
		PrimeEnd:        22,
		WorkersNight:    1,
		WorkersStandard: 4,
		WorkersBerserk:  12,
		PollNight:       45 * time.Minute,
		PollStandard:    10 * time.Minute,
		PollBerserk:     90 * time.Second,
	}
}

// Location returns the fixed business timezone.
func (c Config) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.TZOffsetHours), c.TZOffsetHours*3600)
}

// ModeAt is a pure function of the instant and the configuration.
// NIGHT is evaluated before the weekend rule, so weekend nights stay NIGHT.
func ModeAt(now time.Time, cfg Config) Mode {
	local := now.In(cfg.Location())
	hour := local.Hour()

	if inWindow(hour, cfg.NightStart, cfg.NightEnd) {
		return ModeNight
	}
	if inWindow(hour, cfg.PrimeStart, cfg.PrimeEnd) {
		return ModeBerserk
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return ModeBerserk
	}
	return ModeStandard
}

// inWindow supports windows that wrap past midnight (start > end).
func inWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// Plan is the throughput setting for one mode.
type Plan struct {
	Mode         Mode          `json:"mode"`
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
	LocalTime    time.Time     `json:"local_time"`
}

// PlanAt returns the mode together with its worker count and poll interval.
func PlanAt(now time.Time, cfg Config) Plan {
	mode := ModeAt(now, cfg)
	plan := Plan{Mode: mode, LocalTime: now.In(cfg.Location())}

	switch mode {
	case ModeNight:
		plan.Workers, plan.PollInterval = cfg.WorkersNight, cfg.PollNight
	case ModeBerserk:
		plan.Workers, plan.PollInterval = cfg.WorkersBerserk, cfg.PollBerserk
	default:
		plan.Workers, plan.PollInterval = cfg.WorkersStandard, cfg.PollStandard
	}
	if plan.Workers < 1 {
		plan.Workers = 1
	}
	return plan
}
