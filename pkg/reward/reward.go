// Package reward implements the pure end-of-call reward function
// (C5), translated from the original RewardCalculator
// (apps/rl/reward_calc.py) into a side-effect-free Go function.
package reward

import (
	"math"
	"sort"
)

// Config holds the weights and constants used by Calculate. Zero value
// is invalid; use DefaultConfig.
type Config struct {
	ResolutionWeight float64
	RatingWeight     float64
	BargeInWeight    float64
	RepeatsWeight    float64
	HandoverWeight   float64

	OptimalDurationSec float64
	DurationBonusMax   float64

	MinReward float64
	MaxReward float64
}

// DefaultConfig matches the original Python defaults exactly.
func DefaultConfig() Config {
	return Config{
		ResolutionWeight:   0.6,
		RatingWeight:       0.2,
		BargeInWeight:      -0.1,
		RepeatsWeight:      -0.1,
		HandoverWeight:     -0.1,
		OptimalDurationSec: 180.0,
		DurationBonusMax:   0.2,
		MinReward:          -1.0,
		MaxReward:          1.0,
	}
}

// Signals is the feedback signal vector fed into Calculate. UserRating
// is a pointer because "no rating given" (nil) and "rating of zero"
// are different inputs; every other field defaults to its neutral
// value when unset.
type Signals struct {
	Resolution    bool
	UserRating    *int // 1..5
	BargeInCount  int
	Repeats       int
	Handover      bool
	DurationSec   float64
}

// Calculate returns the scalar reward in [-1, +1] for the given
// signals under cfg. It is referentially transparent: equal inputs
// always yield equal outputs.
func Calculate(cfg Config, s Signals) float64 {
	return Components(cfg, s)["total"]
}

// Components returns the individual weighted terms that sum to the
// (pre-clip) reward, keyed by term name, for diagnostics — matching
// the original's calc_reward_components. The "total" key holds the
// clipped sum.
func Components(cfg Config, s Signals) map[string]float64 {
	c := make(map[string]float64, 6)

	if s.Resolution {
		c["resolution"] = cfg.ResolutionWeight
	} else {
		c["resolution"] = 0
	}

	if s.UserRating != nil {
		ratingReward := (float64(*s.UserRating) - 3) / 2
		c["rating"] = cfg.RatingWeight * ratingReward
	} else {
		c["rating"] = 0
	}

	bargeInPenalty := math.Min(float64(s.BargeInCount), 3) / 3
	c["barge_in"] = cfg.BargeInWeight * bargeInPenalty

	repeatsPenalty := math.Min(float64(s.Repeats), 3) / 3
	c["repeats"] = cfg.RepeatsWeight * repeatsPenalty

	if s.Handover {
		c["handover"] = cfg.HandoverWeight
	} else {
		c["handover"] = 0
	}

	c["duration"] = durationBonus(cfg, s.DurationSec)

	total := 0.0
	for _, v := range c {
		total += v
	}
	c["total"] = clip(total, cfg.MinReward, cfg.MaxReward)

	return c
}

// durationBonus implements spec.md §4.5's literal contract,
// clip((optimal-duration)/optimal, -max, +max): calls shorter than
// optimal earn a positive bonus, calls longer than optimal a negative
// one, clamped either way. Zero for a non-positive duration (no data).
// This differs from the peaked, deviation-based bonus described in the
// original RewardCalculator (apps/rl/reward_calc.py); spec.md's worked
// S1 example (duration_sec=120 contributing +0.2) is the authoritative
// contract and is what is implemented here — see DESIGN.md.
func durationBonus(cfg Config, durationSec float64) float64 {
	if durationSec <= 0 {
		return 0
	}
	bonus := (cfg.OptimalDurationSec - durationSec) / cfg.OptimalDurationSec
	return clip(bonus, -cfg.DurationBonusMax, cfg.DurationBonusMax)
}

func clip(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Stats summarizes a batch of reward values, matching the original's
// get_reward_stats.
type Stats struct {
	Count int
	Mean  float64
	StdDev float64
	Min   float64
	Max   float64
	P25   float64
	P50   float64
	P75   float64
}

// Summarize computes Stats over rewards. Returns the zero Stats for an
// empty slice.
func Summarize(rewards []float64) Stats {
	if len(rewards) == 0 {
		return Stats{}
	}

	sum := 0.0
	for _, r := range rewards {
		sum += r
	}
	mean := sum / float64(len(rewards))

	var variance float64
	for _, r := range rewards {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(rewards))

	sorted := append([]float64(nil), rewards...)
	sort.Float64s(sorted)
	n := len(sorted)

	return Stats{
		Count:  n,
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Min:    sorted[0],
		Max:    sorted[n-1],
		P25:    sorted[int(0.25*float64(n))],
		P50:    sorted[int(0.5*float64(n))],
		P75:    sorted[int(0.75*float64(n))],
	}
}
