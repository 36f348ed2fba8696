package reward

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(i int) *int { return &i }

func TestCalculateS1RewardArithmetic(t *testing.T) {
	cfg := DefaultConfig()
	s := Signals{
		Resolution:   true,
		UserRating:   intPtr(4),
		BargeInCount: 1,
		Repeats:      0,
		Handover:     false,
		DurationSec:  120,
	}

	got := Calculate(cfg, s)
	assert.InDelta(t, 0.867, got, 0.001)
}

func TestCalculateIsReferentiallyTransparent(t *testing.T) {
	cfg := DefaultConfig()
	s := Signals{Resolution: true, UserRating: intPtr(5), DurationSec: 200}

	a := Calculate(cfg, s)
	b := Calculate(cfg, s)
	assert.Equal(t, a, b)
}

func TestCalculateClipsToUnitRange(t *testing.T) {
	cfg := DefaultConfig()
	s := Signals{Resolution: true, UserRating: intPtr(5), DurationSec: 180}
	assert.LessOrEqual(t, Calculate(cfg, s), 1.0)

	s2 := Signals{BargeInCount: 10, Repeats: 10, Handover: true, DurationSec: 10000}
	assert.GreaterOrEqual(t, Calculate(cfg, s2), -1.0)
}

func TestCalculateMissingSignalsAreNeutral(t *testing.T) {
	cfg := DefaultConfig()
	zero := Signals{}
	got := Calculate(cfg, zero)
	assert.Equal(t, 0.0, got)
}

func TestDurationBonusShorterIsBetter(t *testing.T) {
	cfg := DefaultConfig()
	atOptimal := Components(cfg, Signals{DurationSec: 180})["duration"]
	assert.InDelta(t, 0.0, atOptimal, 1e-9)

	shorter := Components(cfg, Signals{DurationSec: 120})["duration"]
	assert.InDelta(t, cfg.DurationBonusMax, shorter, 1e-9, "clipped to max bonus per spec S1")

	longer := Components(cfg, Signals{DurationSec: 720})["duration"]
	assert.InDelta(t, -cfg.DurationBonusMax, longer, 1e-9)

	noData := Components(cfg, Signals{DurationSec: 0})["duration"]
	assert.Equal(t, 0.0, noData)
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, Stats{}, Summarize(nil))
}

func TestSummarizeBasic(t *testing.T) {
	st := Summarize([]float64{-1, 0, 1})
	assert.Equal(t, 3, st.Count)
	assert.InDelta(t, 0, st.Mean, 1e-9)
	assert.Equal(t, -1.0, st.Min)
	assert.Equal(t, 1.0, st.Max)
}
