package strategy

import (
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
)

// sweepWindow is how many closed bars back a sweep may sit while the
// body still counts as having closed back inside
const sweepWindow = 3

// LSVR trades the liquidity-sweep reversal: a wick through a prior
// session extreme that fails, confirmed by RSI divergence and a
// 1-minute structure break back toward VWAP.
type LSVR struct {
	sweepATRMin    float64
	sweepATRMax    float64
	tailFraction   float64
	stopATRMin     float64
	stopATRMax     float64
	runnerRR       float64
	volumeSpikeMax float64
	fractions      []float64
	timeStop       time.Duration
}

func NewLSVR(cfg config.LSVRConfig) *LSVR {
	return &LSVR{
		sweepATRMin:    cfg.SweepATRMin,
		sweepATRMax:    cfg.SweepATRMax,
		tailFraction:   cfg.TailFraction,
		stopATRMin:     cfg.StopATRMin,
		stopATRMax:     cfg.StopATRMax,
		runnerRR:       cfg.RunnerRR,
		volumeSpikeMax: cfg.VolumeSpikeMax,
		fractions:      cfg.LadderFractions,
		timeStop:       cfg.TimeStop,
	}
}

func (s *LSVR) Name() core.StrategyKind { return core.StrategyLSVR }

func (s *LSVR) Eligible(regime core.Regime) bool { return regime == core.RegimeRange }

type sweepHit struct {
	name    string
	level   float64
	extreme float64
	offset  int
}

func (s *LSVR) Evaluate(c *Context) (core.Signal, bool) {
	snap := c.Snapshot
	if snap == nil || snap.ATR <= 0 || snap.DF == nil {
		return core.Signal{}, false
	}

	// a volume spike during formation voids the setup
	if s.volumeSpikeMax > 0 && snap.VolumeRatio > s.volumeSpikeMax {
		return core.Signal{}, false
	}

	if sig, ok := s.short(c); ok {
		return sig, true
	}
	return s.long(c)
}

// short looks for a failed sweep above PDH or the Asia high. When both
// levels were swept, the more recently broken one wins.
func (s *LSVR) short(c *Context) (core.Signal, bool) {
	snap := c.Snapshot
	levels := []struct {
		name  string
		value float64
	}{
		{"pdh", snap.PrevDayHigh},
		{"asia_high", snap.AsiaHigh},
	}

	var hit sweepHit
	found := false
	for _, lvl := range levels {
		if lvl.value <= 0 {
			continue
		}
		h, ok := s.findSweepAbove(snap.DF, lvl.value, snap.ATR)
		if !ok {
			continue
		}
		h.name = lvl.name
		if !found || h.offset < hit.offset {
			hit = h
			found = true
		}
	}
	if !found {
		return core.Signal{}, false
	}

	if !bearishDivergence(snap.DF, hit.offset, divergenceLookback) {
		return core.Signal{}, false
	}
	if !microBreakDown(snap.Micro) {
		return core.Signal{}, false
	}
	// entry-frame close back under the upper band, above the mean
	if snap.Price >= snap.VWAPUpper1 {
		return core.Signal{}, false
	}
	entry := c.EntryRef()
	if entry <= snap.VWAP {
		return core.Signal{}, false
	}

	stop := hit.extreme + s.stopOffset()*snap.ATR
	risk := stop - entry

	return core.Signal{
		Pair:      snap.Pair,
		Side:      core.PositionSideShort,
		Strategy:  core.StrategyLSVR,
		EntryRef:  entry,
		StopPrice: stop,
		Ladder: []core.TPLevel{
			{Price: snap.VWAP, Fraction: s.fractions[0]},
			{Price: snap.VWAPLower1, Fraction: s.fractions[1]},
			{Price: entry - s.runnerRR*risk, Fraction: s.fractions[2]},
		},
		TimeStop:      s.timeStop,
		TrailAfterTP1: true,
		ATR:           snap.ATR,
		SweptLevel:    hit.level,
		SweepExtreme:  hit.extreme,
		Tags:          map[string]string{"level": hit.name, "setup": "sweep_high"},
		CreatedAt:     c.Now,
	}, true
}

// long looks for a failed sweep below PDL or the Asia low
func (s *LSVR) long(c *Context) (core.Signal, bool) {
	snap := c.Snapshot
	levels := []struct {
		name  string
		value float64
	}{
		{"pdl", snap.PrevDayLow},
		{"asia_low", snap.AsiaLow},
	}

	var hit sweepHit
	found := false
	for _, lvl := range levels {
		if lvl.value <= 0 {
			continue
		}
		h, ok := s.findSweepBelow(snap.DF, lvl.value, snap.ATR)
		if !ok {
			continue
		}
		h.name = lvl.name
		if !found || h.offset < hit.offset {
			hit = h
			found = true
		}
	}
	if !found {
		return core.Signal{}, false
	}

	if !bullishDivergence(snap.DF, hit.offset, divergenceLookback) {
		return core.Signal{}, false
	}
	if !microBreakUp(snap.Micro) {
		return core.Signal{}, false
	}
	if snap.Price <= snap.VWAPLower1 {
		return core.Signal{}, false
	}
	entry := c.EntryRef()
	if entry >= snap.VWAP {
		return core.Signal{}, false
	}

	stop := hit.extreme - s.stopOffset()*snap.ATR
	risk := entry - stop

	return core.Signal{
		Pair:      snap.Pair,
		Side:      core.PositionSideLong,
		Strategy:  core.StrategyLSVR,
		EntryRef:  entry,
		StopPrice: stop,
		Ladder: []core.TPLevel{
			{Price: snap.VWAP, Fraction: s.fractions[0]},
			{Price: snap.VWAPUpper1, Fraction: s.fractions[1]},
			{Price: entry + s.runnerRR*risk, Fraction: s.fractions[2]},
		},
		TimeStop:      s.timeStop,
		TrailAfterTP1: true,
		ATR:           snap.ATR,
		SweptLevel:    hit.level,
		SweepExtreme:  hit.extreme,
		Tags:          map[string]string{"level": hit.name, "setup": "sweep_low"},
		CreatedAt:     c.Now,
	}, true
}

// stopOffset is the ATR multiple past the sweep extreme, the midpoint
// of the configured band
func (s *LSVR) stopOffset() float64 {
	return (s.stopATRMin + s.stopATRMax) / 2
}

// findSweepAbove scans the last sweepWindow bars for a wick through
// the level. Depth under the minimum is noise; depth over the maximum
// is a genuine breakout, not a sweep. The latest body must already be
// back inside.
func (s *LSVR) findSweepAbove(df *core.Dataframe, level, atr float64) (sweepHit, bool) {
	if df.Close.Last(0) > level {
		return sweepHit{}, false
	}
	for off := 0; off < sweepWindow && off < df.Len(); off++ {
		depth := df.High.Last(off) - level
		if depth < s.sweepATRMin*atr || depth > s.sweepATRMax*atr {
			continue
		}
		bar := df.Candle(off)
		if bar.Range() <= 0 || bar.UpperWick() < s.tailFraction*bar.Range() {
			continue
		}
		return sweepHit{
			level:   level,
			extreme: df.High.Highest(off + 1),
			offset:  off,
		}, true
	}
	return sweepHit{}, false
}

// findSweepBelow mirrors findSweepAbove under the level
func (s *LSVR) findSweepBelow(df *core.Dataframe, level, atr float64) (sweepHit, bool) {
	if df.Close.Last(0) < level {
		return sweepHit{}, false
	}
	for off := 0; off < sweepWindow && off < df.Len(); off++ {
		depth := level - df.Low.Last(off)
		if depth < s.sweepATRMin*atr || depth > s.sweepATRMax*atr {
			continue
		}
		bar := df.Candle(off)
		if bar.Range() <= 0 || bar.LowerWick() < s.tailFraction*bar.Range() {
			continue
		}
		return sweepHit{
			level:   level,
			extreme: df.Low.Lowest(off + 1),
			offset:  off,
		}, true
	}
	return sweepHit{}, false
}
