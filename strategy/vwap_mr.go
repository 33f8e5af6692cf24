package strategy

import (
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/indicator"
)

// VWAPMR fades band touches back to the session mean: a stretch to the
// Bollinger or VWAP sigma band with momentum already turning, sized for
// the crawl back to VWAP.
type VWAPMR struct {
	oversold       float64
	overbought     float64
	crossWithin    int
	rsiFloor       float64
	rsiCeiling     float64
	volumeRatioMax float64
	stopATRMin     float64
	stopATRMax     float64
	tp2RR          float64
	tp3RR          float64
	fractions      []float64
	timeStop       time.Duration
}

func NewVWAPMR(cfg config.VWAPMRConfig) *VWAPMR {
	return &VWAPMR{
		oversold:       cfg.StochOversold,
		overbought:     cfg.StochOverbought,
		crossWithin:    cfg.CrossWithinBars,
		rsiFloor:       cfg.RSIFloor,
		rsiCeiling:     cfg.RSICeiling,
		volumeRatioMax: cfg.VolumeRatioMax,
		stopATRMin:     cfg.StopATRMin,
		stopATRMax:     cfg.StopATRMax,
		tp2RR:          cfg.TP2RR,
		tp3RR:          cfg.TP3RR,
		fractions:      cfg.LadderFractions,
		timeStop:       cfg.TimeStop,
	}
}

func (s *VWAPMR) Name() core.StrategyKind { return core.StrategyVWAPMR }

func (s *VWAPMR) Eligible(regime core.Regime) bool { return regime == core.RegimeRange }

func (s *VWAPMR) Evaluate(c *Context) (core.Signal, bool) {
	snap := c.Snapshot
	if snap == nil || snap.ATR <= 0 || snap.DF == nil {
		return core.Signal{}, false
	}
	if snap.VolumeRatio >= s.volumeRatioMax {
		return core.Signal{}, false
	}

	if snap.Price < snap.VWAP {
		return s.long(c)
	}
	return s.short(c)
}

func (s *VWAPMR) long(c *Context) (core.Signal, bool) {
	snap := c.Snapshot

	window := s.crossWithin + 1
	extreme := snap.DF.Low.Lowest(window)

	band := ""
	switch {
	case extreme <= snap.BBLower:
		band = "bb_lower"
	case extreme <= snap.VWAPLower1:
		band = "vwap_1sigma"
	default:
		return core.Signal{}, false
	}

	stochK, ok := snap.DF.Metadata[indicator.ColStochK]
	if !ok || !crossedAboveWithin(stochK, s.oversold, s.crossWithin) {
		return core.Signal{}, false
	}
	if snap.RSI < s.rsiFloor {
		return core.Signal{}, false
	}

	entry := c.EntryRef()
	if entry >= snap.VWAP {
		return core.Signal{}, false
	}

	stop := extreme - s.stopOffset()*snap.ATR
	risk := entry - stop

	return core.Signal{
		Pair:      snap.Pair,
		Side:      core.PositionSideLong,
		Strategy:  core.StrategyVWAPMR,
		EntryRef:  entry,
		StopPrice: stop,
		Ladder: []core.TPLevel{
			{Price: snap.VWAP, Fraction: s.fractions[0]},
			{Price: nearerAbove(entry, snap.VWAPUpper1, entry+s.tp2RR*risk), Fraction: s.fractions[1]},
			{Price: nearerAbove(entry, snap.BBUpper, entry+s.tp3RR*risk), Fraction: s.fractions[2]},
		},
		TimeStop:      s.timeStop,
		TrailAfterTP1: false,
		ATR:           snap.ATR,
		Tags:          map[string]string{"band": band},
		CreatedAt:     c.Now,
	}, true
}

func (s *VWAPMR) short(c *Context) (core.Signal, bool) {
	snap := c.Snapshot

	window := s.crossWithin + 1
	extreme := snap.DF.High.Highest(window)

	band := ""
	switch {
	case extreme >= snap.BBUpper:
		band = "bb_upper"
	case extreme >= snap.VWAPUpper1:
		band = "vwap_1sigma"
	default:
		return core.Signal{}, false
	}

	stochK, ok := snap.DF.Metadata[indicator.ColStochK]
	if !ok || !crossedBelowWithin(stochK, s.overbought, s.crossWithin) {
		return core.Signal{}, false
	}
	if snap.RSI > s.rsiCeiling {
		return core.Signal{}, false
	}

	entry := c.EntryRef()
	if entry <= snap.VWAP {
		return core.Signal{}, false
	}

	stop := extreme + s.stopOffset()*snap.ATR
	risk := stop - entry

	return core.Signal{
		Pair:      snap.Pair,
		Side:      core.PositionSideShort,
		Strategy:  core.StrategyVWAPMR,
		EntryRef:  entry,
		StopPrice: stop,
		Ladder: []core.TPLevel{
			{Price: snap.VWAP, Fraction: s.fractions[0]},
			{Price: nearerBelow(entry, snap.VWAPLower1, entry-s.tp2RR*risk), Fraction: s.fractions[1]},
			{Price: nearerBelow(entry, snap.BBLower, entry-s.tp3RR*risk), Fraction: s.fractions[2]},
		},
		TimeStop:      s.timeStop,
		TrailAfterTP1: false,
		ATR:           snap.ATR,
		Tags:          map[string]string{"band": band},
		CreatedAt:     c.Now,
	}, true
}

func (s *VWAPMR) stopOffset() float64 {
	return (s.stopATRMin + s.stopATRMax) / 2
}

// nearerAbove picks the target closer to entry from above, so a wide
// band never pushes a ladder leg out of reach
func nearerAbove(entry, a, b float64) float64 {
	if a <= entry {
		return b
	}
	if b <= entry || a < b {
		return a
	}
	return b
}

// nearerBelow mirrors nearerAbove under the entry
func nearerBelow(entry, a, b float64) float64 {
	if a >= entry {
		return b
	}
	if b >= entry || a > b {
		return a
	}
	return b
}
