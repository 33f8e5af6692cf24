package strategy

import (
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/indicator"
)

const (
	// bars the 9/21 recross and the band pullback may lag the signal
	recrossWindow  = 3
	pullbackWindow = 3
)

// Trend is the fallback for trending tape: join the prevailing move on
// a pullback into the VWAP band once the fast EMAs re-align. Disabled
// by default; the range strategies are the core book.
type Trend struct {
	tp1ATR        float64
	tp1Fraction   float64
	stopATRBuffer float64
	swingLookback int
	timeStop      time.Duration
}

func NewTrend(cfg config.TrendConfig) *Trend {
	return &Trend{
		tp1ATR:        cfg.TP1ATR,
		tp1Fraction:   cfg.TP1Fraction,
		stopATRBuffer: cfg.StopATRBuffer,
		swingLookback: cfg.SwingLookbackBars,
		timeStop:      cfg.TimeStop,
	}
}

func (s *Trend) Name() core.StrategyKind { return core.StrategyTrend }

func (s *Trend) Eligible(regime core.Regime) bool { return regime == core.RegimeTrend }

func (s *Trend) Evaluate(c *Context) (core.Signal, bool) {
	snap := c.Snapshot
	if snap == nil || snap.ATR <= 0 || snap.DF == nil {
		return core.Signal{}, false
	}

	emaFast, okFast := snap.DF.Metadata[indicator.ColEMAFast]
	emaSlow, okSlow := snap.DF.Metadata[indicator.ColEMASlow]
	if !okFast || !okSlow {
		return core.Signal{}, false
	}

	if snap.Price > snap.EMALong && snap.VWAPSlope > 0 {
		return s.long(c, emaFast, emaSlow)
	}
	if snap.Price < snap.EMALong && snap.VWAPSlope < 0 {
		return s.short(c, emaFast, emaSlow)
	}
	return core.Signal{}, false
}

func (s *Trend) long(c *Context, emaFast, emaSlow core.Series[float64]) (core.Signal, bool) {
	snap := c.Snapshot

	if snap.RSI <= 50 || !snap.SuperTrendUp {
		return core.Signal{}, false
	}
	// pullback into the band, then the fast EMA re-crosses up
	if snap.DF.Low.Lowest(pullbackWindow) > snap.VWAPUpper1 {
		return core.Signal{}, false
	}
	if !recrossWithin(emaFast, emaSlow, recrossWindow, true) {
		return core.Signal{}, false
	}

	swing, ok := lastSwingLow(snap.DF.Low.Values(), microPivotWing)
	if !ok {
		swing = snap.DF.Low.Lowest(s.swingLookback)
	}

	entry := c.EntryRef()
	stop := swing - s.stopATRBuffer*snap.ATR
	if stop >= entry {
		return core.Signal{}, false
	}

	return core.Signal{
		Pair:      snap.Pair,
		Side:      core.PositionSideLong,
		Strategy:  core.StrategyTrend,
		EntryRef:  entry,
		StopPrice: stop,
		Ladder: []core.TPLevel{
			{Price: entry + s.tp1ATR*snap.ATR, Fraction: s.tp1Fraction},
		},
		TimeStop:      s.timeStop,
		TrailAfterTP1: true,
		ATR:           snap.ATR,
		Tags:          map[string]string{"trail": "supertrend"},
		CreatedAt:     c.Now,
	}, true
}

func (s *Trend) short(c *Context, emaFast, emaSlow core.Series[float64]) (core.Signal, bool) {
	snap := c.Snapshot

	if snap.RSI >= 50 || snap.SuperTrendUp {
		return core.Signal{}, false
	}
	if snap.DF.High.Highest(pullbackWindow) < snap.VWAPLower1 {
		return core.Signal{}, false
	}
	if !recrossWithin(emaFast, emaSlow, recrossWindow, false) {
		return core.Signal{}, false
	}

	swing, ok := lastSwingHigh(snap.DF.High.Values(), microPivotWing)
	if !ok {
		swing = snap.DF.High.Highest(s.swingLookback)
	}

	entry := c.EntryRef()
	stop := swing + s.stopATRBuffer*snap.ATR
	if stop <= entry {
		return core.Signal{}, false
	}

	return core.Signal{
		Pair:      snap.Pair,
		Side:      core.PositionSideShort,
		Strategy:  core.StrategyTrend,
		EntryRef:  entry,
		StopPrice: stop,
		Ladder: []core.TPLevel{
			{Price: entry - s.tp1ATR*snap.ATR, Fraction: s.tp1Fraction},
		},
		TimeStop:      s.timeStop,
		TrailAfterTP1: true,
		ATR:           snap.ATR,
		Tags:          map[string]string{"trail": "supertrend"},
		CreatedAt:     c.Now,
	}, true
}
