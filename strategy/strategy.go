// Package strategy holds the entry evaluators. Each evaluator is a
// pure function of the indicator snapshot: no I/O, no hidden state, so
// one scan over one symbol always yields the same decision.
package strategy

import (
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/indicator"
	"github.com/driftline/perpsweep/logger"
)

const (
	// wing width for 1-minute pivot confirmation
	microPivotWing = 2

	// how far back the divergence scan looks for the prior extreme
	divergenceLookback = 30
)

// Context is the market view one evaluation runs against
type Context struct {
	Snapshot *indicator.Snapshot
	Quote    core.Quote
	Meta     core.SymbolMeta
	Regime   core.Regime
	Now      time.Time
}

// EntryRef is the price stops and ladders are computed against
func (c *Context) EntryRef() float64 {
	if p := c.Quote.Price(); p > 0 {
		return p
	}
	return c.Snapshot.Price
}

// Evaluator turns a snapshot into at most one entry signal
type Evaluator interface {
	Name() core.StrategyKind
	Eligible(regime core.Regime) bool
	Evaluate(c *Context) (core.Signal, bool)
}

// Registry runs the enabled evaluators in priority order
type Registry struct {
	evaluators []Evaluator
	log        logger.Logger
}

func NewRegistry(cfg *config.Config, log logger.Logger) *Registry {
	r := &Registry{log: log.WithField("component", "strategy")}
	if cfg.Strategies.LSVR.Enabled {
		r.evaluators = append(r.evaluators, NewLSVR(cfg.Strategies.LSVR))
	}
	if cfg.Strategies.VWAPMR.Enabled {
		r.evaluators = append(r.evaluators, NewVWAPMR(cfg.Strategies.VWAPMR))
	}
	if cfg.Strategies.Trend.Enabled {
		r.evaluators = append(r.evaluators, NewTrend(cfg.Strategies.Trend))
	}
	return r
}

// Evaluate returns the first signal produced for this symbol on this
// scan. Evaluator order is fixed, so two evaluators firing on the same
// bar always resolve the same way.
func (r *Registry) Evaluate(c *Context) (core.Signal, bool) {
	for _, ev := range r.evaluators {
		if !ev.Eligible(c.Regime) {
			continue
		}
		sig, ok := ev.Evaluate(c)
		if !ok {
			continue
		}
		if !validSignal(sig) {
			r.log.WithFields(map[string]any{
				"pair":     sig.Pair,
				"strategy": sig.Strategy,
				"entry":    sig.EntryRef,
				"stop":     sig.StopPrice,
			}).Warn("evaluator produced an inconsistent signal, dropped")
			continue
		}
		return sig, true
	}
	return core.Signal{}, false
}

// Evaluators exposes the active evaluators, in priority order
func (r *Registry) Evaluators() []Evaluator {
	return r.evaluators
}

// validSignal rejects signals whose stop or first target sits on the
// wrong side of the entry
func validSignal(sig core.Signal) bool {
	if sig.EntryRef <= 0 || sig.StopPrice <= 0 || len(sig.Ladder) == 0 {
		return false
	}
	if sig.Side == core.PositionSideLong {
		return sig.StopPrice < sig.EntryRef && sig.Ladder[0].Price > sig.EntryRef
	}
	return sig.StopPrice > sig.EntryRef && sig.Ladder[0].Price < sig.EntryRef
}

// crossedAboveWithin reports whether the series closed above level on
// some bar in the last n bars after printing at or below it
func crossedAboveWithin(s core.Series[float64], level float64, n int) bool {
	for i := 0; i < n && i+1 < s.Length(); i++ {
		if s.Last(i) > level && s.Last(i+1) <= level {
			return true
		}
	}
	return false
}

// crossedBelowWithin is the mirror of crossedAboveWithin
func crossedBelowWithin(s core.Series[float64], level float64, n int) bool {
	for i := 0; i < n && i+1 < s.Length(); i++ {
		if s.Last(i) < level && s.Last(i+1) >= level {
			return true
		}
	}
	return false
}

// recrossWithin reports a fast-over-slow cross (up) or fast-under-slow
// cross (!up) on one of the last n bars
func recrossWithin(fast, slow core.Series[float64], n int, up bool) bool {
	for i := 0; i < n && i+1 < fast.Length() && i+1 < slow.Length(); i++ {
		f, s := fast[:fast.Length()-i], slow[:slow.Length()-i]
		if up && f.Crossover(s) {
			return true
		}
		if !up && f.Crossunder(s) {
			return true
		}
	}
	return false
}

// bearishDivergence reports a price high at sweepOffset exceeding the
// prior swing high while RSI prints lower. The prior extreme is the
// highest bar strictly before the sweep bar inside the lookback.
func bearishDivergence(df *core.Dataframe, sweepOffset, lookback int) bool {
	rsi, ok := df.Metadata[indicator.ColRSI]
	if !ok || rsi.Length() != df.Len() {
		return false
	}

	priorOffset := -1
	var priorHigh float64
	for off := sweepOffset + 2; off <= sweepOffset+lookback && off < df.Len(); off++ {
		if h := df.High.Last(off); priorOffset < 0 || h > priorHigh {
			priorHigh = h
			priorOffset = off
		}
	}
	if priorOffset < 0 {
		return false
	}
	return df.High.Last(sweepOffset) > priorHigh && rsi.Last(sweepOffset) < rsi.Last(priorOffset)
}

// bullishDivergence mirrors bearishDivergence on the low side
func bullishDivergence(df *core.Dataframe, sweepOffset, lookback int) bool {
	rsi, ok := df.Metadata[indicator.ColRSI]
	if !ok || rsi.Length() != df.Len() {
		return false
	}

	priorOffset := -1
	var priorLow float64
	for off := sweepOffset + 2; off <= sweepOffset+lookback && off < df.Len(); off++ {
		if l := df.Low.Last(off); priorOffset < 0 || l < priorLow {
			priorLow = l
			priorOffset = off
		}
	}
	if priorOffset < 0 {
		return false
	}
	return df.Low.Last(sweepOffset) < priorLow && rsi.Last(sweepOffset) > rsi.Last(priorOffset)
}

// lastSwingLow finds the most recent confirmed pivot low, needing wing
// bars on both sides
func lastSwingLow(lows []float64, wing int) (float64, bool) {
	for i := len(lows) - 1 - wing; i >= wing; i-- {
		pivot := true
		for j := 1; j <= wing; j++ {
			if lows[i] >= lows[i-j] || lows[i] >= lows[i+j] {
				pivot = false
				break
			}
		}
		if pivot {
			return lows[i], true
		}
	}
	return 0, false
}

// lastSwingHigh finds the most recent confirmed pivot high
func lastSwingHigh(highs []float64, wing int) (float64, bool) {
	for i := len(highs) - 1 - wing; i >= wing; i-- {
		pivot := true
		for j := 1; j <= wing; j++ {
			if highs[i] <= highs[i-j] || highs[i] <= highs[i+j] {
				pivot = false
				break
			}
		}
		if pivot {
			return highs[i], true
		}
	}
	return 0, false
}

// microBreakDown reports a 1-minute close through the last confirmed
// minor swing low
func microBreakDown(micro *core.Dataframe) bool {
	if micro == nil || micro.Len() < 2*microPivotWing+2 {
		return false
	}
	swing, ok := lastSwingLow(micro.Low.Values(), microPivotWing)
	if !ok {
		return false
	}
	return micro.Close.Last(0) < swing
}

// microBreakUp reports a 1-minute close through the last confirmed
// minor swing high
func microBreakUp(micro *core.Dataframe) bool {
	if micro == nil || micro.Len() < 2*microPivotWing+2 {
		return false
	}
	swing, ok := lastSwingHigh(micro.High.Values(), microPivotWing)
	if !ok {
		return false
	}
	return micro.Close.Last(0) > swing
}
