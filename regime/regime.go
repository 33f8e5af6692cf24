// Package regime labels each symbol's market state so the engine can
// route it to mean-reversion or trend strategies.
package regime

import (
	"math"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/indicator"
)

// Classify labels the regime at the snapshot bar. A symbol counts as
// ranging only when directional strength, band width and VWAP slope
// all agree the tape is flat; anything else is treated as trending.
func Classify(snap *indicator.Snapshot, bounds config.RegimeThresholds, slopeBand float64) core.Regime {
	if snap == nil || snap.ADX <= 0 {
		return core.RegimeUnknown
	}

	flatVWAP := math.Abs(snap.VWAPSlope) <= slopeBand
	narrow := snap.BBWidthPctile <= bounds.BBWidthPctleMax
	weakTrend := snap.ADX < bounds.ADXMax

	if weakTrend && narrow && flatVWAP {
		return core.RegimeRange
	}
	return core.RegimeTrend
}

// Eligible lists the strategy kinds allowed to evaluate in a regime
func Eligible(r core.Regime) []core.StrategyKind {
	switch r {
	case core.RegimeRange:
		return []core.StrategyKind{core.StrategyLSVR, core.StrategyVWAPMR}
	case core.RegimeTrend:
		return []core.StrategyKind{core.StrategyTrend}
	}
	return nil
}
