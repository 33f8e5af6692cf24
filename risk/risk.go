// Package risk sizes entries for leveraged perpetuals and enforces the
// liquidation guards. Every price or quantity leaving this package is
// already snapped to the venue grid.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/logger"
)

// ErrBelowMinLot rejects signals whose sized contracts end up under
// the venue lot or notional minimum
var ErrBelowMinLot = errors.New("below min lot")

// Engine owns leverage resolution and trade sizing
type Engine struct {
	cfg *config.Config
	log logger.Logger

	mu     sync.Mutex
	warned map[string]bool
}

func NewEngine(cfg *config.Config, log logger.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		log:    log.WithField("component", "risk"),
		warned: make(map[string]bool),
	}
}

// EffectiveLeverage is the configured leverage capped by the venue
// maximum for the symbol. An unknown venue maximum falls back to the
// configured value with a one-time warning per symbol.
func (e *Engine) EffectiveLeverage(meta core.SymbolMeta) int {
	lev := e.cfg.Risk.Leverage
	if meta.MaxLeverage <= 0 {
		e.mu.Lock()
		if !e.warned[meta.Pair] {
			e.warned[meta.Pair] = true
			e.log.WithField("pair", meta.Pair).
				Warnf("venue max leverage unknown, using configured %dx", lev)
		}
		e.mu.Unlock()
		return lev
	}
	if meta.MaxLeverage < lev {
		return meta.MaxLeverage
	}
	return lev
}

// RoeToPriceMove converts a return-on-margin target into the price
// move that produces it at the given leverage
func RoeToPriceMove(roe float64, leverage int) float64 {
	return roe / float64(leverage)
}

// LiquidationPrice estimates where the venue liquidates an isolated
// position opened at entry
func LiquidationPrice(side core.PositionSide, entry float64, leverage int, mmr float64) float64 {
	inv := 1 / float64(leverage)
	if side == core.PositionSideShort {
		return entry * (1 + inv - mmr)
	}
	return entry * (1 - inv + mmr)
}

// ProfitFloorPrice is the trigger where the position has earned the
// minimum ROE, the activation price of the trailing take profit
func ProfitFloorPrice(side core.PositionSide, entry, minROE float64, leverage int) float64 {
	move := RoeToPriceMove(minROE, leverage)
	if side == core.PositionSideShort {
		return entry * (1 - move)
	}
	return entry * (1 + move)
}

// SnapDown floors a price to the tick grid
func SnapDown(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick+1e-9) * tick
}

// SnapUp ceils a price to the tick grid
func SnapUp(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Ceil(price/tick-1e-9) * tick
}

// SnapAway snaps a trigger to the tick grid on the far side of the
// reference price, so snapping never pushes it across the side rule
func SnapAway(trigger, ref, tick float64) float64 {
	if trigger >= ref {
		return SnapUp(trigger, tick)
	}
	return SnapDown(trigger, tick)
}

// FloorLot floors a quantity to the venue lot step
func FloorLot(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

// Decision is one accepted sizing outcome
type Decision struct {
	Pair      string
	Side      core.PositionSide
	Leverage  int
	Contracts float64
	Notional  float64
	Margin    float64

	EntryRef  float64
	StopPrice float64
	LiqPrice  float64

	ShrinkSteps int
}

// Size turns a signal into contracts. Target notional is
// margin_fraction x equity x leverage; contracts floor to the lot
// step. A guard violation shrinks the size and retries a bounded
// number of times before the signal is rejected.
func (e *Engine) Size(sig core.Signal, meta core.SymbolMeta, equity float64) (Decision, error) {
	entry := sig.EntryRef
	if entry <= 0 {
		return Decision{}, core.NewTradeError(core.ErrLiquidationGuard, sig.Pair,
			fmt.Errorf("entry reference %v not positive", entry))
	}
	if equity <= 0 {
		return Decision{}, core.NewTradeError(core.ErrLiquidationGuard, sig.Pair,
			fmt.Errorf("no equity to size against"))
	}
	if err := ValidateLadder(sig); err != nil {
		return Decision{}, core.NewTradeError(core.ErrLiquidationGuard, sig.Pair, err)
	}

	lev := e.EffectiveLeverage(meta)
	stop := SnapAway(sig.StopPrice, entry, meta.TickSize)
	liq := LiquidationPrice(sig.Side, entry, lev, meta.MaintMarginRatio)

	notional := e.cfg.Risk.MarginFraction * equity * float64(lev)
	contracts := FloorLot(notional/entry, meta.StepSize)

	for step := 0; ; step++ {
		if contracts <= 0 || contracts < meta.MinQuantity || contracts*entry < meta.MinNotional {
			return Decision{}, core.NewTradeError(core.ErrLiquidationGuard, sig.Pair, ErrBelowMinLot)
		}
		err := CheckGuards(&e.cfg.Risk, sig.Side, entry, stop, liq)
		if err == nil {
			return Decision{
				Pair:        sig.Pair,
				Side:        sig.Side,
				Leverage:    lev,
				Contracts:   contracts,
				Notional:    contracts * entry,
				Margin:      contracts * entry / float64(lev),
				EntryRef:    entry,
				StopPrice:   stop,
				LiqPrice:    liq,
				ShrinkSteps: step,
			}, nil
		}
		if step >= e.cfg.Risk.MaxShrinkSteps {
			return Decision{}, core.NewTradeError(core.ErrLiquidationGuard, sig.Pair, err)
		}
		contracts = FloorLot(contracts*(1-e.cfg.Risk.ShrinkStep), meta.StepSize)
	}
}

// CheckGuards applies the three liquidation guards to a snapped stop:
// the stop distance cap, the absolute buffer to liquidation, and the
// minimum fraction of the liquidation distance.
func CheckGuards(cfg *config.RiskConfig, side core.PositionSide, entry, stop, liq float64) error {
	stopDist := math.Abs(entry - stop)
	if pct := stopDist / entry; pct > cfg.MaxStopPct {
		return fmt.Errorf("stop distance %.4f over max %.4f", pct, cfg.MaxStopPct)
	}

	// the stop must trigger strictly before the venue liquidates
	if side == core.PositionSideLong && stop <= liq {
		return fmt.Errorf("stop %.8f at or beyond liquidation %.8f", stop, liq)
	}
	if side == core.PositionSideShort && stop >= liq {
		return fmt.Errorf("stop %.8f at or beyond liquidation %.8f", stop, liq)
	}

	buffer := math.Abs(stop - liq)
	if pct := buffer / entry; pct < cfg.MinAbsBufferPct {
		return fmt.Errorf("liquidation buffer %.4f under min %.4f", pct, cfg.MinAbsBufferPct)
	}

	liqDist := math.Abs(entry - liq)
	if liqDist > 0 && buffer < cfg.MinLiqDistanceFraction*liqDist {
		return fmt.Errorf("liquidation buffer %.6f under %.2f of liq distance %.6f",
			buffer, cfg.MinLiqDistanceFraction, liqDist)
	}
	return nil
}

// ValidateLadder rejects ladders whose triggers do not walk strictly
// away from entry or whose fractions leave the unit interval
func ValidateLadder(sig core.Signal) error {
	if len(sig.Ladder) == 0 {
		return fmt.Errorf("signal carries no take-profit ladder")
	}
	sum := 0.0
	prev := sig.EntryRef
	for i, leg := range sig.Ladder {
		if leg.Fraction <= 0 || leg.Fraction > 1 {
			return fmt.Errorf("ladder leg %d fraction %v outside (0, 1]", i, leg.Fraction)
		}
		sum += leg.Fraction
		if sig.Side == core.PositionSideLong && leg.Price <= prev {
			return fmt.Errorf("ladder leg %d price %v not above %v", i, leg.Price, prev)
		}
		if sig.Side == core.PositionSideShort && leg.Price >= prev {
			return fmt.Errorf("ladder leg %d price %v not below %v", i, leg.Price, prev)
		}
		prev = leg.Price
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("ladder fractions sum to %v, over 1.0", sum)
	}
	return nil
}
