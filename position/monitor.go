package position

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/risk"
)

// microTimeframe is the candle period tripwires read
const microTimeframe = "1m"

// MonitorTick services one pair: unprotected and closing positions get
// another close attempt, protected ones get the full pass. The engine
// schedules this on the worker pool; the pair lock keeps it exclusive
// against scans and other ticks.
func (m *Manager) MonitorTick(ctx context.Context, pair string) error {
	lock := m.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	pos := m.get(pair)
	if pos == nil || !pos.Open() {
		return nil
	}

	switch pos.Phase {
	case core.PhaseUnprotected, core.PhaseClosing:
		return m.closeAttempt(ctx, pos)
	case core.PhaseProtected:
		return m.service(ctx, pos)
	}
	return nil
}

// service runs one monitor pass over a protected position: venue truth
// first, then price-driven exits, then the periodic verification
func (m *Manager) service(ctx context.Context, pos *core.Position) error {
	meta, ok := m.universe.Meta(pos.Pair)
	if !ok {
		return core.NewTradeError(core.ErrVenueValidation, pos.Pair,
			fmt.Errorf("no symbol metadata"))
	}

	snapshot, err := m.exchange.PositionRisk(ctx, pos.Pair)
	if err != nil {
		return fmt.Errorf("monitor %s: %w", pos.Pair, err)
	}
	if snapshot.Flat() {
		return m.externalClose(ctx, pos)
	}
	m.syncRemaining(pos, snapshot, meta)

	price := snapshot.MarkPrice
	if quote, err := m.exchange.Quote(ctx, pos.Pair); err == nil && quote.Price() > 0 {
		price = quote.Price()
	}
	if price <= 0 {
		return nil
	}
	m.setPrice(pos.Pair, price)
	pos.UpdatePeak(price)
	pos.UpdatedAt = time.Now()

	// the bot-side stop is the primary guarantee; the resident one is
	// the backstop that survives the process dying
	if crossedAdverse(pos, price, pos.StopPrice) {
		return m.beginClose(ctx, pos, core.CloseReasonStop)
	}

	if trigger, hit := m.tripwired(ctx, pos, price); hit {
		m.log.WithFields(map[string]any{
			"pair":    pos.Pair,
			"trigger": trigger,
		}).Warn("tripwire hit")
		return m.beginClose(ctx, pos, core.CloseReasonTripwire)
	}

	if !pos.TP1Done && len(pos.Ladder) > 0 && pos.Reached(price, pos.Ladder[0].Price) {
		if err := m.takeTP1(ctx, pos, meta, price); err != nil {
			return err
		}
		if pos.Phase != core.PhaseProtected {
			return nil
		}
	}

	if pos.TimeStop > 0 && pos.RemainingContracts > 0 &&
		time.Since(pos.CreatedAt) > pos.TimeStop {
		// the last-resort net; firing often means the ladder or the
		// trailing never did their job
		m.log.WithFields(map[string]any{
			"pair": pos.Pair,
			"age":  time.Since(pos.CreatedAt).Round(time.Second),
		}).Warn("time-stop reached")
		return m.beginClose(ctx, pos, core.CloseReasonTimeStop)
	}

	if time.Since(pos.LastVerified) >= m.cfg.Engine.VerifyInterval {
		m.verify(ctx, pos, meta)
	}
	return nil
}

// externalClose books a position the venue flattened between ticks: a
// resident order fired without a matching engine decision
func (m *Manager) externalClose(ctx context.Context, pos *core.Position) error {
	price := m.priceOf(pos.Pair)
	if quote, err := m.exchange.Quote(ctx, pos.Pair); err == nil && quote.Price() > 0 {
		price = quote.Price()
		m.setPrice(pos.Pair, price)
	}

	// residual reduce-only conditionals expire with the position;
	// cancellation here only sweeps stragglers
	if err := m.router.CancelAll(ctx, pos.Pair, pos.ConditionalIDs()...); err != nil {
		m.log.WithError(err).WithField("pair", pos.Pair).Debug("residual cancel after external close")
	}

	pos.CloseReason = core.CloseReasonExternal
	pos.ApplyClose(pos.RemainingContracts, price)
	m.log.WithFields(map[string]any{
		"pair":  pos.Pair,
		"price": price,
	}).Info("venue closed the position between ticks")
	m.finalize(pos)
	return nil
}

// syncRemaining adopts the venue's contract count when the tracked
// remainder drifted, e.g. after a partial manual reduce on the venue
func (m *Manager) syncRemaining(pos *core.Position, snapshot core.PositionRisk, meta core.SymbolMeta) {
	tolerance := meta.StepSize / 2
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	if math.Abs(snapshot.Size()-pos.RemainingContracts) > tolerance {
		m.log.WithFields(map[string]any{
			"pair":    pos.Pair,
			"tracked": pos.RemainingContracts,
			"venue":   snapshot.Size(),
		}).Warn("venue size drifted from tracked remainder, adopting venue")
		pos.RemainingContracts = snapshot.Size()
	}
}

// ---------------------------------------------------------------------
// Take-profit ladder
// ---------------------------------------------------------------------

// takeTP1 closes the first ladder rung bot-side and, for strategies
// that trail after it, re-arms the trailing order on the remainder
func (m *Manager) takeTP1(ctx context.Context, pos *core.Position, meta core.SymbolMeta, price float64) error {
	qty := risk.FloorLot(pos.Ladder[0].Fraction*pos.ActualContracts, meta.StepSize)
	if qty <= 0 {
		pos.TP1Done = true
		m.log.WithField("pair", pos.Pair).Debug("first ladder rung rounds below one lot, skipped")
		return nil
	}
	if qty >= pos.RemainingContracts {
		return m.beginClose(ctx, pos, core.CloseReasonLadder)
	}

	fill, err := m.router.CloseMarket(ctx, pos.Pair, pos.Side, qty)
	if err != nil {
		if core.IsKind(err, core.ErrInsufficientPosition) {
			// flat race, the next tick resolves it as an external close
			return nil
		}
		return fmt.Errorf("tp1 close %s: %w", pos.Pair, err)
	}

	exec := fill.AvgPrice()
	if exec <= 0 {
		exec = price
	}
	pos.ApplyClose(qty, exec)
	pos.TP1Done = true
	pos.UpdatedAt = time.Now()
	m.record(pos, core.EventTPHit, qty, exec)
	m.log.WithFields(map[string]any{
		"pair":      pos.Pair,
		"closed":    qty,
		"price":     exec,
		"remaining": pos.RemainingContracts,
	}).Info("first take-profit taken")

	if pos.TrailAfterTP1 {
		m.rearmTrailing(ctx, pos, meta, price)
	}
	// the resident protections are still sized to the full fill; zeroing
	// the marker makes the verification at the end of this pass re-size
	// them to the remainder
	pos.LastVerified = time.Time{}
	return nil
}

// rearmTrailing replaces the trailing take-profit after a partial
// close: sized to the remainder, activation just beyond current price
func (m *Manager) rearmTrailing(ctx context.Context, pos *core.Position, meta core.SymbolMeta, price float64) {
	if pos.TrailingOrderID != 0 {
		if err := m.router.CancelAll(ctx, pos.Pair, pos.TrailingOrderID); err != nil {
			m.log.WithError(err).WithField("pair", pos.Pair).Warn("old trailing cancel failed")
		}
		pos.TrailingOrderID = 0
	}

	pos.TrailActivation = activationAt(pos.Side, price, meta.TickSize)

	placed, err := m.router.PlaceConditional(ctx, meta, pos.Side.ExitSide(), core.ConditionalOrder{
		Kind:          core.ConditionalTrailingTP,
		ActivatePrice: pos.TrailActivation,
		CallbackRatio: pos.TrailingCallback,
		Contracts:     pos.RemainingContracts,
		ReduceOnly:    true,
	})
	if err != nil {
		m.log.WithError(err).WithField("pair", pos.Pair).
			Error("trailing re-arm failed, verification will retry")
		return
	}
	pos.TrailingOrderID = placed.ExchangeID
	if placed.ActivatePrice > 0 {
		pos.TrailActivation = placed.ActivatePrice
	}
	m.log.WithFields(map[string]any{
		"pair":       pos.Pair,
		"activation": pos.TrailActivation,
		"contracts":  pos.RemainingContracts,
	}).Info("trailing re-armed on the remainder")
}

// activationAt returns the first tick strictly on the favorable side
// of price, the closest activation the venue accepts
func activationAt(side core.PositionSide, price, tick float64) float64 {
	if side == core.PositionSideLong {
		act := risk.SnapUp(price, tick)
		if act <= price {
			act += tick
		}
		return act
	}
	act := risk.SnapDown(price, tick)
	if act >= price {
		act -= tick
	}
	return act
}

// ---------------------------------------------------------------------
// Tripwires
// ---------------------------------------------------------------------

// tripwired evaluates the strategy-specific early exits
func (m *Manager) tripwired(ctx context.Context, pos *core.Position, price float64) (string, bool) {
	switch pos.Strategy {
	case core.StrategyLSVR:
		// wick-only policy: any mark back through the swept level
		// against the position trips, no bar close required
		if pos.SweptLevel <= 0 {
			return "", false
		}
		if pos.Side == core.PositionSideLong && price <= pos.SweptLevel {
			return fmt.Sprintf("re-sweep of %v", pos.SweptLevel), true
		}
		if pos.Side == core.PositionSideShort && price >= pos.SweptLevel {
			return fmt.Sprintf("re-sweep of %v", pos.SweptLevel), true
		}
	case core.StrategyVWAPMR:
		return m.adverseImpulse(ctx, pos)
	}
	return "", false
}

// adverseImpulse trips on a 1-minute candle, or a three-bar run, whose
// body moves against the position by the configured ATR multiple
func (m *Manager) adverseImpulse(ctx context.Context, pos *core.Position) (string, bool) {
	threshold := m.cfg.Strategies.VWAPMR.TripwireATR * pos.ATR
	if threshold <= 0 {
		return "", false
	}

	candles, err := m.exchange.CandlesByLimit(ctx, pos.Pair, microTimeframe, 3)
	if err != nil || len(candles) == 0 {
		if err != nil {
			m.log.WithError(err).WithField("pair", pos.Pair).
				Debug("micro candles unavailable, tripwire skipped")
		}
		return "", false
	}

	sign := pos.Side.Sign()
	for _, c := range candles {
		if adverse := (c.Open - c.Close) * sign; adverse >= threshold {
			return fmt.Sprintf("adverse 1m impulse %.6g", adverse), true
		}
	}
	if adverse := (candles[0].Open - candles[len(candles)-1].Close) * sign; adverse >= threshold {
		return fmt.Sprintf("adverse %dm run %.6g", len(candles), adverse), true
	}
	return "", false
}

// crossedAdverse reports whether price breached level on the losing
// side of the position
func crossedAdverse(pos *core.Position, price, level float64) bool {
	if level <= 0 {
		return false
	}
	if pos.Side == core.PositionSideLong {
		return price <= level
	}
	return price >= level
}

// ---------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------

// verify reconciles the venue's resident orders against the declared
// protections. The declaration wins: drifted or orphaned orders are
// canceled, missing ones re-placed at the current remainder.
func (m *Manager) verify(ctx context.Context, pos *core.Position, meta core.SymbolMeta) {
	report, err := m.router.Verify(ctx, meta, pos.DeclaredConditionals())
	if err != nil {
		m.log.WithError(err).WithField("pair", pos.Pair).Debug("verification pass skipped")
		return
	}

	// adopt matched ids; this also repairs bookkeeping after recovery
	if ord, ok := report.Matched[core.ConditionalStopLoss]; ok {
		pos.SLOrderID = ord.ExchangeID
	}
	if ord, ok := report.Matched[core.ConditionalProfitFloor]; ok {
		pos.TPFloorOrderID = ord.ExchangeID
	}
	if ord, ok := report.Matched[core.ConditionalTrailingTP]; ok {
		pos.TrailingOrderID = ord.ExchangeID
	}

	if report.Clean() {
		pos.LastVerified = time.Now()
		return
	}

	// stale before missing, so a replacement can never double-cover
	for _, stale := range report.Stale {
		if err := m.router.CancelAll(ctx, pos.Pair, stale.ExchangeID); err != nil {
			m.log.WithError(err).WithFields(map[string]any{
				"pair":     pos.Pair,
				"order_id": stale.ExchangeID,
			}).Warn("stale conditional cancel failed")
		}
		m.clearOrderID(pos, stale.ExchangeID)
	}

	for _, cond := range report.Missing {
		placed, err := m.router.PlaceConditional(ctx, meta, pos.Side.ExitSide(), cond)
		if err != nil {
			if cond.Kind == core.ConditionalStopLoss {
				m.toUnprotected(ctx, pos,
					fmt.Errorf("stop-loss re-placement on %s: %w", pos.Pair, err))
				return
			}
			m.log.WithError(err).WithFields(map[string]any{
				"pair": pos.Pair,
				"kind": cond.Kind,
			}).Error("conditional re-placement failed")
			continue
		}
		switch cond.Kind {
		case core.ConditionalStopLoss:
			pos.SLOrderID = placed.ExchangeID
			if placed.StopPrice > 0 {
				pos.StopPrice = placed.StopPrice
			}
		case core.ConditionalProfitFloor:
			pos.TPFloorOrderID = placed.ExchangeID
			if placed.StopPrice > 0 {
				pos.TPFloorPrice = placed.StopPrice
			}
		case core.ConditionalTrailingTP:
			pos.TrailingOrderID = placed.ExchangeID
			if placed.ActivatePrice > 0 {
				pos.TrailActivation = placed.ActivatePrice
			}
		}
		m.log.WithFields(map[string]any{
			"pair":     pos.Pair,
			"kind":     cond.Kind,
			"order_id": placed.ExchangeID,
		}).Info("conditional re-placed")
	}

	pos.LastVerified = time.Now()
}

// clearOrderID drops a canceled exchange id from whichever slot held it
func (m *Manager) clearOrderID(pos *core.Position, id int64) {
	switch id {
	case pos.SLOrderID:
		pos.SLOrderID = 0
	case pos.TPFloorOrderID:
		pos.TPFloorOrderID = 0
	case pos.TrailingOrderID:
		pos.TrailingOrderID = 0
	}
}
