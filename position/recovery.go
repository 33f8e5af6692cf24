package position

import (
	"context"
	"fmt"
	"time"

	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/risk"
)

// Recover rebuilds the managed set from the venue at startup. A
// position with a resident stop is adopted as protected; one without
// is unprotected exposure and gets closed; conditionals with no
// position behind them are orphans and get canceled. Entries are never
// re-submitted here.
func (m *Manager) Recover(ctx context.Context) error {
	live, err := m.exchange.PositionsRisk(ctx)
	if err != nil {
		return fmt.Errorf("recovery: list venue positions: %w", err)
	}

	held := make(map[string]core.PositionRisk, len(live))
	for _, snapshot := range live {
		held[snapshot.Pair] = snapshot
	}

	configured := make(map[string]bool)
	for _, pair := range m.cfg.Pairs() {
		configured[pair] = true
	}
	for pair := range held {
		if !configured[pair] {
			m.log.WithField("pair", pair).
				Warn("venue holds a position outside the configured universe, left untouched")
		}
	}

	for _, pair := range m.cfg.Pairs() {
		if err := m.recoverPair(ctx, pair, held[pair]); err != nil {
			m.log.WithError(err).WithField("pair", pair).Error("recovery failed for pair")
		}
	}

	if n := m.OpenCount(); n > 0 {
		m.log.Infof("recovery adopted %d position(s)", n)
	}
	return nil
}

// recoverPair reconciles one configured pair: orphan cleanup when the
// venue is flat, adoption when it is not
func (m *Manager) recoverPair(ctx context.Context, pair string, snapshot core.PositionRisk) error {
	lock := m.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	conditionals, err := m.exchange.OpenConditionals(ctx, pair)
	if err != nil {
		return fmt.Errorf("list conditionals: %w", err)
	}

	if snapshot.Flat() {
		if len(conditionals) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(conditionals))
		for _, ord := range conditionals {
			ids = append(ids, ord.ExchangeID)
		}
		m.log.WithFields(map[string]any{
			"pair":   pair,
			"orders": len(ids),
		}).Warn("orphan conditionals with no position, canceling")
		return m.router.CancelAll(ctx, pair, ids...)
	}

	pos := m.adoptVenuePosition(snapshot)

	// classify the resident orders into their slots; anything beyond
	// one per kind is an extra to cancel
	var extras []int64
	for _, ord := range conditionals {
		kind, ok := ord.Kind()
		switch {
		case ok && kind == core.ConditionalStopLoss && pos.SLOrderID == 0:
			pos.SLOrderID = ord.ExchangeID
			pos.StopPrice = ord.StopPrice
		case ok && kind == core.ConditionalTrailingTP && pos.TrailingOrderID == 0:
			pos.TrailingOrderID = ord.ExchangeID
			pos.TrailActivation = ord.ActivatePrice
			if ord.CallbackRate > 0 {
				pos.TrailingCallback = ord.CallbackRate
			}
		case ok && kind == core.ConditionalProfitFloor && pos.TPFloorOrderID == 0:
			pos.TPFloorOrderID = ord.ExchangeID
			pos.TPFloorPrice = ord.StopPrice
		default:
			extras = append(extras, ord.ExchangeID)
		}
	}
	if len(extras) > 0 {
		m.log.WithFields(map[string]any{
			"pair":   pair,
			"orders": len(extras),
		}).Warn("extra conditionals on recovered position, canceling")
		if err := m.router.CancelAll(ctx, pair, extras...); err != nil {
			m.log.WithError(err).WithField("pair", pair).Warn("extra conditional cleanup incomplete")
		}
	}

	if pos.SLOrderID == 0 {
		m.insert(pos)
		m.record(pos, core.EventRecovered, pos.ActualContracts, pos.EntryPrice)
		m.toUnprotected(ctx, pos,
			fmt.Errorf("recovered position on %s has no resident stop", pair))
		return nil
	}

	if pos.TrailingOrderID == 0 {
		m.armRecoveredTrailing(ctx, pos)
	}

	pos.Phase = core.PhaseProtected
	pos.LastVerified = time.Time{} // full verification on the first tick
	m.insert(pos)
	m.record(pos, core.EventRecovered, pos.ActualContracts, pos.EntryPrice)
	m.log.WithFields(map[string]any{
		"pair":        pair,
		"side":        pos.Side,
		"contracts":   pos.ActualContracts,
		"entry":       pos.EntryPrice,
		"stop":        pos.StopPrice,
		"sl_order":    pos.SLOrderID,
		"trail_order": pos.TrailingOrderID,
	}).Info("position recovered as protected")
	return nil
}

// insert places a position into the managed set without the cap
// checks. Recovery never abandons live exposure to a concurrency cap;
// the caps only gate new entries.
func (m *Manager) insert(pos *core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Pair] = pos
	if len(m.positions) > m.cfg.Engine.MaxSymbols {
		m.log.Warnf("recovered positions exceed the max_symbols cap (%d > %d)",
			len(m.positions), m.cfg.Engine.MaxSymbols)
	}
}

// adoptVenuePosition synthesizes a position record from the venue
// snapshot. The ladder is not recoverable, so no first rung is
// replayed against unknown targets; the time-stop restarts from
// recovery on the longest configured window.
func (m *Manager) adoptVenuePosition(snapshot core.PositionRisk) *core.Position {
	now := time.Now()
	pos := &core.Position{
		Pair:               snapshot.Pair,
		Side:               snapshot.Side(),
		Phase:              core.PhaseReconciling,
		RequestedContracts: snapshot.Size(),
		ActualContracts:    snapshot.Size(),
		RemainingContracts: snapshot.Size(),
		EntryPrice:         snapshot.EntryPrice,
		Leverage:           snapshot.Leverage,
		LiquidationPrice:   snapshot.LiquidationPrice,
		PeakPrice:          snapshot.EntryPrice,
		TimeStop:           m.recoveredTimeStop(),
		TP1Done:            true,
		Recovered:          true,
		Tags:               map[string]string{"recovered": "true"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if pos.Leverage > 0 {
		pos.Margin = pos.ActualContracts * pos.EntryPrice / float64(pos.Leverage)
	}
	return pos
}

// armRecoveredTrailing declares a trailing take-profit for an adopted
// position that came back without one. The activation is the
// recomputed minimum-profit floor, pushed beyond current price when
// the market already trades past it; the first verification pass
// places the order.
func (m *Manager) armRecoveredTrailing(ctx context.Context, pos *core.Position) {
	meta, ok := m.universe.Meta(pos.Pair)
	if !ok {
		return
	}

	floor := risk.ProfitFloorPrice(pos.Side, pos.EntryPrice, m.cfg.Risk.MinProfitROE, pos.Leverage)
	act := risk.SnapAway(floor, pos.EntryPrice, meta.TickSize)

	if quote, err := m.exchange.Quote(ctx, pos.Pair); err == nil && quote.Price() > 0 {
		price := quote.Price()
		m.setPrice(pos.Pair, price)
		if pos.Reached(price, act) {
			act = activationAt(pos.Side, price, meta.TickSize)
		}
	} else if err != nil {
		// without a price the floor may already be breached and the
		// placement would bounce forever; leave the stop alone
		m.log.WithError(err).WithField("pair", pos.Pair).
			Warn("no quote for recovered trailing activation, skipping trail")
		return
	}

	pos.TrailActivation = act
	if pos.TrailingCallback <= 0 {
		pos.TrailingCallback = m.cfg.Risk.TrailingCallback
	}
}

// recoveredTimeStop returns the longest configured time-stop, the
// conservative window for a position of unknown origin
func (m *Manager) recoveredTimeStop() time.Duration {
	longest := m.cfg.Strategies.LSVR.TimeStop
	if d := m.cfg.Strategies.VWAPMR.TimeStop; d > longest {
		longest = d
	}
	if d := m.cfg.Strategies.Trend.TimeStop; d > longest {
		longest = d
	}
	return longest
}
