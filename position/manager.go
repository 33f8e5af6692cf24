// Package position owns the lifecycle of leveraged positions: adopting
// the venue fill after entry, attaching the exchange-resident
// protections, monitoring the open exposure, reconciling the resident
// orders against the declared state and driving every close path. The
// venue positions endpoint is the single source of truth for fills;
// requested sizes never survive past submission.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/journal"
	"github.com/driftline/perpsweep/logger"
	"github.com/driftline/perpsweep/order"
	"github.com/driftline/perpsweep/risk"
	"github.com/driftline/perpsweep/universe"
)

// Manager tracks every open position and walks each one through the
// created -> reconciling -> protected -> closing -> closed machine.
// One per-symbol mutex serializes entry, monitor and verification for
// the same pair; the inner mutex only guards the maps.
type Manager struct {
	cfg      *config.Config
	exchange core.Exchange
	router   *order.Router
	universe *universe.Service
	journal  core.Journal
	feed     *journal.Feed
	notifier core.Notifier
	log      logger.Logger

	mu        sync.Mutex
	positions map[string]*core.Position
	locks     map[string]*sync.Mutex
	lastPrice map[string]float64
}

// NewManager wires the lifecycle manager against the venue, the order
// router and the journal
func NewManager(
	exchange core.Exchange,
	router *order.Router,
	universeSvc *universe.Service,
	jrn core.Journal,
	feed *journal.Feed,
	cfg *config.Config,
	log logger.Logger,
) *Manager {
	return &Manager{
		cfg:       cfg,
		exchange:  exchange,
		router:    router,
		universe:  universeSvc,
		journal:   jrn,
		feed:      feed,
		log:       log.WithField("component", "position"),
		positions: make(map[string]*core.Position),
		locks:     make(map[string]*sync.Mutex),
		lastPrice: make(map[string]float64),
	}
}

// SetNotifier configures the alarm sink for unprotected exposure
func (m *Manager) SetNotifier(notifier core.Notifier) {
	m.notifier = notifier
}

// lockFor returns the mutex serializing all work on one pair
func (m *Manager) lockFor(pair string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[pair]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[pair] = lock
	}
	return lock
}

func (m *Manager) get(pair string) *core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[pair]
}

// Has reports whether the pair currently holds a managed position
func (m *Manager) Has(pair string) bool {
	return m.get(pair) != nil
}

// OpenCount returns the number of managed positions
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// SectorCount returns how many managed positions share a sector
func (m *Manager) SectorCount(sector string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sectors := m.universe.Sectors()
	n := 0
	for pair := range m.positions {
		if sectors[pair] == sector {
			n++
		}
	}
	return n
}

// Pairs lists the pairs with a managed position, for the monitor loop
func (m *Manager) Pairs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := make([]string, 0, len(m.positions))
	for pair := range m.positions {
		pairs = append(pairs, pair)
	}
	return pairs
}

// Positions returns snapshot copies of every managed position
func (m *Manager) Positions() []*core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		cp := *pos
		cp.Ladder = append([]core.TPLevel(nil), pos.Ladder...)
		out = append(out, &cp)
	}
	return out
}

// reserve claims the pair's concurrency slot under the global caps.
// The placeholder keeps a racing scan on another pair honest about the
// remaining capacity.
func (m *Manager) reserve(pos *core.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[pos.Pair]; ok {
		return fmt.Errorf("position already held on %s", pos.Pair)
	}
	if len(m.positions) >= m.cfg.Engine.MaxSymbols {
		return fmt.Errorf("max open symbols %d reached", m.cfg.Engine.MaxSymbols)
	}
	sectors := m.universe.Sectors()
	sector := sectors[pos.Pair]
	if sector != "" {
		n := 0
		for pair := range m.positions {
			if sectors[pair] == sector {
				n++
			}
		}
		if n >= m.cfg.Engine.MaxPerSector {
			return fmt.Errorf("sector %s cap %d reached", sector, m.cfg.Engine.MaxPerSector)
		}
	}

	m.positions[pos.Pair] = pos
	return nil
}

func (m *Manager) release(pair string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, pair)
}

// record journals one lifecycle event and publishes it on the feed.
// Journal failures are logged, never propagated: a dead journal must
// not stop the engine from protecting live exposure.
func (m *Manager) record(pos *core.Position, typ core.EventType, contracts, price float64) {
	event := core.Event{
		Time:      time.Now(),
		Type:      typ,
		Pair:      pos.Pair,
		Side:      pos.Side,
		Strategy:  pos.Strategy,
		Phase:     pos.Phase,
		Contracts: contracts,
		Price:     price,
		Leverage:  pos.Leverage,
		Reason:    pos.CloseReason,
		PnL:       pos.RealizedPnL,
		ROE:       pos.ROE(),
		Tags:      pos.Tags,
	}
	if err := m.journal.Append(&event); err != nil {
		m.log.WithError(err).WithField("pair", pos.Pair).Error("journal append failed")
	}
	if m.feed != nil {
		m.feed.Publish(event)
	}
}

// alarm raises the loud path: error log plus notifier
func (m *Manager) alarm(pair string, err error) {
	m.log.WithError(err).WithField("pair", pair).Error("ALARM: unprotected exposure")
	if m.notifier != nil {
		m.notifier.OnError(err)
	}
}

// ---------------------------------------------------------------------
// Entry
// ---------------------------------------------------------------------

// Open enters a new position from a sized signal: market entry, fill
// adoption from the venue positions endpoint, then the resident
// protections. The requested contract count is dead the moment the
// entry is submitted; every downstream size is the venue's.
func (m *Manager) Open(ctx context.Context, sig core.Signal, dec risk.Decision) error {
	lock := m.lockFor(sig.Pair)
	lock.Lock()
	defer lock.Unlock()

	meta, ok := m.universe.Meta(sig.Pair)
	if !ok {
		return core.NewTradeError(core.ErrVenueValidation, sig.Pair,
			fmt.Errorf("no symbol metadata"))
	}

	pos := &core.Position{
		Pair:               sig.Pair,
		Side:               sig.Side,
		Strategy:           sig.Strategy,
		Phase:              core.PhaseCreated,
		RequestedContracts: dec.Contracts,
		Leverage:           dec.Leverage,
		StopPrice:          dec.StopPrice,
		LiquidationPrice:   dec.LiqPrice,
		Ladder:             append([]core.TPLevel(nil), sig.Ladder...),
		TimeStop:           sig.TimeStop,
		TrailAfterTP1:      sig.TrailAfterTP1,
		TrailingCallback:   m.cfg.Risk.TrailingCallback,
		ATR:                sig.ATR,
		SweptLevel:         sig.SweptLevel,
		SweepExtreme:       sig.SweepExtreme,
		Tags:               sig.Tags,
		CreatedAt:          time.Now(),
	}

	if err := m.reserve(pos); err != nil {
		return err
	}

	log := m.log.WithFields(map[string]any{
		"pair":     pos.Pair,
		"side":     pos.Side,
		"strategy": pos.Strategy,
	})

	if err := m.exchange.Setup(ctx, pos.Pair, dec.Leverage); err != nil {
		m.release(pos.Pair)
		return fmt.Errorf("setup %s: %w", pos.Pair, err)
	}

	m.record(pos, core.EventCreated, dec.Contracts, dec.EntryRef)
	log.WithFields(map[string]any{
		"contracts": dec.Contracts,
		"entry_ref": dec.EntryRef,
		"stop":      dec.StopPrice,
		"leverage":  dec.Leverage,
	}).Info("entering position")

	_, err := m.router.EnterMarket(ctx, pos.Pair, pos.Side, dec.Contracts)
	if err != nil && core.KindOf(err) != core.ErrTransientIO {
		// clean venue rejection, nothing can have filled
		m.release(pos.Pair)
		return fmt.Errorf("entry %s: %w", pos.Pair, err)
	}
	if err != nil {
		// the submission may still have landed; the positions
		// endpoint decides
		log.WithError(err).Warn("entry submission unconfirmed, polling for a fill")
	}

	pos.Phase = core.PhaseReconciling
	snapshot, err := m.router.AwaitFill(ctx, pos.Pair, pos.Side)
	if err != nil {
		pos.Phase = core.PhaseFailed
		m.record(pos, core.EventFailed, 0, 0)
		m.release(pos.Pair)
		log.WithError(err).Warn("no fill materialized, entry abandoned")
		return fmt.Errorf("entry %s: %w", pos.Pair, err)
	}

	m.adoptFill(pos, snapshot)
	m.record(pos, core.EventFilled, pos.ActualContracts, pos.EntryPrice)
	log.WithFields(map[string]any{
		"requested": pos.RequestedContracts,
		"actual":    pos.ActualContracts,
		"entry":     pos.EntryPrice,
	}).Info("fill adopted")

	m.protect(ctx, pos, meta)
	return nil
}

// adoptFill copies the venue's post-fill truth onto the position
func (m *Manager) adoptFill(pos *core.Position, snapshot core.PositionRisk) {
	pos.ActualContracts = snapshot.Size()
	pos.RemainingContracts = snapshot.Size()
	pos.EntryPrice = snapshot.EntryPrice
	if snapshot.Leverage > 0 {
		pos.Leverage = snapshot.Leverage
	}
	if snapshot.LiquidationPrice > 0 {
		pos.LiquidationPrice = snapshot.LiquidationPrice
	}
	if pos.Leverage > 0 {
		pos.Margin = pos.ActualContracts * pos.EntryPrice / float64(pos.Leverage)
	}
	pos.PeakPrice = pos.EntryPrice
	pos.UpdatedAt = time.Now()
}

// protect places the resident stop-loss and the trailing take-profit
// whose activation sits at the minimum-profit floor. A position whose
// stop cannot be placed is never tolerated: it goes unprotected and is
// closed on the spot.
func (m *Manager) protect(ctx context.Context, pos *core.Position, meta core.SymbolMeta) {
	exitSide := pos.Side.ExitSide()

	slOrder, err := m.router.PlaceConditional(ctx, meta, exitSide, core.ConditionalOrder{
		Kind:         core.ConditionalStopLoss,
		TriggerPrice: pos.StopPrice,
		Contracts:    pos.ActualContracts,
		ReduceOnly:   true,
	})
	if err != nil {
		m.toUnprotected(ctx, pos, fmt.Errorf("stop-loss placement on %s: %w", pos.Pair, err))
		return
	}
	pos.SLOrderID = slOrder.ExchangeID
	if slOrder.StopPrice > 0 {
		// adopt the venue echo so a nudged trigger stays the declared one
		pos.StopPrice = slOrder.StopPrice
	}

	floor := risk.ProfitFloorPrice(pos.Side, pos.EntryPrice, m.cfg.Risk.MinProfitROE, pos.Leverage)
	pos.TrailActivation = risk.SnapAway(floor, pos.EntryPrice, meta.TickSize)

	trailing, err := m.router.PlaceConditional(ctx, meta, exitSide, core.ConditionalOrder{
		Kind:          core.ConditionalTrailingTP,
		ActivatePrice: pos.TrailActivation,
		CallbackRatio: pos.TrailingCallback,
		Contracts:     pos.ActualContracts,
		ReduceOnly:    true,
	})
	if err != nil {
		// the stop is resident, so the fill is guarded; leave the
		// trailing to the verification pass to re-place
		m.log.WithError(err).WithField("pair", pos.Pair).
			Error("trailing take-profit placement failed, verification will retry")
	} else {
		pos.TrailingOrderID = trailing.ExchangeID
		if trailing.ActivatePrice > 0 {
			pos.TrailActivation = trailing.ActivatePrice
		}
	}

	pos.Phase = core.PhaseProtected
	pos.LastVerified = time.Now()
	pos.UpdatedAt = time.Now()
	m.record(pos, core.EventProtected, pos.ActualContracts, pos.StopPrice)
	m.log.WithFields(map[string]any{
		"pair":        pos.Pair,
		"stop":        pos.StopPrice,
		"activation":  pos.TrailActivation,
		"callback":    pos.TrailingCallback,
		"sl_order":    pos.SLOrderID,
		"trail_order": pos.TrailingOrderID,
	}).Info("position protected")
}

// toUnprotected flags a live fill without a resident stop, raises the
// alarm and immediately tries to flatten it. A failed close leaves the
// position in phase unprotected; the monitor retries every tick.
func (m *Manager) toUnprotected(ctx context.Context, pos *core.Position, cause error) {
	pos.Phase = core.PhaseUnprotected
	pos.CloseReason = core.CloseReasonUnprotected
	pos.UpdatedAt = time.Now()
	m.record(pos, core.EventUnprotected, pos.RemainingContracts, 0)
	m.alarm(pos.Pair, core.NewTradeError(core.ErrUnprotectedFill, pos.Pair, cause))

	if err := m.closeAttempt(ctx, pos); err != nil {
		m.log.WithError(err).WithField("pair", pos.Pair).
			Error("unprotected close failed, will retry every monitor tick")
	}
}

// ---------------------------------------------------------------------
// Closing
// ---------------------------------------------------------------------

// Close drives a managed position through closing -> closed with the
// given reason. Safe to call from any phase holding exposure.
func (m *Manager) Close(ctx context.Context, pair string, reason core.CloseReason) error {
	lock := m.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	pos := m.get(pair)
	if pos == nil || !pos.Open() {
		return fmt.Errorf("no open position on %s", pair)
	}
	return m.beginClose(ctx, pos, reason)
}

// beginClose transitions to closing and runs one close attempt.
// Callers hold the pair lock.
func (m *Manager) beginClose(ctx context.Context, pos *core.Position, reason core.CloseReason) error {
	if pos.Phase != core.PhaseUnprotected {
		pos.Phase = core.PhaseClosing
	}
	pos.CloseReason = reason
	pos.UpdatedAt = time.Now()
	m.record(pos, core.EventClosing, pos.RemainingContracts, m.priceOf(pos.Pair))
	m.log.WithFields(map[string]any{
		"pair":      pos.Pair,
		"reason":    reason,
		"remaining": pos.RemainingContracts,
	}).Info("closing position")

	return m.closeAttempt(ctx, pos)
}

// closeAttempt cancels the resident conditionals, flattens the
// remainder and confirms the venue is flat. Idempotent: the monitor
// re-runs it for positions stuck in closing or unprotected.
func (m *Manager) closeAttempt(ctx context.Context, pos *core.Position) error {
	if err := m.router.CancelAll(ctx, pos.Pair, pos.ConditionalIDs()...); err != nil {
		m.log.WithError(err).WithField("pair", pos.Pair).
			Warn("conditional cleanup incomplete, flattening anyway")
	}

	if pos.RemainingContracts > 0 {
		fill, err := m.router.CloseMarket(ctx, pos.Pair, pos.Side, pos.RemainingContracts)
		switch {
		case err == nil:
			price := fill.AvgPrice()
			if price <= 0 {
				price = m.priceOf(pos.Pair)
			}
			pos.ApplyClose(pos.RemainingContracts, price)
		case core.IsKind(err, core.ErrInsufficientPosition):
			// the venue is already flat: a resident order fired first
			pos.ApplyClose(pos.RemainingContracts, m.priceOf(pos.Pair))
		default:
			return fmt.Errorf("close %s: %w", pos.Pair, err)
		}
	}

	snapshot, err := m.exchange.PositionRisk(ctx, pos.Pair)
	if err != nil {
		return fmt.Errorf("confirm flat %s: %w", pos.Pair, err)
	}
	if !snapshot.Flat() {
		pos.RemainingContracts = snapshot.Size()
		return fmt.Errorf("venue still holds %v contracts on %s",
			snapshot.Contracts, pos.Pair)
	}

	m.finalize(pos)
	return nil
}

// finalize moves a flat position to closed and frees its slot
func (m *Manager) finalize(pos *core.Position) {
	pos.Phase = core.PhaseClosed
	pos.RemainingContracts = 0
	pos.UpdatedAt = time.Now()
	m.record(pos, core.EventClosed, pos.ActualContracts, m.priceOf(pos.Pair))
	m.release(pos.Pair)
	m.log.WithFields(map[string]any{
		"pair":   pos.Pair,
		"reason": pos.CloseReason,
		"pnl":    pos.RealizedPnL,
		"roe":    fmt.Sprintf("%.2f%%", pos.ROE()*100),
	}).Info("position closed")
}

// CloseAll flattens every managed position, for shutdown and the
// manual kill switch
func (m *Manager) CloseAll(ctx context.Context, reason core.CloseReason) {
	for _, pair := range m.Pairs() {
		if err := m.Close(ctx, pair, reason); err != nil {
			m.log.WithError(err).WithField("pair", pair).Error("close-all failed for pair")
		}
	}
}

func (m *Manager) priceOf(pair string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrice[pair]
}

func (m *Manager) setPrice(pair string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if price > 0 {
		m.lastPrice[pair] = price
	}
}
