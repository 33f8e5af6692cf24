package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/exchange"
	"github.com/driftline/perpsweep/journal"
	"github.com/driftline/perpsweep/logger/zerolog"
	"github.com/driftline/perpsweep/order"
	"github.com/driftline/perpsweep/risk"
	"github.com/driftline/perpsweep/universe"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu     sync.Mutex
	texts  []string
	errors []error
}

func (f *fakeNotifier) Notify(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeNotifier) OnEvent(core.Event) {}

func (f *fakeNotifier) OnError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, err)
}

func (f *fakeNotifier) alarmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errors)
}

func managerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.Timeframe = "5m"
	cfg.Engine.ScanInterval = 5 * time.Second
	cfg.Engine.MonitorInterval = 2 * time.Second
	cfg.Engine.VerifyInterval = 60 * time.Second
	cfg.Engine.Workers = 4
	cfg.Engine.MaxSymbols = 3
	cfg.Engine.MaxPerSector = 2
	cfg.Engine.FundingBlackout = 120 * time.Second

	cfg.Risk.Leverage = 25
	cfg.Risk.MarginFraction = 0.10
	cfg.Risk.MinProfitROE = 0.025
	cfg.Risk.TrailingCallback = 0.003
	cfg.Risk.MaxStopPct = 0.028
	cfg.Risk.MinAbsBufferPct = 0.012
	cfg.Risk.MinLiqDistanceFraction = 0.30
	cfg.Risk.ShrinkStep = 0.10
	cfg.Risk.MaxShrinkSteps = 5
	cfg.Risk.OrderRetries = 5
	cfg.Risk.OrderBackoffBase = time.Millisecond

	cfg.Universe.Symbols = []config.SymbolConfig{
		{Pair: "SOLUSDT", Bucket: "mid", Sector: "l1"},
		{Pair: "ADAUSDT", Bucket: "mid", Sector: "l1"},
		{Pair: "LINKUSDT", Bucket: "mid", Sector: "infra"},
	}
	cfg.Universe.RefreshInterval = time.Hour
	cfg.Universe.MaxMetaAge = 3 * time.Hour
	cfg.Universe.DepthLevels = 5
	gate := config.GateThresholds{MaxSpreadBps: 8, MinDepthUSD: 50_000, MinDayVolumeUSD: 80e6}
	cfg.Universe.Major, cfg.Universe.Mid, cfg.Universe.Micro = gate, gate, gate

	cfg.Strategies.LSVR.TimeStop = 20 * time.Minute
	cfg.Strategies.VWAPMR.TimeStop = 30 * time.Minute
	cfg.Strategies.VWAPMR.TripwireATR = 1.7
	return cfg
}

func managerMetas() []core.SymbolMeta {
	return []core.SymbolMeta{
		{Pair: "SOLUSDT", TickSize: 0.01, StepSize: 1, MinQuantity: 1, MinNotional: 5,
			MaxLeverage: 50, MaintMarginRatio: 0.004},
		{Pair: "ADAUSDT", TickSize: 0.0001, StepSize: 1, MinQuantity: 1, MinNotional: 5,
			MaxLeverage: 50, MaintMarginRatio: 0.004},
		{Pair: "LINKUSDT", TickSize: 0.0001, StepSize: 1, MinQuantity: 1, MinNotional: 5,
			MaxLeverage: 50, MaintMarginRatio: 0.004},
	}
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	cfg    *config.Config
	venue  *exchange.Paper
	mgr    *Manager
	jrn    core.Journal
	alarms *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWrapped(t, nil)
}

// newFixtureWrapped builds the manager against the paper venue,
// optionally decorated to fault-inject specific broker calls
func newFixtureWrapped(t *testing.T, wrap func(*exchange.Paper) core.Exchange) *fixture {
	t.Helper()

	log, err := zerolog.New("disabled", time.Kitchen, false, false)
	require.NoError(t, err)

	cfg := managerConfig()
	paper := exchange.NewPaper(log,
		exchange.WithPaperEquity(1000),
		exchange.WithPaperMeta(managerMetas()...),
	)
	now := time.Now()
	paper.SetQuote(core.Quote{Pair: "SOLUSDT", Bid: 99.99, Ask: 100.01, Mark: 100.00, Time: now})
	paper.SetQuote(core.Quote{Pair: "ADAUSDT", Bid: 0.9999, Ask: 1.0001, Mark: 1.0, Time: now})
	paper.SetQuote(core.Quote{Pair: "LINKUSDT", Bid: 7.5851, Ask: 7.5853, Mark: 7.5852, Time: now})

	var venue core.Exchange = paper
	if wrap != nil {
		venue = wrap(paper)
	}

	uni := universe.NewService(venue, cfg, log)
	require.NoError(t, uni.Load(context.Background()))

	router := order.NewRouter(venue, cfg, log, order.WithFillPolling(3, time.Millisecond))

	jrn, err := journal.NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = jrn.Close() })

	mgr := NewManager(venue, router, uni, jrn, nil, cfg, log)
	alarms := &fakeNotifier{}
	mgr.SetNotifier(alarms)

	return &fixture{
		t:      t,
		ctx:    context.Background(),
		cfg:    cfg,
		venue:  paper,
		mgr:    mgr,
		jrn:    jrn,
		alarms: alarms,
	}
}

func (f *fixture) position(pair string) *core.Position {
	f.t.Helper()
	for _, pos := range f.mgr.Positions() {
		if pos.Pair == pair {
			return pos
		}
	}
	f.t.Fatalf("no managed position on %s", pair)
	return nil
}

func (f *fixture) conditionals(pair string) map[core.OrderType]core.Order {
	f.t.Helper()
	open, err := f.venue.OpenConditionals(f.ctx, pair)
	require.NoError(f.t, err)
	byType := make(map[core.OrderType]core.Order, len(open))
	for _, ord := range open {
		byType[ord.Type] = ord
	}
	return byType
}

func (f *fixture) eventTypes(pair string) []core.EventType {
	f.t.Helper()
	events, err := f.jrn.Events(core.WithEventPair(pair))
	require.NoError(f.t, err)
	types := make([]core.EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func solSignal() core.Signal {
	return core.Signal{
		Pair:      "SOLUSDT",
		Side:      core.PositionSideLong,
		Strategy:  core.StrategyLSVR,
		EntryRef:  100.00,
		StopPrice: 98.60,
		Ladder: []core.TPLevel{
			{Price: 100.40, Fraction: 0.75},
			{Price: 100.80, Fraction: 0.20},
			{Price: 101.44, Fraction: 0.05},
		},
		TimeStop:      20 * time.Minute,
		TrailAfterTP1: true,
		ATR:           0.80,
		SweptLevel:    99.00,
		SweepExtreme:  98.40,
		CreatedAt:     time.Now(),
	}
}

func solDecision(contracts float64) risk.Decision {
	return risk.Decision{
		Pair:      "SOLUSDT",
		Side:      core.PositionSideLong,
		Leverage:  25,
		Contracts: contracts,
		Notional:  contracts * 100,
		Margin:    contracts * 4,
		EntryRef:  100.00,
		StopPrice: 98.60,
		LiqPrice:  96.50,
	}
}

func adaSignal() core.Signal {
	return core.Signal{
		Pair:      "ADAUSDT",
		Side:      core.PositionSideLong,
		Strategy:  core.StrategyVWAPMR,
		EntryRef:  1.0,
		StopPrice: 0.986,
		Ladder: []core.TPLevel{
			{Price: 1.004, Fraction: 0.65},
			{Price: 1.008, Fraction: 0.30},
			{Price: 1.012, Fraction: 0.05},
		},
		TimeStop:  30 * time.Minute,
		ATR:       0.008,
		CreatedAt: time.Now(),
	}
}

func adaDecision() risk.Decision {
	return risk.Decision{
		Pair:      "ADAUSDT",
		Side:      core.PositionSideLong,
		Leverage:  25,
		Contracts: 2500,
		EntryRef:  1.0,
		StopPrice: 0.986,
		LiqPrice:  0.964,
	}
}

// ---------------------------------------------------------------------
// Entry and protection
// ---------------------------------------------------------------------

func TestOpenAdoptsActualFillAndProtects(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(25)))

	pos := f.position("SOLUSDT")
	require.Equal(t, core.PhaseProtected, pos.Phase)
	require.Equal(t, 25.0, pos.ActualContracts)
	require.Equal(t, 25.0, pos.RemainingContracts)
	require.Equal(t, 100.0, pos.EntryPrice)
	require.Equal(t, 25, pos.Leverage)
	require.Equal(t, 100.0, pos.Margin)
	require.InDelta(t, 98.60, pos.StopPrice, 1e-9)

	// trailing activation sits at the minimum-profit floor:
	// 100 * (1 + 0.025/25) = 100.10
	require.InDelta(t, 100.10, pos.TrailActivation, 1e-9)
	require.Equal(t, 0.003, pos.TrailingCallback)

	// both protections are resident, sized to the actual fill
	byType := f.conditionals("SOLUSDT")
	sl, ok := byType[core.OrderTypeStopMarket]
	require.True(t, ok, "stop-loss resident on the venue")
	require.Equal(t, 25.0, sl.Quantity)
	require.InDelta(t, 98.60, sl.StopPrice, 1e-9)
	require.True(t, sl.ReduceOnly)
	require.Equal(t, core.SideTypeSell, sl.Side)
	require.Equal(t, sl.ExchangeID, pos.SLOrderID)

	trail, ok := byType[core.OrderTypeTrailingStopMarket]
	require.True(t, ok, "trailing take-profit resident on the venue")
	require.Equal(t, 25.0, trail.Quantity)
	require.InDelta(t, 100.10, trail.ActivatePrice, 1e-9)
	require.InDelta(t, 0.003, trail.CallbackRate, 1e-9)
	require.Equal(t, trail.ExchangeID, pos.TrailingOrderID)

	require.Equal(t,
		[]core.EventType{core.EventCreated, core.EventFilled, core.EventProtected},
		f.eventTypes("SOLUSDT"))
}

func TestOpenRejectedEntryReleasesSlot(t *testing.T) {
	f := newFixture(t)

	dec := solDecision(0) // rejected by the venue before anything fills
	err := f.mgr.Open(f.ctx, solSignal(), dec)
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.ErrVenueValidation))

	require.False(t, f.mgr.Has("SOLUSDT"))
	require.Zero(t, f.mgr.OpenCount())
}

func TestOpenEnforcesConcurrencyCaps(t *testing.T) {
	f := newFixture(t)
	f.cfg.Engine.MaxPerSector = 1

	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(25)))

	// ADAUSDT shares the l1 sector with the open SOLUSDT position
	err := f.mgr.Open(f.ctx, adaSignal(), adaDecision())
	require.Error(t, err)
	require.Contains(t, err.Error(), "sector")

	f.cfg.Engine.MaxSymbols = 1
	link := adaSignal()
	link.Pair = "LINKUSDT"
	linkDec := adaDecision()
	linkDec.Pair = "LINKUSDT"
	err = f.mgr.Open(f.ctx, link, linkDec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max open symbols")

	require.Equal(t, 1, f.mgr.OpenCount())
}

// slBrokenVenue fails every stop-loss placement with a retryable venue
// error, leaving the rest of the paper venue intact
type slBrokenVenue struct {
	*exchange.Paper
	attempts int
}

func (v *slBrokenVenue) PlaceConditional(ctx context.Context, pair string, side core.SideType,
	cond core.ConditionalOrder) (core.Order, error) {
	if cond.Kind == core.ConditionalStopLoss {
		v.attempts++
		return core.Order{}, &common.APIError{Code: -1001, Message: "Internal error; unable to process your request."}
	}
	return v.Paper.PlaceConditional(ctx, pair, side, cond)
}

func TestUnprotectedFillIsAlarmedAndClosed(t *testing.T) {
	var broken *slBrokenVenue
	f := newFixtureWrapped(t, func(paper *exchange.Paper) core.Exchange {
		broken = &slBrokenVenue{Paper: paper}
		return broken
	})

	// the entry fills, then every stop-loss attempt bounces
	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(41)))

	require.Equal(t, 5, broken.attempts, "stop-loss retried to exhaustion")
	require.Equal(t, 1, f.alarms.alarmCount())
	require.False(t, f.mgr.Has("SOLUSDT"), "exposure flattened immediately")

	snapshot, err := f.venue.PositionRisk(f.ctx, "SOLUSDT")
	require.NoError(t, err)
	require.True(t, snapshot.Flat())

	// the close went through the market path at the full actual size
	var closed core.Order
	for _, ord := range f.venue.Orders(core.WithOrderPair("SOLUSDT"), core.WithTypeIn(core.OrderTypeMarket)) {
		if ord.ReduceOnly {
			closed = ord
		}
	}
	require.Equal(t, 41.0, closed.Quantity)

	events, err := f.jrn.Events(core.WithEventPair("SOLUSDT"))
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, core.EventClosed, last.Type)
	require.Equal(t, core.CloseReasonUnprotected, last.Reason)
	require.Equal(t,
		[]core.EventType{core.EventCreated, core.EventFilled, core.EventUnprotected, core.EventClosed},
		f.eventTypes("SOLUSDT"))
}

// ---------------------------------------------------------------------
// Monitoring
// ---------------------------------------------------------------------

func TestMonitorTakesTP1AndRearmsTrailing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(25)))

	f.venue.SetQuote(core.Quote{Pair: "SOLUSDT", Bid: 100.39, Ask: 100.41, Mark: 100.40, Time: time.Now()})
	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))

	pos := f.position("SOLUSDT")
	require.True(t, pos.TP1Done)
	require.Equal(t, 7.0, pos.RemainingContracts, "floor(0.75*25) = 18 closed, 7 left")
	require.InDelta(t, 18*0.40, pos.RealizedPnL, 1e-9)

	// the trailing was re-placed on the remainder, activation just
	// beyond the current price on the favorable side
	byType := f.conditionals("SOLUSDT")
	trail, ok := byType[core.OrderTypeTrailingStopMarket]
	require.True(t, ok)
	require.Equal(t, 7.0, trail.Quantity)
	require.Greater(t, trail.ActivatePrice, 100.40)
	require.InDelta(t, 100.41, trail.ActivatePrice, 0.011)
	require.Equal(t, trail.ExchangeID, pos.TrailingOrderID)

	// the same pass verified the declared set, so the stop shed its
	// stale full-size order and came back sized to the remainder
	sl, ok := byType[core.OrderTypeStopMarket]
	require.True(t, ok)
	require.Equal(t, 7.0, sl.Quantity, "stop re-sized to the remainder")
	require.Equal(t, sl.ExchangeID, pos.SLOrderID)
	require.False(t, pos.LastVerified.IsZero())

	events := f.eventTypes("SOLUSDT")
	require.Contains(t, events, core.EventTPHit)
}

func TestMonitorBotSideStopBackstop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(25)))
	pos := f.position("SOLUSDT")

	// the venue loses both resident orders; the bot-side stop is the
	// guarantee that still fires
	require.NoError(t, f.venue.CancelOrder(f.ctx, "SOLUSDT", pos.SLOrderID))
	require.NoError(t, f.venue.CancelOrder(f.ctx, "SOLUSDT", pos.TrailingOrderID))

	f.venue.SetQuote(core.Quote{Pair: "SOLUSDT", Bid: 98.49, Ask: 98.51, Mark: 98.50, Time: time.Now()})
	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))

	require.False(t, f.mgr.Has("SOLUSDT"))
	snapshot, err := f.venue.PositionRisk(f.ctx, "SOLUSDT")
	require.NoError(t, err)
	require.True(t, snapshot.Flat())

	events, err := f.jrn.Events(core.WithEventPair("SOLUSDT"))
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, core.EventClosed, last.Type)
	require.Equal(t, core.CloseReasonStop, last.Reason)
	require.InDelta(t, 25*(98.50-100.0), last.PnL, 1e-9)
}

func TestMonitorDetectsExternalClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(25)))

	// price runs, the resident trailing activates at 100.10, peaks at
	// 100.60 and fires on the 0.3% callback
	f.venue.SetQuote(core.Quote{Pair: "SOLUSDT", Bid: 100.59, Ask: 100.61, Mark: 100.60, Time: time.Now()})
	f.venue.SetQuote(core.Quote{Pair: "SOLUSDT", Bid: 100.28, Ask: 100.30, Mark: 100.29, Time: time.Now()})

	snapshot, err := f.venue.PositionRisk(f.ctx, "SOLUSDT")
	require.NoError(t, err)
	require.True(t, snapshot.Flat(), "trailing fired venue-side")

	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))

	require.False(t, f.mgr.Has("SOLUSDT"))
	events, err := f.jrn.Events(core.WithEventPair("SOLUSDT"))
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, core.EventClosed, last.Type)
	require.Equal(t, core.CloseReasonExternal, last.Reason)
	require.InDelta(t, 25*(100.29-100.0), last.PnL, 1e-9)
}

func TestMonitorLSVRReSweepTripwire(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(25)))

	// price wicks back through the swept level at 99.00 without
	// touching the 98.60 stop
	f.venue.SetQuote(core.Quote{Pair: "SOLUSDT", Bid: 98.94, Ask: 98.96, Mark: 98.95, Time: time.Now()})
	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))

	require.False(t, f.mgr.Has("SOLUSDT"))
	open, err := f.venue.OpenConditionals(f.ctx, "SOLUSDT")
	require.NoError(t, err)
	require.Empty(t, open, "all conditionals canceled before closed")

	events, err := f.jrn.Events(core.WithEventPair("SOLUSDT"))
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, core.CloseReasonTripwire, last.Reason)
}

// impulseVenue serves canned 1-minute candles over the paper venue
type impulseVenue struct {
	*exchange.Paper
	candles []core.Candle
}

func (v *impulseVenue) CandlesByLimit(ctx context.Context, pair, period string, limit int) ([]core.Candle, error) {
	return v.candles, nil
}

func TestMonitorAdverseImpulseTripwire(t *testing.T) {
	var venue *impulseVenue
	f := newFixtureWrapped(t, func(paper *exchange.Paper) core.Exchange {
		venue = &impulseVenue{Paper: paper}
		return venue
	})

	sig := solSignal()
	sig.Strategy = core.StrategyVWAPMR
	sig.SweptLevel, sig.SweepExtreme = 0, 0
	sig.TrailAfterTP1 = false
	require.NoError(t, f.mgr.Open(f.ctx, sig, solDecision(25)))

	// threshold is 1.7 * ATR(0.80) = 1.36; a quiet bar stays open
	venue.candles = []core.Candle{
		{Pair: "SOLUSDT", Open: 100.10, Close: 99.90, High: 100.2, Low: 99.8, Complete: true},
	}
	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))
	require.True(t, f.mgr.Has("SOLUSDT"))

	// a 1.5-point adverse candle trips the exit
	venue.candles = []core.Candle{
		{Pair: "SOLUSDT", Open: 101.50, Close: 100.00, High: 101.6, Low: 99.9, Complete: true},
	}
	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))

	require.False(t, f.mgr.Has("SOLUSDT"))
	events, err := f.jrn.Events(core.WithEventPair("SOLUSDT"))
	require.NoError(t, err)
	require.Equal(t, core.CloseReasonTripwire, events[len(events)-1].Reason)
}

func TestMonitorTimeStop(t *testing.T) {
	f := newFixture(t)
	sig := solSignal()
	sig.TimeStop = time.Nanosecond
	require.NoError(t, f.mgr.Open(f.ctx, sig, solDecision(25)))

	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))

	require.False(t, f.mgr.Has("SOLUSDT"))
	events, err := f.jrn.Events(core.WithEventPair("SOLUSDT"))
	require.NoError(t, err)
	require.Equal(t, core.CloseReasonTimeStop, events[len(events)-1].Reason)
}

func TestVerificationReplacesLostConditional(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(25)))
	pos := f.mgr.get("SOLUSDT")
	oldTrailing := pos.TrailingOrderID

	// the trailing vanishes venue-side; force the verification window
	require.NoError(t, f.venue.CancelOrder(f.ctx, "SOLUSDT", oldTrailing))
	pos.LastVerified = time.Time{}

	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))

	byType := f.conditionals("SOLUSDT")
	trail, ok := byType[core.OrderTypeTrailingStopMarket]
	require.True(t, ok, "missing trailing re-placed")
	require.NotEqual(t, oldTrailing, trail.ExchangeID)
	require.Equal(t, 25.0, trail.Quantity)
	require.Equal(t, trail.ExchangeID, pos.TrailingOrderID)
	require.False(t, pos.LastVerified.IsZero())

	// the stop was untouched throughout
	require.Equal(t, pos.SLOrderID, byType[core.OrderTypeStopMarket].ExchangeID)
}

// ---------------------------------------------------------------------
// Closing
// ---------------------------------------------------------------------

func TestManualCloseCancelsConditionalsBeforeClosed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Open(f.ctx, solSignal(), solDecision(25)))

	require.NoError(t, f.mgr.Close(f.ctx, "SOLUSDT", core.CloseReasonManual))

	require.False(t, f.mgr.Has("SOLUSDT"))
	open, err := f.venue.OpenConditionals(f.ctx, "SOLUSDT")
	require.NoError(t, err)
	require.Empty(t, open)

	snapshot, err := f.venue.PositionRisk(f.ctx, "SOLUSDT")
	require.NoError(t, err)
	require.True(t, snapshot.Flat())

	require.Equal(t,
		[]core.EventType{core.EventCreated, core.EventFilled, core.EventProtected,
			core.EventClosing, core.EventClosed},
		f.eventTypes("SOLUSDT"))
}

// ---------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------

func TestRecoverAdoptsProtectedAndClosesBare(t *testing.T) {
	f := newFixture(t)

	// a guarded long survives from a previous run
	require.NoError(t, f.venue.Setup(f.ctx, "SOLUSDT", 10))
	_, err := f.venue.CreateOrderMarket(f.ctx, core.SideTypeBuy, "SOLUSDT", 10, false)
	require.NoError(t, err)
	slOrder, err := f.venue.PlaceConditional(f.ctx, "SOLUSDT", core.SideTypeSell, core.ConditionalOrder{
		Kind: core.ConditionalStopLoss, TriggerPrice: 98.00, Contracts: 10, ReduceOnly: true,
	})
	require.NoError(t, err)
	trailOrder, err := f.venue.PlaceConditional(f.ctx, "SOLUSDT", core.SideTypeSell, core.ConditionalOrder{
		Kind: core.ConditionalTrailingTP, ActivatePrice: 100.50, CallbackRatio: 0.004,
		Contracts: 10, ReduceOnly: true,
	})
	require.NoError(t, err)

	// a bare short with no protections at all
	require.NoError(t, f.venue.Setup(f.ctx, "LINKUSDT", 10))
	_, err = f.venue.CreateOrderMarket(f.ctx, core.SideTypeSell, "LINKUSDT", 5, false)
	require.NoError(t, err)

	// an orphan conditional with no position behind it
	_, err = f.venue.PlaceConditional(f.ctx, "ADAUSDT", core.SideTypeSell, core.ConditionalOrder{
		Kind: core.ConditionalStopLoss, TriggerPrice: 0.95, Contracts: 3,
	})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Recover(f.ctx))

	// the guarded long is adopted as protected
	pos := f.position("SOLUSDT")
	require.Equal(t, core.PhaseProtected, pos.Phase)
	require.True(t, pos.Recovered)
	require.True(t, pos.TP1Done, "no ladder is replayed against unknown targets")
	require.Equal(t, 10.0, pos.ActualContracts)
	require.Equal(t, core.PositionSideLong, pos.Side)
	require.Equal(t, slOrder.ExchangeID, pos.SLOrderID)
	require.InDelta(t, 98.00, pos.StopPrice, 1e-9)
	require.Equal(t, trailOrder.ExchangeID, pos.TrailingOrderID)
	require.InDelta(t, 100.50, pos.TrailActivation, 1e-9)
	require.InDelta(t, 0.004, pos.TrailingCallback, 1e-9)

	// the bare short is unprotected exposure: alarmed and flattened
	require.False(t, f.mgr.Has("LINKUSDT"))
	require.Equal(t, 1, f.alarms.alarmCount())
	snapshot, err := f.venue.PositionRisk(f.ctx, "LINKUSDT")
	require.NoError(t, err)
	require.True(t, snapshot.Flat())
	events, err := f.jrn.Events(core.WithEventPair("LINKUSDT"))
	require.NoError(t, err)
	require.Equal(t, core.CloseReasonUnprotected, events[len(events)-1].Reason)

	// the orphan conditional is swept
	open, err := f.venue.OpenConditionals(f.ctx, "ADAUSDT")
	require.NoError(t, err)
	require.Empty(t, open)

	require.Contains(t, f.eventTypes("SOLUSDT"), core.EventRecovered)
	require.Contains(t, f.eventTypes("LINKUSDT"), core.EventRecovered)
}

func TestRecoverArmsMissingTrailing(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.venue.Setup(f.ctx, "SOLUSDT", 25))
	_, err := f.venue.CreateOrderMarket(f.ctx, core.SideTypeBuy, "SOLUSDT", 10, false)
	require.NoError(t, err)
	_, err = f.venue.PlaceConditional(f.ctx, "SOLUSDT", core.SideTypeSell, core.ConditionalOrder{
		Kind: core.ConditionalStopLoss, TriggerPrice: 98.00, Contracts: 10, ReduceOnly: true,
	})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Recover(f.ctx))

	pos := f.position("SOLUSDT")
	require.Equal(t, core.PhaseProtected, pos.Phase)
	require.Zero(t, pos.TrailingOrderID)
	require.InDelta(t, 100.10, pos.TrailActivation, 1e-9, "recomputed minimum-profit floor")
	require.Equal(t, 0.003, pos.TrailingCallback)

	// the first monitor tick verifies and places the declared trailing
	require.NoError(t, f.mgr.MonitorTick(f.ctx, "SOLUSDT"))

	byType := f.conditionals("SOLUSDT")
	trail, ok := byType[core.OrderTypeTrailingStopMarket]
	require.True(t, ok)
	require.Equal(t, 10.0, trail.Quantity)
	require.InDelta(t, 100.10, trail.ActivatePrice, 1e-9)
}
