// Package engine runs the scan and monitor schedulers that drive the
// trading lifecycle: universe gating, signal evaluation, risk sizing
// and entry on the scan side; position servicing and verification on
// the monitor side.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StudioSol/set"
	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/indicator"
	"github.com/driftline/perpsweep/logger"
	"github.com/driftline/perpsweep/metric"
	"github.com/driftline/perpsweep/position"
	"github.com/driftline/perpsweep/regime"
	"github.com/driftline/perpsweep/risk"
	"github.com/driftline/perpsweep/strategy"
	"github.com/driftline/perpsweep/universe"
)

const (
	microTimeframe = "1m"
	dailyTimeframe = "1d"

	// microWarmupBars covers the swing-pivot lookback the structure
	// break check needs, with slack for empty leading bars
	microWarmupBars = 60

	// shutdownTimeout bounds the venue work done after the run
	// context is gone: close-on-exit flattening and the summary
	shutdownTimeout = 30 * time.Second
)

// Signaler produces at most one entry signal for a market view
type Signaler interface {
	Evaluate(c *strategy.Context) (core.Signal, bool)
}

// Engine owns the two scheduler loops and fans per-symbol work out on
// a bounded worker pool. Same-symbol work is serialized twice over:
// the in-flight set keeps a slow task from stacking a second dispatch,
// and the manager's per-symbol locks serialize scan against monitor.
type Engine struct {
	cfg      *config.Config
	exchange core.Exchange
	universe *universe.Service
	signaler Signaler
	sizer    *risk.Engine
	manager  *position.Manager
	journal  core.Journal
	notifier core.Notifier
	log      logger.Logger

	params indicator.Params
	slots  chan struct{}

	inflightMu sync.Mutex
	inflight   *set.LinkedHashSetString

	// armed flips after the cold-start pass; paused is the operator
	// switch. Both gate entries only, never exits.
	armed  atomic.Bool
	paused atomic.Bool
}

// New wires the engine against the venue and the already-constructed
// collaborators. The notifier is optional.
func New(
	exch core.Exchange,
	universeSvc *universe.Service,
	signaler Signaler,
	sizer *risk.Engine,
	manager *position.Manager,
	jrn core.Journal,
	cfg *config.Config,
	log logger.Logger,
) *Engine {
	params := indicator.DefaultParams()
	if cfg.Strategies.Trend.SupertrendPeriod > 0 {
		params.SupertrendPeriod = cfg.Strategies.Trend.SupertrendPeriod
	}
	if cfg.Strategies.Trend.SupertrendFactor > 0 {
		params.SupertrendFactor = cfg.Strategies.Trend.SupertrendFactor
	}

	return &Engine{
		cfg:      cfg,
		exchange: exch,
		universe: universeSvc,
		signaler: signaler,
		sizer:    sizer,
		manager:  manager,
		journal:  jrn,
		log:      log.WithField("component", "engine"),
		params:   params,
		slots:    make(chan struct{}, cfg.Engine.Workers),
		inflight: set.NewLinkedHashSetString(),
	}
}

// SetNotifier configures the sink for the session summary
func (e *Engine) SetNotifier(notifier core.Notifier) {
	e.notifier = notifier
}

// ---------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------

// Run performs the cold start and then drives both scheduler loops
// until the context is canceled. The cold start adopts whatever the
// venue already holds and completes one entry-suppressed scan pass, so
// the first live entry is made against a warmed pipeline.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.universe.Load(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	if err := e.manager.Recover(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	e.scanPass(ctx)
	e.armed.Store(true)
	e.log.Info("cold start complete, entries armed")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.scanLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.monitorLoop(ctx)
	}()
	wg.Wait()

	e.shutdown()
	return nil
}

func (e *Engine) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanPass(ctx)
		}
	}
}

func (e *Engine) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorPass(ctx)
		}
	}
}

// Pause suppresses new entries. Open positions stay fully managed:
// monitoring, verification and exits are unaffected.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.log.Warn("entries paused")
}

// Resume re-arms entries after a pause
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.log.Info("entries resumed")
}

// Paused reports whether entries are suppressed by the operator
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// ---------------------------------------------------------------------
// Scan
// ---------------------------------------------------------------------

// scanPass evaluates every configured symbol once and returns when all
// of them completed. Symbols already holding a position are skipped;
// the rest fan out on the worker slots in declaration order.
func (e *Engine) scanPass(ctx context.Context) {
	e.universe.Refresh(ctx)

	equity, err := e.exchange.Equity(ctx)
	if err != nil {
		e.log.WithError(err).Warn("equity snapshot failed, scan pass skipped")
		return
	}

	var wg sync.WaitGroup
	for _, pair := range e.cfg.Pairs() {
		if e.manager.Has(pair) {
			continue
		}
		if !e.claim(pair) {
			continue
		}

		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			e.release(pair)
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			defer func() { <-e.slots }()
			defer e.release(pair)

			if err := e.scanPair(ctx, pair, equity); err != nil {
				e.log.WithError(err).WithField("pair", pair).Debug("scan skipped")
			}
		}(pair)
	}
	wg.Wait()
}

// scanPair runs the entry pipeline for one symbol: liquidity gate,
// indicator snapshot, regime classification, strategy evaluation, then
// the submission gauntlet
func (e *Engine) scanPair(ctx context.Context, pair string, equity float64) error {
	quote, err := e.exchange.Quote(ctx, pair)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}

	if ok, reason := e.universe.Admit(ctx, pair, quote); !ok {
		e.log.WithFields(map[string]any{"pair": pair, "reason": reason}).Debug("gated out")
		return nil
	}

	meta, ok := e.universe.Meta(pair)
	if !ok {
		return fmt.Errorf("no symbol metadata")
	}

	snap, err := e.snapshot(ctx, pair)
	if err != nil {
		return err
	}

	market := regime.Classify(snap, e.cfg.RegimeBounds(meta.Bucket), e.cfg.Regime.VWAPSlopeBand)

	sig, ok := e.signaler.Evaluate(&strategy.Context{
		Snapshot: snap,
		Quote:    quote,
		Meta:     meta,
		Regime:   market,
		Now:      time.Now(),
	})
	if !ok {
		return nil
	}

	e.submit(ctx, sig, meta, quote, equity)
	return nil
}

// snapshot builds the indicator view: the warmup window on the entry
// timeframe, a 1-minute micro window for structure breaks, and the
// last closed daily bar for yesterday's range
func (e *Engine) snapshot(ctx context.Context, pair string) (*indicator.Snapshot, error) {
	candles, err := e.exchange.CandlesByLimit(ctx, pair, e.cfg.Engine.Timeframe, e.cfg.Engine.WarmupBars)
	if err != nil {
		return nil, fmt.Errorf("candles: %w", err)
	}

	var micro *core.Dataframe
	minutes, err := e.exchange.CandlesByLimit(ctx, pair, microTimeframe, microWarmupBars)
	if err != nil {
		// a missing micro window only mutes the structure-break
		// strategies, never the scan
		e.log.WithError(err).WithField("pair", pair).Debug("micro window unavailable")
	} else if len(minutes) > 0 {
		micro = core.NewDataframe(pair, minutes)
	}

	daily, err := e.exchange.CandlesByLimit(ctx, pair, dailyTimeframe, 1)
	if err != nil {
		e.log.WithError(err).WithField("pair", pair).Debug("daily bar unavailable")
		daily = nil
	}

	return indicator.Compute(core.NewDataframe(pair, candles), micro, daily, e.params)
}

// submit walks a signal through the entry gauntlet: concurrency caps,
// funding blackout, sizing, the entry gates, then the manager. Every
// drop is logged with its reason.
func (e *Engine) submit(ctx context.Context, sig core.Signal, meta core.SymbolMeta, quote core.Quote, equity float64) {
	log := e.log.WithFields(map[string]any{
		"pair":     sig.Pair,
		"strategy": sig.Strategy,
		"side":     sig.Side,
	})

	if e.manager.OpenCount() >= e.cfg.Engine.MaxSymbols {
		log.Debug("signal dropped: max open symbols reached")
		return
	}
	if meta.Sector != "" && e.manager.SectorCount(meta.Sector) >= e.cfg.Engine.MaxPerSector {
		log.WithField("sector", meta.Sector).Debug("signal dropped: sector cap reached")
		return
	}
	if inside, print := fundingBlackout(quote, e.cfg.Engine.FundingBlackout, time.Now()); inside {
		log.WithField("next_funding", print).Debug("signal dropped: funding_blackout")
		return
	}

	dec, err := e.sizer.Size(sig, meta, equity)
	if err != nil {
		log.WithError(err).Debug("signal dropped by sizing")
		return
	}

	if !e.armed.Load() {
		log.Info("entry suppressed during cold start")
		return
	}
	if e.paused.Load() {
		log.Info("entry suppressed while paused")
		return
	}

	if err := e.manager.Open(ctx, sig, dec); err != nil {
		if core.IsKind(err, core.ErrVenueValidation) {
			log.WithError(err).Warn("entry rejected by venue")
			return
		}
		log.WithError(err).Error("entry failed")
	}
}

// fundingBlackout reports whether now falls inside the entry blackout
// around the pair's next funding print. Exits are never blacked out.
func fundingBlackout(quote core.Quote, window time.Duration, now time.Time) (bool, time.Time) {
	if window <= 0 || quote.NextFunding.IsZero() {
		return false, time.Time{}
	}
	gap := quote.NextFunding.Sub(now)
	if gap < 0 {
		gap = -gap
	}
	return gap <= window, quote.NextFunding
}

// ---------------------------------------------------------------------
// Monitor
// ---------------------------------------------------------------------

// monitorPass services every open position on the worker slots. A pair
// whose previous tick is still in flight is skipped, not queued: the
// next tick picks it up.
func (e *Engine) monitorPass(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pair := range e.manager.Pairs() {
		if !e.claim(pair) {
			continue
		}

		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			e.release(pair)
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			defer func() { <-e.slots }()
			defer e.release(pair)

			if err := e.manager.MonitorTick(ctx, pair); err != nil {
				e.log.WithError(err).WithField("pair", pair).Warn("monitor tick failed")
			}
		}(pair)
	}
	wg.Wait()
}

// claim marks a pair's work in flight. False means a previous task on
// the pair has not finished yet and the caller skips it this tick.
func (e *Engine) claim(pair string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()

	if e.inflight.InArray(pair) {
		return false
	}
	e.inflight.Add(pair)
	return true
}

func (e *Engine) release(pair string) {
	e.inflightMu.Lock()
	e.inflight.Remove(pair)
	e.inflightMu.Unlock()
}

// ---------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------

// shutdown runs after both loops stopped. The run context is gone by
// now, so venue work gets a fresh bounded one.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if e.cfg.Engine.CloseOnExit {
		e.log.Info("close on exit enabled, flattening open positions")
		e.manager.CloseAll(ctx, core.CloseReasonShutdown)
	} else if n := e.manager.OpenCount(); n > 0 {
		e.log.Infof("%d position(s) left protected by resident venue orders", n)
	}

	e.summary()
	e.log.Info("engine stopped")
}

// summary renders the session trade table to the log and the notifier
func (e *Engine) summary() {
	events, err := e.journal.Events(core.WithEventTypeIn(core.EventClosed))
	if err != nil {
		e.log.WithError(err).Warn("session summary unavailable")
		return
	}
	if len(events) == 0 {
		return
	}

	table := metric.Summarize(events).Render()
	e.log.Info("session summary\n" + table)
	if e.notifier != nil {
		e.notifier.Notify(table)
	}
}
