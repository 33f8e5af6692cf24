// Package order submits venue orders with bounded retries and verifies
// that the resident protections the engine declared actually exist.
package order

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/exchange"
	"github.com/driftline/perpsweep/logger"

	"github.com/jpillora/backoff"
)

// Router owns every order that leaves the engine. Market entries are
// submitted exactly once, because a timed-out submission may still have
// filled; the positions endpoint is the fill authority and AwaitFill
// polls it. Conditional placements are idempotent and retried.
type Router struct {
	broker core.Broker
	log    logger.Logger

	retries     int
	backoffBase time.Duration

	fillPolls    int
	fillInterval time.Duration
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithFillPolling overrides how long AwaitFill watches for a position
func WithFillPolling(polls int, interval time.Duration) RouterOption {
	return func(r *Router) {
		r.fillPolls = polls
		r.fillInterval = interval
	}
}

// NewRouter creates an order router over a venue broker
func NewRouter(broker core.Broker, cfg *config.Config, log logger.Logger, options ...RouterOption) *Router {
	router := &Router{
		broker:       broker,
		log:          log.WithField("component", "router"),
		retries:      cfg.Risk.OrderRetries,
		backoffBase:  cfg.Risk.OrderBackoffBase,
		fillPolls:    5,
		fillInterval: cfg.Engine.MonitorInterval,
	}

	for _, option := range options {
		option(router)
	}

	return router
}

// newBackoff builds the retry schedule for order submissions
func (r *Router) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    r.backoffBase,
		Max:    30 * time.Second,
		Factor: 2,
	}
}

// ---------------------
// Market Orders
// ---------------------

// EnterMarket submits the entry market order for a position. It is
// deliberately not retried: after a transient failure the order may
// have reached the venue anyway, and only AwaitFill can tell.
func (r *Router) EnterMarket(ctx context.Context, pair string, side core.PositionSide,
	contracts float64) (core.Order, error) {

	r.log.WithFields(map[string]any{"pair": pair, "side": side, "contracts": contracts}).
		Info("submitting entry market order")

	order, err := r.broker.CreateOrderMarket(ctx, side.EntrySide(), pair, contracts, false)
	if err != nil {
		return core.Order{}, err
	}
	return order, nil
}

// CloseMarket submits a reduce-only market order against an open
// position. Contracts above the open exposure are clamped by the venue.
func (r *Router) CloseMarket(ctx context.Context, pair string, side core.PositionSide,
	contracts float64) (core.Order, error) {

	r.log.WithFields(map[string]any{"pair": pair, "side": side, "contracts": contracts}).
		Info("submitting reduce-only close order")

	order, err := r.broker.CreateOrderMarket(ctx, side.ExitSide(), pair, contracts, true)
	if err != nil {
		return core.Order{}, err
	}
	return order, nil
}

// AwaitFill polls the venue position until it reports exposure on the
// expected side. The venue report of the market order is ignored here
// on purpose: whatever the positions endpoint declares is what the
// engine protects. Transient read errors consume a poll and continue.
func (r *Router) AwaitFill(ctx context.Context, pair string, side core.PositionSide) (core.PositionRisk, error) {
	var lastErr error

	for poll := 0; poll < r.fillPolls; poll++ {
		if poll > 0 {
			select {
			case <-ctx.Done():
				return core.PositionRisk{}, ctx.Err()
			case <-time.After(r.fillInterval):
			}
		}

		position, err := r.broker.PositionRisk(ctx, pair)
		if err != nil {
			lastErr = err
			r.log.WithError(err).WithField("pair", pair).Warn("position poll failed")
			continue
		}
		if !position.Flat() && position.Side() == side {
			return position, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no %s exposure after %d polls", side, r.fillPolls)
	}
	return core.PositionRisk{}, core.NewTradeError(core.ErrInsufficientPosition, pair, lastErr)
}

// ---------------------
// Conditional Orders
// ---------------------

// PlaceConditional submits a resident protective order, retrying
// transient failures with exponential backoff. A side-rule rejection is
// repaired exactly once by moving the offending price one tick to the
// valid side; a second rejection surfaces, because repeated nudging
// would walk the trigger away from where the strategy put it.
func (r *Router) PlaceConditional(ctx context.Context, meta core.SymbolMeta, side core.SideType,
	cond core.ConditionalOrder) (core.Order, error) {

	bo := r.newBackoff()
	nudged := false
	var lastErr error

	for attempt := 0; attempt < r.retries; attempt++ {
		order, err := r.broker.PlaceConditional(ctx, meta.Pair, side, cond)
		if err == nil {
			if nudged {
				r.log.WithFields(map[string]any{
					"pair": meta.Pair, "kind": cond.Kind,
				}).Info("conditional accepted after one-tick adjustment")
			}
			return order, nil
		}
		lastErr = err

		if exchange.IsSideRule(err) {
			if nudged {
				return core.Order{}, core.NewTradeError(core.ErrVenueValidation, meta.Pair,
					fmt.Errorf("side rule rejection persists after one-tick adjustment: %w", err))
			}
			cond = nudgeConditional(cond, side, meta.TickSize)
			nudged = true
			continue
		}

		switch core.KindOf(err) {
		case core.ErrTransientIO:
			select {
			case <-ctx.Done():
				return core.Order{}, ctx.Err()
			case <-time.After(bo.Duration()):
			}
		default:
			// Validation and missing-position failures never heal on retry
			return core.Order{}, err
		}
	}

	return core.Order{}, core.NewTradeError(core.ErrTransientIO, meta.Pair,
		fmt.Errorf("conditional %s not placed after %d attempts: %w", cond.Kind, r.retries, lastErr))
}

// nudgeConditional moves the price the side rule complains about one
// tick to its valid side. The trigger semantics never flip: a stop
// stays a stop, only its distance grows by one tick.
func nudgeConditional(cond core.ConditionalOrder, side core.SideType, tick float64) core.ConditionalOrder {
	dir := nudgeDirection(cond.Kind, side)
	if cond.Kind == core.ConditionalTrailingTP {
		cond.ActivatePrice += dir * tick
	} else {
		cond.TriggerPrice += dir * tick
	}
	return cond
}

// nudgeDirection is +1 when the valid side is above the current price.
// Stops trigger on adverse moves, so a sell stop must sit below and a
// buy stop above; profit targets and trailing activations mirror that.
func nudgeDirection(kind core.ConditionalKind, side core.SideType) float64 {
	if kind == core.ConditionalStopLoss {
		if side == core.SideTypeBuy {
			return 1
		}
		return -1
	}
	if side == core.SideTypeSell {
		return 1
	}
	return -1
}

// ---------------------
// Verification
// ---------------------

// VerifyReport is the difference between the protections a position
// declares and what the venue actually holds
type VerifyReport struct {
	// Matched maps each declared kind to the live order covering it
	Matched map[core.ConditionalKind]core.Order

	// Missing lists declared protections with no acceptable live order
	Missing []core.ConditionalOrder

	// Stale lists live orders to cancel: drifted ones being replaced
	// and orphans no declared protection accounts for
	Stale []core.Order
}

// Clean reports whether the venue matches the declaration exactly
func (v VerifyReport) Clean() bool {
	return len(v.Missing) == 0 && len(v.Stale) == 0
}

// Verify compares declared protections against the venue's open
// conditionals for the pair. A live order matches when its kind agrees,
// its trigger (or activation) is within one tick and its size within
// one lot step; anything else is drift to repair.
func (r *Router) Verify(ctx context.Context, meta core.SymbolMeta,
	want []core.ConditionalOrder) (VerifyReport, error) {

	live, err := r.broker.OpenConditionals(ctx, meta.Pair)
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{Matched: make(map[core.ConditionalKind]core.Order)}
	claimed := make(map[int64]bool)

	for _, cond := range want {
		matched := false
		for _, order := range live {
			if claimed[order.ExchangeID] {
				continue
			}
			kind, ok := order.Kind()
			if !ok || kind != cond.Kind {
				continue
			}
			if conditionalMatches(cond, order, meta) {
				report.Matched[cond.Kind] = order
				claimed[order.ExchangeID] = true
				matched = true
				break
			}
		}
		if !matched {
			report.Missing = append(report.Missing, cond)
		}
	}

	for _, order := range live {
		if !claimed[order.ExchangeID] {
			report.Stale = append(report.Stale, order)
		}
	}

	return report, nil
}

// conditionalMatches reports whether a live order still carries the
// declared protection within tick and lot tolerance
func conditionalMatches(cond core.ConditionalOrder, order core.Order, meta core.SymbolMeta) bool {
	tickTol := meta.TickSize * 1.001
	if tickTol <= 0 {
		tickTol = 1e-9
	}
	stepTol := meta.StepSize * 1.001
	if stepTol <= 0 {
		stepTol = 1e-9
	}

	if math.Abs(order.Quantity-cond.Contracts) > stepTol {
		return false
	}

	if cond.Kind == core.ConditionalTrailingTP {
		if math.Abs(order.ActivatePrice-cond.ActivatePrice) > tickTol {
			return false
		}
		return math.Abs(order.CallbackRate-cond.CallbackRatio) <= 1e-4
	}

	return math.Abs(order.StopPrice-cond.TriggerPrice) <= tickTol
}

// ---------------------
// Cancellation
// ---------------------

// CancelAll cancels the given orders, tolerating ones the venue no
// longer knows: an already-triggered protection is not a failure here
func (r *Router) CancelAll(ctx context.Context, pair string, ids ...int64) error {
	var firstErr error
	for _, id := range ids {
		if id == 0 {
			continue
		}
		err := r.broker.CancelOrder(ctx, pair, id)
		if err == nil || exchange.IsUnknownOrder(err) || core.IsKind(err, core.ErrStaleState) {
			continue
		}
		r.log.WithError(err).WithFields(map[string]any{"pair": pair, "order_id": id}).
			Warn("cancel failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
