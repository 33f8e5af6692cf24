package exchange

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/logger"
	"github.com/driftline/perpsweep/risk"

	"github.com/adshao/go-binance/v2/common"
)

// ---------------------
// Types
// ---------------------

// paperPosition is the simulated venue position for one pair.
// Contracts is signed: positive long, negative short.
type paperPosition struct {
	contracts float64
	entry     float64
	leverage  int
}

// paperConditional is a resident conditional order plus the trailing
// state the venue tracks after activation
type paperConditional struct {
	order     core.Order
	activated bool
	extreme   float64
}

// Paper simulates the venue broker against injected or upstream market
// data. Every quote it serves also drives its resident conditional
// orders, so protections trigger exactly when the engine would see the
// price that trips them.
type Paper struct {
	mu sync.Mutex

	feeder      core.Feeder
	equity      float64
	slippageBps float64
	counter     atomic.Int64

	metas        map[string]core.SymbolMeta
	quotes       map[string]core.Quote
	volumes      map[string]float64
	depths       map[string]core.Depth
	leverage     map[string]int
	positions    map[string]*paperPosition
	conditionals map[string][]*paperConditional
	orders       []core.Order

	log logger.Logger
}

// PaperOption defines an option function to configure Paper
type PaperOption func(*Paper)

// ---------------------
// Configuration Options
// ---------------------

// WithPaperEquity sets the starting wallet balance in the margin asset
func WithPaperEquity(amount float64) PaperOption {
	return func(p *Paper) {
		p.equity = amount
	}
}

// WithPaperFeeder wires an upstream market data source, letting the
// simulated broker run against live prices
func WithPaperFeeder(feeder core.Feeder) PaperOption {
	return func(p *Paper) {
		p.feeder = feeder
	}
}

// WithPaperSlippage sets adverse market fill slippage in basis points
func WithPaperSlippage(bps float64) PaperOption {
	return func(p *Paper) {
		p.slippageBps = bps
	}
}

// WithPaperMeta seeds symbol metadata without an upstream feeder
func WithPaperMeta(metas ...core.SymbolMeta) PaperOption {
	return func(p *Paper) {
		for _, meta := range metas {
			p.metas[meta.Pair] = meta
		}
	}
}

// ---------------------
// Constructor
// ---------------------

// NewPaper creates a simulated venue
func NewPaper(log logger.Logger, options ...PaperOption) *Paper {
	paper := &Paper{
		equity:       10000,
		metas:        make(map[string]core.SymbolMeta),
		quotes:       make(map[string]core.Quote),
		volumes:      make(map[string]float64),
		depths:       make(map[string]core.Depth),
		leverage:     make(map[string]int),
		positions:    make(map[string]*paperPosition),
		conditionals: make(map[string][]*paperConditional),
		orders:       make([]core.Order, 0),
		log:          log.WithField("component", "paper"),
	}

	for _, option := range options {
		option(paper)
	}

	return paper
}

// ---------------------
// Simulation Controls
// ---------------------

// SetQuote injects a market snapshot and advances the simulation to it
func (p *Paper) SetQuote(quote core.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observe(quote)
}

// SetMeta injects symbol metadata
func (p *Paper) SetMeta(meta core.SymbolMeta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metas[meta.Pair] = meta
}

// SetDayVolume injects a rolling 24h volume figure
func (p *Paper) SetDayVolume(pair string, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[pair] = volume
}

// SetDepth injects an order book snapshot
func (p *Paper) SetDepth(depth core.Depth) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depths[depth.Pair] = depth
}

// Orders returns a copy of every order the simulated venue has seen,
// narrowed by the given filters
func (p *Paper) Orders(filters ...core.OrderFilter) []core.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]core.Order, 0, len(p.orders))
	for _, order := range p.orders {
		matched := true
		for _, filter := range filters {
			if !filter(order) {
				matched = false
				break
			}
		}
		if matched {
			orders = append(orders, order)
		}
	}
	return orders
}

func (p *Paper) nextID() int64 {
	return p.counter.Add(1)
}

// ---------------------
// Feeder
// ---------------------

// MarketsMeta serves injected metadata, or the upstream feeder's when
// none was seeded
func (p *Paper) MarketsMeta(ctx context.Context) (map[string]core.SymbolMeta, error) {
	p.mu.Lock()
	if len(p.metas) > 0 {
		metas := make(map[string]core.SymbolMeta, len(p.metas))
		for pair, meta := range p.metas {
			metas[pair] = meta
		}
		p.mu.Unlock()
		return metas, nil
	}
	p.mu.Unlock()

	if p.feeder == nil {
		return nil, core.ErrSymbolMetaMissing
	}

	metas, err := p.feeder.MarketsMeta(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	for pair, meta := range metas {
		p.metas[pair] = meta
	}
	p.mu.Unlock()

	return metas, nil
}

// CandlesByLimit delegates to the upstream feeder
func (p *Paper) CandlesByLimit(ctx context.Context, pair, period string, limit int) ([]core.Candle, error) {
	if p.feeder == nil {
		return nil, core.ErrInsufficientData
	}
	return p.feeder.CandlesByLimit(ctx, pair, period, limit)
}

// CandlesByPeriod delegates to the upstream feeder
func (p *Paper) CandlesByPeriod(ctx context.Context, pair, period string, start, end time.Time) ([]core.Candle, error) {
	if p.feeder == nil {
		return nil, core.ErrInsufficientData
	}
	return p.feeder.CandlesByPeriod(ctx, pair, period, start, end)
}

// Quote returns the latest snapshot for a pair. With an upstream
// feeder the live quote is observed first, driving the simulation
// forward before the caller acts on it.
func (p *Paper) Quote(ctx context.Context, pair string) (core.Quote, error) {
	if p.feeder != nil {
		quote, err := p.feeder.Quote(ctx, pair)
		if err != nil {
			return core.Quote{}, err
		}
		p.mu.Lock()
		p.observe(quote)
		p.mu.Unlock()
		return quote, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	quote, ok := p.quotes[pair]
	if !ok {
		return core.Quote{}, core.ErrInvalidPair
	}
	return quote, nil
}

// Quotes returns snapshots for every pair the simulation knows
func (p *Paper) Quotes(ctx context.Context) (map[string]core.Quote, error) {
	if p.feeder != nil {
		quotes, err := p.feeder.Quotes(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		for _, quote := range quotes {
			p.observe(quote)
		}
		p.mu.Unlock()
		return quotes, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	quotes := make(map[string]core.Quote, len(p.quotes))
	for pair, quote := range p.quotes {
		quotes[pair] = quote
	}
	return quotes, nil
}

// DayVolumes serves injected volumes, or the upstream feeder's
func (p *Paper) DayVolumes(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	if len(p.volumes) > 0 {
		volumes := make(map[string]float64, len(p.volumes))
		for pair, volume := range p.volumes {
			volumes[pair] = volume
		}
		p.mu.Unlock()
		return volumes, nil
	}
	p.mu.Unlock()

	if p.feeder == nil {
		return map[string]float64{}, nil
	}
	return p.feeder.DayVolumes(ctx)
}

// Depth serves an injected book, or the upstream feeder's
func (p *Paper) Depth(ctx context.Context, pair string, levels int) (core.Depth, error) {
	p.mu.Lock()
	depth, ok := p.depths[pair]
	p.mu.Unlock()
	if ok {
		return depth, nil
	}

	if p.feeder == nil {
		return core.Depth{}, core.ErrInvalidPair
	}
	return p.feeder.Depth(ctx, pair, levels)
}

// ---------------------
// Broker
// ---------------------

// Equity returns the simulated wallet balance. Only realized profit
// moves it, mirroring the venue wallet balance.
func (p *Paper) Equity(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

// Setup records the leverage applied to a pair
func (p *Paper) Setup(_ context.Context, pair string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[pair] = leverage
	return nil
}

// PositionRisk returns the simulated position snapshot for a pair
func (p *Paper) PositionRisk(_ context.Context, pair string) (core.PositionRisk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionRisk(pair), nil
}

// PositionsRisk returns every non-flat simulated position
func (p *Paper) PositionsRisk(_ context.Context) ([]core.PositionRisk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	risks := make([]core.PositionRisk, 0, len(p.positions))
	for pair, pos := range p.positions {
		if pos.contracts == 0 {
			continue
		}
		risks = append(risks, p.positionRisk(pair))
	}
	return risks, nil
}

func (p *Paper) positionRisk(pair string) core.PositionRisk {
	pos, ok := p.positions[pair]
	if !ok || pos.contracts == 0 {
		return core.PositionRisk{Pair: pair, UpdatedAt: time.Now()}
	}

	side := core.PositionSideLong
	if pos.contracts < 0 {
		side = core.PositionSideShort
	}

	return core.PositionRisk{
		Pair:             pair,
		Contracts:        pos.contracts,
		EntryPrice:       pos.entry,
		Leverage:         pos.leverage,
		LiquidationPrice: risk.LiquidationPrice(side, pos.entry, pos.leverage, p.metas[pair].MaintMarginRatio),
		MarkPrice:        p.markPrice(pair),
		UpdatedAt:        time.Now(),
	}
}

// CreateOrderMarket fills a market order at the last observed price
// with adverse slippage applied
func (p *Paper) CreateOrderMarket(_ context.Context, side core.SideType, pair string,
	contracts float64, reduceOnly bool) (core.Order, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	mark := p.markPrice(pair)
	if mark <= 0 {
		return core.Order{}, ClassifyVenueErr(pair, &OrderError{Err: core.ErrInvalidPair, Pair: pair, Contracts: contracts})
	}
	if contracts <= 0 {
		return core.Order{}, ClassifyVenueErr(pair,
			&common.APIError{Code: CodeQuantityInvalid, Message: "Quantity less than or equal to zero."})
	}

	order, err := p.fill(pair, side, contracts, p.slip(mark, side), reduceOnly)
	if err != nil {
		return core.Order{}, ClassifyVenueErr(pair, err)
	}
	return order, nil
}

// PlaceConditional registers a resident conditional order, enforcing
// the venue side rules against the current mark price
func (p *Paper) PlaceConditional(_ context.Context, pair string, side core.SideType,
	cond core.ConditionalOrder) (core.Order, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	mark := p.markPrice(pair)
	if mark <= 0 {
		return core.Order{}, ClassifyVenueErr(pair, &OrderError{Err: core.ErrInvalidPair, Pair: pair, Contracts: cond.Contracts})
	}

	if violatesSideRule(cond, side, mark) {
		return core.Order{}, ClassifyVenueErr(pair,
			&common.APIError{Code: CodeSideRule, Message: "Order would immediately trigger."})
	}

	now := time.Now()
	order := core.Order{
		ID:            p.nextID(),
		ExchangeID:    p.nextID(),
		Pair:          pair,
		Side:          side,
		Type:          cond.Kind.OrderType(),
		Status:        core.OrderStatusTypeNew,
		Quantity:      cond.Contracts,
		StopPrice:     cond.TriggerPrice,
		ActivatePrice: cond.ActivatePrice,
		CallbackRate:  cond.CallbackRatio,
		ReduceOnly:    cond.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	p.conditionals[pair] = append(p.conditionals[pair], &paperConditional{order: order})
	p.orders = append(p.orders, order)
	return order, nil
}

// OpenConditionals lists resident conditional orders for a pair
func (p *Paper) OpenConditionals(_ context.Context, pair string) ([]core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	orders := make([]core.Order, 0, len(p.conditionals[pair]))
	for _, c := range p.conditionals[pair] {
		orders = append(orders, c.order)
	}
	return orders, nil
}

// CancelOrder removes a resident order, answering like the venue when
// the order is already gone
func (p *Paper) CancelOrder(_ context.Context, pair string, exchangeID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	open := p.conditionals[pair]
	for i, c := range open {
		if c.order.ExchangeID == exchangeID {
			c.order.Status = core.OrderStatusTypeCanceled
			c.order.UpdatedAt = time.Now()
			p.orders = append(p.orders, c.order)
			p.conditionals[pair] = append(open[:i], open[i+1:]...)
			return nil
		}
	}

	return ClassifyVenueErr(pair, &common.APIError{Code: CodeUnknownOrder, Message: "Unknown order sent."})
}

// ---------------------
// Simulation Internals
// ---------------------

// markPrice is the last observed reference price for a pair
func (p *Paper) markPrice(pair string) float64 {
	return p.quotes[pair].Price()
}

// slip moves a fill price against the taker
func (p *Paper) slip(price float64, side core.SideType) float64 {
	if p.slippageBps == 0 {
		return price
	}
	adj := price * p.slippageBps / 10000
	if side == core.SideTypeBuy {
		return price + adj
	}
	return price - adj
}

// observe advances the simulation to a new quote: trailing extremes
// update and resident conditionals fire on mark crossings
func (p *Paper) observe(quote core.Quote) {
	p.quotes[quote.Pair] = quote
	mark := quote.Price()
	if mark <= 0 {
		return
	}

	// Fire on a copy; fills mutate the open list
	open := make([]*paperConditional, len(p.conditionals[quote.Pair]))
	copy(open, p.conditionals[quote.Pair])

	for _, c := range open {
		if price, ok := c.observe(mark); ok {
			p.trigger(quote.Pair, c, price)
		}
	}
}

// observe updates one conditional with a new mark, reporting the fill
// price when it triggers
func (c *paperConditional) observe(mark float64) (float64, bool) {
	sell := c.order.Side == core.SideTypeSell

	switch c.order.Type {
	case core.OrderTypeStopMarket:
		if sell && mark <= c.order.StopPrice {
			return c.order.StopPrice, true
		}
		if !sell && mark >= c.order.StopPrice {
			return c.order.StopPrice, true
		}

	case core.OrderTypeTakeProfitMarket:
		if sell && mark >= c.order.StopPrice {
			return c.order.StopPrice, true
		}
		if !sell && mark <= c.order.StopPrice {
			return c.order.StopPrice, true
		}

	case core.OrderTypeTrailingStopMarket:
		if !c.activated {
			if (sell && mark >= c.order.ActivatePrice) || (!sell && mark <= c.order.ActivatePrice) {
				c.activated = true
				c.extreme = mark
			}
			return 0, false
		}
		if sell {
			c.extreme = math.Max(c.extreme, mark)
			level := c.extreme * (1 - c.order.CallbackRate)
			if mark <= level {
				return level, true
			}
		} else {
			c.extreme = math.Min(c.extreme, mark)
			level := c.extreme * (1 + c.order.CallbackRate)
			if mark >= level {
				return level, true
			}
		}
	}

	return 0, false
}

// trigger executes a fired conditional as a reduce-only market fill.
// A conditional that an earlier fill already expired is skipped.
func (p *Paper) trigger(pair string, fired *paperConditional, price float64) {
	found := false
	open := p.conditionals[pair]
	for i, c := range open {
		if c == fired {
			p.conditionals[pair] = append(open[:i], open[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return
	}

	fired.order.Status = core.OrderStatusTypeFilled
	fired.order.ExecutedQuantity = fired.order.Quantity
	fired.order.CumQuote = fired.order.Quantity * price
	fired.order.UpdatedAt = time.Now()
	p.orders = append(p.orders, fired.order)

	if _, err := p.fill(pair, fired.order.Side, fired.order.Quantity, price, true); err != nil {
		p.log.WithError(err).WithField("pair", pair).Warn("conditional fill failed")
	}
}

// fill applies a market execution to the simulated position, returning
// the venue-style fill report. Reduce-only orders clamp to the open
// exposure and are rejected on a flat pair.
func (p *Paper) fill(pair string, side core.SideType, contracts, price float64,
	reduceOnly bool) (core.Order, error) {

	pos, ok := p.positions[pair]
	if !ok {
		pos = &paperPosition{leverage: p.leverage[pair]}
		p.positions[pair] = pos
	}

	dir := 1.0
	if side == core.SideTypeSell {
		dir = -1
	}

	if reduceOnly {
		if pos.contracts == 0 || pos.contracts*dir > 0 {
			return core.Order{}, &common.APIError{Code: CodeReduceOnlyReject, Message: "ReduceOnly Order is rejected."}
		}
		if contracts > math.Abs(pos.contracts) {
			contracts = math.Abs(pos.contracts)
		}
	}

	remaining := contracts

	// Reduce the opposing exposure first, realizing profit
	if pos.contracts*dir < 0 {
		reduced := math.Min(math.Abs(pos.contracts), remaining)
		if pos.contracts > 0 {
			p.equity += (price - pos.entry) * reduced
		} else {
			p.equity += (pos.entry - price) * reduced
		}
		pos.contracts += reduced * dir
		remaining -= reduced

		if pos.contracts == 0 {
			pos.entry = 0
			p.expireReduceOnly(pair)
		}
	}

	// Whatever remains opens or extends exposure at the fill price
	if remaining > 0 {
		size := math.Abs(pos.contracts)
		pos.entry = (pos.entry*size + price*remaining) / (size + remaining)
		pos.contracts += remaining * dir
		if lev, ok := p.leverage[pair]; ok {
			pos.leverage = lev
		}
	}

	now := time.Now()
	order := core.Order{
		ID:               p.nextID(),
		ExchangeID:       p.nextID(),
		Pair:             pair,
		Side:             side,
		Type:             core.OrderTypeMarket,
		Status:           core.OrderStatusTypeFilled,
		Price:            price,
		Quantity:         contracts,
		ExecutedQuantity: contracts,
		CumQuote:         contracts * price,
		ReduceOnly:       reduceOnly,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	p.orders = append(p.orders, order)
	return order, nil
}

// expireReduceOnly drops the pair's remaining reduce-only conditionals
// the way the venue does when a position fully closes
func (p *Paper) expireReduceOnly(pair string) {
	kept := p.conditionals[pair][:0]
	for _, c := range p.conditionals[pair] {
		if c.order.ReduceOnly {
			c.order.Status = core.OrderStatusTypeExpired
			c.order.UpdatedAt = time.Now()
			p.orders = append(p.orders, c.order)
			continue
		}
		kept = append(kept, c)
	}
	p.conditionals[pair] = kept
}

// violatesSideRule reports whether a conditional trigger already sits
// on the triggering side of the mark, which the venue rejects
func violatesSideRule(cond core.ConditionalOrder, side core.SideType, mark float64) bool {
	sell := side == core.SideTypeSell

	switch cond.Kind {
	case core.ConditionalStopLoss:
		if sell {
			return mark <= cond.TriggerPrice
		}
		return mark >= cond.TriggerPrice

	case core.ConditionalProfitFloor:
		if sell {
			return mark >= cond.TriggerPrice
		}
		return mark <= cond.TriggerPrice

	case core.ConditionalTrailingTP:
		// Activation on the wrong side would activate immediately
		if sell {
			return mark >= cond.ActivatePrice
		}
		return mark <= cond.ActivatePrice
	}

	return false
}
