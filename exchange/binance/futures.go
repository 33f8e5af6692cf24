package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/logger"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

// Futures is the venue adapter for USDⓈ-M perpetual contracts. It
// implements core.Exchange over the REST API; candle, quote and depth
// reads are unauthenticated, everything under core.Broker needs keys.
type Futures struct {
	client *futures.Client
	log    logger.Logger

	apiKey    string
	apiSecret string
	testnet   bool
	debug     bool

	metas map[string]core.SymbolMeta
	mu    sync.RWMutex
}

// FuturesOption is a function that configures a Futures client
type FuturesOption func(*Futures)

// WithFuturesCredentials sets the API credentials for the client
func WithFuturesCredentials(key, secret string) FuturesOption {
	return func(f *Futures) {
		f.apiKey = key
		f.apiSecret = secret
	}
}

// WithFuturesTestnet points the client at the venue testnet
func WithFuturesTestnet() FuturesOption {
	return func(f *Futures) {
		f.testnet = true
	}
}

// WithFuturesDebug enables request logging on the venue client
func WithFuturesDebug() FuturesOption {
	return func(f *Futures) {
		f.debug = true
	}
}

// NewFutures creates a venue client, verifies connectivity and primes
// the symbol metadata cache
func NewFutures(ctx context.Context, log logger.Logger, options ...FuturesOption) (*Futures, error) {
	f := &Futures{
		log:   log.WithField("component", "binance"),
		metas: make(map[string]core.SymbolMeta),
	}

	for _, option := range options {
		option(f)
	}

	// The endpoint is resolved at client construction, so the testnet
	// switch has to be thrown first
	futures.UseTestnet = f.testnet
	f.client = futures.NewClient(f.apiKey, f.apiSecret)
	f.client.Debug = f.debug

	if err := f.client.NewPingService().Do(ctx); err != nil {
		return nil, fmt.Errorf("binance futures ping fail: %w", err)
	}

	if _, err := f.MarketsMeta(ctx); err != nil {
		return nil, fmt.Errorf("binance futures metadata load fail: %w", err)
	}

	return f, nil
}

// ---------------------
// Feeder
// ---------------------

// MarketsMeta fetches exchange info and leverage brackets for every
// trading USDⓈ-M perpetual and refreshes the local cache. Brackets are
// a signed endpoint; without credentials the metadata is served with
// venue leverage limits unknown, which keyless data-only runs tolerate.
func (f *Futures) MarketsMeta(ctx context.Context) (map[string]core.SymbolMeta, error) {
	info, err := f.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, wrapErr("", err)
	}

	brackets := make(map[string]*futures.LeverageBracket)
	if f.apiKey != "" {
		list, err := f.client.NewGetLeverageBracketService().Do(ctx)
		if err != nil {
			f.log.WithError(err).Warn("leverage brackets unavailable, venue limits unknown")
		}
		for _, b := range list {
			brackets[b.Symbol] = b
		}
	}

	metas := make(map[string]core.SymbolMeta)
	for _, symbol := range info.Symbols {
		if symbol.Status != "TRADING" ||
			symbol.ContractType != futures.ContractTypePerpetual ||
			symbol.QuoteAsset != marginAsset {
			continue
		}

		meta, err := createSymbolMeta(symbol, brackets[symbol.Symbol])
		if err != nil {
			return nil, err
		}
		metas[symbol.Symbol] = meta
	}

	f.mu.Lock()
	f.metas = metas
	f.mu.Unlock()

	return metas, nil
}

// meta returns the cached metadata for a pair
func (f *Futures) meta(pair string) (core.SymbolMeta, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	meta, ok := f.metas[pair]
	if !ok {
		return core.SymbolMeta{}, core.NewTradeError(core.ErrVenueValidation, pair, core.ErrSymbolMetaMissing)
	}
	return meta, nil
}

// CandlesByLimit gets the most recent closed candles for a pair
func (f *Futures) CandlesByLimit(ctx context.Context, pair, period string, limit int) ([]core.Candle, error) {
	data, err := f.client.NewKlinesService().
		Symbol(pair).
		Interval(period).
		Limit(limit + 1). // +1 to account for the incomplete candle
		Do(ctx)
	if err != nil {
		return nil, wrapErr(pair, err)
	}

	candles := make([]core.Candle, 0, len(data))
	for i, d := range data {
		// Skip the last candle as it's still forming
		if i == len(data)-1 {
			break
		}
		candles = append(candles, convertKline(pair, *d))
	}

	return candles, nil
}

// CandlesByPeriod gets candles for a pair within a time range
func (f *Futures) CandlesByPeriod(ctx context.Context, pair, period string,
	start, end time.Time) ([]core.Candle, error) {

	data, err := f.client.NewKlinesService().
		Symbol(pair).
		Interval(period).
		StartTime(start.UnixNano() / int64(time.Millisecond)).
		EndTime(end.UnixNano() / int64(time.Millisecond)).
		Do(ctx)
	if err != nil {
		return nil, wrapErr(pair, err)
	}

	candles := make([]core.Candle, 0, len(data))
	for _, d := range data {
		candles = append(candles, convertKline(pair, *d))
	}

	return candles, nil
}

// Quote returns the top-of-book, mark price and next funding time for
// a pair in two round trips
func (f *Futures) Quote(ctx context.Context, pair string) (core.Quote, error) {
	books, err := f.client.NewListBookTickersService().Symbol(pair).Do(ctx)
	if err != nil {
		return core.Quote{}, wrapErr(pair, err)
	}
	if len(books) == 0 {
		return core.Quote{}, core.NewTradeError(core.ErrVenueValidation, pair, core.ErrInvalidPair)
	}

	premiums, err := f.client.NewPremiumIndexService().Symbol(pair).Do(ctx)
	if err != nil {
		return core.Quote{}, wrapErr(pair, err)
	}

	quote := bookToQuote(books[0])
	if len(premiums) > 0 {
		applyPremium(&quote, premiums[0])
	}
	return quote, nil
}

// Quotes returns quotes for every tradable perp in two round trips
func (f *Futures) Quotes(ctx context.Context) (map[string]core.Quote, error) {
	books, err := f.client.NewListBookTickersService().Do(ctx)
	if err != nil {
		return nil, wrapErr("", err)
	}

	premiums, err := f.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, wrapErr("", err)
	}

	premiumBySymbol := make(map[string]*futures.PremiumIndex, len(premiums))
	for _, p := range premiums {
		premiumBySymbol[p.Symbol] = p
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	quotes := make(map[string]core.Quote, len(f.metas))
	for _, book := range books {
		if _, tradable := f.metas[book.Symbol]; !tradable {
			continue
		}
		quote := bookToQuote(book)
		if premium, ok := premiumBySymbol[book.Symbol]; ok {
			applyPremium(&quote, premium)
		}
		quotes[book.Symbol] = quote
	}

	return quotes, nil
}

// DayVolumes returns rolling 24h quote volume per tradable pair
func (f *Futures) DayVolumes(ctx context.Context) (map[string]float64, error) {
	stats, err := f.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, wrapErr("", err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	volumes := make(map[string]float64, len(f.metas))
	for _, s := range stats {
		if _, tradable := f.metas[s.Symbol]; !tradable {
			continue
		}
		volumes[s.Symbol] = parseF(s.QuoteVolume)
	}

	return volumes, nil
}

// Depth returns the top book levels for a pair
func (f *Futures) Depth(ctx context.Context, pair string, levels int) (core.Depth, error) {
	res, err := f.client.NewDepthService().
		Symbol(pair).
		Limit(levels).
		Do(ctx)
	if err != nil {
		return core.Depth{}, wrapErr(pair, err)
	}

	depth := core.Depth{
		Pair: pair,
		Bids: make([]core.BookLevel, 0, len(res.Bids)),
		Asks: make([]core.BookLevel, 0, len(res.Asks)),
		Time: time.Now(),
	}

	for _, b := range res.Bids {
		price, qty, err := b.Parse()
		if err != nil {
			return core.Depth{}, core.NewTradeError(core.ErrTransientIO, pair, err)
		}
		depth.Bids = append(depth.Bids, core.BookLevel{Price: price, Quantity: qty})
	}
	for _, a := range res.Asks {
		price, qty, err := a.Parse()
		if err != nil {
			return core.Depth{}, core.NewTradeError(core.ErrTransientIO, pair, err)
		}
		depth.Asks = append(depth.Asks, core.BookLevel{Price: price, Quantity: qty})
	}

	return depth, nil
}

// ---------------------
// Broker
// ---------------------

// Equity returns the wallet balance of the margin asset, deliberately
// excluding unrealized profit so open positions cannot inflate sizing
func (f *Futures) Equity(ctx context.Context) (float64, error) {
	balances, err := f.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, wrapErr("", err)
	}

	for _, b := range balances {
		if b.Asset == marginAsset {
			return parseF(b.Balance), nil
		}
	}

	return 0, core.NewTradeError(core.ErrVenueValidation, "",
		fmt.Errorf("no %s balance on account", marginAsset))
}

// Setup applies leverage and isolated margin to a pair. Isolated
// margin caps the worst case on a pair at its own margin, which the
// liquidation guards assume.
func (f *Futures) Setup(ctx context.Context, pair string, leverage int) error {
	_, err := f.client.NewChangeLeverageService().
		Symbol(pair).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return wrapErr(pair, err)
	}

	err = f.client.NewChangeMarginTypeService().
		Symbol(pair).
		MarginType(MarginTypeIsolated).
		Do(ctx)
	if err != nil {
		// Already isolated is not a failure
		if apiError, ok := err.(*common.APIError); !ok || apiError.Code != ErrNoNeedChangeMarginType {
			return wrapErr(pair, err)
		}
	}

	return nil
}

// PositionRisk returns the venue-declared position snapshot for a
// pair. A flat pair yields a zero-contract snapshot.
func (f *Futures) PositionRisk(ctx context.Context, pair string) (core.PositionRisk, error) {
	positions, err := f.client.NewGetPositionRiskService().
		Symbol(pair).
		Do(ctx)
	if err != nil {
		return core.PositionRisk{}, wrapErr(pair, err)
	}

	for _, p := range positions {
		if p.Symbol == pair {
			return convertPositionRisk(p), nil
		}
	}

	return core.PositionRisk{Pair: pair, UpdatedAt: time.Now()}, nil
}

// PositionsRisk returns every non-flat position on the account
func (f *Futures) PositionsRisk(ctx context.Context) ([]core.PositionRisk, error) {
	positions, err := f.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, wrapErr("", err)
	}

	risks := make([]core.PositionRisk, 0)
	for _, p := range positions {
		risk := convertPositionRisk(p)
		if risk.Flat() {
			continue
		}
		risks = append(risks, risk)
	}

	return risks, nil
}

// CreateOrderMarket submits a market order and returns the venue fill
// report. The report is informational; position state is authoritative
// and read back separately.
func (f *Futures) CreateOrderMarket(ctx context.Context, side core.SideType, pair string,
	contracts float64, reduceOnly bool) (core.Order, error) {

	meta, err := f.meta(pair)
	if err != nil {
		return core.Order{}, err
	}
	if err := validateOrder(meta, contracts); err != nil {
		return core.Order{}, core.NewTradeError(core.ErrVenueValidation, pair, err)
	}

	order, err := f.client.NewCreateOrderService().
		Symbol(pair).
		Type(futures.OrderTypeMarket).
		Side(futures.SideType(side)).
		Quantity(formatQuantity(meta, contracts)).
		ReduceOnly(reduceOnly).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return core.Order{}, wrapErr(pair, err)
	}

	return convertCreateResponse(order), nil
}

// PlaceConditional submits an exchange-resident protective order. All
// conditionals trigger on mark price, matching the liquidation engine,
// and reduce-only so they can never open exposure.
func (f *Futures) PlaceConditional(ctx context.Context, pair string, side core.SideType,
	cond core.ConditionalOrder) (core.Order, error) {

	meta, err := f.meta(pair)
	if err != nil {
		return core.Order{}, err
	}
	if err := validateOrder(meta, cond.Contracts); err != nil {
		return core.Order{}, core.NewTradeError(core.ErrVenueValidation, pair, err)
	}

	svc := f.client.NewCreateOrderService().
		Symbol(pair).
		Type(futures.OrderType(cond.Kind.OrderType())).
		Side(futures.SideType(side)).
		Quantity(formatQuantity(meta, cond.Contracts)).
		ReduceOnly(cond.ReduceOnly).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	switch cond.Kind {
	case core.ConditionalStopLoss, core.ConditionalProfitFloor:
		svc = svc.
			TimeInForce(futures.TimeInForceTypeGTC).
			StopPrice(formatPrice(meta, cond.TriggerPrice))
	case core.ConditionalTrailingTP:
		svc = svc.
			ActivationPrice(formatPrice(meta, cond.ActivatePrice)).
			CallbackRate(formatCallbackRate(cond.CallbackRatio))
	default:
		return core.Order{}, core.NewTradeError(core.ErrVenueValidation, pair,
			fmt.Errorf("unknown conditional kind %q", cond.Kind))
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return core.Order{}, wrapErr(pair, err)
	}

	return convertCreateResponse(order), nil
}

// OpenConditionals lists the resident conditional orders open for a pair
func (f *Futures) OpenConditionals(ctx context.Context, pair string) ([]core.Order, error) {
	result, err := f.client.NewListOpenOrdersService().
		Symbol(pair).
		Do(ctx)
	if err != nil {
		return nil, wrapErr(pair, err)
	}

	orders := make([]core.Order, 0, len(result))
	for _, order := range result {
		if !isConditionalType(order.Type) {
			continue
		}
		orders = append(orders, convertOrder(order))
	}

	return orders, nil
}

// CancelOrder cancels an open order by exchange id
func (f *Futures) CancelOrder(ctx context.Context, pair string, exchangeID int64) error {
	_, err := f.client.NewCancelOrderService().
		Symbol(pair).
		OrderID(exchangeID).
		Do(ctx)
	if err != nil {
		return wrapErr(pair, err)
	}
	return nil
}

// ---------------------
// Helpers
// ---------------------

func isConditionalType(t futures.OrderType) bool {
	for _, c := range conditionalTypes {
		if t == c {
			return true
		}
	}
	return false
}

func bookToQuote(book *futures.BookTicker) core.Quote {
	return core.Quote{
		Pair:   book.Symbol,
		Bid:    parseF(book.BidPrice),
		BidQty: parseF(book.BidQuantity),
		Ask:    parseF(book.AskPrice),
		AskQty: parseF(book.AskQuantity),
		Time:   time.Now(),
	}
}

func applyPremium(quote *core.Quote, premium *futures.PremiumIndex) {
	quote.Mark = parseF(premium.MarkPrice)
	if premium.NextFundingTime > 0 {
		quote.NextFunding = msToTime(premium.NextFundingTime)
	}
}
