package core

import (
	"context"
	"time"
)

// Exchange combines market data access and trading operations
type Exchange interface {
	Broker
	Feeder
}

// Feeder provides market data from the venue
type Feeder interface {
	// MarketsMeta returns symbol metadata (tick/lot sizes, precision,
	// max leverage, maintenance margin ratio) for all tradable perps
	MarketsMeta(ctx context.Context) (map[string]SymbolMeta, error)

	// CandlesByLimit returns the most recent closed candles, oldest first
	CandlesByLimit(ctx context.Context, pair, period string, limit int) ([]Candle, error)

	// CandlesByPeriod returns closed candles inside [start, end]
	CandlesByPeriod(ctx context.Context, pair, period string, start, end time.Time) ([]Candle, error)

	// Quote returns the current top-of-book, mark price and next funding time
	Quote(ctx context.Context, pair string) (Quote, error)

	// Quotes returns quotes for every tradable perp in one round trip
	Quotes(ctx context.Context) (map[string]Quote, error)

	// DayVolumes returns rolling 24h quote volume per pair
	DayVolumes(ctx context.Context) (map[string]float64, error)

	// Depth returns the top book levels for a pair
	Depth(ctx context.Context, pair string, levels int) (Depth, error)
}

// Broker executes trading operations against the venue
type Broker interface {
	// Equity returns the wallet balance in the quote currency,
	// excluding unrealized profit on open positions
	Equity(ctx context.Context) (float64, error)

	// Setup applies leverage and isolated margin to a pair before trading
	Setup(ctx context.Context, pair string, leverage int) error

	// PositionRisk returns the venue-declared position snapshot for a pair.
	// A flat pair returns a zero-contract snapshot, not an error.
	PositionRisk(ctx context.Context, pair string) (PositionRisk, error)

	// PositionsRisk returns every non-flat position on the account
	PositionsRisk(ctx context.Context) ([]PositionRisk, error)

	// CreateOrderMarket submits a market order and returns the venue fill report
	CreateOrderMarket(ctx context.Context, side SideType, pair string, contracts float64, reduceOnly bool) (Order, error)

	// PlaceConditional submits an exchange-resident conditional order
	PlaceConditional(ctx context.Context, pair string, side SideType, cond ConditionalOrder) (Order, error)

	// OpenConditionals lists resident conditional orders currently open for a pair
	OpenConditionals(ctx context.Context, pair string) ([]Order, error)

	// CancelOrder cancels an open order by exchange id
	CancelOrder(ctx context.Context, pair string, exchangeID int64) error
}

// Notifier receives engine events and user-facing messages
type Notifier interface {
	Notify(text string)
	OnEvent(event Event)
	OnError(err error)
}

// NotifierWithStart is a notifier with its own receive loop, e.g. telegram
type NotifierWithStart interface {
	Notifier
	Start()
}

// Journal persists the position event log, the only state the engine owns
type Journal interface {
	Append(event *Event) error
	Events(filters ...EventFilter) ([]*Event, error)
	Close() error
}
