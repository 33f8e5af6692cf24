package core

import (
	"time"
)

// OrderFilter selects orders when listing
type OrderFilter func(order Order) bool

// SideType is the taker direction of an order
type SideType string

// OrderType is the venue order type
type OrderType string

// OrderStatusType is the venue lifecycle state of an order
type OrderStatusType string

// Order side constants
const (
	SideTypeBuy  SideType = "BUY"
	SideTypeSell SideType = "SELL"
)

// Order type constants, matching the venue's futures order types
const (
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// Order status constants
const (
	OrderStatusTypeNew             OrderStatusType = "NEW"
	OrderStatusTypePartiallyFilled OrderStatusType = "PARTIALLY_FILLED"
	OrderStatusTypeFilled          OrderStatusType = "FILLED"
	OrderStatusTypeCanceled        OrderStatusType = "CANCELED"
	OrderStatusTypeRejected        OrderStatusType = "REJECTED"
	OrderStatusTypeExpired         OrderStatusType = "EXPIRED"
)

// ConditionalKind names the protective role a resident conditional
// order plays for a position
type ConditionalKind string

const (
	ConditionalStopLoss    ConditionalKind = "stop_loss"
	ConditionalProfitFloor ConditionalKind = "profit_floor"
	ConditionalTrailingTP  ConditionalKind = "trailing_take_profit"
)

// OrderType maps the conditional kind to the venue order type carrying it
func (k ConditionalKind) OrderType() OrderType {
	switch k {
	case ConditionalStopLoss:
		return OrderTypeStopMarket
	case ConditionalProfitFloor:
		return OrderTypeTakeProfitMarket
	case ConditionalTrailingTP:
		return OrderTypeTrailingStopMarket
	}
	return ""
}

// KindOfOrderType classifies a venue order type back into a conditional kind
func KindOfOrderType(t OrderType) (ConditionalKind, bool) {
	switch t {
	case OrderTypeStopMarket:
		return ConditionalStopLoss, true
	case OrderTypeTakeProfitMarket:
		return ConditionalProfitFloor, true
	case OrderTypeTrailingStopMarket:
		return ConditionalTrailingTP, true
	}
	return "", false
}

// ConditionalOrder describes a protective order as the engine wants it
// to exist on the venue. Contracts is always an absolute count, never
// a percentage of anything.
type ConditionalOrder struct {
	Kind          ConditionalKind
	TriggerPrice  float64
	ActivatePrice float64
	CallbackRatio float64
	Contracts     float64
	ReduceOnly    bool
}

// Order represents a venue order with its properties and status
type Order struct {
	ID         int64           `json:"id"`
	ExchangeID int64           `json:"exchange_id"`
	Pair       string          `json:"pair"`
	Side       SideType        `json:"side"`
	Type       OrderType       `json:"type"`
	Status     OrderStatusType `json:"status"`
	Price      float64         `json:"price"`
	Quantity   float64         `json:"quantity"`

	// ExecutedQuantity and CumQuote echo the venue fill report
	ExecutedQuantity float64 `json:"executed_quantity"`
	CumQuote         float64 `json:"cum_quote"`

	// Conditional trigger fields
	StopPrice     float64 `json:"stop_price"`
	ActivatePrice float64 `json:"activate_price"`
	CallbackRate  float64 `json:"callback_rate"`
	ReduceOnly    bool    `json:"reduce_only"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Kind classifies the order as a conditional, when it is one
func (o Order) Kind() (ConditionalKind, bool) {
	return KindOfOrderType(o.Type)
}

// AvgPrice returns the average fill price from the venue report,
// falling back to the declared order price
func (o Order) AvgPrice() float64 {
	if o.ExecutedQuantity > 0 && o.CumQuote > 0 {
		return o.CumQuote / o.ExecutedQuantity
	}
	return o.Price
}

func WithTypeIn(types ...OrderType) OrderFilter {
	return func(order Order) bool {
		for _, t := range types {
			if order.Type == t {
				return true
			}
		}
		return false
	}
}

func WithOrderPair(pair string) OrderFilter {
	return func(order Order) bool {
		return order.Pair == pair
	}
}
