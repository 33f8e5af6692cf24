// Package binance implements the venue adapter for Binance USDⓈ-M
// perpetual futures.
package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/exchange"

	"github.com/adshao/go-binance/v2/futures"
)

// ---------------------
// Constants and Errors
// ---------------------

// MarginType represents the futures margin mode
type MarginType = futures.MarginType

const (
	// MarginTypeIsolated caps losses on a pair at its own margin
	MarginTypeIsolated MarginType = "ISOLATED"

	// MarginTypeCrossed shares margin across the account
	MarginTypeCrossed MarginType = "CROSSED"

	// ErrNoNeedChangeMarginType is returned when the margin type is
	// already the requested one
	ErrNoNeedChangeMarginType int64 = -4046

	// marginAsset is the settlement currency of the USDⓈ-M contracts
	marginAsset = "USDT"
)

// Common errors
var (
	ErrInvalidQuantity = fmt.Errorf("invalid quantity")
)

// conditionalTypes are the venue order types that carry protections
var conditionalTypes = []futures.OrderType{
	futures.OrderTypeStopMarket,
	futures.OrderTypeTakeProfitMarket,
	futures.OrderTypeTrailingStopMarket,
}

// ---------------------
// Formatting Functions
// ---------------------

// formatQuantity formats a contract count to the pair's quantity precision
func formatQuantity(meta core.SymbolMeta, value float64) string {
	return strconv.FormatFloat(value, 'f', meta.QuantityPrecision, 64)
}

// formatPrice formats a price to the pair's price precision
func formatPrice(meta core.SymbolMeta, value float64) string {
	return strconv.FormatFloat(value, 'f', meta.PricePrecision, 64)
}

// formatCallbackRate formats a callback fraction as the percent string
// the venue expects, e.g. 0.003 -> "0.3". The venue accepts one decimal.
func formatCallbackRate(ratio float64) string {
	return strconv.FormatFloat(ratio*100, 'f', 1, 64)
}

// validateOrder checks a contract count against the pair's lot filter
func validateOrder(meta core.SymbolMeta, contracts float64) error {
	if contracts < meta.MinQuantity {
		return fmt.Errorf("%w: %f is less than minimum %f", ErrInvalidQuantity, contracts, meta.MinQuantity)
	}

	// Contract counts must sit on the step grid
	if meta.StepSize > 0 {
		steps := contracts / meta.StepSize
		diff := steps - float64(int64(steps+0.5))
		if diff > 1e-9 || diff < -1e-9 {
			return fmt.Errorf("%w: %f is not a multiple of step size %f", ErrInvalidQuantity, contracts, meta.StepSize)
		}
	}

	return nil
}

// ---------------------
// Filter Processing
// ---------------------

// parseFilterFloat safely parses a float value from a filter map
func parseFilterFloat(filter map[string]any, key string) (float64, error) {
	value, ok := filter[key]
	if !ok {
		return 0, fmt.Errorf("key %s not found in filter", key)
	}

	strValue, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("key %s is not a string", key)
	}

	floatValue, err := strconv.ParseFloat(strValue, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s as float: %w", key, err)
	}

	return floatValue, nil
}

// applyFilter extracts trading limits from one symbol filter. Filter
// types the engine has no use for are skipped.
func applyFilter(filter map[string]any, meta *core.SymbolMeta) error {
	typ, ok := filter["filterType"].(string)
	if !ok {
		return nil
	}

	switch typ {
	case "LOT_SIZE":
		minQty, err := parseFilterFloat(filter, "minQty")
		if err != nil {
			return err
		}
		stepSize, err := parseFilterFloat(filter, "stepSize")
		if err != nil {
			return err
		}
		meta.MinQuantity = minQty
		meta.StepSize = stepSize

	case "PRICE_FILTER":
		tickSize, err := parseFilterFloat(filter, "tickSize")
		if err != nil {
			return err
		}
		meta.TickSize = tickSize

	case "MIN_NOTIONAL":
		notional, err := parseFilterFloat(filter, "notional")
		if err != nil {
			return err
		}
		meta.MinNotional = notional
	}

	return nil
}

// createSymbolMeta builds symbol metadata from venue exchange info and
// the first leverage bracket, which carries the pair's max leverage and
// base maintenance margin ratio
func createSymbolMeta(info futures.Symbol, bracket *futures.LeverageBracket) (core.SymbolMeta, error) {
	meta := core.SymbolMeta{
		Pair:              info.Symbol,
		BaseAsset:         info.BaseAsset,
		QuoteAsset:        info.QuoteAsset,
		PricePrecision:    info.PricePrecision,
		QuantityPrecision: info.QuantityPrecision,
		UpdatedAt:         time.Now(),
	}

	for _, filter := range info.Filters {
		if err := applyFilter(filter, &meta); err != nil {
			return core.SymbolMeta{}, fmt.Errorf("symbol %s: %w", info.Symbol, err)
		}
	}

	if bracket != nil && len(bracket.Brackets) > 0 {
		first := bracket.Brackets[0]
		meta.MaxLeverage = first.InitialLeverage
		meta.MaintMarginRatio = first.MaintMarginRatio
	}

	return meta, nil
}

// ---------------------
// Conversion Functions
// ---------------------

// parseF parses a venue decimal string, zero on failure
func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// msToTime converts a venue millisecond timestamp
func msToTime(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

// convertOrder converts a venue order to a core.Order, carrying the
// conditional trigger fields through
func convertOrder(order *futures.Order) core.Order {
	cost := parseF(order.CumQuote)
	executed := parseF(order.ExecutedQuantity)
	quantity := parseF(order.OrigQuantity)
	price := parseF(order.Price)

	if cost > 0 && executed > 0 {
		price = cost / executed
	}

	return core.Order{
		ExchangeID:       order.OrderID,
		Pair:             order.Symbol,
		Side:             core.SideType(order.Side),
		Type:             core.OrderType(order.Type),
		Status:           core.OrderStatusType(order.Status),
		Price:            price,
		Quantity:         quantity,
		ExecutedQuantity: executed,
		CumQuote:         cost,
		StopPrice:        parseF(order.StopPrice),
		ActivatePrice:    parseF(order.ActivatePrice),
		CallbackRate:     parseF(order.PriceRate) / 100,
		ReduceOnly:       order.ReduceOnly,
		CreatedAt:        msToTime(order.Time),
		UpdatedAt:        msToTime(order.UpdateTime),
	}
}

// convertCreateResponse converts a venue order placement response
func convertCreateResponse(order *futures.CreateOrderResponse) core.Order {
	return core.Order{
		ExchangeID:       order.OrderID,
		Pair:             order.Symbol,
		Side:             core.SideType(order.Side),
		Type:             core.OrderType(order.Type),
		Status:           core.OrderStatusType(order.Status),
		Price:            parseF(order.Price),
		Quantity:         parseF(order.OrigQuantity),
		ExecutedQuantity: parseF(order.ExecutedQuantity),
		CumQuote:         parseF(order.CumQuote),
		StopPrice:        parseF(order.StopPrice),
		ActivatePrice:    parseF(order.ActivatePrice),
		CallbackRate:     parseF(order.PriceRate) / 100,
		ReduceOnly:       order.ReduceOnly,
		CreatedAt:        msToTime(order.UpdateTime),
		UpdatedAt:        msToTime(order.UpdateTime),
	}
}

// convertKline converts a venue kline to a closed core.Candle
func convertKline(pair string, k futures.Kline) core.Candle {
	return core.Candle{
		Pair:     pair,
		Time:     msToTime(k.OpenTime),
		Open:     parseF(k.Open),
		Close:    parseF(k.Close),
		High:     parseF(k.High),
		Low:      parseF(k.Low),
		Volume:   parseF(k.Volume),
		Complete: true,
	}
}

// convertPositionRisk converts a venue position snapshot. Contracts
// keeps the venue sign: positive long, negative short.
func convertPositionRisk(p *futures.PositionRisk) core.PositionRisk {
	leverage, _ := strconv.Atoi(p.Leverage)
	return core.PositionRisk{
		Pair:             p.Symbol,
		Contracts:        parseF(p.PositionAmt),
		EntryPrice:       parseF(p.EntryPrice),
		Leverage:         leverage,
		LiquidationPrice: parseF(p.LiquidationPrice),
		MarkPrice:        parseF(p.MarkPrice),
		UpdatedAt:        time.Now(),
	}
}

// wrapErr attaches pair context and the engine failure kind
func wrapErr(pair string, err error) error {
	return exchange.ClassifyVenueErr(pair, err)
}
