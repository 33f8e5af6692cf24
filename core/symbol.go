package core

import (
	"fmt"
	"time"
)

// Bucket classifies a symbol by liquidity tier, driving gate thresholds
// and regime boundaries
type Bucket string

const (
	BucketMajor Bucket = "major"
	BucketMid   Bucket = "mid"
	BucketMicro Bucket = "micro"
)

// ParseBucket validates a liquidity tier name from configuration
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(s) {
	case BucketMajor, BucketMid, BucketMicro:
		return Bucket(s), nil
	}
	return "", fmt.Errorf("unknown liquidity bucket %q", s)
}

// SymbolMeta contains venue metadata and configured classification
// for a tradable perpetual contract
type SymbolMeta struct {
	Pair       string
	BaseAsset  string
	QuoteAsset string

	TickSize    float64
	StepSize    float64
	MinQuantity float64
	MinNotional float64

	PricePrecision    int
	QuantityPrecision int

	// MaxLeverage and MaintMarginRatio come from the first venue
	// leverage bracket
	MaxLeverage      int
	MaintMarginRatio float64

	Bucket Bucket
	Sector string

	UpdatedAt time.Time
}

// Quote is a point-in-time market snapshot for a pair
type Quote struct {
	Pair   string
	Bid    float64
	BidQty float64
	Ask    float64
	AskQty float64

	// Mark is the venue mark price, the reference for conditional triggers
	Mark float64

	NextFunding time.Time
	Time        time.Time
}

// Mid returns the book midpoint
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// SpreadBps returns the bid-ask spread in basis points of the midpoint
func (q Quote) SpreadBps() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 10000
}

// Price returns the best reference price available on the quote
func (q Quote) Price() float64 {
	if q.Mark > 0 {
		return q.Mark
	}
	return q.Mid()
}

// BookLevel is one price level of the order book
type BookLevel struct {
	Price    float64
	Quantity float64
}

// Depth holds the top levels of the order book
type Depth struct {
	Pair string
	Bids []BookLevel
	Asks []BookLevel
	Time time.Time
}

// BidNotional sums price*qty over the bid levels
func (d Depth) BidNotional() float64 {
	var total float64
	for _, l := range d.Bids {
		total += l.Price * l.Quantity
	}
	return total
}

// AskNotional sums price*qty over the ask levels
func (d Depth) AskNotional() float64 {
	var total float64
	for _, l := range d.Asks {
		total += l.Price * l.Quantity
	}
	return total
}

// PositionRisk is the venue-declared snapshot of an open position.
// Contracts is signed: positive for long, negative for short.
type PositionRisk struct {
	Pair             string
	Contracts        float64
	EntryPrice       float64
	Leverage         int
	LiquidationPrice float64
	MarkPrice        float64
	UpdatedAt        time.Time
}

// Flat reports whether the venue holds no exposure on the pair
func (p PositionRisk) Flat() bool { return p.Contracts == 0 }

// Side derives the position direction from the signed contract count
func (p PositionRisk) Side() PositionSide {
	if p.Contracts < 0 {
		return PositionSideShort
	}
	return PositionSideLong
}

// Size returns the absolute contract count
func (p PositionRisk) Size() float64 {
	if p.Contracts < 0 {
		return -p.Contracts
	}
	return p.Contracts
}
