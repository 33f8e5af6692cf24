package core

import (
	"time"
)

// PositionSide is the direction of a position
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// EntrySide returns the order side that opens the position
func (s PositionSide) EntrySide() SideType {
	if s == PositionSideShort {
		return SideTypeSell
	}
	return SideTypeBuy
}

// ExitSide returns the order side that reduces or closes the position
func (s PositionSide) ExitSide() SideType {
	if s == PositionSideShort {
		return SideTypeBuy
	}
	return SideTypeSell
}

// Sign returns +1 for long and -1 for short
func (s PositionSide) Sign() float64 {
	if s == PositionSideShort {
		return -1
	}
	return 1
}

// PositionPhase is the lifecycle state of a managed position
type PositionPhase string

const (
	PhaseCreated     PositionPhase = "created"
	PhaseReconciling PositionPhase = "reconciling"
	PhaseProtected   PositionPhase = "protected"
	PhaseClosing     PositionPhase = "closing"
	PhaseClosed      PositionPhase = "closed"
	PhaseFailed      PositionPhase = "failed"
	PhaseUnprotected PositionPhase = "unprotected"
)

// CloseReason records why a position was closed or is being closed
type CloseReason string

const (
	CloseReasonStop        CloseReason = "stop"
	CloseReasonFloor       CloseReason = "floor"
	CloseReasonTrail       CloseReason = "trail"
	CloseReasonLadder      CloseReason = "tp_ladder"
	CloseReasonTripwire    CloseReason = "tripwire"
	CloseReasonTimeStop    CloseReason = "time_stop"
	CloseReasonManual      CloseReason = "manual"
	CloseReasonShutdown    CloseReason = "shutdown"
	CloseReasonUnprotected CloseReason = "unprotected_fill"

	// CloseReasonExternal marks a close the venue executed without a
	// matching engine decision, e.g. a resident order firing between
	// monitor ticks
	CloseReasonExternal CloseReason = "external"
)

// StrategyKind identifies which entry strategy produced a signal
type StrategyKind string

const (
	StrategyLSVR   StrategyKind = "lsvr"
	StrategyVWAPMR StrategyKind = "vwap_mr"
	StrategyTrend  StrategyKind = "trend"
)

// Regime labels the market state a symbol is currently in
type Regime string

const (
	RegimeRange   Regime = "range"
	RegimeTrend   Regime = "trend"
	RegimeUnknown Regime = "unknown"
)

// TPLevel is one rung of a take-profit ladder
type TPLevel struct {
	Price    float64 `json:"price"`
	Fraction float64 `json:"fraction"`
}

// Signal is a fully specified entry proposal from a strategy
type Signal struct {
	Pair     string
	Side     PositionSide
	Strategy StrategyKind

	// EntryRef is the price the stop and ladder were computed against
	EntryRef  float64
	StopPrice float64
	Ladder    []TPLevel

	TimeStop      time.Duration
	TrailAfterTP1 bool

	// ATR at signal time, the scale tripwires measure against
	ATR float64

	// Sweep context for the re-sweep tripwire; zero for strategies
	// without one
	SweptLevel   float64
	SweepExtreme float64

	// Tags carry strategy context for the journal (swept level,
	// band touched, divergence, ...)
	Tags map[string]string

	CreatedAt time.Time
}

// Position is the engine-side record of one venue position and the
// protective orders guarding it
type Position struct {
	Pair     string        `json:"pair"`
	Side     PositionSide  `json:"side"`
	Strategy StrategyKind  `json:"strategy"`
	Phase    PositionPhase `json:"phase"`

	// RequestedContracts is what the entry asked for; ActualContracts
	// is what the venue reports as filled and is the only size any
	// downstream computation may use
	RequestedContracts float64 `json:"requested_contracts"`
	ActualContracts    float64 `json:"actual_contracts"`
	RemainingContracts float64 `json:"remaining_contracts"`

	EntryPrice       float64 `json:"entry_price"`
	Leverage         int     `json:"leverage"`
	Margin           float64 `json:"margin"`
	LiquidationPrice float64 `json:"liquidation_price"`

	StopPrice        float64       `json:"stop_price"`
	FloorPrice       float64       `json:"floor_price"`
	TrailActivation  float64       `json:"trail_activation"`
	TrailingCallback float64       `json:"trailing_callback"`
	Ladder           []TPLevel     `json:"ladder"`
	TimeStop         time.Duration `json:"time_stop"`
	TrailAfterTP1    bool          `json:"trail_after_tp1"`

	SLOrderID       int64 `json:"sl_order_id"`
	TPFloorOrderID  int64 `json:"tp_floor_order_id"`
	TrailingOrderID int64 `json:"trailing_order_id"`

	// TPFloorPrice is only set when a resident profit-floor order
	// exists, normally after adoption during recovery
	TPFloorPrice float64 `json:"tp_floor_price"`

	// Tripwire context carried over from the signal
	ATR          float64 `json:"atr"`
	SweptLevel   float64 `json:"swept_level,omitempty"`
	SweepExtreme float64 `json:"sweep_extreme,omitempty"`

	PeakPrice float64 `json:"peak_price"`
	TP1Done   bool    `json:"tp1_done"`
	Recovered bool    `json:"recovered"`

	CloseReason CloseReason `json:"close_reason"`
	RealizedPnL float64     `json:"realized_pnl"`

	Tags map[string]string `json:"tags"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastVerified time.Time `json:"last_verified"`
}

// Open reports whether the position still holds or may hold exposure
func (p *Position) Open() bool {
	switch p.Phase {
	case PhaseClosed, PhaseFailed:
		return false
	}
	return true
}

// FavorableMove returns the signed price move in the profit direction
func (p *Position) FavorableMove(price float64) float64 {
	return (price - p.EntryPrice) * p.Side.Sign()
}

// Reached reports whether price has touched the target on the
// favorable side of the entry
func (p *Position) Reached(price, target float64) bool {
	if p.Side == PositionSideShort {
		return price <= target
	}
	return price >= target
}

// UpdatePeak records a new favorable extreme, returning true on change
func (p *Position) UpdatePeak(price float64) bool {
	if p.PeakPrice == 0 || p.FavorableMove(price) > p.FavorableMove(p.PeakPrice) {
		p.PeakPrice = price
		return true
	}
	return false
}

// ApplyClose books a partial or full close against the remainder and
// accumulates realized profit
func (p *Position) ApplyClose(contracts, price float64) {
	if contracts > p.RemainingContracts {
		contracts = p.RemainingContracts
	}
	p.RemainingContracts -= contracts
	p.RealizedPnL += (price - p.EntryPrice) * p.Side.Sign() * contracts
}

// ROE returns the realized return on the margin employed
func (p *Position) ROE() float64 {
	if p.Margin <= 0 {
		return 0
	}
	return p.RealizedPnL / p.Margin
}

// ConditionalIDs lists the exchange ids of the resident orders
// currently attached to the position
func (p *Position) ConditionalIDs() []int64 {
	var ids []int64
	for _, id := range []int64{p.SLOrderID, p.TPFloorOrderID, p.TrailingOrderID} {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// DeclaredConditionals builds the set of protective orders the engine
// wants resident on the venue for this position. This declared state is
// the authority the verification pass reconciles the venue against.
func (p *Position) DeclaredConditionals() []ConditionalOrder {
	if p.RemainingContracts <= 0 {
		return nil
	}

	wanted := []ConditionalOrder{{
		Kind:         ConditionalStopLoss,
		TriggerPrice: p.StopPrice,
		Contracts:    p.RemainingContracts,
		ReduceOnly:   true,
	}}

	if p.TrailingCallback > 0 {
		wanted = append(wanted, ConditionalOrder{
			Kind:          ConditionalTrailingTP,
			ActivatePrice: p.TrailActivation,
			CallbackRatio: p.TrailingCallback,
			Contracts:     p.RemainingContracts,
			ReduceOnly:    true,
		})
	}

	if p.TPFloorOrderID != 0 && p.TPFloorPrice > 0 {
		wanted = append(wanted, ConditionalOrder{
			Kind:         ConditionalProfitFloor,
			TriggerPrice: p.TPFloorPrice,
			Contracts:    p.RemainingContracts,
			ReduceOnly:   true,
		})
	}

	return wanted
}
