package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/logger/zerolog"
)

func riskConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Risk.Leverage = 25
	cfg.Risk.MarginFraction = 0.10
	cfg.Risk.MinProfitROE = 0.025
	cfg.Risk.TrailingCallback = 0.003
	cfg.Risk.MaxStopPct = 0.028
	cfg.Risk.MinAbsBufferPct = 0.012
	cfg.Risk.MinLiqDistanceFraction = 0.30
	cfg.Risk.ShrinkStep = 0.10
	cfg.Risk.MaxShrinkSteps = 5
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log, err := zerolog.New("disabled", time.Kitchen, false, false)
	require.NoError(t, err)
	return NewEngine(riskConfig(), log)
}

func solMeta() core.SymbolMeta {
	return core.SymbolMeta{
		Pair: "SOLUSDT", TickSize: 0.01, StepSize: 1, MinQuantity: 1, MinNotional: 5,
		MaxLeverage: 50, MaintMarginRatio: 0.004,
	}
}

func longSignal() core.Signal {
	return core.Signal{
		Pair:      "SOLUSDT",
		Side:      core.PositionSideLong,
		Strategy:  core.StrategyLSVR,
		EntryRef:  100,
		StopPrice: 98.60,
		Ladder: []core.TPLevel{
			{Price: 100.40, Fraction: 0.25},
			{Price: 100.80, Fraction: 0.35},
			{Price: 101.44, Fraction: 0.40},
		},
	}
}

func TestEffectiveLeverageCapsAtVenueMax(t *testing.T) {
	e := newTestEngine(t)

	require.Equal(t, 25, e.EffectiveLeverage(solMeta()))

	capped := solMeta()
	capped.MaxLeverage = 10
	require.Equal(t, 10, e.EffectiveLeverage(capped))

	unknown := solMeta()
	unknown.MaxLeverage = 0
	require.Equal(t, 25, e.EffectiveLeverage(unknown))
}

func TestSizeLongAtFullLeverage(t *testing.T) {
	e := newTestEngine(t)

	dec, err := e.Size(longSignal(), solMeta(), 1000)
	require.NoError(t, err)

	require.Equal(t, 25, dec.Leverage)
	require.Equal(t, 25.0, dec.Contracts)
	require.InDelta(t, 2500.0, dec.Notional, 1e-9)
	require.InDelta(t, 100.0, dec.Margin, 1e-9)
	require.InDelta(t, 98.60, dec.StopPrice, 1e-9)
	require.InDelta(t, 96.40, dec.LiqPrice, 1e-9)
	require.Zero(t, dec.ShrinkSteps)
}

func TestSizeShortMirrorsLong(t *testing.T) {
	e := newTestEngine(t)

	sig := core.Signal{
		Pair:      "SOLUSDT",
		Side:      core.PositionSideShort,
		Strategy:  core.StrategyVWAPMR,
		EntryRef:  100,
		StopPrice: 101.40,
		Ladder: []core.TPLevel{
			{Price: 99.60, Fraction: 0.25},
			{Price: 99.20, Fraction: 0.35},
			{Price: 98.56, Fraction: 0.40},
		},
	}

	dec, err := e.Size(sig, solMeta(), 1000)
	require.NoError(t, err)
	require.Equal(t, 25.0, dec.Contracts)
	require.InDelta(t, 103.60, dec.LiqPrice, 1e-9)
	require.InDelta(t, 101.40, dec.StopPrice, 1e-9)
}

func TestSizeWithVenueCappedLeverage(t *testing.T) {
	e := newTestEngine(t)

	meta := solMeta()
	meta.MaxLeverage = 10

	dec, err := e.Size(longSignal(), meta, 1000)
	require.NoError(t, err)

	// notional shrinks with the cap: 0.10 x 1000 x 10 / 100
	require.Equal(t, 10, dec.Leverage)
	require.Equal(t, 10.0, dec.Contracts)
	require.InDelta(t, 100.0, dec.Margin, 1e-9)
	require.InDelta(t, 90.40, dec.LiqPrice, 1e-9)
}

func TestSizeRejectsWideStop(t *testing.T) {
	e := newTestEngine(t)

	sig := longSignal()
	sig.StopPrice = 97.0 // 3 percent, over the 2.8 percent cap

	_, err := e.Size(sig, solMeta(), 1000)
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.ErrLiquidationGuard))
}

func TestSizeRejectsBelowMinLot(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Size(longSignal(), solMeta(), 3) // 7.5 USDT notional, under one contract
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBelowMinLot)
}

func TestSizeRejectsNonPositiveInputs(t *testing.T) {
	e := newTestEngine(t)

	bad := longSignal()
	bad.EntryRef = 0
	_, err := e.Size(bad, solMeta(), 1000)
	require.Error(t, err)

	_, err = e.Size(longSignal(), solMeta(), 0)
	require.Error(t, err)
}

func TestCheckGuardsStopMustBeatLiquidation(t *testing.T) {
	cfg := &riskConfig().Risk

	// at 50x the liquidation sits at 98.40; a stop below it must fail
	err := CheckGuards(cfg, core.PositionSideLong, 100, 98.0, 98.40)
	require.Error(t, err)
	require.Contains(t, err.Error(), "liquidation")

	err = CheckGuards(cfg, core.PositionSideShort, 100, 102.0, 101.60)
	require.Error(t, err)
}

func TestCheckGuardsAbsoluteBuffer(t *testing.T) {
	cfg := &riskConfig().Risk

	// stop 99.0 against liq 98.40 leaves 0.6 percent, under the 1.2 floor
	err := CheckGuards(cfg, core.PositionSideLong, 100, 99.0, 98.40)
	require.Error(t, err)
	require.Contains(t, err.Error(), "buffer")
}

func TestCheckGuardsLiqDistanceFraction(t *testing.T) {
	cfg := config.RiskConfig{
		MaxStopPct:             0.05,
		MinAbsBufferPct:        0.012,
		MinLiqDistanceFraction: 0.30,
	}

	// liq distance 4.6, wanted buffer 1.38; 1.25 passes the absolute
	// floor but not the fraction
	err := CheckGuards(&cfg, core.PositionSideLong, 100, 96.65, 95.40)
	require.Error(t, err)
	require.Contains(t, err.Error(), "liq distance")

	require.NoError(t, CheckGuards(&cfg, core.PositionSideLong, 100, 96.80, 95.40))
}

func TestLiquidationPriceBothSides(t *testing.T) {
	require.InDelta(t, 96.40, LiquidationPrice(core.PositionSideLong, 100, 25, 0.004), 1e-9)
	require.InDelta(t, 103.60, LiquidationPrice(core.PositionSideShort, 100, 25, 0.004), 1e-9)
}

func TestProfitFloorPrice(t *testing.T) {
	require.InDelta(t, 100.10, ProfitFloorPrice(core.PositionSideLong, 100, 0.025, 25), 1e-9)
	require.InDelta(t, 99.90, ProfitFloorPrice(core.PositionSideShort, 100, 0.025, 25), 1e-9)
}

func TestRoeToPriceMove(t *testing.T) {
	require.InDelta(t, 0.001, RoeToPriceMove(0.025, 25), 1e-12)
	require.InDelta(t, 0.0025, RoeToPriceMove(0.025, 10), 1e-12)
}

func TestSnapHelpers(t *testing.T) {
	require.InDelta(t, 100.45, SnapDown(100.456, 0.01), 1e-9)
	require.InDelta(t, 100.46, SnapUp(100.456, 0.01), 1e-9)

	// exact grid values stay put
	require.InDelta(t, 100.45, SnapDown(100.45, 0.01), 1e-9)
	require.InDelta(t, 100.45, SnapUp(100.45, 0.01), 1e-9)

	// zero tick is a no-op
	require.Equal(t, 100.456, SnapDown(100.456, 0))
	require.Equal(t, 100.456, SnapUp(100.456, 0))

	// triggers snap away from the reference price
	require.InDelta(t, 100.46, SnapAway(100.456, 100, 0.01), 1e-9)
	require.InDelta(t, 99.54, SnapAway(99.544, 100, 0.01), 1e-9)
}

func TestFloorLot(t *testing.T) {
	require.InDelta(t, 25.0, FloorLot(25.9, 1), 1e-9)
	require.InDelta(t, 3.5, FloorLot(3.7, 0.5), 1e-9)
	require.Equal(t, 3.7, FloorLot(3.7, 0))
}

func TestValidateLadder(t *testing.T) {
	require.NoError(t, ValidateLadder(longSignal()))

	empty := longSignal()
	empty.Ladder = nil
	require.Error(t, ValidateLadder(empty))

	badFraction := longSignal()
	badFraction.Ladder[0].Fraction = 0
	require.Error(t, ValidateLadder(badFraction))

	notMonotonic := longSignal()
	notMonotonic.Ladder[1].Price = 100.40
	require.Error(t, ValidateLadder(notMonotonic))

	overOne := longSignal()
	overOne.Ladder[2].Fraction = 0.50
	require.Error(t, ValidateLadder(overOne))

	short := core.Signal{
		Pair: "SOLUSDT", Side: core.PositionSideShort, EntryRef: 100, StopPrice: 101.4,
		Ladder: []core.TPLevel{
			{Price: 99.60, Fraction: 0.25},
			{Price: 99.20, Fraction: 0.35},
			{Price: 98.56, Fraction: 0.40},
		},
	}
	require.NoError(t, ValidateLadder(short))

	short.Ladder[1].Price = 99.70 // walks back toward entry
	require.Error(t, ValidateLadder(short))
}
