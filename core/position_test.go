package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPositionSide_Orders(t *testing.T) {
	require.Equal(t, SideTypeBuy, PositionSideLong.EntrySide())
	require.Equal(t, SideTypeSell, PositionSideLong.ExitSide())
	require.Equal(t, SideTypeSell, PositionSideShort.EntrySide())
	require.Equal(t, SideTypeBuy, PositionSideShort.ExitSide())
}

func TestPosition_FavorableMove(t *testing.T) {
	long := &Position{Side: PositionSideLong, EntryPrice: 100}
	require.InDelta(t, 0.4, long.FavorableMove(100.4), 1e-9)
	require.InDelta(t, -0.6, long.FavorableMove(99.4), 1e-9)

	short := &Position{Side: PositionSideShort, EntryPrice: 100}
	require.InDelta(t, 0.6, short.FavorableMove(99.4), 1e-9)
	require.InDelta(t, -0.4, short.FavorableMove(100.4), 1e-9)
}

func TestPosition_Reached(t *testing.T) {
	long := &Position{Side: PositionSideLong, EntryPrice: 100}
	require.True(t, long.Reached(100.40, 100.40))
	require.False(t, long.Reached(100.39, 100.40))

	short := &Position{Side: PositionSideShort, EntryPrice: 7.5852}
	require.True(t, short.Reached(7.5662, 7.5662))
	require.False(t, short.Reached(7.5663, 7.5662))
}

func TestPosition_ApplyClose(t *testing.T) {
	p := &Position{
		Side:               PositionSideLong,
		EntryPrice:         100,
		ActualContracts:    25,
		RemainingContracts: 25,
	}

	p.ApplyClose(18, 100.40)
	require.InDelta(t, 7, p.RemainingContracts, 1e-9)
	require.InDelta(t, 18*0.40, p.RealizedPnL, 1e-9)

	// closes never book more than the remainder
	p.ApplyClose(10, 101)
	require.InDelta(t, 0, p.RemainingContracts, 1e-9)
	require.InDelta(t, 18*0.40+7*1.0, p.RealizedPnL, 1e-9)
}

func TestPosition_UpdatePeak(t *testing.T) {
	p := &Position{Side: PositionSideShort, EntryPrice: 100}
	require.True(t, p.UpdatePeak(99.5))
	require.False(t, p.UpdatePeak(99.8))
	require.True(t, p.UpdatePeak(99.1))
	require.InDelta(t, 99.1, p.PeakPrice, 1e-9)
}

func TestPosition_DeclaredConditionals(t *testing.T) {
	p := &Position{
		Pair:               "BTCUSDT",
		Side:               PositionSideLong,
		EntryPrice:         100,
		ActualContracts:    25,
		RemainingContracts: 25,
		StopPrice:          98.60,
		TrailActivation:    100.10,
		TrailingCallback:   0.003,
	}

	wanted := p.DeclaredConditionals()
	require.Len(t, wanted, 2)

	require.Equal(t, ConditionalStopLoss, wanted[0].Kind)
	require.InDelta(t, 98.60, wanted[0].TriggerPrice, 1e-9)
	require.InDelta(t, 25, wanted[0].Contracts, 1e-9)
	require.True(t, wanted[0].ReduceOnly)

	require.Equal(t, ConditionalTrailingTP, wanted[1].Kind)
	require.InDelta(t, 100.10, wanted[1].ActivatePrice, 1e-9)
	require.InDelta(t, 0.003, wanted[1].CallbackRatio, 1e-9)

	// declared sizes track the remainder, not the original fill
	p.ApplyClose(18, 100.40)
	wanted = p.DeclaredConditionals()
	require.InDelta(t, 7, wanted[0].Contracts, 1e-9)
	require.InDelta(t, 7, wanted[1].Contracts, 1e-9)

	p.ApplyClose(7, 100.55)
	require.Nil(t, p.DeclaredConditionals())
}

func TestKindOfOrderType(t *testing.T) {
	kind, ok := KindOfOrderType(OrderTypeStopMarket)
	require.True(t, ok)
	require.Equal(t, ConditionalStopLoss, kind)

	kind, ok = KindOfOrderType(OrderTypeTrailingStopMarket)
	require.True(t, ok)
	require.Equal(t, ConditionalTrailingTP, kind)

	_, ok = KindOfOrderType(OrderTypeMarket)
	require.False(t, ok)
}

func TestTradeError_Kind(t *testing.T) {
	base := NewTradeError(ErrLiquidationGuard, "BTCUSDT", ErrInsufficientData)
	require.Equal(t, ErrLiquidationGuard, KindOf(base))
	require.True(t, IsKind(base, ErrLiquidationGuard))
	require.False(t, IsKind(base, ErrVenueValidation))

	// unclassified errors default to transient
	require.Equal(t, ErrTransientIO, KindOf(ErrInsufficientData))
}
