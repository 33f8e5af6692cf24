package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeries_Last(t *testing.T) {
	s := Series[float64]{1, 2, 3, 4}
	require.Equal(t, 4.0, s.Last(0))
	require.Equal(t, 3.0, s.Last(1))
}

func TestSeries_HighestLowest(t *testing.T) {
	s := Series[float64]{5, 9, 2, 7, 3}
	require.Equal(t, 9.0, s.Highest(5))
	require.Equal(t, 2.0, s.Lowest(5))
	require.Equal(t, 7.0, s.Highest(2))
	require.Equal(t, 3.0, s.Lowest(2))
}

func TestSeries_Crossover(t *testing.T) {
	fast := Series[float64]{1, 3}
	slow := Series[float64]{2, 2}
	require.True(t, fast.Crossover(slow))
	require.False(t, fast.Crossunder(slow))
	require.True(t, slow.Crossunder(fast))
}

func TestDataframe_DropsIncompleteBars(t *testing.T) {
	candles := []Candle{
		{Pair: "BTCUSDT", Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, Complete: true},
		{Pair: "BTCUSDT", Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 20, Complete: true},
		{Pair: "BTCUSDT", Open: 2.5, High: 4, Low: 2, Close: 3.5, Volume: 30, Complete: true},
		{Pair: "BTCUSDT", Open: 3.5, High: 5, Low: 3, Close: 4.5, Volume: 40, Complete: false},
	}

	df := NewDataframe("BTCUSDT", candles)
	require.Equal(t, 3, df.Len())

	// offsets count back from the newest closed bar
	require.Equal(t, 3.5, df.Candle(0).Close)
	require.Equal(t, 2.5, df.Candle(1).Close)
	require.True(t, df.Candle(1).Complete)
}

func TestCandle_Wicks(t *testing.T) {
	c := Candle{Open: 10, High: 14, Low: 9, Close: 10.5}
	require.InDelta(t, 5.0, c.Range(), 1e-9)
	require.InDelta(t, 3.5, c.UpperWick(), 1e-9)
	require.InDelta(t, 1.0, c.LowerWick(), 1e-9)

	// wick math is body-relative on the red mirror
	red := Candle{Open: 10.5, High: 14, Low: 9, Close: 10}
	require.InDelta(t, 3.5, red.UpperWick(), 1e-9)
	require.InDelta(t, 1.0, red.LowerWick(), 1e-9)
}
