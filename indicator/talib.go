// Package indicator computes the technical indicators the scan loop
// evaluates strategies against. Stock studies are backed by go-talib;
// session-anchored studies (VWAP, session levels) are computed natively.
package indicator

import "github.com/markcheno/go-talib"

// MaType represents moving average type
type MaType = talib.MaType

// Moving average type constants
const (
	TypeSMA = talib.SMA // Simple Moving Average
	TypeEMA = talib.EMA // Exponential Moving Average
)

// SMA calculates Simple Moving Average
func SMA(input []float64, period int) []float64 {
	return talib.Sma(input, period)
}

// EMA calculates Exponential Moving Average
func EMA(input []float64, period int) []float64 {
	return talib.Ema(input, period)
}

// RSI calculates Relative Strength Index
func RSI(input []float64, period int) []float64 {
	return talib.Rsi(input, period)
}

// ATR calculates Average True Range
func ATR(high, low, close []float64, period int) []float64 {
	return talib.Atr(high, low, close, period)
}

// ADX calculates Average Directional Movement Index
func ADX(high, low, close []float64, period int) []float64 {
	return talib.Adx(high, low, close, period)
}

// PlusDI calculates the positive Directional Indicator
func PlusDI(high, low, close []float64, period int) []float64 {
	return talib.PlusDI(high, low, close, period)
}

// MinusDI calculates the negative Directional Indicator
func MinusDI(high, low, close []float64, period int) []float64 {
	return talib.MinusDI(high, low, close, period)
}

// BB calculates Bollinger Bands
// Returns upper, middle, and lower bands
func BB(input []float64, period int, deviation float64, maType MaType) ([]float64, []float64, []float64) {
	return talib.BBands(input, period, deviation, deviation, maType)
}

// StochRSI calculates the Stochastic RSI oscillator
// Returns fast K and fast D
func StochRSI(input []float64, period, fastKPeriod, fastDPeriod int, fastDMAType MaType) ([]float64, []float64) {
	return talib.StochRsi(input, period, fastKPeriod, fastDPeriod, fastDMAType)
}
