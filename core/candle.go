package core

import (
	"strconv"
	"time"
)

// Candle is one OHLCV bar of venue market data
type Candle struct {
	Pair     string
	Time     time.Time
	Open     float64
	Close    float64
	Low      float64
	High     float64
	Volume   float64
	Complete bool
}

// Range returns the high-low span of the candle
func (c Candle) Range() float64 { return c.High - c.Low }

// UpperWick returns the distance from the body top to the high
func (c Candle) UpperWick() float64 {
	top := c.Open
	if c.Close > top {
		top = c.Close
	}
	return c.High - top
}

// LowerWick returns the distance from the low to the body bottom
func (c Candle) LowerWick() float64 {
	bottom := c.Open
	if c.Close < bottom {
		bottom = c.Close
	}
	return bottom - c.Low
}

// ToSlice renders the candle as one CSV row, formatting prices at the
// given decimal precision
func (c Candle) ToSlice(precision int) []string {
	num := func(v float64) string {
		return strconv.FormatFloat(v, 'f', precision, 64)
	}
	return []string{
		strconv.FormatInt(c.Time.Unix(), 10),
		num(c.Open), num(c.Close), num(c.Low), num(c.High), num(c.Volume),
	}
}
