package indicator

import (
	"math"
	"time"

	"github.com/driftline/perpsweep/core"
)

// asiaSessionEndHour is the UTC hour the Asia session closes
const asiaSessionEndHour = 8

// SessionVWAP computes the day-anchored volume weighted average price
// and its volume-weighted standard deviation. Accumulators reset at
// every UTC midnight so the bands always describe the current session.
func SessionVWAP(times []time.Time, high, low, close, volume []float64) (vwap, sigma []float64) {
	n := len(close)
	vwap = make([]float64, n)
	sigma = make([]float64, n)

	var sumPV, sumV, sumPPV float64
	day := -1

	for i := 0; i < n; i++ {
		t := times[i].UTC()
		if d := t.Year()*1000 + t.YearDay(); d != day {
			day = d
			sumPV, sumV, sumPPV = 0, 0, 0
		}

		tp := (high[i] + low[i] + close[i]) / 3
		v := volume[i]
		sumPV += tp * v
		sumV += v
		sumPPV += tp * tp * v

		if sumV <= 0 {
			vwap[i] = tp
			continue
		}

		mean := sumPV / sumV
		vwap[i] = mean

		variance := sumPPV/sumV - mean*mean
		if variance > 0 {
			sigma[i] = math.Sqrt(variance)
		}
	}

	return vwap, sigma
}

// VWAPSlope returns the last VWAP step normalized to sigma units per
// bar, the flatness measure the regime classifier gates on
func VWAPSlope(vwap, sigma []float64) float64 {
	n := len(vwap)
	if n < 2 || sigma[n-1] <= 0 {
		return 0
	}
	return (vwap[n-1] - vwap[n-2]) / sigma[n-1]
}

// PrevDayRange extracts the previous UTC day's high and low from daily
// candles. Expects closed candles only, so the last one is yesterday.
func PrevDayRange(daily []core.Candle) (high, low float64) {
	if len(daily) == 0 {
		return 0, 0
	}
	last := daily[len(daily)-1]
	return last.High, last.Low
}

// AsiaRange returns the high and low of today's Asia session, the UTC
// hours before 08:00. Zeroes mean the session has no bars yet.
func AsiaRange(times []time.Time, high, low []float64) (hi, lo float64) {
	n := len(times)
	if n == 0 {
		return 0, 0
	}

	lastDay := times[n-1].UTC()
	y, m, d := lastDay.Date()

	for i := n - 1; i >= 0; i-- {
		t := times[i].UTC()
		ty, tm, td := t.Date()
		if ty != y || tm != m || td != d {
			break
		}
		if t.Hour() >= asiaSessionEndHour {
			continue
		}
		if hi == 0 || high[i] > hi {
			hi = high[i]
		}
		if lo == 0 || low[i] < lo {
			lo = low[i]
		}
	}

	return hi, lo
}

// WidthPercentile ranks the last value of a series against its rolling
// window, as a percentage in [0, 100]
func WidthPercentile(values []float64, window int) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	start := n - window
	if start < 0 {
		start = 0
	}

	last := values[n-1]
	count := 0
	total := 0
	for _, v := range values[start:] {
		if math.IsNaN(v) {
			continue
		}
		total++
		if v <= last {
			count++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}
