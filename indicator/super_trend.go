package indicator

import "github.com/markcheno/go-talib"

// SuperTrend calculates the SuperTrend line from high, low and close
// prices. The line rides below price in an uptrend and above price in
// a downtrend, flipping when price closes through the active band.
func SuperTrend(high, low, close []float64, atrPeriod int, factor float64) []float64 {
	length := len(close)
	if length == 0 {
		return []float64{}
	}

	atr := talib.Atr(high, low, close, atrPeriod)

	upper := make([]float64, length)
	lower := make([]float64, length)
	line := make([]float64, length)

	for i := 1; i < length; i++ {
		median := (high[i] + low[i]) / 2.0
		basicUpper := median + atr[i]*factor
		basicLower := median - atr[i]*factor

		// Bands only ratchet toward price until a close breaks them
		if basicUpper < upper[i-1] || close[i-1] > upper[i-1] {
			upper[i] = basicUpper
		} else {
			upper[i] = upper[i-1]
		}

		if basicLower > lower[i-1] || close[i-1] < lower[i-1] {
			lower[i] = basicLower
		} else {
			lower[i] = lower[i-1]
		}

		if line[i-1] == upper[i-1] {
			// Downtrend: flip up when price closes above the upper band
			if close[i] > upper[i] {
				line[i] = lower[i]
			} else {
				line[i] = upper[i]
			}
		} else {
			// Uptrend: flip down when price closes below the lower band
			if close[i] < lower[i] {
				line[i] = upper[i]
			} else {
				line[i] = lower[i]
			}
		}
	}

	return line
}
