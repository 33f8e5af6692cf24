package metric

import (
	"sort"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// Interval is a resampled confidence interval
type Interval struct {
	Low    float64
	High   float64
	Mean   float64
	StdDev float64
}

// Bootstrap estimates the confidence interval of a measure by
// resampling the values with replacement. confidence is the interval
// mass, e.g. 0.95 for a 95% interval.
func Bootstrap(values []float64, measure func([]float64) float64, resamples int,
	confidence float64) Interval {

	if len(values) == 0 || resamples <= 0 {
		return Interval{}
	}

	measured := make([]float64, resamples)
	scratch := make([]float64, len(values))
	for i := range measured {
		for j := range scratch {
			scratch[j] = lo.Sample(values)
		}
		measured[i] = measure(scratch)
	}
	sort.Float64s(measured)

	tail := (1 - confidence) / 2
	mean, stdDev := stat.MeanStdDev(measured, nil)
	return Interval{
		Low:    stat.Quantile(tail, stat.LinInterp, measured, nil),
		High:   stat.Quantile(1-tail, stat.LinInterp, measured, nil),
		Mean:   mean,
		StdDev: stdDev,
	}
}
