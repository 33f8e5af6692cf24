package indicator

import (
	"fmt"

	"github.com/driftline/perpsweep/core"
)

// Metadata column names filled by Annotate
const (
	ColEMAFast    = "ema_fast"
	ColEMASlow    = "ema_slow"
	ColEMALong    = "ema_long"
	ColRSI        = "rsi"
	ColADX        = "adx"
	ColPlusDI     = "di_plus"
	ColMinusDI    = "di_minus"
	ColATR        = "atr"
	ColBBUpper    = "bb_upper"
	ColBBMiddle   = "bb_mid"
	ColBBLower    = "bb_lower"
	ColBBWidth    = "bb_width"
	ColStochK     = "stoch_k"
	ColStochD     = "stoch_d"
	ColSuperTrend = "supertrend"
	ColVWAP       = "vwap"
	ColVWAPSigma  = "vwap_sigma"
	ColVolumeSMA  = "volume_sma"
)

// Params are the indicator study periods
type Params struct {
	EMAFast int
	EMASlow int
	EMALong int

	RSIPeriod int
	ADXPeriod int
	ATRPeriod int

	BBPeriod      int
	BBDeviation   float64
	BBWidthWindow int

	StochPeriod int
	StochK      int
	StochD      int

	SupertrendPeriod int
	SupertrendFactor float64

	VolumePeriod int
}

// DefaultParams returns the study periods the strategies are tuned for
func DefaultParams() Params {
	return Params{
		EMAFast:          9,
		EMASlow:          21,
		EMALong:          200,
		RSIPeriod:        14,
		ADXPeriod:        14,
		ATRPeriod:        14,
		BBPeriod:         20,
		BBDeviation:      2.0,
		BBWidthWindow:    96,
		StochPeriod:      14,
		StochK:           3,
		StochD:           3,
		SupertrendPeriod: 10,
		SupertrendFactor: 3.0,
		VolumePeriod:     20,
	}
}

// MinBars is the shortest window Annotate accepts
func (p Params) MinBars() int {
	return p.EMALong + 1
}

// Annotate fills the dataframe metadata with every indicator column
// the strategies and the regime classifier read
func Annotate(df *core.Dataframe, p Params) error {
	if df.Len() < p.MinBars() {
		return fmt.Errorf("%w: have %d bars, want %d", core.ErrInsufficientData, df.Len(), p.MinBars())
	}

	closes := df.Close.Values()
	highs := df.High.Values()
	lows := df.Low.Values()

	df.Metadata[ColEMAFast] = EMA(closes, p.EMAFast)
	df.Metadata[ColEMASlow] = EMA(closes, p.EMASlow)
	df.Metadata[ColEMALong] = EMA(closes, p.EMALong)
	df.Metadata[ColRSI] = RSI(closes, p.RSIPeriod)
	df.Metadata[ColADX] = ADX(highs, lows, closes, p.ADXPeriod)
	df.Metadata[ColPlusDI] = PlusDI(highs, lows, closes, p.ADXPeriod)
	df.Metadata[ColMinusDI] = MinusDI(highs, lows, closes, p.ADXPeriod)
	df.Metadata[ColATR] = ATR(highs, lows, closes, p.ATRPeriod)
	df.Metadata[ColVolumeSMA] = SMA(df.Volume.Values(), p.VolumePeriod)
	df.Metadata[ColSuperTrend] = SuperTrend(highs, lows, closes, p.SupertrendPeriod, p.SupertrendFactor)

	upper, middle, lower := BB(closes, p.BBPeriod, p.BBDeviation, TypeSMA)
	df.Metadata[ColBBUpper] = upper
	df.Metadata[ColBBMiddle] = middle
	df.Metadata[ColBBLower] = lower

	width := make([]float64, len(closes))
	for i := range closes {
		if middle[i] > 0 {
			width[i] = (upper[i] - lower[i]) / middle[i]
		}
	}
	df.Metadata[ColBBWidth] = width

	stochK, stochD := StochRSI(closes, p.StochPeriod, p.StochK, p.StochD, TypeSMA)
	df.Metadata[ColStochK] = stochK
	df.Metadata[ColStochD] = stochD

	vwap, sigma := SessionVWAP(df.Time, highs, lows, closes, df.Volume.Values())
	df.Metadata[ColVWAP] = vwap
	df.Metadata[ColVWAPSigma] = sigma

	return nil
}

// Snapshot is the indicator state at the last closed bar, the only
// market view the strategies evaluate against
type Snapshot struct {
	Pair  string
	Price float64

	EMAFast float64
	EMASlow float64
	EMALong float64

	RSI     float64
	ADX     float64
	PlusDI  float64
	MinusDI float64
	ATR     float64

	BBUpper       float64
	BBMiddle      float64
	BBLower       float64
	BBWidth       float64
	BBWidthPctile float64

	StochK float64
	StochD float64

	SuperTrend   float64
	SuperTrendUp bool

	VWAP       float64
	VWAPSigma  float64
	VWAPSlope  float64
	VWAPUpper1 float64
	VWAPLower1 float64
	VWAPUpper2 float64
	VWAPLower2 float64

	PrevDayHigh float64
	PrevDayLow  float64
	AsiaHigh    float64
	AsiaLow     float64

	VolumeRatio float64

	// DF is the annotated entry-timeframe window; Micro the 1-minute
	// window used for structure breaks and impulse tripwires
	DF    *core.Dataframe
	Micro *core.Dataframe
}

// Compute annotates the dataframe and condenses it to a snapshot.
// daily supplies yesterday's range; micro may be nil when the caller
// has no 1-minute window.
func Compute(df, micro *core.Dataframe, daily []core.Candle, p Params) (*Snapshot, error) {
	if err := Annotate(df, p); err != nil {
		return nil, err
	}

	meta := df.Metadata
	snap := &Snapshot{
		Pair:    df.Pair,
		Price:   df.Close.Last(0),
		EMAFast: meta[ColEMAFast].Last(0),
		EMASlow: meta[ColEMASlow].Last(0),
		EMALong: meta[ColEMALong].Last(0),
		RSI:     meta[ColRSI].Last(0),
		ADX:     meta[ColADX].Last(0),
		PlusDI:  meta[ColPlusDI].Last(0),
		MinusDI: meta[ColMinusDI].Last(0),
		ATR:     meta[ColATR].Last(0),

		BBUpper:  meta[ColBBUpper].Last(0),
		BBMiddle: meta[ColBBMiddle].Last(0),
		BBLower:  meta[ColBBLower].Last(0),
		BBWidth:  meta[ColBBWidth].Last(0),

		StochK: meta[ColStochK].Last(0),
		StochD: meta[ColStochD].Last(0),

		SuperTrend: meta[ColSuperTrend].Last(0),

		VWAP:      meta[ColVWAP].Last(0),
		VWAPSigma: meta[ColVWAPSigma].Last(0),

		DF:    df,
		Micro: micro,
	}

	snap.SuperTrendUp = snap.Price > snap.SuperTrend
	snap.BBWidthPctile = WidthPercentile(meta[ColBBWidth].Values(), p.BBWidthWindow)
	snap.VWAPSlope = VWAPSlope(meta[ColVWAP].Values(), meta[ColVWAPSigma].Values())

	snap.VWAPUpper1 = snap.VWAP + snap.VWAPSigma
	snap.VWAPLower1 = snap.VWAP - snap.VWAPSigma
	snap.VWAPUpper2 = snap.VWAP + 2*snap.VWAPSigma
	snap.VWAPLower2 = snap.VWAP - 2*snap.VWAPSigma

	snap.PrevDayHigh, snap.PrevDayLow = PrevDayRange(daily)
	snap.AsiaHigh, snap.AsiaLow = AsiaRange(df.Time, df.High.Values(), df.Low.Values())

	if volSMA := meta[ColVolumeSMA].Last(0); volSMA > 0 {
		snap.VolumeRatio = df.Volume.Last(0) / volSMA
	}

	return snap, nil
}
