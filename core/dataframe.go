package core

import (
	"time"
)

// Dataframe is a time series container for OHLCV and indicator columns
type Dataframe struct {
	Pair string

	Close  Series[float64]
	Open   Series[float64]
	High   Series[float64]
	Low    Series[float64]
	Volume Series[float64]

	Time       []time.Time
	LastUpdate time.Time

	// Indicator columns computed over the OHLCV series
	Metadata map[string]Series[float64]
}

// NewDataframe builds a dataframe from closed candles, oldest first
func NewDataframe(pair string, candles []Candle) *Dataframe {
	df := &Dataframe{
		Pair:     pair,
		Metadata: make(map[string]Series[float64]),
	}
	for _, c := range candles {
		if !c.Complete {
			continue
		}
		df.Open = append(df.Open, c.Open)
		df.Close = append(df.Close, c.Close)
		df.High = append(df.High, c.High)
		df.Low = append(df.Low, c.Low)
		df.Volume = append(df.Volume, c.Volume)
		df.Time = append(df.Time, c.Time)
		df.LastUpdate = c.Time
	}
	return df
}

// Len returns the number of rows in the dataframe
func (df Dataframe) Len() int { return len(df.Time) }

// Candle returns the row at a position counted from the end
func (df Dataframe) Candle(position int) Candle {
	return Candle{
		Pair:     df.Pair,
		Time:     df.Time[len(df.Time)-1-position],
		Open:     df.Open.Last(position),
		Close:    df.Close.Last(position),
		High:     df.High.Last(position),
		Low:      df.Low.Last(position),
		Volume:   df.Volume.Last(position),
		Complete: true,
	}
}
