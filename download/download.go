// Package download exports historical candles to CSV files for
// offline strategy research.
package download

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/logger"
)

// pageBars is the venue kline page limit per request
const pageBars = 500

var csvHeader = []string{"time", "open", "close", "low", "high", "volume"}

// Downloader pages candle history out of a venue feed into CSV files
type Downloader struct {
	feed core.Feeder
	log  logger.Logger
}

// NewDownloader creates a downloader reading from the given feed
func NewDownloader(feed core.Feeder, log logger.Logger) Downloader {
	return Downloader{feed: feed, log: log}
}

// window is the requested export range
type window struct {
	start time.Time
	end   time.Time
}

// Option adjusts the export range
type Option func(*window)

// WithInterval exports the given range
func WithInterval(start, end time.Time) Option {
	return func(w *window) {
		w.start = start
		w.end = end
	}
}

// WithDays exports the trailing n days
func WithDays(days int) Option {
	return func(w *window) {
		w.end = time.Now()
		w.start = w.end.AddDate(0, 0, -days)
	}
}

// resolveWindow applies the options over a one-month default, snaps
// both edges to UTC day starts and clamps the end to now
func resolveWindow(options []Option) window {
	now := time.Now()
	w := window{start: now.AddDate(0, -1, 0), end: now}
	for _, option := range options {
		option(&w)
	}

	w.start = dayFloor(w.start)
	if w.end.Before(now) {
		w.end = dayFloor(w.end)
	} else {
		w.end = now
	}
	return w
}

func dayFloor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Download exports the pair's candle history for the requested window
// into a CSV file at path
func (d Downloader) Download(ctx context.Context, pair, timeframe, path string, options ...Option) error {
	interval, err := str2duration.ParseDuration(timeframe)
	if err != nil {
		return fmt.Errorf("download %s: bad timeframe %q: %w", pair, timeframe, err)
	}

	w := resolveWindow(options)
	expected := int(w.end.Sub(w.start)/interval) + 1

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	writer := csv.NewWriter(out)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	d.log.Infof("downloading %d candles of %s for %s", expected, timeframe, pair)
	bar := progressbar.Default(int64(expected))

	written, err := d.export(ctx, pair, timeframe, interval, w, writer, bar)
	if err != nil {
		return err
	}

	if err := bar.Close(); err != nil {
		d.log.Warnf("progress bar close: %s", err)
	}
	if written < expected {
		d.log.Warnf("%d missing candles", expected-written)
	}

	writer.Flush()
	d.log.Info("download complete")
	return writer.Error()
}

// export walks the window one venue page at a time, writing every
// candle as a CSV row. Every page but the last ends one second short
// of the next page start so no candle lands twice.
func (d Downloader) export(ctx context.Context, pair, timeframe string, interval time.Duration,
	w window, writer *csv.Writer, bar *progressbar.ProgressBar) (int, error) {

	precision := d.precisionOf(ctx, pair)
	span := interval * pageBars
	written := 0

	for from := w.start; from.Before(w.end); from = from.Add(span) {
		to := w.end
		if next := from.Add(span); next.Before(w.end) {
			to = next.Add(-time.Second)
		}

		candles, err := d.feed.CandlesByPeriod(ctx, pair, timeframe, from, to)
		if err != nil {
			return written, err
		}

		for _, candle := range candles {
			if err := writer.Write(candle.ToSlice(precision)); err != nil {
				return written, err
			}
		}
		written += len(candles)

		if err := bar.Add(len(candles)); err != nil {
			d.log.Warnf("progress bar: %s", err)
		}
	}

	return written, nil
}

// precisionOf reads the venue price precision for CSV formatting.
// Unknown pairs fall back to full float precision.
func (d Downloader) precisionOf(ctx context.Context, pair string) int {
	metas, err := d.feed.MarketsMeta(ctx)
	if err != nil {
		return -1
	}
	meta, ok := metas[pair]
	if !ok {
		return -1
	}
	return meta.PricePrecision
}
