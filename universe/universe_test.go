package universe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/logger/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeFeeder struct {
	metas   map[string]core.SymbolMeta
	volumes map[string]float64
	depth   core.Depth

	metaErr   error
	volumeErr error
	depthErr  error

	metaCalls   int
	volumeCalls int
	depthCalls  int
}

func (f *fakeFeeder) MarketsMeta(ctx context.Context) (map[string]core.SymbolMeta, error) {
	f.metaCalls++
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return f.metas, nil
}

func (f *fakeFeeder) CandlesByLimit(ctx context.Context, pair, period string, limit int) ([]core.Candle, error) {
	return nil, nil
}

func (f *fakeFeeder) CandlesByPeriod(ctx context.Context, pair, period string, start, end time.Time) ([]core.Candle, error) {
	return nil, nil
}

func (f *fakeFeeder) Quote(ctx context.Context, pair string) (core.Quote, error) {
	return core.Quote{}, nil
}

func (f *fakeFeeder) Quotes(ctx context.Context) (map[string]core.Quote, error) {
	return nil, nil
}

func (f *fakeFeeder) DayVolumes(ctx context.Context) (map[string]float64, error) {
	f.volumeCalls++
	if f.volumeErr != nil {
		return nil, f.volumeErr
	}
	return f.volumes, nil
}

func (f *fakeFeeder) Depth(ctx context.Context, pair string, levels int) (core.Depth, error) {
	f.depthCalls++
	if f.depthErr != nil {
		return core.Depth{}, f.depthErr
	}
	return f.depth, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Universe.Symbols = []config.SymbolConfig{
		{Pair: "BTCUSDT", Bucket: "major", Sector: "core"},
		{Pair: "LINKUSDT", Bucket: "mid", Sector: "infra"},
	}
	cfg.Universe.RefreshInterval = time.Hour
	cfg.Universe.MaxMetaAge = 3 * time.Hour
	cfg.Universe.DepthLevels = 5
	cfg.Universe.Major = config.GateThresholds{MaxSpreadBps: 6, MinDepthUSD: 100_000, MinDayVolumeUSD: 80e6}
	cfg.Universe.Mid = config.GateThresholds{MaxSpreadBps: 8, MinDepthUSD: 50_000, MinDayVolumeUSD: 80e6}
	cfg.Universe.Micro = config.GateThresholds{MaxSpreadBps: 12, MinDepthUSD: 20_000, MinDayVolumeUSD: 120e6}
	return cfg
}

func testService(t *testing.T, feeder *fakeFeeder) *Service {
	t.Helper()
	log, err := zerolog.New("disabled", time.Kitchen, false, false)
	require.NoError(t, err)
	return NewService(feeder, testConfig(t), log)
}

func metas() map[string]core.SymbolMeta {
	return map[string]core.SymbolMeta{
		"BTCUSDT":  {Pair: "BTCUSDT", TickSize: 0.1, StepSize: 0.001},
		"LINKUSDT": {Pair: "LINKUSDT", TickSize: 0.001, StepSize: 0.01},
		"XRPUSDT":  {Pair: "XRPUSDT", TickSize: 0.0001, StepSize: 0.1},
	}
}

func TestLoadMergesConfiguredAssignments(t *testing.T) {
	feeder := &fakeFeeder{metas: metas()}
	svc := testService(t, feeder)

	require.NoError(t, svc.Load(context.Background()))

	meta, ok := svc.Meta("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, core.BucketMajor, meta.Bucket)
	require.Equal(t, "core", meta.Sector)
	require.Equal(t, 0.1, meta.TickSize)

	meta, ok = svc.Meta("LINKUSDT")
	require.True(t, ok)
	require.Equal(t, core.BucketMid, meta.Bucket)

	// venue pairs not in the configuration stay out of the table
	_, ok = svc.Meta("XRPUSDT")
	require.False(t, ok)

	require.ElementsMatch(t, []string{"BTCUSDT", "LINKUSDT"}, svc.Pairs())
	require.Equal(t, "infra", svc.Sectors()["LINKUSDT"])
}

func TestLoadMissingConfiguredSymbolIsFatal(t *testing.T) {
	feeder := &fakeFeeder{metas: map[string]core.SymbolMeta{
		"BTCUSDT": {Pair: "BTCUSDT", TickSize: 0.1},
	}}
	svc := testService(t, feeder)

	err := svc.Load(context.Background())
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.ErrFatalConfig))
	require.ErrorIs(t, err, core.ErrSymbolMetaMissing)
}

func TestRefreshKeepsTableOnFailure(t *testing.T) {
	feeder := &fakeFeeder{metas: metas()}
	svc := testService(t, feeder)
	require.NoError(t, svc.Load(context.Background()))

	// force the interval to elapse and the next load to fail
	svc.mu.Lock()
	svc.refreshedAt = time.Now().Add(-2 * time.Hour)
	svc.mu.Unlock()
	feeder.metaErr = errors.New("venue down")

	svc.Refresh(context.Background())

	meta, ok := svc.Meta("BTCUSDT")
	require.True(t, ok, "previous table survives a failed refresh")
	require.Equal(t, core.BucketMajor, meta.Bucket)
}

func TestMetaStaleBeyondMaxAgeGatesOut(t *testing.T) {
	feeder := &fakeFeeder{metas: metas()}
	svc := testService(t, feeder)
	require.NoError(t, svc.Load(context.Background()))

	svc.mu.Lock()
	svc.refreshedAt = time.Now().Add(-4 * time.Hour)
	svc.mu.Unlock()

	_, ok := svc.Meta("BTCUSDT")
	require.False(t, ok)
}

func TestRefreshSkipsWithinInterval(t *testing.T) {
	feeder := &fakeFeeder{metas: metas()}
	svc := testService(t, feeder)
	require.NoError(t, svc.Load(context.Background()))
	require.Equal(t, 1, feeder.metaCalls)

	svc.Refresh(context.Background())
	require.Equal(t, 1, feeder.metaCalls)
}

func deepBook() core.Depth {
	return core.Depth{
		Bids: []core.BookLevel{{Price: 100, Quantity: 3000}},
		Asks: []core.BookLevel{{Price: 100.01, Quantity: 3000}},
	}
}

func TestAdmitPassesLiquidSymbol(t *testing.T) {
	feeder := &fakeFeeder{
		metas:   metas(),
		volumes: map[string]float64{"BTCUSDT": 500e6},
		depth:   deepBook(),
	}
	svc := testService(t, feeder)
	require.NoError(t, svc.Load(context.Background()))

	quote := core.Quote{Pair: "BTCUSDT", Bid: 100, Ask: 100.01}
	ok, reason := svc.Admit(context.Background(), "BTCUSDT", quote)
	require.True(t, ok, reason)
}

func TestAdmitRejections(t *testing.T) {
	tests := []struct {
		name   string
		quote  core.Quote
		volume float64
		depth  core.Depth
		want   string
	}{
		{
			name:   "wide spread",
			quote:  core.Quote{Bid: 100, Ask: 100.10},
			volume: 500e6,
			depth:  deepBook(),
			want:   "spread",
		},
		{
			name:   "thin volume",
			quote:  core.Quote{Bid: 100, Ask: 100.01},
			volume: 10e6,
			depth:  deepBook(),
			want:   "volume",
		},
		{
			name:   "thin book",
			quote:  core.Quote{Bid: 100, Ask: 100.01},
			volume: 500e6,
			depth: core.Depth{
				Bids: []core.BookLevel{{Price: 100, Quantity: 100}},
				Asks: []core.BookLevel{{Price: 100.01, Quantity: 3000}},
			},
			want: "depth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feeder := &fakeFeeder{
				metas:   metas(),
				volumes: map[string]float64{"BTCUSDT": tt.volume},
				depth:   tt.depth,
			}
			svc := testService(t, feeder)
			require.NoError(t, svc.Load(context.Background()))

			ok, reason := svc.Admit(context.Background(), "BTCUSDT", tt.quote)
			require.False(t, ok)
			require.Contains(t, reason, tt.want)
		})
	}
}

func TestAdmitDepthFailureSkipsScanOnly(t *testing.T) {
	feeder := &fakeFeeder{
		metas:    metas(),
		volumes:  map[string]float64{"BTCUSDT": 500e6},
		depthErr: errors.New("timeout"),
	}
	svc := testService(t, feeder)
	require.NoError(t, svc.Load(context.Background()))

	ok, reason := svc.Admit(context.Background(), "BTCUSDT", core.Quote{Bid: 100, Ask: 100.01})
	require.False(t, ok)
	require.Contains(t, reason, "depth unavailable")

	// table untouched, next scan can try again
	_, ok = svc.Meta("BTCUSDT")
	require.True(t, ok)
}

func TestDayVolumeBatchCache(t *testing.T) {
	feeder := &fakeFeeder{
		metas:   metas(),
		volumes: map[string]float64{"BTCUSDT": 500e6, "LINKUSDT": 90e6},
		depth:   deepBook(),
	}
	svc := testService(t, feeder)
	require.NoError(t, svc.Load(context.Background()))

	quote := core.Quote{Bid: 100, Ask: 100.01}
	svc.Admit(context.Background(), "BTCUSDT", quote)
	svc.Admit(context.Background(), "LINKUSDT", quote)

	require.Equal(t, 1, feeder.volumeCalls, "one scan shares one volume fetch")
}
