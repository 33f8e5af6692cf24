// Package universe maintains the tradable symbol table and applies the
// per-scan liquidity gate that keeps the engine out of thin books.
package universe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/logger"
	"github.com/samber/lo"
)

// volumeCacheAge bounds how old the 24h volume table may get before a
// scan refreshes it
const volumeCacheAge = time.Minute

// Service caches venue symbol metadata merged with configured bucket
// and sector assignments
type Service struct {
	feeder core.Feeder
	cfg    *config.Config
	log    logger.Logger

	mu          sync.RWMutex
	table       map[string]core.SymbolMeta
	refreshedAt time.Time

	volumes   map[string]float64
	volumesAt time.Time
}

func NewService(feeder core.Feeder, cfg *config.Config, log logger.Logger) *Service {
	return &Service{
		feeder: feeder,
		cfg:    cfg,
		log:    log.WithField("component", "universe"),
		table:  make(map[string]core.SymbolMeta),
	}
}

// Load builds the symbol table from venue metadata and configuration.
// A configured symbol the venue does not list is a fatal configuration
// error: trading a pair without tick and lot rules is not safe.
func (s *Service) Load(ctx context.Context) error {
	metas, err := s.feeder.MarketsMeta(ctx)
	if err != nil {
		return fmt.Errorf("load symbol metadata: %w", err)
	}

	now := time.Now()
	table := make(map[string]core.SymbolMeta, len(s.cfg.Universe.Symbols))

	for _, sym := range s.cfg.Universe.Symbols {
		meta, ok := metas[sym.Pair]
		if !ok {
			return core.NewTradeError(core.ErrFatalConfig, sym.Pair, core.ErrSymbolMetaMissing)
		}

		bucket, err := core.ParseBucket(sym.Bucket)
		if err != nil {
			return core.NewTradeError(core.ErrFatalConfig, sym.Pair, err)
		}

		meta.Bucket = bucket
		meta.Sector = sym.Sector
		meta.UpdatedAt = now
		table[sym.Pair] = meta
	}

	s.mu.Lock()
	s.table = table
	s.refreshedAt = now
	s.mu.Unlock()

	s.log.WithField("symbols", len(table)).Info("symbol table loaded")
	return nil
}

// Refresh reloads the table when the refresh interval has elapsed.
// Failures keep the previous table; staleness is enforced in Meta.
func (s *Service) Refresh(ctx context.Context) {
	s.mu.RLock()
	age := time.Since(s.refreshedAt)
	s.mu.RUnlock()

	if age < s.cfg.Universe.RefreshInterval {
		return
	}

	if err := s.Load(ctx); err != nil {
		if core.IsKind(err, core.ErrFatalConfig) {
			// a pair delisted after startup surfaces here; keep the
			// previous table instead of aborting a running engine
			s.log.WithError(err).Error("symbol dropped from venue metadata")
			return
		}
		s.log.WithError(err).Warn("metadata refresh failed, keeping previous table")
	}
}

// Meta returns the metadata for a pair. The second return is false
// for unknown pairs and for tables older than the configured maximum,
// which gates the symbol out until a refresh succeeds.
func (s *Service) Meta(pair string) (core.SymbolMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.table[pair]
	if !ok {
		return core.SymbolMeta{}, false
	}
	if time.Since(s.refreshedAt) > s.cfg.Universe.MaxMetaAge {
		return meta, false
	}
	return meta, true
}

// Pairs lists the pairs currently in the table
func (s *Service) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.table)
}

// Sectors maps each pair to its configured sector tag
func (s *Service) Sectors() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.MapValues(s.table, func(m core.SymbolMeta, _ string) string {
		return m.Sector
	})
}

// Admit applies the liquidity gate for one pair using a fresh quote.
// A false result skips the symbol for this scan only; the reason is
// for debug logging and never mutates engine state.
func (s *Service) Admit(ctx context.Context, pair string, quote core.Quote) (bool, string) {
	meta, ok := s.Meta(pair)
	if !ok {
		return false, "metadata missing or stale"
	}

	gate := s.cfg.Gate(meta.Bucket)

	if spread := quote.SpreadBps(); spread > gate.MaxSpreadBps {
		return false, fmt.Sprintf("spread %.2f bps over %.2f", spread, gate.MaxSpreadBps)
	}

	volume, err := s.dayVolume(ctx, pair)
	if err != nil {
		return false, fmt.Sprintf("volume unavailable: %v", err)
	}
	if volume < gate.MinDayVolumeUSD {
		return false, fmt.Sprintf("24h volume %.0f under %.0f", volume, gate.MinDayVolumeUSD)
	}

	depth, err := s.feeder.Depth(ctx, pair, s.cfg.Universe.DepthLevels)
	if err != nil {
		return false, fmt.Sprintf("depth unavailable: %v", err)
	}
	thin := depth.BidNotional()
	if ask := depth.AskNotional(); ask < thin {
		thin = ask
	}
	if thin < gate.MinDepthUSD {
		return false, fmt.Sprintf("book depth %.0f under %.0f", thin, gate.MinDepthUSD)
	}

	return true, ""
}

// dayVolume reads the 24h quote volume for a pair through a short
// batch cache, so one scan fans out to one venue round trip
func (s *Service) dayVolume(ctx context.Context, pair string) (float64, error) {
	s.mu.RLock()
	fresh := time.Since(s.volumesAt) < volumeCacheAge
	volume, ok := s.volumes[pair]
	s.mu.RUnlock()

	if fresh && ok {
		return volume, nil
	}

	volumes, err := s.feeder.DayVolumes(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.volumes = volumes
	s.volumesAt = time.Now()
	volume = volumes[pair]
	s.mu.Unlock()

	return volume, nil
}
