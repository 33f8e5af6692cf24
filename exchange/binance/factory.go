package binance

import (
	"context"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/logger"
)

// New builds the venue client from the engine configuration. Missing
// credentials still produce a working market-data client, so paper
// runs against live data need no keys.
func New(ctx context.Context, log logger.Logger, cfg *config.Config) (*Futures, error) {
	options := []FuturesOption{}

	if hasValidCredentials(cfg.Venue.APIKey, cfg.Venue.APISecret) {
		options = append(options, WithFuturesCredentials(cfg.Venue.APIKey, cfg.Venue.APISecret))
	}
	if cfg.Venue.UseTestnet {
		options = append(options, WithFuturesTestnet())
	}
	if cfg.Venue.Debug {
		options = append(options, WithFuturesDebug())
	}

	return NewFutures(ctx, log, options...)
}

// hasValidCredentials checks if both API key and secret are non-empty
func hasValidCredentials(key, secret string) bool {
	return key != "" && secret != ""
}
