package exchange

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/adshao/go-binance/v2/futures"
)

// ---------------------
// Types
// ---------------------

// AssetQuote represents a trading pair (base asset and quote currency)
type AssetQuote struct {
	Quote string `json:"quote"`
	Asset string `json:"asset"`
}

// PairService manages information about tradable perpetual pairs
type PairService struct {
	pairMap map[string]AssetQuote
	mu      sync.RWMutex
}

// ---------------------
// Embedded Data
// ---------------------

//go:embed assets/pairs.json
var embeddedPairs []byte

// Quote currencies used to split pairs missing from the registry
var quoteSuffixes = []string{
	"USDT",
	"USDC",
	"BUSD",
	"BTC",
	"ETH",
	"USD",
}

// defaultPairService is the default instance of the pair service
var defaultPairService *PairService

// init initializes the pair service with data from the embedded file
func init() {
	var err error
	defaultPairService, err = NewPairService(embeddedPairs)
	if err != nil {
		panic(fmt.Errorf("failed to initialize pair service: %w", err))
	}
}

// NewPairService creates a new instance of the pair service
func NewPairService(pairsData []byte) (*PairService, error) {
	service := &PairService{
		pairMap: make(map[string]AssetQuote),
	}

	if len(pairsData) > 0 {
		if err := json.Unmarshal(pairsData, &service.pairMap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pairs data: %w", err)
		}
	}

	return service, nil
}

// ---------------------
// Pair Lookup Methods
// ---------------------

// SplitAssetQuote splits a pair into its asset and quote components.
// Pairs absent from the registry fall back to quote suffix matching.
func SplitAssetQuote(pair string) (asset string, quote string) {
	defaultPairService.mu.RLock()
	data, exists := defaultPairService.pairMap[pair]
	defaultPairService.mu.RUnlock()

	if exists {
		return data.Asset, data.Quote
	}

	for _, q := range quoteSuffixes {
		if len(pair) > len(q) && pair[len(pair)-len(q):] == q {
			return pair[:len(pair)-len(q)], q
		}
	}

	return pair, ""
}

// GetPair returns the AssetQuote information for a pair
func GetPair(pair string) (AssetQuote, bool) {
	defaultPairService.mu.RLock()
	defer defaultPairService.mu.RUnlock()

	data, exists := defaultPairService.pairMap[pair]
	return data, exists
}

// KnownPairs returns every registry pair in lexical order
func KnownPairs() []string {
	defaultPairService.mu.RLock()
	defer defaultPairService.mu.RUnlock()

	pairs := make([]string, 0, len(defaultPairService.pairMap))
	for pair := range defaultPairService.pairMap {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	return pairs
}

// ---------------------
// Pair Update Methods
// ---------------------

// UpdatePairs refreshes the pair map from the venue futures API
func UpdatePairs(ctx context.Context) error {
	client := futures.NewClient("", "")
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to get futures exchange info: %w", err)
	}

	newPairMap := make(map[string]AssetQuote)
	for _, symbol := range info.Symbols {
		if symbol.ContractType != "PERPETUAL" {
			continue
		}
		newPairMap[symbol.Symbol] = AssetQuote{
			Quote: symbol.QuoteAsset,
			Asset: symbol.BaseAsset,
		}
	}

	defaultPairService.mu.Lock()
	defaultPairService.pairMap = newPairMap
	defaultPairService.mu.Unlock()

	return nil
}

// SavePairsToFile saves the pair map to a file
func SavePairsToFile(filename string) error {
	defaultPairService.mu.RLock()
	defer defaultPairService.mu.RUnlock()

	content, err := json.MarshalIndent(defaultPairService.pairMap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pairs: %w", err)
	}

	if err := os.WriteFile(filename, content, 0o644); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}

	return nil
}

// UpdateAndSavePairs refreshes the pair map and writes it to a file
func UpdateAndSavePairs(ctx context.Context, filename string) error {
	if err := UpdatePairs(ctx); err != nil {
		return err
	}
	return SavePairsToFile(filename)
}
