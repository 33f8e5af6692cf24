package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/driftline/perpsweep/core"
	"github.com/stretchr/testify/require"
)

func apiErr(code int64, message string) error {
	return &common.APIError{Code: code, Message: message}
}

func TestClassifyVenueErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind core.ErrorKind
	}{
		{"margin insufficient", apiErr(CodeMarginInsufficient, "Margin is insufficient."), core.ErrVenueValidation},
		{"min notional", apiErr(CodeMinNotional, "Order's notional must be no smaller than 5.0"), core.ErrVenueValidation},
		{"quantity invalid", apiErr(CodeQuantityInvalid, "Quantity less than or equal to zero."), core.ErrVenueValidation},
		{"side rule", apiErr(CodeSideRule, "Order would immediately trigger."), core.ErrVenueValidation},
		{"reduce only reject", apiErr(CodeReduceOnlyReject, "ReduceOnly Order is rejected."), core.ErrInsufficientPosition},
		{"unknown order", apiErr(CodeUnknownOrder, "Unknown order sent."), core.ErrStaleState},
		{"timestamp drift", apiErr(CodeTimestampDrift, "Timestamp for this request is outside of the recvWindow."), core.ErrTransientIO},
		{"rate limited", apiErr(CodeTooManyRequests, "Too many requests queued."), core.ErrTransientIO},
		{"unmapped venue code", apiErr(-9999, "An unknown error occurred."), core.ErrTransientIO},
		{"no venue response", errors.New("dial tcp: i/o timeout"), core.ErrTransientIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyVenueErr("SOLUSDT", tt.err)
			require.Error(t, err)
			require.True(t, core.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestClassifyVenueErrPassesCancellationThrough(t *testing.T) {
	require.NoError(t, ClassifyVenueErr("SOLUSDT", nil))

	// shutdown must stay recognizable, not become a venue problem
	err := ClassifyVenueErr("SOLUSDT", context.Canceled)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, core.IsKind(err, core.ErrTransientIO))

	wrapped := fmt.Errorf("position poll: %w", context.DeadlineExceeded)
	err = ClassifyVenueErr("SOLUSDT", wrapped)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsSideRule(t *testing.T) {
	require.True(t, IsSideRule(apiErr(CodeSideRule, "Order would immediately trigger.")))

	// some gateways reword the code but keep the message
	require.True(t, IsSideRule(apiErr(-4120, "Order would immediately trigger.")))

	// classification wrappers must not hide the code
	wrapped := ClassifyVenueErr("SOLUSDT", apiErr(CodeSideRule, "Order would immediately trigger."))
	require.True(t, IsSideRule(wrapped))

	require.False(t, IsSideRule(apiErr(CodeMarginInsufficient, "Margin is insufficient.")))
	require.False(t, IsSideRule(errors.New("dial tcp: i/o timeout")))
}

func TestIsUnknownOrder(t *testing.T) {
	require.True(t, IsUnknownOrder(apiErr(CodeUnknownOrder, "Unknown order sent.")))
	require.True(t, IsUnknownOrder(ClassifyVenueErr("SOLUSDT", apiErr(CodeUnknownOrder, "Unknown order sent."))))
	require.False(t, IsUnknownOrder(apiErr(CodeSideRule, "Order would immediately trigger.")))
	require.False(t, IsUnknownOrder(errors.New("dial tcp: i/o timeout")))
}

func TestOrderErrorCarriesContext(t *testing.T) {
	cause := apiErr(CodeMarginInsufficient, "Margin is insufficient.")
	err := &OrderError{Err: cause, Pair: "SOLUSDT", Contracts: 25}

	require.Contains(t, err.Error(), "SOLUSDT")

	// the venue code survives the wrapping
	code, ok := VenueCode(err)
	require.True(t, ok)
	require.Equal(t, CodeMarginInsufficient, code)
}

func TestSplitAssetQuote(t *testing.T) {
	// registry hits
	asset, quote := SplitAssetQuote("BTCUSDT")
	require.Equal(t, "BTC", asset)
	require.Equal(t, "USDT", quote)

	asset, quote = SplitAssetQuote("1000PEPEUSDT")
	require.Equal(t, "1000PEPE", asset)
	require.Equal(t, "USDT", quote)

	// suffix fallback for pairs the registry has not seen
	asset, quote = SplitAssetQuote("FOOBARUSDC")
	require.Equal(t, "FOOBAR", asset)
	require.Equal(t, "USDC", quote)

	asset, quote = SplitAssetQuote("XYZZY")
	require.Equal(t, "XYZZY", asset)
	require.Empty(t, quote)
}

func TestPairRegistryLookup(t *testing.T) {
	data, ok := GetPair("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, "BTC", data.Asset)

	_, ok = GetPair("XYZZY")
	require.False(t, ok)

	known := KnownPairs()
	require.Contains(t, known, "BTCUSDT")
	require.True(t, sort.StringsAreSorted(known))
}
