package main

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/alanyoungcy/blpsettle/internal/config"
	"github.com/alanyoungcy/blpsettle/internal/domain"
)

const (
	ConfigKey     = "config"
	LongKey       = "long"
	SizeKey       = "size"
	CollateralKey = "collateral"
	EntryKey      = "entry"
	FundingKey    = "funding"
	BorrowKey     = "borrow"
	ThresholdKey  = "threshold-bps"
)

// tokenDecimals is the scale of the settlement token and of prices.
const tokenDecimals = 6

var errMissingFlag = errors.New("missing required flag")

// AddPositionFlags registers the flags describing an open position.
func AddPositionFlags(flags *pflag.FlagSet) {
	flags.Bool(LongKey, false, "Position is long (short when unset)")
	flags.String(SizeKey, "", "Position size in tokens, e.g. 10.5 (required)")
	flags.String(CollateralKey, "", "Escrowed collateral in tokens (required)")
	flags.String(EntryKey, "", "Entry price (required)")
	flags.String(FundingKey, "0", "Funding already accrued; negative is owed by the position")
	flags.String(BorrowKey, "0", "Borrow already accrued; negative is owed by the position")
}

// ParsePosition builds an open position from the flags registered by
// AddPositionFlags.
func ParsePosition(flags *pflag.FlagSet) (domain.Position, error) {
	isLong, err := flags.GetBool(LongKey)
	if err != nil {
		return domain.Position{}, err
	}
	size, err := amountFlag(flags, SizeKey)
	if err != nil {
		return domain.Position{}, err
	}
	collateral, err := amountFlag(flags, CollateralKey)
	if err != nil {
		return domain.Position{}, err
	}
	entry, err := amountFlag(flags, EntryKey)
	if err != nil {
		return domain.Position{}, err
	}
	funding, err := signedFlag(flags, FundingKey)
	if err != nil {
		return domain.Position{}, err
	}
	borrow, err := signedFlag(flags, BorrowKey)
	if err != nil {
		return domain.Position{}, err
	}
	return domain.Position{
		IsLong:             isLong,
		Size:               size,
		Collateral:         collateral,
		EntryPrice:         entry,
		LastMarkPrice:      entry,
		FundingAccumulated: funding,
		BorrowAccumulated:  borrow,
		Status:             domain.PositionStatusOpen,
	}, nil
}

// loadConfig reads the --config file when given, otherwise the built-in
// defaults. The result is validated either way.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, err := flags.GetString(ConfigKey)
	if err != nil {
		return nil, err
	}
	var cfg *config.Config
	if path == "" {
		d := config.Defaults()
		cfg = &d
	} else if cfg, err = config.Load(path); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func amountFlag(flags *pflag.FlagSet, key string) (uint64, error) {
	s, err := flags.GetString(key)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, fmt.Errorf("%w: --%s", errMissingFlag, key)
	}
	v, err := parseAmount(s)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", key, err)
	}
	return v, nil
}

func signedFlag(flags *pflag.FlagSet, key string) (int64, error) {
	s, err := flags.GetString(key)
	if err != nil {
		return 0, err
	}
	v, err := parseSigned(s)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", key, err)
	}
	return v, nil
}

// parseAmount converts a human token amount into base units.
func parseAmount(s string) (uint64, error) {
	d, err := scaled(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %s is negative", domain.ErrInvalidInput, s)
	}
	if d.BigInt().BitLen() > 64 {
		return 0, fmt.Errorf("%w: %s", domain.ErrMathOverflow, s)
	}
	return d.BigInt().Uint64(), nil
}

func parseSigned(s string) (int64, error) {
	d, err := scaled(s)
	if err != nil {
		return 0, err
	}
	if !d.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s", domain.ErrMathOverflow, s)
	}
	return d.IntPart(), nil
}

func scaled(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not a number", domain.ErrInvalidInput, s)
	}
	d = d.Shift(tokenDecimals)
	if !d.IsInteger() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s has more than %d decimals", domain.ErrInvalidInput, s, tokenDecimals)
	}
	return d, nil
}

func formatAmount(v uint64) string {
	return decimal.NewFromUint64(v).Shift(-tokenDecimals).StringFixed(tokenDecimals)
}

func formatSigned(v int64) string {
	return decimal.NewFromInt(v).Shift(-tokenDecimals).StringFixed(tokenDecimals)
}
