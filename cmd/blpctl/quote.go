package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/blpsettle/internal/config"
	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/settlement"
)

const (
	ExitKey         = "exit"
	CloseSizeKey    = "close-size"
	ModeKey         = "mode"
	RebalanceFeeKey = "rebalance-fee"
	PriceKey        = "price"
)

func quoteCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "quote",
		Short: "Prints the settlement waterfall of closing a position",
		Args:  cobra.NoArgs,
		RunE:  quoteFunc,
	}
	flags := c.Flags()
	AddPositionFlags(flags)
	flags.String(ExitKey, "", "Exit price (required)")
	flags.String(CloseSizeKey, "", "Size to close (defaults to the whole position)")
	flags.String(ModeKey, string(domain.ClosingTypeNormal), "Closing mode: normal, force_close or liquidation")
	flags.String(RebalanceFeeKey, "0", "Rebalance fee owed by the position")
	return c
}

func quoteFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	pos, err := ParsePosition(flags)
	if err != nil {
		return err
	}
	exit, err := amountFlag(flags, ExitKey)
	if err != nil {
		return err
	}
	size := pos.Size
	if s, _ := flags.GetString(CloseSizeKey); s != "" {
		if size, err = parseAmount(s); err != nil {
			return fmt.Errorf("--%s: %w", CloseSizeKey, err)
		}
	}
	modeName, err := flags.GetString(ModeKey)
	if err != nil {
		return err
	}
	mode, err := domain.ParseClosingType(modeName)
	if err != nil {
		return err
	}
	rebalanceFee, err := amountFlag(flags, RebalanceFeeKey)
	if err != nil {
		return err
	}

	resolved, err := settlement.ResolveParams(defaultsFrom(cfg.Protocol), domain.FeeOverrides{})
	if err != nil {
		return err
	}
	d, err := settlement.Calculate(pos, size, exit, mode, resolved.Params, rebalanceFee)
	if err != nil {
		return err
	}
	return printDetails(c, d)
}

func printDetails(c *cobra.Command, d domain.SettlementDetails) error {
	w := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
	rows := []struct {
		name  string
		value string
	}{
		{"mode", string(d.Mode)},
		{"collateral_closed", formatAmount(d.CollateralClosed)},
		{"pnl", formatSigned(d.PnL)},
		{"funding", formatSigned(d.FundingAccumulated)},
		{"borrow", formatSigned(d.BorrowAccumulated)},
		{"equity", formatSigned(d.Equity)},
		{"base_fee", formatAmount(d.BaseFee)},
		{"rebalance_fee", formatAmount(d.RebalanceFee)},
		{"total_fees", formatAmount(d.TotalFees)},
		{"uncollected_fee", formatAmount(d.UncollectedFee)},
		{"fee_to_treasury", formatAmount(d.FeeToTreasury)},
		{"fee_to_blp", formatAmount(d.FeeToBLP)},
		{"bad_debt", formatAmount(d.BadDebtAmount)},
		{"user_payout", formatAmount(d.UserPayout)},
		{"escrow_to_treasury", formatAmount(d.EscrowToTreasury)},
		{"escrow_to_pool", formatAmount(d.EscrowToPool)},
		{"escrow_to_user", formatAmount(d.EscrowToUser)},
		{"pool_to_user", formatAmount(d.PoolToUser)},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t\n", r.name, r.value)
	}
	return w.Flush()
}

func liquidatableCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "liquidatable",
		Short: "Reports whether a position can be liquidated at a price",
		Args:  cobra.NoArgs,
		RunE:  liquidatableFunc,
	}
	flags := c.Flags()
	AddPositionFlags(flags)
	flags.String(PriceKey, "", "Mark price to test (required)")
	flags.Uint64(ThresholdKey, 0, "Maintenance threshold in bps (defaults to the configured value)")
	return c
}

func liquidatableFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	pos, err := ParsePosition(flags)
	if err != nil {
		return err
	}
	price, err := amountFlag(flags, PriceKey)
	if err != nil {
		return err
	}
	threshold := cfg.Protocol.LiquidationThresholdBps
	if flags.Changed(ThresholdKey) {
		if threshold, err = flags.GetUint64(ThresholdKey); err != nil {
			return err
		}
	}

	ok, err := pos.IsLiquidatable(price, threshold)
	if err != nil {
		return err
	}
	pnl, err := pos.UnrealizedPnL(price)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.OutOrStdout(), "liquidatable=%t unrealized_pnl=%s threshold_bps=%d\n", ok, formatSigned(pnl), threshold)
	return nil
}

func defaultsFrom(p config.ProtocolConfig) settlement.Defaults {
	return settlement.Defaults{
		ClosingFeeBps:           p.ClosingFeeBps,
		LiquidationFeeBps:       p.LiquidationFeeBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		TreasuryCutBps:          p.TreasuryCutBps,
		MaxFeeBps:               p.MaxFeeBps,
	}
}
