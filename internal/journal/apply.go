package journal

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"treasuryMarket/internal/auth"
	"treasuryMarket/internal/market"
	"treasuryMarket/internal/model"
)

// Journal operation names. Bootstrap operations seed the in-memory ledger
// and role table; the rest are forwarded to the exchange.
const (
	OpGrant         = "grant"
	OpRevoke        = "revoke"
	OpMint          = "mint"
	OpDeposit       = "deposit"
	OpEnableKyc     = "enable_kyc"
	OpDisableKyc    = "disable_kyc"
	OpAddKycUser    = "add_kyc_user"
	OpRemoveKycUser = "remove_kyc_user"

	OpOpenBuyOrder       = "open_buy_order"
	OpOpenSellOrder      = "open_sell_order"
	OpClaimBuyOrder      = "claim_buy_order"
	OpClaimSellOrder     = "claim_sell_order"
	OpAddCollateral      = "add_collateral"
	OpUpdateCollateral   = "update_collateral"
	OpRemoveCollateral   = "remove_collateral"
	OpReAddCollateral    = "readd_collateral"
	OpUpdateTap          = "update_tap"
	OpRemoveTap          = "remove_tap"
	OpResetTap           = "reset_tap"
	OpUpdateTappedAmount = "update_tapped_amount"
	OpWithdraw           = "withdraw"
	OpUpdateBeneficiary  = "update_beneficiary"
	OpUpdateMaxRatePct   = "update_maximum_tap_rate_increase_pct"
	OpUpdateMaxFloorPct  = "update_maximum_tap_floor_decrease_pct"
	OpSuspend            = "suspend"
	OpUpdateFees         = "update_fees"
	OpUpdateFormula      = "update_formula"
	OpUpdateTreasury     = "update_treasury"
	OpOpenPublicTrading  = "open_public_trading"
)

func (r *Runner) apply(ctx context.Context, op model.Operation) error {
	caller, err := ParseAddress("caller", op.Caller)
	if err != nil {
		return err
	}
	ex := r.env.Exchange

	switch op.Op {
	case OpGrant, OpRevoke:
		account, err := ParseAddress("account", op.Account)
		if err != nil {
			return err
		}
		role, err := parseRole(op.Role)
		if err != nil {
			return err
		}
		if op.Op == OpGrant {
			return r.env.Roles.Grant(account, role)
		}
		return r.env.Roles.Revoke(account, role)

	case OpMint:
		account, err := ParseAddress("account", op.Account)
		if err != nil {
			return err
		}
		amount, err := parseAmount("amount", op.Amount)
		if err != nil {
			return err
		}
		return r.env.Ledger.Mint(ctx, account, amount)

	case OpDeposit:
		account, err := ParseAddress("account", op.Account)
		if err != nil {
			return err
		}
		asset, err := ParseAddress("collateral", op.Collateral)
		if err != nil {
			return err
		}
		amount, err := parseAmount("amount", op.Amount)
		if err != nil {
			return err
		}
		return r.env.Ledger.Deposit(account, asset, amount)

	case OpEnableKyc, OpDisableKyc, OpAddKycUser, OpRemoveKycUser:
		return r.applyKyc(caller, op)

	case OpOpenBuyOrder, OpOpenSellOrder:
		collateral, err := ParseAddress("collateral", op.Collateral)
		if err != nil {
			return err
		}
		amount, err := parseAmount("amount", op.Amount)
		if err != nil {
			return err
		}
		if op.Op == OpOpenBuyOrder {
			return ex.OpenBuyOrder(ctx, caller, collateral, amount)
		}
		return ex.OpenSellOrder(ctx, caller, collateral, amount)

	case OpClaimBuyOrder, OpClaimSellOrder:
		collateral, err := ParseAddress("collateral", op.Collateral)
		if err != nil {
			return err
		}
		account := caller
		if op.Account != "" {
			if account, err = ParseAddress("account", op.Account); err != nil {
				return err
			}
		}
		if op.Op == OpClaimBuyOrder {
			return ex.ClaimBuyOrder(ctx, account, op.BatchID, collateral)
		}
		return ex.ClaimSellOrder(ctx, account, op.BatchID, collateral)

	case OpAddCollateral, OpUpdateCollateral, OpReAddCollateral:
		collateral, err := ParseAddress("collateral", op.Collateral)
		if err != nil {
			return err
		}
		params, err := collateralParams(op)
		if err != nil {
			return err
		}
		switch op.Op {
		case OpAddCollateral:
			rate, floor, err := tapParams(op)
			if err != nil {
				return err
			}
			return ex.AddCollateral(ctx, caller, collateral, params, rate, floor)
		case OpUpdateCollateral:
			return ex.UpdateCollateral(ctx, caller, collateral, params)
		default:
			return ex.ReAddCollateral(ctx, caller, collateral, params)
		}

	case OpRemoveCollateral, OpRemoveTap, OpResetTap, OpUpdateTappedAmount, OpWithdraw, OpUpdateTap:
		collateral, err := ParseAddress("collateral", op.Collateral)
		if err != nil {
			return err
		}
		switch op.Op {
		case OpRemoveCollateral:
			return ex.RemoveCollateral(ctx, caller, collateral)
		case OpRemoveTap:
			return ex.RemoveTap(ctx, caller, collateral)
		case OpResetTap:
			return ex.ResetTap(ctx, caller, collateral)
		case OpUpdateTappedAmount:
			return ex.UpdateTappedAmount(ctx, collateral)
		case OpWithdraw:
			return ex.WithdrawTap(ctx, caller, collateral)
		default:
			rate, floor, err := tapParams(op)
			if err != nil {
				return err
			}
			return ex.UpdateTap(ctx, caller, collateral, rate, floor)
		}

	case OpUpdateBeneficiary, OpUpdateFormula, OpUpdateTreasury:
		target, err := ParseAddress("account", op.Account)
		if err != nil {
			return err
		}
		switch op.Op {
		case OpUpdateBeneficiary:
			return ex.UpdateBeneficiary(ctx, caller, target)
		case OpUpdateFormula:
			return ex.UpdateBancorFormula(ctx, caller, target)
		default:
			return ex.UpdateTreasury(ctx, caller, target)
		}

	case OpUpdateMaxRatePct, OpUpdateMaxFloorPct:
		pct, err := parseAmount("pct", op.Pct)
		if err != nil {
			return err
		}
		if op.Op == OpUpdateMaxRatePct {
			return ex.UpdateMaximumTapRateIncreasePct(ctx, caller, pct)
		}
		return ex.UpdateMaximumTapFloorDecreasePct(ctx, caller, pct)

	case OpSuspend:
		return ex.Suspend(ctx, caller, op.Value)

	case OpUpdateFees:
		buyFee, err := parseAmount("buy_fee_pct", op.BuyFeePct)
		if err != nil {
			return err
		}
		sellFee, err := parseAmount("sell_fee_pct", op.SellFeePct)
		if err != nil {
			return err
		}
		return ex.UpdateFees(ctx, caller, buyFee, sellFee)

	case OpOpenPublicTrading:
		collaterals, err := ParseAddresses(op.Collaterals)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		return ex.OpenPublicTrading(ctx, caller, collaterals)
	}

	return fmt.Errorf("%w: unknown op %q", ErrInvalidOperation, op.Op)
}

func (r *Runner) applyKyc(caller common.Address, op model.Operation) error {
	roles := r.env.Roles
	var action common.Hash
	switch op.Op {
	case OpEnableKyc:
		action = auth.EnableKycRole
	case OpDisableKyc:
		action = auth.DisableKycRole
	case OpAddKycUser:
		action = auth.AddKycUserRole
	default:
		action = auth.RemoveKycUserRole
	}
	if !roles.IsAuthorized(caller, action) {
		return fmt.Errorf("%s: %w", op.Op, market.ErrUnauthorized)
	}

	switch op.Op {
	case OpEnableKyc:
		return roles.EnableKyc()
	case OpDisableKyc:
		return roles.DisableKyc()
	}
	account, err := ParseAddress("account", op.Account)
	if err != nil {
		return err
	}
	if op.Op == OpAddKycUser {
		return roles.AddKycUser(account)
	}
	return roles.RemoveKycUser(account)
}

func collateralParams(op model.Operation) (market.CollateralParams, error) {
	virtualSupply, err := parseAmount("virtual_supply", op.VirtualSupply)
	if err != nil {
		return market.CollateralParams{}, err
	}
	virtualBalance, err := parseAmount("virtual_balance", op.VirtualBalance)
	if err != nil {
		return market.CollateralParams{}, err
	}
	slippage, err := parseAmount("slippage_pct", op.SlippagePct)
	if err != nil {
		return market.CollateralParams{}, err
	}
	return market.CollateralParams{
		VirtualSupply:   virtualSupply,
		VirtualBalance:  virtualBalance,
		ReserveRatioPPM: op.ReserveRatioPPM,
		SlippagePct:     slippage,
	}, nil
}

func tapParams(op model.Operation) (*big.Int, *big.Int, error) {
	rate, err := parseAmount("rate", op.Rate)
	if err != nil {
		return nil, nil, err
	}
	floor, err := parseAmount("floor", op.Floor)
	if err != nil {
		return nil, nil, err
	}
	return rate, floor, nil
}
