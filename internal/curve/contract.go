package curve

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const bancorFormulaABIJSON = `[
  {"inputs": [{"name": "_supply", "type": "uint256"}, {"name": "_connectorBalance", "type": "uint256"}, {"name": "_connectorWeight", "type": "uint32"}, {"name": "_depositAmount", "type": "uint256"}], "name": "calculatePurchaseReturn", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "_supply", "type": "uint256"}, {"name": "_connectorBalance", "type": "uint256"}, {"name": "_connectorWeight", "type": "uint32"}, {"name": "_sellAmount", "type": "uint256"}], "name": "calculateSaleReturn", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

var (
	formulaABI     abi.ABI
	formulaABIOnce sync.Once
	formulaABIErr  error
)

// FormulaABI returns the parsed Bancor formula ABI.
func FormulaABI() (abi.ABI, error) {
	formulaABIOnce.Do(func() {
		formulaABI, formulaABIErr = abi.JSON(strings.NewReader(bancorFormulaABIJSON))
	})
	return formulaABI, formulaABIErr
}

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ContractFormula evaluates a deployed Bancor formula contract through eth_call.
type ContractFormula struct {
	caller  ContractCaller
	address common.Address
	logger  *zap.Logger
}

// NewContractFormula binds a formula contract at address.
func NewContractFormula(caller ContractCaller, address common.Address, logger *zap.Logger) *ContractFormula {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContractFormula{caller: caller, address: address, logger: logger}
}

// Address returns the bound contract address.
func (f *ContractFormula) Address() common.Address {
	return f.address
}

// PurchaseReturn implements Formula.
func (f *ContractFormula) PurchaseReturn(ctx context.Context, supply, balance *big.Int, reserveRatioPPM uint32, deposit *big.Int) (*big.Int, error) {
	return f.call(ctx, "calculatePurchaseReturn", supply, balance, reserveRatioPPM, deposit)
}

// SaleReturn implements Formula.
func (f *ContractFormula) SaleReturn(ctx context.Context, supply, balance *big.Int, reserveRatioPPM uint32, sellAmount *big.Int) (*big.Int, error) {
	return f.call(ctx, "calculateSaleReturn", supply, balance, reserveRatioPPM, sellAmount)
}

func (f *ContractFormula) call(ctx context.Context, method string, supply, balance *big.Int, reserveRatioPPM uint32, amount *big.Int) (*big.Int, error) {
	if f.caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	parsed, err := FormulaABI()
	if err != nil {
		return nil, fmt.Errorf("parse formula abi: %w", err)
	}

	data, err := parsed.Pack(method, supply, balance, reserveRatioPPM, amount)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := f.address
	resp, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s return size %d", method, len(values))
	}
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s unexpected type %T", method, values[0])
	}

	f.logger.Debug("formula call",
		zap.String("method", method),
		zap.String("supply", supply.String()),
		zap.String("balance", balance.String()),
		zap.Uint32("reserve_ratio_ppm", reserveRatioPPM),
		zap.String("amount", amount.String()),
		zap.String("return", out.String()),
	)
	return out, nil
}
