package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrTransferUnauthorized = errors.New("ledger: transfer unauthorized")
	ErrInvalidAmount        = errors.New("ledger: invalid amount")
)

// Ledger holds balances per account per asset.
type Ledger interface {
	BalanceOf(ctx context.Context, account, asset common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to, asset common.Address, amount *big.Int) error
}

// IssuedToken is the supply-controlled asset sold by the exchange.
type IssuedToken interface {
	TotalSupply(ctx context.Context) (*big.Int, error)
	Mint(ctx context.Context, to common.Address, amount *big.Int) error
	Burn(ctx context.Context, from common.Address, amount *big.Int) error
}

// Memory is an in-process Ledger and IssuedToken.
type Memory struct {
	issued common.Address

	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]*big.Int
	supply   *big.Int
	frozen   map[common.Address]struct{}
}

// NewMemory creates an empty ledger whose issued asset is issued.
func NewMemory(issued common.Address) *Memory {
	return &Memory{
		issued:   issued,
		balances: make(map[common.Address]map[common.Address]*big.Int),
		supply:   new(big.Int),
		frozen:   make(map[common.Address]struct{}),
	}
}

// BalanceOf implements Ledger.
func (m *Memory) BalanceOf(_ context.Context, account, asset common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.balance(account, asset)), nil
}

// Transfer implements Ledger.
func (m *Memory) Transfer(_ context.Context, from, to, asset common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isFrozen(from) || m.isFrozen(to) {
		return fmt.Errorf("transfer %s from %s: %w", asset.Hex(), from.Hex(), ErrTransferUnauthorized)
	}
	fromBalance := m.balance(from, asset)
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("transfer %s from %s: %w", asset.Hex(), from.Hex(), ErrInsufficientBalance)
	}
	m.set(from, asset, new(big.Int).Sub(fromBalance, amount))
	m.set(to, asset, new(big.Int).Add(m.balance(to, asset), amount))
	return nil
}

// TotalSupply implements IssuedToken.
func (m *Memory) TotalSupply(_ context.Context) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.supply), nil
}

// Mint implements IssuedToken.
func (m *Memory) Mint(_ context.Context, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isFrozen(to) {
		return fmt.Errorf("mint to %s: %w", to.Hex(), ErrTransferUnauthorized)
	}
	m.set(to, m.issued, new(big.Int).Add(m.balance(to, m.issued), amount))
	m.supply.Add(m.supply, amount)
	return nil
}

// Burn implements IssuedToken.
func (m *Memory) Burn(_ context.Context, from common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isFrozen(from) {
		return fmt.Errorf("burn from %s: %w", from.Hex(), ErrTransferUnauthorized)
	}
	balance := m.balance(from, m.issued)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("burn from %s: %w", from.Hex(), ErrInsufficientBalance)
	}
	m.set(from, m.issued, new(big.Int).Sub(balance, amount))
	m.supply.Sub(m.supply, amount)
	return nil
}

// Deposit credits a non-issued asset out of thin air. Used to seed balances.
func (m *Memory) Deposit(account, asset common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if asset == m.issued {
		return fmt.Errorf("deposit issued asset: use mint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(account, asset, new(big.Int).Add(m.balance(account, asset), amount))
	return nil
}

// Freeze makes every movement touching account fail with ErrTransferUnauthorized.
func (m *Memory) Freeze(account common.Address) {
	m.mu.Lock()
	m.frozen[account] = struct{}{}
	m.mu.Unlock()
}

// Unfreeze lifts a Freeze.
func (m *Memory) Unfreeze(account common.Address) {
	m.mu.Lock()
	delete(m.frozen, account)
	m.mu.Unlock()
}

func (m *Memory) isFrozen(account common.Address) bool {
	_, ok := m.frozen[account]
	return ok
}

func (m *Memory) balance(account, asset common.Address) *big.Int {
	if v, ok := m.balances[account][asset]; ok {
		return v
	}
	return new(big.Int)
}

func (m *Memory) set(account, asset common.Address, amount *big.Int) {
	assets, ok := m.balances[account]
	if !ok {
		assets = make(map[common.Address]*big.Int)
		m.balances[account] = assets
	}
	assets[asset] = amount
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
