package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"treasuryMarket/internal/fixed"
)

// rollback records the inverse of every bookkeeping change of one operation.
type rollback struct {
	steps []func()
}

func (r *rollback) add(step func()) {
	if r == nil {
		return
	}
	r.steps = append(r.steps, step)
}

func (r *rollback) undo() {
	if r == nil {
		return
	}
	for i := len(r.steps) - 1; i >= 0; i-- {
		r.steps[i]()
	}
	r.steps = nil
}

type movementKind uint8

const (
	moveTransfer movementKind = iota
	moveMint
	moveBurn
)

// movement is one call into the asset ledger.
type movement struct {
	kind   movementKind
	from   common.Address
	to     common.Address
	asset  common.Address
	amount *big.Int
}

func transfer(from, to, asset common.Address, amount *big.Int) movement {
	return movement{kind: moveTransfer, from: from, to: to, asset: asset, amount: amount}
}

func mint(to common.Address, amount *big.Int) movement {
	return movement{kind: moveMint, to: to, amount: amount}
}

func burn(from common.Address, amount *big.Int) movement {
	return movement{kind: moveBurn, from: from, amount: amount}
}

func (m movement) inverse() movement {
	switch m.kind {
	case moveMint:
		return burn(m.to, m.amount)
	case moveBurn:
		return mint(m.from, m.amount)
	default:
		return transfer(m.to, m.from, m.asset, m.amount)
	}
}

func (m movement) String() string {
	switch m.kind {
	case moveMint:
		return fmt.Sprintf("mint %s to %s", m.amount, m.to.Hex())
	case moveBurn:
		return fmt.Sprintf("burn %s from %s", m.amount, m.from.Hex())
	default:
		return fmt.Sprintf("transfer %s of %s from %s to %s", m.amount, m.asset.Hex(), m.from.Hex(), m.to.Hex())
	}
}

func (e *Exchange) apply(ctx context.Context, m movement) error {
	switch m.kind {
	case moveMint:
		return e.token.Mint(ctx, m.to, m.amount)
	case moveBurn:
		return e.token.Burn(ctx, m.from, m.amount)
	default:
		return e.ledger.Transfer(ctx, m.from, m.to, m.asset, m.amount)
	}
}

// settle executes movements in order. When one fails the already executed
// ones are reversed so the ledger is left as it was found.
func (e *Exchange) settle(ctx context.Context, moves []movement) error {
	done := make([]movement, 0, len(moves))
	for _, m := range moves {
		if fixed.IsZero(m.amount) {
			continue
		}
		if err := e.apply(ctx, m); err != nil {
			failure := fmt.Errorf("%s: %w", m, err)
			for i := len(done) - 1; i >= 0; i-- {
				inv := done[i].inverse()
				if cerr := e.apply(ctx, inv); cerr != nil {
					e.logger.Error("compensation failed", zap.Stringer("movement", inv), zap.Error(cerr))
					failure = errors.Join(failure, fmt.Errorf("compensate %s: %w", inv, cerr))
				}
			}
			return failure
		}
		done = append(done, m)
	}
	return nil
}
