package market

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/model"
)

type batchKey struct {
	id         uint64
	collateral common.Address
}

type receiptKey struct {
	account    common.Address
	id         uint64
	collateral common.Address
	side       model.Side
}

// BatchLedger aggregates orders per (batch, collateral) and settles them
// pro rata once the batch is closed.
type BatchLedger struct {
	batches  map[batchKey]*model.Batch
	receipts map[receiptKey]*model.Receipt
	open     map[common.Address]map[receiptKey]struct{}
}

// NewBatchLedger returns an empty ledger.
func NewBatchLedger() *BatchLedger {
	return &BatchLedger{
		batches:  make(map[batchKey]*model.Batch),
		receipts: make(map[receiptKey]*model.Receipt),
		open:     make(map[common.Address]map[receiptKey]struct{}),
	}
}

// RecordBuy adds a buy of value paying out minted to the batch.
func (l *BatchLedger) RecordBuy(id uint64, collateral, account common.Address, value, minted *big.Int, undo *rollback) {
	l.record(id, collateral, account, model.SideBuy, value, minted, undo)
}

// RecordSell adds a sale of amount paying out returned to the batch.
func (l *BatchLedger) RecordSell(id uint64, collateral, account common.Address, amount, returned *big.Int, undo *rollback) {
	l.record(id, collateral, account, model.SideSell, amount, returned, undo)
}

func (l *BatchLedger) record(id uint64, collateral, account common.Address, side model.Side, amount, payout *big.Int, undo *rollback) {
	bk := batchKey{id: id, collateral: collateral}
	batch := l.batchCopy(bk)
	if side == model.SideBuy {
		batch.TotalBuyValue.Add(batch.TotalBuyValue, amount)
		batch.TotalBuyReturn.Add(batch.TotalBuyReturn, payout)
		batch.UnclaimedBuyValue.Add(batch.UnclaimedBuyValue, amount)
		batch.UnclaimedBuyReturn.Add(batch.UnclaimedBuyReturn, payout)
	} else {
		batch.TotalSellAmount.Add(batch.TotalSellAmount, amount)
		batch.TotalSellReturn.Add(batch.TotalSellReturn, payout)
		batch.UnclaimedSellAmount.Add(batch.UnclaimedSellAmount, amount)
		batch.UnclaimedSellReturn.Add(batch.UnclaimedSellReturn, payout)
	}
	l.putBatch(bk, batch, undo)

	rk := receiptKey{account: account, id: id, collateral: collateral, side: side}
	receipt := l.receiptCopy(rk)
	receipt.Amount.Add(receipt.Amount, amount)
	l.putReceipt(rk, receipt, undo)
}

// Settlement is the outcome of claiming one receipt.
type Settlement struct {
	Receipt model.Receipt
	Share   *big.Int
}

// Settle marks the receipt of account as claimed and returns its share of
// the batch payout. The last claimant of a batch side receives whatever is
// left so the unclaimed totals drain to exactly zero.
func (l *BatchLedger) Settle(account common.Address, id uint64, collateral common.Address, side model.Side, undo *rollback) (Settlement, error) {
	rk := receiptKey{account: account, id: id, collateral: collateral, side: side}
	current, ok := l.receipts[rk]
	if !ok {
		return Settlement{}, ErrOrderNotFound
	}
	if current.Claimed {
		return Settlement{}, ErrAlreadyClaimed
	}

	bk := batchKey{id: id, collateral: collateral}
	batch := l.batchCopy(bk)
	var total, totalPayout, unclaimed, unclaimedPayout *big.Int
	if side == model.SideBuy {
		total, totalPayout = batch.TotalBuyValue, batch.TotalBuyReturn
		unclaimed, unclaimedPayout = batch.UnclaimedBuyValue, batch.UnclaimedBuyReturn
	} else {
		total, totalPayout = batch.TotalSellAmount, batch.TotalSellReturn
		unclaimed, unclaimedPayout = batch.UnclaimedSellAmount, batch.UnclaimedSellReturn
	}

	var share *big.Int
	if current.Amount.Cmp(unclaimed) >= 0 {
		share = fixed.Clone(unclaimedPayout)
	} else {
		share = fixed.Min(fixed.MulDiv(current.Amount, totalPayout, total), unclaimedPayout)
	}
	unclaimed.Sub(unclaimed, current.Amount)
	unclaimedPayout.Sub(unclaimedPayout, share)
	l.putBatch(bk, batch, undo)

	receipt := l.receiptCopy(rk)
	receipt.Claimed = true
	receipt.Settled = fixed.Clone(share)
	l.putReceipt(rk, receipt, undo)

	return Settlement{Receipt: *cloneReceipt(receipt), Share: share}, nil
}

// HasPending reports whether collateral has a batch with unclaimed orders.
func (l *BatchLedger) HasPending(collateral common.Address) bool {
	for key, batch := range l.batches {
		if key.collateral == collateral && !batch.Settled() {
			return true
		}
	}
	return false
}

// Batch returns the aggregate of (id, collateral).
func (l *BatchLedger) Batch(id uint64, collateral common.Address) (model.Batch, bool) {
	batch, ok := l.batches[batchKey{id: id, collateral: collateral}]
	if !ok {
		return model.Batch{}, false
	}
	return *cloneBatch(batch), true
}

// Receipt returns one account's receipt.
func (l *BatchLedger) Receipt(account common.Address, id uint64, collateral common.Address, side model.Side) (model.Receipt, bool) {
	receipt, ok := l.receipts[receiptKey{account: account, id: id, collateral: collateral, side: side}]
	if !ok {
		return model.Receipt{}, false
	}
	return *cloneReceipt(receipt), true
}

// Unclaimed lists the open receipts of account ordered by batch.
func (l *BatchLedger) Unclaimed(account common.Address) []model.Receipt {
	keys := l.open[account]
	out := make([]model.Receipt, 0, len(keys))
	for key := range keys {
		out = append(out, *cloneReceipt(l.receipts[key]))
	}
	sortReceipts(out)
	return out
}

// UnclaimedBuyReturn sums what buyers are still owed across all batches.
func (l *BatchLedger) UnclaimedBuyReturn() *big.Int {
	total := new(big.Int)
	for _, batch := range l.batches {
		total.Add(total, batch.UnclaimedBuyReturn)
	}
	return total
}

// UnclaimedSellReturn sums what sellers of collateral are still owed.
func (l *BatchLedger) UnclaimedSellReturn(collateral common.Address) *big.Int {
	total := new(big.Int)
	for key, batch := range l.batches {
		if key.collateral == collateral {
			total.Add(total, batch.UnclaimedSellReturn)
		}
	}
	return total
}

// Batches returns every aggregate ordered by batch then collateral.
func (l *BatchLedger) Batches() []model.Batch {
	out := make([]model.Batch, 0, len(l.batches))
	for _, batch := range l.batches {
		out = append(out, *cloneBatch(batch))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Collateral.Hex() < out[j].Collateral.Hex()
	})
	return out
}

// Receipts returns every receipt ordered by batch.
func (l *BatchLedger) Receipts() []model.Receipt {
	out := make([]model.Receipt, 0, len(l.receipts))
	for _, receipt := range l.receipts {
		out = append(out, *cloneReceipt(receipt))
	}
	sortReceipts(out)
	return out
}

func (l *BatchLedger) batchCopy(key batchKey) *model.Batch {
	if batch, ok := l.batches[key]; ok {
		return cloneBatch(batch)
	}
	return &model.Batch{
		ID:                  key.id,
		Collateral:          key.collateral,
		TotalBuyValue:       new(big.Int),
		TotalBuyReturn:      new(big.Int),
		TotalSellAmount:     new(big.Int),
		TotalSellReturn:     new(big.Int),
		UnclaimedBuyValue:   new(big.Int),
		UnclaimedBuyReturn:  new(big.Int),
		UnclaimedSellAmount: new(big.Int),
		UnclaimedSellReturn: new(big.Int),
	}
}

func (l *BatchLedger) receiptCopy(key receiptKey) *model.Receipt {
	if receipt, ok := l.receipts[key]; ok {
		return cloneReceipt(receipt)
	}
	return &model.Receipt{
		Account:    key.account,
		BatchID:    key.id,
		Collateral: key.collateral,
		Side:       key.side,
		Amount:     new(big.Int),
	}
}

func (l *BatchLedger) putBatch(key batchKey, batch *model.Batch, undo *rollback) {
	prev, existed := l.batches[key]
	l.batches[key] = batch
	undo.add(func() {
		if existed {
			l.batches[key] = prev
		} else {
			delete(l.batches, key)
		}
	})
}

func (l *BatchLedger) putReceipt(key receiptKey, receipt *model.Receipt, undo *rollback) {
	prev, existed := l.receipts[key]
	l.receipts[key] = receipt
	l.index(key, !receipt.Claimed)
	undo.add(func() {
		if existed {
			l.receipts[key] = prev
			l.index(key, !prev.Claimed)
		} else {
			delete(l.receipts, key)
			l.index(key, false)
		}
	})
}

func (l *BatchLedger) index(key receiptKey, open bool) {
	keys, ok := l.open[key.account]
	if open {
		if !ok {
			keys = make(map[receiptKey]struct{})
			l.open[key.account] = keys
		}
		keys[key] = struct{}{}
		return
	}
	if ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(l.open, key.account)
		}
	}
}

func sortReceipts(out []model.Receipt) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		if out[i].Account != out[j].Account {
			return out[i].Account.Hex() < out[j].Account.Hex()
		}
		if out[i].Collateral != out[j].Collateral {
			return out[i].Collateral.Hex() < out[j].Collateral.Hex()
		}
		return out[i].Side < out[j].Side
	})
}

func cloneBatch(b *model.Batch) *model.Batch {
	return &model.Batch{
		ID:                  b.ID,
		Collateral:          b.Collateral,
		TotalBuyValue:       fixed.Clone(b.TotalBuyValue),
		TotalBuyReturn:      fixed.Clone(b.TotalBuyReturn),
		TotalSellAmount:     fixed.Clone(b.TotalSellAmount),
		TotalSellReturn:     fixed.Clone(b.TotalSellReturn),
		UnclaimedBuyValue:   fixed.Clone(b.UnclaimedBuyValue),
		UnclaimedBuyReturn:  fixed.Clone(b.UnclaimedBuyReturn),
		UnclaimedSellAmount: fixed.Clone(b.UnclaimedSellAmount),
		UnclaimedSellReturn: fixed.Clone(b.UnclaimedSellReturn),
	}
}

func cloneReceipt(r *model.Receipt) *model.Receipt {
	out := *r
	out.Amount = fixed.Clone(r.Amount)
	if r.Settled != nil {
		out.Settled = fixed.Clone(r.Settled)
	}
	return &out
}
