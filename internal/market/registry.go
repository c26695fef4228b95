package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/model"
)

// CollateralParams are the curve settings of a collateral.
type CollateralParams struct {
	VirtualSupply   *big.Int
	VirtualBalance  *big.Int
	ReserveRatioPPM uint32
	SlippagePct     *big.Int
}

func (p CollateralParams) validate() error {
	switch {
	case p.VirtualSupply == nil || p.VirtualSupply.Sign() <= 0:
		return errParam("virtual supply must be positive")
	case p.VirtualBalance == nil || p.VirtualBalance.Sign() < 0:
		return errParam("virtual balance must not be negative")
	case p.ReserveRatioPPM == 0 || uint64(p.ReserveRatioPPM) > fixed.PPM.Uint64():
		return errParam("reserve ratio must be in (0, 1000000]")
	case p.SlippagePct == nil || p.SlippagePct.Sign() < 0:
		return errParam("slippage must not be negative")
	}
	return nil
}

type collateralEntry struct {
	whitelisted bool
	params      CollateralParams
}

// Registry is the whitelist of tradeable collaterals.
type Registry struct {
	entries map[common.Address]*collateralEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[common.Address]*collateralEntry)}
}

// IsWhitelisted reports whether token can be traded.
func (r *Registry) IsWhitelisted(token common.Address) bool {
	entry, ok := r.entries[token]
	return ok && entry.whitelisted
}

// Params returns the curve settings of a whitelisted token.
func (r *Registry) Params(token common.Address) (CollateralParams, bool) {
	entry, ok := r.entries[token]
	if !ok || !entry.whitelisted {
		return CollateralParams{}, false
	}
	return entry.params, true
}

// Add whitelists token. A listed token reports ErrAlreadySet.
func (r *Registry) Add(token common.Address, params CollateralParams, undo *rollback) error {
	if r.IsWhitelisted(token) {
		return ErrAlreadySet
	}
	if err := params.validate(); err != nil {
		return err
	}
	r.put(token, &collateralEntry{whitelisted: true, params: cloneParams(params)}, undo)
	return nil
}

// Update replaces the curve settings of a whitelisted token.
func (r *Registry) Update(token common.Address, params CollateralParams, undo *rollback) error {
	if !r.IsWhitelisted(token) {
		return ErrUnknownCollateral
	}
	if err := params.validate(); err != nil {
		return err
	}
	r.put(token, &collateralEntry{whitelisted: true, params: cloneParams(params)}, undo)
	return nil
}

// Remove unlists token and zeroes its curve settings. Callers check
// outstanding claims before removing.
func (r *Registry) Remove(token common.Address, undo *rollback) error {
	if !r.IsWhitelisted(token) {
		return ErrUnknownCollateral
	}
	r.put(token, &collateralEntry{params: CollateralParams{
		VirtualSupply:  new(big.Int),
		VirtualBalance: new(big.Int),
		SlippagePct:    new(big.Int),
	}}, undo)
	return nil
}

// ReAdd whitelists a previously removed token.
func (r *Registry) ReAdd(token common.Address, params CollateralParams, undo *rollback) error {
	entry, ok := r.entries[token]
	if !ok {
		return ErrUnknownCollateral
	}
	if entry.whitelisted {
		return ErrAlreadySet
	}
	if err := params.validate(); err != nil {
		return err
	}
	r.put(token, &collateralEntry{whitelisted: true, params: cloneParams(params)}, undo)
	return nil
}

func (r *Registry) put(token common.Address, entry *collateralEntry, undo *rollback) {
	prev, existed := r.entries[token]
	r.entries[token] = entry
	undo.add(func() {
		if existed {
			r.entries[token] = prev
		} else {
			delete(r.entries, token)
		}
	})
}

// View returns the model form of token.
func (r *Registry) View(token common.Address) (model.Collateral, bool) {
	entry, ok := r.entries[token]
	if !ok {
		return model.Collateral{}, false
	}
	return model.Collateral{
		Token:           token,
		Whitelisted:     entry.whitelisted,
		VirtualSupply:   fixed.Clone(entry.params.VirtualSupply),
		VirtualBalance:  fixed.Clone(entry.params.VirtualBalance),
		ReserveRatioPPM: entry.params.ReserveRatioPPM,
		SlippagePct:     fixed.Clone(entry.params.SlippagePct),
	}, true
}

// Tokens lists every known token in no particular order.
func (r *Registry) Tokens() []common.Address {
	out := make([]common.Address, 0, len(r.entries))
	for token := range r.entries {
		out = append(out, token)
	}
	return out
}

func cloneParams(p CollateralParams) CollateralParams {
	return CollateralParams{
		VirtualSupply:   fixed.Clone(p.VirtualSupply),
		VirtualBalance:  fixed.Clone(p.VirtualBalance),
		ReserveRatioPPM: p.ReserveRatioPPM,
		SlippagePct:     fixed.Clone(p.SlippagePct),
	}
}
