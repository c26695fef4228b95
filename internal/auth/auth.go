package auth

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrAlreadySet is returned when a role or allow-list change is a no-op.
	ErrAlreadySet = errors.New("auth: already set")
)

// Authorizer answers capability checks for privileged actions.
type Authorizer interface {
	IsAuthorized(account common.Address, action common.Hash) bool
}

// KYC is the identity allow-list predicate gating trading.
type KYC interface {
	IsKycRequired() bool
	IsKycApproved(account common.Address) bool
}

// Action identifiers, keccak256 of the role name.
var (
	OpenRole                             = Action("OPEN_ROLE")
	SuspendRole                          = Action("SUSPEND_ROLE")
	UpdateFeesRole                       = Action("UPDATE_FEES_ROLE")
	UpdateFormulaRole                    = Action("UPDATE_FORMULA_ROLE")
	UpdateTreasuryRole                   = Action("UPDATE_TREASURY_ROLE")
	UpdateBeneficiaryRole                = Action("UPDATE_BENEFICIARY_ROLE")
	AddCollateralTokenRole               = Action("ADD_COLLATERAL_TOKEN_ROLE")
	UpdateCollateralTokenRole            = Action("UPDATE_COLLATERAL_TOKEN_ROLE")
	RemoveCollateralTokenRole            = Action("REMOVE_COLLATERAL_TOKEN_ROLE")
	AddTappedTokenRole                   = Action("ADD_TAPPED_TOKEN_ROLE")
	UpdateTappedTokenRole                = Action("UPDATE_TAPPED_TOKEN_ROLE")
	RemoveTappedTokenRole                = Action("REMOVE_TAPPED_TOKEN_ROLE")
	ResetTappedTokenRole                 = Action("RESET_TAPPED_TOKEN_ROLE")
	WithdrawRole                         = Action("WITHDRAW_ROLE")
	UpdateMaximumTapRateIncreasePctRole  = Action("UPDATE_MAXIMUM_TAP_RATE_INCREASE_PCT_ROLE")
	UpdateMaximumTapFloorDecreasePctRole = Action("UPDATE_MAXIMUM_TAP_FLOOR_DECREASE_PCT_ROLE")
	EnableKycRole                        = Action("ENABLE_KYC_ROLE")
	DisableKycRole                       = Action("DISABLE_KYC_ROLE")
	AddKycUserRole                       = Action("ADD_KYC_USER_ROLE")
	RemoveKycUserRole                    = Action("REMOVE_KYC_USER_ROLE")
)

var (
	roleNames = map[common.Hash]string{}
	roleOrder []common.Hash
)

func init() {
	for _, name := range []string{
		"OPEN_ROLE", "SUSPEND_ROLE", "UPDATE_FEES_ROLE", "UPDATE_FORMULA_ROLE",
		"UPDATE_TREASURY_ROLE", "UPDATE_BENEFICIARY_ROLE",
		"ADD_COLLATERAL_TOKEN_ROLE", "UPDATE_COLLATERAL_TOKEN_ROLE", "REMOVE_COLLATERAL_TOKEN_ROLE",
		"ADD_TAPPED_TOKEN_ROLE", "UPDATE_TAPPED_TOKEN_ROLE", "REMOVE_TAPPED_TOKEN_ROLE",
		"RESET_TAPPED_TOKEN_ROLE", "WITHDRAW_ROLE",
		"UPDATE_MAXIMUM_TAP_RATE_INCREASE_PCT_ROLE", "UPDATE_MAXIMUM_TAP_FLOOR_DECREASE_PCT_ROLE",
		"ENABLE_KYC_ROLE", "DISABLE_KYC_ROLE", "ADD_KYC_USER_ROLE", "REMOVE_KYC_USER_ROLE",
	} {
		roleNames[Action(name)] = name
		roleOrder = append(roleOrder, Action(name))
	}
}

// Actions lists every known role identifier.
func Actions() []common.Hash {
	return append([]common.Hash(nil), roleOrder...)
}

// Action derives the identifier of a named role.
func Action(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

// RoleName returns the human readable role for an action, or its hex form.
func RoleName(action common.Hash) string {
	if name, ok := roleNames[action]; ok {
		return name
	}
	return action.Hex()
}

// ParseRole resolves a role name or a 0x-prefixed identifier.
func ParseRole(value string) (common.Hash, bool) {
	if _, ok := roleNames[Action(value)]; ok {
		return Action(value), true
	}
	if len(value) == 66 && (value[:2] == "0x" || value[:2] == "0X") {
		return common.HexToHash(value), true
	}
	return common.Hash{}, false
}

// RoleTable is an in-memory Authorizer and KYC allow-list.
type RoleTable struct {
	mu          sync.RWMutex
	roles       map[common.Hash]map[common.Address]struct{}
	kycRequired bool
	kycUsers    map[common.Address]struct{}
}

// NewRoleTable creates an empty table with KYC disabled.
func NewRoleTable() *RoleTable {
	return &RoleTable{
		roles:    make(map[common.Hash]map[common.Address]struct{}),
		kycUsers: make(map[common.Address]struct{}),
	}
}

// Grant gives action to account.
func (r *RoleTable) Grant(account common.Address, action common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	holders, ok := r.roles[action]
	if !ok {
		holders = make(map[common.Address]struct{})
		r.roles[action] = holders
	}
	if _, ok := holders[account]; ok {
		return ErrAlreadySet
	}
	holders[account] = struct{}{}
	return nil
}

// Revoke removes action from account.
func (r *RoleTable) Revoke(account common.Address, action common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	holders := r.roles[action]
	if _, ok := holders[account]; !ok {
		return ErrAlreadySet
	}
	delete(holders, account)
	return nil
}

// HasRole reports whether account holds action.
func (r *RoleTable) HasRole(account common.Address, action common.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[action][account]
	return ok
}

// IsAuthorized implements Authorizer.
func (r *RoleTable) IsAuthorized(account common.Address, action common.Hash) bool {
	return r.HasRole(account, action)
}

// EnableKyc turns the allow-list on.
func (r *RoleTable) EnableKyc() error {
	return r.setKyc(true)
}

// DisableKyc turns the allow-list off.
func (r *RoleTable) DisableKyc() error {
	return r.setKyc(false)
}

func (r *RoleTable) setKyc(required bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kycRequired == required {
		return ErrAlreadySet
	}
	r.kycRequired = required
	return nil
}

// AddKycUser approves account.
func (r *RoleTable) AddKycUser(account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kycUsers[account]; ok {
		return ErrAlreadySet
	}
	r.kycUsers[account] = struct{}{}
	return nil
}

// RemoveKycUser revokes the approval of account.
func (r *RoleTable) RemoveKycUser(account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kycUsers[account]; !ok {
		return ErrAlreadySet
	}
	delete(r.kycUsers, account)
	return nil
}

// IsKycRequired implements KYC.
func (r *RoleTable) IsKycRequired() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kycRequired
}

// IsKycApproved implements KYC.
func (r *RoleTable) IsKycApproved(account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kycUsers[account]
	return ok
}
