package market

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies a rejected operation.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotOpen
	KindSuspended
	KindUnknownCollateral
	KindUnauthorized
	KindInvalidParameter
	KindOrderNotFound
	KindSequenceRegression
	KindSlippageExceeded
	KindInsufficientReserve
	KindNothingToWithdraw
	KindRateChangeTooSoon
	KindRateChangeTooLarge
	KindBatchNotClosed
	KindAlreadyClaimed
	KindAlreadySet
	KindDependencyViolation
	KindTapNotConfigured
	KindExternal
)

// Category groups kinds by how a caller should react.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryEconomic   Category = "economic"
	CategorySequencing Category = "sequencing"
	CategoryDependency Category = "dependency"
	CategoryExternal   Category = "external"
)

var (
	ErrNotOpen             = errors.New("market: not open")
	ErrSuspended           = errors.New("market: suspended")
	ErrUnknownCollateral   = errors.New("market: unknown collateral")
	ErrUnauthorized        = errors.New("market: unauthorized")
	ErrInvalidParameter    = errors.New("market: invalid parameter")
	ErrOrderNotFound       = errors.New("market: order not found")
	ErrSequenceRegression  = errors.New("market: sequence regression")
	ErrSlippageExceeded    = errors.New("market: slippage exceeded")
	ErrInsufficientReserve = errors.New("market: insufficient reserve")
	ErrNothingToWithdraw   = errors.New("market: nothing to withdraw")
	ErrRateChangeTooSoon   = errors.New("market: rate change too soon")
	ErrRateChangeTooLarge  = errors.New("market: rate change too large")
	ErrBatchNotClosed      = errors.New("market: batch not closed")
	ErrAlreadyClaimed      = errors.New("market: already claimed")
	ErrAlreadySet          = errors.New("market: already set")
	ErrDependencyViolation = errors.New("market: dependency violation")
	ErrTapNotConfigured    = errors.New("market: tap not configured")
	ErrExternal            = errors.New("market: external dependency failed")
)

var kindInfo = map[Kind]struct {
	name     string
	sentinel error
	category Category
}{
	KindNotOpen:             {"not_open", ErrNotOpen, CategoryValidation},
	KindSuspended:           {"suspended", ErrSuspended, CategoryValidation},
	KindUnknownCollateral:   {"unknown_collateral", ErrUnknownCollateral, CategoryValidation},
	KindUnauthorized:        {"unauthorized", ErrUnauthorized, CategoryValidation},
	KindInvalidParameter:    {"invalid_parameter", ErrInvalidParameter, CategoryValidation},
	KindOrderNotFound:       {"order_not_found", ErrOrderNotFound, CategoryValidation},
	KindSequenceRegression:  {"sequence_regression", ErrSequenceRegression, CategorySequencing},
	KindSlippageExceeded:    {"slippage_exceeded", ErrSlippageExceeded, CategoryEconomic},
	KindInsufficientReserve: {"insufficient_reserve", ErrInsufficientReserve, CategoryEconomic},
	KindNothingToWithdraw:   {"nothing_to_withdraw", ErrNothingToWithdraw, CategoryEconomic},
	KindRateChangeTooSoon:   {"rate_change_too_soon", ErrRateChangeTooSoon, CategoryEconomic},
	KindRateChangeTooLarge:  {"rate_change_too_large", ErrRateChangeTooLarge, CategoryEconomic},
	KindBatchNotClosed:      {"batch_not_closed", ErrBatchNotClosed, CategorySequencing},
	KindAlreadyClaimed:      {"already_claimed", ErrAlreadyClaimed, CategorySequencing},
	KindAlreadySet:          {"already_set", ErrAlreadySet, CategoryValidation},
	KindDependencyViolation: {"dependency_violation", ErrDependencyViolation, CategoryDependency},
	KindTapNotConfigured:    {"tap_not_configured", ErrTapNotConfigured, CategoryDependency},
	KindExternal:            {"external", ErrExternal, CategoryExternal},
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return "unknown"
}

// Category returns the reaction group of the kind.
func (k Kind) Category() Category {
	if info, ok := kindInfo[k]; ok {
		return info.category
	}
	return CategoryExternal
}

// Error describes a rejected operation together with the offending
// collateral, account and batch when they apply.
type Error struct {
	Kind       Kind
	Op         string
	Collateral common.Address
	Account    common.Address
	BatchID    uint64
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Collateral != (common.Address{}) {
		msg += fmt.Sprintf(" collateral=%s", e.Collateral.Hex())
	}
	if e.Account != (common.Address{}) {
		msg += fmt.Sprintf(" account=%s", e.Account.Hex())
	}
	if e.BatchID != 0 {
		msg += fmt.Sprintf(" batch=%d", e.BatchID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	info, ok := kindInfo[e.Kind]
	return ok && info.sentinel == target
}

// Category returns the reaction group of the error.
func (e *Error) Category() Category {
	return e.Kind.Category()
}

// KindOf extracts the kind of a market error, or KindUnknown.
func KindOf(err error) Kind {
	var merr *Error
	if errors.As(err, &merr) {
		return merr.Kind
	}
	return KindUnknown
}

func errParam(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, msg)
}

// classify maps a component error onto its kind.
func classify(err error) Kind {
	if kind := KindOf(err); kind != KindUnknown {
		return kind
	}
	// declaration order decides when err wraps several sentinels
	for kind := KindNotOpen; kind <= KindExternal; kind++ {
		if errors.Is(err, kindInfo[kind].sentinel) {
			return kind
		}
	}
	return KindExternal
}
