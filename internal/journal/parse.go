package journal

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"treasuryMarket/internal/auth"
	"treasuryMarket/internal/fixed"
)

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}

// ParseAddress converts a required address field.
func ParseAddress(field, input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return common.Address{}, fmt.Errorf("%w: %s is required", ErrInvalidOperation, field)
	}
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("%w: invalid %s: %s", ErrInvalidOperation, field, input)
	}
	return common.HexToAddress(input), nil
}

func parseAmount(field, input string) (*big.Int, error) {
	v, err := fixed.ParseAmount(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOperation, field, err)
	}
	return v, nil
}

func parseRole(input string) (common.Hash, error) {
	role, ok := auth.ParseRole(strings.TrimSpace(input))
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: unknown role: %s", ErrInvalidOperation, input)
	}
	return role, nil
}
