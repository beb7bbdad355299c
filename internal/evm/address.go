// Package evm provides the EVM-specific primitives the multicall batcher,
// signing worker and broadcaster build on: address validation, amount
// parsing and the ABI encoding of transferFrom/aggregate3 calls. Grounded
// on the teacher's ethereum/builder.go validateRequest/isValidAddress and
// ethereum/derive.go.
package evm

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var hexAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidAddress reports whether s is a syntactically valid hex address.
// It does not enforce EIP-55 checksum casing — mixed-case and all-lower
// addresses are both accepted, matching the teacher's permissive check.
func IsValidAddress(s string) bool {
	return hexAddressPattern.MatchString(s)
}

// ParseAddress validates and converts s to a common.Address.
func ParseAddress(s string) (common.Address, error) {
	if !IsValidAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s), nil
}

// Fingerprint returns the lowercase token address used to group transfers
// for batching (spec.md glossary). A nil/empty token means the native
// asset, whose fingerprint is the sentinel "native".
func Fingerprint(token *string) string {
	if token == nil || *token == "" {
		return "native"
	}
	return strings.ToLower(*token)
}

// IsPositiveDecimalOrInteger reports whether s looks like a positive
// integer (base units) or positive decimal (human token amount) string.
func IsPositiveDecimalOrInteger(s string) bool {
	if s == "" {
		return false
	}
	dotSeen := false
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.' && !dotSeen && i != 0:
			dotSeen = true
		default:
			return false
		}
	}
	if digits == 0 {
		return false
	}
	v, ok := new(big.Float).SetString(s)
	if !ok {
		return false
	}
	return v.Sign() > 0
}

// IsBaseUnitsString reports whether s is a plain non-negative integer
// string with no decimal point — the representation SignedTransaction
// and BatchTransaction amounts are stored in.
func IsBaseUnitsString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ToBaseUnits converts a decimal token amount string (e.g. "1.5") to a
// base-units integer string given the token's decimals, or passes an
// already-base-units string through unchanged. A zero amount in either
// form is an error.
func ToBaseUnits(amount string, decimals int) (string, error) {
	if IsBaseUnitsString(amount) {
		if strings.TrimLeft(amount, "0") == "" {
			return "", fmt.Errorf("amount must be positive: %q", amount)
		}
		return amount, nil
	}

	parts := strings.SplitN(amount, ".", 2)
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		return "", fmt.Errorf("amount %q has more precision than %d decimals", amount, decimals)
	}
	frac = frac + strings.Repeat("0", decimals-len(frac))

	combined := whole + frac
	combined = strings.TrimLeft(combined, "0")
	if combined == "" {
		combined = "0"
	}

	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return "", fmt.Errorf("invalid amount: %q", amount)
	}
	if v.Sign() <= 0 {
		return "", fmt.Errorf("amount must be positive: %q", amount)
	}
	return v.String(), nil
}
