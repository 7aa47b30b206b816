package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// BasketIDFromSymbol derives the 32-byte basket identifier for a symbol.
func BasketIDFromSymbol(symbol string) common.Hash {
	return crypto.Keccak256Hash([]byte(strings.ToUpper(strings.TrimSpace(symbol))))
}

// ParseID decodes a 0x-prefixed 32-byte hex identifier. Unlike
// common.HexToHash it rejects malformed or short input.
func ParseID(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: id %q: %v", ErrInvalidInput, s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: id %q: want %d bytes, got %d", ErrInvalidInput, s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
