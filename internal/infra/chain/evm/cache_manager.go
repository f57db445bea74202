package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Entry is one program currently held in the on-chain cache.
type Entry struct {
	Code [32]byte
	Size uint64
	Bid  *big.Int
}

// CodeHash returns the entry's bytecode hash in the form used by stored events.
func (e Entry) CodeHash() string {
	return common.Hash(e.Code).Hex()
}

// CacheManager reads views of the CacheManager contract.
type CacheManager struct {
	abi abi.ABI
}

func NewCacheManager() (*CacheManager, error) {
	parsed, err := ParseCacheManagerABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache manager abi: %w", err)
	}
	return &CacheManager{abi: parsed}, nil
}

// Entries calls getEntries() on the contract at the given block (nil for latest).
func (m *CacheManager) Entries(
	ctx context.Context,
	client Client,
	contract common.Address,
	block *big.Int,
) ([]Entry, error) {
	input, err := m.abi.Pack("getEntries")
	if err != nil {
		return nil, fmt.Errorf("failed to pack getEntries: %w", err)
	}

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, block)
	if err != nil {
		return nil, fmt.Errorf("getEntries call failed: %w", err)
	}

	values, err := m.abi.Unpack("getEntries", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getEntries: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("getEntries returned %d values", len(values))
	}

	entries := *abi.ConvertType(values[0], new([]Entry)).(*[]Entry)
	return entries, nil
}
