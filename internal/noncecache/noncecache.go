// Package noncecache implements the per-signer monotonic nonce allocator
// of spec.md §4.3: a durable, atomically-incrementing counter shared
// across every signing worker process.
package noncecache

import (
	"context"
)

// SignerKey identifies one nonce sequence: a signing address scoped to a
// specific chain and network (the same address may sign on several chains
// with independent nonce sequences).
type SignerKey struct {
	Address string
	Chain   string
	Network string
}

func (k SignerKey) cacheKey() string {
	return "nonce:" + k.Chain + ":" + k.Network + ":" + k.Address
}

// NonceCache is the contract every signing worker allocates nonces
// through. Two concurrent IncrementAndGet calls against the same signer
// MUST return distinct, strictly increasing values (spec.md §8.2).
type NonceCache interface {
	// Get returns the last allocated nonce without advancing it. Returns 0
	// if the signer has never been allocated a nonce.
	Get(ctx context.Context, signer SignerKey) (uint64, error)

	// IncrementAndGet atomically advances and returns the next nonce.
	IncrementAndGet(ctx context.Context, signer SignerKey) (uint64, error)

	// Reset forces the cache to a specific value. Used only by recovery
	// upon detected nonce divergence (spec.md §4.8).
	Reset(ctx context.Context, signer SignerKey, to uint64) error
}
