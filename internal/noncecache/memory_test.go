package noncecache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryNonceCache_IncrementAndGet(t *testing.T) {
	c := NewMemoryNonceCache()
	ctx := context.Background()
	signer := SignerKey{Address: "0xabc", Chain: "polygon", Network: "mainnet"}

	n1, err := c.IncrementAndGet(ctx, signer)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n1)

	n2, err := c.IncrementAndGet(ctx, signer)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n2)

	got, err := c.Get(ctx, signer)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got)
}

// TestMemoryNonceCache_ConcurrentAllocationIsStrictlyIncreasing proves
// spec.md §8.2: under arbitrary concurrent callers, the sequence of
// allocated nonces for one signer is strictly increasing with no duplicates.
func TestMemoryNonceCache_ConcurrentAllocationIsStrictlyIncreasing(t *testing.T) {
	c := NewMemoryNonceCache()
	ctx := context.Background()
	signer := SignerKey{Address: "0xdef", Chain: "ethereum", Network: "mainnet"}

	const goroutines = 50
	const perGoroutine = 20

	results := make(chan uint64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				n, err := c.IncrementAndGet(ctx, signer)
				require.NoError(t, err)
				results <- n
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for n := range results {
		require.False(t, seen[n], "nonce %d allocated twice", n)
		seen[n] = true
	}
	require.Len(t, seen, goroutines*perGoroutine)
	for i := uint64(1); i <= goroutines*perGoroutine; i++ {
		require.True(t, seen[i], "nonce %d never allocated", i)
	}
}

func TestMemoryNonceCache_IndependentSignersDoNotInterfere(t *testing.T) {
	c := NewMemoryNonceCache()
	ctx := context.Background()
	a := SignerKey{Address: "0xaaa", Chain: "polygon", Network: "mainnet"}
	b := SignerKey{Address: "0xaaa", Chain: "ethereum", Network: "mainnet"} // same address, different chain

	_, _ = c.IncrementAndGet(ctx, a)
	_, _ = c.IncrementAndGet(ctx, a)
	n, _ := c.IncrementAndGet(ctx, b)
	require.Equal(t, uint64(1), n)
}

func TestMemoryNonceCache_Reset(t *testing.T) {
	c := NewMemoryNonceCache()
	ctx := context.Background()
	signer := SignerKey{Address: "0x1", Chain: "bsc", Network: "mainnet"}

	_, _ = c.IncrementAndGet(ctx, signer)
	_, _ = c.IncrementAndGet(ctx, signer)
	require.NoError(t, c.Reset(ctx, signer, 100))

	got, err := c.Get(ctx, signer)
	require.NoError(t, err)
	require.Equal(t, uint64(100), got)

	next, err := c.IncrementAndGet(ctx, signer)
	require.NoError(t, err)
	require.Equal(t, uint64(101), next)
}
