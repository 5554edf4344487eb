package hdwallet

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// BIP32 test vector 1 master private key.
const testXPrv = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

func TestDeriverIsDeterministic(t *testing.T) {
	deriver, err := NewDeriver(testXPrv)
	require.NoError(t, err)

	first, err := deriver.Address(0)
	require.NoError(t, err)
	again, err := deriver.Address(0)
	require.NoError(t, err)
	require.Equal(t, first, again)

	other, err := deriver.Address(1)
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestDeriverNeutersPrivateKeys(t *testing.T) {
	fromPrivate, err := NewDeriver(testXPrv)
	require.NoError(t, err)
	require.False(t, fromPrivate.accountKey.IsPrivate())
}

func TestDeriverRejectsGarbageKey(t *testing.T) {
	_, err := NewDeriver("not-an-extended-key")
	require.Error(t, err)
}

func TestMemoryAllocatorIsMonotonic(t *testing.T) {
	allocator := NewMemoryAllocator(7)
	ctx := context.Background()

	first, err := allocator.Next(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 7, first)

	second, err := allocator.Next(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 8, second)
}

func TestMemoryAllocatorNeverRepeatsUnderContention(t *testing.T) {
	allocator := NewMemoryAllocator(0)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	indices := make([]uint32, workers)
	for i := range indices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			index, err := allocator.Next(ctx)
			require.NoError(t, err)
			indices[i] = index
		}()
	}
	wg.Wait()

	seen := make(map[uint32]bool, workers)
	for _, index := range indices {
		require.False(t, seen[index], "index %d allocated twice", index)
		seen[index] = true
	}
}
