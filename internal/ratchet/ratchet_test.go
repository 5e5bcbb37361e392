package ratchet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func zeroChainKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestDeriveKeySequential(t *testing.T) {
	cs, err := Create(Sender, zeroChainKey(), nil, nil, 0)
	require.NoError(t, err)

	k1, err := cs.DeriveKey(1)
	require.NoError(t, err)
	b1, _ := k1.Bytes()

	k2, err := cs.DeriveKey(2)
	require.NoError(t, err)
	b2, _ := k2.Bytes()

	if bytes.Equal(b1, b2) {
		t.Fatal("expected distinct message keys across indices")
	}
	require.Equal(t, uint32(2), cs.CurrentIndex())
}

func TestDeriveKeyCachesForOutOfOrder(t *testing.T) {
	cs, err := Create(Receiver, zeroChainKey(), nil, nil, 0)
	require.NoError(t, err)

	k5, err := cs.DeriveKey(5)
	require.NoError(t, err)
	expected, _ := k5.Bytes()

	// Re-requesting an already-derived index returns the cached key rather
	// than failing, even though it is not the current frontier.
	again, err := cs.DeriveKey(5)
	require.NoError(t, err)
	got, _ := again.Bytes()
	require.Equal(t, expected, got)
}

func TestDeriveKeyRejectsPast(t *testing.T) {
	cs, err := Create(Sender, zeroChainKey(), nil, nil, 0)
	require.NoError(t, err)

	_, err = cs.DeriveKey(3)
	require.NoError(t, err)

	_, err = cs.DeriveKey(1)
	require.Error(t, err)
}

func TestUpdateAfterDHRatchetResetsIndexAndCache(t *testing.T) {
	cs, err := Create(Sender, zeroChainKey(), nil, nil, 0)
	require.NoError(t, err)
	_, err = cs.DeriveKey(3)
	require.NoError(t, err)

	err = cs.UpdateAfterDHRatchet(bytes.Repeat([]byte{0x11}, 32), nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), cs.CurrentIndex())
	require.True(t, cs.IsNewChain())
	require.Empty(t, cs.cache)

	// Deriving index 1 on the new chain must succeed: it is ahead of the
	// reset index 0.
	_, err = cs.DeriveKey(1)
	require.NoError(t, err)
}

func TestPruneDropsOldEntries(t *testing.T) {
	cs, err := Create(Sender, zeroChainKey(), nil, nil, 2)
	require.NoError(t, err)

	for i := uint32(1); i <= 5; i++ {
		_, err := cs.DeriveKey(i)
		require.NoError(t, err)
	}
	// window=2, current=5 -> floor=4, so indices 1..3 should be pruned.
	if _, ok := cs.cache[1]; ok {
		t.Fatal("expected index 1 to have been pruned")
	}
	if _, ok := cs.cache[5]; !ok {
		t.Fatal("expected most recent index to remain cached")
	}
}
