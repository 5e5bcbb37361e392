package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifySPKAcceptsGenuineBundle(t *testing.T) {
	keys, err := Generate(1)
	require.NoError(t, err)
	require.True(t, VerifySPK(keys.PublicBundle()))
}

func TestVerifySPKRejectsFlippedSignatureBit(t *testing.T) {
	keys, err := Generate(1)
	require.NoError(t, err)
	bundle := keys.PublicBundle()
	bundle.SignedPreKeySignature[0] ^= 0x01
	require.False(t, VerifySPK(bundle))
}

func TestVerifySPKRejectsFlippedPublicKeyBit(t *testing.T) {
	keys, err := Generate(1)
	require.NoError(t, err)
	bundle := keys.PublicBundle()
	bundle.SignedPreKeyPublic[0] ^= 0x01
	require.False(t, VerifySPK(bundle))
}

func TestX3DHSymmetryWithoutOPK(t *testing.T) {
	a, err := Generate(1)
	require.NoError(t, err)
	b, err := Generate(1)
	require.NoError(t, err)

	require.NoError(t, a.GenerateEphemeral())
	aBundle := a.PublicBundle()

	rootB, err := b.X3DHAsResponder(aBundle.IdentityX25519, *aBundle.EphemeralX25519, nil)
	require.NoError(t, err)

	rootA, err := a.X3DHAsInitiator(b.PublicBundle(), nil)
	require.NoError(t, err)

	require.Equal(t, rootA, rootB)
}

func TestX3DHSymmetryWithOPK(t *testing.T) {
	a, err := Generate(1)
	require.NoError(t, err)
	b, err := Generate(2)
	require.NoError(t, err)

	require.NoError(t, a.GenerateEphemeral())
	aBundle := a.PublicBundle()

	bBundle := b.PublicBundle()
	opkID := bBundle.OneTimePreKeys[0].ID

	rootB, err := b.X3DHAsResponder(aBundle.IdentityX25519, *aBundle.EphemeralX25519, &opkID)
	require.NoError(t, err)

	rootA, err := a.X3DHAsInitiator(bBundle, &opkID)
	require.NoError(t, err)

	require.Equal(t, rootA, rootB)
}

func TestX3DHAsInitiatorFailsOnUnknownOPK(t *testing.T) {
	a, err := Generate(1)
	require.NoError(t, err)
	b, err := Generate(1)
	require.NoError(t, err)
	require.NoError(t, a.GenerateEphemeral())

	unknown := uint32(0xDEADBEEF)
	_, err = a.X3DHAsInitiator(b.PublicBundle(), &unknown)
	require.Error(t, err)
}

func TestX3DHAsInitiatorRequiresEphemeral(t *testing.T) {
	a, err := Generate(1)
	require.NoError(t, err)
	b, err := Generate(1)
	require.NoError(t, err)

	_, err = a.X3DHAsInitiator(b.PublicBundle(), nil)
	require.Error(t, err)
}
