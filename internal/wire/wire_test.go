package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/ecliptix-crypto/internal/identity"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/session"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	dh := [32]byte{1, 2, 3}
	env := &session.Envelope{
		RequestID:    42,
		Nonce:        [session.NonceSize]byte{9, 9, 9, 9, 9, 9, 9, 9, 1, 0, 0, 0},
		RatchetIndex: 7,
		Cipher:       []byte("ciphertext-and-tag"),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		DHPublic:     &dh,
	}
	id := uuid.New()

	encoded, err := EncodeEnvelope(id, env)
	require.NoError(t, err)

	decodedID, decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	require.Equal(t, id, decodedID)
	require.Equal(t, env.RequestID, decoded.RequestID)
	require.Equal(t, env.Nonce, decoded.Nonce)
	require.Equal(t, env.RatchetIndex, decoded.RatchetIndex)
	require.Equal(t, env.Cipher, decoded.Cipher)
	require.Equal(t, *env.DHPublic, *decoded.DHPublic)
}

func TestEnvelopeRoundTripNoDHPublic(t *testing.T) {
	env := &session.Envelope{
		RequestID:    1,
		RatchetIndex: 1,
		Cipher:       []byte("x"),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	_, decoded, err := DecodeEnvelope(mustEncode(t, env))
	require.NoError(t, err)
	require.Nil(t, decoded.DHPublic)
}

func mustEncode(t *testing.T, env *session.Envelope) []byte {
	t.Helper()
	b, err := EncodeEnvelope(uuid.New(), env)
	require.NoError(t, err)
	return b
}

func TestDecodeEnvelopeRejectsTruncated(t *testing.T) {
	_, _, err := DecodeEnvelope([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPublicBundleRoundTrip(t *testing.T) {
	keys, err := identity.Generate(3)
	require.NoError(t, err)
	bundle := keys.PublicBundle()

	encoded, err := EncodePublicBundle(bundle)
	require.NoError(t, err)

	decoded, err := DecodePublicBundle(encoded)
	require.NoError(t, err)

	require.Equal(t, []byte(bundle.IdentityEd25519), []byte(decoded.IdentityEd25519))
	require.Equal(t, bundle.SignedPreKeyID, decoded.SignedPreKeyID)
	require.Equal(t, bundle.SignedPreKeyPublic, decoded.SignedPreKeyPublic)
	require.Equal(t, bundle.SignedPreKeySignature, decoded.SignedPreKeySignature)
	require.Len(t, decoded.OneTimePreKeys, 3)
}

func TestHandshakeMessageRoundTrip(t *testing.T) {
	keys, err := identity.Generate(1)
	require.NoError(t, err)

	msg := HandshakeMessage{
		State:           session.Init,
		Kind:            ExchangeDirect,
		Payload:         keys.PublicBundle(),
		InitialDHPublic: [32]byte{5, 5, 5},
	}

	encoded, err := EncodeHandshakeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeHandshakeMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, msg.State, decoded.State)
	require.Equal(t, msg.Kind, decoded.Kind)
	require.Equal(t, msg.InitialDHPublic, decoded.InitialDHPublic)
}
