package primitives

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestX25519DHAgreement(t *testing.T) {
	aSk, aPk, err := X25519KeyPair()
	require.NoError(t, err)
	bSk, bPk, err := X25519KeyPair()
	require.NoError(t, err)

	secretA, err := X25519DH(aSk, bPk)
	require.NoError(t, err)
	secretB, err := X25519DH(bSk, aPk)
	require.NoError(t, err)

	require.Equal(t, secretA, secretB)
}

func TestEd25519SignVerify(t *testing.T) {
	sk, pk, err := Ed25519KeyPair()
	require.NoError(t, err)

	msg := []byte("signed pre-key bytes")
	sig := Ed25519Sign(sk, msg)
	if !Ed25519Verify(pk, msg, sig) {
		t.Fatal("expected valid signature to verify")
	}

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0x01
	if Ed25519Verify(pk, msg, tampered) {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("input keying material")
	out1, err := HKDF(nil, ikm, []byte("info"), 32)
	require.NoError(t, err)
	out2, err := HKDF(nil, ikm, []byte("info"), 32)
	require.NoError(t, err)
	require.Equal(t, out1, out2)

	different, err := HKDF(nil, ikm, []byte("other-info"), 32)
	require.NoError(t, err)
	if bytes.Equal(out1, different) {
		t.Fatal("expected different info tags to produce different output")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)
	nonce, err := RandomBytes(NonceSize)
	require.NoError(t, err)
	ad := []byte("associated data")
	plaintext := []byte("hello")

	ct, err := AEADSeal(key, nonce, ad, plaintext)
	require.NoError(t, err)

	pt, err := AEADOpen(key, nonce, ad, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestAEADOpenFailsOnTamper(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	nonce, _ := RandomBytes(NonceSize)
	ct, err := AEADSeal(key, nonce, nil, []byte("hello"))
	require.NoError(t, err)
	ct[0] ^= 0x01

	_, err = AEADOpen(key, nonce, nil, ct)
	require.Error(t, err)
}
