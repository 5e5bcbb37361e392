// Package primitives adapts the standard library and golang.org/x/crypto
// into the exact set of operations the protocol core needs: X25519,
// Ed25519, HKDF-SHA-256, AES-256-GCM, and a CSPRNG. Every adapter here
// mirrors the shape of internal/security/signal.go in the teacher
// repository this module was built from, generalized to also cover
// Ed25519 signing (the teacher's own signature verification was a
// simplified placeholder that mapped X25519 bytes onto an ECDSA P-256
// key; this package uses real Ed25519 throughout).
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/securebuf"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// X25519KeyPair generates a fresh X25519 key pair using the CSPRNG, with
// curve25519.ScalarBaseMult applying the standard clamping.
func X25519KeyPair() (sk, pk [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, sk[:]); err != nil {
		return sk, pk, errs.New(errs.ErrCryptoError, "X25519KeyPair", err)
	}
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	curve25519.ScalarBaseMult(&pk, &sk)
	return sk, pk, nil
}

// X25519DH performs the scalar multiplication sk * pk.
func X25519DH(sk, pk [32]byte) ([32]byte, error) {
	var out [32]byte
	curve25519.ScalarMult(&out, &sk, &pk)
	return out, nil
}

// Ed25519KeyPair generates a fresh Ed25519 signing key pair.
func Ed25519KeyPair() (sk ed25519.PrivateKey, pk ed25519.PublicKey, err error) {
	pk, sk, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errs.New(errs.ErrCryptoError, "Ed25519KeyPair", err)
	}
	return sk, pk, nil
}

// Ed25519Sign signs msg with sk, returning a 64-byte signature.
func Ed25519Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

// Ed25519Verify reports whether sig is a valid signature over msg under pk.
func Ed25519Verify(pk ed25519.PublicKey, msg, sig []byte) bool {
	if len(pk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pk, msg, sig)
}

// HKDFExtract runs HKDF-SHA-256's extract step. A nil salt is treated as a
// 32-byte zero block, matching spec-mandated zero salts.
func HKDFExtract(salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	return hkdfExtract(salt, ikm)
}

// HKDFExpand runs HKDF-SHA-256's expand step, deriving length bytes from
// prk with the given info tag.
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.New(errs.ErrCryptoError, "HKDFExpand", err)
	}
	return out, nil
}

// HKDF runs extract-then-expand in one call, the common case throughout
// this module.
func HKDF(salt, ikm, info []byte, length int) ([]byte, error) {
	prk := HKDFExtract(salt, ikm)
	defer Wipe(prk)
	return HKDFExpand(prk, info, length)
}

func hkdfExtract(salt, ikm []byte) []byte {
	extractor := hkdf.Extract(sha256.New, ikm, salt)
	prk := make([]byte, sha256.Size)
	if _, err := io.ReadFull(extractor, prk); err != nil {
		// hkdf.Extract never fails for a valid hash constructor; this path
		// exists only to satisfy the io.Reader contract.
		panic(fmt.Sprintf("hkdf extract: %v", err))
	}
	return prk
}

// AEADSeal encrypts plaintext under key/nonce/associated-data with
// AES-256-GCM, returning ciphertext||tag.
func AEADSeal(key, nonce, ad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, errs.New(errs.ErrInvalidInput, "AEADSeal",
			fmt.Errorf("nonce length %d, want %d", len(nonce), NonceSize))
	}
	return gcm.Seal(nil, nonce, plaintext, ad), nil
}

// AEADOpen decrypts ciphertext||tag under key/nonce/associated-data with
// AES-256-GCM.
func AEADOpen(key, nonce, ad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, errs.New(errs.ErrInvalidInput, "AEADOpen",
			fmt.Errorf("nonce length %d, want %d", len(nonce), NonceSize))
	}
	out, err := gcm.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, errs.New(errs.ErrAeadAuthFailed, "AEADOpen", err)
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.ErrInvalidInput, "newGCM",
			fmt.Errorf("key length %d, want %d", len(key), KeySize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, "newGCM", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, "newGCM", err)
	}
	return gcm, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errs.New(errs.ErrCryptoError, "RandomBytes", err)
	}
	return b, nil
}

// Wipe zeroes a scratch slice in place; used for HKDF/DH intermediates
// that are never promoted to a securebuf.Buffer.
func Wipe(p []byte) { securebuf.Wipe(p) }
