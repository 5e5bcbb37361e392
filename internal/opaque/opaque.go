// Package opaque implements OpaqueClient, the asymmetric
// password-authenticated key exchange client described in spec.md §4.7:
// a DH-OPRF over NIST P-256 blinded by a client scalar, PBKDF2-HMAC-SHA-256
// password stretching, and a 3DH-derived session key, resolving the
// spec's open question in favor of the fully-specified HKDF transcript
// variant rather than a native-library record layout (see DESIGN.md).
//
// The OPRF/blind/unblind/envelope shape is grounded on
// avahowell-occlude/pake.go's Client/Server round trip (there: Ristretto255
// + AES-CTR/HMAC-SHA3), re-primitived onto P-256 + PBKDF2 + AES-GCM per
// §4.7's parameters.
package opaque

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/config"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/metrics"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/primitives"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/securebuf"
)

const (
	// PublicKeyLength is an X25519 public key's length. Nothing in this
	// package uses it: the client static keypair, the OPRF points and the
	// AKE keys are all P-256, with 33-byte compressed public keys.
	PublicKeyLength = 32

	registrationRequestLength = 33
	registrationRecordLength  = 33 + 12 + 32 + 16 // client static public || nonce || csk ciphertext || tag
	ke1Length                 = 33 + 33           // blinded oprf point || client ephemeral public
	ke3Length                 = 32

	maxHashToCurveAttempts = 255

	hkdfInfoCredentialKey = "CredentialKey"
	hkdfInfoOpaqueSalt    = "OpaqueSalt"
	hkdfInfoSessionKey    = "SessionKey"
	hkdfInfoClientMAC     = "ClientMAC"
	hkdfInfoServerMAC     = "ServerMAC"
	hkdfInfoExportKey     = "ExportKey"

	pbkdf2KeyLength = 32
	transcriptTag   = "OPAQUE_v1"
	akeExtractSalt  = "OPAQUE-AKE"
)

var curve = elliptic.P256()

// Option configures the PBKDF2 work factor used by
// create_registration_request and generate_ke1.
type Option func(*options)

type options struct {
	iterations int
}

func defaultOptions() *options {
	return &options{iterations: config.DefaultPBKDF2Iterations}
}

// WithPBKDF2Iterations overrides the PBKDF2-HMAC-SHA-256 work factor, e.g.
// from config.Load().PBKDF2Iterations, in place of the spec default.
func WithPBKDF2Iterations(n int) Option {
	return func(o *options) { o.iterations = n }
}

// RegistrationState carries the blinding scalar and password across
// create_registration_request and finalize_registration.
type RegistrationState struct {
	r          *big.Int
	password   *securebuf.Buffer
	iterations int
}

// LoginState carries the blinding scalar, password, client ephemeral
// keypair, and (after generate_ke3) the derived session key across a
// login round trip.
type LoginState struct {
	r          *big.Int
	password   *securebuf.Buffer
	ephSecret  *big.Int
	ephPublicX []byte
	ke1Bytes   []byte
	sessionKey []byte
	exportKey  []byte
	iterations int
}

// ServerRegistrationResponse is the server's reply to a registration
// request: the OPRF response point and the server's long-term static
// public key (both compressed P-256 points, 33 bytes each).
type ServerRegistrationResponse struct {
	OprfResponse       []byte
	ServerStaticPublic []byte
}

// ServerKE2 is the server's reply to KE1.
type ServerKE2 struct {
	OprfResponse          []byte
	ServerEphemeralPublic []byte
	ServerStaticPublic    []byte
	EnvelopeCiphertext    []byte
	ServerMAC             []byte
}

// CreateRegistrationRequest blinds password against a freshly hashed
// curve point and returns the 33-byte compressed request plus the state
// needed to finalize registration. The PBKDF2 work factor defaults to
// config.DefaultPBKDF2Iterations; pass WithPBKDF2Iterations to override it.
func CreateRegistrationRequest(password []byte, opts ...Option) ([]byte, *RegistrationState, error) {
	const op = "opaque.CreateRegistrationRequest"
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	r, err := randomScalar()
	if err != nil {
		return nil, nil, errs.New(errs.ErrBlindingFailed, op, err)
	}
	px, py, err := hashToCurve(password)
	if err != nil {
		return nil, nil, err
	}

	rx, ry := curve.ScalarMult(px, py, r.Bytes())
	request := elliptic.MarshalCompressed(curve, rx, ry)

	return request, &RegistrationState{
		r:          r,
		password:   securebuf.FromBytes(password),
		iterations: o.iterations,
	}, nil
}

// FinalizeRegistration unblinds the server's OPRF response into the OPRF
// key, derives the credential key from it, generates a fresh client static
// keypair, and seals its secret into the registration record sent to the
// server. The PBKDF2 stretch of the password is computed and wiped along
// the way; the credential key is derived from the OPRF key alone.
func FinalizeRegistration(resp ServerRegistrationResponse, state *RegistrationState) ([]byte, error) {
	const op = "opaque.FinalizeRegistration"
	if len(resp.OprfResponse) != registrationRequestLength || len(resp.ServerStaticPublic) != registrationRequestLength {
		metrics.RecordOpaqueRegistration("failure")
		return nil, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("malformed server registration response"))
	}

	password, err := state.password.ReadCopy()
	if err != nil {
		metrics.RecordOpaqueRegistration("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(password)

	oprfKey, err := unblind(resp.OprfResponse, state.r)
	if err != nil {
		metrics.RecordOpaqueRegistration("failure")
		return nil, err
	}
	defer primitives.Wipe(oprfKey)

	credentialKey, err := deriveCredentialKey(oprfKey, password, state.iterations)
	if err != nil {
		metrics.RecordOpaqueRegistration("failure")
		return nil, err
	}
	defer primitives.Wipe(credentialKey)

	cskSecret, cskPublicX, cskPublicY, err := generateP256KeyPair()
	if err != nil {
		metrics.RecordOpaqueRegistration("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(cskSecret)
	cskPublic := elliptic.MarshalCompressed(curve, cskPublicX, cskPublicY)

	nonce, err := primitives.RandomBytes(12)
	if err != nil {
		metrics.RecordOpaqueRegistration("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}

	envelopeCT, err := primitives.AEADSeal(credentialKey, nonce, password, cskSecret)
	if err != nil {
		metrics.RecordOpaqueRegistration("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}

	record := make([]byte, 0, registrationRecordLength)
	record = append(record, cskPublic...)
	record = append(record, nonce...)
	record = append(record, envelopeCT...)
	metrics.RecordOpaqueRegistration("success")
	return record, nil
}

// GenerateKE1 performs the same OPRF blinding as registration, additionally
// generating a client ephemeral keypair and packaging both into KE1. The
// PBKDF2 work factor defaults to config.DefaultPBKDF2Iterations; pass
// WithPBKDF2Iterations to override it.
func GenerateKE1(password []byte, opts ...Option) ([]byte, *LoginState, error) {
	const op = "opaque.GenerateKE1"
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	r, err := randomScalar()
	if err != nil {
		return nil, nil, errs.New(errs.ErrBlindingFailed, op, err)
	}
	px, py, err := hashToCurve(password)
	if err != nil {
		return nil, nil, err
	}
	rx, ry := curve.ScalarMult(px, py, r.Bytes())
	blinded := elliptic.MarshalCompressed(curve, rx, ry)

	ephSecret, ephX, ephY, err := generateP256KeyPair()
	if err != nil {
		return nil, nil, errs.New(errs.ErrCryptoError, op, err)
	}
	ephPublic := elliptic.MarshalCompressed(curve, ephX, ephY)

	ke1 := make([]byte, 0, ke1Length)
	ke1 = append(ke1, blinded...)
	ke1 = append(ke1, ephPublic...)

	return ke1, &LoginState{
		r:          r,
		password:   securebuf.FromBytes(password),
		ephSecret:  new(big.Int).SetBytes(ephSecret),
		ephPublicX: ephPublic,
		ke1Bytes:   ke1,
		iterations: o.iterations,
	}, nil
}

// GenerateKE3 recovers the client's long-term static secret from the
// server's envelope, runs the 3DH key schedule, verifies the server's MAC,
// and returns ke3 = client_mac. The derived session key is retained on
// state for DeriveSessionKey.
func GenerateKE3(ke2 ServerKE2, state *LoginState, phoneNumber []byte) ([]byte, error) {
	const op = "opaque.GenerateKE3"
	if len(ke2.OprfResponse) != registrationRequestLength ||
		len(ke2.ServerEphemeralPublic) != registrationRequestLength ||
		len(ke2.ServerStaticPublic) != registrationRequestLength {
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("malformed KE2"))
	}

	password, err := state.password.ReadCopy()
	if err != nil {
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(password)

	oprfKey, err := unblind(ke2.OprfResponse, state.r)
	if err != nil {
		metrics.RecordOpaqueLogin("failure")
		return nil, err
	}
	defer primitives.Wipe(oprfKey)

	credentialKey, err := deriveCredentialKey(oprfKey, password, state.iterations)
	if err != nil {
		metrics.RecordOpaqueLogin("failure")
		return nil, err
	}
	defer primitives.Wipe(credentialKey)

	if len(ke2.EnvelopeCiphertext) < 12 {
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("envelope too short"))
	}
	nonce := ke2.EnvelopeCiphertext[:12]
	ct := ke2.EnvelopeCiphertext[12:]

	csk, err := primitives.AEADOpen(credentialKey, nonce, password, ct)
	if err != nil {
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrEnvelopeOpenFailed, op, err)
	}
	defer primitives.Wipe(csk)

	serverEphX, serverEphY := elliptic.UnmarshalCompressed(curve, ke2.ServerEphemeralPublic)
	if serverEphX == nil {
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrInvalidPeerKey, op, fmt.Errorf("bad server ephemeral point"))
	}
	serverStaticX, serverStaticY := elliptic.UnmarshalCompressed(curve, ke2.ServerStaticPublic)
	if serverStaticX == nil {
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrInvalidPeerKey, op, fmt.Errorf("bad server static point"))
	}

	dh1 := ecdhP256(state.ephSecret, serverEphX, serverEphY)
	dh2 := ecdhP256(new(big.Int).SetBytes(csk), serverEphX, serverEphY)
	dh3 := ecdhP256(state.ephSecret, serverStaticX, serverStaticY)
	defer func() {
		primitives.Wipe(dh1)
		primitives.Wipe(dh2)
		primitives.Wipe(dh3)
	}()

	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	defer primitives.Wipe(ikm)

	transcriptHash := transcriptHash(phoneNumber, state.ke1Bytes, ke2.ServerEphemeralPublic, ke2.EnvelopeCiphertext)

	prk := primitives.HKDFExtract([]byte(akeExtractSalt), ikm)
	defer primitives.Wipe(prk)

	sessionKey, err := primitives.HKDFExpand(prk, withTranscript(hkdfInfoSessionKey, transcriptHash), 32)
	if err != nil {
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	clientMACKey, err := primitives.HKDFExpand(prk, withTranscript(hkdfInfoClientMAC, transcriptHash), 32)
	if err != nil {
		primitives.Wipe(sessionKey)
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(clientMACKey)
	serverMACKey, err := primitives.HKDFExpand(prk, withTranscript(hkdfInfoServerMAC, transcriptHash), 32)
	if err != nil {
		primitives.Wipe(sessionKey)
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(serverMACKey)
	exportKey, err := primitives.HKDFExpand(prk, withTranscript(hkdfInfoExportKey, transcriptHash), 32)
	if err != nil {
		primitives.Wipe(sessionKey)
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}

	expectedServerMAC := hmacSHA256(serverMACKey, transcriptHash)
	if subtle.ConstantTimeCompare(expectedServerMAC, ke2.ServerMAC) != 1 {
		primitives.Wipe(sessionKey)
		primitives.Wipe(exportKey)
		metrics.RecordOpaqueLogin("failure")
		return nil, errs.New(errs.ErrServerMacInvalid, op, nil)
	}

	state.sessionKey = sessionKey
	state.exportKey = exportKey
	metrics.RecordOpaqueLogin("success")
	return hmacSHA256(clientMACKey, transcriptHash), nil
}

// DeriveSessionKey returns the session key computed during GenerateKE3.
func DeriveSessionKey(state *LoginState) ([]byte, error) {
	if state.sessionKey == nil {
		return nil, errs.New(errs.ErrNotReady, "opaque.DeriveSessionKey", fmt.Errorf("generate_ke3 has not run"))
	}
	return append([]byte(nil), state.sessionKey...), nil
}

// ExportKey returns the export_key computed during GenerateKE3, independent
// of the session key, for callers that need a key to encrypt client-held
// material outside the messaging session (step 8 of generate_ke3).
func ExportKey(state *LoginState) ([]byte, error) {
	if state.exportKey == nil {
		return nil, errs.New(errs.ErrNotReady, "opaque.ExportKey", fmt.Errorf("generate_ke3 has not run"))
	}
	return append([]byte(nil), state.exportKey...), nil
}

func withTranscript(tag string, transcriptHash []byte) []byte {
	return append([]byte(tag), transcriptHash...)
}

func transcriptHash(phoneNumber, ke1EphPublic, serverEphPublic, envelopeCT []byte) []byte {
	h := sha256.New()
	h.Write([]byte(transcriptTag))
	h.Write(phoneNumber)
	h.Write(ke1EphPublic)
	h.Write(serverEphPublic)
	h.Write(envelopeCT)
	return h.Sum(nil)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// hashToCurve implements try-and-increment: hash password||counter, treat
// the digest as a compressed point's x-coordinate under sign byte 0x02,
// and accept the first value that decodes to a valid point in the main
// subgroup.
func hashToCurve(password []byte) (*big.Int, *big.Int, error) {
	const op = "opaque.hashToCurve"
	for counter := 0; counter < maxHashToCurveAttempts; counter++ {
		h := sha256.New()
		h.Write(password)
		h.Write([]byte{byte(counter)})
		digest := h.Sum(nil)

		candidate := append([]byte{0x02}, digest...)
		x, y := elliptic.UnmarshalCompressed(curve, candidate)
		if x == nil {
			continue
		}
		if !curve.IsOnCurve(x, y) {
			continue
		}
		return x, y, nil
	}
	return nil, nil, errs.New(errs.ErrHashToPointExhausted, op, nil)
}

// unblind computes r⁻¹ · oprf_response and returns its compressed
// encoding, the recovered OPRF key.
func unblind(oprfResponse []byte, r *big.Int) ([]byte, error) {
	const op = "opaque.unblind"
	x, y := elliptic.UnmarshalCompressed(curve, oprfResponse)
	if x == nil {
		return nil, errs.New(errs.ErrInvalidPeerKey, op, fmt.Errorf("bad oprf response point"))
	}
	rInv := new(big.Int).ModInverse(r, curve.Params().N)
	if rInv == nil {
		return nil, errs.New(errs.ErrCryptoError, op, fmt.Errorf("blinding scalar has no inverse"))
	}
	ux, uy := curve.ScalarMult(x, y, rInv.Bytes())
	return elliptic.MarshalCompressed(curve, ux, uy), nil
}

func deriveCredentialKey(oprfKey, password []byte, iterations int) ([]byte, error) {
	const op = "opaque.deriveCredentialKey"
	salt, err := primitives.HKDFExpand(oprfKey, []byte(hkdfInfoOpaqueSalt), 16)
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(salt)

	stretched := pbkdf2.Key(password, salt, iterations, pbkdf2KeyLength, sha256.New)
	defer primitives.Wipe(stretched)

	credentialKey, err := primitives.HKDF(nil, oprfKey, []byte(hkdfInfoCredentialKey), 32)
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	return credentialKey, nil
}

func randomScalar() (*big.Int, error) {
	b, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	n := curve.Params().N
	scalar := new(big.Int).SetBytes(b)
	scalar.Mod(scalar, new(big.Int).Sub(n, big.NewInt(1)))
	scalar.Add(scalar, big.NewInt(1))
	return scalar, nil
}

func generateP256KeyPair() (secret []byte, x, y *big.Int, err error) {
	b, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, nil, nil, err
	}
	n := curve.Params().N
	d := new(big.Int).SetBytes(b)
	d.Mod(d, new(big.Int).Sub(n, big.NewInt(1)))
	d.Add(d, big.NewInt(1))
	px, py := curve.ScalarBaseMult(d.Bytes())
	return padTo32(d.Bytes()), px, py, nil
}

func ecdhP256(secret *big.Int, peerX, peerY *big.Int) []byte {
	sx, _ := curve.ScalarMult(peerX, peerY, secret.Bytes())
	return padTo32(sx.Bytes())
}

// padTo32 left-pads b with zeroes to a fixed 32-byte width, since
// big.Int.Bytes() drops leading zero bytes and every DH output here must
// have a fixed length for the transcript/IKM construction to be
// unambiguous.
func padTo32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
