package opaque

import (
	"crypto/elliptic"
	"crypto/subtle"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/primitives"
)

// mockServer is a test-only stand-in for the server half of OPAQUE: it
// holds a per-account OPRF key and a server long-term static keypair, and
// can evaluate the OPRF and run the server side of the 3DH key schedule.
// Nothing here is part of the shipped client; it exists only so these
// tests can drive a full registration+login round trip.
type mockServer struct {
	oprfKey          *big.Int
	staticSecret     *big.Int
	staticX, staticY *big.Int
	record           []byte
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	k, err := randomScalar()
	require.NoError(t, err)
	secret, x, y, err := generateP256KeyPair()
	require.NoError(t, err)
	return &mockServer{
		oprfKey:      k,
		staticSecret: new(big.Int).SetBytes(secret),
		staticX:      x,
		staticY:      y,
	}
}

func (m *mockServer) staticPublic() []byte {
	return elliptic.MarshalCompressed(curve, m.staticX, m.staticY)
}

func (m *mockServer) evaluateOPRF(point []byte) ([]byte, error) {
	x, y := elliptic.UnmarshalCompressed(curve, point)
	if x == nil {
		return nil, fmt.Errorf("bad oprf input point")
	}
	rx, ry := curve.ScalarMult(x, y, m.oprfKey.Bytes())
	return elliptic.MarshalCompressed(curve, rx, ry), nil
}

// register drives create_registration_request/finalize_registration against
// m and stores the resulting record, as a server would after receiving it
// over the wire.
func (m *mockServer) register(t *testing.T, password []byte) {
	t.Helper()
	request, state, err := CreateRegistrationRequest(password)
	require.NoError(t, err)

	oprfResponse, err := m.evaluateOPRF(request)
	require.NoError(t, err)

	record, err := FinalizeRegistration(ServerRegistrationResponse{
		OprfResponse:       oprfResponse,
		ServerStaticPublic: m.staticPublic(),
	}, state)
	require.NoError(t, err)

	m.record = record
}

// respondKE1 runs the server side of a login attempt: it evaluates the
// OPRF against ke1's blinded point, generates a fresh server ephemeral
// keypair, and computes the same 3DH key schedule the client computes in
// GenerateKE3 using only public material (the client's ephemeral public
// key from ke1 and the client's static public key from the stored
// record) and its own private scalars.
func (m *mockServer) respondKE1(t *testing.T, ke1, phoneNumber []byte) (ServerKE2, []byte, []byte) {
	t.Helper()
	require.Len(t, ke1, ke1Length)
	blinded := ke1[:registrationRequestLength]
	epkC := ke1[registrationRequestLength:]

	oprfResponse, err := m.evaluateOPRF(blinded)
	require.NoError(t, err)

	require.Len(t, m.record, registrationRecordLength)
	cpk := m.record[:registrationRequestLength]
	nonce := m.record[registrationRequestLength : registrationRequestLength+12]
	ct := m.record[registrationRequestLength+12:]
	envelopeCiphertext := append(append([]byte{}, nonce...), ct...)

	serverEphSecret, serverEphX, serverEphY, err := generateP256KeyPair()
	require.NoError(t, err)
	serverEphPublic := elliptic.MarshalCompressed(curve, serverEphX, serverEphY)

	epkCX, epkCY := elliptic.UnmarshalCompressed(curve, epkC)
	require.NotNil(t, epkCX)
	cpkX, cpkY := elliptic.UnmarshalCompressed(curve, cpk)
	require.NotNil(t, cpkX)

	serverEphScalar := new(big.Int).SetBytes(serverEphSecret)
	dh1 := ecdhP256(serverEphScalar, epkCX, epkCY)
	dh2 := ecdhP256(serverEphScalar, cpkX, cpkY)
	dh3 := ecdhP256(m.staticSecret, epkCX, epkCY)

	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	th := transcriptHash(phoneNumber, ke1, serverEphPublic, envelopeCiphertext)

	prk := primitives.HKDFExtract([]byte(akeExtractSalt), ikm)
	sessionKey, err := primitives.HKDFExpand(prk, withTranscript(hkdfInfoSessionKey, th), 32)
	require.NoError(t, err)
	clientMACKey, err := primitives.HKDFExpand(prk, withTranscript(hkdfInfoClientMAC, th), 32)
	require.NoError(t, err)
	serverMACKey, err := primitives.HKDFExpand(prk, withTranscript(hkdfInfoServerMAC, th), 32)
	require.NoError(t, err)

	serverMAC := hmacSHA256(serverMACKey, th)

	return ServerKE2{
		OprfResponse:          oprfResponse,
		ServerEphemeralPublic: serverEphPublic,
		ServerStaticPublic:    m.staticPublic(),
		EnvelopeCiphertext:    envelopeCiphertext,
		ServerMAC:             serverMAC,
	}, sessionKey, clientMACKey
}

func TestRegistrationAndLoginRoundTrip(t *testing.T) {
	server := newMockServer(t)
	password := []byte("correct horse battery staple")
	phoneNumber := []byte("+15551234567")

	server.register(t, password)

	ke1, state, err := GenerateKE1(password)
	require.NoError(t, err)

	ke2, expectedSessionKey, expectedClientMACKey := server.respondKE1(t, ke1, phoneNumber)

	clientMAC, err := GenerateKE3(ke2, state, phoneNumber)
	require.NoError(t, err)

	expectedClientMAC := hmacSHA256(expectedClientMACKey, transcriptHash(phoneNumber, ke1, ke2.ServerEphemeralPublic, ke2.EnvelopeCiphertext))
	require.Equal(t, 1, subtle.ConstantTimeCompare(clientMAC, expectedClientMAC))

	sessionKey, err := DeriveSessionKey(state)
	require.NoError(t, err)
	require.Equal(t, expectedSessionKey, sessionKey)

	exportKey, err := ExportKey(state)
	require.NoError(t, err)
	require.Len(t, exportKey, 32)
	require.NotEqual(t, sessionKey, exportKey)
}

func TestLoginFailsOnWrongPassword(t *testing.T) {
	server := newMockServer(t)
	phoneNumber := []byte("+15551234567")
	server.register(t, []byte("correct horse battery staple"))

	ke1, state, err := GenerateKE1([]byte("wrong password"))
	require.NoError(t, err)

	ke2, _, _ := server.respondKE1(t, ke1, phoneNumber)

	_, err = GenerateKE3(ke2, state, phoneNumber)
	require.Error(t, err)
}

func TestLoginFailsOnTamperedServerMAC(t *testing.T) {
	server := newMockServer(t)
	phoneNumber := []byte("+15551234567")
	password := []byte("correct horse battery staple")
	server.register(t, password)

	ke1, state, err := GenerateKE1(password)
	require.NoError(t, err)

	ke2, _, _ := server.respondKE1(t, ke1, phoneNumber)
	ke2.ServerMAC[0] ^= 0xFF

	_, err = GenerateKE3(ke2, state, phoneNumber)
	require.ErrorIs(t, err, errs.ErrServerMacInvalid)
}

func TestHashToCurveIsDeterministicPerPassword(t *testing.T) {
	x1, y1, err := hashToCurve([]byte("same password"))
	require.NoError(t, err)
	x2, y2, err := hashToCurve([]byte("same password"))
	require.NoError(t, err)
	require.Equal(t, 0, x1.Cmp(x2))
	require.Equal(t, 0, y1.Cmp(y2))
}

func TestDeriveSessionKeyBeforeKE3Fails(t *testing.T) {
	_, state, err := GenerateKE1([]byte("password"))
	require.NoError(t, err)
	_, err = DeriveSessionKey(state)
	require.Error(t, err)
}
