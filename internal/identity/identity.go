// Package identity owns a party's long-term key material and performs the
// X3DH handshake, generalizing internal/security/signal.go's
// IdentityKeyPair/SignedPreKey/X3DHKeyBundle types to the exact byte layout
// and domain separation spec.md §4.3 requires, with real Ed25519 signature
// verification in place of the teacher's simplified placeholder.
package identity

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/primitives"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/securebuf"
)

const x3dhInfo = "Ecliptix_X3DH"

// OneTimePreKey pairs a one-time pre-key's public identifier with its
// secret half.
type OneTimePreKey struct {
	ID     uint32
	Secret *securebuf.Buffer
	Public [32]byte
}

// PublicOPK is the public projection of an OneTimePreKey, as carried in a
// PublicBundle.
type PublicOPK struct {
	ID     uint32
	Public [32]byte
}

// PublicBundle is the pure-public projection of a Keys value, exchanged
// over the wire during a handshake.
type PublicBundle struct {
	IdentityEd25519      ed25519.PublicKey
	IdentityX25519        [32]byte
	SignedPreKeyID        uint32
	SignedPreKeyPublic    [32]byte
	SignedPreKeySignature []byte
	EphemeralX25519       *[32]byte
	OneTimePreKeys        []PublicOPK
}

// Keys owns a party's long-term identity keypairs, its signed pre-key, its
// bag of one-time pre-keys, and an optional ephemeral keypair for the
// current handshake.
type Keys struct {
	mu sync.Mutex

	edSecret ed25519.PrivateKey
	edPublic ed25519.PublicKey

	xSecret *securebuf.Buffer
	xPublic [32]byte

	spkID        uint32
	spkSecret    *securebuf.Buffer
	spkPublic    [32]byte
	spkSignature []byte

	opks map[uint32]*OneTimePreKey

	ephSecret *securebuf.Buffer
	ephPublic *[32]byte

	logger *log.Logger
}

// Option configures a Keys value at construction time.
type Option func(*Keys)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(k *Keys) { k.logger = l }
}

// Generate creates a fresh identity: Ed25519 + X25519 identity keypairs, a
// random-id signed pre-key signed under the Ed25519 identity, and
// opkCount one-time pre-keys with unique ids.
func Generate(opkCount uint32, opts ...Option) (*Keys, error) {
	const op = "identity.Generate"

	edSecret, edPublic, err := primitives.Ed25519KeyPair()
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	xSecret, xPublic, err := primitives.X25519KeyPair()
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}

	spkSecret, spkPublic, err := primitives.X25519KeyPair()
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	spkID, err := randomID()
	if err != nil {
		return nil, err
	}
	signature := primitives.Ed25519Sign(edSecret, spkPublic[:])

	k := &Keys{
		edSecret:     edSecret,
		edPublic:     edPublic,
		xSecret:      securebuf.FromBytes(xSecret[:]),
		xPublic:      xPublic,
		spkID:        spkID,
		spkSecret:    securebuf.FromBytes(spkSecret[:]),
		spkPublic:    spkPublic,
		spkSignature: signature,
		opks:         make(map[uint32]*OneTimePreKey, opkCount),
		logger:       log.New(os.Stderr, "[IDENTITY] ", log.Ldate|log.Ltime|log.LUTC),
	}
	for _, opt := range opts {
		opt(k)
	}

	for i := uint32(0); i < opkCount; i++ {
		if err := k.addOPK(); err != nil {
			return nil, err
		}
	}

	k.logger.Printf("generated identity with %d one-time pre-keys, spk_id=%d", opkCount, spkID)
	return k, nil
}

func (k *Keys) addOPK() error {
	sk, pk, err := primitives.X25519KeyPair()
	if err != nil {
		return errs.New(errs.ErrCryptoError, "identity.addOPK", err)
	}
	id, err := randomID()
	if err != nil {
		return err
	}
	for _, exists := k.opks[id]; exists; _, exists = k.opks[id] {
		id, err = randomID()
		if err != nil {
			return err
		}
	}
	k.opks[id] = &OneTimePreKey{ID: id, Secret: securebuf.FromBytes(sk[:]), Public: pk}
	return nil
}

func randomID() (uint32, error) {
	b, err := primitives.RandomBytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// GenerateEphemeral replaces any prior ephemeral keypair, destroying the
// old one.
func (k *Keys) GenerateEphemeral() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	sk, pk, err := primitives.X25519KeyPair()
	if err != nil {
		return errs.New(errs.ErrCryptoError, "Keys.GenerateEphemeral", err)
	}
	if k.ephSecret != nil {
		k.ephSecret.Drop()
	}
	k.ephSecret = securebuf.FromBytes(sk[:])
	k.ephPublic = &pk
	return nil
}

// PublicBundle returns the public projection of this identity's state.
func (k *Keys) PublicBundle() PublicBundle {
	k.mu.Lock()
	defer k.mu.Unlock()

	opks := make([]PublicOPK, 0, len(k.opks))
	for _, o := range k.opks {
		opks = append(opks, PublicOPK{ID: o.ID, Public: o.Public})
	}
	var eph *[32]byte
	if k.ephPublic != nil {
		cp := *k.ephPublic
		eph = &cp
	}
	return PublicBundle{
		IdentityEd25519:       append(ed25519.PublicKey(nil), k.edPublic...),
		IdentityX25519:        k.xPublic,
		SignedPreKeyID:        k.spkID,
		SignedPreKeyPublic:    k.spkPublic,
		SignedPreKeySignature: append([]byte(nil), k.spkSignature...),
		EphemeralX25519:       eph,
		OneTimePreKeys:        opks,
	}
}

// VerifySPK verifies that bundle's signed pre-key signature is valid under
// its own Ed25519 identity key, and that every fixed-size field has the
// expected length.
func VerifySPK(bundle PublicBundle) bool {
	if len(bundle.IdentityEd25519) != ed25519.PublicKeySize {
		return false
	}
	if len(bundle.SignedPreKeySignature) != ed25519.SignatureSize {
		return false
	}
	return primitives.Ed25519Verify(bundle.IdentityEd25519, bundle.SignedPreKeyPublic[:], bundle.SignedPreKeySignature)
}

// X3DHAsInitiator performs the initiator's half of X3DH against peerBundle,
// requiring a current ephemeral keypair (see GenerateEphemeral).
func (k *Keys) X3DHAsInitiator(peerBundle PublicBundle, opkID *uint32) ([32]byte, error) {
	const op = "Keys.X3DHAsInitiator"
	k.mu.Lock()
	defer k.mu.Unlock()

	if !VerifySPK(peerBundle) {
		return [32]byte{}, errs.New(errs.ErrSpkSignatureInvalid, op, nil)
	}
	if k.ephSecret == nil {
		return [32]byte{}, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("no ephemeral keypair generated"))
	}
	ephSecretBytes, err := k.ephSecret.ReadCopy()
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(ephSecretBytes)
	var ephSecret [32]byte
	copy(ephSecret[:], ephSecretBytes)

	idSecretBytes, err := k.xSecret.ReadCopy()
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(idSecretBytes)
	var idSecret [32]byte
	copy(idSecret[:], idSecretBytes)

	var opkPublic *[32]byte
	if opkID != nil {
		for _, o := range peerBundle.OneTimePreKeys {
			if o.ID == *opkID {
				pub := o.Public
				opkPublic = &pub
				break
			}
		}
		if opkPublic == nil {
			return [32]byte{}, errs.New(errs.ErrOpkNotFound, op, nil)
		}
	}

	return x3dh(ephSecret, idSecret, peerBundle.IdentityX25519, peerBundle.SignedPreKeyPublic, opkPublic)
}

// X3DHAsResponder performs the responder's half of X3DH, optionally
// consuming the OPK named by opkID.
func (k *Keys) X3DHAsResponder(peerIdentityX, peerEphemeralX [32]byte, opkID *uint32) ([32]byte, error) {
	const op = "Keys.X3DHAsResponder"
	k.mu.Lock()
	defer k.mu.Unlock()

	idSecretBytes, err := k.xSecret.ReadCopy()
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(idSecretBytes)
	var idSecret [32]byte
	copy(idSecret[:], idSecretBytes)

	spkSecretBytes, err := k.spkSecret.ReadCopy()
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(spkSecretBytes)
	var spkSecret [32]byte
	copy(spkSecret[:], spkSecretBytes)

	var opkSecret *[32]byte
	if opkID != nil {
		opk, ok := k.opks[*opkID]
		if !ok {
			return [32]byte{}, errs.New(errs.ErrOpkNotFound, op, nil)
		}
		b, err := opk.Secret.ReadCopy()
		if err != nil {
			return [32]byte{}, errs.New(errs.ErrCryptoError, op, err)
		}
		defer primitives.Wipe(b)
		var s [32]byte
		copy(s[:], b)
		opkSecret = &s
	}

	return x3dhResponder(peerIdentityX, peerEphemeralX, idSecret, spkSecret, opkSecret)
}

// x3dh derives the X3DH root key for the initiator side: DH1=DH(EKa,IKb),
// DH2=DH(EKa,SPKb), DH3=DH(IKa,SPKb), DH4=DH(EKa,OPKb) if used.
func x3dh(eka [32]byte, ika [32]byte, ikb, spkb [32]byte, opkb *[32]byte) ([32]byte, error) {
	dh1, err := primitives.X25519DH(eka, ikb)
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, "x3dh", err)
	}
	defer primitives.Wipe(dh1[:])
	dh2, err := primitives.X25519DH(eka, spkb)
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, "x3dh", err)
	}
	defer primitives.Wipe(dh2[:])
	dh3, err := primitives.X25519DH(ika, spkb)
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, "x3dh", err)
	}
	defer primitives.Wipe(dh3[:])

	var dh4 [32]byte
	hasOPK := opkb != nil
	if hasOPK {
		d4, err := primitives.X25519DH(eka, *opkb)
		if err != nil {
			return [32]byte{}, errs.New(errs.ErrCryptoError, "x3dh", err)
		}
		dh4 = d4
		defer primitives.Wipe(dh4[:])
	}

	return deriveRootKey(dh1, dh2, dh3, dh4, hasOPK)
}

// x3dhResponder mirrors x3dh but from the responder's side of the same
// four DH computations: DH1=DH(IKb,EKa) == DH(EKa,IKb), etc.
func x3dhResponder(ika, eka [32]byte, ikb, spkb [32]byte, opkb *[32]byte) ([32]byte, error) {
	dh1, err := primitives.X25519DH(ikb, eka)
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, "x3dhResponder", err)
	}
	defer primitives.Wipe(dh1[:])
	dh2, err := primitives.X25519DH(spkb, eka)
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, "x3dhResponder", err)
	}
	defer primitives.Wipe(dh2[:])
	dh3, err := primitives.X25519DH(spkb, ika)
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, "x3dhResponder", err)
	}
	defer primitives.Wipe(dh3[:])

	var dh4 [32]byte
	hasOPK := opkb != nil
	if hasOPK {
		d4, err := primitives.X25519DH(*opkb, eka)
		if err != nil {
			return [32]byte{}, errs.New(errs.ErrCryptoError, "x3dhResponder", err)
		}
		dh4 = d4
		defer primitives.Wipe(dh4[:])
	}

	return deriveRootKey(dh1, dh2, dh3, dh4, hasOPK)
}

// deriveRootKey builds ikm = 0xFF^32 || DH1 || DH2 || DH3 || DH4? and
// derives the 32-byte root key via HKDF with a zero salt and the
// "Ecliptix_X3DH" info tag, per §4.3.
func deriveRootKey(dh1, dh2, dh3, dh4 [32]byte, hasOPK bool) ([32]byte, error) {
	domainSep := make([]byte, 32)
	for i := range domainSep {
		domainSep[i] = 0xFF
	}

	ikm := make([]byte, 0, 32+32*4)
	ikm = append(ikm, domainSep...)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	if hasOPK {
		ikm = append(ikm, dh4[:]...)
	}
	defer primitives.Wipe(ikm)

	out, err := primitives.HKDF(make([]byte, 32), ikm, []byte(x3dhInfo), 32)
	if err != nil {
		return [32]byte{}, errs.New(errs.ErrCryptoError, "deriveRootKey", err)
	}
	defer primitives.Wipe(out)

	var rootKey [32]byte
	copy(rootKey[:], out)
	return rootKey, nil
}

// Destroy zeroes every secret this Keys value holds.
func (k *Keys) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.xSecret.Drop()
	k.spkSecret.Drop()
	if k.ephSecret != nil {
		k.ephSecret.Drop()
	}
	for _, o := range k.opks {
		o.Secret.Drop()
	}
}
