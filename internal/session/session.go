// Package session implements Session, the Double Ratchet engine: root
// key, sending/receiving ChainSteps, peer DH public key, nonce counter,
// and TTL-bound lifecycle. The overall shape (one struct carrying root key
// plus two chains plus counters, guarded by a mutex) is grounded on
// internal/security/signal.go's DoubleRatchetState/SignalSession, adjusted
// to the exact rotation interval (10, not the teacher's 100) and the
// deferred receiving-ratchet flag the teacher's PerformRatchetIfNeeded
// never implements.
package session

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/primitives"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/ratchet"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/securebuf"
)

// Constants fixed by spec.md §4.5.
const (
	DHRotationInterval = 10
	SessionTTL          = 24 * time.Hour
	NonceSize           = 12

	chainInfoSend = "EcliptixInitSend"
	chainInfoRecv = "EcliptixInitRecv"
	dhRatchetInfo = "EcliptixDhRatchet"

	LockTimeout = 5 * time.Second
)

// State is a Session's position in its handshake lifecycle.
type State int

const (
	Init State = iota
	Pending
	Complete
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Envelope is one encrypted session message, matching spec.md §6's
// bit-exact record.
type Envelope struct {
	RequestID    uint32
	Nonce        [NonceSize]byte
	RatchetIndex uint32
	Cipher       []byte // ciphertext || 16-byte GCM tag
	CreatedAt    time.Time
	DHPublic     *[32]byte
}

// Session owns one peer-to-peer Double Ratchet channel.
type Session struct {
	id          uint32
	isInitiator bool
	state       State

	lock *timedMutex

	rootKey *securebuf.Buffer

	dhRotationInterval uint32
	sessionTTL         time.Duration
	lockTimeout        time.Duration
	cacheWindow        uint32

	sendChain *ratchet.ChainStep
	recvChain *ratchet.ChainStep

	// sendingDH is the sender chain's own DH keypair, rotated on every
	// sender ratchet. The receiving chain's DH keypair is generated in
	// Finalize and kept by the receiving chain across every receiving-side
	// ratchet (see recvRatchet).
	sendingDHSecret [32]byte
	sendingDHPublic [32]byte

	peerDHPublic     *[32]byte
	receivedNewDHKey bool
	hasRecvRatcheted bool

	nonceCounter uint64
	createdAt    time.Time

	localIdentityX [32]byte
	peerIdentityX  [32]byte

	logger *log.Logger
}

// Option configures a Session at construction.
type Option func(*Session)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithCreatedAt overrides the session's creation timestamp, for
// deterministic-clock tests of TTL expiry.
func WithCreatedAt(t time.Time) Option {
	return func(s *Session) { s.createdAt = t }
}

// WithDHRotationInterval overrides the sender-ratchet rotation cadence,
// e.g. from config.Config.DHRotationInterval.
func WithDHRotationInterval(n uint32) Option {
	return func(s *Session) { s.dhRotationInterval = n }
}

// WithSessionTTL overrides the session's time-to-live, e.g. from
// config.Config.SessionTTL.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Session) { s.sessionTTL = d }
}

// WithLockTimeout overrides the bounded-wait lock timeout, e.g. from
// config.Config.LockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Session) { s.lockTimeout = d }
}

// WithCacheWindow overrides the skipped-message-key cache window passed
// to ratchet.Create, e.g. from config.Config.CacheWindow.
func WithCacheWindow(n uint32) Option {
	return func(s *Session) { s.cacheWindow = n }
}

// Create starts a new Session in state Init. localIdentityX is the local
// party's X25519 identity public key, used in AEAD associated data.
func Create(id uint32, localIdentityX [32]byte, isInitiator bool, opts ...Option) (*Session, error) {
	const op = "session.Create"

	s := &Session{
		id:                 id,
		isInitiator:        isInitiator,
		state:              Init,
		lock:               newTimedMutex(),
		dhRotationInterval: DHRotationInterval,
		sessionTTL:         SessionTTL,
		lockTimeout:        LockTimeout,
		createdAt:          time.Now(),
		localIdentityX:     localIdentityX,
		logger:             log.New(os.Stderr, "[SESSION] ", log.Ldate|log.Ltime|log.LUTC),
	}
	for _, opt := range opts {
		opt(s)
	}

	sendSecret, sendPublic, err := primitives.X25519KeyPair()
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}

	zeroChainKey := make([]byte, 32)
	sendChain, err := ratchet.Create(ratchet.Sender, zeroChainKey, &sendSecret, &sendPublic, s.cacheWindow)
	primitives.Wipe(zeroChainKey)
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}

	s.sendChain = sendChain
	s.sendingDHSecret = sendSecret
	s.sendingDHPublic = sendPublic
	return s, nil
}

// ID returns the session's id.
func (s *Session) ID() uint32 { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// IsInitiator reports whether this session was created on the initiator
// side of the handshake (begin_exchange), as opposed to the responder
// side (respond_to_exchange).
func (s *Session) IsInitiator() bool { return s.isInitiator }

// SenderDHPublic returns the current sender-chain DH public key, included
// in the handshake's init message.
func (s *Session) SenderDHPublic() [32]byte { return s.sendingDHPublic }

// Expired reports whether the session has exceeded its TTL since
// creation, making it eligible for reaping.
func (s *Session) Expired() bool { return time.Since(s.createdAt) > s.sessionTTL }

// CreatedAt returns the session's creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// MarkPending transitions Init -> Pending while a handshake round trip is
// in flight.
func (s *Session) MarkPending() {
	if s.state == Init {
		s.state = Pending
	}
}

// Finalize completes the handshake: derives the two child chains from
// rootKey, installs the receiving chain using a fresh persistent DH
// keypair, and stores the peer's initial DH public key.
func (s *Session) Finalize(rootKey [32]byte, peerInitialDHPublic [32]byte, peerIdentityX [32]byte) error {
	const op = "Session.Finalize"
	if s.state == Complete {
		return errs.New(errs.ErrInvalidInput, op, fmt.Errorf("session already finalized"))
	}

	ckA, err := primitives.HKDFExpand(rootKey[:], []byte(chainInfoSend), 32)
	if err != nil {
		return errs.New(errs.ErrCryptoError, op, err)
	}
	ckB, err := primitives.HKDFExpand(rootKey[:], []byte(chainInfoRecv), 32)
	if err != nil {
		primitives.Wipe(ckA)
		return errs.New(errs.ErrCryptoError, op, err)
	}

	var localSenderChain, localReceiverChain []byte
	if s.isInitiator {
		localSenderChain, localReceiverChain = ckA, ckB
	} else {
		localSenderChain, localReceiverChain = ckB, ckA
	}

	if err := s.sendChain.UpdateAfterDHRatchet(localSenderChain, &s.sendingDHSecret, &s.sendingDHPublic); err != nil {
		primitives.Wipe(ckA)
		primitives.Wipe(ckB)
		return errs.New(errs.ErrCryptoError, op, err)
	}
	// The sender chain keeps its pre-existing keypair on finalize; clear
	// the is_new_chain flag UpdateAfterDHRatchet set, since this is the
	// initial install, not a mid-session rotation.
	s.sendChain.ClearNewChain()

	recvDHSecret, recvDHPublic, err := primitives.X25519KeyPair()
	if err != nil {
		primitives.Wipe(ckA)
		primitives.Wipe(ckB)
		return errs.New(errs.ErrCryptoError, op, err)
	}
	s.recvChain, err = ratchet.Create(ratchet.Receiver, localReceiverChain, &recvDHSecret, &recvDHPublic, s.cacheWindow)
	primitives.Wipe(ckA)
	primitives.Wipe(ckB)
	if err != nil {
		return errs.New(errs.ErrCryptoError, op, err)
	}

	s.rootKey = securebuf.FromBytes(rootKey[:])
	peerDH := peerInitialDHPublic
	s.peerDHPublic = &peerDH
	s.peerIdentityX = peerIdentityX
	s.state = Complete
	return nil
}

func (s *Session) checkReady(op string) error {
	if time.Since(s.createdAt) > s.sessionTTL {
		return errs.New(errs.ErrSessionExpired, op, nil)
	}
	if s.state != Complete {
		return errs.New(errs.ErrNotReady, op, nil)
	}
	return nil
}

// PrepareSend encrypts plaintext, performing a sender DH ratchet first if
// the rotation interval has been reached or a deferred peer-key rotation
// is pending.
func (s *Session) PrepareSend(requestID uint32, plaintext []byte) (*Envelope, error) {
	const op = "Session.PrepareSend"
	if err := s.checkReady(op); err != nil {
		return nil, err
	}
	if err := s.lock.Lock(s.lockTimeout); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()

	nextIndex := s.sendChain.CurrentIndex() + 1
	shouldRatchet := nextIndex%s.dhRotationInterval == 0 || s.receivedNewDHKey

	var ratchetedDHPublic *[32]byte
	if shouldRatchet {
		if err := s.sendRatchet(op); err != nil {
			return nil, err
		}
		pub := s.sendingDHPublic
		ratchetedDHPublic = &pub
	}

	mk, err := s.sendChain.DeriveKey(nextIndex)
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	keyBytes, err := mk.Bytes()
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(keyBytes)
	mk.Destroy()

	nonce, err := s.nextNonce()
	if err != nil {
		return nil, err
	}

	ad := append(append([]byte{}, s.localIdentityX[:]...), s.peerIdentityX[:]...)
	cipher, err := primitives.AEADSeal(keyBytes, nonce[:], ad, plaintext)
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}

	return &Envelope{
		RequestID:    requestID,
		Nonce:        nonce,
		RatchetIndex: nextIndex,
		Cipher:       cipher,
		CreatedAt:    time.Now(),
		DHPublic:     ratchetedDHPublic,
	}, nil
}

// sendRatchet performs the sender-side DH ratchet step described in §4.5
// step 3, mutating root key, sending chain, and sendingDH* in place.
func (s *Session) sendRatchet(op string) error {
	newSecret, newPublic, err := primitives.X25519KeyPair()
	if err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}

	dh, err := primitives.X25519DH(newSecret, *s.peerDHPublic)
	if err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}
	defer primitives.Wipe(dh[:])

	rootKeyBytes, err := s.rootKey.ReadCopy()
	if err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}
	defer primitives.Wipe(rootKeyBytes)

	prk := primitives.HKDFExtract(rootKeyBytes, dh[:])
	defer primitives.Wipe(prk)
	okm, err := primitives.HKDFExpand(prk, []byte(dhRatchetInfo), 64)
	if err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}
	defer primitives.Wipe(okm)

	newRootKey := okm[:32]
	newChainKey := okm[32:64]

	s.rootKey.Drop()
	s.rootKey = securebuf.FromBytes(newRootKey)

	if err := s.sendChain.UpdateAfterDHRatchet(newChainKey, &newSecret, &newPublic); err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}
	s.sendingDHSecret = newSecret
	s.sendingDHPublic = newPublic
	s.receivedNewDHKey = false
	return nil
}

// ProcessReceive decrypts env, performing a receiving DH ratchet or
// deferring it per §4.5 step 2.
func (s *Session) ProcessReceive(env *Envelope) ([]byte, error) {
	const op = "Session.ProcessReceive"
	if err := s.checkReady(op); err != nil {
		return nil, err
	}
	if err := s.lock.Lock(s.lockTimeout); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()

	if env.DHPublic != nil && *env.DHPublic != *s.peerDHPublic {
		atBoundary := (s.recvChain.CurrentIndex()+1)%s.dhRotationInterval == 0
		if !s.hasRecvRatcheted || atBoundary {
			if err := s.recvRatchet(op, *env.DHPublic); err != nil {
				return nil, err
			}
			s.hasRecvRatcheted = true
			s.receivedNewDHKey = false
		} else {
			s.peerDHPublic = env.DHPublic
			s.receivedNewDHKey = true
		}
	}

	mk, err := s.recvChain.DeriveKey(env.RatchetIndex)
	if err != nil {
		return nil, err
	}
	keyBytes, err := mk.Bytes()
	if err != nil {
		return nil, errs.New(errs.ErrCryptoError, op, err)
	}
	defer primitives.Wipe(keyBytes)

	ad := append(append([]byte{}, s.peerIdentityX[:]...), s.localIdentityX[:]...)
	plaintext, err := primitives.AEADOpen(keyBytes, env.Nonce[:], ad, env.Cipher)
	if err != nil {
		return nil, errs.New(errs.ErrAeadAuthFailed, op, err)
	}
	mk.Destroy()
	return plaintext, nil
}

// recvRatchet performs the receiving-side DH ratchet, reusing the
// receiving chain's persistent DH secret against the peer's new public key.
func (s *Session) recvRatchet(op string, newPeerDHPublic [32]byte) error {
	recvSecret, err := s.recvChain.DHSecret()
	if err != nil || recvSecret == nil {
		return errs.New(errs.ErrDhRatchetFailed, op, fmt.Errorf("missing receiving dh secret"))
	}

	dh, err := primitives.X25519DH(*recvSecret, newPeerDHPublic)
	if err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}
	defer primitives.Wipe(dh[:])

	rootKeyBytes, err := s.rootKey.ReadCopy()
	if err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}
	defer primitives.Wipe(rootKeyBytes)

	prk := primitives.HKDFExtract(rootKeyBytes, dh[:])
	defer primitives.Wipe(prk)
	okm, err := primitives.HKDFExpand(prk, []byte(dhRatchetInfo), 64)
	if err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}
	defer primitives.Wipe(okm)

	newRootKey := okm[:32]
	newChainKey := okm[32:64]

	s.rootKey.Drop()
	s.rootKey = securebuf.FromBytes(newRootKey)

	if err := s.recvChain.UpdateAfterDHRatchet(newChainKey, nil, nil); err != nil {
		return errs.New(errs.ErrDhRatchetFailed, op, err)
	}
	s.peerDHPublic = &newPeerDHPublic
	return nil
}

func (s *Session) nextNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	randPart, err := primitives.RandomBytes(8)
	if err != nil {
		return n, errs.New(errs.ErrCryptoError, "Session.nextNonce", err)
	}
	copy(n[:8], randPart)
	counter := s.nonceCounter
	s.nonceCounter++
	n[8] = byte(counter)
	n[9] = byte(counter >> 8)
	n[10] = byte(counter >> 16)
	n[11] = byte(counter >> 24)
	return n, nil
}

// Destroy zeroes every secret the session holds.
func (s *Session) Destroy() {
	if s.rootKey != nil {
		s.rootKey.Drop()
	}
	s.sendChain.Destroy()
	if s.recvChain != nil {
		s.recvChain.Destroy()
	}
	primitives.Wipe(s.sendingDHSecret[:])
}

// timedMutex is a mutex with a bounded-wait Lock, since sync.Mutex has no
// native timed acquisition; the LockTimeout failure mode from §5 is
// modeled on this instead.
type timedMutex struct {
	ch chan struct{}
}

func newTimedMutex() *timedMutex {
	m := &timedMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

func (m *timedMutex) Lock(timeout time.Duration) error {
	select {
	case <-m.ch:
		return nil
	case <-time.After(timeout):
		return errs.New(errs.ErrLockTimeout, "Session.lock", nil)
	}
}

func (m *timedMutex) Unlock() {
	m.ch <- struct{}{}
}
