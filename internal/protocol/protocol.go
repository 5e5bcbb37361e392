// Package protocol implements ProtocolSystem, the facade that wires
// IdentityKeys, Session, and Registry together into the four top-level
// handshake/messaging operations spec.md §4.6 names. The background
// reaper's ticker/context/RWMutex scaffold generalizes
// internal/security/identity_key_rotation.go's
// Start/Stop/Enable/Disable lifecycle (there: scheduled JWT identity-key
// rotation) to periodic expired-session sweeping.
//
// ProtocolSystem's begin_exchange/respond_to_exchange/complete_exchange
// always run X3DH in its no-OPK, 3-DH form: the synchronous two-message
// handshake this facade exposes has no out-of-band prekey-bundle-fetch
// step, so there is no point at which an initiator could learn which
// one-time pre-key a responder wants consumed. internal/identity's own
// X3DHAsInitiator/X3DHAsResponder fully implement and test the 4th-DH
// one-time-pre-key path directly; see DESIGN.md.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/config"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/identity"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/metrics"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/session"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/wire"
)

// System is ProtocolSystem: the process-wide facade over one party's
// identity, its session registry, and the background session reaper.
type System struct {
	// beginMu serializes begin_exchange against itself, since
	// GenerateEphemeral mutates the process-wide IdentityKeys.
	beginMu sync.Mutex

	keys     *identity.Keys
	registry *Registry
	cfg      *config.Config

	nextSessionID uint32
	nextRequestID uint32

	reaperMu     sync.RWMutex
	reaperCtx    context.Context
	reaperCancel context.CancelFunc
	reaperTicker *time.Ticker

	logger *log.Logger
}

// Option configures a System at construction.
type Option func(*System)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(s *System) { s.logger = l }
}

// WithConfig overrides the System's tunables, in place of the defaults
// config.Load() reads from the environment. Every Session this System
// creates inherits cfg's rotation interval, TTL, lock timeout, and cache
// window.
func WithConfig(cfg *config.Config) Option {
	return func(s *System) { s.cfg = cfg }
}

// NewSystem builds a System around an already-generated identity and a
// fresh, empty registry. Tunables default to config.Load(); pass
// WithConfig to override them explicitly.
func NewSystem(keys *identity.Keys, opts ...Option) *System {
	s := &System{
		keys:     keys,
		registry: NewRegistry(),
		cfg:      config.Load(),
		logger:   log.New(os.Stderr, "[PROTOCOL] ", log.Ldate|log.Ltime|log.LUTC),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sessionOptions builds the session.Option set a new Session should
// inherit from this System's configuration.
func (s *System) sessionOptions() []session.Option {
	return []session.Option{
		session.WithDHRotationInterval(s.cfg.DHRotationInterval),
		session.WithSessionTTL(s.cfg.SessionTTL),
		session.WithLockTimeout(s.cfg.LockTimeout),
		session.WithCacheWindow(uint32(s.cfg.CacheWindow)),
	}
}

// Registry exposes the underlying SessionRegistry, e.g. for operators
// wiring metrics or inspecting live session counts.
func (s *System) Registry() *Registry { return s.registry }

// StartReaper begins periodically sweeping sessions past SESSION_TTL. A
// System with no reaper started never expires sessions proactively;
// Session.Expired() is still checked on every operation either way.
func (s *System) StartReaper(interval time.Duration) {
	s.reaperMu.Lock()
	defer s.reaperMu.Unlock()

	s.reaperCtx, s.reaperCancel = context.WithCancel(context.Background())
	s.reaperTicker = time.NewTicker(interval)
	s.logger.Printf("session reaper started, interval=%v", interval)
	go s.runReaper()
}

// StopReaper halts the background sweep. Safe to call even if the reaper
// was never started.
func (s *System) StopReaper() {
	s.reaperMu.Lock()
	defer s.reaperMu.Unlock()

	if s.reaperCancel != nil {
		s.reaperCancel()
	}
	if s.reaperTicker != nil {
		s.reaperTicker.Stop()
	}
}

func (s *System) runReaper() {
	s.reaperMu.RLock()
	ticker := s.reaperTicker
	ctx := s.reaperCtx
	s.reaperMu.RUnlock()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			s.logger.Println("session reaper stopped")
			return
		}
	}
}

func (s *System) sweep() {
	removedKinds := s.registry.RemoveExpired()
	for _, kind := range removedKinds {
		metrics.RecordSessionExpired(kindLabel(kind))
	}
	if len(removedKinds) > 0 {
		s.logger.Printf("reaper swept %d expired session(s)", len(removedKinds))
	}
	for kind, count := range s.registry.CountByKind() {
		metrics.UpdateActiveSessions(kindLabel(kind), count)
	}
}

func kindLabel(kind wire.ExchangeKind) string {
	switch kind {
	case wire.ExchangeDirect:
		return "direct"
	case wire.ExchangeGroup:
		return "group"
	default:
		return "unknown"
	}
}

// BeginExchange starts a new handshake as the initiator: it regenerates
// the process identity's ephemeral keypair, allocates a fresh session id,
// constructs a Pending Session, and returns the init message carrying the
// local public bundle and the session's sender DH public key.
func (s *System) BeginExchange(kind wire.ExchangeKind) (uint32, wire.HandshakeMessage, error) {
	const op = "System.BeginExchange"
	s.beginMu.Lock()
	defer s.beginMu.Unlock()

	if err := s.keys.GenerateEphemeral(); err != nil {
		metrics.RecordHandshakeFailure(kindLabel(kind), "ephemeral")
		return 0, wire.HandshakeMessage{}, err
	}
	bundle := s.keys.PublicBundle()

	id := atomic.AddUint32(&s.nextSessionID, 1)
	sess, err := session.Create(id, bundle.IdentityX25519, true, s.sessionOptions()...)
	if err != nil {
		metrics.RecordHandshakeFailure(kindLabel(kind), "session_create")
		return 0, wire.HandshakeMessage{}, err
	}
	sess.MarkPending()

	if err := s.registry.Insert(id, kind, sess); err != nil {
		sess.Destroy()
		metrics.RecordHandshakeFailure(kindLabel(kind), "registry_insert")
		return 0, wire.HandshakeMessage{}, err
	}

	metrics.RecordHandshakeStarted(kindLabel(kind))
	return id, wire.HandshakeMessage{
		State:           sess.State(),
		Kind:            kind,
		Payload:         bundle,
		InitialDHPublic: sess.SenderDHPublic(),
	}, nil
}

// RespondToExchange runs X3DH as the responder against initMsg, finalizes
// a new Complete Session, and returns the response message plus the
// derived root key. On any failure the session is never inserted into
// the registry, so no half-open state is ever visible there.
func (s *System) RespondToExchange(kind wire.ExchangeKind, initMsg wire.HandshakeMessage) (uint32, wire.HandshakeMessage, [32]byte, error) {
	const op = "System.RespondToExchange"
	var zero [32]byte

	if !identity.VerifySPK(initMsg.Payload) {
		metrics.RecordHandshakeFailure(kindLabel(kind), "spk_invalid")
		return 0, wire.HandshakeMessage{}, zero, errs.New(errs.ErrSpkSignatureInvalid, op, nil)
	}
	if initMsg.Payload.EphemeralX25519 == nil {
		metrics.RecordHandshakeFailure(kindLabel(kind), "missing_ephemeral")
		return 0, wire.HandshakeMessage{}, zero, errs.New(errs.ErrInvalidPeerKey, op, fmt.Errorf("init message has no ephemeral key"))
	}

	rootKey, err := s.keys.X3DHAsResponder(initMsg.Payload.IdentityX25519, *initMsg.Payload.EphemeralX25519, nil)
	if err != nil {
		metrics.RecordHandshakeFailure(kindLabel(kind), "x3dh")
		return 0, wire.HandshakeMessage{}, zero, err
	}

	bundle := s.keys.PublicBundle()
	id := atomic.AddUint32(&s.nextSessionID, 1)
	sess, err := session.Create(id, bundle.IdentityX25519, false, s.sessionOptions()...)
	if err != nil {
		metrics.RecordHandshakeFailure(kindLabel(kind), "session_create")
		return 0, wire.HandshakeMessage{}, zero, err
	}
	if err := sess.Finalize(rootKey, initMsg.InitialDHPublic, initMsg.Payload.IdentityX25519); err != nil {
		sess.Destroy()
		metrics.RecordHandshakeFailure(kindLabel(kind), "finalize")
		return 0, wire.HandshakeMessage{}, zero, err
	}
	if err := s.registry.Insert(id, kind, sess); err != nil {
		sess.Destroy()
		metrics.RecordHandshakeFailure(kindLabel(kind), "registry_insert")
		return 0, wire.HandshakeMessage{}, zero, err
	}

	metrics.RecordHandshakeCompleted(kindLabel(kind), "responder")
	return id, wire.HandshakeMessage{
		State:           sess.State(),
		Kind:            kind,
		Payload:         bundle,
		InitialDHPublic: sess.SenderDHPublic(),
	}, rootKey, nil
}

// CompleteExchange finalizes the initiator-side session named by
// sessionID using responseMsg, running X3DH as the initiator. It is a
// programming error to call this against a responder-side session.
func (s *System) CompleteExchange(sessionID uint32, kind wire.ExchangeKind, responseMsg wire.HandshakeMessage) ([32]byte, error) {
	const op = "System.CompleteExchange"
	var zero [32]byte

	sess, ok := s.registry.Find(sessionID, kind)
	if !ok {
		return zero, errs.New(errs.ErrNotReady, op, fmt.Errorf("no session %d/%v", sessionID, kind))
	}
	if !sess.IsInitiator() {
		return zero, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("session %d is not an initiator session", sessionID))
	}

	rootKey, err := s.keys.X3DHAsInitiator(responseMsg.Payload, nil)
	if err != nil {
		s.registry.Remove(sessionID, kind)
		metrics.RecordHandshakeFailure(kindLabel(kind), "x3dh")
		return zero, err
	}
	if err := sess.Finalize(rootKey, responseMsg.InitialDHPublic, responseMsg.Payload.IdentityX25519); err != nil {
		s.registry.Remove(sessionID, kind)
		metrics.RecordHandshakeFailure(kindLabel(kind), "finalize")
		return zero, err
	}

	metrics.RecordHandshakeCompleted(kindLabel(kind), "initiator")
	return rootKey, nil
}

// Send encrypts plaintext under the session named by (sessionID, kind).
func (s *System) Send(sessionID uint32, kind wire.ExchangeKind, plaintext []byte) (*session.Envelope, error) {
	const op = "System.Send"
	sess, ok := s.registry.Find(sessionID, kind)
	if !ok {
		return nil, errs.New(errs.ErrNotReady, op, fmt.Errorf("no session %d/%v", sessionID, kind))
	}

	requestID := atomic.AddUint32(&s.nextRequestID, 1)
	start := time.Now()
	env, err := sess.PrepareSend(requestID, plaintext)
	metrics.ObserveRoundtrip("prepare_send", time.Since(start).Seconds())
	if err != nil {
		metrics.RecordHandshakeFailure(kindLabel(kind), "prepare_send")
		return nil, err
	}
	metrics.RecordMessageSent(kindLabel(kind))
	if env.DHPublic != nil {
		metrics.RecordDHRatchet("send")
	}
	return env, nil
}

// Receive decrypts env under the session named by (sessionID, kind).
func (s *System) Receive(sessionID uint32, kind wire.ExchangeKind, env *session.Envelope) ([]byte, error) {
	const op = "System.Receive"
	sess, ok := s.registry.Find(sessionID, kind)
	if !ok {
		return nil, errs.New(errs.ErrNotReady, op, fmt.Errorf("no session %d/%v", sessionID, kind))
	}

	start := time.Now()
	plaintext, err := sess.ProcessReceive(env)
	metrics.ObserveRoundtrip("process_receive", time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, errs.ErrAeadAuthFailed) {
			metrics.RecordAeadFailure(kindLabel(kind))
		}
		return nil, err
	}
	metrics.RecordMessageReceived(kindLabel(kind))
	return plaintext, nil
}
