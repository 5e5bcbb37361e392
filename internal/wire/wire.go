// Package wire encodes and decodes the bit-exact records spec.md §6
// defines: Envelope, PublicBundle, and the Handshake message. It
// generalizes internal/security/protocol_adapter.go's decode/validate/wrap
// idiom (there: frontend Olm JSON+base64 <-> backend Go types) to a binary
// layout via encoding/binary, since these are opaque structured records on
// the wire, not a cross-language JSON bridge.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/identity"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/session"
)

// HandshakeState mirrors session.State for the wire-level handshake
// message's state tag.
type HandshakeState = session.State

// ExchangeKind tags which logical channel a handshake/session belongs to,
// letting one (session_id) pair serve more than one purpose (spec.md §4.6:
// SessionRegistry keys on (session_id, exchange_type)).
type ExchangeKind uint8

const (
	ExchangeDirect ExchangeKind = iota
	ExchangeGroup
)

// EncodeEnvelope serializes a session.Envelope to its bit-exact wire form:
// request_id(4) || correlation_id(16) || nonce(12) || ratchet_index(4) ||
// dh_public_present(1) || dh_public(32 if present) ||
// created_at_seconds(8) || created_at_nanos(4) || cipher(remaining).
func EncodeEnvelope(correlationID uuid.UUID, env *session.Envelope) ([]byte, error) {
	if env == nil {
		return nil, errs.New(errs.ErrInvalidInput, "EncodeEnvelope", fmt.Errorf("nil envelope"))
	}

	hasDH := env.DHPublic != nil
	size := 4 + 16 + session.NonceSize + 4 + 1 + 8 + 4 + len(env.Cipher)
	if hasDH {
		size += 32
	}
	buf := make([]byte, 0, size)

	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], env.RequestID)
	buf = append(buf, tmp4[:]...)

	idBytes, err := correlationID.MarshalBinary()
	if err != nil {
		return nil, errs.New(errs.ErrInvalidInput, "EncodeEnvelope", err)
	}
	buf = append(buf, idBytes...)

	buf = append(buf, env.Nonce[:]...)

	binary.BigEndian.PutUint32(tmp4[:], env.RatchetIndex)
	buf = append(buf, tmp4[:]...)

	if hasDH {
		buf = append(buf, 1)
		buf = append(buf, env.DHPublic[:]...)
	} else {
		buf = append(buf, 0)
	}

	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(env.CreatedAt.Unix()))
	buf = append(buf, tmp8[:]...)
	binary.BigEndian.PutUint32(tmp4[:], uint32(env.CreatedAt.Nanosecond()))
	buf = append(buf, tmp4[:]...)

	buf = append(buf, env.Cipher...)
	return buf, nil
}

// DecodeEnvelope parses the wire form produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (uuid.UUID, *session.Envelope, error) {
	const op = "DecodeEnvelope"
	const headerLen = 4 + 16 + session.NonceSize + 4 + 1
	if len(data) < headerLen+8+4 {
		return uuid.UUID{}, nil, errs.New(errs.ErrMalformedEnvelope, op, fmt.Errorf("too short: %d bytes", len(data)))
	}

	off := 0
	requestID := binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	var correlationID uuid.UUID
	if err := correlationID.UnmarshalBinary(data[off : off+16]); err != nil {
		return uuid.UUID{}, nil, errs.New(errs.ErrMalformedEnvelope, op, err)
	}
	off += 16

	var nonce [session.NonceSize]byte
	copy(nonce[:], data[off:off+session.NonceSize])
	off += session.NonceSize

	ratchetIndex := binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	hasDH := data[off] == 1
	off++

	var dhPublic *[32]byte
	if hasDH {
		if len(data) < off+32+12 {
			return uuid.UUID{}, nil, errs.New(errs.ErrMalformedEnvelope, op, fmt.Errorf("truncated dh_public"))
		}
		var pk [32]byte
		copy(pk[:], data[off:off+32])
		dhPublic = &pk
		off += 32
	}

	if len(data) < off+8+4 {
		return uuid.UUID{}, nil, errs.New(errs.ErrMalformedEnvelope, op, fmt.Errorf("truncated timestamp"))
	}
	seconds := binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	nanos := binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	cipher := append([]byte(nil), data[off:]...)

	return correlationID, &session.Envelope{
		RequestID:    requestID,
		Nonce:        nonce,
		RatchetIndex: ratchetIndex,
		Cipher:       cipher,
		CreatedAt:    time.Unix(int64(seconds), int64(nanos)).UTC(),
		DHPublic:     dhPublic,
	}, nil
}

// EncodePublicBundle serializes an identity.PublicBundle: identity_ed25519
// (32) || identity_x25519 (32) || signed_prekey_id (4) ||
// signed_prekey_public (32) || signed_prekey_signature (64) ||
// ephemeral_present (1) || ephemeral_x25519 (32 if present) ||
// opk_count (4) || repeated { id(4) || public(32) }.
func EncodePublicBundle(b identity.PublicBundle) ([]byte, error) {
	const op = "EncodePublicBundle"
	if len(b.IdentityEd25519) != 32 {
		return nil, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("identity_ed25519 length %d, want 32", len(b.IdentityEd25519)))
	}
	if len(b.SignedPreKeySignature) != 64 {
		return nil, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("signed_prekey_signature length %d, want 64", len(b.SignedPreKeySignature)))
	}

	buf := make([]byte, 0, 32+32+4+32+64+1+32+4+len(b.OneTimePreKeys)*36)
	buf = append(buf, b.IdentityEd25519...)
	buf = append(buf, b.IdentityX25519[:]...)

	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], b.SignedPreKeyID)
	buf = append(buf, tmp4[:]...)
	buf = append(buf, b.SignedPreKeyPublic[:]...)
	buf = append(buf, b.SignedPreKeySignature...)

	if b.EphemeralX25519 != nil {
		buf = append(buf, 1)
		buf = append(buf, b.EphemeralX25519[:]...)
	} else {
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint32(tmp4[:], uint32(len(b.OneTimePreKeys)))
	buf = append(buf, tmp4[:]...)
	for _, opk := range b.OneTimePreKeys {
		binary.BigEndian.PutUint32(tmp4[:], opk.ID)
		buf = append(buf, tmp4[:]...)
		buf = append(buf, opk.Public[:]...)
	}
	return buf, nil
}

// DecodePublicBundle parses the wire form produced by EncodePublicBundle.
func DecodePublicBundle(data []byte) (identity.PublicBundle, error) {
	const op = "DecodePublicBundle"
	const fixedLen = 32 + 32 + 4 + 32 + 64 + 1
	if len(data) < fixedLen+4 {
		return identity.PublicBundle{}, errs.New(errs.ErrMalformedEnvelope, op, fmt.Errorf("too short: %d bytes", len(data)))
	}

	off := 0
	ed := append([]byte(nil), data[off:off+32]...)
	off += 32
	var x25519ID [32]byte
	copy(x25519ID[:], data[off:off+32])
	off += 32

	spkID := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	var spkPublic [32]byte
	copy(spkPublic[:], data[off:off+32])
	off += 32
	sig := append([]byte(nil), data[off:off+64]...)
	off += 64

	hasEph := data[off] == 1
	off++
	var eph *[32]byte
	if hasEph {
		if len(data) < off+32 {
			return identity.PublicBundle{}, errs.New(errs.ErrMalformedEnvelope, op, fmt.Errorf("truncated ephemeral key"))
		}
		var e [32]byte
		copy(e[:], data[off:off+32])
		eph = &e
		off += 32
	}

	if len(data) < off+4 {
		return identity.PublicBundle{}, errs.New(errs.ErrMalformedEnvelope, op, fmt.Errorf("truncated opk count"))
	}
	opkCount := binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	opks := make([]identity.PublicOPK, 0, opkCount)
	for i := uint32(0); i < opkCount; i++ {
		if len(data) < off+36 {
			return identity.PublicBundle{}, errs.New(errs.ErrMalformedEnvelope, op, fmt.Errorf("truncated one_time_prekeys"))
		}
		id := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		var pub [32]byte
		copy(pub[:], data[off:off+32])
		off += 32
		opks = append(opks, identity.PublicOPK{ID: id, Public: pub})
	}

	return identity.PublicBundle{
		IdentityEd25519:       ed,
		IdentityX25519:        x25519ID,
		SignedPreKeyID:        spkID,
		SignedPreKeyPublic:    spkPublic,
		SignedPreKeySignature: sig,
		EphemeralX25519:       eph,
		OneTimePreKeys:        opks,
	}, nil
}

// HandshakeMessage is the record exchanged to set up or finalize a
// session, per spec.md §6.
type HandshakeMessage struct {
	State           HandshakeState
	Kind            ExchangeKind
	Payload         identity.PublicBundle
	InitialDHPublic [32]byte
}

// EncodeHandshakeMessage serializes a HandshakeMessage: state(1) ||
// kind(1) || initial_dh_public(32) || payload (EncodePublicBundle output).
func EncodeHandshakeMessage(m HandshakeMessage) ([]byte, error) {
	payload, err := EncodePublicBundle(m.Payload)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+32+len(payload))
	buf = append(buf, byte(m.State), byte(m.Kind))
	buf = append(buf, m.InitialDHPublic[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeHandshakeMessage parses the wire form produced by
// EncodeHandshakeMessage.
func DecodeHandshakeMessage(data []byte) (HandshakeMessage, error) {
	const op = "DecodeHandshakeMessage"
	if len(data) < 2+32 {
		return HandshakeMessage{}, errs.New(errs.ErrMalformedEnvelope, op, fmt.Errorf("too short: %d bytes", len(data)))
	}
	state := HandshakeState(data[0])
	kind := ExchangeKind(data[1])
	var initialDH [32]byte
	copy(initialDH[:], data[2:34])

	payload, err := DecodePublicBundle(data[34:])
	if err != nil {
		return HandshakeMessage{}, err
	}
	return HandshakeMessage{State: state, Kind: kind, Payload: payload, InitialDHPublic: initialDH}, nil
}
