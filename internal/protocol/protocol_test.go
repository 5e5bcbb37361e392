package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/ecliptix-crypto/internal/identity"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/session"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/wire"
)

// handshake drives a full begin/respond/complete round trip between two
// freshly built Systems and returns each side's session id.
func handshake(t *testing.T, a, b *System, kind wire.ExchangeKind) (aID, bID uint32) {
	t.Helper()

	aID, initMsg, err := a.BeginExchange(kind)
	require.NoError(t, err)

	bID, responseMsg, _, err := b.RespondToExchange(kind, initMsg)
	require.NoError(t, err)

	_, err = a.CompleteExchange(aID, kind, responseMsg)
	require.NoError(t, err)

	return aID, bID
}

func newSystem(t *testing.T) *System {
	t.Helper()
	keys, err := identity.Generate(2)
	require.NoError(t, err)
	return NewSystem(keys)
}

func TestHandshakeAndSingleMessage(t *testing.T) {
	a, b := newSystem(t), newSystem(t)
	aID, bID := handshake(t, a, b, wire.ExchangeDirect)

	env, err := a.Send(aID, wire.ExchangeDirect, []byte("hello"))
	require.NoError(t, err)

	pt, err := b.Receive(bID, wire.ExchangeDirect, env)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestRatchetTriggerAtTenthMessage(t *testing.T) {
	a, b := newSystem(t), newSystem(t)
	aID, bID := handshake(t, a, b, wire.ExchangeDirect)

	for i := 1; i <= 10; i++ {
		env, err := a.Send(aID, wire.ExchangeDirect, []byte("m"))
		require.NoError(t, err)
		if i < 10 {
			require.Nil(t, env.DHPublic, "message %d should not carry dh_public", i)
		} else {
			require.NotNil(t, env.DHPublic, "message 10 should carry dh_public")
		}
		_, err = b.Receive(bID, wire.ExchangeDirect, env)
		require.NoError(t, err)
	}
}

func TestCompleteExchangeRejectsResponderSession(t *testing.T) {
	a, b := newSystem(t), newSystem(t)
	_, initMsg, err := a.BeginExchange(wire.ExchangeDirect)
	require.NoError(t, err)

	bID, responseMsg, _, err := b.RespondToExchange(wire.ExchangeDirect, initMsg)
	require.NoError(t, err)

	_, err = b.CompleteExchange(bID, wire.ExchangeDirect, responseMsg)
	require.Error(t, err)
}

func TestExpiredSessionRejectsSend(t *testing.T) {
	keys, err := identity.Generate(1)
	require.NoError(t, err)
	a := NewSystem(keys)

	bundle := keys.PublicBundle()
	expired, err := session.Create(1, bundle.IdentityX25519, true,
		session.WithCreatedAt(time.Now().Add(-session.SessionTTL-time.Second)))
	require.NoError(t, err)
	require.NoError(t, a.Registry().Insert(1, wire.ExchangeDirect, expired))

	_, err = a.Send(1, wire.ExchangeDirect, []byte("too late"))
	require.Error(t, err)
}

func TestRegistryInsertFindRemoveShutdown(t *testing.T) {
	reg := NewRegistry()
	keys, err := identity.Generate(1)
	require.NoError(t, err)
	identityX := keys.PublicBundle().IdentityX25519

	s, err := session.Create(1, identityX, true)
	require.NoError(t, err)

	require.NoError(t, reg.Insert(1, wire.ExchangeDirect, s))
	require.Error(t, reg.Insert(1, wire.ExchangeDirect, s))

	found, ok := reg.Find(1, wire.ExchangeDirect)
	require.True(t, ok)
	require.Same(t, s, found)

	reg.Remove(1, wire.ExchangeDirect)
	_, ok = reg.Find(1, wire.ExchangeDirect)
	require.False(t, ok)

	reg.Remove(1, wire.ExchangeDirect) // idempotent

	s2, err := session.Create(2, identityX, true)
	require.NoError(t, err)
	require.NoError(t, reg.Insert(2, wire.ExchangeDirect, s2))
	reg.Shutdown()
	require.Equal(t, 0, reg.Len())
}
