// Package ratchet implements one direction of a symmetric (chain) ratchet:
// a chain key, an optional DH keypair, a monotone index, and a bounded
// cache of derived message keys for out-of-order delivery. The cache/prune
// shape is grounded on ericlagergren-dr/dr.go's State.skip/ratchet pair;
// the per-step derivation follows spec.md §4.4's exact two-tag scheme
// rather than dr.go's Ratchet-interface KDFck.
package ratchet

import (
	"fmt"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/primitives"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/securebuf"
)

// Kind identifies which direction of the Double Ratchet a ChainStep serves.
type Kind int

const (
	Sender Kind = iota
	Receiver
)

const (
	msgInfo   = "Msg"
	chainInfo = "Chain"

	// DefaultCacheWindow is the default number of trailing message keys
	// retained for out-of-order delivery.
	DefaultCacheWindow = 1000
)

// MessageKey is a single derived per-message key, indexed within its
// chain epoch.
type MessageKey struct {
	Index uint32
	key   *securebuf.Buffer
}

// Bytes returns a copy of the key material. Callers must not retain it
// past use.
func (m *MessageKey) Bytes() ([]byte, error) { return m.key.ReadCopy() }

// Destroy zeroes the key's backing buffer.
func (m *MessageKey) Destroy() { m.key.Drop() }

// ChainStep is one direction of a Double Ratchet's symmetric ratchet.
type ChainStep struct {
	kind Kind

	chainKey *securebuf.Buffer

	dhSecret *securebuf.Buffer
	dhPublic *[32]byte

	currentIndex uint32
	cacheWindow  uint32
	isNewChain   bool

	cache map[uint32]*MessageKey
}

// Create builds a ChainStep with the given initial chain key and, if
// supplied, DH keypair. dhSecret and dhPublic must both be present or both
// absent. cacheWindow of 0 uses DefaultCacheWindow.
func Create(kind Kind, initialChainKey []byte, dhSecret, dhPublic *[32]byte, cacheWindow uint32) (*ChainStep, error) {
	const op = "ratchet.Create"
	if len(initialChainKey) != 32 {
		return nil, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("chain key length %d, want 32", len(initialChainKey)))
	}
	if (dhSecret == nil) != (dhPublic == nil) {
		return nil, errs.New(errs.ErrInvalidInput, op, fmt.Errorf("dh secret and public must both be present or both absent"))
	}
	if cacheWindow == 0 {
		cacheWindow = DefaultCacheWindow
	}

	cs := &ChainStep{
		kind:        kind,
		chainKey:    securebuf.FromBytes(initialChainKey),
		cacheWindow: cacheWindow,
		cache:       make(map[uint32]*MessageKey),
	}
	if dhSecret != nil {
		cs.dhSecret = securebuf.FromBytes(dhSecret[:])
		pub := *dhPublic
		cs.dhPublic = &pub
	}
	return cs, nil
}

// CurrentIndex returns the chain's current derivation index.
func (c *ChainStep) CurrentIndex() uint32 { return c.currentIndex }

// DHPublic returns the chain's DH public key, if any.
func (c *ChainStep) DHPublic() *[32]byte { return c.dhPublic }

// DHSecret returns a copy of the chain's DH secret, if any.
func (c *ChainStep) DHSecret() (*[32]byte, error) {
	if c.dhSecret == nil {
		return nil, nil
	}
	b, err := c.dhSecret.ReadCopy()
	if err != nil {
		return nil, errs.New(errs.ErrObjectDisposed, "ChainStep.DHSecret", err)
	}
	var out [32]byte
	copy(out[:], b)
	primitives.Wipe(b)
	return &out, nil
}

// IsNewChain reports whether UpdateAfterDHRatchet has installed a new
// sender chain key since the flag was last cleared. Deriving keys does not
// clear it; only ClearNewChain does.
func (c *ChainStep) IsNewChain() bool { return c.isNewChain }

// ClearNewChain clears the is_new_chain flag. Session.Finalize calls it
// after the initial chain install.
func (c *ChainStep) ClearNewChain() { c.isNewChain = false }

// DeriveKey returns the message key for targetIndex, deriving and caching
// every intermediate key along the way if target is ahead of the current
// index. Returns errs.ErrOutOfOrderPast if target is at or behind the
// current index and not already cached.
func (c *ChainStep) DeriveKey(targetIndex uint32) (*MessageKey, error) {
	const op = "ChainStep.DeriveKey"

	if mk, ok := c.cache[targetIndex]; ok {
		return mk, nil
	}
	if targetIndex <= c.currentIndex {
		return nil, errs.New(errs.ErrOutOfOrderPast, op, nil)
	}

	for i := c.currentIndex + 1; i <= targetIndex; i++ {
		ck, err := c.chainKey.ReadCopy()
		if err != nil {
			return nil, errs.New(errs.ErrObjectDisposed, op, err)
		}

		msgKey, err := primitives.HKDFExpand(ck, []byte(msgInfo), 32)
		if err != nil {
			primitives.Wipe(ck)
			return nil, errs.New(errs.ErrCryptoError, op, err)
		}
		nextChainKey, err := primitives.HKDFExpand(ck, []byte(chainInfo), 32)
		primitives.Wipe(ck)
		if err != nil {
			primitives.Wipe(msgKey)
			return nil, errs.New(errs.ErrCryptoError, op, err)
		}

		c.cache[i] = &MessageKey{Index: i, key: securebuf.FromBytes(msgKey)}
		primitives.Wipe(msgKey)

		c.chainKey.Drop()
		c.chainKey = securebuf.FromBytes(nextChainKey)
		primitives.Wipe(nextChainKey)
	}

	c.currentIndex = targetIndex
	c.prune()
	return c.cache[targetIndex], nil
}

// UpdateAfterDHRatchet installs a fresh chain key (and, if supplied, DH
// keypair) and resets the index to 0. Sender chains are marked
// is_new_chain so the caller knows to emit the new DH public key once.
func (c *ChainStep) UpdateAfterDHRatchet(newChainKey []byte, newDHSecret, newDHPublic *[32]byte) error {
	const op = "ChainStep.UpdateAfterDHRatchet"
	if len(newChainKey) != 32 {
		return errs.New(errs.ErrInvalidInput, op, fmt.Errorf("chain key length %d, want 32", len(newChainKey)))
	}
	if (newDHSecret == nil) != (newDHPublic == nil) {
		return errs.New(errs.ErrInvalidInput, op, fmt.Errorf("dh secret and public must both be present or both absent"))
	}

	c.chainKey.Drop()
	c.chainKey = securebuf.FromBytes(newChainKey)

	if newDHSecret != nil {
		if c.dhSecret != nil {
			c.dhSecret.Drop()
		}
		c.dhSecret = securebuf.FromBytes(newDHSecret[:])
		pub := *newDHPublic
		c.dhPublic = &pub
	}

	c.currentIndex = 0
	for _, mk := range c.cache {
		mk.Destroy()
	}
	c.cache = make(map[uint32]*MessageKey)

	if c.kind == Sender {
		c.isNewChain = true
	}
	return nil
}

// Prune discards cached keys older than the configured window, keeping
// only indices >= currentIndex - window + 1.
func (c *ChainStep) Prune(window uint32) {
	if window == 0 {
		window = c.cacheWindow
	}
	c.cacheWindow = window
	c.prune()
}

func (c *ChainStep) prune() {
	if c.currentIndex+1 < c.cacheWindow {
		return
	}
	floor := c.currentIndex - c.cacheWindow + 1
	for idx, mk := range c.cache {
		if idx < floor {
			mk.Destroy()
			delete(c.cache, idx)
		}
	}
}

// Destroy zeroes the chain key, DH secret, and every cached message key.
func (c *ChainStep) Destroy() {
	c.chainKey.Drop()
	if c.dhSecret != nil {
		c.dhSecret.Drop()
	}
	for _, mk := range c.cache {
		mk.Destroy()
	}
}
