// Package nonce issues typed, non-reusable submission identifiers for
// outgoing transactions. A retried submission that reuses a consumed nonce
// is rejected or de-duplicated by the ledger, so a user re-tap after a slow
// network call can never execute the same transfer twice.
package nonce

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// OperationType tags what kind of submission a nonce authorizes.
type OperationType string

const (
	// OpSend is a token transfer initiated by the payer.
	OpSend OperationType = "send"
	// OpCreateRequest is an on-chain request creation.
	OpCreateRequest OperationType = "createRequest"
)

// Nonce is a per-signer submission token, unique per (operation-type,
// logical-key) pair. It is consumed exactly once by a successful on-chain
// transaction and must not be reused once that transaction may have landed.
type Nonce struct {
	Type OperationType
	Key  string
	Seq  uint64
}

// Token derives the 32-byte on-chain form of the nonce. The derivation is
// deterministic, so the same Nonce always maps to the same ledger identity.
func (n Nonce) Token() [32]byte {
	h := sha256.New()
	h.Write([]byte(n.Type))
	h.Write([]byte{0})
	h.Write([]byte(n.Key))
	h.Write([]byte{0})
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], n.Seq)
	h.Write(seq[:])

	var token [32]byte
	copy(token[:], h.Sum(nil))
	return token
}

// String returns the hex form of the on-chain token.
func (n Nonce) String() string {
	token := n.Token()
	return hexutil.Encode(token[:])
}

// NewLogicalKey returns a fresh logical key for one user-initiated action.
func NewLogicalKey() string {
	return uuid.NewString()
}

// Manager allocates nonces with a collision-free sequence per
// (operation-type, logical-key) pair. Allocation is local state derivation
// only; it cannot fail.
type Manager struct {
	mu   sync.Mutex
	seqs map[string]*uint64
}

// NewManager creates an empty nonce manager scoped to one signer.
func NewManager() *Manager {
	return &Manager{
		seqs: make(map[string]*uint64),
	}
}

// Allocate returns the next nonce for the given operation type and logical
// key. Concurrent allocations for the same key never return an equal nonce:
// the sequence advances atomically per key, and the map lock is held only
// to locate the counter, not across allocations for other keys.
func (m *Manager) Allocate(op OperationType, logicalKey string) Nonce {
	seq := atomic.AddUint64(m.counter(op, logicalKey), 1)
	return Nonce{
		Type: op,
		Key:  logicalKey,
		Seq:  seq,
	}
}

func (m *Manager) counter(op OperationType, logicalKey string) *uint64 {
	mapKey := string(op) + "\x00" + logicalKey

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.seqs[mapKey]
	if !ok {
		c = new(uint64)
		m.seqs[mapKey] = c
	}
	return c
}
