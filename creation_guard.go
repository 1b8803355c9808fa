package requestpay

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// submission is a cached creation outcome. After expiresAt the entry is
// dropped; by then the creation event has landed and the indexer answers
// duplicate checks instead.
type submission struct {
	tx        common.Hash
	expiresAt time.Time
}

// CreationGuard collapses concurrent creations of the same request id into
// one ledger submission. The first caller through CheckAndMark owns the
// submission; everyone racing it waits on the owner and shares its hash.
// Only successes are cached, so a failed attempt leaves the id open.
type CreationGuard struct {
	mu        sync.Mutex
	ttl       time.Duration
	submitted map[RequestID]submission
	inFlight  map[RequestID]chan struct{}
}

// NewCreationGuard creates a guard whose cached submissions expire after
// ttl. The TTL bounds memory, not correctness: the ledger rejects a
// duplicate creation regardless.
func NewCreationGuard(ttl time.Duration) *CreationGuard {
	return &CreationGuard{
		ttl:       ttl,
		submitted: make(map[RequestID]submission),
		inFlight:  make(map[RequestID]chan struct{}),
	}
}

// CreationStatus is what CheckAndMark found for an id.
type CreationStatus int

const (
	// CreationNotFound: the caller now owns the submission slot.
	CreationNotFound CreationStatus = iota
	// CreationSubmitted: a recent submission exists, its hash is returned.
	CreationSubmitted
	// CreationInFlight: another caller owns the slot; wait on the channel.
	CreationInFlight
)

// CheckAndMark claims the submission slot for id. Exactly one concurrent
// caller gets CreationNotFound and must finish with Complete or Fail on
// the returned channel; the rest observe the cached hash or the owner's
// in-flight channel.
func (g *CreationGuard) CheckAndMark(id RequestID) (CreationStatus, common.Hash, chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(time.Now())

	if sub, ok := g.submitted[id]; ok {
		return CreationSubmitted, sub.tx, nil
	}
	if done, ok := g.inFlight[id]; ok {
		return CreationInFlight, common.Hash{}, done
	}

	done := make(chan struct{})
	g.inFlight[id] = done
	return CreationNotFound, common.Hash{}, done
}

// WaitForResult blocks until the owning caller finishes or ctx is done.
// The zero hash means the owner failed and the id is open for a retry.
func (g *CreationGuard) WaitForResult(ctx context.Context, id RequestID, done chan struct{}) (common.Hash, error) {
	select {
	case <-done:
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.submitted[id]
	if !ok || time.Now().After(sub.expiresAt) {
		return common.Hash{}, nil
	}
	return sub.tx, nil
}

// Complete records the owner's submission hash and releases waiters.
func (g *CreationGuard) Complete(id RequestID, tx common.Hash, done chan struct{}) {
	g.mu.Lock()
	g.submitted[id] = submission{tx: tx, expiresAt: time.Now().Add(g.ttl)}
	delete(g.inFlight, id)
	g.mu.Unlock()

	close(done)
}

// Fail releases waiters without caching anything. The next CheckAndMark
// for this id hands out a fresh slot.
func (g *CreationGuard) Fail(id RequestID, done chan struct{}) {
	g.mu.Lock()
	delete(g.inFlight, id)
	g.mu.Unlock()

	close(done)
}

func (g *CreationGuard) sweepLocked(now time.Time) {
	for id, sub := range g.submitted {
		if now.After(sub.expiresAt) {
			delete(g.submitted, id)
		}
	}
}
