// Package indexer maintains the authoritative local view of which payment
// requests exist on-chain, materialized from ledger events. Creation checks
// read it synchronously; a false "not found" would cause a double-creation,
// so a broken event stream makes the indexer refuse queries instead.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	requestpay "github.com/offblocks/requestpay/go"
)

// EventKind distinguishes ledger log entries the indexer consumes.
type EventKind int

const (
	// KindCreated announces a new request on the ledger.
	KindCreated EventKind = iota
	// KindFulfilled announces that an existing request was paid.
	KindFulfilled
)

func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindFulfilled:
		return "fulfilled"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one ledger log entry in the request lifecycle. Seq is the
// producer-assigned position in the stream: consecutive, starting from the
// position the indexer was initialized with.
type Event struct {
	Kind      EventKind
	Seq       uint64
	ID        requestpay.RequestID
	Recipient common.Address
	Amount    *big.Int
}

// ErrStale is returned by queries after a gap was detected in the event
// stream. The view may be missing requests, so answers cannot be trusted
// until Resync.
var ErrStale = errors.New("indexer: event stream gap detected, view is stale")

type entry struct {
	recipient common.Address
	amount    *big.Int
	status    requestpay.RequestStatus
}

// Indexer applies ledger events in order and answers status queries.
// One goroutine writes (the event consumption loop); any number of
// goroutines read. Reads never observe a partially-applied event.
type Indexer struct {
	mu       sync.RWMutex
	requests map[requestpay.RequestID]*entry
	nextSeq  uint64
	stale    bool
	logger   *slog.Logger
}

// Option configures the indexer
type Option func(*Indexer)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Indexer) {
		ix.logger = logger
	}
}

// New creates an indexer expecting its first event at startSeq.
func New(startSeq uint64, opts ...Option) *Indexer {
	ix := &Indexer{
		requests: make(map[requestpay.RequestID]*entry),
		nextSeq:  startSeq,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(ix)
	}

	return ix
}

// Apply processes one ledger event. Events must arrive in ledger order:
//   - ev.Seq == next expected: applied, sequence advances
//   - ev.Seq < next expected: replay of an already-applied event, no-op
//   - ev.Seq > next expected: gap; the indexer marks itself stale and
//     returns ErrStale, as do all subsequent applies until Resync
//
// Applying the same event twice yields the same state as applying it once.
func (ix *Indexer) Apply(ev Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.stale {
		return ErrStale
	}

	switch {
	case ev.Seq < ix.nextSeq:
		// Replay of an event already reflected in the view
		ix.logger.Debug("ignoring replayed ledger event", "seq", ev.Seq, "next", ix.nextSeq)
		return nil
	case ev.Seq > ix.nextSeq:
		ix.stale = true
		ix.logger.Error("ledger event stream gap, marking index stale",
			"expected", ix.nextSeq, "got", ev.Seq)
		return ErrStale
	}

	ix.applyLocked(ev)
	ix.nextSeq++
	return nil
}

func (ix *Indexer) applyLocked(ev Event) {
	switch ev.Kind {
	case KindCreated:
		if _, exists := ix.requests[ev.ID]; exists {
			// The ledger rejects duplicate creations, so a second creation
			// for a known id can only be a replayed log entry.
			ix.logger.Debug("duplicate creation event", "request", ev.ID)
			return
		}
		ix.requests[ev.ID] = &entry{
			recipient: ev.Recipient,
			amount:    ev.Amount,
			status:    requestpay.StatusUnfulfilled,
		}
	case KindFulfilled:
		e, exists := ix.requests[ev.ID]
		if !exists {
			// Fulfillment of an unknown request should be impossible in a
			// gap-free stream
			ix.logger.Warn("fulfillment event for unknown request", "request", ev.ID)
			return
		}
		e.status = requestpay.StatusFulfilled
	}
}

// Status reports the indexed status of a request. The boolean is false when
// the id has never been created. Returns ErrStale when the view cannot be
// trusted; callers must refuse rather than treat that as "not found".
func (ix *Indexer) Status(id requestpay.RequestID) (requestpay.RequestStatus, bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.stale {
		return 0, false, ErrStale
	}

	e, exists := ix.requests[id]
	if !exists {
		return 0, false, nil
	}
	return e.status, true, nil
}

// Request returns the full indexed view of a request.
func (ix *Indexer) Request(id requestpay.RequestID) (*requestpay.PaymentRequest, bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.stale {
		return nil, false, ErrStale
	}

	e, exists := ix.requests[id]
	if !exists {
		return nil, false, nil
	}
	// The amount is copied so callers cannot mutate indexed state
	return &requestpay.PaymentRequest{
		ID:        id,
		Recipient: e.recipient,
		Amount:    new(big.Int).Set(e.amount),
		Status:    e.status,
	}, true, nil
}

// Stale reports whether a stream gap has been detected.
func (ix *Indexer) Stale() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.stale
}

// NextSeq returns the next event sequence the indexer expects.
func (ix *Indexer) NextSeq() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.nextSeq
}

// Resync discards the current view and accepts events again starting at
// startSeq. The caller is responsible for replaying the full event history
// from that position.
func (ix *Indexer) Resync(startSeq uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.requests = make(map[requestpay.RequestID]*entry)
	ix.nextSeq = startSeq
	ix.stale = false
	ix.logger.Info("index resynced", "start_seq", startSeq)
}

// Run consumes events until ctx is done or the channel closes. It keeps
// draining after a gap so the producer is never blocked, but every apply
// past the gap fails until Resync.
func (ix *Indexer) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := ix.Apply(ev); err != nil && !ix.Stale() {
				ix.logger.Error("applying ledger event", "seq", ev.Seq, "error", err)
			}
		}
	}
}

// Ensure Indexer satisfies the creation service's status dependency
var _ requestpay.StatusSource = (*Indexer)(nil)
