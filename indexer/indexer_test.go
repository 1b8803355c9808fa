package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	requestpay "github.com/offblocks/requestpay/go"
)

func created(seq uint64, id requestpay.RequestID) Event {
	return Event{
		Kind:      KindCreated,
		Seq:       seq,
		ID:        id,
		Recipient: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Amount:    big.NewInt(10_000_000),
	}
}

func fulfilled(seq uint64, id requestpay.RequestID) Event {
	return Event{Kind: KindFulfilled, Seq: seq, ID: id}
}

func TestApply_CreationThenFulfillment(t *testing.T) {
	ix := New(0)
	id := requestpay.NewRequestID()

	if err := ix.Apply(created(0, id)); err != nil {
		t.Fatalf("apply creation: %v", err)
	}

	status, found, err := ix.Status(id)
	if err != nil || !found {
		t.Fatalf("expected request present, found=%v err=%v", found, err)
	}
	if status != requestpay.StatusUnfulfilled {
		t.Fatalf("expected unfulfilled, got %v", status)
	}

	if err := ix.Apply(fulfilled(1, id)); err != nil {
		t.Fatalf("apply fulfillment: %v", err)
	}

	status, _, _ = ix.Status(id)
	if status != requestpay.StatusFulfilled {
		t.Fatalf("expected fulfilled, got %v", status)
	}
}

func TestApply_ReplayIsIdempotent(t *testing.T) {
	ix := New(0)
	id := requestpay.NewRequestID()

	ev := created(0, id)
	if err := ix.Apply(ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	req, _, _ := ix.Request(id)

	// Replaying the same event must be a no-op, not a duplicate entry
	if err := ix.Apply(ev); err != nil {
		t.Fatalf("replay apply: %v", err)
	}

	replayed, found, err := ix.Request(id)
	if err != nil || !found {
		t.Fatalf("expected request present after replay, found=%v err=%v", found, err)
	}
	if replayed.Status != req.Status || replayed.Recipient != req.Recipient {
		t.Fatal("replay changed indexed state")
	}
	if ix.NextSeq() != 1 {
		t.Fatalf("replay advanced sequence, next=%d", ix.NextSeq())
	}
}

func TestApply_GapMarksStale(t *testing.T) {
	ix := New(0)
	id := requestpay.NewRequestID()

	if err := ix.Apply(created(0, id)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Seq 1 never arrives
	if err := ix.Apply(created(2, requestpay.NewRequestID())); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale on gap, got %v", err)
	}
	if !ix.Stale() {
		t.Fatal("expected indexer stale after gap")
	}

	// Queries must refuse, including for ids that were indexed before the gap
	if _, _, err := ix.Status(id); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale from Status, got %v", err)
	}
	if _, _, err := ix.Request(id); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale from Request, got %v", err)
	}

	// Further applies refuse too
	if err := ix.Apply(created(3, requestpay.NewRequestID())); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale on apply while stale, got %v", err)
	}
}

func TestResync_ClearsStaleView(t *testing.T) {
	ix := New(0)
	oldID := requestpay.NewRequestID()

	_ = ix.Apply(created(0, oldID))
	_ = ix.Apply(created(5, requestpay.NewRequestID())) // gap

	ix.Resync(0)
	if ix.Stale() {
		t.Fatal("expected resync to clear stale flag")
	}

	// The old view is discarded; history replays from scratch
	if _, found, err := ix.Status(oldID); err != nil || found {
		t.Fatalf("expected empty view after resync, found=%v err=%v", found, err)
	}

	newID := requestpay.NewRequestID()
	if err := ix.Apply(created(0, newID)); err != nil {
		t.Fatalf("apply after resync: %v", err)
	}
	if _, found, _ := ix.Status(newID); !found {
		t.Fatal("expected request indexed after resync")
	}
}

func TestRequest_AmountIsACopy(t *testing.T) {
	ix := New(0)
	id := requestpay.NewRequestID()

	if err := ix.Apply(created(0, id)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	req, _, err := ix.Request(id)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	req.Amount.SetInt64(0)

	fresh, _, _ := ix.Request(id)
	if fresh.Amount.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("caller mutation leaked into the index, amount=%s", fresh.Amount)
	}
}

func TestApply_FulfillmentForUnknownRequest(t *testing.T) {
	ix := New(0)

	// Should not panic or corrupt state
	if err := ix.Apply(fulfilled(0, requestpay.NewRequestID())); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ix.NextSeq() != 1 {
		t.Fatalf("expected sequence advanced, next=%d", ix.NextSeq())
	}
}

func TestRun_ConsumesConcurrentlyWithQueries(t *testing.T) {
	ix := New(0)
	events := make(chan Event)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ix.Run(ctx, events)
	}()

	ids := make([]requestpay.RequestID, 50)
	for i := range ids {
		ids[i] = requestpay.NewRequestID()
	}

	// Query concurrently while the consume loop applies events
	queryDone := make(chan struct{})
	go func() {
		defer close(queryDone)
		for i := 0; i < 500; i++ {
			_, _, _ = ix.Status(ids[i%len(ids)])
		}
	}()

	for i, id := range ids {
		events <- created(uint64(i), id)
	}
	close(events)
	wg.Wait()
	<-queryDone

	for _, id := range ids {
		if _, found, err := ix.Status(id); err != nil || !found {
			t.Fatalf("expected all events applied, found=%v err=%v", found, err)
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ix := New(0)
	events := make(chan Event)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ix.Run(ctx, events)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
