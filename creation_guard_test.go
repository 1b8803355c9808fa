package requestpay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestCreationGuard_CheckAndMark(t *testing.T) {
	guard := NewCreationGuard(5 * time.Minute)
	id := NewRequestID()
	tx := common.HexToHash("0x123")

	// First call should return NotFound and mark in-flight
	status, result, done := guard.CheckAndMark(id)
	if status != CreationNotFound {
		t.Errorf("expected CreationNotFound, got %v", status)
	}
	if result != (common.Hash{}) {
		t.Error("expected zero hash for NotFound")
	}

	// Complete the submission
	guard.Complete(id, tx, done)

	// Second call should see the cached submission
	status, result, _ = guard.CheckAndMark(id)
	if status != CreationSubmitted {
		t.Errorf("expected CreationSubmitted, got %v", status)
	}
	if result != tx {
		t.Errorf("expected cached hash %s, got %s", tx, result)
	}
}

func TestCreationGuard_InFlight(t *testing.T) {
	guard := NewCreationGuard(5 * time.Minute)
	id := NewRequestID()

	status1, _, done1 := guard.CheckAndMark(id)
	if status1 != CreationNotFound {
		t.Errorf("expected CreationNotFound, got %v", status1)
	}

	// Second caller sees the in-flight creation
	status2, _, done2 := guard.CheckAndMark(id)
	if status2 != CreationInFlight {
		t.Errorf("expected CreationInFlight, got %v", status2)
	}
	if done1 != done2 {
		t.Error("expected waiters to share the in-flight channel")
	}

	// Completion wakes the waiter with the result
	tx := common.HexToHash("0xabc")
	go guard.Complete(id, tx, done1)

	result, err := guard.WaitForResult(context.Background(), id, done2)
	if err != nil {
		t.Fatalf("WaitForResult: %v", err)
	}
	if result != tx {
		t.Errorf("expected %s, got %s", tx, result)
	}
}

func TestCreationGuard_FailAllowsRetry(t *testing.T) {
	guard := NewCreationGuard(5 * time.Minute)
	id := NewRequestID()

	_, _, done := guard.CheckAndMark(id)
	guard.Fail(id, done)

	// Failure is not cached; the next caller owns a new in-flight slot
	status, _, done2 := guard.CheckAndMark(id)
	if status != CreationNotFound {
		t.Errorf("expected CreationNotFound after failure, got %v", status)
	}
	guard.Fail(id, done2)
}

func TestCreationGuard_WaitRespectsContext(t *testing.T) {
	guard := NewCreationGuard(5 * time.Minute)
	id := NewRequestID()

	_, _, done := guard.CheckAndMark(id)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := guard.WaitForResult(ctx, id, done); err == nil {
		t.Fatal("expected context error while creation is in flight")
	}
}

func TestCreationGuard_Expiry(t *testing.T) {
	guard := NewCreationGuard(10 * time.Millisecond)
	id := NewRequestID()

	_, _, done := guard.CheckAndMark(id)
	guard.Complete(id, common.HexToHash("0x123"), done)

	time.Sleep(20 * time.Millisecond)

	status, _, done2 := guard.CheckAndMark(id)
	if status != CreationNotFound {
		t.Errorf("expected expiry to clear the cached submission, got %v", status)
	}
	guard.Fail(id, done2)
}

func TestCreationGuard_ConcurrentSingleOwner(t *testing.T) {
	guard := NewCreationGuard(5 * time.Minute)
	id := NewRequestID()

	const callers = 32
	var owners int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, done := guard.CheckAndMark(id)
			if status == CreationNotFound {
				mu.Lock()
				owners++
				mu.Unlock()
				guard.Complete(id, common.HexToHash("0x1"), done)
			}
		}()
	}
	wg.Wait()

	if owners != 1 {
		t.Fatalf("expected exactly one in-flight owner, got %d", owners)
	}
}
