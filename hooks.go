package requestpay

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ============================================================================
// Creation Hook Context Types
// ============================================================================

// CreateContext contains information passed to request-creation hooks
type CreateContext struct {
	Ctx       context.Context
	ID        RequestID
	Recipient common.Address
	Amount    *big.Int
	Timestamp time.Time
}

// CreateResultContext contains the creation result and context
type CreateResultContext struct {
	CreateContext
	Transaction common.Hash
	Duration    time.Duration
}

// CreateFailureContext contains the creation failure and context
type CreateFailureContext struct {
	CreateContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Creation Hook Function Types
// ============================================================================

// BeforeCreateHookResult represents the result of a "before" hook.
// If Abort is true, the creation is aborted with the given Reason
type BeforeCreateHookResult struct {
	Abort  bool
	Reason string
}

// BeforeCreateHook is called after validation and the indexer check, before
// the ledger submission. Returning Abort=true skips the submission.
type BeforeCreateHook func(CreateContext) (*BeforeCreateHookResult, error)

// AfterCreateHook is called after a successful ledger submission.
// Any error returned is logged but does not affect the creation result
type AfterCreateHook func(CreateResultContext) error

// OnCreateFailureHook is called when the ledger submission fails.
// Any error returned is logged; the original failure is still returned
type OnCreateFailureHook func(CreateFailureContext) error
