package requestpay

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// requestMetadataPlaceholder is the metadata written with every creation.
// The field is an opaque, versioned extension point; richer request
// metadata will define its structure.
var requestMetadataPlaceholder = []byte{0x00}

// defaultGuardTTL bounds how long a cached submission hash suppresses
// duplicate creations before the indexer takes over.
const defaultGuardTTL = 10 * time.Minute

// RequestService validates and submits new payment requests to the ledger,
// using a locally indexed view to enforce one-time creation. The indexer
// check is an optimistic de-duplication: the ledger itself rejects a second
// creation with the same id, the local check just avoids paying for a
// doomed submission.
type RequestService struct {
	ledger   Ledger
	statuses StatusSource
	guard    *CreationGuard
	logger   *slog.Logger

	beforeCreateHooks  []BeforeCreateHook
	afterCreateHooks   []AfterCreateHook
	createFailureHooks []OnCreateFailureHook
}

// ServiceOption configures the request service
type ServiceOption func(*RequestService)

// WithGuardTTL sets how long successful submissions stay cached in the
// per-id creation guard.
func WithGuardTTL(ttl time.Duration) ServiceOption {
	return func(s *RequestService) {
		s.guard = NewCreationGuard(ttl)
	}
}

// WithLogger sets the structured logger used for hook failures.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *RequestService) {
		s.logger = logger
	}
}

// NewRequestService creates a request creation service backed by the given
// ledger and status source.
func NewRequestService(ledger Ledger, statuses StatusSource, opts ...ServiceOption) *RequestService {
	s := &RequestService{
		ledger:   ledger,
		statuses: statuses,
		guard:    NewCreationGuard(defaultGuardTTL),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// OnBeforeCreate adds a before-create hook.
func (s *RequestService) OnBeforeCreate(hook BeforeCreateHook) *RequestService {
	s.beforeCreateHooks = append(s.beforeCreateHooks, hook)
	return s
}

// OnAfterCreate adds an after-create hook.
func (s *RequestService) OnAfterCreate(hook AfterCreateHook) *RequestService {
	s.afterCreateHooks = append(s.afterCreateHooks, hook)
	return s
}

// OnCreateFailure adds a create-failure hook.
func (s *RequestService) OnCreateFailure(hook OnCreateFailureHook) *RequestService {
	s.createFailureHooks = append(s.createFailureHooks, hook)
	return s
}

// CreateRequest decodes idString, verifies the id is unused, and submits a
// creation transaction to the ledger. It returns the submission hash
// without waiting for confirmation; confirmation is the caller's
// responsibility.
//
// Duplicate handling, in order:
//  1. The indexer is queried locally; a known id fails with already_exists
//     and no ledger submission is issued. A stale indexer refuses with
//     indexer_stale rather than risk a false negative.
//  2. The per-id guard collapses concurrent creations: of two racing calls
//     for the same id, exactly one reaches the ledger and the other
//     returns the winner's submission hash.
//  3. The ledger itself rejects a second creation with the same id; that
//     is the authoritative check.
func (s *RequestService) CreateRequest(ctx context.Context, idString string, recipient common.Address, amount *big.Int) (common.Hash, error) {
	id, err := DecodeRequestID(idString)
	if err != nil {
		return common.Hash{}, err
	}

	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, NewPaymentError(ErrCodeInvalidAmount, "amount must be a positive integer in base units", nil)
	}

	// Verify the id is unused
	if _, found, err := s.statuses.Status(id); err != nil {
		return common.Hash{}, NewPaymentError(ErrCodeIndexerStale, fmt.Sprintf("request index unavailable: %v", err), nil)
	} else if found {
		return common.Hash{}, NewPaymentError(ErrCodeAlreadyExists, fmt.Sprintf("request id %s already exists", id), nil)
	}

	// Collapse concurrent creations for the same id
	status, cached, done := s.guard.CheckAndMark(id)
	switch status {
	case CreationSubmitted:
		// This process already submitted the creation; hand back the
		// same hash instead of burning a doomed second transaction
		return cached, nil
	case CreationInFlight:
		winner, err := s.guard.WaitForResult(ctx, id, done)
		if err != nil {
			return common.Hash{}, err
		}
		if winner == (common.Hash{}) {
			return common.Hash{}, NewPaymentError(ErrCodeSubmissionFailed, fmt.Sprintf("concurrent creation of %s failed, retry", id), nil)
		}
		return winner, nil
	case CreationNotFound:
		// This caller owns the in-flight slot, proceed with submission
	}

	createCtx := CreateContext{
		Ctx:       ctx,
		ID:        id,
		Recipient: recipient,
		Amount:    amount,
		Timestamp: time.Now(),
	}

	for _, hook := range s.beforeCreateHooks {
		result, err := hook(createCtx)
		if err != nil {
			s.guard.Fail(id, done)
			return common.Hash{}, fmt.Errorf("before-create hook: %w", err)
		}
		if result != nil && result.Abort {
			s.guard.Fail(id, done)
			return common.Hash{}, NewPaymentError(ErrCodeSubmissionFailed, "creation aborted: "+result.Reason, nil)
		}
	}

	start := time.Now()
	tx, err := s.ledger.CreateRequest(ctx, id, recipient, amount, requestMetadataPlaceholder)
	if err != nil {
		// Don't cache failures - allow retries
		s.guard.Fail(id, done)
		s.runCreateFailureHooks(createCtx, err, time.Since(start))
		return common.Hash{}, NewPaymentError(ErrCodeSubmissionFailed, fmt.Sprintf("create request submission failed: %v", err), nil)
	}

	s.guard.Complete(id, tx, done)
	s.runAfterCreateHooks(createCtx, tx, time.Since(start))
	return tx, nil
}

func (s *RequestService) runAfterCreateHooks(createCtx CreateContext, tx common.Hash, dur time.Duration) {
	resultCtx := CreateResultContext{
		CreateContext: createCtx,
		Transaction:   tx,
		Duration:      dur,
	}
	for _, hook := range s.afterCreateHooks {
		if err := hook(resultCtx); err != nil {
			s.logger.Warn("after-create hook failed", "request", createCtx.ID, "error", err)
		}
	}
}

func (s *RequestService) runCreateFailureHooks(createCtx CreateContext, cause error, dur time.Duration) {
	failureCtx := CreateFailureContext{
		CreateContext: createCtx,
		Error:         cause,
		Duration:      dur,
	}
	for _, hook := range s.createFailureHooks {
		if err := hook(failureCtx); err != nil {
			s.logger.Warn("create-failure hook failed", "request", createCtx.ID, "error", err)
		}
	}
}
