package requestpay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the write surface of the underlying chain. Implementations
// submit transactions and report confirmation; they never mutate request
// status directly — that happens on-chain and flows back via events.
type Ledger interface {
	// CreateRequest submits a request-creation transaction and returns the
	// submission hash. It does not wait for confirmation; the ledger itself
	// rejects a second creation with the same id.
	CreateRequest(ctx context.Context, id RequestID, recipient common.Address, amount *big.Int, metadata []byte) (common.Hash, error)

	// Transfer submits a token transfer carrying a 32-byte submission nonce.
	// The ledger de-duplicates on the nonce: resubmitting with the same
	// nonce cannot execute twice.
	Transfer(ctx context.Context, to common.Address, amount *big.Int, submissionNonce [32]byte) (common.Hash, error)

	// WaitConfirmed blocks until the transaction is confirmed or ctx is
	// done. A nil return means the ledger executed the transaction
	// successfully; any other outcome is an error.
	WaitConfirmed(ctx context.Context, tx common.Hash) error
}

// BalanceSource reads an account's spendable balance in base units.
type BalanceSource interface {
	Balance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Gateway is the off-chain payment gateway contract. Both operations are
// fallible network calls with no side effects on the ledger; their failure
// never blocks or reverses on-chain state.
type Gateway interface {
	// FetchTerms returns the human-facing terms for a payment.
	FetchTerms(ctx context.Context, paymentID string) (*PaymentTerms, error)

	// ReportCompletion records an on-chain settlement with the gateway.
	ReportCompletion(ctx context.Context, report CompletionReport) error
}

// StatusSource answers request-status queries from locally indexed ledger
// events. The boolean reports presence; the error is non-nil when the view
// cannot be trusted (stale indexer).
type StatusSource interface {
	Status(id RequestID) (RequestStatus, bool, error)
}
