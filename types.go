package requestpay

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// RequestID identifies an on-chain payment request. It maps to a bytes32
// contract argument and has a compact 0x-hex string form for links and APIs.
type RequestID [32]byte

// NewRequestID returns a random request identifier.
func NewRequestID() RequestID {
	var id RequestID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("requestpay: reading random bytes: %v", err))
	}
	return id
}

// DecodeRequestID parses the compact string form of a request identifier.
// The input is 0x-prefixed hex of at most 32 bytes; shorter values are
// left-padded, matching big-endian numeric identifiers. Decoding is
// deterministic and failures are surfaced, never defaulted.
func DecodeRequestID(s string) (RequestID, error) {
	var id RequestID
	b, err := hexutil.Decode(s)
	if err != nil {
		return id, NewPaymentError(ErrCodeInvalidRequestID, fmt.Sprintf("invalid request id %q: %v", s, err), nil)
	}
	if len(b) == 0 || len(b) > 32 {
		return id, NewPaymentError(ErrCodeInvalidRequestID, fmt.Sprintf("invalid request id %q: must be 1-32 bytes", s), nil)
	}
	copy(id[32-len(b):], b)
	return id, nil
}

// String returns the compact 0x-hex form.
func (id RequestID) String() string {
	return hexutil.Encode(id[:])
}

// Hash returns the identifier as a 32-byte chain hash type, for use as a
// bytes32 contract argument.
func (id RequestID) Hash() common.Hash {
	return common.Hash(id)
}

// RequestStatus is the on-chain lifecycle status of a payment request.
// The ledger is the sole owner of this status; it transitions only via
// ledger events.
type RequestStatus int

const (
	StatusUnfulfilled RequestStatus = iota
	StatusFulfilled
)

func (s RequestStatus) String() string {
	switch s {
	case StatusUnfulfilled:
		return "unfulfilled"
	case StatusFulfilled:
		return "fulfilled"
	default:
		return fmt.Sprintf("RequestStatus(%d)", int(s))
	}
}

// PaymentRequest is an on-chain record representing an outstanding ask for
// payment. Immutable once created; Status reflects ledger events only.
type PaymentRequest struct {
	ID        RequestID
	Recipient common.Address
	Amount    *big.Int // base units, positive
	Metadata  []byte   // opaque extension point, placeholder today
	Status    RequestStatus
}

// PaymentTerms is the human-facing side of a payment as tracked by the
// off-chain gateway.
type PaymentTerms struct {
	ID              string          `json:"id"`
	DestinationName string          `json:"destinationName"`
	GatewayWalletID string          `json:"gatewayWalletId"`
	USDAmount       decimal.Decimal `json:"usdAmount"`
}

// CompletionReport tells the gateway that an on-chain transfer settled a
// payment. Sending it never affects ledger state.
type CompletionReport struct {
	PaymentID     string          `json:"id"`
	USDAmount     decimal.Decimal `json:"usdAmount"`
	PayerWalletID string          `json:"payerWalletId"`
}

// PaymentIntent is the client-local, ephemeral view of one payment attempt.
// It exists from terms fetch until the flow terminates and is never shared
// across attempts.
type PaymentIntent struct {
	PaymentID       string
	DestinationName string
	Destination     common.Address // gateway wallet receiving the transfer
	USDAmount       decimal.Decimal
	Payer           common.Address
}

// TransactionOutcome describes where a submitted transfer stands.
type TransactionOutcome int

const (
	OutcomeIdle TransactionOutcome = iota
	OutcomePending
	OutcomeConfirmed
	OutcomeFailed
)

func (o TransactionOutcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("TransactionOutcome(%d)", int(o))
	}
}

// tokenDecimals is the base-unit scale of the settlement asset (USDC-style
// six decimal places).
const tokenDecimals = 6

// DollarsToUnits converts a display-currency amount to ledger base units.
// Sub-unit precision is truncated.
func DollarsToUnits(d decimal.Decimal) *big.Int {
	return d.Shift(tokenDecimals).Truncate(0).BigInt()
}

// UnitsToDollars converts ledger base units back to a display amount.
func UnitsToDollars(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, -tokenDecimals)
}
