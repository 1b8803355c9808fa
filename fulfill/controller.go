// Package fulfill drives a payment from fetched terms through
// authorize, submit, and confirm, then reconciles the final state back to
// the off-chain gateway. The on-chain transfer is authoritative: once it
// confirms, nothing the gateway does can roll the flow back.
package fulfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	requestpay "github.com/offblocks/requestpay/go"
	"github.com/offblocks/requestpay/go/nonce"
)

// ErrNotBroadcast marks a submission failure where the transaction
// provably never reached the ledger (local validation, signing). Only then
// may a retry reuse the failed attempt's nonce.
var ErrNotBroadcast = errors.New("fulfill: transaction was not broadcast")

// Sender is the ledger submission surface the controller needs.
type Sender interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int, submissionNonce [32]byte) (common.Hash, error)
	WaitConfirmed(ctx context.Context, tx common.Hash) error
}

// insufficientFundsReason is the displayed reason when the authorize action
// is disabled.
const insufficientFundsReason = "Insufficient funds"

const (
	defaultConfirmTimeout = 90 * time.Second
	defaultReportAttempts = 2
	transitionBuffer      = 16
)

// Config configures a fulfillment controller
type Config struct {
	// Gateway fetches terms and receives the completion report.
	Gateway requestpay.Gateway

	// Sender submits transfers and waits for confirmation.
	Sender Sender

	// Balances reads the payer's spendable balance.
	Balances requestpay.BalanceSource

	// Nonces allocates submission nonces for this signer.
	Nonces *nonce.Manager

	// Payer is the wallet funding the transfer.
	Payer common.Address

	// FeeUnits is the quoted fee per transfer in base units (optional,
	// defaults to zero).
	FeeUnits *big.Int

	// ConfirmTimeout bounds the confirmation wait (optional, defaults to 90s).
	ConfirmTimeout time.Duration

	// ReportAttempts is how many times the completion report is tried
	// (optional, defaults to 2: one attempt plus one retry).
	ReportAttempts int

	// Logger for warnings (optional).
	Logger *slog.Logger
}

// Controller is the client-side orchestrator for one payment. It owns the
// PaymentIntent and nonce for the duration of the flow and publishes state
// transitions on a single-writer channel.
type Controller struct {
	cfg   Config
	terms *termsCache

	mu            sync.Mutex
	status        Status
	statusMsg     string
	authorizing   bool
	intent        *requestpay.PaymentIntent
	logicalKey    string
	lastNonce     *nonce.Nonce
	mayHaveLanded bool
	outcome       requestpay.TransactionOutcome
	reported      bool
	warning       string

	transitions chan Transition
}

// New creates a controller in Idle.
func New(cfg Config) (*Controller, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("fulfill: gateway is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("fulfill: sender is required")
	}
	if cfg.Balances == nil {
		return nil, fmt.Errorf("fulfill: balance source is required")
	}
	if cfg.Nonces == nil {
		return nil, fmt.Errorf("fulfill: nonce manager is required")
	}
	if cfg.FeeUnits == nil {
		cfg.FeeUnits = big.NewInt(0)
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.ReportAttempts == 0 {
		cfg.ReportAttempts = defaultReportAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		cfg:         cfg,
		terms:       newTermsCache(),
		status:      StatusIdle,
		outcome:     requestpay.OutcomeIdle,
		transitions: make(chan Transition, transitionBuffer),
	}, nil
}

// Load fetches the payment's terms and builds the intent. Terms are
// fetched once per payment id; a repeated Load reuses the cached terms
// without a gateway round trip. The display amount defaults to the fetched
// amount and is read-only in this flow.
func (c *Controller) Load(ctx context.Context, paymentID string) (*requestpay.PaymentIntent, error) {
	terms, ok := c.terms.get(paymentID)
	if !ok {
		fetched, err := c.cfg.Gateway.FetchTerms(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		c.terms.put(paymentID, fetched)
		terms = fetched
	}

	if !common.IsHexAddress(terms.GatewayWalletID) {
		return nil, fmt.Errorf("fulfill: gateway wallet id %q is not an address", terms.GatewayWalletID)
	}

	intent := &requestpay.PaymentIntent{
		PaymentID:       terms.ID,
		DestinationName: terms.DestinationName,
		Destination:     common.HexToAddress(terms.GatewayWalletID),
		USDAmount:       terms.USDAmount,
		Payer:           c.cfg.Payer,
	}

	c.mu.Lock()
	c.intent = intent
	c.mu.Unlock()

	out := *intent
	return &out, nil
}

// DisabledReason reports why the authorize action is unavailable, or ""
// when it may proceed. The total cost is the transfer amount plus fee,
// compared against the payer's balance.
func (c *Controller) DisabledReason(ctx context.Context) (string, error) {
	c.mu.Lock()
	intent := c.intent
	c.mu.Unlock()

	if intent == nil {
		return "", fmt.Errorf("fulfill: no payment loaded")
	}

	balance, err := c.cfg.Balances.Balance(ctx, c.cfg.Payer)
	if err != nil {
		return "", fmt.Errorf("fulfill: reading balance: %w", err)
	}

	total := new(big.Int).Add(requestpay.DollarsToUnits(intent.USDAmount), c.cfg.FeeUnits)
	if balance.Cmp(total) < 0 {
		return insufficientFundsReason, nil
	}
	return "", nil
}

// Authorize runs one payment attempt: balance gate, nonce allocation,
// transfer submission, bounded confirmation wait, and on success the
// completion report. Valid from Idle and Error only; Success is terminal.
//
// A disabled action (insufficient funds) returns without a transition and
// without allocating a nonce. A retry after an ambiguous failure allocates
// a fresh nonce; only a provably-unbroadcast attempt reuses its nonce.
func (c *Controller) Authorize(ctx context.Context) error {
	// Claim the attempt slot and check the state under one lock hold, so a
	// second Authorize racing past the gate can never submit a second
	// transfer for the same intent.
	c.mu.Lock()
	if c.authorizing {
		c.mu.Unlock()
		return fmt.Errorf("fulfill: an authorization is already in progress")
	}
	if c.status != StatusIdle && c.status != StatusError {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("fulfill: authorize not allowed from %s", status)
	}
	if c.intent == nil {
		c.mu.Unlock()
		return fmt.Errorf("fulfill: no payment loaded")
	}
	intent := *c.intent
	c.authorizing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.authorizing = false
		c.mu.Unlock()
	}()

	// Balance gate: no nonce, no transition when disabled
	reason, err := c.DisabledReason(ctx)
	if err != nil {
		return err
	}
	if reason != "" {
		return requestpay.NewPaymentError(requestpay.ErrCodeInsufficientFunds, reason, nil)
	}

	n := c.nonceForAttempt()

	c.transitionTo(StatusLoading, "")
	amount := requestpay.DollarsToUnits(intent.USDAmount)

	tx, err := c.cfg.Sender.Transfer(ctx, intent.Destination, amount, n.Token())
	if err != nil {
		c.recordFailure(n, !errors.Is(err, ErrNotBroadcast))
		msg := fmt.Sprintf("transfer submission failed: %v", err)
		c.transitionTo(StatusError, msg)
		return requestpay.NewPaymentError(requestpay.ErrCodeSubmissionFailed, msg, nil)
	}

	c.setOutcome(requestpay.OutcomePending)

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	err = c.cfg.Sender.WaitConfirmed(waitCtx, tx)
	cancel()

	switch {
	case err == nil:
		// Confirmed: the nonce is consumed and the transfer is irreversible
		c.consumeNonce()
		c.setOutcome(requestpay.OutcomeConfirmed)
		c.transitionTo(StatusSuccess, "")
		c.reportCompletion(ctx, intent)
		return nil

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// The bound elapsed. The transaction may still land, so the outcome
		// is unknown, not asserted as failure.
		c.recordFailure(n, true)
		msg := "confirmation timed out; the transfer may still complete, check before retrying"
		c.transitionTo(StatusError, msg)
		return requestpay.NewPaymentError(requestpay.ErrCodeConfirmationTimeout, msg, nil)

	case ctx.Err() != nil:
		// User abandoned the attempt. Stop waiting, but the broadcast
		// transaction cannot be recalled.
		c.recordFailure(n, true)
		c.transitionTo(StatusError, "payment abandoned before confirmation")
		return ctx.Err()

	default:
		// The ledger executed and rejected the transfer; the nonce is spent
		c.recordFailure(n, true)
		c.setOutcome(requestpay.OutcomeFailed)
		msg := fmt.Sprintf("transfer failed on ledger: %v", err)
		c.transitionTo(StatusError, msg)
		return requestpay.NewPaymentError(requestpay.ErrCodeSubmissionFailed, msg, nil)
	}
}

// reportCompletion notifies the gateway exactly once after Success. A
// failed report never rolls the flow back: the money has already moved.
// The last failure is retained as a non-blocking warning.
func (c *Controller) reportCompletion(ctx context.Context, intent requestpay.PaymentIntent) {
	c.mu.Lock()
	if c.reported {
		c.mu.Unlock()
		return
	}
	c.reported = true
	c.mu.Unlock()

	report := requestpay.CompletionReport{
		PaymentID:     intent.PaymentID,
		USDAmount:     intent.USDAmount,
		PayerWalletID: intent.Payer.Hex(),
	}

	// The report must survive the caller abandoning the flow post-confirm
	reportCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt < c.cfg.ReportAttempts; attempt++ {
		if lastErr = c.cfg.Gateway.ReportCompletion(reportCtx, report); lastErr == nil {
			return
		}
		c.cfg.Logger.Warn("completion report failed",
			"payment", intent.PaymentID, "attempt", attempt+1, "error", lastErr)
	}

	c.mu.Lock()
	c.warning = fmt.Sprintf("payment settled on-chain, but reporting to the gateway failed: %v", lastErr)
	c.mu.Unlock()
}

// nonceForAttempt returns the submission nonce for this attempt: the prior
// attempt's nonce when that attempt provably never reached the ledger,
// otherwise a freshly allocated one.
func (c *Controller) nonceForAttempt() nonce.Nonce {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastNonce != nil && !c.mayHaveLanded {
		return *c.lastNonce
	}
	if c.logicalKey == "" {
		c.logicalKey = nonce.NewLogicalKey()
	}
	n := c.cfg.Nonces.Allocate(nonce.OpSend, c.logicalKey)
	c.lastNonce = &n
	c.mayHaveLanded = false
	return n
}

func (c *Controller) recordFailure(n nonce.Nonce, mayHaveLanded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastNonce = &n
	c.mayHaveLanded = mayHaveLanded
}

func (c *Controller) consumeNonce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastNonce = nil
	c.mayHaveLanded = false
}

func (c *Controller) setOutcome(o requestpay.TransactionOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = o
}

// transitionTo moves the state machine and publishes the transition. The
// controller is the only writer on the channel; a slow observer drops
// transitions rather than blocking the flow.
func (c *Controller) transitionTo(to Status, message string) {
	c.mu.Lock()
	from := c.status
	c.status = to
	c.statusMsg = message
	c.mu.Unlock()

	t := Transition{From: from, To: to, Message: message, At: time.Now()}
	select {
	case c.transitions <- t:
	default:
		c.cfg.Logger.Debug("dropping transition, observer not keeping up", "to", to.String())
	}
}

// Status returns the current state and its human-readable message.
func (c *Controller) Status() (Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.statusMsg
}

// Outcome returns where the submitted transfer stands.
func (c *Controller) Outcome() requestpay.TransactionOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Warning returns the non-blocking warning from a failed completion
// report, or "" when there is none.
func (c *Controller) Warning() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warning
}

// Transitions is the observer channel for state machine steps.
func (c *Controller) Transitions() <-chan Transition {
	return c.transitions
}
