// Package evm implements the ledger surface on EVM chains: request
// creation, nonce-carrying transfers, confirmation polling, balance reads,
// and the request event stream the indexer consumes.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	requestpay "github.com/offblocks/requestpay/go"
	"github.com/offblocks/requestpay/go/fulfill"
	"github.com/offblocks/requestpay/go/indexer"
)

// requestContractABI is the payment-request registry. createRequest reverts
// when the id already exists, which is the authoritative duplicate check.
const requestContractABI = `[
	{"type":"function","name":"createRequest","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"recipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"metadata","type":"bytes"}
	],"outputs":[]},
	{"type":"event","name":"RequestCreated","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"recipient","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}
	],"anonymous":false},
	{"type":"event","name":"RequestFulfilled","inputs":[
		{"name":"id","type":"bytes32","indexed":true}
	],"anonymous":false}
]`

// walletContractABI is the payer's smart account. executeTransfer reverts
// on a previously consumed submission nonce, which makes resubmission safe.
const walletContractABI = `[
	{"type":"function","name":"executeTransfer","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"nonce","type":"bytes32"}
	],"outputs":[]}
]`

const tokenContractABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}
	],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	defaultPollInterval = 2 * time.Second
	defaultGasLimit     = 300_000
)

// Config configures the EVM ledger client
type Config struct {
	// RPC is the connected node client
	RPC *ethclient.Client

	// PrivateKeyHex is the hex-encoded signing key (with or without "0x")
	PrivateKeyHex string

	// ChainID of the target chain
	ChainID *big.Int

	// RequestContract is the payment-request registry address
	RequestContract common.Address

	// WalletContract is the payer's smart account address
	WalletContract common.Address

	// TokenContract is the settlement asset used for balance reads
	TokenContract common.Address

	// PollInterval between confirmation checks and event stream polls
	// (optional, defaults to 2s)
	PollInterval time.Duration

	// GasLimit per transaction (optional, defaults to 300k)
	GasLimit uint64
}

// logSource is the read surface the event stream polls. Satisfied by
// ethclient.Client.
type logSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Client submits transactions signed with a local ECDSA key.
type Client struct {
	rpc          *ethclient.Client
	logs         logSource
	key          *ecdsa.PrivateKey
	sender       common.Address
	chainID      *big.Int
	requests     common.Address
	wallet       common.Address
	token        common.Address
	pollInterval time.Duration
	gasLimit     uint64

	requestABI abi.ABI
	walletABI  abi.ABI
	tokenABI   abi.ABI

	createdTopic   common.Hash
	fulfilledTopic common.Hash
}

// NewClient creates an EVM ledger client.
func NewClient(config Config) (*Client, error) {
	if config.RPC == nil {
		return nil, fmt.Errorf("evm: RPC client is required")
	}
	if config.ChainID == nil {
		return nil, fmt.Errorf("evm: chain id is required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: invalid private key: %w", err)
	}

	requestABI, err := abi.JSON(strings.NewReader(requestContractABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parsing request ABI: %w", err)
	}
	walletABI, err := abi.JSON(strings.NewReader(walletContractABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parsing wallet ABI: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(tokenContractABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parsing token ABI: %w", err)
	}

	pollInterval := config.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	gasLimit := config.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	return &Client{
		rpc:            config.RPC,
		logs:           config.RPC,
		key:            key,
		sender:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:        config.ChainID,
		requests:       config.RequestContract,
		wallet:         config.WalletContract,
		token:          config.TokenContract,
		pollInterval:   pollInterval,
		gasLimit:       gasLimit,
		requestABI:     requestABI,
		walletABI:      walletABI,
		tokenABI:       tokenABI,
		createdTopic:   requestABI.Events["RequestCreated"].ID,
		fulfilledTopic: requestABI.Events["RequestFulfilled"].ID,
	}, nil
}

// Sender returns the address the client signs with.
func (c *Client) Sender() common.Address {
	return c.sender
}

// CreateRequest submits a request creation and returns the submission hash
// without waiting for confirmation.
func (c *Client) CreateRequest(ctx context.Context, id requestpay.RequestID, recipient common.Address, amount *big.Int, metadata []byte) (common.Hash, error) {
	data, err := c.requestABI.Pack("createRequest", id.Hash(), recipient, amount, metadata)
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing createRequest: %w", err)
	}
	return c.sendTransaction(ctx, c.requests, data)
}

// Transfer submits a nonce-carrying transfer through the payer's wallet
// contract.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount *big.Int, submissionNonce [32]byte) (common.Hash, error) {
	data, err := c.walletABI.Pack("executeTransfer", to, amount, submissionNonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing executeTransfer: %w %w", err, fulfill.ErrNotBroadcast)
	}
	return c.sendTransaction(ctx, c.wallet, data)
}

// sendTransaction signs and broadcasts a transaction. Failures before the
// broadcast are tagged ErrNotBroadcast so the caller knows the nonce is
// still unconsumed.
func (c *Client) sendTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	accountNonce, err := c.rpc.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("reading account nonce: %w %w", err, fulfill.ErrNotBroadcast)
	}

	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggesting gas price: %w %w", err, fulfill.ErrNotBroadcast)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    accountNonce,
		To:       &to,
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing transaction: %w %w", err, fulfill.ErrNotBroadcast)
	}

	// Past this point the outcome is ambiguous: the node may have accepted
	// the transaction even when the call errors
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcasting transaction: %w", err)
	}

	return signed.Hash(), nil
}

// WaitConfirmed polls until the transaction has a receipt or ctx is done.
// A reverted execution is an error; a missing receipt keeps polling.
func (c *Client) WaitConfirmed(ctx context.Context, tx common.Hash) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, tx)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted", tx)
			}
			return nil
		}
		// Missing receipt and transient RPC errors both keep polling;
		// only the context bounds the wait

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Balance reads the owner's settlement-token balance in base units.
func (c *Client) Balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := c.tokenABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}

	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}

	outputs, err := c.tokenABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("unpacking balanceOf: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", outputs[0])
	}
	return balance, nil
}

// StreamRequestEvents polls the request contract's logs from fromBlock and
// emits them on out in ledger order, numbered consecutively from startSeq.
// It blocks until ctx is done; transient RPC failures are retried on the
// next poll rather than ending the stream. A non-nil return means the
// stream stopped and the indexed view silently ages from that moment: the
// caller must restart the stream from a known position and Resync the
// indexer before its answers can be trusted again.
func (c *Client) StreamRequestEvents(ctx context.Context, fromBlock uint64, startSeq uint64, out chan<- indexer.Event) error {
	nextBlock := fromBlock
	seq := startSeq

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		head, err := c.logs.BlockNumber(ctx)
		if err == nil && head >= nextBlock {
			logs, err := c.logs.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(nextBlock),
				ToBlock:   new(big.Int).SetUint64(head),
				Addresses: []common.Address{c.requests},
				Topics:    [][]common.Hash{{c.createdTopic, c.fulfilledTopic}},
			})
			if err != nil {
				// Retry the same block range on the next tick
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
				continue
			}

			sort.Slice(logs, func(i, j int) bool {
				if logs[i].BlockNumber != logs[j].BlockNumber {
					return logs[i].BlockNumber < logs[j].BlockNumber
				}
				return logs[i].Index < logs[j].Index
			})

			for _, entry := range logs {
				ev, err := c.parseRequestLog(entry)
				if err != nil {
					return err
				}
				ev.Seq = seq

				select {
				case out <- ev:
					seq++
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			nextBlock = head + 1
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) parseRequestLog(entry types.Log) (indexer.Event, error) {
	if len(entry.Topics) < 2 {
		return indexer.Event{}, fmt.Errorf("request log missing id topic")
	}
	id := requestpay.RequestID(entry.Topics[1])

	switch entry.Topics[0] {
	case c.createdTopic:
		values, err := c.requestABI.Unpack("RequestCreated", entry.Data)
		if err != nil {
			return indexer.Event{}, fmt.Errorf("unpacking RequestCreated: %w", err)
		}
		recipient, ok := values[0].(common.Address)
		if !ok {
			return indexer.Event{}, fmt.Errorf("unexpected recipient type %T", values[0])
		}
		amount, ok := values[1].(*big.Int)
		if !ok {
			return indexer.Event{}, fmt.Errorf("unexpected amount type %T", values[1])
		}
		return indexer.Event{
			Kind:      indexer.KindCreated,
			ID:        id,
			Recipient: recipient,
			Amount:    amount,
		}, nil

	case c.fulfilledTopic:
		return indexer.Event{
			Kind: indexer.KindFulfilled,
			ID:   id,
		}, nil

	default:
		return indexer.Event{}, fmt.Errorf("unexpected request log topic %s", entry.Topics[0])
	}
}

// Compile-time interface checks
var (
	_ requestpay.Ledger        = (*Client)(nil)
	_ requestpay.BalanceSource = (*Client)(nil)
	_ fulfill.Sender           = (*Client)(nil)
)
