// Package collaborators declares the small interfaces the core depends on
// for Bitcoin indexing and EVM JSON-RPC access. The batching and dispatch
// logic is written against these interfaces so it can be exercised with
// fakes in tests, independent of any one indexer or RPC provider.
package collaborators

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcutil"
)

// UTXO is one spendable output the L1 wallet can select as a batch input.
// The indexer reports only the outpoint and value; the wallet owns a
// single spending address, so its pkScript is derived locally from the
// wallet's own descriptor rather than carried here.
type UTXO struct {
	TxID          string
	Vout          uint32
	Amount        btcutil.Amount
	Confirmations int64
}

// EsploraClient is the Bitcoin indexer collaborator interface the L1
// wallet batches against.
type EsploraClient interface {
	// GetFeerate returns the current recommended feerate in
	// satoshis-per-virtual-byte.
	GetFeerate(ctx context.Context) (float64, error)
	// GetUTXOs returns the spendable outputs for descriptor.
	GetUTXOs(ctx context.Context, descriptor string) ([]UTXO, error)
	// Broadcast submits a raw signed transaction and returns its txid.
	Broadcast(ctx context.Context, txBytes []byte) (string, error)
}

// EVMClient is the EVM JSON-RPC collaborator interface the L2 dispatcher
// submits transactions through.
type EVMClient interface {
	// GetNonce returns the pending-block transaction count for address.
	GetNonce(ctx context.Context, address [20]byte) (uint64, error)
	// GetBalance returns address's current balance, in wei.
	GetBalance(ctx context.Context, address [20]byte) (*big.Int, error)
	// GetFeeSuggestion returns the network's current base fee and tip
	// suggestion, in wei.
	GetFeeSuggestion(ctx context.Context) (baseFee, tip *big.Int, err error)
	// SendRawTransaction submits a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, rawTx []byte) ([32]byte, error)
}
