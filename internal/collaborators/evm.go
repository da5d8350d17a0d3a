package collaborators

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// EVMRPCClient talks to an EVM-compatible JSON-RPC endpoint using
// go-ethereum's rpc.Client directly, rather than ethclient: the faucet
// only needs a handful of calls (chain id, nonce, balance, fee suggestion,
// raw send), and raw eth_sendRawTransaction has no ethclient wrapper that
// returns the hash this package's interface wants.
type EVMRPCClient struct {
	client  *rpc.Client
	chainID *big.Int
}

// DialEVMRPCClient connects to endpoint and caches the remote chain ID.
func DialEVMRPCClient(ctx context.Context, endpoint string) (*EVMRPCClient, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("collaborators: dialing %s: %w", endpoint, err)
	}
	var chainIDHex hexutil.Big
	if err := client.CallContext(ctx, &chainIDHex, "eth_chainId"); err != nil {
		client.Close()
		return nil, fmt.Errorf("collaborators: fetching chain id: %w", err)
	}
	return &EVMRPCClient{client: client, chainID: (*big.Int)(&chainIDHex)}, nil
}

// ChainID returns the chain ID cached at dial time.
func (c *EVMRPCClient) ChainID() *big.Int { return c.chainID }

// GetNonce returns the pending-block transaction count for address.
func (c *EVMRPCClient) GetNonce(ctx context.Context, address [20]byte) (uint64, error) {
	var result hexutil.Uint64
	err := c.client.CallContext(ctx, &result, "eth_getTransactionCount", common.Address(address), "pending")
	return uint64(result), err
}

// GetBalance returns address's current balance, in wei.
func (c *EVMRPCClient) GetBalance(ctx context.Context, address [20]byte) (*big.Int, error) {
	var result hexutil.Big
	if err := c.client.CallContext(ctx, &result, "eth_getBalance", common.Address(address), "latest"); err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

// GetFeeSuggestion returns the network's current base fee (from the
// latest block header) and a priority-fee suggestion, in wei.
func (c *EVMRPCClient) GetFeeSuggestion(ctx context.Context) (baseFee, tip *big.Int, err error) {
	var head struct {
		BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := c.client.CallContext(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, nil, fmt.Errorf("collaborators: fetching latest header: %w", err)
	}
	if head.BaseFeePerGas == nil {
		return nil, nil, fmt.Errorf("collaborators: chain does not report EIP-1559 base fee")
	}

	var tipHex hexutil.Big
	if err := c.client.CallContext(ctx, &tipHex, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, nil, fmt.Errorf("collaborators: fetching priority fee: %w", err)
	}

	return (*big.Int)(head.BaseFeePerGas), (*big.Int)(&tipHex), nil
}

// SendRawTransaction submits a signed transaction and returns its hash.
func (c *EVMRPCClient) SendRawTransaction(ctx context.Context, rawTx []byte) ([32]byte, error) {
	var hash common.Hash
	if err := c.client.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(rawTx)); err != nil {
		return [32]byte{}, err
	}
	return hash, nil
}
