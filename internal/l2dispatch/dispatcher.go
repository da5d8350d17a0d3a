// Package l2dispatch implements the EVM L2 payout path: one
// single-threaded nonce allocator serializes claims into individual
// dynamic-fee value-transfer transactions, signed and submitted one at a
// time so the chain never observes a nonce gap the faucet itself created.
package l2dispatch

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/alpenlabs/faucet-api/internal/collaborators"
)

// transferGas is the fixed gas limit for a plain value transfer to an
// externally-owned account.
const transferGas = 21000

// ErrBusy is returned by Submit when the claim queue is full.
var ErrBusy = errors.New("l2dispatch: dispatch queue is full, try again shortly")

// ErrSigningFailed marks a claim whose transaction could not be signed,
// a condition no amount of retrying will fix.
var ErrSigningFailed = errors.New("l2dispatch: terminal signing failure")

type claimRequest struct {
	to     common.Address
	amount *big.Int
	result chan dispatchResult
}

// dispatchResult is what a claimRequest resolves to: the hash of the
// transaction that was submitted, or the error dispatch failed with.
type dispatchResult struct {
	hash common.Hash
	err  error
}

// Config configures a Dispatcher.
type Config struct {
	ChainID *big.Int
	Key     *ecdsa.PrivateKey
	From    common.Address

	EVM collaborators.EVMClient

	QueueSize      int
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Dispatcher serializes L2 claims through a single goroutine holding the
// faucet's EVM nonce, so concurrent claims never race over nonce
// assignment.
type Dispatcher struct {
	cfg    Config
	log    log.Logger
	nonce  uint64
	queue  chan claimRequest
	stop   chan struct{}
	done   chan struct{}
}

// New constructs a Dispatcher. Call Run to start the allocator goroutine.
func New(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 250
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Dispatcher{
		cfg:   cfg,
		log:   log.Root().New("component", "l2dispatch"),
		queue: make(chan claimRequest, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Submit enqueues a claim and blocks until it has been dispatched (or
// permanently failed), returning the hash of the submitted transaction.
// The caller's HTTP request naturally bounds how long it is willing to
// wait.
func (d *Dispatcher) Submit(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	req := claimRequest{to: to, amount: amount, result: make(chan dispatchResult, 1)}
	select {
	case d.queue <- req:
	default:
		return common.Hash{}, ErrBusy
	}
	select {
	case res := <-req.result:
		return res.hash, res.err
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
}

// Run resyncs the starting nonce from the chain, then serially drains the
// claim queue until Stop is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	nonce, err := d.cfg.EVM.GetNonce(ctx, d.cfg.From)
	if err != nil {
		return fmt.Errorf("l2dispatch: fetching starting nonce: %w", err)
	}
	d.nonce = nonce

	for {
		select {
		case <-d.stop:
			d.drain()
			return nil
		case <-ctx.Done():
			d.drain()
			return nil
		case req := <-d.queue:
			hash, err := d.dispatchOne(ctx, req)
			req.result <- dispatchResult{hash: hash, err: err}
		}
	}
}

// drain fails every request still sitting in the queue once shutdown has
// begun, so no caller blocks forever waiting on a result that will never
// come.
func (d *Dispatcher) drain() {
	for {
		select {
		case req := <-d.queue:
			req.result <- dispatchResult{err: errors.New("l2dispatch: dispatcher is shutting down")}
		default:
			return
		}
	}
}

// Stop signals Run to drain the queue and exit, blocking until it has.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

// QueueLen reports how many claims are currently waiting for dispatch.
func (d *Dispatcher) QueueLen() int { return len(d.queue) }

// dispatchOne builds, signs and submits req at the allocator's current
// nonce. If the node rejects the submission as a nonce mismatch — the
// allocator's view of the chain has drifted, typically because an earlier
// transaction never reached the mempool — it resyncs the nonce from the
// chain and retries exactly once at the corrected value.
func (d *Dispatcher) dispatchOne(ctx context.Context, req claimRequest) (common.Hash, error) {
	hash, err := d.trySubmit(ctx, req)
	if err != nil && isNonceMismatch(err) {
		d.log.Warn("nonce mismatch submitting claim, resyncing", "nonce", d.nonce, "err", err)
		if rerr := d.Resync(ctx); rerr != nil {
			return common.Hash{}, fmt.Errorf("l2dispatch: resync after nonce mismatch: %w", rerr)
		}
		hash, err = d.trySubmit(ctx, req)
	}
	return hash, err
}

func (d *Dispatcher) trySubmit(ctx context.Context, req claimRequest) (common.Hash, error) {
	baseFee, tip, err := d.cfg.EVM.GetFeeSuggestion(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("l2dispatch: fee suggestion: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	txdata := &types.DynamicFeeTx{
		ChainID:   d.cfg.ChainID,
		Nonce:     d.nonce,
		To:        &req.to,
		Value:     req.amount,
		Gas:       transferGas,
		GasTipCap: tip,
		GasFeeCap: feeCap,
	}

	signer := types.LatestSignerForChainID(d.cfg.ChainID)
	tx, err := types.SignNewTx(d.cfg.Key, signer, txdata)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	hash, err := d.submitWithRetry(ctx, raw)
	if err != nil {
		return common.Hash{}, err
	}

	d.nonce++
	return hash, nil
}

// submitWithRetry submits raw with bounded exponential backoff. A
// transient RPC failure leaves the allocator's nonce counter untouched,
// so the next claim reuses the same nonce — the chain either already has
// this transaction (idempotent resubmission) or it never arrived, and
// either way the nonce is still correct.
func (d *Dispatcher) submitWithRetry(ctx context.Context, raw []byte) (common.Hash, error) {
	var err error
	var hash [32]byte
	delay := d.cfg.RetryBaseDelay
	for attempt := 0; attempt < d.cfg.RetryAttempts; attempt++ {
		hash, err = d.cfg.EVM.SendRawTransaction(ctx, raw)
		if err == nil {
			return common.Hash(hash), nil
		}
		d.log.Warn("submit attempt failed", "attempt", attempt+1, "err", err)
		if isNonceMismatch(err) {
			break
		}
		if attempt < d.cfg.RetryAttempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			}
			delay *= 2
		}
	}
	return common.Hash{}, fmt.Errorf("l2dispatch: submit failed after %d attempts: %w", d.cfg.RetryAttempts, err)
}

// isNonceMismatch recognizes the handful of error strings EVM nodes use to
// report that a submitted transaction's nonce no longer matches their
// view of the sender's account state.
func isNonceMismatch(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "invalid nonce") ||
		strings.Contains(msg, "nonce is too low") ||
		strings.Contains(msg, "nonce is too high")
}

// Resync refetches the on-chain pending nonce, correcting for a gap that
// opened because a transaction never made it into the mempool.
func (d *Dispatcher) Resync(ctx context.Context) error {
	nonce, err := d.cfg.EVM.GetNonce(ctx, d.cfg.From)
	if err != nil {
		return err
	}
	d.nonce = nonce
	return nil
}

// AddressFromKey derives the EVM address controlled by key, for wiring
// into Config.From at startup.
func AddressFromKey(key *ecdsa.PrivateKey) common.Address {
	return gethcrypto.PubkeyToAddress(key.PublicKey)
}
