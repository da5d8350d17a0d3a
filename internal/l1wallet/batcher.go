// Package l1wallet implements the L1 payout path: claims accumulate into
// a bounded batch, which is periodically built into one Bitcoin
// transaction with one output per claim, signed, and broadcast through an
// Esplora-style indexer.
package l1wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/alpenlabs/faucet-api/internal/collaborators"
)

// State names the batcher's position in its lifecycle.
type State int

const (
	Idle State = iota
	Collecting
	Building
	Broadcasting
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Building:
		return "building"
	case Broadcasting:
		return "broadcasting"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// ErrBusy is returned by Submit when the pending claim list is full: the
// caller should retry the claim on the next batch window rather than
// block indefinitely.
var ErrBusy = errors.New("l1wallet: batch is full, try again shortly")

// Claim is one accepted, not-yet-broadcast L1 payout.
type Claim struct {
	Address string
	Amount  btcutil.Amount
	result  chan claimResult
}

// claimResult is what a Claim's Future resolves to: the shared txid of the
// batch it was included in, or the error that batch failed with.
type claimResult struct {
	txid string
	err  error
}

// Future resolves to the broadcast transaction id once the batch
// containing a claim is broadcast, or to the error the batch failed with.
type Future struct {
	result chan claimResult
}

// Wait blocks until the claim's batch resolves or ctx is done.
func (f Future) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-f.result:
		return res.txid, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Config configures a Batcher.
type Config struct {
	// MaxBatchSize bounds the number of pending claims. Once it is reached,
	// Submit rejects further claims with ErrBusy; reaching it does not start
	// a build early; the batch is built only when the BatchWindow ticker
	// fires or on shutdown.
	MaxBatchSize int
	// BatchWindow is how long the batcher waits, collecting claims, before
	// building and broadcasting whatever has accumulated.
	BatchWindow time.Duration

	Descriptor string
	ChainParams *chaincfg.Params
	PrivateKey  *btcec.PrivateKey

	Esplora collaborators.EsploraClient
	Ledger  *Ledger

	RetryAttempts int
	RetryBaseDelay time.Duration
}

// Batcher accumulates L1 claims and periodically flushes them as a single
// batched Bitcoin transaction.
type Batcher struct {
	cfg Config
	log log.Logger

	mu      sync.Mutex
	state   State
	pending []Claim

	stop chan struct{}
	done chan struct{}
}

// New constructs a Batcher. Call Run to start its batch-window goroutine.
func New(cfg Config) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 250
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Batcher{
		cfg:  cfg,
		log:  log.Root().New("component", "l1wallet"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Submit enqueues a claim and returns a Future resolved once the batch it
// lands in broadcasts (or fails). It returns ErrBusy without enqueuing if
// the pending list has reached MaxBatchSize; callers should surface this
// as a 503 to the client.
func (b *Batcher) Submit(addr string, amount btcutil.Amount) (Future, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) >= b.cfg.MaxBatchSize {
		return Future{}, ErrBusy
	}
	claim := Claim{Address: addr, Amount: amount, result: make(chan claimResult, 1)}
	b.pending = append(b.pending, claim)
	if b.state == Idle {
		b.state = Collecting
	}
	return Future{result: claim.result}, nil
}

// State reports the batcher's current lifecycle state.
func (b *Batcher) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PendingLen reports the number of claims currently queued.
func (b *Batcher) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run drives the batch-window timer until Stop is called. It should run
// in its own goroutine for the life of the process.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.BatchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			b.flush(context.Background())
			return
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-ticker.C:
			b.maybeFlush(ctx)
		}
	}
}

func (b *Batcher) maybeFlush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.flush(ctx)
}

// Stop signals Run to drain the current pending batch and exit. It blocks
// until that drain completes, so graceful shutdown can rely on every
// accepted claim having been attempted before the process exits.
func (b *Batcher) Stop() {
	close(b.stop)
	<-b.done
}

// flush takes ownership of the pending claim list, builds one batched
// transaction, signs and broadcasts it, and retries transient broadcast
// failures with bounded exponential backoff.
func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	claims := b.pending
	b.pending = nil
	b.state = Building
	b.mu.Unlock()

	txid, err := b.buildSignBroadcast(ctx, claims)

	b.mu.Lock()
	b.state = Idle
	b.mu.Unlock()

	for _, c := range claims {
		c.result <- claimResult{txid: txid, err: err}
	}

	if err != nil {
		b.log.Error("batch failed", "claims", len(claims), "err", err)
		return
	}
	b.log.Info("batch broadcast", "claims", len(claims), "txid", txid)

	if b.cfg.Ledger != nil {
		var total btcutil.Amount
		for _, c := range claims {
			total += c.Amount
		}
		if err := b.cfg.Ledger.Record(txid, len(claims), int64(total), time.Now()); err != nil {
			b.log.Warn("failed to record batch in ledger", "txid", txid, "err", err)
		}
	}
}

func (b *Batcher) buildSignBroadcast(ctx context.Context, claims []Claim) (string, error) {
	feerate, err := b.cfg.Esplora.GetFeerate(ctx)
	if err != nil {
		return "", fmt.Errorf("l1wallet: fetching feerate: %w", err)
	}
	utxos, err := b.cfg.Esplora.GetUTXOs(ctx, b.cfg.Descriptor)
	if err != nil {
		return "", fmt.Errorf("l1wallet: fetching utxos: %w", err)
	}

	// The indexer reports outpoints and values, not scripts. The wallet
	// holds exactly one spending address, so every UTXO it owns shares
	// this same pkScript; it is derived once here rather than trusted from
	// the indexer response.
	walletScript, err := addressToScript(b.cfg.Descriptor, b.cfg.ChainParams)
	if err != nil {
		return "", fmt.Errorf("l1wallet: wallet descriptor %q: %w", b.cfg.Descriptor, err)
	}

	b.mu.Lock()
	b.state = Building
	b.mu.Unlock()

	msgTx, err := buildTx(claims, utxos, feerate, b.cfg.ChainParams, walletScript)
	if err != nil {
		return "", err
	}

	if err := signTx(msgTx, utxos, b.cfg.PrivateKey, walletScript); err != nil {
		return "", fmt.Errorf("l1wallet: signing batch tx: %w", err)
	}

	var buf bufferWriter
	if err := msgTx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("l1wallet: serializing batch tx: %w", err)
	}

	b.mu.Lock()
	b.state = Broadcasting
	b.mu.Unlock()

	var txid string
	delay := b.cfg.RetryBaseDelay
	for attempt := 0; attempt < b.cfg.RetryAttempts; attempt++ {
		txid, err = b.cfg.Esplora.Broadcast(ctx, buf.Bytes())
		if err == nil {
			break
		}
		b.log.Warn("broadcast attempt failed", "attempt", attempt+1, "err", err)
		if attempt < b.cfg.RetryAttempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay *= 2
		}
	}
	if err != nil {
		return "", fmt.Errorf("l1wallet: broadcast failed after %d attempts: %w", b.cfg.RetryAttempts, err)
	}

	b.mu.Lock()
	b.state = Finalizing
	b.mu.Unlock()

	return txid, nil
}

// buildTx assembles one unsigned MsgTx paying every claim, selecting
// inputs via largest-first coin selection, and adding a change output back
// to the wallet's own script when input overshoot warrants one.
func buildTx(claims []Claim, utxos []collaborators.UTXO, feerate float64, net *chaincfg.Params, walletScript []byte) (*wire.MsgTx, error) {
	msgTx := wire.NewMsgTx(wire.TxVersion)

	var outputTotal btcutil.Amount
	for _, c := range claims {
		pkScript, err := addressToScript(c.Address, net)
		if err != nil {
			return nil, fmt.Errorf("l1wallet: claim address %q: %w", c.Address, err)
		}
		msgTx.AddTxOut(wire.NewTxOut(int64(c.Amount), pkScript))
		outputTotal += c.Amount
	}

	sel, err := selectInputs(utxos, outputTotal, len(claims), feerate)
	if err != nil {
		return nil, err
	}
	for _, in := range sel.Inputs {
		hash, err := chainhashFromTxid(in.TxID)
		if err != nil {
			return nil, err
		}
		outpoint := wire.NewOutPoint(hash, in.Vout)
		msgTx.AddTxIn(wire.NewTxIn(outpoint, nil))
	}

	if sel.HasChange {
		msgTx.AddTxOut(wire.NewTxOut(int64(sel.Change), walletScript))
	}

	return msgTx, nil
}

// signTx signs every input with walletScript as the spent output's
// script: the wallet holds a single address, so every UTXO it can select
// as an input was paid to that same script.
func signTx(msgTx *wire.MsgTx, utxos []collaborators.UTXO, priv *btcec.PrivateKey, walletScript []byte) error {
	known := make(map[string]struct{}, len(utxos))
	for _, u := range utxos {
		known[u.TxID] = struct{}{}
	}
	for i, txIn := range msgTx.TxIn {
		if _, ok := known[txIn.PreviousOutPoint.Hash.String()]; !ok {
			return fmt.Errorf("l1wallet: no known utxo for input %d", i)
		}
		sigScript, err := txscript.SignatureScript(msgTx, i, walletScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return err
		}
		msgTx.TxIn[i].SignatureScript = sigScript
	}
	return nil
}

func addressToScript(addr string, net *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, net)
	if err != nil {
		return nil, fmt.Errorf("l1wallet: decoding address: %w", err)
	}
	return txscript.PayToAddrScript(decoded)
}

func chainhashFromTxid(txid string) (*chainhash.Hash, error) {
	return chainhash.NewHashFromStr(txid)
}

type bufferWriter struct {
	buf []byte
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *bufferWriter) Bytes() []byte { return w.buf }
