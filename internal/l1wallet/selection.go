package l1wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcutil"

	"github.com/alpenlabs/faucet-api/internal/collaborators"
)

// Size estimates below follow a P2PKH fixed-cost model: a transaction's
// size is a small per-tx overhead plus a fixed per-input and per-output
// cost. Every input spends the faucet's own single P2PKH key, and the
// per-input figure assumes the longest signature encoding, so a signed
// input is at most that size. Every output is priced at the 25-byte P2PKH
// script size, whatever the claim address type.
const (
	txOverheadEstimate = 4 + 4 + 1 + 1
	sigScriptEstimate  = 1 + 73 + 1 + 33 + 1
	txInEstimate       = 32 + 4 + 4 + sigScriptEstimate
	pkScriptEstimate   = 1 + 1 + 1 + 20 + 1 + 1
	txOutEstimate      = 8 + 1 + pkScriptEstimate
)

func estimateTxSize(numInputs, numOutputs int) int {
	return txOverheadEstimate + txInEstimate*numInputs + txOutEstimate*numOutputs
}

// feeForSize computes a transaction's fee at feerate satoshis-per-byte.
func feeForSize(feerate float64, sz int) btcutil.Amount {
	return btcutil.Amount(feerate * float64(sz))
}

// ErrInsufficientFunds is returned when the wallet's spendable UTXO set
// cannot cover a batch's outputs plus fee.
var ErrInsufficientFunds = errors.New("l1wallet: insufficient spendable funds")

// byAmountDesc sorts UTXOs largest-first, so selection favors fewer
// inputs (smaller, cheaper-to-confirm transactions) over exact-match
// coin selection.
type byAmountDesc []collaborators.UTXO

func (u byAmountDesc) Len() int           { return len(u) }
func (u byAmountDesc) Less(i, j int) bool { return u[i].Amount > u[j].Amount }
func (u byAmountDesc) Swap(i, j int)      { u[i], u[j] = u[j], u[i] }

// selectionResult is the outcome of selecting inputs for a batch.
type selectionResult struct {
	Inputs  []collaborators.UTXO
	Fee     btcutil.Amount
	Change  btcutil.Amount
	HasChange bool
}

// selectInputs implements largest-first coin selection with iterative fee
// re-estimation: add inputs until the selected sum covers the outputs at
// the current fee estimate, re-pricing the fee as more inputs are added,
// until the estimate stabilizes.
func selectInputs(utxos []collaborators.UTXO, outputTotal btcutil.Amount, numOutputs int, feerate float64) (selectionResult, error) {
	pool := make([]collaborators.UTXO, len(utxos))
	copy(pool, utxos)
	sort.Sort(byAmountDesc(pool))

	var selected []collaborators.UTXO
	var total btcutil.Amount
	idx := 0

	fee := feeForSize(feerate, estimateTxSize(0, numOutputs))
	for total < outputTotal+fee {
		if idx >= len(pool) {
			return selectionResult{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, total, outputTotal+fee)
		}
		selected = append(selected, pool[idx])
		total += pool[idx].Amount
		idx++
		fee = feeForSize(feerate, estimateTxSize(len(selected), numOutputs))
	}

	change := total - outputTotal - fee
	res := selectionResult{Inputs: selected, Fee: fee}
	if change > 0 {
		// Adding a change output grows the transaction; re-check the fee
		// against the larger size, pulling in one more input if the extra
		// output byte cost tips the transaction over what was selected.
		feeWithChange := feeForSize(feerate, estimateTxSize(len(selected), numOutputs+1))
		for total < outputTotal+feeWithChange {
			if idx >= len(pool) {
				return selectionResult{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, total, outputTotal+feeWithChange)
			}
			selected = append(selected, pool[idx])
			total += pool[idx].Amount
			idx++
			feeWithChange = feeForSize(feerate, estimateTxSize(len(selected), numOutputs+1))
		}
		change = total - outputTotal - feeWithChange
		res.Inputs = selected
		res.Fee = feeWithChange
		if change > 0 {
			res.Change = change
			res.HasChange = true
		}
	}
	return res, nil
}
