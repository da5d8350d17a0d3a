package l1wallet

import (
	"testing"

	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/alpenlabs/faucet-api/internal/collaborators"
)

func utxo(amount int64) collaborators.UTXO {
	return collaborators.UTXO{
		TxID:   "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1",
		Vout:   0,
		Amount: btcutil.Amount(amount),
	}
}

func TestSelectInputsCoversOutputsAndFee(t *testing.T) {
	utxos := []collaborators.UTXO{utxo(100_000), utxo(50_000), utxo(10_000)}
	res, err := selectInputs(utxos, 120_000, 3, 5.0)
	require.NoError(t, err)

	var total btcutil.Amount
	for _, in := range res.Inputs {
		total += in.Amount
	}
	require.GreaterOrEqual(t, int64(total), int64(120_000)+int64(res.Fee))
}

func TestSelectInputsInsufficientFunds(t *testing.T) {
	utxos := []collaborators.UTXO{utxo(1_000)}
	_, err := selectInputs(utxos, 100_000, 1, 5.0)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestSelectInputsProducesChangeWhenOverfunded(t *testing.T) {
	utxos := []collaborators.UTXO{utxo(1_000_000)}
	res, err := selectInputs(utxos, 10_000, 1, 1.0)
	require.NoError(t, err)
	require.True(t, res.HasChange)
	require.Greater(t, int64(res.Change), int64(0))
}

func TestSelectInputsPrefersFewestInputs(t *testing.T) {
	utxos := []collaborators.UTXO{utxo(200_000), utxo(10_000), utxo(10_000), utxo(10_000)}
	res, err := selectInputs(utxos, 50_000, 1, 1.0)
	require.NoError(t, err)
	require.Len(t, res.Inputs, 1)
}
