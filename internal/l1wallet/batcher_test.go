package l1wallet

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/alpenlabs/faucet-api/internal/collaborators"
)

type fakeEsplora struct {
	feerate     float64
	utxos       []collaborators.UTXO
	broadcasts  [][]byte
	broadcastErrs []error
	broadcastCall int
}

func (f *fakeEsplora) GetFeerate(ctx context.Context) (float64, error) { return f.feerate, nil }
func (f *fakeEsplora) GetUTXOs(ctx context.Context, descriptor string) ([]collaborators.UTXO, error) {
	return f.utxos, nil
}
func (f *fakeEsplora) Broadcast(ctx context.Context, txBytes []byte) (string, error) {
	f.broadcasts = append(f.broadcasts, txBytes)
	idx := f.broadcastCall
	f.broadcastCall++
	if idx < len(f.broadcastErrs) && f.broadcastErrs[idx] != nil {
		return "", f.broadcastErrs[idx]
	}
	return "deadbeef00000000000000000000000000000000000000000000000000000000", nil
}

func testAddress(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func newTestBatcher(t *testing.T, esplora *fakeEsplora) *Batcher {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	walletAddr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return New(Config{
		MaxBatchSize: 10,
		BatchWindow:  20 * time.Millisecond,
		Descriptor:   walletAddr.EncodeAddress(),
		ChainParams:  &chaincfg.RegressionNetParams,
		PrivateKey:   priv,
		Esplora:      esplora,
	})
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	b := newTestBatcher(t, &fakeEsplora{})
	b.cfg.MaxBatchSize = 1
	addr := testAddress(t)

	_, err := b.Submit(addr, 1000)
	require.NoError(t, err)
	_, err = b.Submit(addr, 1000)
	require.ErrorIs(t, err, ErrBusy)
}

func TestRunFlushesOnTimerAndClears10ClaimsIntoOneTx(t *testing.T) {
	addr := testAddress(t)
	utxos := []collaborators.UTXO{{
		TxID:   "1111111111111111111111111111111111111111111111111111111111111111",
		Vout:   0,
		Amount: 10_000_000,
	}}
	esplora := &fakeEsplora{feerate: 2.0, utxos: utxos}
	b := newTestBatcher(t, esplora)

	futures := make([]Future, 10)
	for i := 0; i < 10; i++ {
		f, err := b.Submit(addr, 10_000)
		require.NoError(t, err)
		futures[i] = f
	}
	require.Equal(t, 10, b.PendingLen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(esplora.broadcasts) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 0, b.PendingLen())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	txid, err := futures[0].Wait(waitCtx)
	require.NoError(t, err)
	require.NotEmpty(t, txid)
	for _, f := range futures[1:] {
		got, err := f.Wait(waitCtx)
		require.NoError(t, err)
		require.Equal(t, txid, got, "every claim in a batch must resolve to the same txid")
	}

	cancel()
	<-done
}

func TestStopDrainsPendingBatch(t *testing.T) {
	addr := testAddress(t)
	utxos := []collaborators.UTXO{{
		TxID:   "2222222222222222222222222222222222222222222222222222222222222222"[:64],
		Vout:   0,
		Amount: 10_000_000,
	}}
	esplora := &fakeEsplora{feerate: 2.0, utxos: utxos}
	b := newTestBatcher(t, esplora)
	b.cfg.BatchWindow = time.Hour

	_, err := b.Submit(addr, 50_000)
	require.NoError(t, err)

	go b.Run(context.Background())
	time.Sleep(5 * time.Millisecond)
	b.Stop()

	require.Len(t, esplora.broadcasts, 1)
}

func TestFlushRetriesTransientBroadcastFailure(t *testing.T) {
	addr := testAddress(t)
	utxos := []collaborators.UTXO{{
		TxID:   "3333333333333333333333333333333333333333333333333333333333333333"[:64],
		Vout:   0,
		Amount: 10_000_000,
	}}
	esplora := &fakeEsplora{
		feerate:       2.0,
		utxos:         utxos,
		broadcastErrs: []error{context.DeadlineExceeded, context.DeadlineExceeded},
	}
	b := newTestBatcher(t, esplora)
	b.cfg.RetryBaseDelay = time.Millisecond
	_, err := b.Submit(addr, 50_000)
	require.NoError(t, err)

	b.flush(context.Background())

	require.Equal(t, 3, esplora.broadcastCall)
}
