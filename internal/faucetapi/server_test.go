package faucetapi

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/alpenlabs/faucet-api/internal/challenge"
	"github.com/alpenlabs/faucet-api/internal/collaborators"
	"github.com/alpenlabs/faucet-api/internal/l1wallet"
	"github.com/alpenlabs/faucet-api/internal/l2dispatch"
	"github.com/alpenlabs/faucet-api/internal/pow"
	"github.com/alpenlabs/faucet-api/internal/powcurve"
	"github.com/alpenlabs/faucet-api/internal/ratelimit"
)

type stubEsplora struct{}

func (stubEsplora) GetFeerate(ctx context.Context) (float64, error) { return 2.0, nil }
func (stubEsplora) GetUTXOs(ctx context.Context, descriptor string) ([]collaborators.UTXO, error) {
	return []collaborators.UTXO{{TxID: "1111111111111111111111111111111111111111111111111111111111111111"[:64], Vout: 0, Amount: 10_000_000}}, nil
}
func (stubEsplora) Broadcast(ctx context.Context, txBytes []byte) (string, error) {
	return "feedfeed", nil
}

type stubEVM struct{}

func (stubEVM) GetNonce(ctx context.Context, address [20]byte) (uint64, error) { return 0, nil }
func (stubEVM) GetBalance(ctx context.Context, address [20]byte) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (stubEVM) GetFeeSuggestion(ctx context.Context) (baseFee, tip *big.Int, err error) {
	return big.NewInt(1_000_000_000), big.NewInt(1_000_000), nil
}
func (stubEVM) SendRawTransaction(ctx context.Context, rawTx []byte) ([32]byte, error) {
	return [32]byte{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	curveL1, err := powcurve.NewCurve(powcurve.Config{MinDifficulty: 4, AmountPerClaim: 1000, RampClaims: 100, MinBalance: 0})
	require.NoError(t, err)
	curveL2, err := powcurve.NewCurve(powcurve.Config{MinDifficulty: 4, AmountPerClaim: 1000, RampClaims: 100, MinBalance: 0})
	require.NoError(t, err)

	store := challenge.New(challenge.Config{
		TTL:        time.Minute,
		Balance:    func(challenge.Chain) (int64, error) { return 1_000_000, nil },
		Difficulty: func(_ challenge.Chain, bal int64) uint8 { return 4 },
	})

	limiter, err := ratelimit.New(ratelimit.Config{Window: time.Minute, Source: ratelimit.ConnectInfo})
	require.NoError(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	walletAddr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	batcher := l1wallet.New(l1wallet.Config{
		MaxBatchSize: 10,
		BatchWindow:  20 * time.Millisecond,
		Descriptor:   walletAddr.EncodeAddress(),
		ChainParams:  &chaincfg.RegressionNetParams,
		PrivateKey:   priv,
		Esplora:      stubEsplora{},
	})
	go batcher.Run(context.Background())
	t.Cleanup(batcher.Stop)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	dispatcher := l2dispatch.New(l2dispatch.Config{
		ChainID: big.NewInt(1337),
		Key:     key,
		From:    l2dispatch.AddressFromKey(key),
		EVM:     stubEVM{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx)
	t.Cleanup(func() { cancel(); dispatcher.Stop() })

	return New(Config{
		Challenges:     store,
		Limiter:        limiter,
		CurveL1:        curveL1,
		CurveL2:        curveL2,
		L1Batcher:      batcher,
		L2Dispatcher:   dispatcher,
		L1SatsPerClaim: 1000,
		L2WeiPerClaim:  1_000_000_000_000,
	})
}

func TestHealthzReportsOK(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestChallengeThenClaimL1EndToEnd(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pow_challenge/l1", nil)
	req.RemoteAddr = "203.0.113.5:4000"
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Nonce      string
		Difficulty uint8
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))

	nonce, err := pow.NonceFromHex(body.Nonce)
	require.NoError(t, err)
	solution := bruteForce(t, nonce, body.Difficulty)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	claimRR := httptest.NewRecorder()
	claimReq := httptest.NewRequest(http.MethodGet, "/claim_l1/"+body.Nonce+"/"+solution.String()+"/"+addr.EncodeAddress(), nil)
	claimReq.RemoteAddr = "203.0.113.5:4000"
	s.ServeHTTP(claimRR, claimReq)
	require.Equal(t, http.StatusOK, claimRR.Code)
	require.NotEmpty(t, claimRR.Body.String(), "claim response must carry the broadcast txid as plain text")
}

func TestClaimRejectsReplayedNonce(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pow_challenge/l2", nil)
	req.RemoteAddr = "198.51.100.9:1111"
	s.ServeHTTP(rr, req)

	var body struct {
		Nonce      string
		Difficulty uint8
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	nonce, err := pow.NonceFromHex(body.Nonce)
	require.NoError(t, err)
	solution := bruteForce(t, nonce, body.Difficulty)

	to := common.HexToAddress("0x00000000000000000000000000000000000001")

	for i, attempt := range []struct {
		remoteAddr string
		want       int
	}{
		{"198.51.100.9:1111", http.StatusOK},
		// The replay comes from another address: the first claim started
		// 198.51.100.9's cooldown, which admit checks before the challenge
		// store and would answer with 429 instead.
		{"198.51.100.10:1111", http.StatusBadRequest},
	} {
		claimRR := httptest.NewRecorder()
		claimReq := httptest.NewRequest(http.MethodGet, "/claim_l2/"+body.Nonce+"/"+solution.String()+"/"+to.Hex(), nil)
		claimReq.RemoteAddr = attempt.remoteAddr
		s.ServeHTTP(claimRR, claimReq)
		require.Equal(t, attempt.want, claimRR.Code, "attempt %d", i)
	}
}

func TestIPv6RejectedWhenIPv4Required(t *testing.T) {
	store := challenge.New(challenge.Config{
		Balance:    func(challenge.Chain) (int64, error) { return 1_000_000, nil },
		Difficulty: func(_ challenge.Chain, bal int64) uint8 { return 4 },
	})
	limiter, err := ratelimit.New(ratelimit.Config{IPv4Only: true, Source: ratelimit.ConnectInfo})
	require.NoError(t, err)

	curve, err := powcurve.NewCurve(powcurve.Config{MinDifficulty: 4, AmountPerClaim: 1000, RampClaims: 100, MinBalance: 0})
	require.NoError(t, err)

	s := New(Config{
		Challenges: store,
		Limiter:    limiter,
		CurveL1:    curve,
		CurveL2:    curve,
		L1Batcher:  l1wallet.New(l1wallet.Config{ChainParams: &chaincfg.RegressionNetParams, Esplora: stubEsplora{}}),
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pow_challenge/l1", nil)
	req.RemoteAddr = "[2001:db8::1]:5555"
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func bruteForce(t *testing.T, nonce pow.Nonce, difficulty uint8) pow.Solution {
	t.Helper()
	var sol pow.Solution
	for i := 0; i < 10_000_000; i++ {
		sol[0] = byte(i)
		sol[1] = byte(i >> 8)
		sol[2] = byte(i >> 16)
		sol[3] = byte(i >> 24)
		if pow.Verify(nonce, sol, difficulty) {
			return sol
		}
	}
	t.Fatal("failed to find solution within bound")
	return sol
}
