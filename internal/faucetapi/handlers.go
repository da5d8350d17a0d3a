package faucetapi

import (
	"errors"
	"math/big"
	"net"
	"net/http"

	"github.com/btcsuite/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/julienschmidt/httprouter"

	"github.com/alpenlabs/faucet-api/internal/challenge"
	"github.com/alpenlabs/faucet-api/internal/l1wallet"
	"github.com/alpenlabs/faucet-api/internal/l2dispatch"
	"github.com/alpenlabs/faucet-api/internal/pow"
	"github.com/alpenlabs/faucet-api/internal/ratelimit"
)

// handleChallenge returns a handler that resolves the caller's IP,
// enforces admission, and issues a fresh PoW challenge for chain.
func (s *Server) handleChallenge(chain challenge.Chain) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if _, ok := s.admit(w, r, chain); !ok {
			return
		}

		nonce, difficulty, err := s.cfg.Challenges.Issue(chain)
		if err != nil {
			if errors.Is(err, challenge.ErrInsufficientBalance) {
				writeError(w, http.StatusServiceUnavailable, "faucet balance too low to serve a challenge")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to issue challenge")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"nonce":      nonce.String(),
			"difficulty": difficulty,
			"salt":       pow.Salt,
		})
	}
}

// admit resolves the request's source IP and applies the IPv4-only and
// per-(ip,chain) cooldown rules, writing an error response and returning
// ok=false if the request must be rejected.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, chain challenge.Chain) (net.IP, bool) {
	resolved, err := s.cfg.Limiter.ResolveIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not determine source address")
		return nil, false
	}
	if s.cfg.Limiter.IsIPv4Required() && !ratelimit.IsIPv4(resolved) {
		writeError(w, http.StatusUnprocessableEntity, "only IPv4 source addresses are served")
		return nil, false
	}
	if !s.cfg.Limiter.Allow(resolved, chain) {
		writeError(w, http.StatusTooManyRequests, "rate limited, try again later")
		return nil, false
	}
	return resolved, true
}

// handleClaimL1 verifies a solved L1 challenge and enqueues the payout
// onto the batcher.
func (s *Server) handleClaimL1(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ip, ok := s.admit(w, r, challenge.ChainL1)
	if !ok {
		return
	}

	nonce, solution, ok := s.parseNonceSolution(w, ps)
	if !ok {
		return
	}

	addr := ps.ByName("address")
	if addr == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return
	}

	difficulty, err := s.cfg.Challenges.Consume(challenge.ChainL1, nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown or expired challenge")
		return
	}
	if !pow.Verify(nonce, solution, difficulty) {
		writeError(w, http.StatusBadRequest, "invalid proof of work solution")
		return
	}

	// Address syntax (network-specific encoding) is validated by the
	// batcher when it builds the transaction: rejecting it earlier would
	// require the API layer to know the configured Bitcoin network too.
	future, err := s.cfg.L1Batcher.Submit(addr, btcutil.Amount(s.cfg.L1SatsPerClaim))
	if err != nil {
		if errors.Is(err, l1wallet.ErrBusy) {
			writeError(w, http.StatusServiceUnavailable, "batch queue is full, try again shortly")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue claim")
		return
	}

	txid, err := future.Wait(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to broadcast payout")
		return
	}

	s.cfg.Limiter.RecordSuccess(ip, challenge.ChainL1)
	writeText(w, http.StatusOK, txid)
}

// handleClaimL2 verifies a solved L2 challenge and dispatches the payout
// through the nonce-serialized L2 dispatcher.
func (s *Server) handleClaimL2(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ip, ok := s.admit(w, r, challenge.ChainL2)
	if !ok {
		return
	}

	nonce, solution, ok := s.parseNonceSolution(w, ps)
	if !ok {
		return
	}

	addrStr := ps.ByName("address")
	if !common.IsHexAddress(addrStr) {
		writeError(w, http.StatusBadRequest, "malformed EVM address")
		return
	}
	to := common.HexToAddress(addrStr)

	difficulty, err := s.cfg.Challenges.Consume(challenge.ChainL2, nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown or expired challenge")
		return
	}
	if !pow.Verify(nonce, solution, difficulty) {
		writeError(w, http.StatusBadRequest, "invalid proof of work solution")
		return
	}

	amount := new(big.Int).SetUint64(s.cfg.L2WeiPerClaim)
	hash, err := s.cfg.L2Dispatcher.Submit(r.Context(), to, amount)
	if err != nil {
		if errors.Is(err, l2dispatch.ErrBusy) {
			writeError(w, http.StatusServiceUnavailable, "dispatch queue is full, try again shortly")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "failed to broadcast payout")
		return
	}

	s.cfg.Limiter.RecordSuccess(ip, challenge.ChainL2)
	writeText(w, http.StatusOK, hash.Hex())
}

func (s *Server) parseNonceSolution(w http.ResponseWriter, ps httprouter.Params) (pow.Nonce, pow.Solution, bool) {
	nonce, err := pow.NonceFromHex(ps.ByName("nonce"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed nonce")
		return pow.Nonce{}, pow.Solution{}, false
	}
	solution, err := pow.SolutionFromHex(ps.ByName("solution"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed solution")
		return pow.Nonce{}, pow.Solution{}, false
	}
	return nonce, solution, true
}
