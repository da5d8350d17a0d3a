// Package faucetapi wires the challenge store, PoW verifier, rate
// limiter and payout queues into the faucet's public HTTP surface.
package faucetapi

import (
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/alpenlabs/faucet-api/internal/challenge"
	"github.com/alpenlabs/faucet-api/internal/l1wallet"
	"github.com/alpenlabs/faucet-api/internal/l2dispatch"
	"github.com/alpenlabs/faucet-api/internal/powcurve"
	"github.com/alpenlabs/faucet-api/internal/ratelimit"
)

// Config wires every collaborator a Server needs.
type Config struct {
	Challenges *challenge.Store
	Limiter    *ratelimit.Limiter
	CurveL1    *powcurve.Curve
	CurveL2    *powcurve.Curve

	L1Batcher    *l1wallet.Batcher
	L2Dispatcher *l2dispatch.Dispatcher

	L1SatsPerClaim uint64
	L2WeiPerClaim  uint64

	CORSAllowedOrigins []string
}

// Server is the faucet's HTTP API.
type Server struct {
	cfg     Config
	log     log.Logger
	handler http.Handler
}

// New builds a Server with routes wired per the claim/challenge protocol.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, log: log.Root().New("component", "faucetapi")}

	router := httprouter.New()
	router.GET("/healthz", s.handleHealthz)
	router.GET("/pow_params/:chain", s.handlePowParams)
	router.GET("/pow_challenge/l1", s.handleChallenge(challenge.ChainL1))
	router.GET("/pow_challenge/l2", s.handleChallenge(challenge.ChainL2))
	router.GET("/claim_l1/:nonce/:solution/:address", s.handleClaimL1)
	router.GET("/claim_l2/:nonce/:solution/:address", s.handleClaimL2)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	s.handler = c.Handler(router)
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"l1_pending":      s.cfg.L1Batcher.PendingLen(),
		"l1_batch_state":  s.cfg.L1Batcher.State().String(),
		"l2_queue_len":    s.cfg.L2Dispatcher.QueueLen(),
		"challenges_open": s.cfg.Challenges.Len(),
	})
}

func (s *Server) handlePowParams(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chain, ok := parseChain(ps.ByName("chain"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown chain")
		return
	}
	curve := s.curveFor(chain)
	writeJSON(w, http.StatusOK, map[string]any{
		"chain":          chain.String(),
		"min_difficulty": curve.Config().MinDifficulty,
		"ramp_claims":    curve.Config().RampClaims,
		"min_balance":    curve.Config().MinBalance,
	})
}

func (s *Server) curveFor(chain challenge.Chain) *powcurve.Curve {
	if chain == challenge.ChainL1 {
		return s.cfg.CurveL1
	}
	return s.cfg.CurveL2
}

func parseChain(s string) (challenge.Chain, bool) {
	switch s {
	case "l1":
		return challenge.ChainL1, true
	case "l2":
		return challenge.ChainL2, true
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonEncode(w, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeText writes body as a plain-text response, used by the claim
// endpoints to return a bare txid/tx-hash rather than a JSON envelope.
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
