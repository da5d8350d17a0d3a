// Package powcurve implements a balance-driven proof-of-work difficulty
// curve: a pure function from the faucet's current chain balance to a
// difficulty parameter in [0, 255].
package powcurve

import (
	"fmt"
	"math/big"
)

// M is the maximum difficulty parameter. Fixed by the protocol.
const M = 255

// fixedPointShift selects a Q-format fixed-point scale for the precomputed
// curve coefficients. A balance can range from a few satoshis to
// 10^18+ wei, so the coefficients are carried as big.Int rather than
// native int64 to avoid silently overflowing the L2 side; "fixed-point"
// here means "scaled by a constant power of two, computed once", not that
// the arithmetic is bounded-width.
const fixedPointShift = 64

// Config holds the PoW tunables: minimum difficulty m, per-claim amount q,
// ramp-width coefficient L and minimum balance b.
type Config struct {
	MinDifficulty  uint8 // m
	AmountPerClaim int64 // q, base units
	RampClaims     int64 // L
	MinBalance     int64 // b, base units
}

// Curve is the precomputed balance->difficulty function. It never divides
// at call time; coefA and coefB are computed once, in NewCurve, from Config.
type Curve struct {
	cfg Config

	// base(x) = coefA*x + coefB, both scaled by 2^fixedPointShift, so that
	// Difficulty only ever multiplies, adds and shifts.
	coefA *big.Int
	coefB *big.Int
}

var scale = new(big.Int).Lsh(big.NewInt(1), fixedPointShift)

// NewCurve validates cfg and precomputes the fixed-point coefficients.
// L*q == 0 is a configuration error.
func NewCurve(cfg Config) (*Curve, error) {
	if cfg.MinDifficulty > M {
		return nil, fmt.Errorf("powcurve: min difficulty %d exceeds M=%d", cfg.MinDifficulty, M)
	}
	if cfg.RampClaims == 0 || cfg.AmountPerClaim == 0 {
		return nil, fmt.Errorf("powcurve: ramp width L*q must be non-zero (L=%d q=%d)", cfg.RampClaims, cfg.AmountPerClaim)
	}
	rampWidth := new(big.Int).Mul(big.NewInt(cfg.RampClaims), big.NewInt(cfg.AmountPerClaim))
	if rampWidth.Sign() == 0 {
		return nil, fmt.Errorf("powcurve: ramp width L*q must be non-zero (L=%d q=%d)", cfg.RampClaims, cfg.AmountPerClaim)
	}

	// base(x) = ((m - M) / (L*q)) * (x - b) + M = A*x + B
	//   A = (m-M)/(L*q)          (scaled by 2^fixedPointShift)
	//   B = M - A*b              (scaled by 2^fixedPointShift)
	num := new(big.Int).Sub(big.NewInt(int64(cfg.MinDifficulty)), big.NewInt(M)) // <= 0
	num.Mul(num, scale)
	coefA := new(big.Int).Quo(num, rampWidth) // the one division, done once at config time

	// coefA is already scaled by 2^fixedPointShift, so coefA*b is too —
	// no extra shifting needed to line it up with M*scale.
	bTerm := new(big.Int).Mul(coefA, big.NewInt(cfg.MinBalance))
	coefB := new(big.Int).Sub(new(big.Int).Mul(big.NewInt(M), scale), bTerm)

	return &Curve{cfg: cfg, coefA: coefA, coefB: coefB}, nil
}

// Config returns the configuration the curve was built from.
func (c *Curve) Config() Config { return c.cfg }

// Difficulty computes y = clamp(A*x + B, m, M) for balance x, saturating at
// the extremes rather than overflowing.
func (c *Curve) Difficulty(balance int64) uint8 {
	base := new(big.Int).Mul(c.coefA, big.NewInt(balance))
	base.Add(base, c.coefB)
	base.Rsh(base, fixedPointShift)

	lo := big.NewInt(int64(c.cfg.MinDifficulty))
	hi := big.NewInt(M)
	if base.Cmp(lo) < 0 {
		return c.cfg.MinDifficulty
	}
	if base.Cmp(hi) > 0 {
		return M
	}
	return uint8(base.Int64())
}
