// Package pow implements a SHA-256 hashcash-style proof-of-work
// challenge/solution scheme keyed off a fixed salt, a random per-challenge
// nonce and an 8-byte solution counter.
package pow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Salt is the fixed 18-byte literal that is part of the protocol and never
// varies. There is no configuration path that can change it; a differently
// salted deployment is a different protocol.
const Salt = "strata faucet 2024"

const (
	// NonceSize is the length in bytes of a challenge nonce.
	NonceSize = 16
	// SolutionSize is the length in bytes of a claim solution.
	SolutionSize = 8
)

func init() {
	if len(Salt) != 18 {
		panic(fmt.Sprintf("pow: compiled salt is %d bytes, protocol requires 18", len(Salt)))
	}
}

// Nonce identifies a single issued challenge.
type Nonce [NonceSize]byte

// String renders the nonce as lowercase hex.
func (n Nonce) String() string { return hex.EncodeToString(n[:]) }

// NonceFromHex decodes a 32-character hex string into a Nonce.
func NonceFromHex(s string) (Nonce, error) {
	var n Nonce
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("pow: invalid nonce hex: %w", err)
	}
	if len(b) != NonceSize {
		return n, fmt.Errorf("pow: nonce must be %d bytes, got %d", NonceSize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// NewNonce samples a fresh nonce from a cryptographic RNG.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("pow: sampling nonce: %w", err)
	}
	return n, nil
}

// Solution is the 8-byte big-endian counter a solver searches over.
type Solution [SolutionSize]byte

// String renders the solution as lowercase hex.
func (s Solution) String() string { return hex.EncodeToString(s[:]) }

// SolutionFromHex decodes a 16-character hex string into a Solution.
func SolutionFromHex(s string) (Solution, error) {
	var sol Solution
	b, err := hex.DecodeString(s)
	if err != nil {
		return sol, fmt.Errorf("pow: invalid solution hex: %w", err)
	}
	if len(b) != SolutionSize {
		return sol, fmt.Errorf("pow: solution must be %d bytes, got %d", SolutionSize, len(b))
	}
	copy(sol[:], b)
	return sol, nil
}

// Hash computes SHA-256(salt ‖ nonce ‖ solution) over the 42-byte input.
func Hash(nonce Nonce, solution Solution) [sha256.Size]byte {
	var buf [len(Salt) + NonceSize + SolutionSize]byte
	n := copy(buf[:], Salt)
	n += copy(buf[n:], nonce[:])
	copy(buf[n:], solution[:])
	return sha256.Sum256(buf[:])
}

// LeadingZeroBits counts the number of leading zero bits in h, read
// most-significant-byte first, continuing across byte boundaries.
func LeadingZeroBits(h [sha256.Size]byte) int {
	count := 0
	for _, b := range h {
		if b == 0 {
			count += 8
			continue
		}
		count += leadingZerosByte(b)
		break
	}
	return count
}

func leadingZerosByte(b byte) int {
	n := 0
	for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
		n++
	}
	return n
}

// Verify reports whether (nonce, solution) satisfies difficulty: the
// SHA-256 of salt‖nonce‖solution must have at least difficulty leading
// zero bits.
func Verify(nonce Nonce, solution Solution, difficulty uint8) bool {
	h := Hash(nonce, solution)
	return LeadingZeroBits(h) >= int(difficulty)
}
