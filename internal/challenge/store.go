// Package challenge implements a short-lived nonce -> difficulty store:
// concurrent issue/consume/expire over a sharded map, linearizable per
// nonce.
package challenge

import (
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/alpenlabs/faucet-api/internal/pow"
)

// Chain identifies which payout chain a challenge was issued for.
type Chain int

const (
	ChainL1 Chain = iota
	ChainL2
)

func (c Chain) String() string {
	if c == ChainL1 {
		return "l1"
	}
	return "l2"
}

// Errors returned by Issue and Consume.
var (
	ErrInsufficientBalance = errors.New("challenge: insufficient balance")
	ErrUnknownChallenge    = errors.New("challenge: unknown or expired nonce")
)

// BalanceFunc returns the faucet's current balance snapshot for chain, in
// base units. The store never touches a wallet directly: it receives
// balance through this message-passing style query.
type BalanceFunc func(chain Chain) (int64, error)

// DifficultyFunc computes the PoW difficulty for a given balance.
type DifficultyFunc func(chain Chain, balance int64) uint8

// entry is one issued, not-yet-consumed challenge.
type entry struct {
	chain      Chain
	difficulty uint8
	issuedAt   time.Time
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[pow.Nonce]entry
}

// Store is the per-process challenge store. Exactly one instance exists
// for the life of the process; chain is carried per-entry so a single
// Store instance can serve both L1 and L2, which keeps issue/consume/expire
// linearizable across chains without two separate locks to reason about.
type Store struct {
	shards        [shardCount]*shard
	ttl           time.Duration
	minServeBal   map[Chain]int64
	balanceOf     BalanceFunc
	difficultyOf  DifficultyFunc
	log           log.Logger
}

// Config configures a Store.
type Config struct {
	TTL time.Duration
	// MinServeBalance is the balance below which Issue refuses to serve a
	// challenge at all, keyed by chain.
	MinServeBalance map[Chain]int64
	Balance         BalanceFunc
	Difficulty      DifficultyFunc
}

// New builds a Store. TTL defaults to 30 minutes if zero.
func New(cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &Store{
		ttl:          ttl,
		minServeBal:  cfg.MinServeBalance,
		balanceOf:    cfg.Balance,
		difficultyOf: cfg.Difficulty,
		log:          log.Root().New("component", "challenge"),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[pow.Nonce]entry)}
	}
	return s
}

func (s *Store) shardFor(n pow.Nonce) *shard {
	sum := sha256.Sum256(n[:])
	idx := int(sum[0]) % shardCount
	return s.shards[idx]
}

// Issue computes difficulty from chain's current balance, samples a fresh
// nonce and records it. Returns ErrInsufficientBalance if the balance is
// below the chain's serving threshold.
func (s *Store) Issue(chain Chain) (pow.Nonce, uint8, error) {
	balance, err := s.balanceOf(chain)
	if err != nil {
		return pow.Nonce{}, 0, err
	}
	if min, ok := s.minServeBal[chain]; ok && balance < min {
		return pow.Nonce{}, 0, ErrInsufficientBalance
	}

	difficulty := s.difficultyOf(chain, balance)

	for attempt := 0; attempt < 8; attempt++ {
		nonce, err := pow.NewNonce()
		if err != nil {
			return pow.Nonce{}, 0, err
		}

		sh := s.shardFor(nonce)
		sh.mu.Lock()
		if _, exists := sh.entries[nonce]; exists {
			sh.mu.Unlock()
			// Statistically near-impossible; treat as a collision and
			// retry with a freshly sampled nonce rather than overwriting.
			continue
		}
		sh.entries[nonce] = entry{chain: chain, difficulty: difficulty, issuedAt: time.Now()}
		sh.mu.Unlock()

		return nonce, difficulty, nil
	}
	return pow.Nonce{}, 0, errors.New("challenge: failed to allocate a unique nonce")
}

// Consume atomically removes the entry for nonce if present and returns its
// recorded difficulty when the entry is unexpired and was issued for chain;
// an expired or wrong-chain entry is removed as well and reported as
// ErrUnknownChallenge. Concurrent Consume
// calls for the same nonce linearize through the shard's mutex: exactly
// one wins.
func (s *Store) Consume(chain Chain, nonce pow.Nonce) (uint8, error) {
	sh := s.shardFor(nonce)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[nonce]
	if !ok {
		return 0, ErrUnknownChallenge
	}
	// Remove unconditionally: a stale or wrong-chain hit must not remain
	// claimable afterward, even if its solution would otherwise verify.
	delete(sh.entries, nonce)

	if e.chain != chain {
		return 0, ErrUnknownChallenge
	}
	if time.Since(e.issuedAt) > s.ttl {
		return 0, ErrUnknownChallenge
	}
	return e.difficulty, nil
}

// ExpireTick removes entries older than the store's TTL, measured against
// now. Call periodically; bounds memory under load from clients that
// request challenges but never claim them.
func (s *Store) ExpireTick(now time.Time) (removed int) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for n, e := range sh.entries {
			if now.Sub(e.issuedAt) > s.ttl {
				delete(sh.entries, n)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.log.Debug("expired stale challenges", "count", removed)
	}
	return removed
}

// Len reports the total number of outstanding (not necessarily live)
// entries, for metrics/health reporting.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Run periodically calls ExpireTick until ctx-like stop channel closes.
// Callers typically run this in its own goroutine for the lifetime of the
// process.
func (s *Store) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.ExpireTick(now)
		}
	}
}
