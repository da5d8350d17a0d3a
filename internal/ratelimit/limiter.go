// Package ratelimit implements coarse per-IP admission control: a
// single-slot cooldown per (source IP, chain) plus an IPv4-only source
// mode.
package ratelimit

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/alpenlabs/faucet-api/internal/challenge"
)

// SourceMode selects how the caller's IP is derived from a request,
// mirroring the server's configured ip_src enum.
type SourceMode int

const (
	// ConnectInfo trusts the TCP connection's remote address.
	ConnectInfo SourceMode = iota
	// XForwardedFor trusts the leftmost address in X-Forwarded-For.
	XForwardedFor
	// RightmostXForwardedFor trusts the rightmost address, typically the
	// address a single well-known reverse proxy appended.
	RightmostXForwardedFor
)

// key identifies one (ip, chain) admission slot.
type key struct {
	ip    string
	chain challenge.Chain
}

// Limiter is a bounded-memory, single-slot-cooldown admission filter.
// Backed by an LRU so a burst of distinct IPs cannot grow memory without
// bound.
type Limiter struct {
	mu     sync.Mutex
	cache  *lru.Cache // key -> time.Time (cooldown deadline)
	window time.Duration

	ipv4Only bool
	source   SourceMode
}

// Config configures a Limiter.
type Config struct {
	// Window is the cooldown duration applied after a successful claim.
	Window time.Duration
	// MaxEntries bounds the LRU; least-recently-used (ip, chain) slots are
	// evicted once exceeded.
	MaxEntries int
	// IPv4Only, when true, rejects any caller whose resolved address is
	// IPv6.
	IPv4Only bool
	Source   SourceMode
}

// New builds a Limiter. MaxEntries defaults to 100_000 if zero or negative.
func New(cfg Config) (*Limiter, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		cache:    cache,
		window:   cfg.Window,
		ipv4Only: cfg.IPv4Only,
		source:   cfg.Source,
	}, nil
}

// ResolveIP extracts the admission-relevant IP from remoteAddr (the raw
// "host:port" of the TCP peer) and the X-Forwarded-For header value,
// according to the limiter's configured SourceMode.
func (l *Limiter) ResolveIP(remoteAddr, xForwardedFor string) (net.IP, error) {
	switch l.source {
	case XForwardedFor, RightmostXForwardedFor:
		if xForwardedFor != "" {
			parts := splitAndTrim(xForwardedFor)
			if len(parts) > 0 {
				var candidate string
				if l.source == XForwardedFor {
					candidate = parts[0]
				} else {
					candidate = parts[len(parts)-1]
				}
				if ip := net.ParseIP(candidate); ip != nil {
					return ip, nil
				}
			}
		}
		fallthrough
	default:
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			// remoteAddr may already be a bare IP (e.g. in tests).
			host = remoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, errInvalidAddr
		}
		return ip, nil
	}
}

func splitAndTrim(header string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(header); i++ {
		if i == len(header) || header[i] == ',' {
			field := trimSpace(header[start:i])
			if field != "" {
				out = append(out, field)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// IsIPv4Required reports the limiter's configured source policy, so
// callers can distinguish "rejected for being IPv6" from other admission
// failures.
func (l *Limiter) IsIPv4Required() bool { return l.ipv4Only }

// IsIPv4 reports whether ip is an IPv4 address (including IPv4-in-IPv6
// mapped forms).
func IsIPv4(ip net.IP) bool { return ip.To4() != nil }

// Allow admits (ip, chain) if it is not in cooldown. It does not itself
// start the cooldown — callers start it only after a successful claim, via
// RecordSuccess.
func (l *Limiter) Allow(ip net.IP, chain challenge.Chain) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{ip: ip.String(), chain: chain}
	v, ok := l.cache.Get(k)
	if !ok {
		return true
	}
	deadline := v.(time.Time)
	if time.Now().After(deadline) {
		l.cache.Remove(k)
		return true
	}
	return false
}

// RecordSuccess starts the cooldown window for (ip, chain).
func (l *Limiter) RecordSuccess(ip net.IP, chain challenge.Chain) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{ip: ip.String(), chain: chain}
	l.cache.Add(k, time.Now().Add(l.window))
}

var errInvalidAddr = &net.AddrError{Err: "ratelimit: could not resolve a source IP", Addr: ""}
