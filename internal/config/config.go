// Package config loads and validates the faucet's TOML configuration
// document.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// IPSource selects how the server derives a caller's admission IP.
type IPSource string

const (
	IPSourceConnectInfo            IPSource = "ConnectInfo"
	IPSourceXForwardedFor          IPSource = "XForwardedFor"
	IPSourceRightmostXForwardedFor IPSource = "RightmostXForwardedFor"
)

// Network selects the Bitcoin network the L1 wallet operates on.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkSignet  Network = "signet"
	NetworkTestnet Network = "testnet"
	NetworkRegtest Network = "regtest"
)

// PoWConfig carries the difficulty-curve tunables (m, L, b). The per-claim
// amount q is configured per-chain as l1_sats_per_claim / l2_sats_per_claim
// (the latter in wei).
type PoWConfig struct {
	MinDifficulty uint8 `toml:"m"`
	RampClaims    int64 `toml:"L"`
	MinBalance    int64 `toml:"b"`
}

// Config is the full decoded and validated TOML document.
type Config struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`

	IPSource IPSource `toml:"ip_src"`

	SeedFile   string `toml:"seed_file"`
	SQLiteFile string `toml:"sqlite_file"`

	Network Network `toml:"network"`
	Esplora string  `toml:"esplora"`

	L2HTTPEndpoint string `toml:"l2_http_endpoint"`

	L1SatsPerClaim uint64 `toml:"l1_sats_per_claim"`
	L2WeiPerClaim  uint64 `toml:"l2_sats_per_claim"`

	PoW PoWConfig `toml:"pow"`
}

// Load reads and strictly decodes the TOML document at path, then
// validates it. A missing required key is a fatal startup error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unrecognized keys in %s: %v", path, undecoded)
	}
	for _, key := range requiredKeys {
		if !meta.IsDefined(key...) {
			return nil, fmt.Errorf("config: missing required key %q in %s", joinKey(key), path)
		}
	}
	// The protocol salt is never configurable: a "salt" override key
	// anywhere in the document is rejected above as an unrecognized key,
	// rather than silently ignored.

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var requiredKeys = [][]string{
	{"host"}, {"port"}, {"ip_src"}, {"seed_file"}, {"sqlite_file"},
	{"network"}, {"esplora"}, {"l2_http_endpoint"},
	{"l1_sats_per_claim"}, {"l2_sats_per_claim"},
	{"pow", "m"}, {"pow", "L"}, {"pow", "b"},
}

func joinKey(k []string) string {
	s := k[0]
	for _, p := range k[1:] {
		s += "." + p
	}
	return s
}

// Validate checks cross-field invariants that a single-key decode cannot
// express: the PoW ramp width must be non-zero, the minimum balance must
// be non-negative and enum fields must hold recognized values.
func (c *Config) Validate() error {
	switch c.IPSource {
	case IPSourceConnectInfo, IPSourceXForwardedFor, IPSourceRightmostXForwardedFor:
	default:
		return fmt.Errorf("config: invalid ip_src %q", c.IPSource)
	}
	switch c.Network {
	case NetworkMainnet, NetworkSignet, NetworkTestnet, NetworkRegtest:
	default:
		return fmt.Errorf("config: invalid network %q", c.Network)
	}
	if c.PoW.MinDifficulty > 255 {
		return fmt.Errorf("config: pow.m must be <= 255, got %d", c.PoW.MinDifficulty)
	}
	if c.PoW.RampClaims == 0 {
		return fmt.Errorf("config: pow.L must be non-zero")
	}
	if c.PoW.MinBalance < 0 {
		return fmt.Errorf("config: pow.b must be non-negative, got %d", c.PoW.MinBalance)
	}
	if c.L1SatsPerClaim == 0 {
		return fmt.Errorf("config: l1_sats_per_claim must be non-zero")
	}
	if c.L2WeiPerClaim == 0 {
		return fmt.Errorf("config: l2_sats_per_claim must be non-zero")
	}
	if c.Port == 0 {
		return fmt.Errorf("config: port must be non-zero")
	}
	return nil
}
