// Package seedkeys derives the faucet's L1 and L2 signing keys from a
// single master seed file, and provides the BIP-39 mnemonic view used for
// operator backup.
package seedkeys

import (
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// l1AccountIndex and l1AddressIndex name the single derivation path
// (m/0/0) this faucet spends from. A faucet hot wallet has no reason to
// rotate addresses: every claim batch spends and change returns to the
// same key, so one derived address is enough.
const (
	l1AccountIndex = 0
	l1AddressIndex = 0
)

// SeedSize is the size, in bytes, of the master seed persisted on disk.
const SeedSize = 32

// l2Info is the HKDF domain-separation label for the L2 signing key. It
// guarantees the L1 and L2 keys are independent even though they are
// derived from the same master seed.
const l2Info = "l2 ethereum"

// ErrWrongSeedSize is returned when an on-disk seed file is not exactly
// SeedSize bytes.
var ErrWrongSeedSize = errors.New("seedkeys: seed file has wrong size")

// Keys holds the derived L1 extended key and L2 signing key for one
// faucet instance.
type Keys struct {
	Seed [SeedSize]byte

	L1Master *hdkeychain.ExtendedKey
	L2Key    *btcec.PrivateKey
}

// LoadOrCreate reads the master seed at path, or creates one with a
// cryptographically random 32-byte value and 0600 permissions if it does
// not exist yet, then derives the L1 and L2 keys from it.
func LoadOrCreate(path string, net *chaincfg.Params) (*Keys, error) {
	seed, err := readSeed(path)
	if errors.Is(err, os.ErrNotExist) {
		seed, err = createSeed(path)
	}
	if err != nil {
		return nil, err
	}
	return deriveKeys(seed, net)
}

func readSeed(path string) ([SeedSize]byte, error) {
	var seed [SeedSize]byte
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, err
	}
	if len(data) != SeedSize {
		return seed, fmt.Errorf("%w: %s is %d bytes, want %d", ErrWrongSeedSize, path, len(data), SeedSize)
	}
	copy(seed[:], data)
	return seed, nil
}

func createSeed(path string) ([SeedSize]byte, error) {
	var seed [SeedSize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return seed, fmt.Errorf("seedkeys: generating seed: %w", err)
	}
	if err := os.WriteFile(path, seed[:], 0o600); err != nil {
		return seed, fmt.Errorf("seedkeys: writing seed file %s: %w", path, err)
	}
	return seed, nil
}

func deriveKeys(seed [SeedSize]byte, net *chaincfg.Params) (*Keys, error) {
	l1Master, err := hdkeychain.NewMaster(seed[:], net)
	if err != nil {
		return nil, fmt.Errorf("seedkeys: deriving L1 master key: %w", err)
	}

	l2Key, err := deriveL2Key(seed)
	if err != nil {
		return nil, err
	}

	return &Keys{Seed: seed, L1Master: l1Master, L2Key: l2Key}, nil
}

// deriveL2Key derives a secp256k1 signing key for the L2 dispatcher via
// HKDF-SHA512 over the master seed, domain-separated from the L1 key by
// l2Info so compromise of one chain's derivation path does not expose the
// other.
func deriveL2Key(seed [SeedSize]byte) (*btcec.PrivateKey, error) {
	reader := hkdf.New(sha512.New, seed[:], nil, []byte(l2Info))
	var raw [32]byte
	if _, err := io.ReadFull(reader, raw[:]); err != nil {
		return nil, fmt.Errorf("seedkeys: deriving L2 key: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return priv, nil
}

// Mnemonic renders the master seed as a BIP-39 mnemonic for operator
// backup. It never writes the seed file; callers are responsible for
// keeping the printed mnemonic secret.
func Mnemonic(seed [SeedSize]byte) (string, error) {
	return bip39.NewMnemonic(seed[:])
}

// SeedFromMnemonic recovers a 32-byte master seed from a previously
// recorded mnemonic, validating its checksum.
func SeedFromMnemonic(mnemonic string) ([SeedSize]byte, error) {
	var seed [SeedSize]byte
	if !bip39.IsMnemonicValid(mnemonic) {
		return seed, errors.New("seedkeys: invalid mnemonic checksum")
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return seed, fmt.Errorf("seedkeys: decoding mnemonic: %w", err)
	}
	if len(entropy) != SeedSize {
		return seed, fmt.Errorf("%w: mnemonic encodes %d bytes, want %d", ErrWrongSeedSize, len(entropy), SeedSize)
	}
	copy(seed[:], entropy)
	return seed, nil
}

// L1SigningKey derives the private key for the faucet's single L1
// spending address, at m/l1AccountIndex/l1AddressIndex below the master
// key.
func L1SigningKey(k *Keys) (*btcec.PrivateKey, error) {
	account, err := k.L1Master.Derive(l1AccountIndex)
	if err != nil {
		return nil, fmt.Errorf("seedkeys: deriving L1 account: %w", err)
	}
	child, err := account.Derive(l1AddressIndex)
	if err != nil {
		return nil, fmt.Errorf("seedkeys: deriving L1 address key: %w", err)
	}
	return child.ECPrivKey()
}

// L1Address derives the faucet's single L1 spending address on net.
func L1Address(k *Keys, net *chaincfg.Params) (btcutil.Address, error) {
	priv, err := L1SigningKey(k)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), net)
}
