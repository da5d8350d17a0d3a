// Command faucetd runs the two-chain proof-of-work faucet, or manages
// its master seed.
package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/alpenlabs/faucet-api/internal/challenge"
	"github.com/alpenlabs/faucet-api/internal/collaborators"
	"github.com/alpenlabs/faucet-api/internal/config"
	"github.com/alpenlabs/faucet-api/internal/faucetapi"
	"github.com/alpenlabs/faucet-api/internal/l1wallet"
	"github.com/alpenlabs/faucet-api/internal/l2dispatch"
	"github.com/alpenlabs/faucet-api/internal/powcurve"
	"github.com/alpenlabs/faucet-api/internal/ratelimit"
	"github.com/alpenlabs/faucet-api/internal/seedkeys"
)

var configFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Usage:    "path to the faucet's TOML configuration file",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:  "faucetd",
		Usage: "two-chain proof-of-work faucet",
		Commands: []*cli.Command{
			runCommand,
			seedCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start the faucet HTTP server",
	Flags: []cli.Flag{configFlag},
	Action: func(c *cli.Context) error {
		return runFaucet(c.String("config"))
	},
}

var seedCommand = &cli.Command{
	Name:  "seed",
	Usage: "manage the faucet's master seed",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "create the seed file if it does not already exist",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				cfg, err := config.Load(c.String("config"))
				if err != nil {
					return err
				}
				_, err = seedkeys.LoadOrCreate(cfg.SeedFile, networkParams(cfg.Network))
				if err != nil {
					return err
				}
				fmt.Println("seed ready at", cfg.SeedFile)
				return nil
			},
		},
		{
			Name:  "mnemonic",
			Usage: "print the BIP-39 mnemonic for the existing seed file",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				cfg, err := config.Load(c.String("config"))
				if err != nil {
					return err
				}
				// Read-only: a missing seed file is an error here, not
				// something for LoadOrCreate to create.
				if _, err := os.Stat(cfg.SeedFile); err != nil {
					return fmt.Errorf("seed file %s: %w", cfg.SeedFile, err)
				}
				keys, err := seedkeys.LoadOrCreate(cfg.SeedFile, networkParams(cfg.Network))
				if err != nil {
					return err
				}
				mnemonic, err := seedkeys.Mnemonic(keys.Seed)
				if err != nil {
					return err
				}
				fmt.Println(mnemonic)
				return nil
			},
		},
	},
}

func networkParams(n config.Network) *chaincfg.Params {
	switch n {
	case config.NetworkMainnet:
		return &chaincfg.MainNetParams
	case config.NetworkTestnet:
		return &chaincfg.TestNet3Params
	case config.NetworkRegtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.SigNetParams
	}
}

func runFaucet(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("faucetd: %w", err)
	}

	net := networkParams(cfg.Network)
	keys, err := seedkeys.LoadOrCreate(cfg.SeedFile, net)
	if err != nil {
		return fmt.Errorf("faucetd: loading seed: %w", err)
	}

	l1Addr, err := seedkeys.L1Address(keys, net)
	if err != nil {
		return fmt.Errorf("faucetd: deriving L1 address: %w", err)
	}
	descriptor := l1Addr.EncodeAddress()
	l1Key, err := seedkeys.L1SigningKey(keys)
	if err != nil {
		return fmt.Errorf("faucetd: deriving L1 signing key: %w", err)
	}
	l2Key := keys.L2Key.ToECDSA()

	esplora := collaborators.NewEsploraHTTPClient(cfg.Esplora)
	evm, err := collaborators.DialEVMRPCClient(context.Background(), cfg.L2HTTPEndpoint)
	if err != nil {
		return fmt.Errorf("faucetd: connecting to L2 endpoint: %w", err)
	}

	curveL1, err := powcurve.NewCurve(powcurve.Config{
		MinDifficulty:  cfg.PoW.MinDifficulty,
		AmountPerClaim: int64(cfg.L1SatsPerClaim),
		RampClaims:     cfg.PoW.RampClaims,
		MinBalance:     cfg.PoW.MinBalance,
	})
	if err != nil {
		return err
	}
	curveL2, err := powcurve.NewCurve(powcurve.Config{
		MinDifficulty:  cfg.PoW.MinDifficulty,
		AmountPerClaim: int64(cfg.L2WeiPerClaim),
		RampClaims:     cfg.PoW.RampClaims,
		MinBalance:     cfg.PoW.MinBalance,
	})
	if err != nil {
		return err
	}

	l1Balance := func() (int64, error) {
		utxos, err := esplora.GetUTXOs(context.Background(), descriptor)
		if err != nil {
			return 0, err
		}
		var total int64
		for _, u := range utxos {
			total += int64(u.Amount)
		}
		return total, nil
	}
	l2From := l2dispatch.AddressFromKey(l2Key)
	l2Balance := func() (int64, error) {
		wei, err := evm.GetBalance(context.Background(), l2From)
		if err != nil {
			return 0, err
		}
		if wei.IsInt64() {
			return wei.Int64(), nil
		}
		return math.MaxInt64, nil
	}

	store := challenge.New(challenge.Config{
		Balance: func(chain challenge.Chain) (int64, error) {
			if chain == challenge.ChainL1 {
				return l1Balance()
			}
			return l2Balance()
		},
		Difficulty: func(chain challenge.Chain, balance int64) uint8 {
			if chain == challenge.ChainL1 {
				return curveL1.Difficulty(balance)
			}
			return curveL2.Difficulty(balance)
		},
	})

	limiterSource := ratelimit.ConnectInfo
	switch cfg.IPSource {
	case config.IPSourceXForwardedFor:
		limiterSource = ratelimit.XForwardedFor
	case config.IPSourceRightmostXForwardedFor:
		limiterSource = ratelimit.RightmostXForwardedFor
	}
	limiter, err := ratelimit.New(ratelimit.Config{Source: limiterSource})
	if err != nil {
		return err
	}

	ledger, err := l1wallet.OpenLedger(cfg.SQLiteFile)
	if err != nil {
		return err
	}
	defer ledger.Close()

	batcher := l1wallet.New(l1wallet.Config{
		Descriptor:  descriptor,
		ChainParams: net,
		PrivateKey:  l1Key,
		Esplora:     esplora,
		Ledger:      ledger,
	})

	dispatcher := l2dispatch.New(l2dispatch.Config{
		ChainID: evm.ChainID(),
		Key:     l2Key,
		From:    l2dispatch.AddressFromKey(l2Key),
		EVM:     evm,
	})

	server := faucetapi.New(faucetapi.Config{
		Challenges:     store,
		Limiter:        limiter,
		CurveL1:        curveL1,
		CurveL2:        curveL2,
		L1Batcher:      batcher,
		L2Dispatcher:   dispatcher,
		L1SatsPerClaim: cfg.L1SatsPerClaim,
		L2WeiPerClaim:  cfg.L2WeiPerClaim,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go store.Run(ctx.Done())
	go batcher.Run(ctx)
	go dispatcher.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: server,
	}

	logger := log.Root()
	go func() {
		logger.Info("faucetd listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down, draining in-flight batches")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	batcher.Stop()
	dispatcher.Stop()

	return nil
}
