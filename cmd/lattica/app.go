package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/latticanet/lattica/contract"
	"github.com/latticanet/lattica/coordinator"
	"github.com/latticanet/lattica/discovery"
	"github.com/latticanet/lattica/identity"
	"github.com/latticanet/lattica/selector"
	"github.com/latticanet/lattica/slogger"
	"github.com/latticanet/lattica/storage"
	"github.com/latticanet/lattica/wallet"
)

// app holds everything a subcommand needs: the identity's wallet, its
// encrypted store, the marketplace facade and host discovery.
type app struct {
	wallet  *wallet.PrivateKeyWallet
	store   storage.Facade
	facade  contract.Facade
	disc    *discovery.Service
	coord   *coordinator.Coordinator
	logger  slogger.Logger
	chainID uint64
}

func newApp(ctx context.Context, needChain bool) (*app, error) {
	level := slogger.LevelInfo
	if flagVerbose {
		level = slogger.LevelDebug
	}
	logger := slogger.New(level)

	if flagPrivateKey == "" {
		return nil, fmt.Errorf("a private key is required (--private-key or LATTICA_PRIVATE_KEY)")
	}
	w, err := wallet.NewPrivateKeyWallet(flagPrivateKey)
	if err != nil {
		return nil, err
	}

	seed, err := identity.DeriveSeedFromAddress(w.Address().Hex(), flagChainID)
	if err != nil {
		return nil, err
	}
	store, err := storage.Connect(seed, storage.Options{
		Path:   filepath.Join(flagDataDir, fmt.Sprintf("chain-%d", flagChainID)),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	a := &app{wallet: w, store: store, logger: logger, chainID: flagChainID}
	if needChain {
		if flagRPC == "" || flagContract == "" {
			store.Close()
			return nil, fmt.Errorf("--rpc and --contract are required (or LATTICA_RPC / LATTICA_CONTRACT)")
		}
		facade, err := contract.Dial(ctx, flagRPC, flagContract, flagChainID, w, contract.ClientOptions{Logger: logger})
		if err != nil {
			store.Close()
			return nil, err
		}
		a.facade = facade
		a.disc = newDiscovery(facade, logger)

		coord, err := coordinator.New(w, facade, store, coordinator.Options{
			Discovery: a.disc,
			Selector:  selector.New(),
			Logger:    logger,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		a.coord = coord
	}
	return a, nil
}

func newDiscovery(facade contract.Facade, logger slogger.Logger) *discovery.Service {
	sources := []discovery.Source{
		discovery.NewMulticastSource("", logger),
	}
	if registry := os.Getenv("LATTICA_REGISTRY"); registry != "" {
		sources = append(sources, discovery.NewRegistrySource(registry, discovery.RegistryQuery{}, logger))
	}
	sources = append(sources, discovery.NewContractSource(facade))
	return discovery.New(sources, discovery.Options{Logger: logger})
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}
