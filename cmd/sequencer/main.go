// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	gethnode "github.com/ethereum/go-ethereum/node"
	"github.com/pkg/errors"

	"github.com/optirollup/sequencer/basechain"
	"github.com/optirollup/sequencer/cmd/confighelpers"
	"github.com/optirollup/sequencer/cmd/genericconf"
	"github.com/optirollup/sequencer/cmd/util"
	"github.com/optirollup/sequencer/node"
	"github.com/optirollup/sequencer/settlement"
	"github.com/optirollup/sequencer/util/retry"
)

func printSampleUsage(name string) {
	fmt.Printf("Sample usage: %s --dev.enable --node.chain.genesis-alloc <address>:<amount>\n", name)
	fmt.Printf("              %s --base-chain.url <url> --node.settlement.inbox-address <address> --wallet.private-key <key>\n", name)
}

func main() {
	os.Exit(mainImpl())
}

// externalDeps are the base chain facing components the node is built on.
type externalDeps struct {
	client    basechain.Client
	deposits  basechain.DepositSource
	submitter settlement.Submitter
	close     func()
}

func devDeps(ctx context.Context, config *SequencerConfig) *externalDeps {
	sim := basechain.NewSimulatedChain(uint64(time.Now().Unix()))
	mineCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(config.Dev.BlockTime)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sim.Mine(1)
			case <-mineCtx.Done():
				return
			}
		}
	}()
	return &externalDeps{
		client:    sim,
		deposits:  sim,
		submitter: settlement.NewSimulatedSubmitter(sim),
		close:     cancel,
	}
}

func baseChainDeps(ctx context.Context, config *SequencerConfig) (*externalDeps, error) {
	client, err := retry.UntilSucceeds(ctx, config.BaseChain.ConnectionRetryInterval, "dialing base chain", func(ctx context.Context) (*ethclient.Client, error) {
		client, err := ethclient.DialContext(ctx, config.BaseChain.URL)
		if err != nil {
			return nil, err
		}
		// dialing is lazy for http, so make a request
		if _, err := client.ChainID(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "dialing base chain")
	}
	deps := &externalDeps{client: client, close: client.Close}
	if config.BaseChain.DepositContract != "" {
		deps.deposits = basechain.NewLogDepositSource(client, common.HexToAddress(config.BaseChain.DepositContract))
	}
	if !config.Node.Producer.Enable {
		return deps, nil
	}
	key, err := config.Wallet.OpenKey()
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "opening settlement wallet")
	}
	submitter, err := settlement.NewL1Submitter(client, key, func() *settlement.Config { return &config.Node.Settlement })
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "creating settlement submitter")
	}
	log.Info("Settlement submitter", "sender", submitter.Sender())
	deps.submitter = submitter
	return deps, nil
}

func mainImpl() int {
	ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()

	config, err := ParseSequencer(os.Args[1:])
	if err != nil {
		confighelpers.PrintErrorAndExit(err, printSampleUsage)
	}
	if err := genericconf.InitLog(config.LogType, config.LogLevel, &config.FileLogging, genericconf.DefaultPathResolver(config.Persistent.LogDir)); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		return 1
	}
	vcsRevision, vcsTime := confighelpers.GetVersion()
	log.Info("Running sequencer", "revision", vcsRevision, "vcs.time", vcsTime, "dev", config.Dev.Enable)

	if err := util.StartMetrics(config.Metrics, &config.MetricsServer); err != nil {
		log.Error("Error starting metrics", "err", err)
		return 1
	}

	stackConf := gethnode.DefaultConfig
	stackConf.Name = "sequencer"
	stackConf.DataDir = config.Persistent.Chain
	stackConf.DBEngine = "pebble"
	stackConf.P2P.ListenAddr = ""
	stackConf.P2P.NoDial = true
	stackConf.P2P.NoDiscovery = true
	stackConf.IPCPath = ""
	stackConf.Version = vcsRevision
	config.HTTP.Apply(&stackConf)
	config.WS.Apply(&stackConf)
	config.RPC.Apply(&stackConf)
	stack, err := gethnode.New(&stackConf)
	if err != nil {
		log.Error("Error creating node stack", "err", err)
		return 1
	}
	defer stack.Close()

	db, err := stack.OpenDatabaseWithOptions("chaindata", gethnode.DatabaseOptions{
		MetricsNamespace: "sequencer/chaindb/",
		Cache:            config.Persistent.Cache,
		Handles:          config.Persistent.Handles,
	})
	if err != nil {
		log.Error("Error opening database", "err", err)
		return 1
	}

	var deps *externalDeps
	if config.Dev.Enable {
		deps = devDeps(ctx, config)
	} else {
		deps, err = baseChainDeps(ctx, config)
		if err != nil {
			log.Error("Error connecting to base chain", "err", err)
			return 1
		}
	}
	defer deps.close()

	n, err := node.CreateNode(db, deps.client, deps.deposits, deps.submitter, func() *node.Config { return &config.Node })
	if err != nil {
		log.Error("Error creating sequencer node", "err", err)
		return 1
	}
	stack.RegisterAPIs(n.APIs())
	if err := stack.Start(); err != nil {
		log.Error("Error starting node stack", "err", err)
		return 1
	}
	if err := n.Start(ctx); err != nil {
		log.Error("Error starting sequencer node", "err", err)
		return 1
	}
	status := n.Chain.Status()
	log.Info("Sequencer started", "block", status.BlockNumber, "hash", status.BlockHash, "baseHeight", status.BaseHeight, "producer", config.Node.Producer.Enable)

	<-ctx.Done()
	log.Info("Shutting down")
	n.StopAndWait()
	return 0
}
