// Command chainwalk walks a node's block directory and prints the canonical
// chain, one JSON object per line, to stdout.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"github.com/tokenized/threads"

	"github.com/chain-walk/blockwalk/pkg/forkresolver"
	"github.com/chain-walk/blockwalk/pkg/chainstream"
)

type options struct {
	Dir                string `short:"d" long:"dir" description:"Node block directory (default ~/.bitcoin/blocks)"`
	Glob               string `long:"glob" default:"blk*.dat" description:"Block filename glob"`
	Tail               bool   `long:"tail" description:"Keep running, following new blocks as the node writes them"`
	AllForks           bool   `long:"all-forks" description:"Release every block of every branch as soon as its parent is known, instead of only the confirmed longest chain"`
	Transactions       bool   `short:"t" long:"transactions" description:"Emit one line per transaction instead of per block"`
	ResolveSpentInputs bool   `long:"resolve-inputs" description:"Resolve each input's spent output (requires --transactions)"`
	UTXOStoreScripts   bool   `long:"utxo-store-scripts" description:"Retain locking scripts in the UTXO tracker instead of values only"`
	StartHeight        int32  `long:"start-height" description:"Skip blocks below this height"`
	StopHeight         int32  `long:"stop-height" description:"Stop after this height"`
	Verbose            bool   `short:"v" long:"verbose" description:"Enable verbose logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	ctx := logger.ContextWithLogger(context.Background(), opts.Verbose, true, "")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mode := forkresolver.LongestChain
	if opts.AllForks {
		mode = forkresolver.AllForks
	}

	cfg := chainstream.Config{
		Dir:                opts.Dir,
		Glob:               opts.Glob,
		Tail:               opts.Tail,
		Mode:               mode,
		ResolveSpentInputs: opts.ResolveSpentInputs,
		UTXOStoreScripts:   opts.UTXOStoreScripts,
	}
	filter := chainstream.Filter{
		StartHeight: opts.StartHeight,
		StopHeight:  opts.StopHeight,
	}

	var wait sync.WaitGroup
	walkThread, walkComplete := threads.NewInterruptableThreadComplete("chainwalk",
		func(ctx context.Context, interrupt <-chan interface{}) error {
			if opts.Transactions {
				return runTransactions(ctx, cfg, filter)
			}
			return runBlocks(ctx, cfg, filter)
		}, &wait)

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)

	walkThread.Start(ctx)

	select {
	case <-walkComplete:
	case <-osSignals:
		logger.Info(ctx, "Interrupt received, shutting down")
	}

	walkThread.Stop(ctx)
	cancel()
	wait.Wait()
}

func runBlocks(ctx context.Context, cfg chainstream.Config, filter chainstream.Filter) error {
	out, err := chainstream.Blocks(ctx, cfg, filter)
	if err != nil {
		return errors.Wrap(err, "start block stream")
	}
	enc := json.NewEncoder(os.Stdout)
	for r := range out {
		line := map[string]interface{}{
			"height": r.Height,
			"hash":   r.Block.Hash().String(),
			"time":   r.Block.Timestamp,
		}
		if err := enc.Encode(line); err != nil {
			return errors.Wrap(err, "encode block")
		}
	}
	return nil
}

func runTransactions(ctx context.Context, cfg chainstream.Config, filter chainstream.Filter) error {
	out, err := chainstream.Transactions(ctx, cfg, filter)
	if err != nil {
		return errors.Wrap(err, "start transaction stream")
	}
	enc := json.NewEncoder(os.Stdout)
	for r := range out {
		line := map[string]interface{}{
			"block_height": r.BlockHeight,
			"block_hash":   r.BlockHash.String(),
			"txid":         r.Tx.Txid.String(),
			"inputs":       len(r.Tx.Inputs),
			"outputs":      len(r.Tx.Outputs),
		}
		if err := enc.Encode(line); err != nil {
			return errors.Wrap(err, "encode transaction")
		}
	}
	return nil
}
