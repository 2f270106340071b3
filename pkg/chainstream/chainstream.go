// Package chainstream is the façade blockwalk's consumers are meant to
// import directly: it wires pkg/rawfile, pkg/blockdecode and
// pkg/forkresolver into a single ordered stream of canonical blocks, and
// optionally layers pkg/utxo on top so transaction inputs arrive with their
// spent output already resolved.
package chainstream

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"

	"github.com/chain-walk/blockwalk/pkg/blockdecode"
	"github.com/chain-walk/blockwalk/pkg/bprim"
	"github.com/chain-walk/blockwalk/pkg/forkresolver"
	"github.com/chain-walk/blockwalk/pkg/rawfile"
	"github.com/chain-walk/blockwalk/pkg/txdecode"
	"github.com/chain-walk/blockwalk/pkg/utxo"
)

// Config selects the node data directory and chain-walking behavior.
type Config struct {
	Dir                string            `default:"" envconfig:"BLOCKS_DIR" json:"dir"`
	Glob               string            `default:"blk*.dat" envconfig:"BLOCKS_GLOB" json:"glob"`
	Tail               bool              `default:"false" envconfig:"TAIL" json:"tail"`
	Mode               forkresolver.Mode `default:"0" envconfig:"FORK_MODE" json:"mode"`
	ResolveSpentInputs bool              `default:"false" envconfig:"RESOLVE_SPENT_INPUTS" json:"resolve_spent_inputs"`
	UTXOKeyPrefixBytes int               `default:"8" envconfig:"UTXO_KEY_PREFIX_BYTES" json:"utxo_key_prefix_bytes"`
	UTXOSizeHint       uint32            `default:"0" envconfig:"UTXO_SIZE_HINT" json:"utxo_size_hint"`
	UTXOStoreScripts   bool              `default:"false" envconfig:"UTXO_STORE_SCRIPTS" json:"utxo_store_scripts"`
}

func (c Config) utxoMode() utxo.StorageMode {
	if c.UTXOStoreScripts {
		return utxo.WithScripts
	}
	return utxo.Minimal
}

// Filter narrows a stream to a height and/or block-time window. Zero values
// mean unbounded on that side.
type Filter struct {
	StartHeight    int32
	StopHeight     int32 // 0 means unbounded
	StartBlockTime uint32
	StopBlockTime  uint32 // 0 means unbounded
}

func (f Filter) admitsHeight(h int32) bool {
	if h < f.StartHeight {
		return false
	}
	if f.StopHeight != 0 && h > f.StopHeight {
		return false
	}
	return true
}

func (f Filter) admitsTime(t uint32) bool {
	if t < f.StartBlockTime {
		return false
	}
	if f.StopBlockTime != 0 && t > f.StopBlockTime {
		return false
	}
	return true
}

// BlockResult is one canonical block released by the stream.
type BlockResult struct {
	Block  *blockdecode.Block
	Height int32
}

// TxResult is one transaction released by Transactions, carrying the block
// it belongs to for context.
type TxResult struct {
	Tx          txdecode.Tx
	BlockHash   bprim.Hash
	BlockHeight int32
}

// Blocks starts walking Config.Dir and returns a channel of canonical,
// height-ordered blocks. The channel is closed when the underlying raw file
// reader finishes (or, with Config.Tail, runs forever until ctx is
// cancelled). Errors are logged, not returned: a raw-file reader failure
// ends the stream, while a block that fails to decode or to resolve is
// skipped. After the channel closes, ctx.Err() tells only whether ctx was
// cancelled; a reader failure and a normal end look the same.
func Blocks(ctx context.Context, cfg Config, filter Filter) (<-chan BlockResult, error) {
	reader, err := rawfile.New(rawfile.Options{Dir: cfg.Dir, Glob: cfg.Glob, Tail: cfg.Tail})
	if err != nil {
		return nil, errors.Wrap(err, "open raw file reader")
	}

	spans := make(chan rawfile.Span, 64)
	out := make(chan BlockResult, 64)

	go func() {
		defer close(spans)
		if err := reader.Run(ctx, spans); err != nil && err != rawfile.ErrCancelled {
			logger.Error(ctx, "raw file reader stopped: %s", err)
		}
	}()

	go func() {
		defer close(out)
		resolver := forkresolver.New(cfg.Mode)
		for span := range spans {
			block, err := decodeSpan(span)
			if err != nil {
				logger.Error(ctx, "block decode failed for %s: %s", span.File, err)
				continue
			}

			released, err := resolver.Accept(block)
			if err != nil {
				logger.Error(ctx, "fork resolution failed: %s", err)
				continue
			}

			for _, r := range released {
				if !filter.admitsHeight(r.Height) || !filter.admitsTime(r.Block.Timestamp) {
					continue
				}
				select {
				case out <- BlockResult{Block: r.Block, Height: r.Height}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// decodeSpan decodes a raw span's payload into a Block. Spans coming out of
// pkg/rawfile already had their magic+size frame stripped, so this is a
// direct header decode rather than another ReadFramed call.
func decodeSpan(span rawfile.Span) (*blockdecode.Block, error) {
	return blockdecode.Decode(span.Payload)
}

// Transactions streams every transaction from every canonical block in
// filter's window. When cfg.ResolveSpentInputs is true, each input's
// SpendingInfo is filled in from a Tracker populated as blocks arrive;
// spends referencing outputs from before Filter.StartHeight will not
// resolve, since the tracker is only ever fed blocks this stream has seen.
func Transactions(ctx context.Context, cfg Config, filter Filter) (<-chan TxResult, error) {
	blocks, err := Blocks(ctx, cfg, filter)
	if err != nil {
		return nil, err
	}

	out := make(chan TxResult, 256)
	go func() {
		defer close(out)
		var tracker *utxo.Tracker
		if cfg.ResolveSpentInputs {
			tracker = utxo.New(cfg.UTXOKeyPrefixBytes, cfg.UTXOSizeHint, cfg.utxoMode())
		}

		for b := range blocks {
			cur, err := b.Block.Transactions()
			if err != nil {
				logger.Error(ctx, "transaction cursor failed for block %s: %s", b.Block.Hash(), err)
				continue
			}
			for {
				tx, ok, err := cur.Next()
				if err != nil {
					logger.Error(ctx, "transaction decode failed in block %s: %s", b.Block.Hash(), err)
					break
				}
				if !ok {
					break
				}

				if tracker != nil {
					if err := tracker.AddFromTx(tx, b.Height); err != nil {
						logger.Warn(ctx, "utxo insert failed for tx %s: %s", tx.Txid, err)
					}
					resolveInputs(tracker, &tx)
				}

				select {
				case out <- TxResult{Tx: tx, BlockHash: b.Block.Hash(), BlockHeight: b.Height}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// resolveInputs fills in SpendingInfo for every non-coinbase input of tx by
// spending the referenced output out of tracker.
func resolveInputs(tracker *utxo.Tracker, tx *txdecode.Tx) {
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.IsCoinbase() {
			continue
		}
		info, err := tracker.Spend(in.SpentTxid, in.SpentOutputIndex)
		if err != nil {
			continue
		}
		in.SpendingInfo = &txdecode.SpentOutput{Output: info.Output, BlockHeight: info.BlockHeight}
	}
}
