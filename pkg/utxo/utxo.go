// Package utxo tracks the unspent transaction output set as a node walks the
// canonical chain forward. It is sized for billions of live entries, so the
// per-entry layout and the hash map backing it are chosen for memory density
// over convenience: entries are keyed by a configurable-width prefix of the
// owning transaction's txid rather than the full 32-byte hash, and spent
// output slots are marked rather than reclaimed individually.
package utxo

import (
	"encoding/binary"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"

	"github.com/chain-walk/blockwalk/pkg/bprim"
	"github.com/chain-walk/blockwalk/pkg/txdecode"
)

// spentSentinel marks an output slot that has already been spent. No real
// block height equals this value.
const spentSentinel uint64 = 0xFFFFFFFFFFFFFFFF

// DefaultKeyPrefixBytes is the number of leading txid bytes used as the map
// key. Eight bytes keeps the key a single machine word while leaving
// collision probability negligible at realistic UTXO-set sizes; a collision
// that does occur is reported by AddFromTx as ErrKeyCollision.
const DefaultKeyPrefixBytes = 8

// ErrNotFound is returned by Spend when the referenced output is not in the
// tracked set, either because it was never seen or because it was already
// spent (a double-spend, or a caller bug replaying the same input twice).
var ErrNotFound = errors.New("output not found in utxo set")

// ErrKeyCollision is returned when two distinct txids share the same
// key-prefix bytes. At DefaultKeyPrefixBytes this is expected to never fire
// on a real chain; it exists so corruption is detected rather than silently
// misattributing an output to the wrong transaction.
var ErrKeyCollision = errors.New("txid prefix collision")

// SpendingInfo is what Spend hands back about the output it just consumed.
type SpendingInfo struct {
	Output      txdecode.TxOutput
	BlockHeight int32
}

// StorageMode selects how much of a spent-eligible output Tracker retains.
type StorageMode int

const (
	// Minimal keeps only the 8-byte value per output; LockingScript is
	// always nil on anything Spend or Iter hands back. This is the dense
	// mode a full chain sync defaults to, since the script bytes are never
	// looked at again once spendability is the only question being asked.
	Minimal StorageMode = iota
	// WithScripts additionally retains a tracker-owned copy of each
	// output's locking script, for callers that need to inspect spent
	// scripts (address clustering, script-type stats) without re-decoding
	// the owning block.
	WithScripts
)

// entry is the per-transaction record kept in the map: one slot per output,
// each either a live (value, script, not-yet-spent) triple or the spent
// sentinel. Outputs isn't trimmed as they're spent — only dropped once every
// output in the transaction is spent, at which point the whole entry is
// deleted — so Spend can always index back into its original positions.
// outputs is always tracker-owned memory, never a sub-slice of a decoded
// block's Raw buffer: see AddFromTx.
type entry struct {
	txid        bprim.Hash
	height      int32
	outputs     []txdecode.TxOutput
	spentHeight []uint64 // spentSentinel once spent, else the entry's own height (used as a liveness check)
	liveCount   int
}

// Tracker is the live UTXO set. It is not safe for concurrent use; the
// pipeline that owns it (pkg/chainstream) applies blocks to it sequentially,
// matching the single-threaded cooperative model the rest of the decoder
// pipeline runs under.
type Tracker struct {
	keyPrefixBytes int
	mode           StorageMode
	byKey          *swiss.Map[uint64, *entry]
}

// New returns an empty Tracker. keyPrefixBytes overrides DefaultKeyPrefixBytes
// when positive; the key is a single uint64, so the prefix can only be
// narrowed, and values above 8 are treated as 8. sizeHint pre-sizes the
// backing map to avoid rehashing during the initial chain sync; mode selects
// whether locking scripts are retained at all.
func New(keyPrefixBytes int, sizeHint uint32, mode StorageMode) *Tracker {
	if keyPrefixBytes <= 0 {
		keyPrefixBytes = DefaultKeyPrefixBytes
	}
	if keyPrefixBytes > 8 {
		keyPrefixBytes = 8
	}
	return &Tracker{
		keyPrefixBytes: keyPrefixBytes,
		mode:           mode,
		byKey:          swiss.NewMap[uint64, *entry](sizeHint),
	}
}

func (t *Tracker) key(txid bprim.Hash) uint64 {
	var buf [8]byte
	copy(buf[:], txid[:t.keyPrefixBytes])
	return binary.LittleEndian.Uint64(buf[:])
}

// AddFromTx inserts every output of tx as a new, unspent entry at the given
// height. Coinbase maturity is not enforced: neither this package nor
// pkg/chainstream withholds coinbase outputs from being spent.
//
// tx.Outputs' LockingScript fields are sub-slices of the decoded block's Raw
// buffer (see txdecode.Decode); retaining them as-is would keep that entire
// multi-megabyte buffer alive for as long as a single unspent output from it
// survives. AddFromTx always copies Value into a freshly allocated output
// slice, and copies LockingScript into tracker-owned memory too when the
// Tracker is in WithScripts mode; in Minimal mode it is dropped entirely.
func (t *Tracker) AddFromTx(tx txdecode.Tx, height int32) error {
	if len(tx.Outputs) == 0 {
		return nil
	}
	key := t.key(tx.Txid)
	if existing, ok := t.byKey.Get(key); ok && existing.txid != tx.Txid {
		return errors.Wrapf(ErrKeyCollision, "key 0x%x: existing txid %s, new txid %s", key, existing.txid, tx.Txid)
	}

	outputs := make([]txdecode.TxOutput, len(tx.Outputs))
	for i, out := range tx.Outputs {
		owned := txdecode.TxOutput{Value: out.Value}
		if t.mode == WithScripts && len(out.LockingScript) > 0 {
			owned.LockingScript = append([]byte(nil), out.LockingScript...)
		}
		outputs[i] = owned
	}

	e := &entry{
		txid:        tx.Txid,
		height:      height,
		outputs:     outputs,
		spentHeight: make([]uint64, len(tx.Outputs)),
		liveCount:   len(tx.Outputs),
	}
	for i := range e.spentHeight {
		e.spentHeight[i] = uint64(height)
	}
	t.byKey.Put(key, e)
	return nil
}

// Spend marks the output at (spentTxid, spentOutputIndex) as consumed and
// returns the output it referenced. The entry is dropped from the map once
// its last live output is spent. It returns ErrNotFound if the transaction
// is unknown, the index is out of range, or the output was already spent.
func (t *Tracker) Spend(spentTxid bprim.Hash, spentOutputIndex uint32) (SpendingInfo, error) {
	key := t.key(spentTxid)
	e, ok := t.byKey.Get(key)
	if !ok || e.txid != spentTxid {
		return SpendingInfo{}, ErrNotFound
	}
	idx := int(spentOutputIndex)
	if idx < 0 || idx >= len(e.outputs) {
		return SpendingInfo{}, ErrNotFound
	}
	if e.spentHeight[idx] == spentSentinel {
		return SpendingInfo{}, ErrNotFound
	}

	out := e.outputs[idx]
	e.spentHeight[idx] = spentSentinel
	e.liveCount--
	if e.liveCount == 0 {
		t.byKey.Delete(key)
	}

	return SpendingInfo{Output: out, BlockHeight: e.height}, nil
}

// Has reports whether (txid, index) is a currently-unspent output.
func (t *Tracker) Has(txid bprim.Hash, index uint32) bool {
	e, ok := t.byKey.Get(t.key(txid))
	if !ok || e.txid != txid {
		return false
	}
	idx := int(index)
	if idx < 0 || idx >= len(e.outputs) {
		return false
	}
	return e.spentHeight[idx] != spentSentinel
}

// Len returns the number of transactions with at least one unspent output
// currently tracked. It is not the number of unspent outputs.
func (t *Tracker) Len() int {
	return t.byKey.Count()
}

// Entry describes one unspent output, yielded by Iter.
type Entry struct {
	Txid        bprim.Hash
	Index       uint32
	Output      txdecode.TxOutput
	BlockHeight int32
}

// Iter calls fn once for every currently-unspent output. It is meant for
// snapshotting (e.g. a periodic UTXO-set dump); fn must not call back into
// the Tracker, matching swiss.Map's iteration contract.
func (t *Tracker) Iter(fn func(Entry) bool) {
	t.byKey.Iter(func(_ uint64, e *entry) bool {
		for i, out := range e.outputs {
			if e.spentHeight[i] == spentSentinel {
				continue
			}
			if !fn(Entry{Txid: e.txid, Index: uint32(i), Output: out, BlockHeight: e.height}) {
				return true
			}
		}
		return false
	})
}
