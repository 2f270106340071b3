// Package txdecode parses a single serialized Bitcoin transaction from a
// borrowed byte view. It does not validate scripts, signatures or locktime
// meaning — only the wire shape.
package txdecode

import (
	"github.com/pkg/errors"

	"github.com/chain-walk/blockwalk/pkg/bprim"
)

// ErrMalformedTx is returned (optionally wrapped with errors.Wrap context)
// whenever the buffer is truncated, a varint overruns the budget, or a
// script/locktime field cannot be read.
var ErrMalformedTx = errors.New("malformed transaction")

// coinbaseIndex is the sentinel spent-output-index that marks the sole
// input of a coinbase transaction.
const coinbaseIndex = 0xFFFFFFFF

// TxOutput is one output of a transaction: a satoshi value and its locking
// script.
type TxOutput struct {
	Value         uint64
	LockingScript []byte
}

// TxInput is one input of a transaction. SpendingInfo is filled in later,
// optionally, by the UTXO tracker stage (pkg/utxo) — it starts nil.
type TxInput struct {
	SpentTxid        bprim.Hash
	SpentOutputIndex uint32
	UnlockingScript  []byte
	Sequence         uint32
	SpendingInfo     *SpentOutput
}

// SpentOutput is the information the UTXO tracker attaches to a TxInput
// once it resolves the output that input spends. It mirrors utxo.SpendingInfo
// without txdecode depending on the utxo package.
type SpentOutput struct {
	Output      TxOutput
	BlockHeight int32
}

// IsCoinbase reports whether in carries the coinbase sentinel values: an
// all-zero spent-txid and spent-output-index 0xFFFFFFFF. The decoder
// assigns this only to the first input of a transaction's first slot; no
// other input is expected to carry it, and callers should treat any such
// input found elsewhere as attacker-controlled rather than a real coinbase.
func (in TxInput) IsCoinbase() bool {
	return in.SpentOutputIndex == coinbaseIndex && in.SpentTxid == bprim.ZeroHash
}

// Tx is a fully decoded transaction. Txid is the double-SHA256 of the exact
// byte span that was parsed to produce it, so re-hashing RawSize bytes
// starting at the span's offset reproduces Txid.
type Tx struct {
	Version  int32
	Inputs   []TxInput
	Outputs  []TxOutput
	Locktime uint32
	Txid     bprim.Hash
	RawSize  int
}

// Decode parses one transaction from the head of buf. It returns the
// decoded Tx and the number of bytes consumed so the caller can advance to
// the next transaction in a block's transaction section. The raw bytes
// backing Inputs/Outputs script fields are sub-slices of buf: callers who
// retain a Tx past the lifetime of buf's backing array must copy first.
func Decode(buf []byte) (Tx, int, error) {
	const headerLen = 4
	if len(buf) < headerLen {
		return Tx{}, 0, errors.Wrap(ErrMalformedTx, "truncated version")
	}
	start := 0
	pos := 0
	version := int32(bprim.Uint32LE(buf[pos:]))
	pos += 4

	nIn, n, err := bprim.Varint(buf[pos:])
	if err != nil {
		return Tx{}, 0, errors.Wrap(ErrMalformedTx, "input count")
	}
	pos += n
	if nIn > uint64(len(buf)-pos) {
		return Tx{}, 0, errors.Wrap(ErrMalformedTx, "input count exceeds buffer")
	}

	inputs := make([]TxInput, 0, nIn)
	for i := uint64(0); i < nIn; i++ {
		in, consumed, err := decodeInput(buf[pos:])
		if err != nil {
			return Tx{}, 0, errors.Wrapf(ErrMalformedTx, "input %d: %s", i, err)
		}
		pos += consumed
		inputs = append(inputs, in)
	}

	nOut, n, err := bprim.Varint(buf[pos:])
	if err != nil {
		return Tx{}, 0, errors.Wrap(ErrMalformedTx, "output count")
	}
	pos += n
	if nOut > uint64(len(buf)-pos) {
		return Tx{}, 0, errors.Wrap(ErrMalformedTx, "output count exceeds buffer")
	}

	outputs := make([]TxOutput, 0, nOut)
	for i := uint64(0); i < nOut; i++ {
		out, consumed, err := decodeOutput(buf[pos:])
		if err != nil {
			return Tx{}, 0, errors.Wrapf(ErrMalformedTx, "output %d: %s", i, err)
		}
		pos += consumed
		outputs = append(outputs, out)
	}

	if len(buf) < pos+4 {
		return Tx{}, 0, errors.Wrap(ErrMalformedTx, "truncated locktime")
	}
	locktime := bprim.Uint32LE(buf[pos:])
	pos += 4

	consumed := pos - start
	span := buf[start : start+consumed]

	// The first input of a coinbase transaction carries 0xFFFFFFFF as its
	// spent-output-index; normalize its spent-txid to the all-zero sentinel
	// so IsCoinbase classifies it.
	if len(inputs) > 0 && inputs[0].SpentOutputIndex == coinbaseIndex {
		inputs[0].SpentTxid = bprim.ZeroHash
	}

	return Tx{
		Version:  version,
		Inputs:   inputs,
		Outputs:  outputs,
		Locktime: locktime,
		Txid:     bprim.DoubleSHA256(span),
		RawSize:  consumed,
	}, consumed, nil
}

func decodeInput(buf []byte) (TxInput, int, error) {
	const fixedLen = 32 + 4 // spent-txid + spent-output-index
	if len(buf) < fixedLen {
		return TxInput{}, 0, errors.New("truncated")
	}
	var spentTxid bprim.Hash
	copy(spentTxid[:], buf[:32])
	pos := 32
	spentIdx := bprim.Uint32LE(buf[pos:])
	pos += 4

	scriptLen, n, err := bprim.Varint(buf[pos:])
	if err != nil {
		return TxInput{}, 0, errors.Wrap(err, "script length")
	}
	pos += n

	if scriptLen > uint64(len(buf)-pos) || len(buf) < pos+int(scriptLen)+4 {
		return TxInput{}, 0, errors.New("truncated script or sequence")
	}
	script := buf[pos : pos+int(scriptLen)]
	pos += int(scriptLen)

	sequence := bprim.Uint32LE(buf[pos:])
	pos += 4

	return TxInput{
		SpentTxid:        spentTxid,
		SpentOutputIndex: spentIdx,
		UnlockingScript:  script,
		Sequence:         sequence,
	}, pos, nil
}

func decodeOutput(buf []byte) (TxOutput, int, error) {
	const fixedLen = 8
	if len(buf) < fixedLen {
		return TxOutput{}, 0, errors.New("truncated value")
	}
	value := bprim.Uint64LE(buf)
	pos := 8

	scriptLen, n, err := bprim.Varint(buf[pos:])
	if err != nil {
		return TxOutput{}, 0, errors.Wrap(err, "script length")
	}
	pos += n

	if scriptLen > uint64(len(buf)-pos) {
		return TxOutput{}, 0, errors.New("truncated script")
	}
	script := buf[pos : pos+int(scriptLen)]
	pos += int(scriptLen)

	return TxOutput{Value: value, LockingScript: script}, pos, nil
}
