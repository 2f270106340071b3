// Package blockdecode parses the 80-byte block header and exposes a lazy,
// restartable view over a block's transaction section. It does not validate
// merkle roots, difficulty or consensus rules — organizing bytes is its
// entire job.
package blockdecode

import (
	"github.com/pkg/errors"

	"github.com/chain-walk/blockwalk/pkg/bprim"
	"github.com/chain-walk/blockwalk/pkg/txdecode"
)

// HeaderSize is the fixed size, in bytes, of a Bitcoin block header.
const HeaderSize = 80

// frameHeaderSize is the magic(4) + size(4) prefix that precedes every
// block payload in a blk*.dat file.
const frameHeaderSize = 8

// MainnetMagic is the network magic blk*.dat files are framed with.
const MainnetMagic uint32 = 0xD9B4BEF9

// ErrMalformedBlock is returned for any truncation or inconsistency found
// while parsing a block's header or transaction-count prefix.
var ErrMalformedBlock = errors.New("malformed block")

// ErrEndOfData is returned by ReadFramed when it reads a zero magic,
// signaling that the file was pre-allocated past the last block actually
// written to it.
var ErrEndOfData = errors.New("end of written data")

// ErrCorruptMagic is wrapped with the observed value and returned by
// ReadFramed whenever the magic is neither the expected value nor zero.
var ErrCorruptMagic = errors.New("corrupt magic")

// ReadFramed reads the 4-byte magic and 4-byte little-endian size prefix
// from the head of buf and returns the payload slice (a sub-slice of buf)
// and the total number of bytes the frame occupies (8 + size). It returns
// ErrEndOfData when the magic is zero, and ErrCorruptMagic (wrapping the
// observed value in the message) when the magic matches neither zero nor
// expectedMagic. It does not decode the header; callers pass the payload to
// Decode.
func ReadFramed(buf []byte, expectedMagic uint32) (payload []byte, total int, err error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, errors.Wrap(ErrMalformedBlock, "truncated frame header")
	}
	magic := bprim.Uint32LE(buf[0:4])
	if magic == 0 {
		return nil, 0, ErrEndOfData
	}
	if magic != expectedMagic {
		return nil, 0, errors.Wrapf(ErrCorruptMagic, "observed 0x%08x, expected 0x%08x", magic, expectedMagic)
	}
	size := bprim.Uint32LE(buf[4:8])
	total = frameHeaderSize + int(size)
	if len(buf) < total {
		return nil, 0, errors.Wrap(ErrMalformedBlock, "truncated payload")
	}
	return buf[frameHeaderSize:total], total, nil
}

// Block is a fully-decoded block header plus a lazy view over its
// transaction bytes. Height is -1 until the fork resolver (pkg/forkresolver)
// assigns it.
type Block struct {
	Version        int32
	PreviousHash   bprim.Hash
	MerkleRoot     bprim.Hash
	Timestamp      uint32
	Bits           uint32
	Nonce          uint32
	Raw            []byte // the full raw bytes of the block (header + tx section)
	Height         int32
	hash           bprim.Hash
	txSectionStart int
}

// Hash returns the block's hash: the double-SHA256 of its 80-byte header,
// memoized at decode time.
func (b *Block) Hash() bprim.Hash {
	return b.hash
}

// Decode parses the header and records where the transaction section
// begins; it does not decode any transactions. payload is the block-size
// bytes that followed the magic+size framing prefix (see pkg/rawfile).
func Decode(payload []byte) (*Block, error) {
	if len(payload) < HeaderSize {
		return nil, errors.Wrap(ErrMalformedBlock, "truncated header")
	}
	header := payload[:HeaderSize]

	var prev, merkle bprim.Hash
	copy(prev[:], header[4:36])
	copy(merkle[:], header[36:68])

	b := &Block{
		Version:        int32(bprim.Uint32LE(header[0:4])),
		PreviousHash:   prev,
		MerkleRoot:     merkle,
		Timestamp:      bprim.Uint32LE(header[68:72]),
		Bits:           bprim.Uint32LE(header[72:76]),
		Nonce:          bprim.Uint32LE(header[76:80]),
		Raw:            payload,
		Height:         -1,
		hash:           bprim.DoubleSHA256(header),
		txSectionStart: HeaderSize,
	}
	return b, nil
}

// Transactions returns a fresh Cursor positioned at the start of the
// block's transaction section. Each call re-parses from scratch, so
// consumers that only need aggregate statistics can traverse a block
// multiple times without holding decoded Tx values in memory.
func (b *Block) Transactions() (*Cursor, error) {
	count, n, err := bprim.Varint(b.Raw[b.txSectionStart:])
	if err != nil {
		return nil, errors.Wrap(ErrMalformedBlock, "tx count")
	}
	return &Cursor{
		remaining: b.Raw[b.txSectionStart+n:],
		count:     count,
	}, nil
}

// Cursor is a restartable, single-pass iterator over a block's serialized
// transactions. It holds no decoded Tx values beyond the one most recently
// returned by Next.
type Cursor struct {
	remaining []byte
	count     uint64
	emitted   uint64
}

// Next decodes and returns the next transaction, or ok=false once every
// transaction named by the block's transaction count has been emitted.
func (c *Cursor) Next() (tx txdecode.Tx, ok bool, err error) {
	if c.emitted >= c.count {
		return txdecode.Tx{}, false, nil
	}
	tx, consumed, err := txdecode.Decode(c.remaining)
	if err != nil {
		return txdecode.Tx{}, false, errors.Wrapf(ErrMalformedBlock, "tx %d: %s", c.emitted, err)
	}
	c.remaining = c.remaining[consumed:]
	c.emitted++
	return tx, true, nil
}

// Count returns the declared transaction count for the block, independent
// of how many Next has returned so far.
func (c *Cursor) Count() uint64 {
	return c.count
}
