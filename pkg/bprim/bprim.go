// Package bprim provides the little-endian integer, varint, hashing and
// hex-display primitives that the rest of blockwalk decodes raw node data
// with. Nothing here allocates more than the caller's destination requires;
// callers pass borrowed byte slices and get back borrowed or freshly-copied
// results depending on what the operation needs.
package bprim

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// Hash is the 32-byte double-SHA256 identifier used for both txids and
// block hashes. It is stored in internal (protocol) byte order; String()
// renders it reversed, matching node-display convention.
type Hash = chainhash.Hash

// ErrMalformedVarint is returned when a varint's marker byte claims more
// bytes than the buffer actually holds.
var ErrMalformedVarint = errors.New("malformed varint")

// Uint16LE through Uint64LE decode a little-endian unsigned integer of the
// matching width from the head of buf. The caller must have already bounds
// checked; these never slice beyond buf's declared length.

func Uint16LE(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

func Uint32LE(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func Uint64LE(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// Varint decodes Bitcoin's compact variable-length integer from the start
// of buf. It returns the decoded value and the number of bytes consumed
// (1, 3, 5 or 9). It fails with ErrMalformedVarint if buf is too short to
// hold the marker byte or the width it selects.
func Varint(buf []byte) (value uint64, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, ErrMalformedVarint
	}
	switch marker := buf[0]; {
	case marker < 0xfd:
		return uint64(marker), 1, nil
	case marker == 0xfd:
		if len(buf) < 3 {
			return 0, 0, ErrMalformedVarint
		}
		return uint64(Uint16LE(buf[1:3])), 3, nil
	case marker == 0xfe:
		if len(buf) < 5 {
			return 0, 0, ErrMalformedVarint
		}
		return uint64(Uint32LE(buf[1:5])), 5, nil
	default: // 0xff
		if len(buf) < 9 {
			return 0, 0, ErrMalformedVarint
		}
		return Uint64LE(buf[1:9]), 9, nil
	}
}

// DoubleSHA256 applies SHA-256 twice over data and returns the result as a
// Hash in protocol (non-reversed) byte order. It holds no lock and is safe
// to call concurrently from multiple goroutines; callers who need it off
// the hot path may wrap it in their own worker pool, but the contract here
// is synchronous.
func DoubleSHA256(data []byte) Hash {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return Hash(second)
}

// HashHex renders a hash the way node RPCs and explorers display it: hex of
// the reversed byte sequence. chainhash.Hash.String already implements this
// convention, so this is a thin, explicitly-named wrapper for call sites
// that want to spell out the intent.
func HashHex(h Hash) string {
	return h.String()
}

// ZeroHash is the all-zero sentinel used for the genesis block's
// previous-hash and a coinbase input's spent-txid.
var ZeroHash Hash
