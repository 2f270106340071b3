package chainstream

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chain-walk/blockwalk/pkg/blockdecode"
	"github.com/chain-walk/blockwalk/pkg/forkresolver"
)

// coinbaseTxHex is a minimal, validly-shaped coinbase transaction (shaped
// like the genesis block's coinbase, with a short placeholder unlocking
// script and an empty locking script) used to pad every synthetic test
// block's transaction section.
const coinbaseTxHex = "01000000" +
	"01" +
	"0000000000000000000000000000000000000000000000000000000000000000" +
	"ffffffff" +
	"04" + "00112233" +
	"ffffffff" +
	"01" +
	"00f2052a01000000" +
	"00" +
	"00000000"

func buildBlockPayload(t *testing.T, prevHash [32]byte, nonce uint32) []byte {
	t.Helper()
	header := make([]byte, blockdecode.HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], 1)
	copy(header[4:36], prevHash[:])
	binary.LittleEndian.PutUint32(header[76:80], nonce)

	tx, err := hex.DecodeString(coinbaseTxHex)
	if err != nil {
		t.Fatalf("bad coinbase fixture: %v", err)
	}

	payload := append(header, 0x01) // tx count = 1
	payload = append(payload, tx...)
	return payload
}

func writeBlkFile(t *testing.T, dir, name string, payloads [][]byte) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()

	for _, p := range payloads {
		header := make([]byte, 8)
		binary.LittleEndian.PutUint32(header[0:4], blockdecode.MainnetMagic)
		binary.LittleEndian.PutUint32(header[4:8], uint32(len(p)))
		if _, err := f.Write(header); err != nil {
			t.Fatalf("write frame header: %v", err)
		}
		if _, err := f.Write(p); err != nil {
			t.Fatalf("write frame payload: %v", err)
		}
	}
}

func TestBlocksReleasesCanonicalChain(t *testing.T) {
	dir := t.TempDir()

	var zero [32]byte
	var payloads [][]byte
	prev := zero
	for i := 0; i < forkresolver.HeightSafetyMargin+2; i++ {
		p := buildBlockPayload(t, prev, uint32(i))
		b, err := blockdecode.Decode(p)
		if err != nil {
			t.Fatalf("self-check decode: %v", err)
		}
		prev = b.Hash()
		payloads = append(payloads, p)
	}
	writeBlkFile(t, dir, "blk00000.dat", payloads)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := Blocks(ctx, Config{Dir: dir, Glob: "blk*.dat", Mode: forkresolver.LongestChain}, Filter{})
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}

	var got []BlockResult
	for r := range out {
		got = append(got, r)
	}
	wantReleased := len(payloads) - 1 - forkresolver.HeightSafetyMargin + 1 // (tip height - margin) + 1 heights, 0-indexed
	if len(got) != wantReleased {
		t.Fatalf("released %d blocks, want %d (tip height=%d minus margin=%d, inclusive)", len(got), wantReleased, len(payloads)-1, forkresolver.HeightSafetyMargin)
	}
	for i, r := range got {
		if r.Height != int32(i) {
			t.Errorf("got[%d].Height = %d, want %d", i, r.Height, i)
		}
	}
}

func TestBlocksFilterByHeight(t *testing.T) {
	dir := t.TempDir()

	var zero [32]byte
	var payloads [][]byte
	prev := zero
	for i := 0; i < forkresolver.HeightSafetyMargin+3; i++ {
		p := buildBlockPayload(t, prev, uint32(i))
		b, err := blockdecode.Decode(p)
		if err != nil {
			t.Fatalf("self-check decode: %v", err)
		}
		prev = b.Hash()
		payloads = append(payloads, p)
	}
	writeBlkFile(t, dir, "blk00000.dat", payloads)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := Blocks(ctx, Config{Dir: dir, Glob: "blk*.dat"}, Filter{StartHeight: 2})
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	var got []BlockResult
	for r := range out {
		got = append(got, r)
	}
	for _, r := range got {
		if r.Height < 2 {
			t.Errorf("filter admitted height %d below StartHeight 2", r.Height)
		}
	}
	if len(got) == 0 {
		t.Fatalf("expected at least one block at or above height 2")
	}
}

func TestTransactionsYieldsCoinbase(t *testing.T) {
	dir := t.TempDir()

	var zero [32]byte
	var payloads [][]byte
	prev := zero
	for i := 0; i < forkresolver.HeightSafetyMargin+1; i++ {
		p := buildBlockPayload(t, prev, uint32(i))
		b, err := blockdecode.Decode(p)
		if err != nil {
			t.Fatalf("self-check decode: %v", err)
		}
		prev = b.Hash()
		payloads = append(payloads, p)
	}
	writeBlkFile(t, dir, "blk00000.dat", payloads)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := Transactions(ctx, Config{Dir: dir, Glob: "blk*.dat", ResolveSpentInputs: true}, Filter{})
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}

	var count int
	for tx := range out {
		count++
		if !tx.Tx.Inputs[0].IsCoinbase() {
			t.Errorf("block %d tx input not classified coinbase", tx.BlockHeight)
		}
	}
	if count == 0 {
		t.Fatalf("expected at least one released transaction")
	}
}
