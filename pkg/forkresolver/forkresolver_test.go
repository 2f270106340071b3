package forkresolver

import (
	"testing"

	"github.com/chain-walk/blockwalk/pkg/bprim"
	"github.com/chain-walk/blockwalk/pkg/blockdecode"
)

// fakeBlock builds a Block with the given previous-hash and a hash derived
// from seed, without going through the wire decoder — the resolver only
// looks at PreviousHash and Hash().
func fakeBlock(seed byte, prevHash bprim.Hash) *blockdecode.Block {
	raw := make([]byte, blockdecode.HeaderSize+1)
	raw[0] = seed
	copy(raw[4:36], prevHash[:])
	raw = append(raw, 0x00) // tx count 0, just enough for Transactions() callers
	b, err := blockdecode.Decode(raw)
	if err != nil {
		panic(err)
	}
	return b
}

func chainOf(t *testing.T, n int) []*blockdecode.Block {
	t.Helper()
	blocks := make([]*blockdecode.Block, n)
	prev := bprim.ZeroHash
	for i := 0; i < n; i++ {
		b := fakeBlock(byte(i+1), prev)
		blocks[i] = b
		prev = b.Hash()
	}
	return blocks
}

func TestLongestChainReleasesInOrderAfterSafetyMargin(t *testing.T) {
	r := New(LongestChain)
	blocks := chainOf(t, HeightSafetyMargin+3)

	var releasedHeights []int32
	for _, b := range blocks {
		rel, err := r.Accept(b)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		for _, x := range rel {
			releasedHeights = append(releasedHeights, x.Height)
		}
	}

	if len(releasedHeights) != 3 {
		t.Fatalf("released %d blocks, want 3 (tip=%d minus margin=%d)", len(releasedHeights), len(blocks)-1, HeightSafetyMargin)
	}
	for i, h := range releasedHeights {
		if h != int32(i) {
			t.Errorf("released[%d] height = %d, want %d", i, h, i)
		}
	}
}

func TestOrphanBufferedUntilParentArrives(t *testing.T) {
	r := New(LongestChain)
	blocks := chainOf(t, 3)

	// Accept out of order: block 2 before block 1.
	rel, err := r.Accept(blocks[2])
	if err != nil {
		t.Fatalf("Accept orphan: %v", err)
	}
	if len(rel) != 0 {
		t.Fatalf("orphan should not release anything yet")
	}
	if got := r.Stats().OrphansTotal; got != 1 {
		t.Fatalf("OrphansTotal = %d, want 1", got)
	}

	if _, err := r.Accept(blocks[1]); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// blocks[1]'s own parent (genesis) has not arrived either, so both wait.
	if got := r.Stats().OrphansTotal; got != 2 {
		t.Fatalf("OrphansTotal before genesis = %d, want 2", got)
	}

	if _, err := r.Accept(blocks[0]); err != nil {
		t.Fatalf("Accept genesis: %v", err)
	}
	if got := r.Stats().OrphansTotal; got != 0 {
		t.Fatalf("OrphansTotal after adoption = %d, want 0", got)
	}
	if blocks[2].Height != 2 {
		t.Errorf("blocks[2].Height = %d, want 2 once the chain connects", blocks[2].Height)
	}
}

func TestSecondGenesisIsCorruption(t *testing.T) {
	r := New(LongestChain)
	a := fakeBlock(1, bprim.ZeroHash)
	b := fakeBlock(2, bprim.ZeroHash)

	if _, err := r.Accept(a); err != nil {
		t.Fatalf("Accept first genesis: %v", err)
	}
	if _, err := r.Accept(b); err == nil {
		t.Fatalf("expected ErrCorruption for a second genesis block")
	}
}

func TestAllForksReleasesImmediatelyIgnoringSafetyMargin(t *testing.T) {
	r := New(AllForks)

	genesis := fakeBlock(0, bprim.ZeroHash)
	rel, err := r.Accept(genesis)
	if err != nil {
		t.Fatalf("Accept genesis: %v", err)
	}
	if len(rel) != 1 || rel[0].Block != genesis {
		t.Fatalf("genesis must release immediately on its own, with zero confirming descendants; got %v", rel)
	}

	branchA := chainOf(t, HeightSafetyMargin)
	branchA[0] = fakeBlock(10, genesis.Hash())
	prev := branchA[0].Hash()
	for i := 1; i < len(branchA); i++ {
		branchA[i] = fakeBlock(byte(10+i), prev)
		prev = branchA[i].Hash()
	}

	branchB := fakeBlock(99, genesis.Hash())

	// branchB is a leaf with zero descendants of its own; it must still
	// release the moment its parent (genesis) is known.
	rel, err = r.Accept(branchB)
	if err != nil {
		t.Fatalf("Accept branchB: %v", err)
	}
	if len(rel) != 1 || rel[0].Block != branchB {
		t.Fatalf("leaf block with no descendants must release immediately; got %v", rel)
	}

	// Every block in branchA must release on its own Accept call too, not
	// after accumulating HeightSafetyMargin confirmations.
	for i, b := range branchA {
		rel, err := r.Accept(b)
		if err != nil {
			t.Fatalf("Accept branchA[%d]: %v", i, err)
		}
		if len(rel) != 1 || rel[0].Block != b {
			t.Fatalf("branchA[%d] did not release on its own Accept call; got %v", i, rel)
		}
	}
}

func TestChainIndexesReleasedLongestChainBlocks(t *testing.T) {
	r := New(LongestChain)
	blocks := chainOf(t, HeightSafetyMargin+2)
	for _, b := range blocks {
		if _, err := r.Accept(b); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}

	chain := r.Chain()
	if chain.Genesis() != blocks[0] {
		t.Errorf("Genesis() = %v, want blocks[0]", chain.Genesis())
	}
	if got, ok := chain.ByHash(blocks[0].Hash()); !ok || got != blocks[0] {
		t.Errorf("ByHash(blocks[0]) = (%v, %v), want (blocks[0], true)", got, ok)
	}
	if got, ok := chain.ByHeight(1); !ok || got != blocks[1] {
		t.Errorf("ByHeight(1) = (%v, %v), want (blocks[1], true)", got, ok)
	}
	if _, ok := chain.ByHeight(int32(len(blocks))); ok {
		t.Errorf("ByHeight beyond the released range should not be found")
	}
	if chain.Len() == 0 {
		t.Errorf("Len() = 0, want at least one released block indexed")
	}
}

func TestChainTracksMultipleBlocksPerHeightUnderAllForks(t *testing.T) {
	r := New(AllForks)
	genesis := fakeBlock(0, bprim.ZeroHash)
	if _, err := r.Accept(genesis); err != nil {
		t.Fatalf("Accept genesis: %v", err)
	}

	childA := fakeBlock(1, genesis.Hash())
	childB := fakeBlock(2, genesis.Hash())
	if _, err := r.Accept(childA); err != nil {
		t.Fatalf("Accept childA: %v", err)
	}
	if _, err := r.Accept(childB); err != nil {
		t.Fatalf("Accept childB: %v", err)
	}

	atHeight1 := r.Chain().BlocksAtHeight(1)
	if len(atHeight1) != 2 {
		t.Fatalf("BlocksAtHeight(1) = %d blocks, want 2 competing forks", len(atHeight1))
	}
}

func TestStatsReportsTipAndBuffered(t *testing.T) {
	r := New(LongestChain)
	blocks := chainOf(t, 2)
	for _, b := range blocks {
		if _, err := r.Accept(b); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	stats := r.Stats()
	if stats.Tip != 1 {
		t.Errorf("Tip = %d, want 1", stats.Tip)
	}
	if stats.Buffered != 2 {
		t.Errorf("Buffered = %d, want 2", stats.Buffered)
	}
}
