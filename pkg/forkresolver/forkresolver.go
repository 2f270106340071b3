// Package forkresolver turns the physical, file-arrival order blocks are
// decoded in into a canonical, height-ordered chain. A node writes blocks to
// disk in the order it received them, not the order they belong in once
// reorgs are accounted for; this package buffers recently-seen blocks and
// follows parent links. In LongestChain mode a block is only released once
// it is buried under HeightSafetyMargin confirming descendants on the
// current tip's chain; in AllForks mode every block is released the instant
// its parent is known, margin or no margin.
package forkresolver

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/pkg/errors"

	"github.com/chain-walk/blockwalk/pkg/bprim"
	"github.com/chain-walk/blockwalk/pkg/blockdecode"
)

// HeightSafetyMargin is the number of confirming descendant blocks a block
// must accumulate before the resolver treats its position in the chain as
// settled and releases it to the caller.
const HeightSafetyMargin = 6

// Mode selects what Resolver.Accept releases once a block clears the safety
// margin.
type Mode int

const (
	// LongestChain releases only blocks that lie on the chain with the most
	// accumulated work (approximated here by height, since this package does
	// not decode difficulty targets into work).
	LongestChain Mode = iota
	// AllForks releases every block the instant its parent is known (or
	// immediately, for genesis), ignoring the confirmation-depth safety
	// margin and the notion of a single winning tip entirely.
	AllForks
)

// ErrOrphan names the condition of a block whose previous-hash does not
// match any block the resolver has already accepted. Accept does not return
// it: such blocks are buffered, with no limit on how many, until their
// parent is accepted.
var ErrOrphan = errors.New("orphan block: parent not seen")

// ErrCorruption is returned when the chain of parent links the resolver has
// built contains an impossibility: a cycle, or a second block claiming to be
// genesis.
var ErrCorruption = errors.New("chain corruption detected")

type node struct {
	block    *blockdecode.Block
	height   int32
	parent   *node
	children []*node
}

// Released is a block the resolver has determined is safely part of the
// canonical chain, in height order.
type Released struct {
	Block  *blockdecode.Block
	Height int32
}

// Stats summarizes a Resolver's current buffering state.
type Stats struct {
	Buffered     int
	Released     int
	Tip          int32
	OrphansTotal int
}

// heightKey compares the int32 height keys BlockChain's by-height index is
// ordered on.
func heightKey(a, b interface{}) int {
	ah, bh := a.(int32), b.(int32)
	switch {
	case ah < bh:
		return -1
	case ah > bh:
		return 1
	default:
		return 0
	}
}

// BlockChain is the by-product a Resolver builds as it releases blocks: a
// lookup by hash, a dense-ish lookup by height (ordered, and tolerant of
// more than one block per height under AllForks mode), and pointers to the
// genesis block and the current tip. Unlike the resolver's internal node
// graph, BlockChain only ever holds blocks that have already cleared
// release — it is the settled view, not the buffering one.
type BlockChain struct {
	byHash   map[bprim.Hash]*blockdecode.Block
	byHeight *redblacktree.Tree
	genesis  *blockdecode.Block
	tip      *blockdecode.Block
}

func newBlockChain() *BlockChain {
	return &BlockChain{
		byHash:   make(map[bprim.Hash]*blockdecode.Block),
		byHeight: redblacktree.NewWith(heightKey),
	}
}

func (c *BlockChain) insert(b *blockdecode.Block) {
	c.byHash[b.Hash()] = b

	if existing, found := c.byHeight.Get(b.Height); found {
		c.byHeight.Put(b.Height, append(existing.([]*blockdecode.Block), b))
	} else {
		c.byHeight.Put(b.Height, []*blockdecode.Block{b})
	}

	if b.Height == 0 {
		c.genesis = b
	}
	if c.tip == nil || b.Height >= c.tip.Height {
		c.tip = b
	}
}

// ByHash looks up a released block by its hash.
func (c *BlockChain) ByHash(hash bprim.Hash) (*blockdecode.Block, bool) {
	b, ok := c.byHash[hash]
	return b, ok
}

// ByHeight returns the first block released at height. Under LongestChain
// mode this is the only block at that height; under AllForks mode, where
// competing branches can share a height, callers that need every block at
// height should use BlocksAtHeight instead.
func (c *BlockChain) ByHeight(height int32) (*blockdecode.Block, bool) {
	v, found := c.byHeight.Get(height)
	if !found {
		return nil, false
	}
	blocks := v.([]*blockdecode.Block)
	if len(blocks) == 0 {
		return nil, false
	}
	return blocks[0], true
}

// BlocksAtHeight returns every released block at height, in release order.
func (c *BlockChain) BlocksAtHeight(height int32) []*blockdecode.Block {
	v, found := c.byHeight.Get(height)
	if !found {
		return nil
	}
	return v.([]*blockdecode.Block)
}

// Genesis returns the height-0 block, or nil if none has been released yet.
func (c *BlockChain) Genesis() *blockdecode.Block {
	return c.genesis
}

// Tip returns the highest-height released block, or nil if the chain is
// empty.
func (c *BlockChain) Tip() *blockdecode.Block {
	return c.tip
}

// Len returns the number of distinct hashes the chain has indexed.
func (c *BlockChain) Len() int {
	return len(c.byHash)
}

// Resolver accepts decoded blocks in arbitrary arrival order and releases
// them in canonical height order once they are confirmed.
type Resolver struct {
	mode Mode

	byHash    map[bprim.Hash]*node
	orphans   map[bprim.Hash][]*node // keyed by the missing parent's hash
	genesis   *node
	tip       *node
	released  int32 // height of the highest released block, or -1
	releasedN int
	orphansN  int
	chain     *BlockChain
}

// New returns a Resolver configured with mode.
func New(mode Mode) *Resolver {
	return &Resolver{
		mode:     mode,
		byHash:   make(map[bprim.Hash]*node),
		orphans:  make(map[bprim.Hash][]*node),
		released: -1,
		chain:    newBlockChain(),
	}
}

// Chain returns the resolver's live BlockChain index. The returned pointer
// is stable for the resolver's lifetime; it accumulates entries as Accept
// releases blocks, so callers may hold onto it and query it at any time.
func (r *Resolver) Chain() *BlockChain {
	return r.chain
}

// Accept attaches b to the chain being built and returns every block that
// has just cleared the safety margin, in ascending height order. A genesis
// block (PreviousHash is the zero hash and no block has been accepted yet)
// is accepted unconditionally; any other block is buffered as an orphan
// until its parent is accepted.
func (r *Resolver) Accept(b *blockdecode.Block) ([]Released, error) {
	hash := b.Hash()
	if _, exists := r.byHash[hash]; exists {
		return nil, nil // already seen; blk*.dat files do not repeat blocks in practice, but tailing can race a re-read
	}

	n := &node{block: b}

	if b.PreviousHash == bprim.ZeroHash {
		if r.genesis != nil {
			return nil, errors.Wrapf(ErrCorruption, "second genesis block %s", hash)
		}
		n.height = 0
		r.genesis = n
	} else {
		parent, ok := r.byHash[b.PreviousHash]
		if !ok {
			r.orphans[b.PreviousHash] = append(r.orphans[b.PreviousHash], n)
			r.orphansN++
			return nil, nil
		}
		n.height = parent.height + 1
		n.parent = parent
		parent.children = append(parent.children, n)
	}

	r.byHash[hash] = n
	b.Height = n.height
	if r.tip == nil || n.height > r.tip.height {
		r.tip = n
	}

	released, err := r.settleFrom(n)
	if err != nil {
		return nil, err
	}

	// Adopt waiting orphans transitively: a reattached child may itself be
	// the missing parent other orphans are waiting on.
	queue := []*node{n}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		adoptedChildren, err := r.adoptOrphans(parent)
		if err != nil {
			return nil, err
		}
		for _, child := range adoptedChildren {
			rel, err := r.settleFrom(child)
			if err != nil {
				return nil, err
			}
			released = append(released, rel...)
			queue = append(queue, child)
		}
	}

	return released, nil
}

// adoptOrphans reattaches any previously-orphaned blocks whose parent was n,
// returning the reattached nodes so the caller can re-check them for
// release.
func (r *Resolver) adoptOrphans(n *node) ([]*node, error) {
	waiting, ok := r.orphans[n.block.Hash()]
	if !ok {
		return nil, nil
	}
	delete(r.orphans, n.block.Hash())
	r.orphansN -= len(waiting)

	for _, child := range waiting {
		child.height = n.height + 1
		child.parent = n
		n.children = append(n.children, child)
		r.byHash[child.block.Hash()] = child
		child.block.Height = child.height
		if r.tip == nil || child.height > r.tip.height {
			r.tip = child
		}
	}
	return waiting, nil
}

// settleFrom dispatches to the release rule for the resolver's mode: in
// LongestChain mode it walks the tip's ancestry for anything that has
// cleared the safety margin; in AllForks mode it releases n immediately.
func (r *Resolver) settleFrom(n *node) ([]Released, error) {
	if r.mode == AllForks {
		return r.settleAllForks(n)
	}
	return r.settleLongestChain()
}

// settleLongestChain releases every block on the tip's ancestor chain whose
// height is at least HeightSafetyMargin below the tip and has not yet been
// released: the range (r.released, safeHeight].
func (r *Resolver) settleLongestChain() ([]Released, error) {
	if r.tip == nil {
		return nil, nil
	}
	safeHeight := r.tip.height - HeightSafetyMargin
	if safeHeight <= r.released {
		return nil, nil
	}

	frontier, err := r.ancestorAtHeight(r.tip, safeHeight)
	if err != nil {
		return nil, err
	}
	chain, err := r.ancestryDownTo(frontier, r.released+1)
	if err != nil {
		return nil, err
	}

	out := make([]Released, 0, len(chain))
	for _, cn := range chain {
		out = append(out, Released{Block: cn.block, Height: cn.height})
	}
	if len(out) > 0 {
		r.released = safeHeight
		r.releasedN += len(out)
		r.pruneBelow(safeHeight)
		for _, rel := range out {
			r.chain.insert(rel.Block)
		}
	}
	return out, nil
}

// settleAllForks releases n the moment it is attached to the graph — its
// parent is already known by construction (Accept only reaches settleFrom
// once n's height has been assigned), and genesis is attached with no
// parent at all. AllForks mode ignores the confirmation-depth safety margin
// entirely: it exists to observe every branch as it happens, not to wait
// out a typical reorg window.
func (r *Resolver) settleAllForks(n *node) ([]Released, error) {
	r.releasedN++
	r.chain.insert(n.block)
	return []Released{{Block: n.block, Height: n.height}}, nil
}

// ancestorAtHeight walks parent links from n back to the ancestor at the
// given height. n's height must already be >= height, which always holds
// for the tip/safeHeight pair settleLongestChain calls this with.
func (r *Resolver) ancestorAtHeight(n *node, height int32) (*node, error) {
	seen := make(map[bprim.Hash]bool)
	cur := n
	for cur != nil && cur.height > height {
		if seen[cur.block.Hash()] {
			return nil, errors.Wrap(ErrCorruption, "cycle detected while walking ancestry")
		}
		seen[cur.block.Hash()] = true
		cur = cur.parent
	}
	if cur == nil || cur.height != height {
		return nil, errors.Wrap(ErrCorruption, "ancestry chain broke before reaching the expected height")
	}
	return cur, nil
}

// ancestryDownTo walks parent links from n back to (and including) the node
// at height floor, returning them in ascending height order.
func (r *Resolver) ancestryDownTo(n *node, floor int32) ([]*node, error) {
	var chain []*node
	seen := make(map[bprim.Hash]bool)
	cur := n
	for cur != nil && cur.height >= floor {
		if seen[cur.block.Hash()] {
			return nil, errors.Wrap(ErrCorruption, "cycle detected while walking ancestry")
		}
		seen[cur.block.Hash()] = true
		chain = append(chain, cur)
		cur = cur.parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// pruneBelow drops every buffered node at or below height from byHash, since
// once a height has been released on the winning chain there is no further
// use holding its losing siblings in memory.
func (r *Resolver) pruneBelow(height int32) {
	for h, n := range r.byHash {
		if n.height <= height && n != r.genesis {
			delete(r.byHash, h)
		}
	}
}

// Stats reports the resolver's current buffering state.
func (r *Resolver) Stats() Stats {
	tip := int32(-1)
	if r.tip != nil {
		tip = r.tip.height
	}
	return Stats{
		Buffered:     len(r.byHash),
		Released:     r.releasedN,
		Tip:          tip,
		OrphansTotal: r.orphansN,
	}
}
