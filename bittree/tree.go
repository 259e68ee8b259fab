// Package bittree implements the concurrent, range-indexed progress
// bitmap tree described in spec §4.2: an ordered collection of
// bitmap.Node leaves, auto-inserted on SET and auto-disposed on
// clear-to-empty, mutated through a single unified update protocol.
package bittree

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/intellect4all/duetscrub/bitmap"
)

// ErrNotFileMode is returned by InodeCheck on a tree configured for
// block-mode (non-file) tasks.
var ErrNotFileMode = errors.New("bittree: InodeCheck requires a file-mode tree")

// Config mirrors spec §3's BitTree configuration.
type Config struct {
	// Range is the number of bytes a single unit (bit) represents in
	// block mode. Ignored (treated as 1) when IsFile is true, where a
	// unit is one inode.
	Range uint64
	// IsFile selects the file-mode truth table (§4.2.2): Relv becomes
	// meaningful and inode-granularity replaces byte ranges.
	IsFile bool
	// BTreeDegree is the degree passed to github.com/google/btree's
	// New(); 32 matches the library's own recommended default.
	BTreeDegree int
}

// Stats holds optional BitTree statistics (§3: "and optional
// statistics"), read with plain atomic loads — no mutex needed since
// these are monotonic counters updated under the tree's own mutex.
type Stats struct {
	NodesAllocated atomic.Int64
	NodesDisposed  atomic.Int64
}

// nodeItem adapts *bitmap.Node to btree.Item, ordering nodes by Idx —
// this is the "ordered map from idx -> node" of spec §3, backed by a
// real ordered B-tree (github.com/google/btree) instead of a hand
// rolled red-black tree, grounded on 0055iran-erigon's use of the same
// library for an ordered, range-scannable index (polygon/heimdall/span.go).
type nodeItem struct {
	node *bitmap.Node
}

func (a *nodeItem) Less(than btree.Item) bool {
	return a.node.Idx < than.(*nodeItem).node.Idx
}

// Tree is the BitTree of spec §3/§4.2: one mutex, one ordered index,
// created with the task and destroyed (via Close) when the task is
// disposed.
type Tree struct {
	cfg  Config
	span uint64 // gran * bitmap.BitsPerNode: the fixed stride between node keys

	mu  sync.Mutex
	idx *btree.BTree

	Stats Stats

	// AllocHook, if set, is consulted before a new node is created; a
	// non-nil return simulates the allocation-failure path of §4.2.1
	// ("Fails ... on allocation failure") for fault-injection tests.
	AllocHook func() error
}

// New creates an empty BitTree for the given configuration.
func New(cfg Config) *Tree {
	if cfg.BTreeDegree == 0 {
		cfg.BTreeDegree = 32
	}
	gran := cfg.Range
	if cfg.IsFile || gran == 0 {
		gran = 1
	}
	return &Tree{
		cfg:  cfg,
		span: gran * bitmap.BitsPerNode,
		idx:  btree.New(cfg.BTreeDegree),
	}
}

func (t *Tree) gran() uint64 {
	if t.cfg.IsFile {
		return 1
	}
	return t.cfg.Range
}

func (t *Tree) alignIdx(key uint64) uint64 {
	return (key / t.span) * t.span
}

// get looks up the node covering nodeIdx (must already be aligned).
// Caller holds t.mu.
func (t *Tree) get(nodeIdx uint64) *nodeItem {
	probe := &nodeItem{node: &bitmap.Node{Idx: nodeIdx}}
	found := t.idx.Get(probe)
	if found == nil {
		return nil
	}
	return found.(*nodeItem)
}

// walkRange invokes visit once per node-aligned slot intersecting
// [key, key+length), in ascending key order, whether or not a node
// currently exists there. visit returns (stop, err).
func (t *Tree) walkRange(key, length uint64, visit func(nodeIdx uint64, item *nodeItem) (bool, error)) error {
	if length == 0 {
		nodeIdx := t.alignIdx(key)
		_, err := visit(nodeIdx, t.get(nodeIdx))
		return err
	}
	end := key + length
	for nodeIdx := t.alignIdx(key); nodeIdx < end; nodeIdx += t.span {
		stop, err := visit(nodeIdx, t.get(nodeIdx))
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Update is the unified mutation protocol of spec §4.2.1.
//
// READ (flags has FlagRead): key is a single point, length is ignored;
// returns a 2-bit value (bit0=done, bit1=relv) or 0 if no node exists.
//
// CHECK (flags has FlagCheck, not FlagRead): returns 1 if the named
// bits are all in the requested state across the whole range, else 0.
// A missing node satisfies a *Rst check and fails a *Set check.
//
// UPDATE (neither flag): creates missing nodes for Set flags, mutates
// bits, and disposes any node left entirely clear after a Rst. Returns
// 0 on success.
//
// All modes return (-1, err) on allocation failure or a node-level
// range error.
func (t *Tree) Update(key, length uint64, flags Flags) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case flags&FlagRead != 0:
		return t.doRead(key), nil
	case flags&FlagCheck != 0:
		ok, err := t.doCheck(key, length, flags&^FlagCheck)
		if err != nil {
			return -1, err
		}
		if ok {
			return 1, nil
		}
		return 0, nil
	default:
		if err := t.doMutate(key, length, flags); err != nil {
			return -1, err
		}
		return 0, nil
	}
}

func (t *Tree) doRead(key uint64) int {
	nodeIdx := t.alignIdx(key)
	item := t.get(nodeIdx)
	if item == nil {
		return 0
	}
	node := item.node
	relBit := (key - node.Idx) / node.Gran

	v := 0
	if node.Done.Read(relBit) == 1 {
		v |= 1
	}
	if t.cfg.IsFile && node.Relv.Read(relBit) == 1 {
		v |= 2
	}
	return v
}

func (t *Tree) doCheck(key, length uint64, flags Flags) (bool, error) {
	result := true
	err := t.walkRange(key, length, func(nodeIdx uint64, item *nodeItem) (bool, error) {
		overlapStart := maxU64(key, nodeIdx)
		overlapEnd := minU64(key+length, nodeIdx+t.span)
		if overlapStart >= overlapEnd {
			return false, nil
		}

		if item == nil {
			// A missing node satisfies every Rst condition and fails
			// every Set condition (§4.2.1: "For SET-flags, a missing
			// node yields 0... For RST-flags, a missing node is
			// treated as satisfying the condition").
			if flags&(FlagDoneSet|FlagRelvSet) != 0 {
				result = false
				return true, nil
			}
			return false, nil
		}

		node := item.node
		startBit, nbits := node.offsetBits(overlapStart, overlapEnd-overlapStart)

		if flags&FlagDoneSet != 0 {
			ok, err := node.Done.Check(startBit, nbits, true)
			if err != nil {
				return true, err
			}
			if !ok {
				result = false
				return true, nil
			}
		}
		if flags&FlagDoneRst != 0 {
			ok, err := node.Done.Check(startBit, nbits, false)
			if err != nil {
				return true, err
			}
			if !ok {
				result = false
				return true, nil
			}
		}
		if t.cfg.IsFile {
			if flags&FlagRelvSet != 0 {
				ok, err := node.Relv.Check(startBit, nbits, true)
				if err != nil {
					return true, err
				}
				if !ok {
					result = false
					return true, nil
				}
			}
			if flags&FlagRelvRst != 0 {
				ok, err := node.Relv.Check(startBit, nbits, false)
				if err != nil {
					return true, err
				}
				if !ok {
					result = false
					return true, nil
				}
			}
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	return result, nil
}

func (t *Tree) doMutate(key, length uint64, flags Flags) error {
	needsCreate := flags&(FlagDoneSet|FlagRelvSet) != 0

	return t.walkRange(key, length, func(nodeIdx uint64, item *nodeItem) (bool, error) {
		overlapStart := maxU64(key, nodeIdx)
		overlapEnd := minU64(key+length, nodeIdx+t.span)
		if overlapStart >= overlapEnd {
			return false, nil
		}

		if item == nil {
			if !needsCreate {
				// RST against a node that doesn't exist: no-op.
				return false, nil
			}
			if t.AllocHook != nil {
				if err := t.AllocHook(); err != nil {
					return true, err
				}
			}
			node := bitmap.NewNode(nodeIdx, t.gran())
			item = &nodeItem{node: node}
			t.idx.ReplaceOrInsert(item)
			t.Stats.NodesAllocated.Add(1)
		}

		node := item.node
		startBit, nbits := node.offsetBits(overlapStart, overlapEnd-overlapStart)

		if flags&FlagDoneSet != 0 {
			if err := node.Done.Set(startBit, nbits, true); err != nil {
				return true, err
			}
		}
		if flags&FlagDoneRst != 0 {
			if err := node.Done.Set(startBit, nbits, false); err != nil {
				return true, err
			}
		}
		if t.cfg.IsFile {
			if flags&FlagRelvSet != 0 {
				if err := node.Relv.Set(startBit, nbits, true); err != nil {
					return true, err
				}
			}
			if flags&FlagRelvRst != 0 {
				if err := node.Relv.Set(startBit, nbits, false); err != nil {
					return true, err
				}
			}
		}

		if flags&(FlagDoneRst|FlagRelvRst) != 0 && node.Empty() {
			t.idx.Delete(item)
			t.Stats.NodesDisposed.Add(1)
		}
		return false, nil
	})
}

// Apply performs an UPDATE with the given expression.
func (t *Tree) Apply(key, length uint64, e Expr) error {
	_, err := t.Update(key, length, e.flagsFor(0))
	return err
}

// CheckExpr performs a CHECK with the given expression, returning true
// iff every named bit matches the requested state across the range.
func (t *Tree) CheckExpr(key, length uint64, e Expr) (bool, error) {
	v, err := t.Update(key, length, e.flagsFor(FlagCheck))
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// ReadBits performs a READ at a single key, returning the done and
// relv bits (relv is always false in block mode).
func (t *Tree) ReadBits(key uint64) (done bool, relv bool, err error) {
	v, err := t.Update(key, 0, FlagRead)
	if err != nil {
		return false, false, err
	}
	return v&1 != 0, v&2 != 0, nil
}

// Mark and Unmark wrap Update with the done flag, matching the
// event-system collaborator surface of §6 ("mark(task, offset, len) /
// unmark(task, offset, len): wrappers around BitTree update with the
// done flag").
func (t *Tree) Mark(offset, length uint64) error  { return t.Apply(offset, length, SetDone()) }
func (t *Tree) Unmark(offset, length uint64) error { return t.Apply(offset, length, ResetDone()) }

// Check reports whether the whole [offset, offset+length) range is
// marked done — the skip test used by the extent walker (§4.6) and the
// §6 collaborator surface's check(task, offset, len).
func (t *Tree) Check(offset, length uint64) (bool, error) {
	return t.CheckExpr(offset, length, SetDone())
}

// RelevanceOracle classifies an inode's relevance to a file-mode task
// (§4.2.3); it is an external collaborator out of this spec's scope.
type RelevanceOracle interface {
	IsRelevant(inode uint64) (bool, error)
}

// InodeCheck is the composite operation of §4.2.3: read the bits for
// inode; if nothing is known, ask the oracle and record the verdict;
// return skip=true if the inode is irrelevant, false if the scrubber
// should proceed.
func (t *Tree) InodeCheck(inode uint64, oracle RelevanceOracle) (skip bool, err error) {
	if !t.cfg.IsFile {
		return false, ErrNotFileMode
	}

	done, relv, err := t.ReadBits(inode)
	if err != nil {
		return false, err
	}

	if !done && !relv {
		relevant, err := oracle.IsRelevant(inode)
		if err != nil {
			return false, err
		}
		if relevant {
			if err := t.Apply(inode, 1, SetRelv()); err != nil {
				return false, err
			}
			return false, nil
		}
		if err := t.Apply(inode, 1, SetDone()); err != nil {
			return false, err
		}
		return true, nil
	}

	if relv {
		return false, nil
	}
	return true, nil
}

// Close disposes every node in the tree. Per §3, a BitTree's nodes are
// all freed when the owning task is destroyed.
func (t *Tree) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.idx.Len()
	t.idx.Clear(false)
	t.Stats.NodesDisposed.Add(int64(n))
}

// NodeCount returns the number of live nodes, for tests and stats.
func (t *Tree) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idx.Len()
}
