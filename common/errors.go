// Package common holds sentinel errors and shared value types used
// across the scrubber's packages.
package common

import "errors"

var (
	// ErrOutOfRange is returned by bitmap and BitTree operations whose
	// range exceeds the coverage of the node (or chunk of nodes) it was
	// applied to. Callers are expected to trim ranges to node/chunk
	// boundaries before calling down; this is a caller bug, not a
	// recoverable condition.
	ErrOutOfRange = errors.New("duetscrub: range exceeds node coverage")

	// ErrAlloc names a failure to allocate a new node, bio, or scrub
	// block. No code in this module returns it: a simulated node
	// allocation failure surfaces as the error bittree.Tree.AllocHook
	// returns. The BitTree is an optimization hint, so a
	// caller seeing this from a mark/unmark call may safely ignore it;
	// callers on the hot scrub path treat it as fatal per §7.
	ErrAlloc = errors.New("duetscrub: allocation failed")

	// ErrClosed names an operation on a Task or Tree that has already
	// been torn down. No code in this module returns it; a Tree after
	// Close behaves as an empty tree.
	ErrClosed = errors.New("duetscrub: closed")

	// ErrCancelled is returned from ScrubDevice when a cancel request
	// was observed during the extent walk.
	ErrCancelled = errors.New("duetscrub: scrub cancelled")

	// ErrNoFreeBio is returned by Pool.Acquire when the wait for a free
	// slot times out (adaptive mode only).
	ErrNoFreeBio = errors.New("duetscrub: no free bio slot")

	// ErrUncorrectable is returned internally by the checksum package
	// when every mirror fails to produce a good copy of a block.
	ErrUncorrectable = errors.New("duetscrub: block uncorrectable")

	// ErrDeviceMismatch names a map_block resolution to a device other
	// than the one being scrubbed. No code in this module returns it:
	// the walker and the event pipeline skip such addresses silently.
	ErrDeviceMismatch = errors.New("duetscrub: resolved device does not match scrub device")
)
