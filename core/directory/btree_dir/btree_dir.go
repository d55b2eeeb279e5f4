// Package btreedir implements the full-format directory engine of
// sealedfs: a paged B-tree of directory entries persisted inside an
// encrypted sparse stream, together with the free-page allocator and the
// write-back node cache that share the stream.
//
// A directory instance is single-threaded by contract. Concurrency above
// the engine is mediated by a per-directory exclusive lock held by the
// caller across every operation. The engine is not crash-atomic; callers
// must refuse to mount a tree for which ValidateBtreeStructure or
// ValidateFreeList fails.
package btreedir

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	namecompare "github.com/sealedfs/sealedfs/core/directory/name_compare"
	pagestream "github.com/sealedfs/sealedfs/core/storage/page_stream"
)

// Headers exposes the stream-wide scalars owned by the enclosing
// directory object. They are persisted in the surrounding filesystem
// metadata, never inside the B-tree's paged stream.
type Headers interface {
	RootPage() uint32
	SetRootPage(uint32)
	StartFreePage() uint32
	SetStartFreePage(uint32)
	NumFreePages() uint32
	SetNumFreePages(uint32)
}

// BtreeDirectory is the directory engine over one paged stream.
type BtreeDirectory struct {
	stream     pagestream.Stream
	headers    Headers
	compare    namecompare.Compare
	blockSize  int
	maxEntries int
	cache      *nodeCache
	logger     *zap.Logger
	metrics    *Metrics
}

// Option customizes a BtreeDirectory.
type Option func(*BtreeDirectory)

// WithLogger attaches a logger to the engine.
func WithLogger(logger *zap.Logger) Option {
	return func(d *BtreeDirectory) { d.logger = logger }
}

// WithMetrics attaches instruments to the engine. All directories of one
// filesystem share the instruments built by the telemetry pipeline.
func WithMetrics(m *Metrics) Option {
	return func(d *BtreeDirectory) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithMaxEntries overrides the per-node entry limit derived from the
// block size. Primarily for tests that need small fan-outs; the limit
// must still satisfy the encoded-size bound for the block size in use.
func WithMaxEntries(n int) Option {
	return func(d *BtreeDirectory) { d.maxEntries = n }
}

// New creates a directory engine over stream. headers supplies the
// persisted root page and free-list scalars; compare is the filename
// order every node of this stream was written under.
func New(stream pagestream.Stream, headers Headers, compare namecompare.Compare, blockSize int, opts ...Option) (*BtreeDirectory, error) {
	d := &BtreeDirectory{
		stream:     stream,
		headers:    headers,
		compare:    compare,
		blockSize:  blockSize,
		maxEntries: MaxEntriesForBlockSize(blockSize),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxEntries < 4 {
		return nil, fmt.Errorf("%w: %d bytes holds %d entries, need at least 4",
			ErrBlockSizeTooSmall, blockSize, d.maxEntries)
	}
	if d.metrics == nil {
		d.metrics = noopMetrics()
	}
	d.cache = newNodeCache(stream, blockSize, d.logger, d.metrics)
	return d, nil
}

// minEntries is the smallest legal entry count of a non-root node.
func (d *BtreeDirectory) minEntries() int { return d.maxEntries / 2 }

// rootNode returns the root, or nil if the tree is empty.
func (d *BtreeDirectory) rootNode() (*Node, error) {
	pg := d.headers.RootPage()
	if pg == InvalidPage {
		return nil, nil
	}
	return d.cache.get(InvalidPage, pg)
}

// lowerBound returns the index of the first entry not ordered before name.
func (d *BtreeDirectory) lowerBound(entries []DirEntry, name string) int {
	return sort.Search(len(entries), func(i int) bool {
		return d.compare(entries[i].Filename, name) >= 0
	})
}

// find descends from the root to the node that holds name, or to the leaf
// where it would be inserted. It returns the node, the entry index
// (insertion index when absent) and whether the name was found. A descent
// deeper than BtreeMaxDepth means the structure contains a loop.
func (d *BtreeDirectory) find(name string) (*Node, int, bool, error) {
	n, err := d.rootNode()
	if err != nil {
		return nil, 0, false, err
	}
	if n == nil {
		return nil, 0, false, nil
	}
	for i := 0; i < BtreeMaxDepth; i++ {
		idx := d.lowerBound(n.entries, name)
		if idx < len(n.entries) && d.compare(n.entries[idx].Filename, name) == 0 {
			return n, idx, true, nil
		}
		if n.isLeaf() {
			return n, idx, false, nil
		}
		if idx >= len(n.children) {
			return nil, 0, false, fmt.Errorf("%w: node %d has %d entries but %d children",
				ErrCorruptedDirectory, n.pageNumber, len(n.entries), len(n.children))
		}
		n, err = d.cache.get(n.pageNumber, n.children[idx])
		if err != nil {
			return nil, 0, false, err
		}
	}
	return nil, 0, false, fmt.Errorf("%w: descent exceeded depth %d, loop in tree structure",
		ErrCorruptedDirectory, BtreeMaxDepth)
}

// GetEntry looks up name and returns its id and type.
func (d *BtreeDirectory) GetEntry(name string) (ID, uint32, bool, error) {
	var zero ID
	if len(name) > MaxFilenameLength {
		return zero, 0, false, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	node, idx, found, err := d.find(name)
	if err != nil || !found {
		return zero, 0, false, err
	}
	e := node.entries[idx]
	return e.ID, e.Type, true, nil
}

// AddEntry inserts a new entry. It returns false, without mutating the
// tree, when an entry equal to name under the directory's comparator
// already exists.
func (d *BtreeDirectory) AddEntry(name string, id ID, entryType uint32) (bool, error) {
	if len(name) > MaxFilenameLength {
		return false, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	node, _, found, err := d.find(name)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	entry := DirEntry{Filename: name, ID: id, Type: entryType}
	if node == nil {
		// Empty tree: the first entry gets a fresh root page.
		pg, err := d.allocatePage()
		if err != nil {
			return false, err
		}
		d.headers.SetRootPage(pg)
		node, err = d.rootNode()
		if err != nil {
			return false, err
		}
		node.entries = append(node.entries, entry)
		node.dirty = true
		return true, nil
	}
	if err := d.insertAndBalance(node, entry, InvalidPage, 0); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveEntry deletes name and returns the removed id and type. Removing
// an absent name is not an error; found is false and the tree is
// untouched.
func (d *BtreeDirectory) RemoveEntry(name string) (ID, uint32, bool, error) {
	var zero ID
	if len(name) > MaxFilenameLength {
		return zero, 0, false, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	node, idx, found, err := d.find(name)
	if err != nil || !found {
		return zero, 0, false, err
	}
	removed := node.entries[idx]

	leaf, err := d.replaceWithSubEntry(node, idx, 0)
	if err != nil {
		return zero, 0, false, err
	}
	if err := d.balanceUp(leaf, 0); err != nil {
		return zero, 0, false, err
	}
	return removed.ID, removed.Type, true, nil
}

// Iterate calls cb for every entry of the directory, in no particular
// order. Iteration stops at the first error returned by cb.
func (d *BtreeDirectory) Iterate(cb func(name string, id ID, entryType uint32) error) error {
	root, err := d.rootNode()
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}
	return d.recursiveIterate(root, cb, 0)
}

func (d *BtreeDirectory) recursiveIterate(n *Node, cb func(string, ID, uint32) error, depth int) error {
	if depth >= BtreeMaxDepth {
		return fmt.Errorf("%w: iteration exceeded depth %d", ErrCorruptedDirectory, BtreeMaxDepth)
	}
	for _, e := range n.entries {
		if err := cb(e.Filename, e.ID, e.Type); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		child, err := d.cache.get(n.pageNumber, c)
		if err != nil {
			return err
		}
		if err := d.recursiveIterate(child, cb, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes every dirty node back to the stream.
func (d *BtreeDirectory) Flush() error {
	return d.cache.flush()
}

// ClearCache flushes and then drops every cached node.
func (d *BtreeDirectory) ClearCache() error {
	return d.cache.clear()
}

// adjustChildrenInCache repoints the parent back-edge of every resident
// child of n to parent. Non-resident children get the correct parent from
// the hint when they are next read. Parent pointers are in-memory only,
// so this never dirties the children.
func (d *BtreeDirectory) adjustChildrenInCache(n *Node, parent uint32) {
	for _, c := range n.children {
		if child := d.cache.peek(c); child != nil {
			child.parentPage = parent
		}
	}
}

// delNode returns the node's page to the allocator and drops it from the
// cache without write-back.
func (d *BtreeDirectory) delNode(n *Node) error {
	if err := d.deallocatePage(n.pageNumber); err != nil {
		return err
	}
	d.cache.invalidate(n.pageNumber)
	return nil
}
