package btreedir

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	namecompare "github.com/sealedfs/sealedfs/core/directory/name_compare"
	pagestream "github.com/sealedfs/sealedfs/core/storage/page_stream"
)

// --- Test Helpers ---

// testHeaders is an in-memory Headers implementation; in production the
// scalars live in the surrounding filesystem metadata.
type testHeaders struct {
	root      uint32
	startFree uint32
	numFree   uint32
}

func newTestHeaders() *testHeaders {
	return &testHeaders{root: InvalidPage, startFree: InvalidPage}
}

func (h *testHeaders) RootPage() uint32           { return h.root }
func (h *testHeaders) SetRootPage(pg uint32)      { h.root = pg }
func (h *testHeaders) StartFreePage() uint32      { return h.startFree }
func (h *testHeaders) SetStartFreePage(pg uint32) { h.startFree = pg }
func (h *testHeaders) NumFreePages() uint32       { return h.numFree }
func (h *testHeaders) SetNumFreePages(n uint32)   { h.numFree = n }

// setupTree creates an engine over a fresh in-memory stream. maxEntries
// of 0 keeps the limit derived from the block size.
func setupTree(t *testing.T, maxEntries int, compare namecompare.Compare) (*BtreeDirectory, *pagestream.MemStream, *testHeaders) {
	t.Helper()
	logger := zap.NewNop()
	stream := pagestream.NewMemStream()
	headers := newTestHeaders()

	opts := []Option{WithLogger(logger)}
	if maxEntries > 0 {
		opts = append(opts, WithMaxEntries(maxEntries))
	}
	d, err := New(stream, headers, compare, 4096, opts...)
	require.NoError(t, err)
	return d, stream, headers
}

// newID builds a unique 32-byte identifier for test entries.
func newID() ID {
	var id ID
	a, b := uuid.New(), uuid.New()
	copy(id[:16], a[:])
	copy(id[16:], b[:])
	return id
}

// requireValid asserts both structural validators, the universal
// postcondition of every public operation.
func requireValid(t *testing.T, d *BtreeDirectory) {
	t.Helper()
	require.True(t, d.ValidateBtreeStructure(), "btree structure invalid")
	require.True(t, d.ValidateFreeList(), "free list invalid")
}

// collectNames iterates the tree into a set.
func collectNames(t *testing.T, d *BtreeDirectory) map[string]int {
	t.Helper()
	names := make(map[string]int)
	require.NoError(t, d.Iterate(func(name string, _ ID, _ uint32) error {
		names[name]++
		return nil
	}))
	return names
}

// --- Test Cases ---

// TestBuildAndIterate inserts a handful of names into an empty tree and
// verifies that iteration yields exactly those names, that everything
// still fits in the single root page, and that the validators pass.
func TestBuildAndIterate(t *testing.T) {
	d, stream, headers := setupTree(t, 0, namecompare.Binary)

	names := []string{"a", "b", "c", "d", "e"}
	ids := make(map[string]ID)
	for _, name := range names {
		ids[name] = newID()
		inserted, err := d.AddEntry(name, ids[name], 0)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	seen := collectNames(t, d)
	require.Len(t, seen, len(names))
	for _, name := range names {
		require.Equal(t, 1, seen[name])
	}

	for _, name := range names {
		id, entryType, found, err := d.GetEntry(name)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, ids[name], id)
		require.Equal(t, uint32(0), entryType)
	}

	size, err := stream.Size()
	require.NoError(t, err)
	require.Equal(t, int64(4096), size, "five entries must fit in one block")
	require.Equal(t, uint32(0), headers.RootPage())
	requireValid(t, d)
}

// TestForcedSplit overrides the entry limit to 4 and inserts five names
// in order, forcing a root split: the root page must change, the stream
// must grow to three blocks, and the new root must carry one separator
// over two sufficiently filled leaves.
func TestForcedSplit(t *testing.T) {
	d, stream, headers := setupTree(t, 4, namecompare.Binary)

	for i := 1; i <= 5; i++ {
		inserted, err := d.AddEntry(fmt.Sprintf("%02d", i), newID(), 0)
		require.NoError(t, err)
		require.True(t, inserted)
		requireValid(t, d)
	}

	require.NotEqual(t, uint32(0), headers.RootPage(), "root page must change after the split")

	size, err := stream.Size()
	require.NoError(t, err)
	require.Equal(t, int64(3*4096), size)

	root, err := d.rootNode()
	require.NoError(t, err)
	require.Len(t, root.Entries(), 1)
	require.Len(t, root.Children(), 2)
	for _, c := range root.Children() {
		leaf, err := d.cache.get(root.PageNumber(), c)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(leaf.Entries()), 2)
	}
}

// TestDeleteCausingMerge continues the forced-split scenario by deleting
// the promoted separator. The engine must replace it with its in-order
// predecessor, detect the leaf underflow, merge the siblings and shrink
// the tree back to a single level, reclaiming the merged-away leaf page
// and the old root page.
func TestDeleteCausingMerge(t *testing.T) {
	d, stream, headers := setupTree(t, 4, namecompare.Binary)

	for i := 1; i <= 5; i++ {
		_, err := d.AddEntry(fmt.Sprintf("%02d", i), newID(), 0)
		require.NoError(t, err)
	}
	root, err := d.rootNode()
	require.NoError(t, err)
	require.Equal(t, "03", root.Entries()[0].Filename, "median of five sorted inserts is promoted")

	_, _, removed, err := d.RemoveEntry("03")
	require.NoError(t, err)
	require.True(t, removed)
	requireValid(t, d)

	// Height is back to one: the root is a leaf holding the four survivors.
	root, err = d.rootNode()
	require.NoError(t, err)
	require.True(t, len(root.Children()) == 0, "tree must collapse to a single leaf")
	require.Len(t, root.Entries(), 4)

	// The merged-away leaf page went to the free list; the old root sat at
	// the top of the stream and was reclaimed by shrinking.
	require.Equal(t, uint32(1), headers.NumFreePages())
	size, err := stream.Size()
	require.NoError(t, err)
	require.Equal(t, int64(2*4096), size)
}

// TestFreeListReuse verifies that after pages were freed by a merge, the
// allocator consumes them before growing the stream again.
func TestFreeListReuse(t *testing.T) {
	d, stream, headers := setupTree(t, 4, namecompare.Binary)

	for i := 1; i <= 5; i++ {
		_, err := d.AddEntry(fmt.Sprintf("%02d", i), newID(), 0)
		require.NoError(t, err)
	}
	_, _, _, err := d.RemoveEntry("03")
	require.NoError(t, err)
	require.Equal(t, uint32(1), headers.NumFreePages())

	sizeBefore, err := stream.Size()
	require.NoError(t, err)

	_, err = d.AddEntry("06", newID(), 0)
	require.NoError(t, err)
	_, err = d.AddEntry("07", newID(), 0)
	require.NoError(t, err)
	requireValid(t, d)

	require.Equal(t, uint32(0), headers.NumFreePages(), "free pages must be consumed first")

	sizeAfter, err := stream.Size()
	require.NoError(t, err)
	require.LessOrEqual(t, sizeAfter, sizeBefore+4096,
		"at most one block of growth once the free page is reused")
}

// TestCorruptionDetection clobbers the flag word of the root page and
// verifies that the next lookup through a cold cache reports corruption
// instead of returning garbage.
func TestCorruptionDetection(t *testing.T) {
	d, stream, headers := setupTree(t, 0, namecompare.Binary)

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := d.AddEntry(name, newID(), 0)
		require.NoError(t, err)
	}
	require.NoError(t, d.Flush())

	stream.Bytes()[0] = 2

	// Reopen: a fresh engine over the same stream and headers.
	reopened, err := New(stream, headers, namecompare.Binary, 4096, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	_, _, _, err = reopened.GetEntry("a")
	require.ErrorIs(t, err, ErrCorruptedDirectory)
	require.False(t, reopened.ValidateBtreeStructure())
}

// TestCaseInsensitiveComparator checks that a directory built over the
// case-insensitive order treats differently cased spellings as one name.
func TestCaseInsensitiveComparator(t *testing.T) {
	d, _, _ := setupTree(t, 0, namecompare.CaseInsensitive)

	firstID := newID()
	inserted, err := d.AddEntry("Foo", firstID, 0)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = d.AddEntry("foo", newID(), 0)
	require.NoError(t, err)
	require.False(t, inserted, "differently cased duplicate must be rejected")

	id, _, found, err := d.GetEntry("FOO")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, firstID, id)
}

// TestDuplicateAddAndAbsentRemove pins down the no-mutation contract:
// re-adding an existing name returns false and removing an absent name
// returns not-found, both leaving the tree untouched.
func TestDuplicateAddAndAbsentRemove(t *testing.T) {
	d, stream, _ := setupTree(t, 4, namecompare.Binary)

	_, err := d.AddEntry("x", newID(), 0)
	require.NoError(t, err)
	before := collectNames(t, d)
	sizeBefore, err := stream.Size()
	require.NoError(t, err)

	inserted, err := d.AddEntry("x", newID(), 0)
	require.NoError(t, err)
	require.False(t, inserted)

	_, _, removed, err := d.RemoveEntry("nope")
	require.NoError(t, err)
	require.False(t, removed)

	require.Equal(t, before, collectNames(t, d))
	sizeAfter, err := stream.Size()
	require.NoError(t, err)
	require.Equal(t, sizeBefore, sizeAfter)
	requireValid(t, d)
}

// TestAddRemoveRestoresShape covers the add-then-remove round trip on a
// settled tree: the observable entry set, the stream size and the
// free-list length all return to their starting values when the insert
// did not split the root.
func TestAddRemoveRestoresShape(t *testing.T) {
	d, stream, headers := setupTree(t, 4, namecompare.Binary)

	for i := 1; i <= 3; i++ {
		_, err := d.AddEntry(fmt.Sprintf("%02d", i), newID(), 0)
		require.NoError(t, err)
	}
	before := collectNames(t, d)
	sizeBefore, err := stream.Size()
	require.NoError(t, err)
	freeBefore := headers.NumFreePages()

	_, err = d.AddEntry("zz", newID(), 0)
	require.NoError(t, err)
	_, _, removed, err := d.RemoveEntry("zz")
	require.NoError(t, err)
	require.True(t, removed)
	requireValid(t, d)

	require.Equal(t, before, collectNames(t, d))
	sizeAfter, err := stream.Size()
	require.NoError(t, err)
	require.Equal(t, sizeBefore, sizeAfter)
	require.Equal(t, freeBefore, headers.NumFreePages())
}

// TestNameTooLong verifies that every public operation rejects names
// longer than the on-disk limit before touching the tree.
func TestNameTooLong(t *testing.T) {
	d, _, _ := setupTree(t, 0, namecompare.Binary)
	long := strings.Repeat("x", MaxFilenameLength+1)

	_, err := d.AddEntry(long, newID(), 0)
	require.ErrorIs(t, err, ErrNameTooLong)
	_, _, _, err = d.GetEntry(long)
	require.ErrorIs(t, err, ErrNameTooLong)
	_, _, _, err = d.RemoveEntry(long)
	require.ErrorIs(t, err, ErrNameTooLong)

	// Exactly at the limit is fine.
	limit := strings.Repeat("y", MaxFilenameLength)
	inserted, err := d.AddEntry(limit, newID(), 0)
	require.NoError(t, err)
	require.True(t, inserted)
	requireValid(t, d)
}

// TestFlushMatchesDisk checks the write-back contract: after Flush every
// cached node is clean and its encoding equals the bytes of its page.
func TestFlushMatchesDisk(t *testing.T) {
	d, stream, _ := setupTree(t, 4, namecompare.Binary)

	for i := 0; i < 20; i++ {
		_, err := d.AddEntry(fmt.Sprintf("file-%02d", i), newID(), 0)
		require.NoError(t, err)
	}
	require.NoError(t, d.Flush())

	for page, node := range d.cache.nodes {
		require.False(t, node.Dirty(), "page %d still dirty after flush", page)
		encoded := make([]byte, 4096)
		require.NoError(t, node.encode(encoded))
		onDisk := make([]byte, 4096)
		read, err := stream.ReadAt(onDisk, int64(page)*4096)
		require.NoError(t, err)
		require.Equal(t, 4096, read)
		require.True(t, bytes.Equal(encoded, onDisk), "page %d differs from its disk image", page)
	}
}

// TestParentPointers walks every reachable node after a batch of
// mutations and checks that each child's cached parent back-edge points
// at the node that references it.
func TestParentPointers(t *testing.T) {
	d, _, _ := setupTree(t, 4, namecompare.Binary)

	for i := 0; i < 40; i++ {
		_, err := d.AddEntry(fmt.Sprintf("n%03d", i), newID(), 0)
		require.NoError(t, err)
	}
	for i := 0; i < 40; i += 3 {
		_, _, _, err := d.RemoveEntry(fmt.Sprintf("n%03d", i))
		require.NoError(t, err)
	}
	requireValid(t, d)

	root, err := d.rootNode()
	require.NoError(t, err)
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, c := range n.Children() {
			child, err := d.cache.get(n.PageNumber(), c)
			require.NoError(t, err)
			require.Equal(t, n.PageNumber(), child.ParentPage())
			walk(child)
		}
	}
	walk(root)
}

// TestRandomizedAddRemove is the soak test behind the universal
// invariants: a seeded random interleaving of inserts and deletes with
// both validators checked after every single operation, and the final
// entry set compared against a model map.
func TestRandomizedAddRemove(t *testing.T) {
	d, _, _ := setupTree(t, 4, namecompare.Binary)
	rng := rand.New(rand.NewSource(0xC0FFEE))

	model := make(map[string]ID)
	var names []string
	for i := 0; i < 120; i++ {
		names = append(names, fmt.Sprintf("entry-%03d", i))
	}

	for step := 0; step < 600; step++ {
		name := names[rng.Intn(len(names))]
		if _, present := model[name]; present && rng.Intn(2) == 0 {
			id, _, removed, err := d.RemoveEntry(name)
			require.NoError(t, err)
			require.True(t, removed)
			require.Equal(t, model[name], id)
			delete(model, name)
		} else {
			id := newID()
			inserted, err := d.AddEntry(name, id, 0)
			require.NoError(t, err)
			require.Equal(t, !present, inserted)
			if inserted {
				model[name] = id
			}
		}
		requireValid(t, d)
	}

	seen := collectNames(t, d)
	require.Len(t, seen, len(model))
	for name := range model {
		require.Equal(t, 1, seen[name])
		id, _, found, err := d.GetEntry(name)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, model[name], id)
	}

	// Drain completely; the structure must stay valid to the last entry.
	for name := range model {
		_, _, removed, err := d.RemoveEntry(name)
		require.NoError(t, err)
		require.True(t, removed)
		requireValid(t, d)
	}
	require.Empty(t, collectNames(t, d))
}

// TestInsertionOrderIndependence inserts the same set in two different
// orders and verifies both trees expose the same entries.
func TestInsertionOrderIndependence(t *testing.T) {
	var names []string
	for i := 0; i < 60; i++ {
		names = append(names, fmt.Sprintf("f%02d", i))
	}

	forward, _, _ := setupTree(t, 4, namecompare.Binary)
	for _, name := range names {
		_, err := forward.AddEntry(name, newID(), 0)
		require.NoError(t, err)
	}

	shuffled := append([]string(nil), names...)
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	backward, _, _ := setupTree(t, 4, namecompare.Binary)
	for _, name := range shuffled {
		_, err := backward.AddEntry(name, newID(), 0)
		require.NoError(t, err)
	}

	requireValid(t, forward)
	requireValid(t, backward)
	require.Equal(t, collectNames(t, forward), collectNames(t, backward))
}

// TestClearCacheSurvivesReload drops the cache after a flush and checks
// the tree reads back identically from disk.
func TestClearCacheSurvivesReload(t *testing.T) {
	d, _, _ := setupTree(t, 4, namecompare.Binary)

	want := make(map[string]ID)
	for i := 0; i < 30; i++ {
		name := fmt.Sprintf("doc-%02d", i)
		want[name] = newID()
		_, err := d.AddEntry(name, want[name], 0)
		require.NoError(t, err)
	}
	require.NoError(t, d.ClearCache())
	require.Empty(t, d.cache.nodes)

	for name, wantID := range want {
		id, _, found, err := d.GetEntry(name)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, wantID, id)
	}
	requireValid(t, d)
}

// TestDotGraph smoke-tests the diagnostic dump: the first and last
// inserted names show up and the output is a closed digraph.
func TestDotGraph(t *testing.T) {
	d, _, _ := setupTree(t, 4, namecompare.Binary)
	for i := 0; i < 10; i++ {
		_, err := d.AddEntry(fmt.Sprintf("g%d", i), newID(), 0)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, d.ToDotGraph(&buf))
	out := buf.String()
	require.True(t, strings.HasPrefix(out, "digraph Btree{"))
	require.Contains(t, out, "rankdir=BT;")
	require.Contains(t, out, "g0")
	require.Contains(t, out, "g9")
	require.True(t, strings.HasSuffix(out, "}\n"))
}

// TestEmptyTree pins the trivial cases: lookups, removals, iteration and
// the dot dump on a tree that never saw an insert.
func TestEmptyTree(t *testing.T) {
	d, stream, headers := setupTree(t, 0, namecompare.Binary)

	_, _, found, err := d.GetEntry("anything")
	require.NoError(t, err)
	require.False(t, found)

	_, _, removed, err := d.RemoveEntry("anything")
	require.NoError(t, err)
	require.False(t, removed)

	require.Empty(t, collectNames(t, d))
	requireValid(t, d)

	var buf bytes.Buffer
	require.NoError(t, d.ToDotGraph(&buf))
	require.Zero(t, buf.Len())

	size, err := stream.Size()
	require.NoError(t, err)
	require.Zero(t, size)
	require.Equal(t, InvalidPage, headers.RootPage())
}

// TestBlockSizeTooSmall rejects configurations whose node fan-out would
// drop below the minimum the balancing logic relies on.
func TestBlockSizeTooSmall(t *testing.T) {
	_, err := New(pagestream.NewMemStream(), newTestHeaders(), namecompare.Binary, 1024)
	require.ErrorIs(t, err, ErrBlockSizeTooSmall)
}

// TestDerivedMaxEntries pins the fan-out derived from the default block
// size against the on-disk entry footprint.
func TestDerivedMaxEntries(t *testing.T) {
	require.Equal(t, 13, MaxEntriesForBlockSize(4096))
	require.Equal(t, 27, MaxEntriesForBlockSize(8192))
}
