package btreedir

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	pagestream "github.com/sealedfs/sealedfs/core/storage/page_stream"
)

// nodeCache owns every in-memory node of one directory. It is a
// write-back cache keyed by page number with no size bound: a tree of
// practical depth keeps at most a few dozen nodes live during any one
// operation. Nodes stay cached across flushes; only clear empties the map.
//
// References handed out by get/peek stay valid for the whole operation
// (nodes are heap-allocated and the map only stores pointers), but must
// not be retained across public operations.
type nodeCache struct {
	stream    pagestream.Stream
	blockSize int
	nodes     map[uint32]*Node
	logger    *zap.Logger
	metrics   *Metrics
}

func newNodeCache(stream pagestream.Stream, blockSize int, logger *zap.Logger, metrics *Metrics) *nodeCache {
	return &nodeCache{
		stream:    stream,
		blockSize: blockSize,
		nodes:     make(map[uint32]*Node),
		logger:    logger,
		metrics:   metrics,
	}
}

// get returns the cached node for num, reading and decoding the page on a
// miss. parentHint is the page number of the node the caller descended
// from (InvalidPage when retrieving the root). On a hit the hint is
// checked against the cached parent back-edge; a mismatch means two nodes
// claim the same child.
func (c *nodeCache) get(parentHint, num uint32) (*Node, error) {
	if n, ok := c.nodes[num]; ok {
		c.metrics.cacheHits.Add(context.Background(), 1)
		if parentHint != InvalidPage && parentHint != n.parentPage {
			return nil, fmt.Errorf("%w: page %d cached with parent %d, referenced from %d",
				ErrCorruptedDirectory, num, n.parentPage, parentHint)
		}
		return n, nil
	}
	c.metrics.cacheMisses.Add(context.Background(), 1)

	n := &Node{pageNumber: num, parentPage: parentHint}
	if err := c.readNode(num, n); err != nil {
		return nil, err
	}
	c.nodes[num] = n
	return n, nil
}

// peek returns the cached node for num, or nil. It never touches disk.
func (c *nodeCache) peek(num uint32) *Node {
	return c.nodes[num]
}

// invalidate drops a node without writing it back. Used after its page is
// returned to the free list.
func (c *nodeCache) invalidate(num uint32) {
	delete(c.nodes, num)
}

// flush writes back every dirty node and clears its dirty flag.
func (c *nodeCache) flush() error {
	for _, n := range c.nodes {
		if !n.dirty {
			continue
		}
		if err := c.writeNode(n.pageNumber, n); err != nil {
			return err
		}
		n.dirty = false
		c.logger.Debug("flushed node", zap.Uint32("page", n.pageNumber))
	}
	return nil
}

// clear flushes and then drops every node.
func (c *nodeCache) clear() error {
	if err := c.flush(); err != nil {
		return err
	}
	c.nodes = make(map[uint32]*Node)
	return nil
}

// readNode reads page num into n. A read that does not return a whole
// block signals corruption.
func (c *nodeCache) readNode(num uint32, n *Node) error {
	if num == InvalidPage {
		return fmt.Errorf("%w: attempt to read the invalid page", ErrCorruptedDirectory)
	}
	buf := make([]byte, c.blockSize)
	read, err := c.stream.ReadAt(buf, int64(num)*int64(c.blockSize))
	if read != c.blockSize {
		return fmt.Errorf("%w: short read of page %d: got %d of %d bytes",
			ErrCorruptedDirectory, num, read, c.blockSize)
	}
	if err != nil {
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, num, err)
	}
	return n.decode(buf)
}

// writeNode encodes n and writes it over page num.
func (c *nodeCache) writeNode(num uint32, n *Node) error {
	if num == InvalidPage {
		return fmt.Errorf("%w: attempt to write the invalid page", ErrCorruptedDirectory)
	}
	buf := make([]byte, c.blockSize)
	if err := n.encode(buf); err != nil {
		return err
	}
	if _, err := c.stream.WriteAt(buf, int64(num)*int64(c.blockSize)); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, num, err)
	}
	return nil
}
