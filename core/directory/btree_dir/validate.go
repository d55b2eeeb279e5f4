package btreedir

import "go.uber.org/zap"

// ValidateBtreeStructure checks the whole tree against the structural
// invariants: depth bound, sorted entries, fill limits for non-root
// nodes, child/entry count relation, and separators lying strictly
// between the adjacent entries of their child subtrees. An empty tree is
// valid. Any read error counts as corruption.
func (d *BtreeDirectory) ValidateBtreeStructure() bool {
	root, err := d.rootNode()
	if err != nil {
		d.logger.Warn("btree validation failed to read root", zap.Error(err))
		return false
	}
	if root == nil {
		return true
	}
	ok, err := d.validateNode(root, 0)
	if err != nil {
		d.logger.Warn("btree validation failed", zap.Error(err))
		return false
	}
	return ok
}

func (d *BtreeDirectory) validateNode(n *Node, depth int) (bool, error) {
	if depth > BtreeMaxDepth {
		return false, nil
	}
	for i := 1; i < len(n.entries); i++ {
		if d.compare(n.entries[i-1].Filename, n.entries[i].Filename) >= 0 {
			return false, nil
		}
	}
	if n.parentPage != InvalidPage &&
		(len(n.entries) < d.minEntries() || len(n.entries) > d.maxEntries) {
		return false, nil
	}
	if n.isLeaf() {
		return true, nil
	}

	if len(n.children) != len(n.entries)+1 {
		return false, nil
	}
	for _, c := range n.children {
		child, err := d.cache.get(n.pageNumber, c)
		if err != nil {
			return false, err
		}
		ok, err := d.validateNode(child, depth+1)
		if err != nil || !ok {
			return ok, err
		}
	}
	for i, e := range n.entries {
		lchild, err := d.cache.get(n.pageNumber, n.children[i])
		if err != nil {
			return false, err
		}
		rchild, err := d.cache.get(n.pageNumber, n.children[i+1])
		if err != nil {
			return false, err
		}
		if len(lchild.entries) == 0 || len(rchild.entries) == 0 {
			return false, nil
		}
		if d.compare(e.Filename, lchild.entries[len(lchild.entries)-1].Filename) <= 0 {
			return false, nil
		}
		if d.compare(rchild.entries[0].Filename, e.Filename) <= 0 {
			return false, nil
		}
	}
	return true, nil
}
