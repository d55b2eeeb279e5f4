package btreedir

import (
	"fmt"
	"io"
	"strings"
)

// ToDotGraph writes the tree as a Graphviz digraph for debugging: one
// record per node labelled with its entries, solid child-to-node edges
// and a dotted edge from each node to its parent. Purely diagnostic; the
// output is not part of the data contract.
func (d *BtreeDirectory) ToDotGraph(w io.Writer) error {
	root, err := d.rootNode()
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}
	if _, err := io.WriteString(w, "digraph Btree{\nrankdir=BT;\n"); err != nil {
		return err
	}
	if err := d.writeDotGraph(root, w, 0); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n}\n")
	return err
}

func (d *BtreeDirectory) writeDotGraph(n *Node, w io.Writer, depth int) error {
	if depth >= BtreeMaxDepth {
		return fmt.Errorf("%w: graph dump exceeded depth %d", ErrCorruptedDirectory, BtreeMaxDepth)
	}
	if n.parentPage != InvalidPage {
		if _, err := fmt.Fprintf(w, "    node%d -> node%d [style=dotted];\n", n.pageNumber, n.parentPage); err != nil {
			return err
		}
	}
	var names strings.Builder
	for _, e := range n.entries {
		names.WriteString(e.Filename)
		names.WriteByte('\n')
	}
	if _, err := fmt.Fprintf(w, "node%d [label=\"node%d:\n\n%s\"];\n", n.pageNumber, n.pageNumber, names.String()); err != nil {
		return err
	}
	for _, c := range n.children {
		if _, err := fmt.Fprintf(w, "    node%d -> node%d;\n", c, n.pageNumber); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		child, err := d.cache.get(n.pageNumber, c)
		if err != nil {
			return err
		}
		if err := d.writeDotGraph(child, w, depth+1); err != nil {
			return err
		}
	}
	return nil
}
