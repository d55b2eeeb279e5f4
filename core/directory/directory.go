// Package directory ties one full-format directory together: the
// ciphertext stream holding the paged B-tree, the persisted header
// scalars, and the engine operating on both. Callers above this package
// (the file table and the FUSE layer) hold an exclusive lock per
// directory across every call.
package directory

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	btreedir "github.com/sealedfs/sealedfs/core/directory/btree_dir"
	dirmeta "github.com/sealedfs/sealedfs/core/directory/dir_meta"
	namecompare "github.com/sealedfs/sealedfs/core/directory/name_compare"
	pagestream "github.com/sealedfs/sealedfs/core/storage/page_stream"
)

// Directory is one mounted directory of the filesystem.
type Directory struct {
	stream   *pagestream.FileStream
	metaPath string
	header   *dirmeta.Header
	tree     *btreedir.BtreeDirectory
	logger   *zap.Logger
}

// Options configures Create and Open.
type Options struct {
	BlockSize int
	Compare   namecompare.Compare
	Logger    *zap.Logger
	// Metrics are the shared directory-engine instruments from the
	// telemetry pipeline; nil keeps the engine's no-op instruments.
	Metrics *btreedir.Metrics
}

func (o *Options) fill() {
	if o.BlockSize == 0 {
		o.BlockSize = 4096
	}
	if o.Compare == nil {
		o.Compare = namecompare.Binary
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func newEngine(stream *pagestream.FileStream, header *dirmeta.Header, opts Options) (*btreedir.BtreeDirectory, error) {
	engineOpts := []btreedir.Option{
		btreedir.WithLogger(opts.Logger),
		btreedir.WithMetrics(opts.Metrics),
	}
	return btreedir.New(stream, header, opts.Compare, opts.BlockSize, engineOpts...)
}

// Create makes a new, empty directory: an empty stream file at dataPath
// and a fresh header at metaPath. It fails if either file exists.
func Create(dataPath, metaPath string, opts Options) (*Directory, error) {
	opts.fill()
	if _, err := os.Stat(metaPath); err == nil {
		return nil, fmt.Errorf("directory metadata %s already exists", metaPath)
	}
	stream, err := pagestream.CreateFileStream(dataPath)
	if err != nil {
		return nil, err
	}
	header := dirmeta.New()
	d := &Directory{
		stream:   stream,
		metaPath: metaPath,
		header:   header,
		logger:   opts.Logger,
	}
	if err := d.saveHeader(); err != nil {
		stream.Close()
		_ = os.Remove(dataPath)
		_ = os.Remove(metaPath)
		return nil, err
	}
	d.tree, err = newEngine(stream, header, opts)
	if err != nil {
		stream.Close()
		_ = os.Remove(dataPath)
		_ = os.Remove(metaPath)
		return nil, err
	}
	opts.Logger.Info("created directory",
		zap.String("data", dataPath), zap.String("meta", metaPath))
	return d, nil
}

// Open mounts an existing directory and refuses streams that fail
// structural validation.
func Open(dataPath, metaPath string, opts Options) (*Directory, error) {
	opts.fill()
	metaFile, err := os.Open(metaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory metadata %s: %w", metaPath, err)
	}
	header, err := dirmeta.Load(metaFile)
	metaFile.Close()
	if err != nil {
		return nil, err
	}
	if header.Format() != dirmeta.FormatFull {
		return nil, fmt.Errorf("directory %s is not in the full format (flag %d)", dataPath, header.Format())
	}

	stream, err := pagestream.OpenFileStream(dataPath)
	if err != nil {
		return nil, err
	}
	tree, err := newEngine(stream, header, opts)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if !tree.ValidateBtreeStructure() || !tree.ValidateFreeList() {
		stream.Close()
		return nil, fmt.Errorf("%w: refusing to mount %s", btreedir.ErrCorruptedDirectory, dataPath)
	}
	d := &Directory{
		stream:   stream,
		metaPath: metaPath,
		header:   header,
		tree:     tree,
		logger:   opts.Logger,
	}
	opts.Logger.Info("opened directory",
		zap.String("data", dataPath),
		zap.Uint32("root_page", header.RootPage()),
		zap.Uint32("free_pages", header.NumFreePages()))
	return d, nil
}

// GetEntry looks up name.
func (d *Directory) GetEntry(name string) (btreedir.ID, uint32, bool, error) {
	return d.tree.GetEntry(name)
}

// AddEntry inserts an entry; false means the name already exists.
func (d *Directory) AddEntry(name string, id btreedir.ID, entryType uint32) (bool, error) {
	return d.tree.AddEntry(name, id, entryType)
}

// RemoveEntry deletes an entry, returning what was stored under it.
func (d *Directory) RemoveEntry(name string) (btreedir.ID, uint32, bool, error) {
	return d.tree.RemoveEntry(name)
}

// Iterate visits every entry in unspecified order.
func (d *Directory) Iterate(cb func(name string, id btreedir.ID, entryType uint32) error) error {
	return d.tree.Iterate(cb)
}

// ValidateBtreeStructure checks the tree invariants.
func (d *Directory) ValidateBtreeStructure() bool { return d.tree.ValidateBtreeStructure() }

// ValidateFreeList checks the free-list invariants.
func (d *Directory) ValidateFreeList() bool { return d.tree.ValidateFreeList() }

// ToDotGraph dumps the tree in Graphviz form.
func (d *Directory) ToDotGraph(w io.Writer) error { return d.tree.ToDotGraph(w) }

// Flush makes the in-memory state observable on disk: dirty nodes first,
// then the header scalars, then the stream's own buffers.
func (d *Directory) Flush() error {
	if err := d.tree.Flush(); err != nil {
		return err
	}
	if d.header.Dirty() {
		if err := d.saveHeader(); err != nil {
			return err
		}
	}
	return d.stream.Flush()
}

// Fsync flushes and then forces stream durability.
func (d *Directory) Fsync() error {
	if err := d.Flush(); err != nil {
		return err
	}
	return d.stream.Fsync()
}

// ClearCache flushes and drops every cached node.
func (d *Directory) ClearCache() error {
	return d.tree.ClearCache()
}

// Close flushes best-effort and closes the stream. Flush failures are
// logged and suppressed; the returned error comes from closing the
// stream only.
func (d *Directory) Close() error {
	if err := d.Flush(); err != nil {
		d.logger.Warn("flush on close failed", zap.Error(err))
	}
	return d.stream.Close()
}

func (d *Directory) saveHeader() error {
	var buf bytes.Buffer
	if err := d.header.Save(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(d.metaPath, buf.Bytes(), 0666); err != nil {
		return fmt.Errorf("failed to write directory metadata %s: %w", d.metaPath, err)
	}
	return nil
}
