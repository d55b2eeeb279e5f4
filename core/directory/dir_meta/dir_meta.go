// Package dirmeta persists the stream-wide scalars of a directory — root
// page, free-list head, free-list length and the format flag — in the
// filesystem metadata that surrounds the directory's paged stream. The
// scalars are deliberately kept outside the stream itself.
package dirmeta

import (
	"encoding/binary"
	"fmt"
	"io"

	btreedir "github.com/sealedfs/sealedfs/core/directory/btree_dir"
)

const (
	headerMagic   uint32 = 0x53464431 // "SFD1"
	headerVersion uint32 = 1

	// HeaderSize is the fixed encoded size; unused bytes are reserved.
	HeaderSize = 64
)

// Directory format flags.
const (
	// FormatFull marks a directory whose entries live in the paged B-tree.
	FormatFull uint32 = 1
)

// Header holds the persisted scalars of one directory. It implements
// btreedir.Headers. The zero value is not usable; use New.
type Header struct {
	format        uint32
	rootPage      uint32
	startFreePage uint32
	numFreePages  uint32
	dirty         bool
}

// New returns the header of a fresh, empty full-format directory.
func New() *Header {
	return &Header{
		format:        FormatFull,
		rootPage:      btreedir.InvalidPage,
		startFreePage: btreedir.InvalidPage,
	}
}

func (h *Header) Format() uint32 { return h.format }

func (h *Header) SetFormat(f uint32) {
	h.format = f
	h.dirty = true
}

func (h *Header) RootPage() uint32 { return h.rootPage }

func (h *Header) SetRootPage(pg uint32) {
	h.rootPage = pg
	h.dirty = true
}

func (h *Header) StartFreePage() uint32 { return h.startFreePage }

func (h *Header) SetStartFreePage(pg uint32) {
	h.startFreePage = pg
	h.dirty = true
}

func (h *Header) NumFreePages() uint32 { return h.numFreePages }

func (h *Header) SetNumFreePages(n uint32) {
	h.numFreePages = n
	h.dirty = true
}

// Dirty reports whether the header changed since the last Save or Load.
func (h *Header) Dirty() bool { return h.dirty }

// Save writes the fixed-size little-endian encoding of the header and
// clears the dirty flag.
func (h *Header) Save(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:], headerVersion)
	binary.LittleEndian.PutUint32(buf[8:], h.format)
	binary.LittleEndian.PutUint32(buf[12:], h.rootPage)
	binary.LittleEndian.PutUint32(buf[16:], h.startFreePage)
	binary.LittleEndian.PutUint32(buf[20:], h.numFreePages)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write directory header: %w", err)
	}
	h.dirty = false
	return nil
}

// Load reads a header previously written by Save, validating magic and
// version.
func Load(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read directory header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:]); magic != headerMagic {
		return nil, fmt.Errorf("invalid directory header magic 0x%08x", magic)
	}
	if version := binary.LittleEndian.Uint32(buf[4:]); version != headerVersion {
		return nil, fmt.Errorf("unsupported directory header version %d", version)
	}
	return &Header{
		format:        binary.LittleEndian.Uint32(buf[8:]),
		rootPage:      binary.LittleEndian.Uint32(buf[12:]),
		startFreePage: binary.LittleEndian.Uint32(buf[16:]),
		numFreePages:  binary.LittleEndian.Uint32(buf[20:]),
	}, nil
}
