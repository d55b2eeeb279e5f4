package btreedir

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Free pages form a doubly-linked list threaded through the stream
// itself. A free page carries a zero flag word, then next and prev page
// numbers:
//
//	u32 0
//	u32 next
//	u32 prev
//
// The list head and length live in the directory headers.

type freePage struct {
	next uint32
	prev uint32
}

func (d *BtreeDirectory) readFreePage(num uint32) (freePage, error) {
	var fp freePage
	if num == InvalidPage {
		return fp, fmt.Errorf("%w: free list references the invalid page", ErrCorruptedDirectory)
	}
	buf := make([]byte, d.blockSize)
	read, err := d.stream.ReadAt(buf, int64(num)*int64(d.blockSize))
	if read != d.blockSize {
		return fp, fmt.Errorf("%w: short read of free page %d: got %d of %d bytes",
			ErrCorruptedDirectory, num, read, d.blockSize)
	}
	if err != nil {
		return fp, fmt.Errorf("%w: reading free page %d: %v", ErrIO, num, err)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != nodeFlagFree {
		return fp, fmt.Errorf("%w: page %d on the free list is not a free page", ErrCorruptedDirectory, num)
	}
	fp.next = binary.LittleEndian.Uint32(buf[4:])
	fp.prev = binary.LittleEndian.Uint32(buf[8:])
	return fp, nil
}

func (d *BtreeDirectory) writeFreePage(num uint32, fp freePage) error {
	buf := make([]byte, d.blockSize)
	binary.LittleEndian.PutUint32(buf[4:], fp.next)
	binary.LittleEndian.PutUint32(buf[8:], fp.prev)
	if _, err := d.stream.WriteAt(buf, int64(num)*int64(d.blockSize)); err != nil {
		return fmt.Errorf("%w: writing free page %d: %v", ErrIO, num, err)
	}
	return nil
}

// allocatePage returns a page for a new node: the head of the free list
// when one exists, otherwise the page gained by growing the stream one
// block. Grown and recycled pages both read back as free pages (zero
// flag), so decoding a freshly allocated page yields an empty node.
func (d *BtreeDirectory) allocatePage() (uint32, error) {
	d.metrics.pageAllocations.Add(context.Background(), 1)

	pg := d.headers.StartFreePage()
	if pg == InvalidPage {
		size, err := d.stream.Size()
		if err != nil {
			return InvalidPage, fmt.Errorf("%w: sizing stream: %v", ErrIO, err)
		}
		result := uint32(size / int64(d.blockSize))
		if err := d.stream.Resize(size + int64(d.blockSize)); err != nil {
			return InvalidPage, fmt.Errorf("%w: growing stream to %d: %v", ErrIO, size+int64(d.blockSize), err)
		}
		d.logger.Debug("allocated page by growing stream", zap.Uint32("page", result))
		return result, nil
	}

	if d.headers.NumFreePages() == 0 {
		return InvalidPage, fmt.Errorf("%w: free list head %d with zero free pages", ErrCorruptedDirectory, pg)
	}
	fp, err := d.readFreePage(pg)
	if err != nil {
		return InvalidPage, err
	}
	d.headers.SetNumFreePages(d.headers.NumFreePages() - 1)
	d.headers.SetStartFreePage(fp.next)
	if fp.next != InvalidPage {
		head, err := d.readFreePage(fp.next)
		if err != nil {
			return InvalidPage, err
		}
		head.prev = InvalidPage
		if err := d.writeFreePage(fp.next, head); err != nil {
			return InvalidPage, err
		}
	}
	d.logger.Debug("allocated page from free list", zap.Uint32("page", pg))
	return pg, nil
}

// deallocatePage returns page num to the allocator. When num is the last
// page of the stream the stream is shrunk to exactly num blocks instead:
// pushing the top page onto the free list would leave a list entry beyond
// the live area after the shrink.
func (d *BtreeDirectory) deallocatePage(num uint32) error {
	d.metrics.pageDeallocations.Add(context.Background(), 1)

	size, err := d.stream.Size()
	if err != nil {
		return fmt.Errorf("%w: sizing stream: %v", ErrIO, err)
	}
	offset := int64(num) * int64(d.blockSize)
	if offset == size-int64(d.blockSize) {
		d.logger.Debug("freed top page, shrinking stream", zap.Uint32("page", num))
		if err := d.stream.Resize(offset); err != nil {
			return fmt.Errorf("%w: shrinking stream to %d: %v", ErrIO, offset, err)
		}
		return nil
	}

	fp := freePage{next: d.headers.StartFreePage(), prev: InvalidPage}
	if err := d.writeFreePage(num, fp); err != nil {
		return err
	}
	if head := d.headers.StartFreePage(); head != InvalidPage {
		hfp, err := d.readFreePage(head)
		if err != nil {
			return err
		}
		hfp.prev = num
		if err := d.writeFreePage(head, hfp); err != nil {
			return err
		}
	}
	d.headers.SetStartFreePage(num)
	d.headers.SetNumFreePages(d.headers.NumFreePages() + 1)
	d.logger.Debug("pushed page onto free list", zap.Uint32("page", num))
	return nil
}

// ValidateFreeList walks the free list and reports whether exactly
// NumFreePages pages are reachable from the head, every back-pointer is
// consistent, and the list terminates in InvalidPage.
func (d *BtreeDirectory) ValidateFreeList() bool {
	pg := d.headers.StartFreePage()
	prev := InvalidPage
	for i := uint32(0); i < d.headers.NumFreePages(); i++ {
		fp, err := d.readFreePage(pg)
		if err != nil {
			d.logger.Warn("free list validation failed", zap.Uint32("page", pg), zap.Error(err))
			return false
		}
		if fp.prev != prev {
			return false
		}
		prev = pg
		pg = fp.next
	}
	return pg == InvalidPage
}
