// Package mmap emulates file-backed and anonymous memory mappings inside a
// sandbox's linear memory.
//
// The instruction set cannot trap guest stores, so dirty tracking works by
// keeping a pristine copy of the mapped region: at sync or unmap time, each
// page is compared against the copy and only pages that actually changed are
// written back to the backing file. Bytes outside a flushed range, and
// unmodified pages inside it, are never rewritten.
package mmap

import (
	"bytes"
	"io"
	"sync"
	"syscall"

	"github.com/procbox/procbox/api"
	"github.com/procbox/procbox/internal/mem"
	"github.com/procbox/procbox/internal/sys"
	"github.com/procbox/procbox/internal/sysfs"
)

// DirtyPageSize is the granularity of dirty tracking and write-back.
const DirtyPageSize = uint32(4096)

// Mapping is one guest address range backed by a file region or anonymous
// memory.
type Mapping struct {
	// Base is the guest address the mapping starts at, page aligned.
	Base uint32
	// Length is the mapped byte count.
	Length uint32

	// file is nil for anonymous mappings.
	file *sys.OpenFile
	// fileOffset is where Base maps to in the backing file.
	fileOffset int64
	// writable means flushes are permitted (the mapping was created with
	// write protection and a writable backing file).
	writable bool

	// pristine is the region content as of map time or the last sync, the
	// reference dirty detection compares against.
	pristine []byte
}

// Table tracks the live mappings of one process.
type Table struct {
	mu       sync.Mutex
	mappings []*Mapping
}

// NewTable returns an empty mapping table.
func NewTable() *Table {
	return &Table{}
}

// Map establishes a new mapping and returns its guest base address.
//
// The region is allocated by growing the linear memory, so the base is
// always past any address the guest was already using. When file is non-nil,
// the region is populated from the file at fileOffset; reads short of length
// leave the remainder zeroed, like mapping past EOF.
func (t *Table) Map(memory api.Memory, file *sys.OpenFile, fileOffset int64, length uint32, writable bool) (uint32, syscall.Errno) {
	if length == 0 {
		return 0, syscall.EINVAL
	}
	pages := (length + mem.PageSize - 1) / mem.PageSize
	prevPages, ok := memory.Grow(pages)
	if !ok {
		return 0, syscall.ENOMEM
	}
	base := prevPages * mem.PageSize

	region, ok := memory.Read(base, length)
	if !ok {
		return 0, syscall.EFAULT
	}
	if file != nil {
		r := sysfs.ReaderAtOffset(file.File, fileOffset)
		if _, err := io.ReadFull(r, region); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return 0, sysfs.UnwrapOSError(err)
		}
		file.Ref()
	}
	pristine := make([]byte, length)
	copy(pristine, region)

	m := &Mapping{
		Base:       base,
		Length:     length,
		file:       file,
		fileOffset: fileOffset,
		writable:   writable,
		pristine:   pristine,
	}
	t.mu.Lock()
	t.mappings = append(t.mappings, m)
	t.mu.Unlock()
	return base, 0
}

// lookup returns the mapping wholly containing [base, base+length).
func (t *Table) lookup(base, length uint32) (int, *Mapping) {
	for i, m := range t.mappings {
		if base >= m.Base && uint64(base)+uint64(length) <= uint64(m.Base)+uint64(m.Length) {
			return i, m
		}
	}
	return -1, nil
}

// Sync flushes dirty pages in [base, base+length) to the backing file and
// re-arms dirty tracking for them.
func (t *Table) Sync(memory api.Memory, base, length uint32) syscall.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, m := t.lookup(base, length)
	if m == nil {
		return syscall.EINVAL
	}
	return m.flush(memory, base, length, true)
}

// Unmap retires [base, base+length), flushing its dirty pages first. The
// range may cover the middle of a larger mapping, in which case the mapping
// is split and the bytes outside the range stay mapped and untouched.
func (t *Table) Unmap(memory api.Memory, base, length uint32) syscall.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, m := t.lookup(base, length)
	if m == nil {
		return syscall.EINVAL
	}
	if errno := m.flush(memory, base, length, false); errno != 0 {
		return errno
	}

	// Retire the range, keeping remainders on either side as independent
	// mappings over the same backing.
	var rest []*Mapping
	if head := base - m.Base; head > 0 {
		rest = append(rest, &Mapping{
			Base:       m.Base,
			Length:     head,
			file:       m.file,
			fileOffset: m.fileOffset,
			writable:   m.writable,
			pristine:   m.pristine[:head],
		})
	}
	if end := base + length; end < m.Base+m.Length {
		rest = append(rest, &Mapping{
			Base:       end,
			Length:     m.Base + m.Length - end,
			file:       m.file,
			fileOffset: m.fileOffset + int64(end-m.Base),
			writable:   m.writable,
			pristine:   m.pristine[end-m.Base:],
		})
	}
	t.mappings = append(append(t.mappings[:i:i], rest...), t.mappings[i+1:]...)

	if m.file != nil {
		switch len(rest) {
		case 0:
			_ = m.file.Unref()
		case 1:
			// The remainder inherits this mapping's reference.
		case 2:
			m.file.Ref() // one reference per remainder
		}
	}
	return 0
}

// Fork duplicates the table for a child process whose linear memory is a
// copy of the parent's. Each duplicated mapping holds its own pristine copy
// and its own reference on the backing file, so parent and child flush
// independently.
func (t *Table) Fork() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &Table{mappings: make([]*Mapping, 0, len(t.mappings))}
	for _, m := range t.mappings {
		pristine := make([]byte, len(m.pristine))
		copy(pristine, m.pristine)
		if m.file != nil {
			m.file.Ref()
		}
		child.mappings = append(child.mappings, &Mapping{
			Base:       m.Base,
			Length:     m.Length,
			file:       m.file,
			fileOffset: m.fileOffset,
			writable:   m.writable,
			pristine:   pristine,
		})
	}
	return child
}

// CloseAll flushes every file-backed mapping and releases the table, called
// at process exit.
func (t *Table) CloseAll(memory api.Memory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.mappings {
		_ = m.flush(memory, m.Base, m.Length, false)
		if m.file != nil {
			_ = m.file.Unref()
		}
	}
	t.mappings = nil
}

// Len returns the count of live mappings.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mappings)
}

// flush writes back the pages of [base, base+length) whose bytes differ from
// the pristine copy. When rearm is true the pristine copy is refreshed so
// the next flush only sees newer writes.
func (m *Mapping) flush(memory api.Memory, base, length uint32, rearm bool) syscall.Errno {
	if m.file == nil || !m.writable {
		return 0
	}
	region, ok := memory.Read(m.Base, m.Length)
	if !ok {
		// The memory was replaced (e.g. exec); nothing to write back.
		return 0
	}
	start := base - m.Base
	end := start + length
	// Align the scan to tracking pages relative to the mapping base.
	for off := start - start%DirtyPageSize; off < end; off += DirtyPageSize {
		pageEnd := off + DirtyPageSize
		if pageEnd > uint32(len(region)) {
			pageEnd = uint32(len(region))
		}
		cur := region[off:pageEnd]
		ref := m.pristine[off:pageEnd]
		if bytes.Equal(cur, ref) {
			continue // untouched page, never rewritten
		}
		if _, errno := m.file.WriteAt(cur, m.fileOffset+int64(off)); errno != 0 {
			return errno
		}
		if rearm {
			copy(ref, cur)
		}
	}
	return 0
}
