// Package mem implements a sandbox instance's linear memory: a single
// contiguous buffer shared by every thread of one process, with
// bounds-checked access and an exclusive growth discipline.
package mem

import (
	"encoding/binary"
	"sync"
)

const (
	// PageSize is the unit of memory length, 2^16 = 65536 bytes.
	PageSize = uint32(65536)
	// MaxPages is the maximum number of pages (2^16), i.e. a 4GiB ceiling.
	MaxPages = uint32(65536)
	// PageSizeInBits satisfies the relation "1 << PageSizeInBits == PageSize".
	PageSizeInBits = 16
)

// PagesToBytes converts the given page count to a byte count.
func PagesToBytes(pages uint32) uint64 {
	return uint64(pages) << PageSizeInBits
}

// bytesToPages converts the given byte count to a page count.
func bytesToPages(bytes uint64) uint32 {
	return uint32(bytes >> PageSizeInBits)
}

// Memory is one linear memory region. It implements api.Memory.
//
// All threads of a process share exactly one Memory. Ordinary access takes
// the read side of mux; Grow and Restore are the sole writers, so no thread
// ever observes a partially resized buffer.
type Memory struct {
	mux    sync.RWMutex
	buffer []byte
	min    uint32
	max    uint32
}

// New allocates a Memory with minPages initial and maxPages maximum size.
// maxPages of zero means the MaxPages ceiling.
func New(minPages, maxPages uint32) *Memory {
	if maxPages == 0 || maxPages > MaxPages {
		maxPages = MaxPages
	}
	return &Memory{
		buffer: make([]byte, PagesToBytes(minPages)),
		min:    minPages,
		max:    maxPages,
	}
}

// Size implements api.Memory Size
func (m *Memory) Size() uint32 {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return uint32(len(m.buffer))
}

// PageCount implements api.Memory PageCount
func (m *Memory) PageCount() uint32 {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return bytesToPages(uint64(len(m.buffer)))
}

// Min returns the initial page count.
func (m *Memory) Min() uint32 { return m.min }

// Max returns the maximum page count.
func (m *Memory) Max() uint32 { return m.max }

// hasSize returns true if the buffer is sufficient for sizeInBytes at the
// given offset. The uint64 sum prevents overflow on add.
func hasSize(buffer []byte, offset, sizeInBytes uint32) bool {
	return uint64(offset)+uint64(sizeInBytes) <= uint64(len(buffer))
}

// ReadByte implements api.Memory ReadByte
func (m *Memory) ReadByte(offset uint32) (byte, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if !hasSize(m.buffer, offset, 1) {
		return 0, false
	}
	return m.buffer[offset], true
}

// ReadUint32Le implements api.Memory ReadUint32Le
func (m *Memory) ReadUint32Le(offset uint32) (uint32, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if !hasSize(m.buffer, offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buffer[offset : offset+4]), true
}

// ReadUint64Le implements api.Memory ReadUint64Le
func (m *Memory) ReadUint64Le(offset uint32) (uint64, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if !hasSize(m.buffer, offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.buffer[offset : offset+8]), true
}

// Read implements api.Memory Read
//
// The returned slice aliases the buffer, so it is only valid until the next
// Grow or Restore.
func (m *Memory) Read(offset, byteCount uint32) ([]byte, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if !hasSize(m.buffer, offset, byteCount) {
		return nil, false
	}
	return m.buffer[offset : offset+byteCount : offset+byteCount], true
}

// WriteByte implements api.Memory WriteByte
func (m *Memory) WriteByte(offset uint32, v byte) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if !hasSize(m.buffer, offset, 1) {
		return false
	}
	m.buffer[offset] = v
	return true
}

// WriteUint32Le implements api.Memory WriteUint32Le
func (m *Memory) WriteUint32Le(offset, v uint32) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if !hasSize(m.buffer, offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.buffer[offset:], v)
	return true
}

// WriteUint64Le implements api.Memory WriteUint64Le
func (m *Memory) WriteUint64Le(offset uint32, v uint64) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if !hasSize(m.buffer, offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.buffer[offset:], v)
	return true
}

// Write implements api.Memory Write
func (m *Memory) Write(offset uint32, v []byte) bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if !hasSize(m.buffer, offset, uint32(len(v))) {
		return false
	}
	copy(m.buffer[offset:], v)
	return true
}

// Grow implements api.Memory Grow. It extends the buffer by deltaPages and
// returns the previous page count, or false when growth would exceed the
// maximum.
//
// Growth is a process-wide exclusive operation: it holds the write lock, so
// it never runs concurrently with any other access to this memory.
func (m *Memory) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	currentPages := bytesToPages(uint64(len(m.buffer)))
	if deltaPages == 0 {
		return currentPages, true
	}
	newPages := uint64(currentPages) + uint64(deltaPages)
	if newPages > uint64(m.max) {
		return 0, false
	}
	m.buffer = append(m.buffer, make([]byte, PagesToBytes(deltaPages))...)
	return currentPages, true
}

// Snapshot returns a deep copy of the current buffer, used to clone a
// sandbox across fork. Subsequent writes on either side are invisible to the
// other.
func (m *Memory) Snapshot() []byte {
	m.mux.RLock()
	defer m.mux.RUnlock()
	buf := make([]byte, len(m.buffer))
	copy(buf, m.buffer)
	return buf
}

// NewFromSnapshot builds a Memory whose contents are exactly the given
// snapshot. The snapshot is owned by the result afterwards.
func NewFromSnapshot(buf []byte, maxPages uint32) *Memory {
	if maxPages == 0 || maxPages > MaxPages {
		maxPages = MaxPages
	}
	return &Memory{
		buffer: buf,
		min:    bytesToPages(uint64(len(buf))),
		max:    maxPages,
	}
}
