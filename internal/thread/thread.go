// Package thread maps guest-visible threads onto host OS threads. All
// threads of one process execute the same compiled module against one shared
// linear memory; what is private here is the per-thread state: the errno
// cell and the thread-local slots.
package thread

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
)

// MainTID is the identifier of a process's initial thread.
const MainTID = uint32(1)

// Thread is one guest thread: a ThreadRecord in POSIX terms.
type Thread struct {
	id uint32

	// errno is this thread's private errno cell. Reading or writing the
	// emulated errno symbol always targets the calling thread's cell, never
	// a process-wide one.
	errno uint32

	// mu guards slots. Slots are usually touched only by the owning thread,
	// but the syscall surface allows any thread to be inspected.
	mu    sync.Mutex
	slots map[uint32]uint64

	cancel context.CancelFunc

	// done closes when the thread finished, which is the happens-before edge
	// join relies on: a write made before the thread returns is visible to
	// the joiner.
	done   chan struct{}
	result error

	joined   bool
	detached bool
}

// ID returns the thread identifier, unique within its owning process.
func (t *Thread) ID() uint32 { return t.id }

// Errno returns the calling thread's errno cell value.
func (t *Thread) Errno() uint32 { return atomic.LoadUint32(&t.errno) }

// SetErrno writes the calling thread's errno cell.
func (t *Thread) SetErrno(v uint32) { atomic.StoreUint32(&t.errno, v) }

// TLSGet reads this thread's value for the slot key. A slot never written by
// this thread reads as zero: threads do not inherit slot values, each
// thread's slots start uninitialized.
func (t *Thread) TLSGet(key uint32) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[key]
}

// TLSSet writes this thread's value for the slot key, sized implicitly on
// first access.
func (t *Thread) TLSSet(key uint32, value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots == nil {
		t.slots = map[uint32]uint64{}
	}
	t.slots[key] = value
}

// Done exposes the termination channel for select-based waits.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Reset clears the thread's private state: the errno cell and every
// thread-local slot value. Called when a process image is replaced and the
// thread keeps running the new program, which must not observe leftovers of
// the old one.
func (t *Thread) Reset() {
	atomic.StoreUint32(&t.errno, 0)
	t.mu.Lock()
	t.slots = nil
	t.mu.Unlock()
}

// Group manages the threads of one process.
type Group struct {
	mu      sync.Mutex
	threads map[uint32]*Thread
	nextTID uint32
	limit   int

	// tlsKeys is the process-wide slot key allocator. Keys are stable
	// integers handed out once, so a setter and a getter compiled into
	// different linkage units that were issued the same key resolve to the
	// same per-thread cell.
	tlsKeys uint32
}

// NewGroup returns a Group that refuses to spawn more than limit concurrent
// threads. Zero means no limit.
func NewGroup(limit int) *Group {
	return &Group{threads: map[uint32]*Thread{}, nextTID: MainTID, limit: limit}
}

// Main registers the process's initial thread against the given context and
// returns it along with the context its execution should use.
func (g *Group) Main(ctx context.Context) (*Thread, context.Context) {
	tctx, cancel := context.WithCancel(ctx)
	t := &Thread{id: MainTID, cancel: cancel, done: make(chan struct{})}
	g.mu.Lock()
	g.threads[MainTID] = t
	g.nextTID = MainTID + 1
	g.mu.Unlock()
	return t, tctx
}

// Spawn starts a new guest thread executing run on its own host OS thread.
//
// The spawned thread observes all memory writes made by the spawner before
// Spawn returned (the goroutine start is the happens-before edge). It does
// not inherit the spawner's thread-local slot values.
func (g *Group) Spawn(ctx context.Context, run func(ctx context.Context) error) (*Thread, syscall.Errno) {
	g.mu.Lock()
	if g.limit > 0 && len(g.threads) >= g.limit {
		g.mu.Unlock()
		return nil, syscall.EAGAIN
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &Thread{id: g.nextTID, cancel: cancel, done: make(chan struct{})}
	g.nextTID++
	g.threads[t.id] = t
	g.mu.Unlock()

	go func() {
		// One host thread per guest thread.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(t.done)
		t.result = run(tctx)
	}()
	return t, 0
}

// Finish marks a thread managed outside Spawn (the main thread) terminated.
func (g *Group) Finish(t *Thread, err error) {
	t.result = err
	close(t.done)
}

// Join blocks until the target thread finishes and returns its result.
//
// A thread may be joined at most once; joining an unknown, detached or
// already-joined thread fails with EINVAL. A canceled context interrupts the
// wait with EINTR.
func (g *Group) Join(ctx context.Context, tid uint32) (error, syscall.Errno) {
	g.mu.Lock()
	t, ok := g.threads[tid]
	if !ok || t.joined || t.detached {
		g.mu.Unlock()
		return nil, syscall.EINVAL
	}
	t.joined = true
	g.mu.Unlock()

	select {
	case <-t.done:
		g.mu.Lock()
		delete(g.threads, tid)
		g.mu.Unlock()
		return t.result, 0
	case <-ctx.Done():
		g.mu.Lock()
		t.joined = false
		g.mu.Unlock()
		return nil, syscall.EINTR
	}
}

// Detach marks a thread as never-joinable; its record is reclaimed when it
// finishes.
func (g *Group) Detach(tid uint32) syscall.Errno {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.threads[tid]
	if !ok || t.joined || t.detached {
		return syscall.EINVAL
	}
	t.detached = true
	go func() {
		<-t.done
		g.mu.Lock()
		delete(g.threads, tid)
		g.mu.Unlock()
	}()
	return 0
}

// Lookup returns the thread with the given id, if alive or unjoined.
func (g *Group) Lookup(tid uint32) (*Thread, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.threads[tid]
	return t, ok
}

// Count returns the number of registered threads.
func (g *Group) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.threads)
}

// CreateTLSKey allocates a new process-wide thread-local slot key. Keys are
// never re-derived per linkage unit: direct and shared-linked code asking
// once each still share per-thread cells only when handed the same key.
func (g *Group) CreateTLSKey() uint32 {
	return atomic.AddUint32(&g.tlsKeys, 1)
}

// ValidTLSKey reports whether the key was handed out by CreateTLSKey.
func (g *Group) ValidTLSKey(key uint32) bool {
	return key >= 1 && key <= atomic.LoadUint32(&g.tlsKeys)
}

// CancelOthers requests cancellation of every thread except the given one.
// Cancellation is cooperative: each thread observes it at its next syscall
// dispatch, or immediately when blocked in an interruptible host call.
func (g *Group) CancelOthers(except *Thread) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.threads {
		if t != except {
			t.cancel()
		}
	}
}

// WaitOthers blocks until every thread except the given one finished and
// unregisters them, so teardown is bounded and no thread is left
// unaccounted for. A canceled context abandons the wait, leaving the
// unfinished threads registered, and returns its error.
func (g *Group) WaitOthers(ctx context.Context, except *Thread) error {
	g.mu.Lock()
	others := make([]*Thread, 0, len(g.threads))
	for _, t := range g.threads {
		if t != except {
			others = append(others, t)
		}
	}
	g.mu.Unlock()
	for _, t := range others {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.mu.Lock()
	for _, t := range others {
		delete(g.threads, t.id)
	}
	g.mu.Unlock()
	return nil
}
