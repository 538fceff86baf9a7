// Package descriptor provides a data structure to map file descriptor
// numbers to open file state, mirroring the POSIX rule that the lowest
// unused number is allocated next, and that a number becomes eligible for
// reuse only after close.
package descriptor

import "math/bits"

// Table maps a descriptor number of type Key to an Item.
//
// The zero value is an empty table ready for use.
type Table[Key ~int32, Item any] struct {
	// masks is a bitset of allocated keys: bit (k%64) of masks[k/64] is set
	// when key k is in use.
	masks []uint64
	// items is index-correlated with masks bits.
	items []Item
}

// Len returns the number of items stored in the table.
func (t *Table[Key, Item]) Len() (n int) {
	for _, mask := range t.masks {
		n += bits.OnesCount64(mask)
	}
	return n
}

// grow ensures the table has capacity for at least n more 64-key blocks.
func (t *Table[Key, Item]) grow(n int) {
	t.masks = append(t.masks, make([]uint64, n)...)
	t.items = append(t.items, make([]Item, n*64)...)
}

// Insert stores the item at the lowest available key and returns it.
//
// ok is false when the table is full, which can only happen when the Key
// type's positive range is exhausted.
func (t *Table[Key, Item]) Insert(item Item) (key Key, ok bool) {
	insertAt := -1
	for i, mask := range t.masks {
		if free := ^mask; free != 0 {
			insertAt = i*64 + bits.TrailingZeros64(free)
			break
		}
	}
	if insertAt < 0 {
		insertAt = len(t.masks) * 64
		t.grow(1)
	}
	if key = Key(insertAt); int(key) != insertAt || key < 0 {
		return 0, false // key space exhausted
	}
	t.masks[insertAt/64] |= uint64(1) << (insertAt % 64)
	t.items[insertAt] = item
	return key, true
}

// InsertAt stores the item at the given key, overwriting any existing item.
//
// ok is false when the key is negative.
func (t *Table[Key, Item]) InsertAt(item Item, key Key) bool {
	if key < 0 {
		return false
	}
	if diff := int(key)/64 + 1 - len(t.masks); diff > 0 {
		t.grow(diff)
	}
	t.masks[key/64] |= uint64(1) << (key % 64)
	t.items[key] = item
	return true
}

// Lookup returns the item stored at the key, if present.
func (t *Table[Key, Item]) Lookup(key Key) (item Item, found bool) {
	if key < 0 || int(key) >= len(t.items) {
		return
	}
	if t.masks[key/64]&(uint64(1)<<(key%64)) == 0 {
		return
	}
	return t.items[key], true
}

// Delete removes the item stored at the key, making the key the lowest
// candidate for the next Insert if no smaller key is free.
func (t *Table[Key, Item]) Delete(key Key) {
	if key < 0 || int(key) >= len(t.items) {
		return
	}
	var zero Item
	t.masks[key/64] &^= uint64(1) << (key % 64)
	t.items[key] = zero
}

// Range calls f for each key/item pair in ascending key order, stopping
// early if f returns false.
func (t *Table[Key, Item]) Range(f func(Key, Item) bool) {
	for i, mask := range t.masks {
		for mask != 0 {
			j := bits.TrailingZeros64(mask)
			mask &^= uint64(1) << j
			if !f(Key(i*64+j), t.items[i*64+j]) {
				return
			}
		}
	}
}

// Reset clears the table for reuse, retaining allocated capacity.
func (t *Table[Key, Item]) Reset() {
	clear(t.masks)
	clear(t.items)
}
