package rdma

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// MaxCQEntries is the largest number of entries a CQ may be created or resized with.
const MaxCQEntries = 0x3fffff

// offTail is the start of the aligned word holding the owner/opcode byte.
const offTail = 28

// Ring is the entry buffer of a CQ. Slot n lives at n & (Entries()-1); the
// bit just above the mask is the lap parity used by the ownership protocol.
//
// All loads and stores of the owner byte go through loadTail and storeTail,
// which are the only acquire/release points on the ring.
type Ring struct {
	words     []uint64 // backing store, keeps every slot 8-byte aligned
	buf       []byte
	nent      uint32
	entrySize int
}

// NewRing allocates a ring of nent slots of entrySize bytes.
// Every slot starts out device-owned for indices [0, nent).
func NewRing(nent, entrySize int) (*Ring, error) {
	if entrySize != CQESize && entrySize != CQESize64 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidEntrySize, entrySize)
	}
	if nent <= 0 || nent&(nent-1) != 0 || nent > MaxCQEntries+1 {
		return nil, fmt.Errorf("%w: ring of %d entries", ErrInvalidCQSize, nent)
	}

	words := make([]uint64, nent*entrySize/8)
	r := &Ring{
		words:     words,
		buf:       unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8),
		nent:      uint32(nent),
		entrySize: entrySize,
	}
	r.StampDeviceOwned(0)
	return r, nil
}

// alignQueueSize rounds n up to the next power of two.
func alignQueueSize(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Entries returns the number of slots.
func (r *Ring) Entries() int { return int(r.nent) }

// EntrySize returns the slot size in bytes.
func (r *Ring) EntrySize() int { return r.entrySize }

func (r *Ring) mask() uint32 { return r.nent - 1 }

func (r *Ring) slot(n uint32) []byte {
	off := int(n&r.mask()) * r.entrySize
	return r.buf[off : off+r.entrySize : off+r.entrySize]
}

// entry returns the logical entry of slot n: the whole slot for 32-byte
// entries, the second half for 64-byte entries.
func (r *Ring) entry(n uint32) cqe {
	return cqe(r.slot(n)[r.entrySize-CQESize:])
}

// parityOwner is the owner bit value that marks index n as software-owned.
func (r *Ring) parityOwner(n uint32) byte {
	if n&r.nent != 0 {
		return cqeOwnerMask
	}
	return 0
}

func (r *Ring) tailWord(n uint32) *uint32 {
	e := r.entry(n)
	return (*uint32)(unsafe.Pointer(&e[offTail]))
}

// loadTail is the acquire side of the ownership protocol: reads of the
// entry payload issued after it observe everything the producer wrote
// before its storeTail.
func (r *Ring) loadTail(n uint32) [4]byte {
	var t [4]byte
	binary.NativeEndian.PutUint32(t[:], atomic.LoadUint32(r.tailWord(n)))
	return t
}

// storeTail is the release side: it publishes bytes 28..31 of the entry,
// owner bit included, after all earlier payload writes.
func (r *Ring) storeTail(n uint32, t [4]byte) {
	atomic.StoreUint32(r.tailWord(n), binary.NativeEndian.Uint32(t[:]))
}

// swEntry returns entry n if its owner bit matches the lap parity of n, nil otherwise.
func (r *Ring) swEntry(n uint32) cqe {
	t := r.loadTail(n)
	if t[3]&cqeOwnerMask != r.parityOwner(n) {
		return nil
	}
	return r.entry(n)
}

// IsSoftwareOwned reports whether index n is visible to the consumer.
func (r *Ring) IsSoftwareOwned(n uint32) bool {
	return r.swEntry(n) != nil
}

// StampDeviceOwned marks the slots for indices [start, start+nent) as
// device-owned so stale contents are never mistaken for fresh entries.
func (r *Ring) StampDeviceOwned(start uint32) {
	for i := uint32(0); i < r.nent; i++ {
		n := start + i
		owner := r.parityOwner(n) ^ cqeOwnerMask
		t := r.loadTail(n)
		t[3] = t[3]&^cqeOwnerMask | owner
		r.storeTail(n, t)
	}
}

// Produce writes the entry for index n the way the device does: payload
// first, then the last word with the owner bit set to the lap parity of n.
func (r *Ring) Produce(n uint32, f CQEFields) {
	var tmp [CQESize]byte
	last := f.encode(tmp[:])
	e := r.entry(n)
	copy(e[:offTail], tmp[:offTail])
	r.storeTail(n, [4]byte{tmp[28], tmp[offTimestamp8_15], tmp[offTimestamp0_7], last | r.parityOwner(n)})
}

// copySlot copies slot srcIdx of src into slot dstIdx of r, replacing the
// owner bit with owner. The payload is written before the owner word.
func (r *Ring) copySlot(dstIdx uint32, src *Ring, srcIdx uint32, owner byte) {
	d := r.slot(dstIdx)
	s := src.slot(srcIdx)
	payload := r.entrySize - CQESize + offTail
	copy(d[:payload], s[:payload])
	t := src.loadTail(srcIdx)
	t[3] = t[3]&^cqeOwnerMask | owner
	r.storeTail(dstIdx, t)
}
