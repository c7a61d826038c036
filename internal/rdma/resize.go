package rdma

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ResizeCommand asks the device to move a CQ to a new ring. When it returns
// without error the device has written a RESIZE entry at its producer index
// in the current ring and produces every later entry into newRing.
type ResizeCommand interface {
	ResizeCQ(ctx context.Context, cq *CQ, newRing *Ring) error
}

// ResizeApply moves the entries between the consumer index and the RESIZE
// entry into newRing and installs it. newRing must have been stamped
// device-owned from ConsumerIndex()+1 before the device switched to it, and
// oldMask must be the mask of the ring being replaced.
func (cq *CQ) ResizeApply(newRing *Ring, oldMask uint32) error {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if oldMask != cq.ring.mask() {
		return fmt.Errorf("%w: cq 0x%x ring mask is 0x%x, not 0x%x", ErrInvalidArgument, cq.num, cq.ring.mask(), oldMask)
	}
	if newRing.EntrySize() != cq.ring.EntrySize() {
		return fmt.Errorf("%w: cq 0x%x resize from %d to %d bytes", ErrInvalidEntrySize, cq.num, cq.ring.EntrySize(), newRing.EntrySize())
	}
	cq.resizeCopy(newRing)
	return nil
}

// resizeCopy is called with the CQ lock held. Entry i of the old ring lands
// at i+1 of the new one, which is where the device continues after the
// RESIZE entry; the consumer index moves past the RESIZE entry once.
func (cq *CQ) resizeCopy(newRing *Ring) {
	old := cq.ring
	i := cq.consIndex
	for old.entry(i).opcode() != OpResize {
		newRing.copySlot(i+1, old, i, newRing.parityOwner(i+1))
		i++
	}
	copied := i - cq.consIndex
	cq.consIndex++
	cq.ring = newRing

	log.Debug().
		Str("cq", fmt.Sprintf("0x%x", cq.num)).
		Int("old_entries", old.Entries()).
		Int("new_entries", newRing.Entries()).
		Uint32("copied", copied).
		Msg("Migrated completion queue ring")
}

// Resize changes the CQ to hold at least entries completions. The new ring
// is allocated before the CQ lock is taken; once cmd succeeds the migration
// cannot fail. A resize to the current size is a no-op, and a size that
// cannot hold the completions still pending is rejected.
func (cq *CQ) Resize(ctx context.Context, entries int, cmd ResizeCommand) error {
	if entries < 1 || entries > MaxCQEntries {
		return fmt.Errorf("%w: %d entries", ErrInvalidCQSize, entries)
	}
	nent := alignQueueSize(entries + 1)

	cq.mu.Lock()
	entrySize := cq.ring.EntrySize()
	same := nent == cq.ring.Entries()
	cq.mu.Unlock()
	if same {
		return nil
	}

	newRing, err := NewRing(nent, entrySize)
	if err != nil {
		return fmt.Errorf("failed to allocate ring for cq 0x%x: %w", cq.num, err)
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	if nent == cq.ring.Entries() {
		return nil
	}
	if outst := cq.outstanding(); nent < outst+1 {
		return fmt.Errorf("%w: %d entries cannot hold %d outstanding completions", ErrInvalidCQSize, nent, outst)
	}

	newRing.StampDeviceOwned(cq.consIndex + 1)
	if err := cmd.ResizeCQ(ctx, cq, newRing); err != nil {
		return fmt.Errorf("resize command for cq 0x%x failed: %w", cq.num, err)
	}
	cq.resizeCopy(newRing)
	return nil
}
