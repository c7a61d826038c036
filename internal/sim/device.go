// Package sim emulates the producer side of a completion queue: a device
// that writes entries into CQ rings, honours arm requests and carries out
// resize commands.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/hwcq/internal/rdma"
)

// ciMask is the width of the consumer index in the doorbell record
const ciMask = 0xffffff

var (
	// ErrCQFull is returned when producing would overrun the consumer
	ErrCQFull = errors.New("simulated cq full")
	// ErrUnknownCQ is returned for a CQ that was never attached
	ErrUnknownCQ = errors.New("cq not attached to simulated device")
)

type armState struct {
	armed     bool
	solicited bool
	sn        uint32
}

type simCQ struct {
	cq     *rdma.CQ
	ring   *rdma.Ring
	prod   uint32
	arm    armState
	events chan struct{}
}

// Device is a simulated HCA. It is the doorbell writer and resize command
// of every CQ attached to it, and the only producer of their entries.
type Device struct {
	mu        sync.Mutex
	cqs       map[uint32]*simCQ
	linkLayer rdma.LinkLayer
	caps      rdma.DeviceCaps
}

// NewDevice creates a device whose port runs linkLayer.
func NewDevice(linkLayer rdma.LinkLayer, caps rdma.DeviceCaps) *Device {
	return &Device{
		cqs:       make(map[uint32]*simCQ),
		linkLayer: linkLayer,
		caps:      caps,
	}
}

// LinkLayer returns the port link layer.
func (d *Device) LinkLayer() rdma.LinkLayer { return d.linkLayer }

// Caps returns the device capabilities.
func (d *Device) Caps() rdma.DeviceCaps { return d.caps }

// Attach starts producing into cq's current ring and returns the channel
// completion events for cq are delivered on. Events coalesce: at most one
// is pending at a time.
func (d *Device) Attach(cq *rdma.CQ) <-chan struct{} {
	// cq.Ring takes the CQ lock, which Resize holds while calling ResizeCQ
	ring := cq.Ring()

	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.cqs[cq.Num()]; ok {
		return s.events
	}
	s := &simCQ{
		cq:     cq,
		ring:   ring,
		events: make(chan struct{}, 1),
	}
	d.cqs[cq.Num()] = s
	log.Debug().Str("cq", fmt.Sprintf("0x%x", cq.Num())).Int("entries", s.ring.Entries()).Msg("Attached CQ to simulated device")
	return s.events
}

// Detach stops producing into the CQ numbered cqn.
func (d *Device) Detach(cqn uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cqs, cqn)
}

// pending is the number of entries produced past the published consumer
// index. The published index may lag the real one, never lead it.
func (s *simCQ) pending() uint32 {
	ci := s.cq.DoorbellRecord().ConsumerIndex()
	return (s.prod - ci) & ciMask
}

// Room returns how many entries can be produced into cqn before the
// consumer has to catch up.
func (d *Device) Room(cqn uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.cqs[cqn]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnknownCQ, cqn)
	}
	return s.room(), nil
}

// One slot stays free for the RESIZE entry.
func (s *simCQ) room() int {
	free := int(uint32(s.ring.Entries()-1) - s.pending())
	if free < 0 {
		return 0
	}
	return free
}

// Produce writes one entry into cqn.
func (d *Device) Produce(cqn uint32, f rdma.CQEFields) error {
	return d.Complete(cqn, func() (rdma.CQEFields, error) { return f, nil })
}

// Complete reserves a slot in cqn, calls post to issue the work request
// the entry completes, and writes the entry post returns. Nothing is
// posted when the CQ has no room, so every posted request gets its entry.
func (d *Device) Complete(cqn uint32, post func() (rdma.CQEFields, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.cqs[cqn]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownCQ, cqn)
	}
	if s.room() == 0 {
		return fmt.Errorf("%w: cq 0x%x has %d pending entries", ErrCQFull, cqn, s.pending())
	}
	f, err := post()
	if err != nil {
		return err
	}
	s.produceLocked(f)
	return nil
}

func (s *simCQ) produceLocked(f rdma.CQEFields) {
	s.ring.Produce(s.prod, f)
	s.prod++

	log.Trace().
		Str("cq", fmt.Sprintf("0x%x", s.cq.Num())).
		Uint32("prod", s.prod).
		Uint32("qpn", f.QPN).
		Uint8("opcode", uint8(f.Opcode)).
		Msg("Produced CQE")

	if s.arm.armed && (!s.arm.solicited || f.Opcode == rdma.OpError) {
		s.fireLocked()
	}
}

func (s *simCQ) fireLocked() {
	s.arm.armed = false
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// Armed reports whether cqn has an arm request pending and its sequence number.
func (d *Device) Armed(cqn uint32) (armed bool, sn uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.cqs[cqn]; ok {
		return s.arm.armed, s.arm.sn
	}
	return false, 0
}

// WriteDoorbell implements rdma.DoorbellWriter for the CQ arm doorbell.
// An arm whose consumer index is behind the producer fires at once.
func (d *Device) WriteDoorbell(offset uint32, words [2]uint32) {
	if offset != rdma.CQDoorbellOffset {
		log.Warn().Uint32("offset", offset).Msg("Doorbell write to unknown offset ignored")
		return
	}
	sn, cmd, cqn, ci := rdma.DecodeArmDoorbell(words)

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.cqs[cqn]
	if !ok {
		log.Warn().Str("cq", fmt.Sprintf("0x%x", cqn)).Msg("Arm doorbell for unattached CQ ignored")
		return
	}
	s.arm = armState{armed: true, solicited: cmd == rdma.ArmSolicited, sn: sn}

	log.Trace().
		Str("cq", fmt.Sprintf("0x%x", cqn)).
		Uint32("sn", sn).
		Uint32("ci", ci).
		Bool("solicited", s.arm.solicited).
		Msg("CQ armed")

	if !s.arm.solicited && (s.prod-ci)&ciMask != 0 {
		s.fireLocked()
	}
}

// ResizeCQ implements rdma.ResizeCommand. It runs with the CQ lock held
// and only touches device state and the rings.
func (d *Device) ResizeCQ(_ context.Context, cq *rdma.CQ, newRing *rdma.Ring) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.cqs[cq.Num()]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownCQ, cq.Num())
	}
	// the pending entries land one slot further in the new ring
	if pending := s.pending(); int(pending) >= newRing.Entries() {
		return fmt.Errorf("%w: %d pending entries do not fit a ring of %d", ErrCQFull, pending, newRing.Entries())
	}

	s.ring.Produce(s.prod, rdma.CQEFields{Opcode: rdma.OpResize})
	s.prod++
	s.ring = newRing

	log.Debug().
		Str("cq", fmt.Sprintf("0x%x", cq.Num())).
		Int("entries", newRing.Entries()).
		Uint32("prod", s.prod).
		Msg("Simulated device switched CQ ring")
	return nil
}
