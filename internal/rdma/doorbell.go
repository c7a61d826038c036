package rdma

import (
	"encoding/binary"
	"sync/atomic"
)

const (
	// CQDoorbellOffset is the offset of the CQ arm doorbell in the doorbell page
	CQDoorbellOffset = 0x20

	// ArmSolicited requests an event for the next solicited completion
	ArmSolicited uint32 = 1 << 24
	// ArmNext requests an event for the next completion
	ArmNext uint32 = 2 << 24

	consumerIndexMask = 0xffffff
	armCmdMask        = 3 << 24
	armSNShift        = 28
	armSNMask         = 3
)

// DoorbellWriter rings the device doorbell page. Both words are already in
// device byte order and must reach the device as one 64-bit store.
type DoorbellWriter interface {
	WriteDoorbell(offset uint32, words [2]uint32)
}

// DoorbellRecord is the host-memory record the device reads to learn the
// consumer index and the arm state of a CQ. Values are stored big-endian.
type DoorbellRecord struct {
	setCI atomic.Uint32
	arm   atomic.Uint32
}

func toBigEndian(v uint32) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return binary.NativeEndian.Uint32(b[:])
}

func fromBigEndian(v uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint32(b[:])
}

// publishConsumerIndex is a release store: ring and work queue updates made
// before it are visible to a reader that observes the new index.
func (d *DoorbellRecord) publishConsumerIndex(ci uint32) {
	d.setCI.Store(toBigEndian(ci & consumerIndexMask))
}

// ConsumerIndex returns the low 24 bits of the published consumer index.
func (d *DoorbellRecord) ConsumerIndex() uint32 {
	return fromBigEndian(d.setCI.Load())
}

func (d *DoorbellRecord) storeArm(v uint32) {
	d.arm.Store(toBigEndian(v))
}

// ArmState decodes the arm record: sequence number, request command and
// the consumer index at arm time.
func (d *DoorbellRecord) ArmState() (sn, cmd, ci uint32) {
	v := fromBigEndian(d.arm.Load())
	return v >> armSNShift & armSNMask, v & armCmdMask, v & consumerIndexMask
}

// DecodeArmDoorbell splits the two doorbell words written by Arm.
func DecodeArmDoorbell(words [2]uint32) (sn, cmd, cqn, ci uint32) {
	w0 := fromBigEndian(words[0])
	return w0 >> armSNShift & armSNMask, w0 & armCmdMask, w0 & consumerIndexMask, fromBigEndian(words[1])
}
