package rdma

import "encoding/binary"

const (
	// CQESize is the size of the logical completion entry in bytes
	CQESize = 32
	// CQESize64 is the size of a padded slot; the logical entry is its second half
	CQESize64 = 64

	cqeOwnerMask  = 0x80
	cqeIsSendMask = 0x40
	cqeOpcodeMask = 0x1f

	cqeQPNMask         = 0xffffff
	xrcQPNBit          = 1 << 23
	cqeVLANPresentMask = 1 << 29
	cqeGRHMask         = 0x80000000
	cqePathBitsShift   = 24
	cqePathBitsMask    = 0x7f
	cqePkeyIndexMask   = 0x7f

	// Status bits that must all be set for a validated IPv4 checksum
	cqeStatusIPv4       = 1 << 22
	cqeStatusL4Csum     = 1 << 26
	cqeStatusIPOK       = 1 << 28
	cqeStatusIPv4CsumOK = cqeStatusIPv4 | cqeStatusL4Csum | cqeStatusIPOK
)

// Field offsets within the logical 32-byte entry. All multi-byte fields are big-endian.
const (
	offVLANMyQPN      = 0
	offImmedRSS       = 4
	offGMLPathRQPN    = 8
	offSLVid          = 12
	offTimestamp16_47 = 12 // overlays sl_vid and rlid
	offRLID           = 14
	offStatus         = 16
	offByteCnt        = 20
	offWQEIndex       = 24
	offChecksum       = 26
	offVendorErr      = 26 // error entries
	offSyndrome       = 27 // error entries
	offTimestamp8_15  = 29
	offTimestamp0_7   = 30
	offOwnerSROpcode  = 31
)

// CQEOpcode is the 5-bit opcode carried in the last byte of an entry.
// Send-side and receive-side opcodes share the same space.
type CQEOpcode uint8

// Send-side opcodes
const (
	OpRDMAWrite    CQEOpcode = 0x08
	OpRDMAWriteImm CQEOpcode = 0x09
	OpSend         CQEOpcode = 0x0a
	OpSendImm      CQEOpcode = 0x0b
	OpRDMARead     CQEOpcode = 0x10
	OpAtomicCS     CQEOpcode = 0x11
	OpAtomicFA     CQEOpcode = 0x12
	OpBindMW       CQEOpcode = 0x18
)

// Receive-side opcodes
const (
	RecvOpRDMAWriteImm CQEOpcode = 0x00
	RecvOpSend         CQEOpcode = 0x01
	RecvOpSendImm      CQEOpcode = 0x02
)

// Opcodes shared by both directions
const (
	OpResize CQEOpcode = 0x16
	OpError  CQEOpcode = 0x1e
)

// Syndrome is the device error code of an error entry.
type Syndrome uint8

const (
	SyndromeLocalLength       Syndrome = 0x01
	SyndromeLocalQPOp         Syndrome = 0x02
	SyndromeLocalProt         Syndrome = 0x04
	SyndromeWRFlush           Syndrome = 0x05
	SyndromeMWBind            Syndrome = 0x06
	SyndromeBadResp           Syndrome = 0x10
	SyndromeLocalAccess       Syndrome = 0x11
	SyndromeRemoteInvalidReq  Syndrome = 0x12
	SyndromeRemoteAccess      Syndrome = 0x13
	SyndromeRemoteOp          Syndrome = 0x14
	SyndromeTransportRetryExc Syndrome = 0x15
	SyndromeRNRRetryExc       Syndrome = 0x16
	SyndromeRemoteAborted     Syndrome = 0x22
)

// Status maps the syndrome to a completion status. Unknown syndromes are general errors.
func (s Syndrome) Status() WCStatus {
	switch s {
	case SyndromeLocalLength:
		return WCLocLenErr
	case SyndromeLocalQPOp:
		return WCLocQPOpErr
	case SyndromeLocalProt:
		return WCLocProtErr
	case SyndromeWRFlush:
		return WCWRFlushErr
	case SyndromeMWBind:
		return WCMWBindErr
	case SyndromeBadResp:
		return WCBadRespErr
	case SyndromeLocalAccess:
		return WCLocAccessErr
	case SyndromeRemoteInvalidReq:
		return WCRemInvReqErr
	case SyndromeRemoteAccess:
		return WCRemAccessErr
	case SyndromeRemoteOp:
		return WCRemOpErr
	case SyndromeTransportRetryExc:
		return WCRetryExcErr
	case SyndromeRNRRetryExc:
		return WCRNRRetryExcErr
	case SyndromeRemoteAborted:
		return WCRemAbortErr
	default:
		return WCGeneralErr
	}
}

// CQEFields is the producer-side description of an entry.
// When Timestamp is non-zero it is written over SLVid and RLID.
type CQEFields struct {
	QPN       uint32 // local QPN, XRC bit included
	VLAN      bool
	Immediate uint32 // immediate data or RSS hash; low 7 bits carry the pkey index
	GRH       bool
	PathBits  uint8
	RemoteQPN uint32 // source QP, or XRC SRQ number for XRC receives
	SLVid     uint16
	RLID      uint16
	Timestamp uint64 // 48-bit device clock
	Status    uint32
	ByteCount uint32
	WQEIndex  uint16
	Checksum  uint16
	VendorErr uint8
	Syndrome  Syndrome
	IsSend    bool
	Opcode    CQEOpcode
}

// encode writes bytes 0..30 of the logical entry and returns the last byte
// without the owner bit.
func (f *CQEFields) encode(e []byte) byte {
	_ = e[CQESize-1]
	qpn := f.QPN & cqeQPNMask
	if f.VLAN {
		qpn |= cqeVLANPresentMask
	}
	binary.BigEndian.PutUint32(e[offVLANMyQPN:], qpn)
	binary.BigEndian.PutUint32(e[offImmedRSS:], f.Immediate)

	g := f.RemoteQPN&cqeQPNMask | uint32(f.PathBits&cqePathBitsMask)<<cqePathBitsShift
	if f.GRH {
		g |= cqeGRHMask
	}
	binary.BigEndian.PutUint32(e[offGMLPathRQPN:], g)

	var tsLow uint16
	if f.Timestamp != 0 {
		var high uint32
		high, tsLow = splitTimestamp(f.Timestamp)
		binary.BigEndian.PutUint32(e[offTimestamp16_47:], high)
	} else {
		binary.BigEndian.PutUint16(e[offSLVid:], f.SLVid)
		binary.BigEndian.PutUint16(e[offRLID:], f.RLID)
	}

	binary.BigEndian.PutUint32(e[offStatus:], f.Status)
	binary.BigEndian.PutUint32(e[offByteCnt:], f.ByteCount)
	binary.BigEndian.PutUint16(e[offWQEIndex:], f.WQEIndex)
	if f.Opcode == OpError {
		e[offVendorErr] = f.VendorErr
		e[offSyndrome] = byte(f.Syndrome)
	} else {
		binary.BigEndian.PutUint16(e[offChecksum:], f.Checksum)
	}
	e[28] = 0
	e[offTimestamp8_15] = byte(tsLow >> 8)
	e[offTimestamp0_7] = byte(tsLow)

	last := byte(f.Opcode) & cqeOpcodeMask
	if f.IsSend {
		last |= cqeIsSendMask
	}
	return last
}

// splitTimestamp is the inverse of cqe.timestamp. The device carries into the
// high part whenever the low 16 bits are zero, so the stored high part is one less.
func splitTimestamp(ts uint64) (high uint32, low uint16) {
	low = uint16(ts)
	h := ts >> 16
	if low == 0 {
		h--
	}
	return uint32(h), low
}

// cqe is a read view of one logical entry inside a ring slot.
type cqe []byte

func (e cqe) vlanMyQPN() uint32 { return binary.BigEndian.Uint32(e[offVLANMyQPN:]) }

func (e cqe) qpn() uint32 { return e.vlanMyQPN() & cqeQPNMask }

func (e cqe) isXRC() bool { return e.qpn()&xrcQPNBit != 0 }

// immediate is returned in host byte order
func (e cqe) immediate() uint32 { return binary.BigEndian.Uint32(e[offImmedRSS:]) }

func (e cqe) pkeyIndex() uint16 { return uint16(e.immediate() & cqePkeyIndexMask) }

func (e cqe) gMLPathRQPN() uint32 { return binary.BigEndian.Uint32(e[offGMLPathRQPN:]) }

func (e cqe) remoteQPN() uint32 { return e.gMLPathRQPN() & cqeQPNMask }

func (e cqe) pathBits() uint8 {
	return uint8(e.gMLPathRQPN()>>cqePathBitsShift) & cqePathBitsMask
}

func (e cqe) hasGRH() bool { return e.gMLPathRQPN()&cqeGRHMask != 0 }

func (e cqe) slVid() uint16 { return binary.BigEndian.Uint16(e[offSLVid:]) }

func (e cqe) rlid() uint16 { return binary.BigEndian.Uint16(e[offRLID:]) }

func (e cqe) status() uint32 { return binary.BigEndian.Uint32(e[offStatus:]) }

func (e cqe) ipCsumOK() bool {
	return e.status()&cqeStatusIPv4CsumOK == cqeStatusIPv4CsumOK
}

func (e cqe) byteCnt() uint32 { return binary.BigEndian.Uint32(e[offByteCnt:]) }

func (e cqe) wqeIndex() uint16 { return binary.BigEndian.Uint16(e[offWQEIndex:]) }

func (e cqe) vendorErr() uint8 { return e[offVendorErr] }

func (e cqe) syndrome() Syndrome { return Syndrome(e[offSyndrome]) }

func (e cqe) ownerSROpcode() byte { return e[offOwnerSROpcode] }

func (e cqe) opcode() CQEOpcode { return CQEOpcode(e.ownerSROpcode() & cqeOpcodeMask) }

func (e cqe) isSend() bool { return e.ownerSROpcode()&cqeIsSendMask != 0 }

func (e cqe) isError() bool { return e.opcode() == OpError }

// sl extracts the service level. Ethernet ports carry PCP in the top 3 bits.
func (e cqe) sl(ll LinkLayer) uint8 {
	if ll == LinkLayerEthernet {
		return uint8(e.slVid() >> 13)
	}
	return uint8(e.slVid() >> 12)
}

// timestamp reassembles the 48-bit completion timestamp.
func (e cqe) timestamp() uint64 {
	low := uint16(e[offTimestamp0_7]) | uint16(e[offTimestamp8_15])<<8
	var carry uint64
	if low == 0 {
		carry = 1
	}
	high := uint64(binary.BigEndian.Uint32(e[offTimestamp16_47:]))
	return (high+carry)<<16 | uint64(low)
}

// sendOpcode decodes a send-side opcode. Unknown values are reported as sends.
func sendOpcode(op CQEOpcode) (opcode WCOpcode, withImm bool) {
	switch op {
	case OpRDMAWriteImm:
		return WCRDMAWrite, true
	case OpRDMAWrite:
		return WCRDMAWrite, false
	case OpSendImm:
		return WCSend, true
	case OpSend:
		return WCSend, false
	case OpRDMARead:
		return WCRDMARead, false
	case OpAtomicCS:
		return WCCompSwap, false
	case OpAtomicFA:
		return WCFetchAdd, false
	case OpBindMW:
		return WCBindMW, false
	default:
		return WCSend, false
	}
}

// recvOpcode decodes a receive-side opcode. Unknown values are reported as plain receives.
func recvOpcode(op CQEOpcode) (opcode WCOpcode, withImm bool) {
	switch op {
	case RecvOpRDMAWriteImm:
		return WCRecvRDMAWithImm, true
	case RecvOpSendImm:
		return WCRecv, true
	default:
		return WCRecv, false
	}
}

// sendByteLen returns the byte length a send-side entry reports, if any.
func sendByteLen(op CQEOpcode, e cqe) (uint32, bool) {
	switch op {
	case OpRDMARead:
		return e.byteCnt(), true
	case OpAtomicCS, OpAtomicFA:
		return 8, true
	default:
		return 0, false
	}
}
