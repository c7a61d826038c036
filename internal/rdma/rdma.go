// Package rdma implements the consumer side of a hardware completion queue.
//
// A completion queue (CQ) is a power-of-two ring of fixed-size entries (CQEs)
// written by the device. The consumer drains software-owned entries, turns
// each one into a work completion, retires the work queue entry it refers to
// and reports its progress through doorbell records.
package rdma

import "fmt"

// WCStatus is the completion status reported for a work request.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocRDDViolErr
	WCRemInvRDReqErr
	WCRemAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:        "success",
	WCLocLenErr:      "local length error",
	WCLocQPOpErr:     "local QP operation error",
	WCLocEECOpErr:    "local EE context operation error",
	WCLocProtErr:     "local protection error",
	WCWRFlushErr:     "work request flushed error",
	WCMWBindErr:      "memory window bind error",
	WCBadRespErr:     "bad response error",
	WCLocAccessErr:   "local access error",
	WCRemInvReqErr:   "remote invalid request error",
	WCRemAccessErr:   "remote access error",
	WCRemOpErr:       "remote operation error",
	WCRetryExcErr:    "transport retry counter exceeded",
	WCRNRRetryExcErr: "RNR retry counter exceeded",
	WCLocRDDViolErr:  "local RDD violation error",
	WCRemInvRDReqErr: "remote invalid RD request",
	WCRemAbortErr:    "aborted error",
	WCInvEECNErr:     "invalid EE context number",
	WCInvEECStateErr: "invalid EE context state",
	WCFatalErr:       "fatal error",
	WCRespTimeoutErr: "response timeout error",
	WCGeneralErr:     "general error",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// WCOpcode identifies the operation a work completion belongs to.
// Receive-side opcodes have WCRecv set.
type WCOpcode int

const (
	WCSend WCOpcode = iota
	WCRDMAWrite
	WCRDMARead
	WCCompSwap
	WCFetchAdd
	WCBindMW

	WCRecv            WCOpcode = 1 << 7
	WCRecvRDMAWithImm WCOpcode = WCRecv + 1
)

// IsRecv reports whether the opcode belongs to a receive completion.
func (o WCOpcode) IsRecv() bool {
	return o&WCRecv != 0
}

func (o WCOpcode) String() string {
	switch o {
	case WCSend:
		return "SEND"
	case WCRDMAWrite:
		return "RDMA_WRITE"
	case WCRDMARead:
		return "RDMA_READ"
	case WCCompSwap:
		return "COMP_SWAP"
	case WCFetchAdd:
		return "FETCH_ADD"
	case WCBindMW:
		return "BIND_MW"
	case WCRecv:
		return "RECV"
	case WCRecvRDMAWithImm:
		return "RECV_RDMA_WITH_IMM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(o))
	}
}

// WCFlags are the per-completion flags of the fixed-shape record.
type WCFlags uint32

const (
	// WCGRH means the receive buffer starts with a 40-byte GRH
	WCGRH WCFlags = 1 << 0
	// WCWithImm means ImmData is valid
	WCWithImm WCFlags = 1 << 1
	// WCIPCsumOK means the device validated the IPv4 and L4 checksums
	WCIPCsumOK WCFlags = 1 << wcIPCsumOKShift

	wcIPCsumOKShift = 2
)

// WorkCompletion is the fixed-shape completion record.
// Error completions only carry WRID, Status and VendorErr.
type WorkCompletion struct {
	WRID         uint64
	Status       WCStatus
	Opcode       WCOpcode
	VendorErr    uint32
	ByteLen      uint32
	ImmData      uint32 // host byte order
	QPNum        uint32
	SrcQP        uint32
	WCFlags      WCFlags
	PkeyIndex    uint16
	SLID         uint16
	SL           uint8
	DLIDPathBits uint8
}

// LinkLayer is the link layer of the port a QP is bound to.
type LinkLayer int

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniBand
	LinkLayerEthernet
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "infiniband"
	case LinkLayerEthernet:
		return "ethernet"
	default:
		return "unspecified"
	}
}

// QPType is the transport type of a queue pair.
type QPType int

const (
	QPTypeRC QPType = iota
	QPTypeUC
	QPTypeUD
	QPTypeRawPacket
	QPTypeXRCSend
	QPTypeXRCRecv
)

// DeviceCaps are the device capability bits that influence decoding.
type DeviceCaps uint32

const (
	// DeviceCapUDIPCsum means the device checksums IPoIB traffic on UD QPs
	DeviceCapUDIPCsum DeviceCaps = 1 << 0
	// DeviceCapRawIPCsum means the device checksums raw Ethernet traffic
	DeviceCapRawIPCsum DeviceCaps = 1 << 1
)

// QPCaps are per-QP capabilities cached when the QP is bound to a port.
type QPCaps uint32

const (
	// QPCapRxCsumValid enables the IP checksum flag on receive completions
	QPCapRxCsumValid QPCaps = 1 << 0
)
