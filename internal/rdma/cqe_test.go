package rdma

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeCQE(t *testing.T, f CQEFields) cqe {
	t.Helper()
	r, err := NewRing(1, CQESize)
	require.NoError(t, err)
	r.Produce(0, f)
	return r.entry(0)
}

func TestTimestampCarry(t *testing.T) {
	e := make(cqe, CQESize)
	binary.BigEndian.PutUint32(e[offTimestamp16_47:], 1)
	assert.Equal(t, uint64(0x20000), e.timestamp(), "zero low part carries into the high part")

	e[offTimestamp8_15] = 0x12
	e[offTimestamp0_7] = 0x34
	assert.Equal(t, uint64(0x11234), e.timestamp())
}

func TestSplitTimestampInvertsDecode(t *testing.T) {
	for _, ts := range []uint64{1, 0x10000, 0x20000, 0x123456789abc, 0xffffffff0000} {
		e := encodeCQE(t, CQEFields{Timestamp: ts, Opcode: OpSend, IsSend: true})
		assert.Equal(t, ts, e.timestamp(), "timestamp 0x%x", ts)
	}
}

func TestSyndromeStatus(t *testing.T) {
	tests := []struct {
		syndrome Syndrome
		want     WCStatus
	}{
		{SyndromeLocalLength, WCLocLenErr},
		{SyndromeLocalQPOp, WCLocQPOpErr},
		{SyndromeLocalProt, WCLocProtErr},
		{SyndromeWRFlush, WCWRFlushErr},
		{SyndromeMWBind, WCMWBindErr},
		{SyndromeBadResp, WCBadRespErr},
		{SyndromeLocalAccess, WCLocAccessErr},
		{SyndromeRemoteInvalidReq, WCRemInvReqErr},
		{SyndromeRemoteAccess, WCRemAccessErr},
		{SyndromeRemoteOp, WCRemOpErr},
		{SyndromeTransportRetryExc, WCRetryExcErr},
		{SyndromeRNRRetryExc, WCRNRRetryExcErr},
		{SyndromeRemoteAborted, WCRemAbortErr},
		{0x00, WCGeneralErr},
		{0x7f, WCGeneralErr},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.syndrome.Status(), "syndrome 0x%x", uint8(tt.syndrome))
	}
}

func TestSendOpcode(t *testing.T) {
	tests := []struct {
		op      CQEOpcode
		want    WCOpcode
		withImm bool
	}{
		{OpRDMAWriteImm, WCRDMAWrite, true},
		{OpRDMAWrite, WCRDMAWrite, false},
		{OpSendImm, WCSend, true},
		{OpSend, WCSend, false},
		{OpRDMARead, WCRDMARead, false},
		{OpAtomicCS, WCCompSwap, false},
		{OpAtomicFA, WCFetchAdd, false},
		{OpBindMW, WCBindMW, false},
		{0x03, WCSend, false},
	}
	for _, tt := range tests {
		got, imm := sendOpcode(tt.op)
		assert.Equal(t, tt.want, got, "opcode 0x%x", uint8(tt.op))
		assert.Equal(t, tt.withImm, imm, "opcode 0x%x", uint8(tt.op))
	}
}

func TestRecvOpcode(t *testing.T) {
	require.NotEqual(t, WCRecv, WCRecvRDMAWithImm)
	assert.True(t, WCRecvRDMAWithImm.IsRecv())
	assert.Equal(t, "RECV", WCRecv.String())
	assert.Equal(t, "RECV_RDMA_WITH_IMM", WCRecvRDMAWithImm.String())

	op, imm := recvOpcode(RecvOpRDMAWriteImm)
	assert.Equal(t, WCRecvRDMAWithImm, op)
	assert.True(t, imm)

	op, imm = recvOpcode(RecvOpSendImm)
	assert.Equal(t, WCRecv, op)
	assert.True(t, imm)

	op, imm = recvOpcode(RecvOpSend)
	assert.Equal(t, WCRecv, op)
	assert.False(t, imm)

	op, imm = recvOpcode(0x07)
	assert.Equal(t, WCRecv, op)
	assert.False(t, imm)
}

func TestSendByteLen(t *testing.T) {
	e := encodeCQE(t, CQEFields{Opcode: OpRDMARead, IsSend: true, ByteCount: 4096})
	n, ok := sendByteLen(OpRDMARead, e)
	assert.True(t, ok)
	assert.Equal(t, uint32(4096), n)

	n, ok = sendByteLen(OpAtomicFA, e)
	assert.True(t, ok)
	assert.Equal(t, uint32(8), n)

	_, ok = sendByteLen(OpSend, e)
	assert.False(t, ok)
}

func TestCQEFieldAccessors(t *testing.T) {
	e := encodeCQE(t, CQEFields{
		QPN:       xrcQPNBit | 0x1234,
		VLAN:      true,
		Immediate: 0xdeadbe05,
		GRH:       true,
		PathBits:  0x15,
		RemoteQPN: 0xabcdef,
		SLVid:     0xa123,
		RLID:      0x0456,
		Status:    cqeStatusIPv4CsumOK,
		ByteCount: 1500,
		WQEIndex:  0x0102,
		Opcode:    RecvOpSendImm,
	})

	assert.Equal(t, uint32(xrcQPNBit|0x1234), e.qpn(), "VLAN bit stays out of the QPN")
	assert.True(t, e.isXRC())
	assert.Equal(t, uint32(0xdeadbe05), e.immediate())
	assert.Equal(t, uint16(0x05), e.pkeyIndex())
	assert.True(t, e.hasGRH())
	assert.Equal(t, uint8(0x15), e.pathBits())
	assert.Equal(t, uint32(0xabcdef), e.remoteQPN())
	assert.Equal(t, uint16(0x0456), e.rlid())
	assert.Equal(t, uint8(0xa), e.sl(LinkLayerInfiniBand))
	assert.Equal(t, uint8(0x5), e.sl(LinkLayerEthernet))
	assert.True(t, e.ipCsumOK())
	assert.Equal(t, uint32(1500), e.byteCnt())
	assert.Equal(t, uint16(0x0102), e.wqeIndex())
	assert.Equal(t, RecvOpSendImm, e.opcode())
	assert.False(t, e.isSend())
	assert.False(t, e.isError())
}

func TestIPCsumNeedsAllStatusBits(t *testing.T) {
	for _, status := range []uint32{cqeStatusIPOK, cqeStatusIPv4 | cqeStatusIPOK, cqeStatusL4Csum} {
		e := encodeCQE(t, CQEFields{Status: status, Opcode: RecvOpSend})
		assert.False(t, e.ipCsumOK(), "status 0x%x", status)
	}
}

func TestErrorEntryFields(t *testing.T) {
	e := encodeCQE(t, CQEFields{
		QPN:       0x10,
		Opcode:    OpError,
		IsSend:    true,
		VendorErr: 0x88,
		Syndrome:  SyndromeWRFlush,
	})
	assert.True(t, e.isError())
	assert.True(t, e.isSend())
	assert.Equal(t, uint8(0x88), e.vendorErr())
	assert.Equal(t, SyndromeWRFlush, e.syndrome())
}
