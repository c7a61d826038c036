package rdma

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func ipv6GRH(src, dst net.IP, flowLabel uint32) []byte {
	grh := make([]byte, GRHSize)
	grh[0] = 0x60
	grh[1] = byte(flowLabel>>16) & 0x0f
	grh[2] = byte(flowLabel >> 8)
	grh[3] = byte(flowLabel)
	grh[6] = 0x1b // next header: IB BTH
	grh[7] = 64
	copy(grh[8:24], src.To16())
	copy(grh[24:40], dst.To16())
	return grh
}

func ipv4GRH(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + 8,
		TTL:      64,
		Protocol: 17,
		Src:      src,
		Dst:      dst,
	}
	b, err := h.Marshal()
	require.NoError(t, err)

	grh := make([]byte, GRHSize)
	grh[0] = 0x40
	copy(grh[IPv4HeaderOffset:], b)
	return grh
}

func TestParseGRHIPv6(t *testing.T) {
	grh := ipv6GRH(net.ParseIP("fe80::1"), net.ParseIP("fe80::2"), 0xabcde)

	info, err := ParseGRH(grh)
	require.NoError(t, err)
	assert.Equal(t, "fe80::1", info.SourceGID)
	assert.Equal(t, "fe80::2", info.DestGID)
	assert.Equal(t, uint32(0xabcde), info.FlowLabel)
	assert.Equal(t, 6, info.IPVersion)
}

func TestParseGRHIPv4Mapped(t *testing.T) {
	grh := ipv6GRH(net.ParseIP("::ffff:10.0.0.1"), net.ParseIP("::ffff:10.0.0.2"), 0)

	info, err := ParseGRH(grh)
	require.NoError(t, err)
	assert.Equal(t, "::ffff:10.0.0.1", info.SourceGID)
	assert.Equal(t, "::ffff:10.0.0.2", info.DestGID)
}

func TestParseGRHIPv4(t *testing.T) {
	grh := ipv4GRH(t, net.IPv4(192, 168, 1, 1), net.IPv4(192, 168, 1, 2))

	info, err := ParseGRH(grh)
	require.NoError(t, err)
	assert.Equal(t, "::ffff:192.168.1.1", info.SourceGID)
	assert.Equal(t, "::ffff:192.168.1.2", info.DestGID)
	assert.Equal(t, 4, info.IPVersion)
}

func TestParseGRHErrors(t *testing.T) {
	_, err := ParseGRH(make([]byte, GRHSize-1))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	grh := make([]byte, GRHSize)
	grh[0] = 0x50
	_, err = ParseGRH(grh)
	assert.ErrorContains(t, err, "unknown IP version")
}

func TestReceivePayload(t *testing.T) {
	payload := []byte("completion payload")
	grh := ipv6GRH(net.ParseIP("fe80::1"), net.ParseIP("fe80::2"), 7)
	buf := append(append([]byte{}, grh...), payload...)
	buf = append(buf, make([]byte, 32)...)

	wc := &WorkCompletion{Opcode: WCRecv, ByteLen: uint32(GRHSize + len(payload)), WCFlags: WCGRH}
	got, info, err := ReceivePayload(wc, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NotNil(t, info)
	assert.Equal(t, uint32(7), info.FlowLabel)

	wc = &WorkCompletion{Opcode: WCRecv, ByteLen: uint32(len(payload))}
	got, info, err = ReceivePayload(wc, payload)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Nil(t, info)
}

func TestReceivePayloadRejects(t *testing.T) {
	buf := make([]byte, 64)

	_, _, err := ReceivePayload(&WorkCompletion{Opcode: WCSend}, buf)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = ReceivePayload(&WorkCompletion{Opcode: WCRecv, Status: WCLocLenErr}, buf)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = ReceivePayload(&WorkCompletion{Opcode: WCRecv, ByteLen: 65}, buf)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, _, err = ReceivePayload(&WorkCompletion{Opcode: WCRecv, ByteLen: 20, WCFlags: WCGRH}, buf)
	assert.ErrorContains(t, err, "GRH flag set")
}
