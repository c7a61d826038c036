package rdma

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// GRHSize is the size of the GRH the device places in front of UD receives
	GRHSize = 40
	// IPv4HeaderOffset is where RoCEv2 over IPv4 puts the IPv4 header inside the GRH region
	IPv4HeaderOffset = 20
	// IPv4HeaderMinLength is the minimum length of an IPv4 header
	IPv4HeaderMinLength = 20
)

// GRHHeaderInfo holds what the consumer extracts from a GRH.
type GRHHeaderInfo struct {
	SourceGID string
	DestGID   string
	FlowLabel uint32
	IPVersion int
}

// isIPv4MappedIPv6 checks if the given IP byte slice represents an IPv4-mapped IPv6 address
// (::ffff:A.B.C.D format) by checking if bytes 10 and 11 are 0xFF
func isIPv4MappedIPv6(ipBytes []byte) bool {
	return len(ipBytes) == 16 && ipBytes[10] == 0xff && ipBytes[11] == 0xff
}

// formatGIDString creates the string form of a GID, keeping the ::ffff:
// prefix for IPv4-mapped addresses.
func formatGIDString(gidBytes []byte) string {
	if isIPv4MappedIPv6(gidBytes) {
		return fmt.Sprintf("::ffff:%d.%d.%d.%d", gidBytes[12], gidBytes[13], gidBytes[14], gidBytes[15])
	}
	return net.IP(gidBytes).String()
}

// ParseGRH decodes the 40-byte GRH at the start of grh. Version 6 headers
// are read as IPv6; version 4 means RoCEv2 over IPv4 with the IPv4 header
// at IPv4HeaderOffset, reported as IPv4-mapped GIDs.
func ParseGRH(grh []byte) (*GRHHeaderInfo, error) {
	if len(grh) < GRHSize {
		return nil, fmt.Errorf("%w: GRH needs %d bytes, got %d", ErrBufferTooSmall, GRHSize, len(grh))
	}
	grh = grh[:GRHSize]

	switch version := int(grh[0]>>4) & 0x0f; version {
	case 4:
		h, err := ipv4.ParseHeader(grh[IPv4HeaderOffset : IPv4HeaderOffset+IPv4HeaderMinLength])
		if err != nil {
			return nil, fmt.Errorf("failed to parse IPv4 header at GRH offset %d: %w", IPv4HeaderOffset, err)
		}
		src, dst := h.Src.To4(), h.Dst.To4()
		if src == nil || dst == nil {
			return nil, fmt.Errorf("IPv4 header in GRH has no source or destination address")
		}
		return &GRHHeaderInfo{
			SourceGID: formatGIDString(net.IP(src).To16()),
			DestGID:   formatGIDString(net.IP(dst).To16()),
			IPVersion: 4,
		}, nil

	case 6:
		info := &GRHHeaderInfo{
			SourceGID: formatGIDString(grh[8:24]),
			DestGID:   formatGIDString(grh[24:40]),
			IPVersion: 6,
		}
		h, err := ipv6.ParseHeader(grh)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to parse GRH as IPv6 header to get FlowLabel, but SGID/DGID extracted directly.")
			return info, nil
		}
		info.FlowLabel = uint32(h.FlowLabel)
		return info, nil

	default:
		return nil, fmt.Errorf("GRH has unknown IP version: %d", version)
	}
}

// ReceivePayload splits the receive buffer of a successful receive
// completion into its GRH, when WCGRH is set, and the payload.
func ReceivePayload(wc *WorkCompletion, buf []byte) ([]byte, *GRHHeaderInfo, error) {
	if !wc.Opcode.IsRecv() || wc.Status != WCSuccess {
		return nil, nil, fmt.Errorf("%w: %s completion with status %s", ErrInvalidArgument, wc.Opcode, wc.Status)
	}
	n := int(wc.ByteLen)
	if n > len(buf) {
		return nil, nil, fmt.Errorf("%w: completion reports %d bytes, buffer holds %d", ErrBufferTooSmall, n, len(buf))
	}
	if wc.WCFlags&WCGRH == 0 {
		return buf[:n], nil, nil
	}
	if n < GRHSize {
		return nil, nil, fmt.Errorf("GRH flag set but byte length %d < GRHSize (%d)", n, GRHSize)
	}
	info, err := ParseGRH(buf[:GRHSize])
	if err != nil {
		return nil, nil, err
	}
	log.Trace().
		Str("sgid", info.SourceGID).
		Str("dgid", info.DestGID).
		Uint32("flow_label", info.FlowLabel).
		Uint32("src_qp", wc.SrcQP).
		Msg("Parsed GRH")
	return buf[GRHSize:n], info, nil
}
