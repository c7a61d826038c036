package rdma

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// WCExFlags selects the optional fields of variable-shape records and
// reports which of them a record carries.
type WCExFlags uint64

const (
	WCExGRH WCExFlags = 1 << iota
	WCExImm
	WCExWithByteLen
	WCExWithImm
	WCExWithQPNum
	WCExWithSrcQP
	WCExWithPkeyIndex
	WCExWithSLID
	WCExWithSL
	WCExWithDLIDPathBits
	WCExWithCompletionTimestamp
)

const (
	// WCExStandard is the set of fields the fixed-shape record also carries
	WCExStandard = WCExWithByteLen | WCExWithImm | WCExWithQPNum | WCExWithSrcQP |
		WCExWithPkeyIndex | WCExWithSLID | WCExWithSL | WCExWithDLIDPathBits
	// WCExSupported is every field that can be requested
	WCExSupported = WCExStandard | WCExWithCompletionTimestamp
)

// Record header: wr_id u64, wc_flags u64, status u32, opcode u32, vendor_err u32, reserved u32.
const (
	wcExOffWRID      = 0
	wcExOffFlags     = 8
	wcExOffStatus    = 16
	wcExOffOpcode    = 20
	wcExOffVendorErr = 24
	wcExHeaderSize   = 32
)

// wcExFieldOrder is the order optional fields are packed in after the header.
var wcExFieldOrder = []struct {
	flag WCExFlags
	size int
}{
	{WCExWithCompletionTimestamp, 8},
	{WCExWithByteLen, 4},
	{WCExWithImm, 4},
	{WCExWithQPNum, 4},
	{WCExWithSrcQP, 4},
	{WCExWithPkeyIndex, 2},
	{WCExWithSLID, 2},
	{WCExWithSL, 1},
	{WCExWithDLIDPathBits, 1},
}

// wcExLayout holds the slot offsets of one record shape. A field that has
// a slot keeps it even in records where it is not valid.
type wcExLayout struct {
	present WCExFlags
	off     [11]int
	size    int
}

func newWCExLayout(present WCExFlags) *wcExLayout {
	l := &wcExLayout{present: present}
	pos := wcExHeaderSize
	for _, f := range wcExFieldOrder {
		if present&f.flag == 0 {
			continue
		}
		l.off[bits.TrailingZeros64(uint64(f.flag))] = pos
		pos += f.size
	}
	l.size = (pos + 7) &^ 7
	return l
}

func (l *wcExLayout) has(flag WCExFlags) bool { return l.present&flag != 0 }

func (l *wcExLayout) slot(rec []byte, flag WCExFlags) []byte {
	return rec[l.off[bits.TrailingZeros64(uint64(flag))]:]
}

// WCExRecordSize returns the size of one record carrying fields.
func WCExRecordSize(fields WCExFlags) int {
	return newWCExLayout(fields & WCExSupported).size
}

// decoderFor returns the strategy and layout for fields, reusing the last
// choice when the mask has not changed. Called with the CQ lock held.
func (cq *CQ) decoderFor(fields WCExFlags) (*exDecoder, *wcExLayout) {
	if cq.exDecoder == nil || cq.exFields != fields {
		cq.exDecoder = selectExDecoder(fields)
		cq.exLayout = cq.exDecoder.layout(fields)
		cq.exFields = fields
	}
	return cq.exDecoder, cq.exLayout
}

// PollEx drains up to maxEntries completions into buf as variable-shape records
// carrying the optional fields in fields. Records are WCExRecordSize(fields)
// bytes apart. It returns the number of records and the bytes used; errors
// follow the same rules as Poll.
func (cq *CQ) PollEx(buf []byte, maxEntries int, fields WCExFlags) (int, int, error) {
	if maxEntries < 0 || fields&^WCExSupported != 0 {
		return 0, 0, fmt.Errorf("%w: max entries %d, fields 0x%x", ErrInvalidArgument, maxEntries, uint64(fields))
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	d, layout := cq.decoderFor(fields)
	if maxEntries > 0 && len(buf) < layout.size {
		return 0, 0, fmt.Errorf("%w: %d bytes, need %d", ErrBufferTooSmall, len(buf), layout.size)
	}
	if n := len(buf) / layout.size; n < maxEntries {
		maxEntries = n
	}

	var (
		cur     *QP
		npolled int
		used    int
		err     error
	)
	for npolled < maxEntries {
		e := cq.nextEntry()
		if e == nil {
			break
		}
		var r retired
		r, err = cq.retire(e, &cur)
		if err != nil {
			break
		}
		d.decode(e, r, layout, buf[used:used+layout.size])
		used += layout.size
		npolled++
	}

	if npolled > 0 || err != nil {
		cq.publish()
	}
	return npolled, used, err
}

// decodeGeneric writes one record, testing every optional field against
// the layout. It is the reference the specialized strategies must match.
func decodeGeneric(e cqe, r retired, l *wcExLayout, rec []byte) {
	if !exBegin(e, r, rec) {
		return
	}
	ne := binary.NativeEndian
	opcode, out := exOpcode(e)

	if l.has(WCExWithCompletionTimestamp) {
		ne.PutUint64(l.slot(rec, WCExWithCompletionTimestamp), e.timestamp())
		out |= WCExWithCompletionTimestamp
	}

	if e.isSend() {
		if n, ok := sendByteLen(e.opcode(), e); ok && l.has(WCExWithByteLen) {
			ne.PutUint32(l.slot(rec, WCExWithByteLen), n)
			out |= WCExWithByteLen
		}
		if l.has(WCExWithQPNum) {
			ne.PutUint32(l.slot(rec, WCExWithQPNum), e.qpn())
			out |= WCExWithQPNum
		}
		exFinish(rec, opcode, out)
		return
	}

	if l.has(WCExWithByteLen) {
		ne.PutUint32(l.slot(rec, WCExWithByteLen), e.byteCnt())
		out |= WCExWithByteLen
	}
	if out&WCExImm != 0 && l.has(WCExWithImm) {
		ne.PutUint32(l.slot(rec, WCExWithImm), e.immediate())
		out |= WCExWithImm
	}
	if l.has(WCExWithQPNum) {
		ne.PutUint32(l.slot(rec, WCExWithQPNum), e.qpn())
		out |= WCExWithQPNum
	}
	if l.has(WCExWithSrcQP) {
		ne.PutUint32(l.slot(rec, WCExWithSrcQP), e.remoteQPN())
		out |= WCExWithSrcQP
	}
	if l.has(WCExWithPkeyIndex) {
		ne.PutUint16(l.slot(rec, WCExWithPkeyIndex), e.pkeyIndex())
		out |= WCExWithPkeyIndex
	}
	if l.has(WCExWithSLID) {
		ne.PutUint16(l.slot(rec, WCExWithSLID), e.rlid())
		out |= WCExWithSLID
	}
	if l.has(WCExWithSL) {
		l.slot(rec, WCExWithSL)[0] = e.sl(r.linkLayer())
		out |= WCExWithSL
	}
	if l.has(WCExWithDLIDPathBits) {
		l.slot(rec, WCExWithDLIDPathBits)[0] = e.pathBits()
		out |= WCExWithDLIDPathBits
	}
	exFinish(rec, opcode, out)
}

// exBegin clears rec and writes the WRID. Error entries also get their
// status and vendor syndrome, and nothing else; exBegin reports false for
// them.
func exBegin(e cqe, r retired, rec []byte) bool {
	clear(rec)
	ne := binary.NativeEndian
	ne.PutUint64(rec[wcExOffWRID:], r.wrid)
	if e.isError() {
		ne.PutUint32(rec[wcExOffStatus:], uint32(r.status))
		ne.PutUint32(rec[wcExOffVendorErr:], r.vendor)
		return false
	}
	return true
}

// exOpcode decodes the opcode and the WCExImm and WCExGRH bits.
func exOpcode(e cqe) (WCOpcode, WCExFlags) {
	var (
		out    WCExFlags
		opcode WCOpcode
		imm    bool
	)
	if e.isSend() {
		opcode, imm = sendOpcode(e.opcode())
	} else {
		opcode, imm = recvOpcode(e.opcode())
		if e.hasGRH() {
			out |= WCExGRH
		}
	}
	if imm {
		out |= WCExImm
	}
	return opcode, out
}

func exFinish(rec []byte, opcode WCOpcode, out WCExFlags) {
	binary.NativeEndian.PutUint64(rec[wcExOffFlags:], uint64(out))
	binary.NativeEndian.PutUint32(rec[wcExOffOpcode:], uint32(opcode))
}

// WCEx is a read view of one variable-shape record.
type WCEx struct {
	rec []byte
	l   *wcExLayout
}

// WCExRecords returns views of the first n records in buf, which must have
// been filled by PollEx with the same fields.
func WCExRecords(buf []byte, n int, fields WCExFlags) []WCEx {
	l := newWCExLayout(fields & WCExSupported)
	recs := make([]WCEx, 0, n)
	for i := 0; i < n && (i+1)*l.size <= len(buf); i++ {
		recs = append(recs, WCEx{rec: buf[i*l.size : (i+1)*l.size], l: l})
	}
	return recs
}

// WRID returns the work request ID.
func (w WCEx) WRID() uint64 { return binary.NativeEndian.Uint64(w.rec[wcExOffWRID:]) }

// Flags returns the fields valid in this record plus WCExGRH and WCExImm.
func (w WCEx) Flags() WCExFlags { return WCExFlags(binary.NativeEndian.Uint64(w.rec[wcExOffFlags:])) }

// Status returns the completion status.
func (w WCEx) Status() WCStatus {
	return WCStatus(binary.NativeEndian.Uint32(w.rec[wcExOffStatus:]))
}

// Opcode returns the operation the completion belongs to.
func (w WCEx) Opcode() WCOpcode {
	return WCOpcode(binary.NativeEndian.Uint32(w.rec[wcExOffOpcode:]))
}

// VendorErr returns the vendor syndrome of an error completion.
func (w WCEx) VendorErr() uint32 { return binary.NativeEndian.Uint32(w.rec[wcExOffVendorErr:]) }

func (w WCEx) valid(flag WCExFlags) bool { return w.Flags()&flag != 0 }

// CompletionTimestamp returns the raw device clock at completion time.
func (w WCEx) CompletionTimestamp() (uint64, bool) {
	if !w.valid(WCExWithCompletionTimestamp) {
		return 0, false
	}
	return binary.NativeEndian.Uint64(w.l.slot(w.rec, WCExWithCompletionTimestamp)), true
}

// ByteLen returns the number of bytes transferred.
func (w WCEx) ByteLen() (uint32, bool) { return w.u32(WCExWithByteLen) }

// ImmData returns the immediate data, in host order.
func (w WCEx) ImmData() (uint32, bool) { return w.u32(WCExWithImm) }

// QPNum returns the local QP number.
func (w WCEx) QPNum() (uint32, bool) { return w.u32(WCExWithQPNum) }

// SrcQP returns the remote QP number.
func (w WCEx) SrcQP() (uint32, bool) { return w.u32(WCExWithSrcQP) }

// PkeyIndex returns the P_Key index.
func (w WCEx) PkeyIndex() (uint16, bool) { return w.u16(WCExWithPkeyIndex) }

// SLID returns the source LID.
func (w WCEx) SLID() (uint16, bool) { return w.u16(WCExWithSLID) }

// SL returns the service level.
func (w WCEx) SL() (uint8, bool) { return w.u8(WCExWithSL) }

// DLIDPathBits returns the destination LID path bits.
func (w WCEx) DLIDPathBits() (uint8, bool) { return w.u8(WCExWithDLIDPathBits) }

func (w WCEx) u32(flag WCExFlags) (uint32, bool) {
	if !w.valid(flag) {
		return 0, false
	}
	return binary.NativeEndian.Uint32(w.l.slot(w.rec, flag)), true
}

func (w WCEx) u16(flag WCExFlags) (uint16, bool) {
	if !w.valid(flag) {
		return 0, false
	}
	return binary.NativeEndian.Uint16(w.l.slot(w.rec, flag)), true
}

func (w WCEx) u8(flag WCExFlags) (uint8, bool) {
	if !w.valid(flag) {
		return 0, false
	}
	return w.l.slot(w.rec, flag)[0], true
}

// WorkCompletion converts the record to the fixed shape. Fields the record
// does not carry are left zero.
func (w WCEx) WorkCompletion() WorkCompletion {
	wc := WorkCompletion{
		WRID:      w.WRID(),
		Status:    w.Status(),
		Opcode:    w.Opcode(),
		VendorErr: w.VendorErr(),
	}
	flags := w.Flags()
	if flags&WCExGRH != 0 {
		wc.WCFlags |= WCGRH
	}
	if flags&WCExImm != 0 {
		wc.WCFlags |= WCWithImm
	}
	wc.ByteLen, _ = w.ByteLen()
	wc.ImmData, _ = w.ImmData()
	wc.QPNum, _ = w.QPNum()
	wc.SrcQP, _ = w.SrcQP()
	wc.PkeyIndex, _ = w.PkeyIndex()
	wc.SLID, _ = w.SLID()
	wc.SL, _ = w.SL()
	wc.DLIDPathBits, _ = w.DLIDPathBits()
	return wc
}
