package rdma

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// exDecoder is one variable-shape decoding strategy. Fields in yes are
// always present, fields in no never are, the rest follow the requested
// mask. fn is written for its (yes, no) pair: it stores decided fields
// without consulting the layout and only tests the undecided ones.
type exDecoder struct {
	name string
	yes  WCExFlags
	no   WCExFlags
	fn   func(e cqe, r retired, l *wcExLayout, rec []byte)
}

// exDecoders are the specialized strategies, in selection priority order.
var exDecoders = []exDecoder{
	{name: "none", yes: 0, no: WCExSupported, fn: decodeNone},
	{name: "all", yes: WCExSupported, no: 0, fn: decodeAll},
	{name: "standard", yes: WCExStandard, no: WCExWithCompletionTimestamp, fn: decodeStandard},
	{name: "byte_len", yes: WCExWithByteLen, no: WCExStandard &^ WCExWithByteLen, fn: decodeByteLen},
	{name: "timestamp", yes: WCExWithCompletionTimestamp, no: WCExStandard, fn: decodeTimestamp},
}

var genericExDecoder = exDecoder{name: "generic", fn: decodeGeneric}

// recvStandardValid are the standard fields every successful receive carries.
const recvStandardValid = WCExStandard &^ WCExWithImm

func (d *exDecoder) decode(e cqe, r retired, l *wcExLayout, rec []byte) {
	d.fn(e, r, l, rec)
}

// has reports whether flag gets a slot in records decoded for fields.
func (d *exDecoder) has(fields, flag WCExFlags) bool {
	return d.yes&flag != 0 || (d.no&flag == 0 && fields&flag != 0)
}

func (d *exDecoder) layout(fields WCExFlags) *wcExLayout {
	var present WCExFlags
	for _, f := range wcExFieldOrder {
		if d.has(fields, f.flag) {
			present |= f.flag
		}
	}
	return newWCExLayout(present)
}

// selectExDecoder picks the eligible strategy that leaves the fewest fields
// to be decided at run time. A strategy is eligible when none of its
// never-present fields is requested and all of its always-present fields
// are. Ties go to the earlier entry; no eligible entry means generic.
func selectExDecoder(fields WCExFlags) *exDecoder {
	best := -1
	minBits := math.MaxInt
	for i := range exDecoders {
		d := &exDecoders[i]
		if fields&d.no != 0 {
			continue
		}
		if ^fields&d.yes != 0 {
			continue
		}
		undecided := fields&^d.yes | ^fields&^d.no&WCExSupported
		if n := bits.OnesCount64(uint64(undecided)); n < minBits {
			minBits = n
			best = i
		}
	}
	if best < 0 {
		return &genericExDecoder
	}
	return &exDecoders[best]
}

// ExDecoderName returns the name of the strategy PollEx uses for fields.
func ExDecoderName(fields WCExFlags) string {
	return selectExDecoder(fields).name
}

func decodeNone(e cqe, r retired, _ *wcExLayout, rec []byte) {
	if !exBegin(e, r, rec) {
		return
	}
	opcode, out := exOpcode(e)
	exFinish(rec, opcode, out)
}

func decodeAll(e cqe, r retired, l *wcExLayout, rec []byte) {
	if !exBegin(e, r, rec) {
		return
	}
	opcode, out := exOpcode(e)
	binary.NativeEndian.PutUint64(l.slot(rec, WCExWithCompletionTimestamp), e.timestamp())
	out = exStandardFields(e, r, l, rec, out|WCExWithCompletionTimestamp)
	exFinish(rec, opcode, out)
}

func decodeStandard(e cqe, r retired, l *wcExLayout, rec []byte) {
	if !exBegin(e, r, rec) {
		return
	}
	opcode, out := exOpcode(e)
	out = exStandardFields(e, r, l, rec, out)
	exFinish(rec, opcode, out)
}

func decodeByteLen(e cqe, r retired, l *wcExLayout, rec []byte) {
	if !exBegin(e, r, rec) {
		return
	}
	ne := binary.NativeEndian
	opcode, out := exOpcode(e)
	if l.has(WCExWithCompletionTimestamp) {
		ne.PutUint64(l.slot(rec, WCExWithCompletionTimestamp), e.timestamp())
		out |= WCExWithCompletionTimestamp
	}
	if !e.isSend() {
		ne.PutUint32(l.slot(rec, WCExWithByteLen), e.byteCnt())
		out |= WCExWithByteLen
	} else if n, ok := sendByteLen(e.opcode(), e); ok {
		ne.PutUint32(l.slot(rec, WCExWithByteLen), n)
		out |= WCExWithByteLen
	}
	exFinish(rec, opcode, out)
}

func decodeTimestamp(e cqe, r retired, l *wcExLayout, rec []byte) {
	if !exBegin(e, r, rec) {
		return
	}
	opcode, out := exOpcode(e)
	binary.NativeEndian.PutUint64(l.slot(rec, WCExWithCompletionTimestamp), e.timestamp())
	exFinish(rec, opcode, out|WCExWithCompletionTimestamp)
}

// exStandardFields writes every standard field the entry carries into a
// layout that has slots for all of them, and returns out with their bits.
func exStandardFields(e cqe, r retired, l *wcExLayout, rec []byte, out WCExFlags) WCExFlags {
	ne := binary.NativeEndian
	ne.PutUint32(l.slot(rec, WCExWithQPNum), e.qpn())
	if e.isSend() {
		out |= WCExWithQPNum
		if n, ok := sendByteLen(e.opcode(), e); ok {
			ne.PutUint32(l.slot(rec, WCExWithByteLen), n)
			out |= WCExWithByteLen
		}
		return out
	}

	ne.PutUint32(l.slot(rec, WCExWithByteLen), e.byteCnt())
	if out&WCExImm != 0 {
		ne.PutUint32(l.slot(rec, WCExWithImm), e.immediate())
		out |= WCExWithImm
	}
	ne.PutUint32(l.slot(rec, WCExWithSrcQP), e.remoteQPN())
	ne.PutUint16(l.slot(rec, WCExWithPkeyIndex), e.pkeyIndex())
	ne.PutUint16(l.slot(rec, WCExWithSLID), e.rlid())
	l.slot(rec, WCExWithSL)[0] = e.sl(r.linkLayer())
	l.slot(rec, WCExWithDLIDPathBits)[0] = e.pathBits()
	return out | recvStandardValid
}
