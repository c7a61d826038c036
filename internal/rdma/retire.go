package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// retired is what the consumer learns about an entry once its WQE is retired.
type retired struct {
	wrid   uint64
	qp     *QP // nil for entries resolved through an XRC SRQ
	status WCStatus
	vendor uint32
}

// linkLayer is the link layer the entry's SL is decoded for. XRC SRQ
// entries have no QP and decode as InfiniBand.
func (r retired) linkLayer() LinkLayer {
	if r.qp == nil {
		return LinkLayerUnspecified
	}
	return r.qp.linkLayer
}

// retire resolves the queue that owns e and retires the WQE it names.
// It is called with the CQ lock held, after the consumer index has moved
// past e. cur caches the last QP resolved within one poll batch. A lookup
// miss returns ErrPollFailed.
func (cq *CQ) retire(e cqe, cur **QP) (retired, error) {
	var (
		r   retired
		srq *SRQ
	)
	qpn := e.qpn()
	isSend := e.isSend()

	if e.isXRC() && !isSend {
		srqn := e.remoteQPN()
		srq = cq.resolver.FindSRQ(srqn)
		if srq == nil {
			return r, fmt.Errorf("%w: cq 0x%x has no XRC SRQ 0x%x", ErrPollFailed, cq.num, srqn)
		}
	} else {
		if *cur == nil || (*cur).Num != qpn {
			qp := cq.resolver.FindQP(qpn)
			if qp == nil {
				return r, fmt.Errorf("%w: cq 0x%x has no QP 0x%x", ErrPollFailed, cq.num, qpn)
			}
			*cur = qp
		}
		r.qp = *cur
		srq = r.qp.SRQ
	}

	switch {
	case isSend:
		r.wrid = r.qp.SQ.retireTo(e.wqeIndex())
	case srq != nil:
		r.wrid = srq.retire(e.wqeIndex())
	default:
		r.wrid = r.qp.RQ.retireNext()
	}

	if e.isError() {
		r.status = e.syndrome().Status()
		r.vendor = uint32(e.vendorErr())
		if r.status == WCLocQPOpErr {
			log.Warn().
				Str("cq", fmt.Sprintf("0x%x", cq.num)).
				Str("qpn", fmt.Sprintf("0x%x", qpn)).
				Uint16("wqe_index", e.wqeIndex()).
				Uint32("vendor_err", r.vendor).
				Msg("Local QP operation error")
		}
	}
	return r, nil
}
