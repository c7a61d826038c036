package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Clean removes every pending entry that belongs to QP qpn, or to srq when
// srq is an XRC SRQ, compacting the survivors toward the producer end.
// Receive entries it drops give their SRQ slot back to srq.
func (cq *CQ) Clean(qpn uint32, srq *SRQ) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.clean(qpn, srq)
}

// clean is Clean with the CQ lock held. It returns the number of entries dropped.
func (cq *CQ) clean(qpn uint32, srq *SRQ) int {
	r := cq.ring
	mask := r.mask()

	// Entries the device adds after this scan cannot belong to qpn: the QP
	// is already out of service.
	prod := cq.consIndex
	for r.IsSoftwareOwned(prod) {
		if prod == cq.consIndex+mask {
			break
		}
		prod++
	}

	nfreed := uint32(0)
	for prod--; int32(prod-cq.consIndex) >= 0; prod-- {
		e := r.entry(prod)
		isRecv := !e.isSend()
		switch {
		case srq != nil && srq.XRC && isRecv && e.remoteQPN() == srq.Num:
			srq.FreeWQE(e.wqeIndex())
			nfreed++
		case e.qpn() == qpn:
			if srq != nil && isRecv {
				srq.FreeWQE(e.wqeIndex())
			}
			nfreed++
		case nfreed > 0:
			dst := prod + nfreed
			owner := r.loadTail(dst)[3] & cqeOwnerMask
			r.copySlot(dst, r, prod, owner)
		}
	}

	if nfreed > 0 {
		cq.consIndex += nfreed
		// copySlot stored every moved entry before this release
		cq.publish()
		log.Debug().
			Str("cq", fmt.Sprintf("0x%x", cq.num)).
			Str("qpn", fmt.Sprintf("0x%x", qpn)).
			Uint32("dropped", nfreed).
			Msg("Cleaned completion queue")
	}
	return int(nfreed)
}

// LockCQs takes the locks of a QP's send and receive CQs in ascending CQ
// number order. The same CQ is locked once.
func LockCQs(send, recv *CQ) {
	switch {
	case send == recv:
		send.mu.Lock()
	case send.num < recv.num:
		send.mu.Lock()
		recv.mu.Lock()
	default:
		recv.mu.Lock()
		send.mu.Lock()
	}
}

// UnlockCQs releases the locks taken by LockCQs in the reverse order.
func UnlockCQs(send, recv *CQ) {
	switch {
	case send == recv:
		send.mu.Unlock()
	case send.num < recv.num:
		recv.mu.Unlock()
		send.mu.Unlock()
	default:
		send.mu.Unlock()
		recv.mu.Unlock()
	}
}

// cleanQPLocked drops qp's entries from both of its CQs. Both CQ locks must be held.
func cleanQPLocked(qp *QP) int {
	n := qp.RecvCQ.clean(qp.Num, qp.SRQ)
	if qp.SendCQ != qp.RecvCQ {
		n += qp.SendCQ.clean(qp.Num, nil)
	}
	return n
}

// CleanQP drops every pending entry of qp from its send and receive CQs
// with both locks held.
func CleanQP(qp *QP) int {
	LockCQs(qp.SendCQ, qp.RecvCQ)
	defer UnlockCQs(qp.SendCQ, qp.RecvCQ)
	return cleanQPLocked(qp)
}

// ResetQP is CleanQP followed by rewinding the work queues, as happens when
// the QP moves to the reset state.
func ResetQP(qp *QP) int {
	LockCQs(qp.SendCQ, qp.RecvCQ)
	defer UnlockCQs(qp.SendCQ, qp.RecvCQ)

	n := cleanQPLocked(qp)
	qp.resetQueues()
	return n
}
