package rdma

import "errors"

var (
	// ErrPollFailed is returned when a CQE names a QP or SRQ that cannot be resolved.
	// The offending entry is consumed and the consumer index is published.
	ErrPollFailed = errors.New("cq poll failed: unresolvable queue")
	// ErrInvalidCQSize is returned for a CQ size above MaxCQEntries or below 1.
	ErrInvalidCQSize = errors.New("invalid cq size")
	// ErrInvalidEntrySize is returned for a CQE size other than 32 or 64 bytes.
	ErrInvalidEntrySize = errors.New("invalid cqe size")
	// ErrInvalidArgument is returned for malformed poll or queue parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBufferTooSmall is returned when the output buffer cannot hold one record.
	ErrBufferTooSmall = errors.New("completion buffer too small")
	// ErrWorkQueueFull is returned when posting to a full work queue or SRQ.
	ErrWorkQueueFull = errors.New("work queue full")
)
