//go:build linux

package uring

import (
	"sync/atomic"

	"github.com/ehrlich-labs/ioqueue/internal/sys"
)

// getSQE returns the next available SQE, or nil if the queue is full.
// The returned SQE is zeroed and ready for use.
// NOT thread-safe; caller must hold sqLock.
func (r *Ring) getSQE() *sys.SQE {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail) + r.sqPending

	// Check if queue is full
	if tail-head >= r.sqEntries {
		return nil
	}

	idx := tail & r.sqMask
	sqe := &r.sqes[idx]
	sqe.Reset()

	// Update the SQ array to point to this SQE
	r.sqArray[idx] = uint32(idx)
	r.sqPending++

	return sqe
}

// GetSQE returns the next available SQE, or nil if the queue is full.
// Thread-safe.
func (r *Ring) GetSQE() *sys.SQE {
	r.sqLock.Lock()
	sqe := r.getSQE()
	r.sqLock.Unlock()
	return sqe
}

// bridgeRequest is the minimal view internal/uring needs of a
// ioqueue.Request to lower it onto a kernel SQE, without importing the
// root package (keeps the uring <- ioqueue dependency direction the
// teacher enforces between iouring and internal/sys).
type bridgeRequest interface {
	// IsWrite reports whether the opcode is Write/WriteV (as opposed
	// to Read/ReadV); the ring bridge always submits vectored ops, so
	// this is the only opcode distinction it needs to make (spec §4.3).
	IsWrite() bool
	FD() int
	IovecAddr() uintptr
	IovecCount() uint32
	Offset() int64
	UserData() uint64
}

// PrepFromRequest lowers req onto the next available SQE as a vectored
// READV or WRITEV, per spec §4.3: both non-vectored and vectored
// opcodes submit through the same path because the Request always
// carries at least one embedded iovec.
//
// Returns ErrSQFull if the ring has no free SQE.
func (r *Ring) PrepFromRequest(req bridgeRequest) error {
	r.sqLock.Lock()
	sqe := r.getSQE()
	if sqe == nil {
		r.sqLock.Unlock()
		return ErrSQFull
	}

	if req.IsWrite() {
		sqe.Opcode = uint8(sys.IORING_OP_WRITEV)
	} else {
		sqe.Opcode = uint8(sys.IORING_OP_READV)
	}
	sqe.Fd = int32(req.FD())
	sqe.Addr = uint64(req.IovecAddr())
	sqe.Len = req.IovecCount()
	sqe.Off = uint64(req.Offset())
	sqe.UserData = req.UserData()

	r.sqLock.Unlock()
	return nil
}
