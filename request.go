//go:build linux

package ioqueue

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcode identifies the kind of operation a Request describes.
// All four lower onto vectored kernel submissions (spec §4.3); the
// vectored/non-vectored split matters to Address, Size and the iovec
// count handed to the ring.
type Opcode int

const (
	OpRead Opcode = iota
	OpWrite
	OpReadV
	OpWriteV
)

// String returns a short display name for the opcode.
func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpReadV:
		return "readv"
	case OpWriteV:
		return "writev"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

func (o Opcode) isVectored() bool {
	return o == OpReadV || o == OpWriteV
}

func (o Opcode) isWrite() bool {
	return o == OpWrite || o == OpWriteV
}

// Callback is invoked exactly once per submitted Request, with the
// completion error (nil on success) and the opaque userData passed to
// SetUserData. err is either nil, one of the package sentinel errors,
// or a passed-through kernel errno (spec §7).
type Callback func(req *Request, err error, userData any)

// Request describes one read/write or vectored read/write operation
// against a file descriptor. A Request is owned by the Queue from the
// moment it is Inserted until its Callback returns (spec §3 invariant);
// the caller must not mutate or reuse it during that window.
type Request struct {
	opcode Opcode
	fd     int

	iov    unix.Iovec   // embedded single iovec, used directly by Read/Write
	iovecs []unix.Iovec // caller-owned array, used by ReadV/WriteV

	offset int64

	callback Callback
	userData any

	// next is the intrusive pending-FIFO hook (spec §9: "the list link
	// lives inside the Request so that insert allocates nothing").
	next *Request
}

// NewRequest allocates an unconfigured Request. Call PrepRW, PrepRWBuf,
// or PrepRWV before inserting it into a Queue.
func NewRequest() *Request {
	return &Request{}
}

// PrepRW configures a non-vectored Read or Write request from a raw
// address and length, matching the spec's C-shaped prep_rw exactly.
func (r *Request) PrepRW(opcode Opcode, fd int, addr uintptr, length uint32, offset int64) {
	if opcode != OpRead && opcode != OpWrite {
		panic("ioqueue: PrepRW requires OpRead or OpWrite")
	}
	r.opcode = opcode
	r.fd = fd
	r.iov = unix.Iovec{Base: (*byte)(unsafe.Pointer(addr)), Len: uint64(length)}
	r.iovecs = nil
	r.offset = offset
}

// PrepRWBuf configures a non-vectored Read or Write request from a Go
// byte slice. This is ergonomics over PrepRW: Go callers hold a
// []byte, not a bare address+length pair.
func (r *Request) PrepRWBuf(opcode Opcode, fd int, buf []byte, offset int64) {
	var addr uintptr
	if len(buf) > 0 {
		addr = uintptr(unsafe.Pointer(&buf[0]))
	}
	r.PrepRW(opcode, fd, addr, uint32(len(buf)), offset)
}

// PrepRWV configures a vectored ReadV or WriteV request. iovecs must
// remain valid and unmodified until the completion callback fires.
func (r *Request) PrepRWV(opcode Opcode, fd int, iovecs []unix.Iovec, offset int64) {
	if opcode != OpReadV && opcode != OpWriteV {
		panic("ioqueue: PrepRWV requires OpReadV or OpWriteV")
	}
	r.opcode = opcode
	r.fd = fd
	r.iovecs = iovecs
	r.offset = offset
}

// SetCallback sets the completion callback.
func (r *Request) SetCallback(cb Callback) {
	r.callback = cb
}

// SetUserData sets the opaque value passed through to the callback.
func (r *Request) SetUserData(v any) {
	r.userData = v
}

// Opcode returns the request's opcode.
func (r *Request) Opcode() Opcode {
	return r.opcode
}

// FD returns the request's target file descriptor.
func (r *Request) FD() int {
	return r.fd
}

// Address returns the iovec base address: for Read/Write this is the
// caller's buffer held in the embedded iovec; for ReadV/WriteV it is
// the address of the caller-supplied iovec array.
// Valid for any of the four opcodes (spec §4.1).
func (r *Request) Address() uintptr {
	if r.opcode.isVectored() {
		if len(r.iovecs) == 0 {
			return 0
		}
		return uintptr(unsafe.Pointer(&r.iovecs[0]))
	}
	return uintptr(unsafe.Pointer(r.iov.Base))
}

// Offset returns the request's file offset.
func (r *Request) Offset() int64 {
	return r.offset
}

// Size returns the total byte length of the request: the embedded
// iovec's length for Read/Write, or the sum of iovec lengths for
// ReadV/WriteV. Returns ErrInvalid if a vectored request has a
// zero-length element, per spec §4.1's invariant on iovec elements.
func (r *Request) Size() (uint32, error) {
	if !r.opcode.isVectored() {
		return uint32(r.iov.Len), nil
	}
	var total uint64
	for _, iov := range r.iovecs {
		if iov.Len == 0 {
			return 0, fmt.Errorf("ioqueue: %w: zero-length iovec element", ErrInvalid)
		}
		total += iov.Len
	}
	return uint32(total), nil
}

// bridgeRequest satisfaction — matched structurally against
// internal/uring's unexported bridgeRequest interface.

func (r *Request) IsWrite() bool {
	return r.opcode.isWrite()
}

func (r *Request) IovecAddr() uintptr {
	if r.opcode.isVectored() {
		return r.Address()
	}
	return uintptr(unsafe.Pointer(&r.iov))
}

func (r *Request) IovecCount() uint32 {
	if r.opcode.isVectored() {
		return uint32(len(r.iovecs))
	}
	return 1
}

func (r *Request) UserData() uint64 {
	return uint64(uintptr(unsafe.Pointer(r)))
}

// requestFromUserData recovers the *Request pinned at submission time
// from the uint64 user-data carried on a completion entry (spec §9:
// "the kernel's user-data field stores the Request's address").
func requestFromUserData(userData uint64) *Request {
	return (*Request)(unsafe.Pointer(uintptr(userData)))
}
