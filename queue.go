//go:build linux

// Package ioqueue implements a single-threaded, user-level request
// queue over Linux's io_uring submission/completion ring interface. A
// caller keeps many read/write operations in flight against regular
// files or block devices, receives a per-request completion callback,
// and chooses between event-fd notification and device-side polling
// for NVMe-class latency.
//
// Exactly one goroutine may own a given Queue; see the package-level
// concurrency note on Queue.
package ioqueue

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-labs/ioqueue/internal/sys"
	"github.com/ehrlich-labs/ioqueue/internal/uring"
)

// config collects Queue construction options, mirroring the teacher's
// functional-option pattern (uring.Option / ring.go's With* family).
type config struct {
	usePolling bool
	ringOpts   []uring.Option
}

// Option configures a Queue at construction time.
type Option func(*config)

// WithPolling selects kernel-side I/O polling instead of event-fd
// notification. Only works against file descriptors that support
// polling (e.g. NVMe block devices opened with O_DIRECT).
func WithPolling() Option {
	return func(c *config) {
		c.usePolling = true
	}
}

// WithRingOptions passes additional options straight through to the
// underlying ring (e.g. uring.WithCQSize, uring.WithSingleIssuer),
// for callers that need to tune kernel ring setup directly.
func WithRingOptions(opts ...uring.Option) Option {
	return func(c *config) {
		c.ringOpts = append(c.ringOpts, opts...)
	}
}

// Queue owns a fixed-capacity kernel ring, a pending-request FIFO not
// yet handed to the kernel, and the bookkeeping needed to keep
// pending+in-flight within capacity (spec §3).
//
// A Queue is NOT safe for concurrent use. Exactly one goroutine may
// call Insert, Submit, SubmitN, Cancel, ProcessResponses, Close, or
// any observer at a time (spec §5). This is a deliberate departure
// from the teacher's Ring, which takes an internal mutex to allow
// concurrent submitters; the request-queue layer described by this
// spec is explicitly single-owner.
type Queue struct {
	capacity int

	pendingHead, pendingTail *Request
	pendingCount             int
	inFlightCount            int

	eventFD    int // -1 when polling
	usePolling bool

	ring *uring.Ring

	closed atomic.Bool
}

// New creates a Queue that can track up to capacity requests
// (pending + in-flight) at once. Returns ErrInvalid if capacity <= 0.
func New(capacity int, opts ...Option) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalid, capacity)
	}

	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ringOpts := cfg.ringOpts
	if cfg.usePolling {
		ringOpts = append(ringOpts, uring.WithIOPoll())
	}

	ring, err := uring.New(uint32(capacity), ringOpts...)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return nil, err
	}

	// The kernel accepting WithIOPoll at ring setup already confirms
	// polling-mode support (an unsupported flag combination fails
	// Setup outright); what Setup does NOT confirm is that READV/WRITEV
	// are implemented on this kernel, since every Request this package
	// produces lowers to one of those two opcodes (spec §4.3). Check
	// that now rather than discovering ENOSYS on the first completion.
	probe, err := ring.Probe()
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("%w: probing supported operations: %v", ErrResourceExhausted, err)
	}
	if !probe.SupportsOp(sys.IORING_OP_READV) || !probe.SupportsOp(sys.IORING_OP_WRITEV) {
		ring.Close()
		return nil, fmt.Errorf("%w: kernel does not support IORING_OP_READV/IORING_OP_WRITEV", ErrResourceExhausted)
	}

	q := &Queue{
		capacity:   capacity,
		eventFD:    -1,
		usePolling: cfg.usePolling,
		ring:       ring,
	}

	if !cfg.usePolling {
		efd, err := sys.NewEventfd()
		if err != nil {
			ring.Close()
			return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		if err := ring.RegisterEventfd(efd); err != nil {
			sys.CloseFd(efd)
			ring.Close()
			return nil, err
		}
		q.eventFD = efd
	}

	return q, nil
}

// Close tears down the queue's event notifier and kernel ring. It is a
// no-op if called more than once. The caller must have drained or
// cancelled all outstanding requests first — Close does not run
// callbacks (spec §4.2).
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}

	var firstErr error
	if q.eventFD >= 0 {
		if err := q.ring.UnregisterEventfd(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := sys.CloseFd(q.eventFD); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := q.ring.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Insert appends req to the pending FIFO. It does not submit anything
// to the kernel. Returns ErrFull if pending+in-flight already equals
// capacity, and ErrClosed if the queue has been closed.
func (q *Queue) Insert(req *Request) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if q.pendingCount+q.inFlightCount >= q.capacity {
		return ErrFull
	}

	req.next = nil
	if q.pendingTail == nil {
		q.pendingHead = req
	} else {
		q.pendingTail.next = req
	}
	q.pendingTail = req
	q.pendingCount++
	return nil
}

func (q *Queue) popPending() *Request {
	req := q.pendingHead
	if req == nil {
		return nil
	}
	q.pendingHead = req.next
	if q.pendingHead == nil {
		q.pendingTail = nil
	}
	req.next = nil
	return req
}

// Submit moves every currently pending request into the kernel
// submission ring (subject to ring capacity) and asks the kernel to
// submit them. See SubmitN for the detailed contract.
func (q *Queue) Submit() (int, error) {
	return q.submitN(q.pendingCount)
}

// SubmitN behaves like Submit but moves at most n pending requests.
func (q *Queue) SubmitN(n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: n must be non-negative, got %d", ErrInvalid, n)
	}
	if n > q.pendingCount {
		n = q.pendingCount
	}
	return q.submitN(n)
}

// submitN implements the algorithm of spec §4.2: acquire SQEs one by
// one, lowering each pending request to a vectored op, until the ring
// refuses further entries or n requests are covered; detach that
// prefix from the pending FIFO atomically (with respect to this
// single-threaded queue); ask the kernel to submit, retrying on
// transient busy; on fatal failure, cancel the detached batch via
// their callbacks instead of losing them.
func (q *Queue) submitN(n int) (int, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}

	var batch []*Request
	for len(batch) < n {
		req := q.pendingHead
		if req == nil {
			break
		}
		if err := q.ring.PrepFromRequest(req); err != nil {
			break // ring has no free SQE left; stop, don't detach req
		}
		q.popPending()
		batch = append(batch, req)
	}

	k := len(batch)
	if k == 0 {
		if q.usePolling && q.inFlightCount > 0 {
			if err := q.ring.GetEvents(); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}
	q.pendingCount -= k

	// ring.Submit retries the kernel enter call itself on transient
	// busy; by the time it returns, the batch is either fully handed
	// to the kernel or fatally failed.
	var submitErr error
	if _, err := q.ring.Submit(); err != nil {
		submitErr = fmt.Errorf("ioqueue: submit: %w", err)
	}

	if submitErr != nil {
		for _, req := range batch {
			fireCallback(req, submitErr)
		}
		return 0, submitErr
	}

	q.inFlightCount += k
	return k, nil
}

// Cancel invokes the callback of every currently pending (not yet
// submitted) request with ErrIO, clears the pending FIFO, and returns
// the number of cancelled requests. In-flight requests are untouched;
// the caller must keep draining them via ProcessResponses (spec §4.2).
func (q *Queue) Cancel() int {
	n := q.pendingCount
	for {
		req := q.popPending()
		if req == nil {
			break
		}
		fireCallback(req, ErrIO)
	}
	q.pendingCount = 0
	return n
}

// ProcessResponses drains available completions and invokes each
// request's callback exactly once. In event mode it first reads the
// event-fd counter and returns 0 immediately if it is zero; callers in
// event mode must gate calls to ProcessResponses behind a readiness
// check on EventFD (spec §5, §9) — this function does not do it for
// them. In polling mode it fetches whatever the kernel has already
// published.
func (q *Queue) ProcessResponses() (int, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}

	if !q.usePolling {
		count, err := sys.ReadEventfd(q.eventFD)
		if err != nil {
			return 0, err
		}
		if count == 0 {
			return 0, nil
		}
	}

	processed := q.ring.ForEachCQE(func(userData uint64, res int32, flags uint32) bool {
		req := requestFromUserData(userData)
		fireCallback(req, completionError(req, res))
		q.inFlightCount--
		return true
	})

	return processed, nil
}

// completionError maps a CQE result to the spec §4.2 error mapping:
// negative res is a kernel errno, a short transfer is ErrIO, and an
// exact match against the request's declared size is success.
func completionError(req *Request, res int32) error {
	if res < 0 {
		return unix.Errno(-res)
	}
	size, err := req.Size()
	if err != nil {
		return err
	}
	if uint32(res) == size {
		return nil
	}
	// TODO: resubmit short reads/writes with an adjusted offset/length
	// instead of failing outright (spec §9).
	return ErrIO
}

func fireCallback(req *Request, err error) {
	if req.callback != nil {
		req.callback(req, err, req.userData)
	}
}

// InFlightCount returns the number of requests submitted to the
// kernel whose completion has not yet been processed.
func (q *Queue) InFlightCount() int {
	return q.inFlightCount
}

// PendingCount returns the number of requests awaiting submission.
func (q *Queue) PendingCount() int {
	return q.pendingCount
}

// IsEmpty reports whether the queue has no pending and no in-flight
// requests.
func (q *Queue) IsEmpty() bool {
	return q.pendingCount == 0 && q.inFlightCount == 0
}

// IsFull reports whether pending+in-flight has reached capacity.
func (q *Queue) IsFull() bool {
	return q.pendingCount+q.inFlightCount >= q.capacity
}

// EventFD returns the event notifier file descriptor, or -1 in
// polling mode.
func (q *Queue) EventFD() int {
	return q.eventFD
}

// PollingEnabled reports whether the queue was constructed with
// WithPolling.
func (q *Queue) PollingEnabled() bool {
	return q.usePolling
}

// Capacity returns the maximum number of simultaneously tracked
// requests (pending + in-flight).
func (q *Queue) Capacity() int {
	return q.capacity
}
