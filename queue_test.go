//go:build linux

package ioqueue

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func skipIfNoIOURing(t *testing.T) {
	t.Helper()
	q, err := New(4)
	if err != nil {
		if err == unix.ENOSYS || err == unix.EPERM {
			t.Skipf("io_uring unavailable: %v", err)
		}
		t.Skipf("io_uring unavailable: %v", err)
	}
	q.Close()
}

func tempFileWithContent(t *testing.T, content []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ioqueue-test")
	require.NoError(t, err)
	if len(content) > 0 {
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	return f
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = New(-1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestScenario_EmptySubmit(t *testing.T) {
	skipIfNoIOURing(t)

	q, err := New(8)
	require.NoError(t, err)
	defer q.Close()

	n, err := q.Submit()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, q.IsEmpty())
	assert.NoError(t, q.Close())
}

func TestScenario_SingleSmallRead(t *testing.T) {
	skipIfNoIOURing(t)

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i)
	}
	f := tempFileWithContent(t, payload)
	defer f.Close()

	q, err := New(8)
	require.NoError(t, err)
	defer q.Close()

	buf := make([]byte, 16)
	var gotErr error
	done := false

	req := NewRequest()
	req.PrepRWBuf(OpRead, int(f.Fd()), buf, 0)
	req.SetCallback(func(r *Request, err error, userData any) {
		gotErr = err
		done = true
	})

	require.NoError(t, q.Insert(req))
	n, err := q.Submit()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.InFlightCount())

	waitForEventfd(t, q)
	_, err = q.ProcessResponses()
	require.NoError(t, err)

	assert.True(t, done)
	assert.NoError(t, gotErr)
	assert.Equal(t, payload, buf)
	assert.Equal(t, 0, q.InFlightCount())
}

func TestScenario_Copy100KiB(t *testing.T) {
	skipIfNoIOURing(t)

	const (
		totalSize = 100 * 1024
		blockSize = 32 * 1024
		capacity  = 64
	)

	src := make([]byte, totalSize)
	for i := range src {
		src[i] = byte(i % 251)
	}
	srcFile := tempFileWithContent(t, src)
	defer srcFile.Close()

	dstFile, err := os.CreateTemp(t.TempDir(), "ioqueue-dst")
	require.NoError(t, err)
	defer dstFile.Close()
	require.NoError(t, dstFile.Truncate(totalSize))

	q, err := New(capacity)
	require.NoError(t, err)
	defer q.Close()

	readOffset := int64(0)
	pendingReads := 0
	completedWrites := 0

	enqueueRead := func() bool {
		if readOffset >= totalSize || q.IsFull() {
			return false
		}
		n := int64(blockSize)
		if readOffset+n > totalSize {
			n = totalSize - readOffset
		}
		buf := make([]byte, n)
		req := NewRequest()
		req.PrepRWBuf(OpRead, int(srcFile.Fd()), buf, readOffset)
		offset := readOffset
		req.SetCallback(func(r *Request, err error, userData any) {
			require.NoError(t, err)
			wreq := NewRequest()
			wreq.PrepRWBuf(OpWrite, int(dstFile.Fd()), buf, offset)
			wreq.SetCallback(func(wr *Request, werr error, _ any) {
				require.NoError(t, werr)
				completedWrites++
			})
			require.NoError(t, q.Insert(wreq))
			pendingReads--
		})
		require.NoError(t, q.Insert(req))
		pendingReads++
		readOffset += n
		return true
	}

	for enqueueRead() {
	}
	_, err = q.Submit()
	require.NoError(t, err)

	for !q.IsEmpty() {
		for enqueueRead() {
		}
		if q.PendingCount() > 0 {
			_, err := q.Submit()
			require.NoError(t, err)
		}
		waitForEventfd(t, q)
		_, err := q.ProcessResponses()
		require.NoError(t, err)
	}

	got, err := os.ReadFile(dstFile.Name())
	require.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Equal(t, totalSize/blockSize+boolToInt(totalSize%blockSize != 0), completedWrites)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestScenario_CapacityBound(t *testing.T) {
	skipIfNoIOURing(t)

	const capacity = 4
	q, err := New(capacity)
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < capacity; i++ {
		req := NewRequest()
		req.PrepRWBuf(OpRead, 0, make([]byte, 1), 0)
		require.NoError(t, q.Insert(req))
	}

	assert.True(t, q.IsFull())
	assert.Equal(t, capacity, q.PendingCount())
	assert.Equal(t, 0, q.InFlightCount())

	overflow := NewRequest()
	overflow.PrepRWBuf(OpRead, 0, make([]byte, 1), 0)
	assert.ErrorIs(t, q.Insert(overflow), ErrFull)

	q.Cancel()
}

func TestScenario_CancelPending(t *testing.T) {
	skipIfNoIOURing(t)

	q, err := New(8)
	require.NoError(t, err)
	defer q.Close()

	var fired int
	var errs []error
	for i := 0; i < 4; i++ {
		req := NewRequest()
		req.PrepRWBuf(OpRead, 0, make([]byte, 1), 0)
		req.SetCallback(func(r *Request, err error, _ any) {
			fired++
			errs = append(errs, err)
		})
		require.NoError(t, q.Insert(req))
	}

	n := q.Cancel()
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, fired)
	assert.Equal(t, 0, q.PendingCount())
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrIO)
	}
}

func TestScenario_PollingLiveness(t *testing.T) {
	skipIfNoIOURing(t)

	f, err := os.CreateTemp(t.TempDir(), "ioqueue-poll")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(4096))

	q, err := New(8, WithPolling())
	if err != nil {
		t.Skipf("polling unsupported against this filesystem: %v", err)
	}
	defer q.Close()
	assert.True(t, q.PollingEnabled())
	assert.Equal(t, -1, q.EventFD())

	buf := []byte("polled write")
	done := false
	req := NewRequest()
	req.PrepRWBuf(OpWrite, int(f.Fd()), buf, 0)
	req.SetCallback(func(r *Request, err error, _ any) {
		done = true
	})
	require.NoError(t, q.Insert(req))

	_, err = q.Submit()
	require.NoError(t, err)

	for i := 0; i < 1000 && !done; i++ {
		_, err := q.Submit() // empty pending list, drives polling mode forward
		require.NoError(t, err)
		if _, err := q.ProcessResponses(); err != nil {
			t.Fatalf("ProcessResponses: %v", err)
		}
	}
	assert.True(t, done, "polling write never completed")
}

func TestInvariant_CapacityNeverExceeded(t *testing.T) {
	skipIfNoIOURing(t)

	const capacity = 4
	q, err := New(capacity)
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < capacity+2; i++ {
		req := NewRequest()
		req.PrepRWBuf(OpRead, 0, make([]byte, 1), 0)
		full := q.PendingCount()+q.InFlightCount() >= capacity
		err := q.Insert(req)
		if full {
			assert.ErrorIs(t, err, ErrFull)
		}
		assert.LessOrEqual(t, q.PendingCount()+q.InFlightCount(), capacity)
	}
	q.Cancel()
}

func TestInvariant_IsEmpty(t *testing.T) {
	skipIfNoIOURing(t)

	q, err := New(4)
	require.NoError(t, err)
	defer q.Close()

	assert.True(t, q.IsEmpty())

	req := NewRequest()
	req.PrepRWBuf(OpRead, 0, make([]byte, 1), 0)
	require.NoError(t, q.Insert(req))
	assert.False(t, q.IsEmpty())

	q.Cancel()
	assert.True(t, q.IsEmpty())
}

func TestInvariant_FIFOOrderWithinSubmitBurst(t *testing.T) {
	skipIfNoIOURing(t)

	f, err := os.CreateTemp(t.TempDir(), "ioqueue-fifo")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(64))

	q, err := New(8)
	require.NoError(t, err)
	defer q.Close()

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		req := NewRequest()
		req.PrepRWBuf(OpWrite, int(f.Fd()), []byte{byte(i + 1)}, int64(i))
		req.SetCallback(func(r *Request, err error, _ any) {
			require.NoError(t, err)
			order = append(order, i)
		})
		require.NoError(t, q.Insert(req))
	}

	drain := func() {
		for q.InFlightCount() > 0 {
			waitForEventfd(t, q)
			_, err := q.ProcessResponses()
			require.NoError(t, err)
		}
	}

	// A burst of two takes the two oldest requests (offsets 0 and 1);
	// completion order within the burst is whatever the kernel delivers,
	// so order is checked through which offsets were written.
	n, err := q.SubmitN(2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	drain()
	got := make([]byte, 4)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 0, 0}, got)

	n, err = q.Submit()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	drain()
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
	assert.Len(t, order, 4)
}

// waitForEventfd blocks until the queue's event notifier is readable,
// or returns immediately in polling mode. Mirrors the readiness-gating
// pattern cmd/ioqueue-copy uses against a real event loop.
func waitForEventfd(t *testing.T, q *Queue) {
	t.Helper()
	if q.PollingEnabled() {
		return
	}
	fds := []unix.PollFd{{Fd: int32(q.EventFD()), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 1000)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		if n > 0 {
			return
		}
		t.Fatal("timed out waiting for event notifier")
	}
}
