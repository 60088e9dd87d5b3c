//go:build linux

package uring

import (
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func skipIfNoIOURing(t *testing.T) {
	t.Helper()
	ring, err := New(4)
	if err != nil {
		if err == unix.ENOSYS {
			t.Skip("io_uring not supported on this kernel")
		}
		if err == unix.EPERM {
			t.Skip("io_uring blocked by seccomp or permissions")
		}
		t.Skipf("io_uring unavailable: %v", err)
	}
	ring.Close()
}

func TestNewRing(t *testing.T) {
	skipIfNoIOURing(t)

	tests := []struct {
		name    string
		entries uint32
		opts    []Option
		wantErr bool
	}{
		{"default_64", 64, nil, false},
		{"default_128", 128, nil, false},
		{"non_power_of_two", 100, nil, false}, // Kernel rounds up
		{"zero_entries", 0, nil, true},
		{"with_cqsize", 64, []Option{WithCQSize(256)}, false},
		{"with_single_issuer", 64, []Option{WithSingleIssuer()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring, err := New(tt.entries, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if ring != nil {
				if ring.Fd() < 0 {
					t.Error("ring fd should be valid")
				}
				if ring.SQEntries() == 0 {
					t.Error("SQ entries should be non-zero")
				}
				if ring.CQEntries() == 0 {
					t.Error("CQ entries should be non-zero")
				}
				ring.Close()
			}
		})
	}
}

func TestRingClose(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := ring.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := ring.Close(); err != nil {
		t.Errorf("second Close() should be a no-op, got error = %v", err)
	}
}

func TestRingEmptyQueueState(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(64)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer ring.Close()

	if ring.SQSpace() != ring.SQEntries() {
		t.Errorf("SQSpace() = %d, want %d (empty ring)", ring.SQSpace(), ring.SQEntries())
	}
	if ring.CQReady() != 0 {
		t.Errorf("CQReady() = %d, want 0 (empty ring)", ring.CQReady())
	}
}

// fakeRequest implements bridgeRequest against a plain in-memory iovec,
// standing in for ioqueue.Request so internal/uring can be exercised
// without importing the root package (which imports internal/uring).
type fakeRequest struct {
	write    bool
	fd       int
	iov      unix.Iovec
	offset   int64
	userData uint64
}

func (f *fakeRequest) IsWrite() bool      { return f.write }
func (f *fakeRequest) FD() int            { return f.fd }
func (f *fakeRequest) IovecAddr() uintptr { return uintptr(unsafe.Pointer(&f.iov)) }
func (f *fakeRequest) IovecCount() uint32 { return 1 }
func (f *fakeRequest) Offset() int64      { return f.offset }
func (f *fakeRequest) UserData() uint64   { return f.userData }

func TestPrepFromRequestReadWrite(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(8)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer ring.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "uring-test")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	payload := []byte("hello io_uring")
	if _, err := tmp.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len(payload))
	req := &fakeRequest{
		write:    false,
		fd:       int(tmp.Fd()),
		iov:      unix.Iovec{Base: &buf[0], Len: uint64(len(buf))},
		offset:   0,
		userData: 0xabcd,
	}

	if err := ring.PrepFromRequest(req); err != nil {
		t.Fatalf("PrepFromRequest: %v", err)
	}
	if _, err := ring.SubmitAndWait(1); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}

	userData, res, _, ok := ring.PeekCQE()
	if !ok {
		t.Fatal("expected a CQE after SubmitAndWait(1)")
	}
	ring.SeenCQE()

	if userData != 0xabcd {
		t.Errorf("userData = %#x, want %#x", userData, 0xabcd)
	}
	if res < 0 {
		t.Fatalf("read failed: res=%d (%v)", res, ResultError(res))
	}
	if int(res) != len(payload) {
		t.Errorf("short read: res=%d, want %d", res, len(payload))
	}
	if string(buf) != string(payload) {
		t.Errorf("buf = %q, want %q", buf, payload)
	}
}

func TestPrepFromRequestSQFull(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(2)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer ring.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "uring-test")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	buf := make([]byte, 8)
	entries := ring.SQEntries()
	var filled uint32
	for i := uint32(0); i < entries+4; i++ {
		req := &fakeRequest{
			write: false,
			fd:    int(tmp.Fd()),
			iov:   unix.Iovec{Base: &buf[0], Len: uint64(len(buf))},
		}
		if err := ring.PrepFromRequest(req); err != nil {
			if err == ErrSQFull {
				break
			}
			t.Fatalf("PrepFromRequest: %v", err)
		}
		filled++
	}
	if filled != entries {
		t.Errorf("filled %d SQEs before ErrSQFull, want %d", filled, entries)
	}
}
