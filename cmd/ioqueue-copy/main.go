// Command ioqueue-copy demonstrates driving an ioqueue.Queue through a
// full read-then-write round trip: it is an external collaborator, not
// part of the core library, and is the only place in this repository
// that depends on a CLI framework.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-labs/ioqueue"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var capacity int
	var blockSize int
	var poll bool

	cmd := &cobra.Command{
		Use:   "ioqueue-copy <src> <dst>",
		Short: "Copy a file using an ioqueue read/write pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCopy(args[0], args[1], capacity, blockSize, poll)
		},
	}

	cmd.Flags().IntVar(&capacity, "capacity", 64, "maximum pending plus in-flight requests")
	cmd.Flags().IntVar(&blockSize, "block-size", 32*1024, "read/write block size in bytes")
	cmd.Flags().BoolVar(&poll, "poll", false, "use kernel-side I/O polling instead of event-fd notification")

	return cmd
}

func runCopy(src, dst string, capacity, blockSize int, poll bool) error {
	srcFile, err := os.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("stat src: %w", err)
	}
	size := info.Size()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open dst: %w", err)
	}
	defer dstFile.Close()
	if err := dstFile.Truncate(size); err != nil {
		return fmt.Errorf("truncate dst: %w", err)
	}

	var opts []ioqueue.Option
	if poll {
		opts = append(opts, ioqueue.WithPolling())
	}
	q, err := ioqueue.New(capacity, opts...)
	if err != nil {
		return fmt.Errorf("new queue: %w", err)
	}
	defer q.Close()

	c := &copier{
		q:         q,
		srcFD:     int(srcFile.Fd()),
		dstFD:     int(dstFile.Fd()),
		blockSize: int64(blockSize),
		size:      size,
	}

	for !q.IsEmpty() || c.readOffset < c.size {
		for c.readOffset < c.size && !q.IsFull() {
			c.enqueueRead()
		}
		if q.PendingCount() > 0 {
			if _, err := q.Submit(); err != nil {
				return fmt.Errorf("submit: %w", err)
			}
		}
		if err := c.waitAndProcess(); err != nil {
			return err
		}
		if c.failed != nil {
			return c.failed
		}
	}

	return nil
}

// copier holds the bookkeeping for chaining write requests off of read
// completions, the pattern the core spec.md §8 scenario 3 describes.
type copier struct {
	q         *ioqueue.Queue
	srcFD     int
	dstFD     int
	blockSize int64
	size      int64

	readOffset int64
	failed     error
}

func (c *copier) enqueueRead() {
	n := c.blockSize
	if c.readOffset+n > c.size {
		n = c.size - c.readOffset
	}
	buf := make([]byte, n)
	offset := c.readOffset

	req := ioqueue.NewRequest()
	req.PrepRWBuf(ioqueue.OpRead, c.srcFD, buf, offset)
	req.SetCallback(func(r *ioqueue.Request, err error, _ any) {
		if err != nil {
			c.failed = fmt.Errorf("read at %d: %w", offset, err)
			return
		}
		c.enqueueWrite(buf, offset)
	})

	if err := c.q.Insert(req); err != nil {
		c.failed = fmt.Errorf("insert read: %w", err)
		return
	}
	c.readOffset += n
}

func (c *copier) enqueueWrite(buf []byte, offset int64) {
	req := ioqueue.NewRequest()
	req.PrepRWBuf(ioqueue.OpWrite, c.dstFD, buf, offset)
	req.SetCallback(func(r *ioqueue.Request, err error, _ any) {
		if err != nil {
			c.failed = fmt.Errorf("write at %d: %w", offset, err)
		}
	})
	if err := c.q.Insert(req); err != nil {
		c.failed = fmt.Errorf("insert write: %w", err)
	}
}

// waitAndProcess is the readiness-gating pattern spec.md §9 requires of
// event-mode callers: block on the event fd's readability with
// unix.Poll before calling ProcessResponses, so the unconditional
// eventfd read inside it never blocks. In polling mode it drives the
// kernel forward with an empty Submit instead.
func (c *copier) waitAndProcess() error {
	if c.q.PollingEnabled() {
		if _, err := c.q.Submit(); err != nil {
			return fmt.Errorf("submit (poll drive): %w", err)
		}
	} else {
		fds := []unix.PollFd{{Fd: int32(c.q.EventFD()), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(fds, -1)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return fmt.Errorf("poll event fd: %w", err)
			}
			if n > 0 {
				break
			}
		}
	}

	if _, err := c.q.ProcessResponses(); err != nil {
		return fmt.Errorf("process responses: %w", err)
	}
	return nil
}
