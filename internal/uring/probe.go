//go:build linux

package uring

import (
	"github.com/ehrlich-labs/ioqueue/internal/sys"
)

// Probe reports which io_uring opcodes the running kernel supports.
type Probe struct {
	probe sys.Probe
}

// Probe queries the kernel for supported operations.
func (r *Ring) Probe() (*Probe, error) {
	p := &Probe{}
	if err := sys.RegisterProbe(r.fd, &p.probe); err != nil {
		return nil, err
	}
	return p, nil
}

// SupportsOp returns true if the kernel supports the given operation.
func (p *Probe) SupportsOp(op sys.Op) bool {
	if uint8(op) > p.probe.LastOp {
		return false
	}
	return p.probe.Ops[op].Flags&sys.IO_URING_OP_SUPPORTED != 0
}
