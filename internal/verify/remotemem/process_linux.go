//go:build linux

package remotemem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessReader reads the live memory of another process with
// process_vm_readv(2). It needs the same privileges as ptrace attach.
//
// Reads are copies taken at call time; nothing stops the target from
// mutating the range immediately afterwards.
type ProcessReader struct {
	pid int
}

// NewProcessReader returns a reader for pid. No syscall is made until Read.
func NewProcessReader(pid int) *ProcessReader {
	return &ProcessReader{pid: pid}
}

// Read implements Reader. Unmapped ranges, a vanished process and short
// reads all come back as *Fault.
func (p *ProcessReader) Read(addr uint64, size int) ([]byte, error) {
	if err := checkRange(addr, size); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(size)
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}

	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return nil, &Fault{Addr: addr, Size: size, Err: err}
	}
	if n != size {
		return nil, &Fault{Addr: addr, Size: size, Err: fmt.Errorf("short read: %d of %d bytes", n, size)}
	}
	return buf, nil
}
