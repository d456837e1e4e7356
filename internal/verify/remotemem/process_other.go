//go:build !linux

package remotemem

import "errors"

// ProcessReader is only functional on Linux.
type ProcessReader struct {
	pid int
}

// NewProcessReader returns a reader whose every Read faults.
func NewProcessReader(pid int) *ProcessReader {
	return &ProcessReader{pid: pid}
}

// Read always faults on this platform.
func (p *ProcessReader) Read(addr uint64, size int) ([]byte, error) {
	return nil, &Fault{Addr: addr, Size: size, Err: errors.ErrUnsupported}
}
