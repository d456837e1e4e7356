// Package remotemem reads bytes out of a traced process's address space.
//
// The verifier never writes to target memory. Every read is bounded in size
// and a failed read is reported as a Fault, which callers treat as "this
// check is inconclusive" rather than as evidence of a broken invariant: the
// target may legitimately be unmapping or recycling the node mid-mutation.
//
// Two readers exist:
//
//   - ProcessReader reads the live target with process_vm_readv.
//   - Image is a sparse, in-memory address space. Probe snapshots (memory
//     captured in the kernel at the instant a probe fired) are Images, and
//     tests build list layouts in Images.
package remotemem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxRead bounds a single read. Node fields are at most 8 bytes wide; a
// larger request is a programming error, not a target fault.
const MaxRead = 4096

// ErrFault is matched by every read failure (errors.Is).
var ErrFault = errors.New("remotemem: address not readable")

// Fault describes an unreadable [Addr, Addr+Size) range.
type Fault struct {
	Addr uint64
	Size int
	Err  error // underlying cause, may be nil
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("remotemem: read %d bytes at 0x%x: %v", f.Size, f.Addr, f.Err)
	}
	return fmt.Sprintf("remotemem: read %d bytes at 0x%x: not readable", f.Size, f.Addr)
}

// Is reports ErrFault for every Fault.
func (f *Fault) Is(target error) bool { return target == ErrFault }

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.Err }

// Reader reads size bytes at addr in some address space.
//
// Implementations must be safe for concurrent use and must never panic on
// an invalid address: unreadable ranges return a *Fault.
type Reader interface {
	Read(addr uint64, size int) ([]byte, error)
}

// checkRange rejects requests no implementation should service.
func checkRange(addr uint64, size int) error {
	if addr == 0 {
		return &Fault{Addr: addr, Size: size, Err: errors.New("null address")}
	}
	if size <= 0 || size > MaxRead {
		return &Fault{Addr: addr, Size: size, Err: fmt.Errorf("size out of range (max %d)", MaxRead)}
	}
	if addr+uint64(size) < addr {
		return &Fault{Addr: addr, Size: size, Err: errors.New("range wraps address space")}
	}
	return nil
}

// ReadUint64 reads a little-endian 8-byte word (pointer fields).
func ReadUint64(r Reader, addr uint64) (uint64, error) {
	b, err := r.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt32 reads a little-endian 4-byte signed value (the node value field).
func ReadInt32(r Reader, addr uint64) (int32, error) {
	b, err := r.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}
