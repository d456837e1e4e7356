//go:build linux

package remotemem

import (
	"encoding/binary"
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reading our own address space needs no extra privileges.
func TestProcessReader_ReadsSelf(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], 1234)
	binary.LittleEndian.PutUint64(buf[8:], 0xcafef00d)

	r := NewProcessReader(os.Getpid())
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))

	v, err := ReadInt32(r, addr)
	require.NoError(t, err)
	assert.Equal(t, int32(1234), v)

	p, err := ReadUint64(r, addr+8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xcafef00d), p)

	runtime.KeepAlive(buf)
}

func TestProcessReader_UnmappedFaults(t *testing.T) {
	r := NewProcessReader(os.Getpid())

	// The first page is never mapped in a Go process.
	_, err := r.Read(0x10, 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFault)
}

func TestProcessReader_VanishedProcessFaults(t *testing.T) {
	// PIDs are capped well below this on Linux.
	r := NewProcessReader(1 << 30)

	_, err := r.Read(0x1000, 8)
	assert.ErrorIs(t, err, ErrFault)
}
