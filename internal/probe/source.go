package probe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
)

// ErrClosed is returned by EventSource.Read after Close.
var ErrClosed = errors.New("probe: event source closed")

// EventSource yields raw probe records.
type EventSource interface {
	// Read blocks until a record is available. It returns ErrClosed once
	// the source has been closed, including when Close interrupts it.
	Read() ([]byte, error)
	Close() error
}

// RingSource reads the "events" ring buffer of a loaded collection.
type RingSource struct {
	rd   *ringbuf.Reader
	once sync.Once
	err  error
}

// NewRingSource opens the collection's event ring buffer.
func NewRingSource(coll *ebpf.Collection) (*RingSource, error) {
	m := coll.Maps["events"]
	if m == nil {
		return nil, errors.New("probe: events map not found in object")
	}
	return newRingSource(m)
}

func newRingSource(m *ebpf.Map) (*RingSource, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("open ring buffer: %w", err)
	}
	return &RingSource{rd: rd}, nil
}

// Read returns the next record.
func (s *RingSource) Read() ([]byte, error) {
	rec, err := s.rd.Read()
	if errors.Is(err, ringbuf.ErrClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("read ring buffer: %w", err)
	}
	return rec.RawSample, nil
}

// Close unblocks pending reads. Safe to call more than once.
func (s *RingSource) Close() error {
	s.once.Do(func() { s.err = s.rd.Close() })
	return s.err
}
