package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kolkov/listverifier/internal/verify/monitor"
	"github.com/kolkov/listverifier/internal/verify/remotemem"
	"github.com/kolkov/listverifier/internal/verify/timing"
)

// maxCells must match MAX_CELLS in listprobe.bpf.c.
const maxCells = 48

// rawCell is one memory word captured by a probe.
type rawCell struct {
	Addr uint64
	Word uint64
	Size uint32
	OK   uint32
}

// rawEvent is the ring buffer record layout (struct event in the BPF
// program), little endian, no padding.
type rawEvent struct {
	PidTgid uint64
	Ktime   uint64
	Site    uint32
	NCells  uint32
	Args    [3]uint64
	Ret     uint64
	Cells   [maxCells]rawCell
}

// RecordSize is the encoded size of one event.
var RecordSize = binary.Size(rawEvent{})

var (
	// ErrShortRecord is returned by Decode for a truncated record.
	ErrShortRecord = errors.New("probe: short record")
	// ErrBadSite is returned by Decode for a site the verifier does not handle.
	ErrBadSite = errors.New("probe: bad site")
)

// Decode turns one ring buffer record into a monitor event. The captured
// cells become the event's memory snapshot; cells whose read failed in the
// kernel are left unmapped so reading them faults.
func Decode(raw []byte) (monitor.Event, error) {
	if len(raw) < RecordSize {
		return monitor.Event{}, fmt.Errorf("%w: %d < %d bytes", ErrShortRecord, len(raw), RecordSize)
	}

	var re rawEvent
	if err := binary.Read(bytes.NewReader(raw[:RecordSize]), binary.LittleEndian, &re); err != nil {
		return monitor.Event{}, fmt.Errorf("decode record: %w", err)
	}
	if re.Site >= uint32(timing.SiteTraversal) {
		return monitor.Event{}, fmt.Errorf("%w: %d", ErrBadSite, re.Site)
	}

	img := remotemem.NewImage()
	n := min(int(re.NCells), maxCells)
	var buf [8]byte
	for _, c := range re.Cells[:n] {
		if c.OK == 0 || (c.Size != 4 && c.Size != 8) {
			continue
		}
		binary.LittleEndian.PutUint64(buf[:], c.Word)
		img.Map(c.Addr, buf[:c.Size])
	}

	return monitor.Event{
		Site:  timing.Site(re.Site),
		PID:   uint32(re.PidTgid >> 32),
		TID:   uint32(re.PidTgid),
		Args:  re.Args,
		Ret:   re.Ret,
		Ktime: re.Ktime,
		Mem:   img,
	}, nil
}
