package monitor

import (
	"fmt"

	"github.com/kolkov/listverifier/internal/verify/remotemem"
	"github.com/kolkov/listverifier/internal/verify/timing"
)

// Argument registers, in System V AMD64 order.
const (
	ArgHeadAddress = 0 // Node** head (insert, delete)
	ArgValue       = 1 // int value (insert, delete)

	ArgPredecessor = 0 // delete-info hook: void *pred
	ArgTarget      = 1 // delete-info hook: void *target
	ArgSuccessor   = 2 // delete-info hook: void *succ
)

// Event is one probe hit in the target.
type Event struct {
	Site timing.Site
	PID  uint32
	TID  uint32

	// Args holds the first three integer argument registers at entry
	// sites. Return sites carry Ret instead.
	Args [3]uint64
	Ret  uint64

	// Ktime is the kernel monotonic timestamp of the hit, in ns.
	Ktime uint64

	// Mem is target memory as it was when the probe fired. Only the cells
	// the probe captured are mapped; every other read faults.
	Mem remotemem.Reader
}

// HeadAddress is the Node** argument of insert and delete.
func (e Event) HeadAddress() uint64 { return e.Args[ArgHeadAddress] }

// Value is the int argument of insert and delete, truncated to 32 bits
// the way the callee sees it.
func (e Event) Value() int32 { return int32(uint32(e.Args[ArgValue])) }

// ReturnStatus is the int return value.
func (e Event) ReturnStatus() int32 { return int32(uint32(e.Ret)) }

func (e Event) String() string {
	return fmt.Sprintf("%s pid=%d tid=%d", e.Site, e.PID, e.TID)
}
