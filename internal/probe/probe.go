// Package probe installs the verifier's uprobes in a target binary and
// delivers the events they emit.
//
// The BPF object (bpf/listprobe.bpf.c) holds one program per probe site.
// Load reads the compiled object, writes the node layout into it and loads
// it into the kernel; Attach installs the programs named by a probe map at
// symbols or raw code offsets of the target. Attachment is best effort: a
// missing symbol skips that probe and leaves the others installed.
package probe

//go:generate clang -O2 -g -Wall -target bpf -D__TARGET_ARCH_x86 -I/usr/include/x86_64-linux-gnu -c ../../bpf/listprobe.bpf.c -o ../../bpf/listprobe.bpf.o

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/kolkov/listverifier/internal/verify/layout"
	"github.com/kolkov/listverifier/internal/verify/timing"
)

// MaxScanDepth is the deepest predecessor scan the BPF program unrolls.
const MaxScanDepth = 16

var (
	// ErrNoProbes is returned by Attach when no probe could be installed.
	ErrNoProbes = errors.New("probe: no probes attached")

	// ErrUnknownProbe is returned for a logical probe name without a program.
	ErrUnknownProbe = errors.New("probe: unknown probe name")
)

// Logical probe names accepted in a probe map.
const (
	InsertEntry  = "insert-entry"
	InsertReturn = "insert-return"
	DeleteEntry  = "delete-entry"
	DeleteReturn = "delete-return"
	DeleteInfo   = "delete-info"
	SearchEntry  = "search-entry"
)

// siteProgram ties a logical probe to its BPF program.
type siteProgram struct {
	site    timing.Site
	program string
	ret     bool // uretprobe
}

var programs = map[string]siteProgram{
	InsertEntry:  {timing.SiteInsertEntry, "insert_entry", false},
	InsertReturn: {timing.SiteInsertReturn, "insert_return", true},
	DeleteEntry:  {timing.SiteDeleteEntry, "delete_entry", false},
	DeleteInfo:   {timing.SiteDeleteInfo, "delete_info", false},
	DeleteReturn: {timing.SiteDeleteReturn, "delete_return", true},
	SearchEntry:  {timing.SiteSearchEntry, "search_entry", false},
}

// Names returns the logical probe names, sorted.
func Names() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Location is where a probe is installed: a symbol, or a raw code offset
// into the binary when the interesting point is not a function boundary.
// Offset wins when both are set.
type Location struct {
	Symbol string `yaml:"symbol,omitempty"`
	Offset uint64 `yaml:"offset,omitempty"`
}

func (l Location) String() string {
	if l.Offset != 0 {
		return fmt.Sprintf("%#x", l.Offset)
	}
	return l.Symbol
}

// Validate checks a probe map against the known names.
func Validate(probes map[string]Location) error {
	for name, loc := range probes {
		if _, ok := programs[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProbe, name)
		}
		if loc.Symbol == "" && loc.Offset == 0 {
			return fmt.Errorf("probe %q: needs a symbol or an offset", name)
		}
	}
	return nil
}

// Load loads the BPF object at path with the node layout and scan depth
// compiled in.
func Load(path string, l layout.Layout, depth int) (*ebpf.Collection, error) {
	if depth < 0 || depth > MaxScanDepth {
		return nil, fmt.Errorf("probe: scan depth %d outside [0,%d]", depth, MaxScanDepth)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load collection spec: %w", err)
	}
	err = spec.RewriteConstants(map[string]interface{}{
		"value_offset": uint32(l.ValueOffset),
		"next_offset":  uint32(l.NextOffset),
		"scan_depth":   uint32(depth),
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite layout constants: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return coll, nil
}

// Target is the binary to probe. PID restricts the probes to one process;
// zero probes every process running the binary.
type Target struct {
	Path string
	PID  int
}

// Attachment is a set of installed probes.
type Attachment struct {
	links     []link.Link
	installed []string
}

// Installed lists the logical names of the probes that were attached.
func (a *Attachment) Installed() []string {
	return append([]string(nil), a.installed...)
}

// Close detaches every probe.
func (a *Attachment) Close() error {
	var errs []error
	for _, l := range a.links {
		errs = append(errs, l.Close())
	}
	a.links = nil
	return errors.Join(errs...)
}

// Attach installs the programs of coll named in probes on target.
// Probes that cannot be installed are logged and skipped; ErrNoProbes is
// returned only when none could be.
func Attach(coll *ebpf.Collection, target Target, probes map[string]Location, logger *slog.Logger) (*Attachment, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := Validate(probes); err != nil {
		return nil, err
	}

	ex, err := link.OpenExecutable(target.Path)
	if err != nil {
		return nil, fmt.Errorf("open executable %s: %w", target.Path, err)
	}

	att := &Attachment{}
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		loc := probes[name]
		sp := programs[name]
		prog := coll.Programs[sp.program]
		if prog == nil {
			logger.Warn("probe program missing from object", "probe", name, "program", sp.program)
			continue
		}

		symbol := loc.Symbol
		opts := &link.UprobeOptions{PID: target.PID}
		if loc.Offset != 0 {
			opts.Address = loc.Offset
			if symbol == "" {
				symbol = sp.program
			}
		}

		var l link.Link
		if sp.ret {
			l, err = ex.Uretprobe(symbol, prog, opts)
		} else {
			l, err = ex.Uprobe(symbol, prog, opts)
		}
		switch {
		case errors.Is(err, link.ErrNoSymbol):
			logger.Debug("probe symbol not found, skipped", "probe", name, "at", loc)
			continue
		case err != nil:
			logger.Warn("probe not attached", "probe", name, "at", loc, "error", err)
			continue
		}
		att.links = append(att.links, l)
		att.installed = append(att.installed, name)
		logger.Debug("probe attached", "probe", name, "at", loc)
	}

	if len(att.links) == 0 {
		return nil, fmt.Errorf("%w to %s", ErrNoProbes, target.Path)
	}
	return att, nil
}
