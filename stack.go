package millrt

import (
	"golang.org/x/sys/unix"
)

// GuardedRegion is a page-aligned mapping whose lowest page is
// mprotected PROT_NONE, so that an access running below the start of
// the usable span faults rather than silently corrupting adjacent
// memory. Each
// fiberSlot owns one and hands its usable span to every fiber that
// runs on that slot as the fiber's scratch/value buffer; fibers
// themselves still run on ordinary Go goroutine stacks, which the Go
// runtime already grows and bounds-checks on every call, so this
// guards only the value buffer libmill's coroutines would otherwise
// keep on the stack itself.
type GuardedRegion struct {
	mem      []byte
	pageSize int
}

// pageSize returns the platform page size, queried once.
func pageSize() int {
	return unix.Getpagesize()
}

// NewGuardedRegion mmaps a region of at least size bytes (rounded up to
// a whole number of pages, plus one leading guard page) and mprotects
// the guard page PROT_NONE.
func NewGuardedRegion(size int) (*GuardedRegion, error) {
	ps := pageSize()
	if size < ps {
		size = ps
	}
	pages := (size + ps - 1) / ps
	total := (pages + 1) * ps // + 1 leading guard page

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, newErr("stack.mmap", KindOutOfMemory, err)
	}
	if err := unix.Mprotect(mem[:ps], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(mem)
		return nil, newErr("stack.mprotect", KindOutOfMemory, err)
	}
	return &GuardedRegion{mem: mem, pageSize: ps}, nil
}

// Usable returns the writable portion of the region, past the guard
// page.
func (g *GuardedRegion) Usable() []byte {
	return g.mem[g.pageSize:]
}

// GuardOffset returns the byte offset of the start of the guard page
// within the region, for tests that want to deliberately write into it.
func (g *GuardedRegion) GuardOffset() int { return 0 }

// Close unmaps the region.
func (g *GuardedRegion) Close() error {
	if g.mem == nil {
		return nil
	}
	err := unix.Munmap(g.mem)
	g.mem = nil
	return err
}
