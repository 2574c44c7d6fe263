package vmm

import (
	"kcore/kernel"
	"kcore/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Mapper installs page mappings into the address space rooted at a top-level
// page table frame.
type Mapper interface {
	MapFrame(root mm.Frame, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error
}

// TableMapper is a Mapper that edits page tables through an
// AddressTranslator, so it works on address spaces that are not currently
// loaded. Missing intermediate tables are obtained from AllocFrame.
//
// TableMapper does not flush the TLB; callers mapping into the active address
// space must do so themselves.
type TableMapper struct {
	Translator AddressTranslator

	// AllocFrame supplies frames for intermediate tables. If nil,
	// mm.AllocFrame is used.
	AllocFrame mm.FrameAllocatorFn
}

// pageTableWalker receives the entry that corresponds to each paging level.
// Returning false aborts the walk.
type pageTableWalker func(level uint8, pte *PageTableEntry) bool

// walk visits the entry for virtAddr at each paging level of the address
// space rooted at root. It stops early at entries that are not present
// unless walkFn makes them so.
func walk(tr AddressTranslator, root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	table := TableAt(tr, root)
	for level := uint8(0); level < pageLevels; level++ {
		pte := &table[(virtAddr>>pageLevelShifts[level])&(EntriesPerTable-1)]
		if !walkFn(level, pte) {
			return
		}

		if level == pageLevels-1 || !pte.HasFlags(FlagPresent) {
			return
		}
		table = TableAt(tr, pte.Frame())
	}
}

// MapFrame maps page to frame with the given flags in the address space
// rooted at root, allocating and clearing any missing intermediate tables.
// Intermediate entries inherit FlagUserAccessible from flags so user pages
// stay reachable from ring 3.
func (m *TableMapper) MapFrame(root mm.Frame, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	allocFn := m.AllocFrame
	if allocFn == nil {
		allocFn = mm.AllocFrame
	}

	var err *kernel.Error
	walk(m.Translator, root, page.Address(), func(level uint8, pte *PageTableEntry) bool {
		if level == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var tableFrame mm.Frame
			if tableFrame, err = allocFn(); err != nil {
				return false
			}

			ClearTable(m.Translator, tableFrame)
			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		pte.SetFlags(flags & FlagUserAccessible)
		return true
	})

	return err
}

// Translate returns the physical address that virtAddr maps to in the
// address space rooted at root.
func Translate(tr AddressTranslator, root mm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		entry *PageTableEntry
		err   *kernel.Error
	)

	walk(tr, root, virtAddr, func(level uint8, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level != pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		entry = pte
		return true
	})

	if err != nil {
		return 0, err
	}

	return entry.Frame().Address() + (virtAddr & (mm.PageSize - 1)), nil
}
