package proc

import (
	"kcore/kernel"
	"kcore/kernel/mm"
	"kcore/kernel/mm/vmm"
)

// Pager applies page mappings to the active page tables. It is implemented
// by *vmm.PageDirectory.
type Pager interface {
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	Unmap(page mm.Page) *kernel.Error
}

// PageKind classifies the pages of a memory layout.
type PageKind uint8

const (
	// CodePage is a page that holds process code.
	CodePage PageKind = iota

	// DataPage is a page that holds process data or a user stack.
	DataPage

	// KernelPage is a page that must stay accessible to the kernel while
	// the process runs. Kernel pages are never unmapped by a layout switch.
	KernelPage
)

type layoutEntry struct {
	frame mm.Frame
	kind  PageKind
}

// MemoryLayout describes the virtual to physical page mappings that are
// visible while a process runs.
type MemoryLayout struct {
	userMode bool
	pages    map[mm.Page]layoutEntry

	// merged tracks pages borrowed from other layouts via Merge.
	merged map[mm.Page]layoutEntry
}

// NewMemoryLayout returns an empty layout. Code and data pages of a
// user-mode layout are mapped user-accessible.
func NewMemoryLayout(userMode bool) *MemoryLayout {
	return &MemoryLayout{
		userMode: userMode,
		pages:    make(map[mm.Page]layoutEntry),
		merged:   make(map[mm.Page]layoutEntry),
	}
}

// AddPage registers a mapping of the given kind.
func (l *MemoryLayout) AddPage(page mm.Page, frame mm.Frame, kind PageKind) {
	l.pages[page] = layoutEntry{frame: frame, kind: kind}
}

// RemovePage drops the mapping for page.
func (l *MemoryLayout) RemovePage(page mm.Page) {
	delete(l.pages, page)
}

// Lookup returns the frame and kind registered for page.
func (l *MemoryLayout) Lookup(page mm.Page) (mm.Frame, PageKind, bool) {
	entry, ok := l.entry(page)
	return entry.frame, entry.kind, ok
}

// PageCount returns the number of pages owned by the layout.
func (l *MemoryLayout) PageCount() int {
	return len(l.pages)
}

// VisitPages invokes visitor for each page owned by the layout. Returning
// false stops the iteration.
func (l *MemoryLayout) VisitPages(visitor func(page mm.Page, frame mm.Frame, kind PageKind) bool) {
	for page, entry := range l.pages {
		if !visitor(page, entry.frame, entry.kind) {
			return
		}
	}
}

func (l *MemoryLayout) flags(kind PageKind) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent | vmm.FlagRW
	if l.userMode && kind != KernelPage {
		flags |= vmm.FlagUserAccessible
	}
	return flags
}

// entry returns the mapping for page including merged pages.
func (l *MemoryLayout) entry(page mm.Page) (layoutEntry, bool) {
	if entry, ok := l.pages[page]; ok {
		return entry, true
	}

	entry, ok := l.merged[page]
	return entry, ok
}

// Merge makes the code and data pages of other visible through this layout
// and maps the ones that are not already present. It must be paired with a
// call to Unmerge. If a page cannot be mapped the pages merged so far are
// removed again and the error is returned.
func (l *MemoryLayout) Merge(other *MemoryLayout, pager Pager) *kernel.Error {
	var added []mm.Page
	for page, entry := range other.pages {
		if entry.kind == KernelPage {
			continue
		}

		if _, exists := l.entry(page); exists {
			continue
		}

		if err := pager.Map(page, entry.frame, l.flags(entry.kind)); err != nil {
			for _, mappedPage := range added {
				delete(l.merged, mappedPage)
				_ = pager.Unmap(mappedPage)
			}
			return err
		}

		l.merged[page] = entry
		added = append(added, page)
	}

	return nil
}

// Unmerge removes the pages borrowed from other by Merge.
func (l *MemoryLayout) Unmerge(other *MemoryLayout, pager Pager) *kernel.Error {
	var err *kernel.Error
	for page, entry := range l.merged {
		if otherEntry, ok := other.pages[page]; !ok || otherEntry != entry {
			continue
		}

		delete(l.merged, page)
		if unmapErr := pager.Unmap(page); unmapErr != nil && err == nil {
			err = unmapErr
		}
	}

	return err
}

// Load installs this layout in place of old applying only the mapping
// changes between the two. A nil old layout maps every page.
func (l *MemoryLayout) Load(pager Pager, old *MemoryLayout) *kernel.Error {
	if old == l {
		return nil
	}

	if old != nil {
		for page, oldEntry := range old.pages {
			if oldEntry.kind == KernelPage {
				continue
			}

			if entry, ok := l.entry(page); ok && entry.frame == oldEntry.frame {
				continue
			}

			if err := pager.Unmap(page); err != nil {
				return err
			}
		}
	}

	for page, entry := range l.pages {
		if old != nil {
			if oldEntry, ok := old.entry(page); ok && oldEntry.frame == entry.frame && old.flags(oldEntry.kind) == l.flags(entry.kind) {
				continue
			}
		}

		if err := pager.Map(page, entry.frame, l.flags(entry.kind)); err != nil {
			return err
		}
	}

	return nil
}

// Unload unmaps the code and data pages of the layout.
func (l *MemoryLayout) Unload(pager Pager) *kernel.Error {
	for page, entry := range l.pages {
		if entry.kind == KernelPage {
			continue
		}

		if err := pager.Unmap(page); err != nil {
			return err
		}
	}

	return nil
}
