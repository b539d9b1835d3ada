package proc

import (
	"kcore/kernel"
	"kcore/kernel/gate"
	"kcore/kernel/mm"
)

var (
	errInvalidPage = &kernel.Error{Module: "proc", Message: "page not owned by process"}
	errNoOffer     = &kernel.Error{Module: "proc", Message: "no pages have been offered"}
)

// AllocateSemaphore reserves a semaphore owned by process owner.
func (m *Manager) AllocateSemaphore(limit int32, owner uint32) (int, *kernel.Error) {
	return m.sems.Allocate(limit, owner)
}

// ReleaseSemaphore drops owner from semaphore id. Threads still waiting when
// the semaphore is freed are woken.
func (m *Manager) ReleaseSemaphore(id int, owner uint32) *kernel.Error {
	orphans, err := m.sems.Release(id, owner)
	if err != nil {
		return err
	}

	for _, waiter := range orphans {
		m.wakeWaiter(waiter)
	}
	return nil
}

// WaitSemaphore tries to decrement semaphore id on behalf of t. If the count
// is zero t sleeps indefinitely until a SignalSemaphore call wakes it and
// false is returned.
func (m *Manager) WaitSemaphore(id int, t *Thread) (bool, *kernel.Error) {
	acquired, err := m.sems.Wait(id, t.WaiterKey())
	if err != nil || acquired {
		return acquired, err
	}

	t.TimeToSleep = IndefiniteSleep
	m.updateList(t)
	return false, nil
}

// SignalSemaphore wakes the longest waiting thread of semaphore id or
// increments its count.
func (m *Manager) SignalSemaphore(id int) *kernel.Error {
	waiter, woken, err := m.sems.Signal(id)
	if err != nil {
		return err
	}

	if woken {
		m.wakeWaiter(waiter)
	}
	return nil
}

// SendMessage delivers a message to process to. If one of its threads is
// parked in ReceiveMessage it gets the message and is woken, otherwise the
// message is queued.
func (m *Manager) SendMessage(from, to, word1, word2 uint32) *kernel.Error {
	p := m.GetProcess(to)
	if p == nil {
		return errInvalidProcess
	}

	msg := Message{From: from, Word1: word1, Word2: word2}
	for _, t := range p.Threads {
		if t.WaitingForMessage && !t.State.Terminated {
			deliverMessage(t, msg)
			t.TimeToSleep = 0
			m.updateList(t)
			return nil
		}
	}

	p.Messages = append(p.Messages, msg)
	return nil
}

// ReceiveMessage hands the oldest queued message of the owner of t to t and
// returns true. If the queue is empty t is parked until SendMessage delivers
// one.
func (m *Manager) ReceiveMessage(t *Thread) bool {
	p := t.Owner
	if len(p.Messages) != 0 {
		msg := p.Messages[0]
		p.Messages = p.Messages[1:]
		deliverMessage(t, msg)
		return true
	}

	t.WaitingForMessage = true
	t.TimeToSleep = IndefiniteSleep
	m.updateList(t)
	return false
}

// deliverMessage writes msg into the syscall return registers of t.
func deliverMessage(t *Thread, msg Message) {
	t.WaitingForMessage = false
	regs := &t.State.Registers
	regs.EAX = uint32(gate.SyscallOK)
	regs.EBX = msg.From
	regs.ECX = msg.Word1
	regs.EDX = msg.Word2
}

// OfferPages offers count code or data pages of process from starting at
// vaddr to process to.
func (m *Manager) OfferPages(from, to uint32, vaddr uintptr, count uint32) *kernel.Error {
	src, dst := m.GetProcess(from), m.GetProcess(to)
	if src == nil || dst == nil {
		return errInvalidProcess
	}

	offer := PageOffer{From: from, Frames: make([]mm.Frame, 0, count)}
	firstPage := mm.PageFromAddress(vaddr)
	for index := uint32(0); index < count; index++ {
		frame, kind, ok := src.Layout.Lookup(firstPage + mm.Page(index))
		if !ok || kind == KernelPage {
			return errInvalidPage
		}
		offer.Frames = append(offer.Frames, frame)
	}

	dst.Offers = append(dst.Offers, offer)
	return nil
}

// AcceptPages maps the oldest page offer made to the owner of t starting at
// vaddr and returns the number of pages mapped.
func (m *Manager) AcceptPages(t *Thread, vaddr uintptr) (uint32, *kernel.Error) {
	p := t.Owner
	if len(p.Offers) == 0 {
		return 0, errNoOffer
	}

	offer := p.Offers[0]
	p.Offers = p.Offers[1:]

	firstPage := mm.PageFromAddress(vaddr)
	for index, frame := range offer.Frames {
		page := firstPage + mm.Page(index)
		p.Layout.AddPage(page, frame, DataPage)
		if p == m.current {
			if err := m.pager.Map(page, frame, p.Layout.flags(DataPage)); err != nil {
				return uint32(index), err
			}
		}
	}

	return uint32(len(offer.Frames)), nil
}
