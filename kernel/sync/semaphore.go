package sync

import "kcore/kernel"

// UnlimitedCount can be passed as a semaphore limit to allow the semaphore
// count to grow without bounds.
const UnlimitedCount = int32(-1)

var (
	errNoFreeSemaphore  = &kernel.Error{Module: "sync", Message: "no free semaphore slot"}
	errInvalidSemaphore = &kernel.Error{Module: "sync", Message: "invalid semaphore id"}
	errNotOwner         = &kernel.Error{Module: "sync", Message: "process does not own semaphore"}
)

type semaphore struct {
	used  bool
	count int32
	limit int32

	owners  []uint32
	waiters []uint64
}

func (s *semaphore) ownerIndex(owner uint32) int {
	for index, id := range s.owners {
		if id == owner {
			return index
		}
	}
	return -1
}

// SemaphoreTable manages a fixed number of semaphore slots addressed by
// small integer ids. A slot is reused once all of its owners released it.
//
// Waiters are opaque 64-bit keys; the table only records them in arrival
// order and hands them back when they should be woken.
type SemaphoreTable struct {
	lock  Spinlock
	slots []semaphore
}

// NewSemaphoreTable returns a table with slotCount free slots.
func NewSemaphoreTable(slotCount int) *SemaphoreTable {
	return &SemaphoreTable{slots: make([]semaphore, slotCount)}
}

// Allocate reserves a free slot for a semaphore with the given limit and a
// zero count and returns its id. The limit caps the count accumulated by
// Signal calls without waiters; UnlimitedCount removes the cap.
func (t *SemaphoreTable) Allocate(limit int32, owner uint32) (int, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	for id := range t.slots {
		if s := &t.slots[id]; !s.used {
			*s = semaphore{
				used:   true,
				limit:  limit,
				owners: []uint32{owner},
			}
			return id, nil
		}
	}

	return -1, errNoFreeSemaphore
}

// AddOwner registers an additional owner for semaphore id.
func (t *SemaphoreTable) AddOwner(id int, owner uint32) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	s, err := t.get(id)
	if err != nil {
		return err
	}

	if s.ownerIndex(owner) < 0 {
		s.owners = append(s.owners, owner)
	}
	return nil
}

// Release removes owner from semaphore id. Once the last owner is removed the
// slot is freed and the threads still waiting on it are returned so the
// caller can wake them.
func (t *SemaphoreTable) Release(id int, owner uint32) ([]uint64, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	s, err := t.get(id)
	if err != nil {
		return nil, err
	}

	index := s.ownerIndex(owner)
	if index < 0 {
		return nil, errNotOwner
	}

	s.owners = append(s.owners[:index], s.owners[index+1:]...)
	if len(s.owners) != 0 {
		return nil, nil
	}

	waiters := s.waiters
	*s = semaphore{}
	return waiters, nil
}

// ReleaseOwner removes owner from every semaphore it owns and returns the
// waiters of the slots that were freed as a result.
func (t *SemaphoreTable) ReleaseOwner(owner uint32) []uint64 {
	var orphans []uint64
	for id := range t.slots {
		waiters, _ := t.Release(id, owner)
		orphans = append(orphans, waiters...)
	}
	return orphans
}

// Wait decrements the count of semaphore id and returns true if the count
// was positive. Otherwise waiter is queued and false is returned; the caller
// is expected to park the waiter until Signal hands it back.
func (t *SemaphoreTable) Wait(id int, waiter uint64) (bool, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	s, err := t.get(id)
	if err != nil {
		return false, err
	}

	if s.count > 0 {
		s.count--
		return true, nil
	}

	s.waiters = append(s.waiters, waiter)
	return false, nil
}

// Signal wakes the longest waiting waiter of semaphore id. If nobody is
// waiting the count is incremented up to the semaphore limit. The returned
// bool reports whether a waiter was dequeued.
func (t *SemaphoreTable) Signal(id int) (uint64, bool, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	s, err := t.get(id)
	if err != nil {
		return 0, false, err
	}

	if len(s.waiters) != 0 {
		waiter := s.waiters[0]
		s.waiters = s.waiters[1:]
		return waiter, true, nil
	}

	if s.limit == UnlimitedCount || s.count < s.limit {
		s.count++
	}
	return 0, false, nil
}

// Count returns the current count of semaphore id.
func (t *SemaphoreTable) Count(id int) (int32, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	s, err := t.get(id)
	if err != nil {
		return 0, err
	}
	return s.count, nil
}

// RemoveWaiter drops waiter from every wait queue.
func (t *SemaphoreTable) RemoveWaiter(waiter uint64) {
	t.lock.Acquire()
	defer t.lock.Release()

	for id := range t.slots {
		s := &t.slots[id]
		for index := 0; index < len(s.waiters); index++ {
			if s.waiters[index] == waiter {
				s.waiters = append(s.waiters[:index], s.waiters[index+1:]...)
				index--
			}
		}
	}
}

// get returns the semaphore with the given id. The caller must hold the
// table lock.
func (t *SemaphoreTable) get(id int) (*semaphore, *kernel.Error) {
	if id < 0 || id >= len(t.slots) || !t.slots[id].used {
		return nil, errInvalidSemaphore
	}
	return &t.slots[id], nil
}
