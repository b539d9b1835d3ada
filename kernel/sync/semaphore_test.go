package sync

import (
	"kcore/kernel"
	"testing"
)

func TestSemaphoreAllocation(t *testing.T) {
	table := NewSemaphoreTable(2)

	first, err := table.Allocate(1, 10)
	if err != nil {
		t.Fatal(err)
	}

	second, err := table.Allocate(UnlimitedCount, 11)
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Fatalf("expected distinct semaphore ids; got %d twice", first)
	}

	if _, err = table.Allocate(1, 12); err != errNoFreeSemaphore {
		t.Fatalf("expected to get errNoFreeSemaphore; got %v", err)
	}

	// Slots are reused once every owner released them
	if err = table.AddOwner(first, 12); err != nil {
		t.Fatal(err)
	}

	if _, err = table.Release(first, 10); err != nil {
		t.Fatal(err)
	}

	if _, err = table.Allocate(1, 13); err != errNoFreeSemaphore {
		t.Fatalf("expected slot with remaining owners to stay reserved; got %v", err)
	}

	if _, err = table.Release(first, 12); err != nil {
		t.Fatal(err)
	}

	reused, err := table.Allocate(1, 13)
	if err != nil {
		t.Fatal(err)
	}

	if reused != first {
		t.Fatalf("expected freed slot %d to be reused; got %d", first, reused)
	}
}

func TestSemaphoreErrors(t *testing.T) {
	table := NewSemaphoreTable(4)
	id, _ := table.Allocate(1, 1)

	specs := []struct {
		name   string
		fn     func() *kernel.Error
		expErr *kernel.Error
	}{
		{"wait on unused slot", func() *kernel.Error { _, err := table.Wait(id+1, 0); return err }, errInvalidSemaphore},
		{"signal negative id", func() *kernel.Error { _, _, err := table.Signal(-1); return err }, errInvalidSemaphore},
		{"count out of range", func() *kernel.Error { _, err := table.Count(4); return err }, errInvalidSemaphore},
		{"add owner to unused slot", func() *kernel.Error { return table.AddOwner(3, 1) }, errInvalidSemaphore},
		{"release by non-owner", func() *kernel.Error { _, err := table.Release(id, 2); return err }, errNotOwner},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if err := spec.fn(); err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}
}

func TestSemaphoreWaitSignal(t *testing.T) {
	table := NewSemaphoreTable(1)
	id, _ := table.Allocate(2, 1)

	// The count starts at zero so the first waiters are queued
	for _, waiter := range []uint64{100, 101, 102} {
		acquired, err := table.Wait(id, waiter)
		if err != nil {
			t.Fatal(err)
		}

		if acquired {
			t.Fatalf("expected waiter %d to be queued", waiter)
		}
	}

	table.RemoveWaiter(101)

	// Waiters are woken in arrival order
	for _, exp := range []uint64{100, 102} {
		waiter, woken, err := table.Signal(id)
		if err != nil {
			t.Fatal(err)
		}

		if !woken || waiter != exp {
			t.Fatalf("expected Signal to wake waiter %d; got %d (woken: %t)", exp, waiter, woken)
		}
	}

	// Without waiters the count accumulates up to the limit
	for i := 0; i < 5; i++ {
		if _, woken, _ := table.Signal(id); woken {
			t.Fatal("expected Signal to not wake anyone")
		}
	}

	if count, _ := table.Count(id); count != 2 {
		t.Fatalf("expected count to be capped at 2; got %d", count)
	}

	for i := 0; i < 2; i++ {
		if acquired, _ := table.Wait(id, 200); !acquired {
			t.Fatalf("expected wait %d to acquire the semaphore", i)
		}
	}

	if acquired, _ := table.Wait(id, 201); acquired {
		t.Fatal("expected wait to be queued once the count is exhausted")
	}
}

func TestSemaphoreUnlimited(t *testing.T) {
	table := NewSemaphoreTable(1)
	id, _ := table.Allocate(UnlimitedCount, 1)

	for i := 0; i < 1000; i++ {
		_, _, _ = table.Signal(id)
	}

	if count, _ := table.Count(id); count != 1000 {
		t.Fatalf("expected count to be 1000; got %d", count)
	}
}

func TestSemaphoreReleaseOwner(t *testing.T) {
	table := NewSemaphoreTable(3)

	var (
		owned, _  = table.Allocate(1, 7)
		shared, _ = table.Allocate(1, 7)
		other, _  = table.Allocate(1, 8)
	)

	_ = table.AddOwner(shared, 8)
	_, _ = table.Wait(owned, 70)
	_, _ = table.Wait(shared, 71)
	_, _ = table.Wait(other, 80)

	orphans := table.ReleaseOwner(7)
	if len(orphans) != 1 || orphans[0] != 70 {
		t.Fatalf("expected waiter 70 to be orphaned; got %v", orphans)
	}

	if _, err := table.Count(owned); err != errInvalidSemaphore {
		t.Fatalf("expected semaphore %d to be freed; got %v", owned, err)
	}

	for _, id := range []int{shared, other} {
		if _, err := table.Count(id); err != nil {
			t.Fatalf("expected semaphore %d to remain allocated; got %v", id, err)
		}
	}
}
