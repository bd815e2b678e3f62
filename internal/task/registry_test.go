package task

import (
	"errors"
	"sync"
	"testing"
)

func TestRegistryCreateDuplicate(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("t1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err := r.Create("t1")
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("second Create() error = %v, want ErrDuplicateTask", err)
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Get() error = %v, want ErrTaskNotFound", err)
	}
}

func TestRegistryGetOrCreateIdempotent(t *testing.T) {
	r := NewRegistry()
	a, created, err := r.GetOrCreate("t1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !created {
		t.Fatalf("first GetOrCreate created = false, want true")
	}
	b, created, err := r.GetOrCreate("t1")
	if err != nil {
		t.Fatalf("second GetOrCreate() error = %v", err)
	}
	if created {
		t.Fatalf("second GetOrCreate created = true, want false")
	}
	if a != b {
		t.Fatalf("GetOrCreate returned distinct locks for the same id")
	}
}

func TestRegistryGetOrCreateConcurrentNoLostUpdate(t *testing.T) {
	r := NewRegistry()
	const callers = 16

	var wg sync.WaitGroup
	locks := make(chan *Lock, callers)
	createds := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, created, err := r.GetOrCreate("t1")
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}
			locks <- l
			createds <- created
		}()
	}
	wg.Wait()
	close(locks)
	close(createds)

	var first *Lock
	for l := range locks {
		if first == nil {
			first = l
			continue
		}
		if l != first {
			t.Fatalf("concurrent GetOrCreate observed different locks")
		}
	}
	creations := 0
	for c := range createds {
		if c {
			creations++
		}
	}
	if creations != 1 {
		t.Fatalf("creations = %d, want exactly 1", creations)
	}
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("t1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	r.Delete("t1")
	if _, err := r.Get("t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrTaskNotFound", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	r.Delete("t1") // deleting twice is harmless
}
