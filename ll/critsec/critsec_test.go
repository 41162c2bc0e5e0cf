package critsec

import (
	"sync"
	"testing"
)

func TestValueSnapshot(t *testing.T) {
	var v Value[[]byte]
	v.Store([]byte{1, 2, 3})

	snap := v.Load()
	v.Store([]byte{9})

	if len(snap) != 3 || snap[0] != 1 {
		t.Fatalf("snapshot changed under replace: %v", snap)
	}
	if got := v.Load(); len(got) != 1 || got[0] != 9 {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestValueUpdateConcurrent(t *testing.T) {
	var v Value[int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Update(func(old int) int { return old + 1 })
		}()
	}
	wg.Wait()

	if v.Load() != 50 {
		t.Fatalf("expected 50, got %v", v.Load())
	}
}

func TestSectionDo(t *testing.T) {
	var s Section
	n := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do(func() { n++ })
		}()
	}
	wg.Wait()
	if n != 20 {
		t.Fatalf("expected 20, got %v", n)
	}
}
