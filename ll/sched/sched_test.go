package sched

import (
	"testing"

	"github.com/rigado/blell/ll/cputime"
)

type call struct {
	kind Kind
	tag  uint16
	step uint8
	at   uint32
}

type recorder struct {
	clk   *cputime.Sim
	calls []call
	// steps each item runs before reporting Done; wakeups are 100 ticks apart
	steps map[uint16]uint8
	hook  func(h Handle, it *Item)
}

func (r *recorder) run(h Handle, it *Item) Result {
	r.calls = append(r.calls, call{it.Kind, it.Tag, it.Step, r.clk.Now()})
	if r.hook != nil {
		r.hook(h, it)
	}
	it.Step++
	if it.Step < r.steps[it.Tag] {
		return Running(r.clk.Now() + 100)
	}
	return Done()
}

func (r *recorder) RunAdv(h Handle, it *Item) Result  { return r.run(h, it) }
func (r *recorder) RunScan(h Handle, it *Item) Result { return r.run(h, it) }
func (r *recorder) RunConn(h Handle, it *Item) Result { return r.run(h, it) }

func newTest(capacity int) (*Scheduler, *recorder, *cputime.Sim) {
	clk := cputime.NewSim(0)
	r := &recorder{clk: clk, steps: map[uint16]uint8{}}
	return New(r, clk, capacity), r, clk
}

func TestOverlapRules(t *testing.T) {
	tests := []struct {
		a, b    Item
		overlap bool
	}{
		{Item{Start: 0, End: 100}, Item{Start: 100, End: 200}, false},
		{Item{Start: 100, End: 200}, Item{Start: 0, End: 100}, false},
		{Item{Start: 0, End: 101}, Item{Start: 100, End: 200}, true},
		{Item{Start: 150, End: 160}, Item{Start: 100, End: 200}, true},
		{Item{Start: 50, End: 250}, Item{Start: 100, End: 200}, true},
		{Item{Start: 0xfffffff0, End: 0x10}, Item{Start: 0x08, End: 0x20}, true},
		{Item{Start: 0xfffffff0, End: 0x08}, Item{Start: 0x08, End: 0x20}, false},
	}
	for i, tc := range tests {
		if got := overlaps(&tc.a, &tc.b); got != tc.overlap {
			t.Errorf("case %v: expected %v, got %v", i, tc.overlap, got)
		}
	}
}

func TestAddOrdersAndRejectsOverlap(t *testing.T) {
	s, _, _ := newTest(4)

	if _, err := s.Schedule(Item{Kind: KindAdv, Start: 1000, End: 1200, Tag: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(Item{Kind: KindConn, Start: 200, End: 400, Tag: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(Item{Kind: KindScan, Start: 500, End: 900, Tag: 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(Item{Kind: KindScan, Start: 1100, End: 1300, Tag: 4}); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}

	items := s.Items()
	if len(items) != 3 || items[0].Tag != 2 || items[1].Tag != 3 || items[2].Tag != 1 {
		t.Fatalf("unexpected order %+v", items)
	}

	// failed Schedule returned its slot
	if _, err := s.Schedule(Item{Kind: KindScan, Start: 2000, End: 2100}); err != nil {
		t.Fatalf("expected a free slot, got %v", err)
	}
	if _, err := s.Schedule(Item{Kind: KindScan, Start: 3000, End: 3100}); err != ErrPoolEmpty {
		t.Fatalf("expected ErrPoolEmpty, got %v", err)
	}
}

func TestRunDispatchesAtStart(t *testing.T) {
	s, r, clk := newTest(4)
	r.steps[1] = 3

	s.Schedule(Item{Kind: KindAdv, Start: 100, End: 500, Tag: 1})
	s.Schedule(Item{Kind: KindConn, Start: 600, End: 700, Tag: 2})

	clk.Advance(99)
	if len(r.calls) != 0 {
		t.Fatal("ran before start")
	}

	clk.Advance(1000)
	want := []call{
		{KindAdv, 1, 0, 100},
		{KindAdv, 1, 1, 200},
		{KindAdv, 1, 2, 300},
		{KindConn, 2, 0, 600},
	}
	if len(r.calls) != len(want) {
		t.Fatalf("expected %v calls, got %+v", len(want), r.calls)
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Fatalf("call %v: expected %+v, got %+v", i, want[i], r.calls[i])
		}
	}
	if _, ok := s.Current(); ok {
		t.Fatal("nothing should be running")
	}
}

func TestRunningItemBlocksOverlap(t *testing.T) {
	s, r, clk := newTest(4)
	r.steps[1] = 2

	s.Schedule(Item{Kind: KindAdv, Start: 100, End: 500, Tag: 1})
	clk.Advance(150)

	if _, ok := s.Current(); !ok {
		t.Fatal("expected a running item")
	}
	if _, err := s.Schedule(Item{Kind: KindConn, Start: 300, End: 400}); err != ErrOverlap {
		t.Fatalf("expected overlap with the running item, got %v", err)
	}
}

func TestRemoveByKindAndFilter(t *testing.T) {
	s, r, clk := newTest(8)
	r.steps[5] = 2

	s.Schedule(Item{Kind: KindConn, Start: 100, End: 200, Tag: 5})
	s.Schedule(Item{Kind: KindAdv, Start: 300, End: 400, Tag: 1})
	s.Schedule(Item{Kind: KindAdv, Start: 500, End: 600, Tag: 2})
	s.Schedule(Item{Kind: KindScan, Start: 700, End: 800, Tag: 3})

	n := s.Remove(KindAdv, func(h Handle, it Item) bool { return it.Tag == 2 })
	if n != 1 || s.Len() != 3 {
		t.Fatalf("expected one removal, got %v (len %v)", n, s.Len())
	}

	clk.Advance(150) // conn item running
	if n := s.Remove(KindConn, nil); n != 1 {
		t.Fatalf("running item should be removable, got %v", n)
	}
	if _, ok := s.Current(); ok {
		t.Fatal("current not cleared")
	}

	clk.Advance(1000)
	if len(r.calls) != 3 || r.calls[1].tag != 1 || r.calls[2].tag != 3 {
		t.Fatalf("unexpected calls %+v", r.calls)
	}
}

func TestStaleHandle(t *testing.T) {
	s, _, _ := newTest(1)

	h, err := s.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Free(h); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(h, Item{Kind: KindAdv, Start: 10, End: 20}); err != ErrStaleHandle {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}

	h2, _ := s.Alloc()
	if h2 == h {
		t.Fatal("reallocated slot must carry a new generation")
	}
	if err := s.Free(h); err != ErrStaleHandle {
		t.Fatalf("old handle freed new slot: %v", err)
	}
	if err := s.Add(h2, Item{Kind: KindAdv, Start: 10, End: 20}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(h2, Item{Kind: KindAdv, Start: 30, End: 40}); err != ErrQueued {
		t.Fatalf("expected ErrQueued, got %v", err)
	}
}

func TestExecutorReschedulesItself(t *testing.T) {
	s, r, clk := newTest(2)

	r.hook = func(h Handle, it *Item) {
		if it.Tag < 3 {
			next := Item{Kind: KindAdv, Start: it.Start + 1000, End: it.Start + 1100, Tag: it.Tag + 1}
			if _, err := s.Schedule(next); err != nil {
				t.Errorf("reschedule from executor: %v", err)
			}
		}
	}
	s.Schedule(Item{Kind: KindAdv, Start: 0, End: 100, Tag: 1})

	clk.Advance(5000)
	if len(r.calls) != 3 {
		t.Fatalf("expected 3 runs, got %+v", r.calls)
	}
	if r.calls[2].at != 2000 {
		t.Fatalf("third run at %v", r.calls[2].at)
	}
}

// lateExec asks for a wakeup that has already passed on its first step.
type lateExec struct {
	clk   *cputime.Sim
	calls []call
}

func (e *lateExec) run(h Handle, it *Item) Result {
	e.calls = append(e.calls, call{it.Kind, it.Tag, it.Step, e.clk.Now()})
	if it.Step == 0 {
		it.Step++
		return Running(e.clk.Now() - 50)
	}
	return Done()
}

func (e *lateExec) RunAdv(h Handle, it *Item) Result  { return e.run(h, it) }
func (e *lateExec) RunScan(h Handle, it *Item) Result { return e.run(h, it) }
func (e *lateExec) RunConn(h Handle, it *Item) Result { return e.run(h, it) }

func TestRunningInPastWaitsForTimer(t *testing.T) {
	clk := cputime.NewSim(1000)
	e := &lateExec{clk: clk}
	s := New(e, clk, 2)
	s.Schedule(Item{Kind: KindScan, Start: 1000, End: 2000, Tag: 1})

	s.Run()
	if len(e.calls) != 1 {
		t.Fatalf("expected one step before the timer fires, got %+v", e.calls)
	}
	if p := clk.Pending(); len(p) != 1 || p[0] != 950 {
		t.Fatalf("expected timer armed at 950, got %v", p)
	}

	clk.Advance(0)
	if len(e.calls) != 2 || e.calls[1].step != 1 || e.calls[1].at != 1000 {
		t.Fatalf("expected second step on the next tick, got %+v", e.calls)
	}
	if _, ok := s.Current(); ok || s.Len() != 0 {
		t.Fatal("expected item retired")
	}
}

func TestInvalidKindPanics(t *testing.T) {
	s, _, clk := newTest(1)
	s.Schedule(Item{Kind: Kind(9), Start: 0, End: 10})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	clk.Advance(1)
}
