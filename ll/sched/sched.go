// Package sched is the Link Layer scheduler: an ordered set of
// non-overlapping radio activities driven by one timer.
package sched

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/blell/ll/cputime"
)

// Kind identifies which state machine owns an item.
type Kind uint8

const (
	KindAdv Kind = iota + 1
	KindScan
	KindConn
)

func (k Kind) String() string {
	switch k {
	case KindAdv:
		return "adv"
	case KindScan:
		return "scan"
	case KindConn:
		return "conn"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrOverlap     = errors.New("sched: item overlaps a scheduled item")
	ErrPoolEmpty   = errors.New("sched: no free items")
	ErrStaleHandle = errors.New("sched: stale handle")
	ErrQueued      = errors.New("sched: item already scheduled")
)

// Item is one radio activity. Start and End are ticks; [Start, End) must
// not intersect any other scheduled item.
type Item struct {
	Kind       Kind
	Start      uint32
	End        uint32
	NextWakeup uint32

	// Tag and Step belong to the owner. Step is usually a phase counter
	// advanced across Running re-invocations.
	Tag  uint16
	Step uint8
}

// Result is returned by an Executor for the current item.
type Result struct {
	Done       bool
	NextWakeup uint32
}

func Done() Result                 { return Result{Done: true} }
func Running(wakeup uint32) Result { return Result{NextWakeup: wakeup} }

// Executor runs items in interrupt context. h identifies the item; it may
// be modified in place (Step, NextWakeup).
type Executor interface {
	RunAdv(h Handle, it *Item) Result
	RunScan(h Handle, it *Item) Result
	RunConn(h Handle, it *Item) Result
}

// Handle addresses a pool slot. A handle goes stale once its slot is freed.
type Handle struct {
	idx uint16
	gen uint16
}

func (h Handle) Valid() bool { return h.gen != 0 }

type slot struct {
	item   Item
	gen    uint16
	used   bool
	queued bool
}

// Scheduler is safe for concurrent use. Its lock is never held while an
// Executor method runs, so executors may call back into the scheduler.
type Scheduler struct {
	mu      sync.Mutex
	clk     cputime.Clock
	timer   cputime.Timer
	exec    Executor
	slots   []slot
	queue   []int // slot indices ordered by Start
	current int   // slot index, -1 when idle
	running bool
}

func New(exec Executor, clk cputime.Clock, capacity int) *Scheduler {
	s := &Scheduler{
		clk:     clk,
		exec:    exec,
		slots:   make([]slot, capacity),
		current: -1,
	}
	s.timer = clk.NewTimer(s.Run)
	return s
}

// Alloc reserves an item slot.
func (s *Scheduler) Alloc() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		sl := &s.slots[i]
		if sl.used {
			continue
		}
		sl.used = true
		sl.gen++
		if sl.gen == 0 {
			sl.gen = 1
		}
		return Handle{idx: uint16(i), gen: sl.gen}, nil
	}
	return Handle{}, ErrPoolEmpty
}

// Free releases a slot, unscheduling it first.
func (s *Scheduler) Free(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.lookup(h)
	if err != nil {
		return err
	}
	if sl.queued {
		s.timer.Stop()
		s.unqueue(int(h.idx))
		s.rearm()
	}
	if s.current == int(h.idx) {
		s.current = -1
	}
	sl.used = false
	return nil
}

// Add schedules it under handle h. It fails with ErrOverlap when the
// window intersects the running item or any queued item; the slot stays
// allocated either way.
func (s *Scheduler) Add(h Handle, it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.lookup(h)
	if err != nil {
		return err
	}
	if sl.queued {
		return ErrQueued
	}

	if s.current >= 0 && s.current != int(h.idx) && overlaps(&it, &s.slots[s.current].item) {
		return ErrOverlap
	}

	pos := len(s.queue)
	for i, idx := range s.queue {
		q := &s.slots[idx].item
		if overlaps(&it, q) {
			return ErrOverlap
		}
		if pos == len(s.queue) && cputime.Before(it.Start, q.Start) {
			pos = i
		}
	}

	s.timer.Stop()
	if s.current == int(h.idx) {
		s.current = -1
	}
	it.NextWakeup = it.Start
	sl.item = it
	sl.queued = true
	s.queue = append(s.queue, 0)
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = int(h.idx)
	s.rearm()
	return nil
}

// Schedule allocates a slot and adds it. The slot is released on failure.
func (s *Scheduler) Schedule(it Item) (Handle, error) {
	h, err := s.Alloc()
	if err != nil {
		return h, err
	}
	if err := s.Add(h, it); err != nil {
		s.Free(h)
		return Handle{}, err
	}
	return h, nil
}

// Filter selects items for Remove. A nil filter matches everything.
type Filter func(h Handle, it Item) bool

// Remove frees every queued and running item of kind k accepted by f and
// returns how many were removed.
func (s *Scheduler) Remove(k Kind, f Filter) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer.Stop()
	n := 0
	for i := 0; i < len(s.queue); {
		idx := s.queue[i]
		sl := &s.slots[idx]
		if sl.item.Kind == k && (f == nil || f(s.handle(idx), sl.item)) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			sl.queued = false
			sl.used = false
			n++
			continue
		}
		i++
	}
	if s.current >= 0 {
		sl := &s.slots[s.current]
		if sl.item.Kind == k && (f == nil || f(s.handle(s.current), sl.item)) {
			sl.used = false
			s.current = -1
			n++
		}
	}
	s.rearm()
	return n
}

// Len returns the number of queued items, the running item excluded.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Items returns a copy of the queued items in start order.
func (s *Scheduler) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Item, 0, len(s.queue))
	for _, idx := range s.queue {
		out = append(out, s.slots[idx].item)
	}
	return out
}

// Current returns the running item.
func (s *Scheduler) Current() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return Item{}, false
	}
	return s.slots[s.current].item, true
}

// Reset drops every item and stops the timer.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer.Stop()
	for i := range s.slots {
		s.slots[i].used = false
		s.slots[i].queued = false
	}
	s.queue = s.queue[:0]
	s.current = -1
}

// Run executes whatever is due. It is the timer callback and may also be
// called directly; a call made while another Run is dispatching returns
// immediately and the active one picks up the work. Dispatch stops at the
// first item that reports Running.
func (s *Scheduler) Run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	for {
		idx, ok := s.due()
		if !ok {
			break
		}
		s.timer.Stop()
		s.current = idx
		sl := &s.slots[idx]
		h := s.handle(idx)
		it := sl.item
		s.mu.Unlock()

		res := s.execute(h, &it)

		s.mu.Lock()
		// the executor may have removed or re-added the item
		if s.current == idx && sl.gen == h.gen && sl.used && !sl.queued {
			if res.Done {
				s.current = -1
				sl.used = false
			} else {
				sl.item = it
				sl.item.NextWakeup = res.NextWakeup
				// the next step waits for the timer, even if already due
				break
			}
		}
	}

	s.running = false
	s.rearm()
	s.mu.Unlock()
}

func (s *Scheduler) execute(h Handle, it *Item) Result {
	switch it.Kind {
	case KindAdv:
		return s.exec.RunAdv(h, it)
	case KindScan:
		return s.exec.RunScan(h, it)
	case KindConn:
		return s.exec.RunConn(h, it)
	default:
		panic(fmt.Sprintf("sched: invalid item kind %v", it.Kind))
	}
}

// due pops the next item to execute: the running item if its wakeup has
// passed, otherwise the head of the queue if it has started.
func (s *Scheduler) due() (int, bool) {
	now := s.clk.Now()
	if s.current >= 0 {
		sl := &s.slots[s.current]
		if cputime.Reached(now, sl.item.NextWakeup) {
			return s.current, true
		}
		return 0, false
	}
	if len(s.queue) == 0 {
		return 0, false
	}
	idx := s.queue[0]
	if !cputime.Reached(now, s.slots[idx].item.Start) {
		return 0, false
	}
	s.queue = s.queue[1:]
	s.slots[idx].queued = false
	return idx, true
}

// rearm points the timer at the next wakeup. Caller holds mu.
func (s *Scheduler) rearm() {
	if s.running {
		return
	}
	switch {
	case s.current >= 0:
		s.timer.Start(s.slots[s.current].item.NextWakeup)
	case len(s.queue) > 0:
		s.timer.Start(s.slots[s.queue[0]].item.Start)
	default:
		s.timer.Stop()
	}
}

func (s *Scheduler) unqueue(idx int) {
	for i, q := range s.queue {
		if q == idx {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.slots[idx].queued = false
}

func (s *Scheduler) lookup(h Handle) (*slot, error) {
	if !h.Valid() || int(h.idx) >= len(s.slots) {
		return nil, ErrStaleHandle
	}
	sl := &s.slots[h.idx]
	if !sl.used || sl.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return sl, nil
}

func (s *Scheduler) handle(idx int) Handle {
	return Handle{idx: uint16(idx), gen: s.slots[idx].gen}
}

// overlaps reports whether two windows intersect, using signed tick
// differences so it holds across counter wrap.
func overlaps(a, b *Item) bool {
	if cputime.Diff(a.Start, b.Start) < 0 {
		return cputime.Diff(a.End, b.Start) > 0
	}
	return cputime.Diff(a.Start, b.End) < 0
}
