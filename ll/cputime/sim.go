package cputime

import (
	"sort"
	"sync"
)

// Sim is a manually advanced clock. Timers fire from the goroutine that
// calls Advance, in deadline order, with the clock set to their deadline.
type Sim struct {
	mu     sync.Mutex
	now    uint32
	seq    uint64
	timers map[*simTimer]struct{}
}

func NewSim(start uint32) *Sim {
	return &Sim{now: start, timers: make(map[*simTimer]struct{})}
}

func (s *Sim) Now() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Sim) NewTimer(fn func()) Timer {
	return &simTimer{clk: s, fn: fn}
}

// Advance moves the clock forward by d ticks, firing every timer that
// becomes due. Timers armed by callbacks within the window also fire.
func (s *Sim) Advance(d uint32) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	s.AdvanceTo(target)
}

// AdvanceTo is Advance with an absolute target.
func (s *Sim) AdvanceTo(target uint32) {
	for {
		s.mu.Lock()
		t := s.next(target)
		if t == nil {
			if After(target, s.now) {
				s.now = target
			}
			s.mu.Unlock()
			return
		}
		if After(t.at, s.now) {
			s.now = t.at
		}
		delete(s.timers, t)
		t.armed = false
		fn := t.fn
		s.mu.Unlock()

		fn()
	}
}

// Pending returns the deadlines of all armed timers, earliest first.
func (s *Sim) Pending() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uint32
	for t := range s.timers {
		out = append(out, t.at)
	}
	sort.Slice(out, func(i, j int) bool { return Before(out[i], out[j]) })
	return out
}

// next returns the earliest timer due at or before target. Ties fire in
// arming order.
func (s *Sim) next(target uint32) *simTimer {
	var best *simTimer
	for t := range s.timers {
		if After(t.at, target) {
			continue
		}
		if best == nil || Before(t.at, best.at) || (t.at == best.at && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

type simTimer struct {
	clk   *Sim
	fn    func()
	at    uint32
	seq   uint64
	armed bool
}

func (t *simTimer) Start(at uint32) {
	s := t.clk
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t.at = at
	t.seq = s.seq
	t.armed = true
	s.timers[t] = struct{}{}
}

func (t *simTimer) Stop() {
	s := t.clk
	s.mu.Lock()
	defer s.mu.Unlock()

	t.armed = false
	delete(s.timers, t)
}

func (t *simTimer) Armed() bool {
	s := t.clk
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.armed
}
