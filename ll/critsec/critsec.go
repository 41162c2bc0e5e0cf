// Package critsec holds the state shared between interrupt and task context.
package critsec

import "sync"

// Section serialises interrupt handlers with the task-context code that
// touches the same state. Holding it is the equivalent of masking
// interrupts: keep the window short and never block inside it.
type Section struct {
	mu sync.Mutex
}

func (s *Section) Enter() { s.mu.Lock() }
func (s *Section) Exit()  { s.mu.Unlock() }

// Do runs fn with the section held.
func (s *Section) Do(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Value is a record read by interrupt handlers as a whole. Writers build a
// new value and swap it in; readers get the last complete value. Values
// handed out by Load must be treated as immutable.
type Value[T any] struct {
	mu sync.RWMutex
	v  T
}

func (c *Value[T]) Load() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v
}

func (c *Value[T]) Store(v T) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

// Update replaces the value with fn(old) atomically with respect to other
// writers and returns the new value.
func (c *Value[T]) Update(fn func(old T) T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = fn(c.v)
	return c.v
}
