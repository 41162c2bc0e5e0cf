// Package cputime provides the controller's free-running microsecond counter
// and single-shot timers.
//
// Times are 32-bit tick counts (1 tick = 1 µs) that wrap. Always compare
// them with After/Before, never with < or >.
package cputime

// Clock is a free-running tick counter that can create timers.
type Clock interface {
	Now() uint32
	NewTimer(fn func()) Timer
}

// Timer is a single-shot timer. Starting an armed timer re-arms it.
// fn runs in interrupt context: on whatever goroutine drives the clock.
type Timer interface {
	Start(at uint32)
	Stop()
	Armed() bool
}

// Diff returns a-b as a signed tick count.
func Diff(a, b uint32) int32 {
	return int32(a - b)
}

// After reports whether a is strictly later than b.
func After(a, b uint32) bool {
	return Diff(a, b) > 0
}

// Before reports whether a is strictly earlier than b.
func Before(a, b uint32) bool {
	return Diff(a, b) < 0
}

// Reached reports whether now is at or past t.
func Reached(now, t uint32) bool {
	return Diff(now, t) >= 0
}
