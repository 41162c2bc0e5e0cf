// Package sliceops converts between over-the-air (little-endian) and
// display byte order.
package sliceops

// Reversed returns a reversed copy of in.
func Reversed[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// SwapBuf returns b in the opposite byte order.
func SwapBuf(b []byte) []byte {
	return Reversed(b)
}
