package pdu

import "math/bits"

// ValidAccessAddress applies the data channel access address rules:
// halves differ, the six most significant bits have at least two
// transitions, more than one bit differs from the advertising access
// address, no run of more than six equal bits and at most 24 transitions.
func ValidAccessAddress(aa uint32) bool {
	if aa>>16 == aa&0xffff {
		return false
	}
	if bits.OnesCount32(aa^AdvAccessAddr) <= 1 {
		return false
	}

	top := aa >> 26
	if top == 0 || top == 0x3f {
		return false
	}
	if bits.OnesCount32((top^(top>>1))&0x1f) < 2 {
		return false
	}

	run := 1
	transitions := 0
	prev := aa & 1
	for i := 1; i < 32; i++ {
		b := (aa >> uint(i)) & 1
		if b == prev {
			run++
			if run > 6 {
				return false
			}
			continue
		}
		transitions++
		run = 1
		prev = b
	}
	return transitions <= 24
}
