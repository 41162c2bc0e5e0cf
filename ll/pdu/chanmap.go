package pdu

import "math/bits"

// ChannelMap is the 37-bit data channel bitmap, channel 0 in the least
// significant bit of the first byte.
type ChannelMap [5]byte

// AllChannels enables every data channel.
var AllChannels = ChannelMap{0xff, 0xff, 0xff, 0xff, 0x1f}

func (m ChannelMap) Used(ch uint8) bool {
	if ch >= NumDataChans {
		return false
	}
	return m[ch>>3]&(1<<(ch&7)) != 0
}

// Count returns the number of used channels.
func (m ChannelMap) Count() int {
	n := 0
	for i, b := range m {
		if i == len(m)-1 {
			b &= 0x1f
		}
		n += bits.OnesCount8(b)
	}
	return n
}

// Remap returns the idx-th used channel in ascending order.
func (m ChannelMap) Remap(idx int) uint8 {
	for ch := uint8(0); ch < NumDataChans; ch++ {
		if !m.Used(ch) {
			continue
		}
		if idx == 0 {
			return ch
		}
		idx--
	}
	// only reachable with idx >= Count()
	panic("pdu: remap index out of range")
}

// NextDataChannel is channel selection algorithm #1. It returns the next
// unmapped channel and the channel to use.
func NextDataChannel(lastUnmapped, hop uint8, m ChannelMap) (unmapped, ch uint8) {
	unmapped = (lastUnmapped + hop) % NumDataChans
	if m.Used(unmapped) {
		return unmapped, unmapped
	}
	return unmapped, m.Remap(int(unmapped) % m.Count())
}
