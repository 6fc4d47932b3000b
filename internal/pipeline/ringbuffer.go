package pipeline

import (
	"sync"
	"time"
)

// RingBuffer holds the most recent FramePackets for one stream. Capacity is
// fixed at creation; when full, the oldest packet is evicted. Writers never
// block on readers, and reads return snapshots (fresh slices of the shared
// packet pointers, never of the pixel data).
type RingBuffer struct {
	mu      sync.RWMutex
	packets []*FramePacket
	head    int // next write position
	count   int
}

// NewRingBuffer creates a buffer holding up to capacity packets.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		packets: make([]*FramePacket, capacity),
	}
}

// Push inserts a packet, evicting the oldest when full.
func (b *RingBuffer) Push(p *FramePacket) {
	b.mu.Lock()
	b.packets[b.head] = p
	b.head = (b.head + 1) % len(b.packets)
	if b.count < len(b.packets) {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of buffered packets.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the fixed capacity.
func (b *RingBuffer) Capacity() int {
	return len(b.packets)
}

// Clear drops all buffered packets.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	for i := range b.packets {
		b.packets[i] = nil
	}
	b.head = 0
	b.count = 0
	b.mu.Unlock()
}

// Latest returns the newest packet, or nil when empty.
func (b *RingBuffer) Latest() *FramePacket {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return nil
	}
	idx := (b.head - 1 + len(b.packets)) % len(b.packets)
	return b.packets[idx]
}

// LastFrameNumber returns the frame number of the newest packet, 0 when empty.
func (b *RingBuffer) LastFrameNumber() uint64 {
	if p := b.Latest(); p != nil {
		return p.FrameNumber
	}
	return 0
}

// snapshotLocked returns the buffered packets oldest-first. Caller holds the
// read lock.
func (b *RingBuffer) snapshotLocked() []*FramePacket {
	out := make([]*FramePacket, 0, b.count)
	start := (b.head - b.count + len(b.packets)) % len(b.packets)
	for i := 0; i < b.count; i++ {
		out = append(out, b.packets[(start+i)%len(b.packets)])
	}
	return out
}

// Snapshot returns all buffered packets oldest-first.
func (b *RingBuffer) Snapshot() []*FramePacket {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

// LastConsecutive returns up to k newest packets oldest-first. This is the
// canonical classifier input: the raw tail of the buffer, no sampling.
func (b *RingBuffer) LastConsecutive(k int) []*FramePacket {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if k <= 0 || b.count == 0 {
		return nil
	}
	if k > b.count {
		k = b.count
	}
	out := make([]*FramePacket, 0, k)
	start := (b.head - k + len(b.packets)) % len(b.packets)
	for i := 0; i < k; i++ {
		out = append(out, b.packets[(start+i)%len(b.packets)])
	}
	return out
}

// LastWindow returns the packets whose timestamp falls within the last d,
// oldest-first.
func (b *RingBuffer) LastWindow(d time.Duration) []*FramePacket {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return nil
	}
	all := b.snapshotLocked()
	cutoff := all[len(all)-1].Timestamp.Add(-d)
	for i, p := range all {
		if !p.Timestamp.Before(cutoff) {
			return all[i:]
		}
	}
	return nil
}

// UniformSampled returns k packets at evenly spaced indices over the whole
// buffer, oldest-first. When fewer than k packets are buffered it returns
// all of them.
func (b *RingBuffer) UniformSampled(k int) []*FramePacket {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if k <= 0 || b.count == 0 {
		return nil
	}
	all := b.snapshotLocked()
	if k >= len(all) {
		return all
	}
	if k == 1 {
		return all[:1]
	}
	out := make([]*FramePacket, 0, k)
	step := float64(len(all)-1) / float64(k-1)
	for i := 0; i < k; i++ {
		out = append(out, all[int(float64(i)*step+0.5)])
	}
	return out
}
