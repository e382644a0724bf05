package voice

import (
	"container/heap"
	"sync/atomic"

	"github.com/kaibanet/kaibanet/internal/util"
)

// seqGen is a per-sender atomic frame counter. The capture goroutine is the
// only writer, but mute toggles may race with it, so keep it atomic.
type seqGen struct {
	val atomic.Uint32
}

// next returns the next sequence number (monotonically increasing from 1).
func (s *seqGen) next() uint32 {
	return s.val.Add(1)
}

// jitterBuffer reorders out-of-order voice frames from a single sender.
// It is goroutine-local (fed from the message handler) and needs no locking.
// Unlike a lossless stream reassembler, audio cannot wait forever for a gap
// to fill: once the buffer holds maxBuffered future frames the gap is
// declared lost and playback skips ahead.
type jitterBuffer struct {
	expectedSeq uint32
	buffer      frameHeap
	maxBuffered int
}

func newJitterBuffer() *jitterBuffer {
	return &jitterBuffer{expectedSeq: 1, maxBuffered: 16}
}

// feed processes an incoming frame and returns all frames that can now be
// played in sequence order. Returns nil if no frames are ready.
func (j *jitterBuffer) feed(f *Frame) []*Frame {
	if f.Seq < j.expectedSeq {
		util.LogDebug("voice: stale frame seq %d (expected %d) from %s, dropping",
			f.Seq, j.expectedSeq, f.SenderID)
		return nil
	}

	if f.Seq > j.expectedSeq {
		heap.Push(&j.buffer, f)
		if j.buffer.Len() < j.maxBuffered {
			return nil
		}
		// Gap is not going to fill. Skip to the oldest buffered frame.
		util.LogDebug("voice: giving up on frames %d..%d from %s",
			j.expectedSeq, j.buffer[0].Seq-1, f.SenderID)
		j.expectedSeq = j.buffer[0].Seq
	}

	var result []*Frame
	if j.buffer.Len() == 0 || j.buffer[0].Seq != j.expectedSeq {
		result = append(result, f)
		j.expectedSeq++
	}

	for j.buffer.Len() > 0 && j.buffer[0].Seq == j.expectedSeq {
		result = append(result, heap.Pop(&j.buffer).(*Frame))
		j.expectedSeq++
	}

	return result
}

// frameHeap is a min-heap sorted by Seq.

type frameHeap []*Frame

func (h frameHeap) Len() int            { return len(h) }
func (h frameHeap) Less(i, j int) bool  { return h[i].Seq < h[j].Seq }
func (h frameHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x interface{}) { *h = append(*h, x.(*Frame)) }

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
