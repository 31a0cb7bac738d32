package transport

import "container/heap"

// reassembler releases reliable-ordered payloads strictly in sequence.
// Out-of-order arrivals are buffered up to the reorder window; anything
// beyond the window is dropped and flagged so the caller can NACK the
// missing sequence number. Goroutine-local, no locking.
type reassembler struct {
	expected uint32
	window   uint32
	buffered map[uint32]struct{}
	heap     seqHeap
}

func newReassembler(window uint32) *reassembler {
	return &reassembler{
		expected: 1,
		window:   window,
		buffered: make(map[uint32]struct{}),
	}
}

type seqEntry struct {
	seq     uint32
	payload []byte
}

// feed returns the payloads deliverable in order after this arrival.
// nack is true when the arrival was outside the window and the sender
// should be asked to resend the expected seq.
func (r *reassembler) feed(seq uint32, payload []byte) (ready [][]byte, nack bool) {
	switch {
	case seq < r.expected:
		// Duplicate of something already delivered.
		return nil, false
	case seq >= r.expected+r.window:
		return nil, true
	case seq > r.expected:
		if _, dup := r.buffered[seq]; dup {
			return nil, false
		}
		r.buffered[seq] = struct{}{}
		heap.Push(&r.heap, seqEntry{seq: seq, payload: payload})
		return nil, false
	}

	ready = [][]byte{payload}
	r.expected++
	for r.heap.Len() > 0 && r.heap[0].seq <= r.expected {
		e := heap.Pop(&r.heap).(seqEntry)
		delete(r.buffered, e.seq)
		if e.seq < r.expected {
			continue // late duplicate that got buffered
		}
		ready = append(ready, e.payload)
		r.expected++
	}
	return ready, false
}

type seqHeap []seqEntry

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(seqEntry)) }

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = seqEntry{}
	*h = old[:n-1]
	return item
}
