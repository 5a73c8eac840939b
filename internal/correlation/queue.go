package correlation

import (
	"sync"
	"sync/atomic"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// globalQueue is the single point of backpressure across all sources. It is
// a bounded, priority-tiered FIFO: when full, it sheds the lowest
// priority tier first (resource/heartbeat), then the middle tier
// (metric/progress), before refusing the highest tier (event/span/
// goodbye), mirroring the shed-by-tier design of a bounded telemetry
// queue under backpressure.
type globalQueue struct {
	capacity int
	mu       sync.Mutex
	items    []queuedRecord

	totalEnqueued atomic.Int64
	totalDequeued atomic.Int64
	droppedLow    atomic.Int64
	droppedMid    atomic.Int64
}

type queuedRecord struct {
	source string
	rec    *wire.Record
}

func newGlobalQueue(capacity int) *globalQueue {
	if capacity <= 0 {
		capacity = 50000
	}
	return &globalQueue{capacity: capacity, items: make([]queuedRecord, 0, capacity)}
}

// Enqueue admits rec for source, applying tier-based shedding when full.
// Returns (admitted, droppedReason).
func (q *globalQueue) Enqueue(source string, rec *wire.Record) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prio := sourcePriority(rec.Kind)

	if len(q.items) < q.capacity {
		q.items = append(q.items, queuedRecord{source: source, rec: rec})
		q.totalEnqueued.Add(1)
		return true, ""
	}

	if prio == 0 {
		q.droppedLow.Add(1)
		return false, "global_queue_full_low_priority"
	}

	if q.shedTierLocked(0) {
		q.items = append(q.items, queuedRecord{source: source, rec: rec})
		q.totalEnqueued.Add(1)
		return true, ""
	}

	if prio == 1 {
		q.droppedMid.Add(1)
		return false, "global_queue_full_mid_priority"
	}

	if q.shedTierLocked(1) {
		q.items = append(q.items, queuedRecord{source: source, rec: rec})
		q.totalEnqueued.Add(1)
		return true, ""
	}

	// Highest tier and the queue is saturated with same-or-higher
	// priority work: count as queue_full without admitting.
	q.droppedMid.Add(1)
	return false, "global_queue_full"
}

func (q *globalQueue) shedTierLocked(tier int) bool {
	for i, it := range q.items {
		if sourcePriority(it.rec.Kind) == tier {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if tier == 0 {
				q.droppedLow.Add(1)
			} else {
				q.droppedMid.Add(1)
			}
			return true
		}
	}
	return false
}

// DrainSource removes and returns, in FIFO order, every queued record
// belonging to source. Records for other sources retain their relative
// order.
func (q *globalQueue) DrainSource(source string) []*wire.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*wire.Record, 0, len(q.items))
	rest := q.items[:0:0]
	for _, it := range q.items {
		if it.source == source {
			out = append(out, it.rec)
		} else {
			rest = append(rest, it)
		}
	}
	q.items = rest
	q.totalDequeued.Add(int64(len(out)))
	return out
}

// Len returns the total number of records currently queued across all sources.
func (q *globalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LenForSource returns the number of queued records for one source.
func (q *globalQueue) LenForSource(source string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.source == source {
			n++
		}
	}
	return n
}

// Stats snapshots the queue's counters.
type QueueStats struct {
	Depth         int
	Capacity      int
	TotalEnqueued int64
	TotalDequeued int64
	DroppedLow    int64
	DroppedMid    int64
}

func (q *globalQueue) Stats() QueueStats {
	q.mu.Lock()
	depth := len(q.items)
	q.mu.Unlock()
	return QueueStats{
		Depth:         depth,
		Capacity:      q.capacity,
		TotalEnqueued: q.totalEnqueued.Load(),
		TotalDequeued: q.totalDequeued.Load(),
		DroppedLow:    q.droppedLow.Load(),
		DroppedMid:    q.droppedMid.Load(),
	}
}
