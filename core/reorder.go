package core

import (
	"sort"
	"time"

	"pkt.systems/termlink/schema"
)

// streamChunk is one sequenced output chunk awaiting ordered release.
type streamChunk struct {
	seq        int64
	data       []byte
	receivedAt time.Time
}

type enqueueResult struct {
	queuedChunks     int
	queuedBytes      int
	droppedStale     int
	droppedDuplicate int
}

type consumeOptions struct {
	force  bool
	minAge time.Duration
	now    time.Time
}

type consumeResult struct {
	released     []streamChunk
	droppedStale int64
}

// orderedStream holds the reorder window of one session.
// lastDelivered is 0 until the first ordered chunk is released.
type orderedStream struct {
	lastDelivered    int64
	pending          []streamChunk
	immediate        []streamChunk
	queuedBytes      int
	droppedStale     int64
	droppedDuplicate int64
	skippedSeqs      int64
}

// reassembler releases sequenced chunks per session in contiguous seq order.
// Chunks with seq 0 bypass ordering and are released on the next consume.
type reassembler struct {
	streams map[schema.SessionKey]*orderedStream
}

func newReassembler() *reassembler {
	return &reassembler{streams: make(map[schema.SessionKey]*orderedStream)}
}

func (r *reassembler) stream(key schema.SessionKey) *orderedStream {
	s := r.streams[key]
	if s == nil {
		s = &orderedStream{}
		r.streams[key] = s
	}
	return s
}

// enqueue inserts chunk in seq order. Counts in the result cover this call only.
func (r *reassembler) enqueue(key schema.SessionKey, chunk streamChunk) enqueueResult {
	s := r.stream(key)
	var result enqueueResult
	switch {
	case chunk.seq <= 0:
		chunk.seq = 0
		s.immediate = append(s.immediate, chunk)
		s.queuedBytes += len(chunk.data)
	case s.lastDelivered > 0 && chunk.seq <= s.lastDelivered:
		s.droppedStale++
		result.droppedStale = 1
	default:
		idx := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].seq >= chunk.seq })
		if idx < len(s.pending) && s.pending[idx].seq == chunk.seq {
			s.droppedDuplicate++
			result.droppedDuplicate = 1
			break
		}
		s.pending = append(s.pending, streamChunk{})
		copy(s.pending[idx+1:], s.pending[idx:])
		s.pending[idx] = chunk
		s.queuedBytes += len(chunk.data)
	}
	result.queuedChunks = len(s.pending) + len(s.immediate)
	result.queuedBytes = s.queuedBytes
	return result
}

// consume releases immediate chunks, then the contiguous ordered prefix.
// A forced consume skips over gaps until the ordered lane is empty and counts
// every skipped seq as stale.
func (r *reassembler) consume(key schema.SessionKey, opts consumeOptions) consumeResult {
	s := r.streams[key]
	if s == nil {
		return consumeResult{}
	}
	var result consumeResult
	for _, chunk := range s.immediate {
		s.queuedBytes -= len(chunk.data)
		result.released = append(result.released, chunk)
	}
	s.immediate = nil
	if len(s.pending) == 0 {
		return result
	}
	if !opts.force && opts.minAge > 0 {
		if oldest, ok := s.oldestReceived(); ok && opts.now.Sub(oldest) < opts.minAge {
			return result
		}
	}
	for len(s.pending) > 0 {
		head := s.pending[0]
		expected := s.lastDelivered + 1
		if s.lastDelivered == 0 {
			expected = head.seq
		}
		if head.seq != expected {
			if !opts.force {
				break
			}
			skipped := head.seq - expected
			s.droppedStale += skipped
			s.skippedSeqs += skipped
			result.droppedStale += skipped
			s.lastDelivered = head.seq - 1
			continue
		}
		s.pending = s.pending[1:]
		s.queuedBytes -= len(head.data)
		s.lastDelivered = head.seq
		result.released = append(result.released, head)
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return result
}

// advanceTo marks every seq below next as already delivered, dropping queued
// chunks it covers. It never moves the baseline backwards.
func (r *reassembler) advanceTo(key schema.SessionKey, next int64) int {
	if next <= 1 {
		return 0
	}
	s := r.stream(key)
	if next-1 <= s.lastDelivered {
		return 0
	}
	s.lastDelivered = next - 1
	dropped := 0
	for len(s.pending) > 0 && s.pending[0].seq <= s.lastDelivered {
		s.queuedBytes -= len(s.pending[0].data)
		s.pending = s.pending[1:]
		dropped++
	}
	s.droppedStale += int64(dropped)
	return dropped
}

// pendingOrdered reports the number of chunks held in the ordered lane.
func (r *reassembler) pendingOrdered(key schema.SessionKey) int {
	if s := r.streams[key]; s != nil {
		return len(s.pending)
	}
	return 0
}

// oldestReceived returns the earliest receive time among held ordered chunks.
func (r *reassembler) oldestReceived(key schema.SessionKey) (time.Time, bool) {
	if s := r.streams[key]; s != nil {
		return s.oldestReceived()
	}
	return time.Time{}, false
}

func (s *orderedStream) oldestReceived() (time.Time, bool) {
	if len(s.pending) == 0 {
		return time.Time{}, false
	}
	oldest := s.pending[0].receivedAt
	for _, chunk := range s.pending[1:] {
		if chunk.receivedAt.Before(oldest) {
			oldest = chunk.receivedAt
		}
	}
	return oldest, true
}

func (r *reassembler) snapshot(key schema.SessionKey) schema.ReorderSnapshot {
	s := r.streams[key]
	if s == nil {
		return schema.ReorderSnapshot{}
	}
	snap := schema.ReorderSnapshot{
		QueuedChunks:     len(s.pending) + len(s.immediate),
		QueuedBytes:      s.queuedBytes,
		LastDeliveredSeq: s.lastDelivered,
		DroppedStale:     s.droppedStale,
		DroppedDuplicate: s.droppedDuplicate,
		SkippedSeqs:      s.skippedSeqs,
	}
	if len(s.pending) > 0 {
		snap.FirstSeq = s.pending[0].seq
		snap.LastSeq = s.pending[len(s.pending)-1].seq
	}
	return snap
}

func (r *reassembler) reset(key schema.SessionKey) {
	delete(r.streams, key)
}
