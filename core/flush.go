package core

import "pkt.systems/termlink/schema"

// outputChunk is a unit handed to the renderer. Only live stream chunks are
// acked back to the host as consumed credit.
type outputChunk struct {
	data []byte
	seq  int64
	ack  bool
}

type flushQueue struct {
	chunks    []outputChunk
	bytes     int
	scheduled bool
}

// flushScheduler paces renderer writes: at most budget bytes per tick and at
// most one armed tick per session.
type flushScheduler struct {
	budget       int
	backlogLimit int
	queues       map[schema.SessionKey]*flushQueue

	canWrite      func(schema.SessionKey) bool
	write         func(schema.SessionKey, outputChunk)
	onFlushed     func(schema.SessionKey, outputChunk)
	requestTick   func(func())
	onBacklogDrop func(key schema.SessionKey, chunks, bytes int)
}

func newFlushScheduler(budget, backlogLimit int) *flushScheduler {
	if budget <= 0 {
		budget = schema.DefaultFlushBudgetBytes
	}
	if backlogLimit <= 0 {
		backlogLimit = schema.DefaultFlushBacklogLimit
	}
	return &flushScheduler{
		budget:       budget,
		backlogLimit: backlogLimit,
		queues:       make(map[schema.SessionKey]*flushQueue),
	}
}

// enqueue queues a chunk and arms a tick if none is pending.
func (f *flushScheduler) enqueue(key schema.SessionKey, chunk outputChunk) {
	if len(chunk.data) == 0 {
		return
	}
	q := f.queues[key]
	if q == nil {
		q = &flushQueue{}
		f.queues[key] = q
	}
	q.chunks = append(q.chunks, chunk)
	q.bytes += len(chunk.data)
	if !q.scheduled {
		f.arm(key, q)
	}
}

// flush writes one budgeted cycle. A call whose scheduled token differs from
// the queue's pending flag is ignored.
func (f *flushScheduler) flush(key schema.SessionKey, scheduled bool) {
	q := f.queues[key]
	if q == nil || q.scheduled != scheduled {
		return
	}
	q.scheduled = false
	if f.canWrite != nil && !f.canWrite(key) {
		return
	}
	remaining := f.budget
	for len(q.chunks) > 0 && remaining > 0 {
		chunk := q.chunks[0]
		q.chunks = q.chunks[1:]
		remaining -= len(chunk.data)
		if f.write != nil {
			f.write(key, chunk)
		}
		if f.onFlushed != nil {
			f.onFlushed(key, chunk)
		}
	}
	q.bytes = queuedBytes(q.chunks)
	if q.bytes > f.backlogLimit {
		drop := len(q.chunks) / 2
		dropped := queuedBytes(q.chunks[:drop])
		q.chunks = append([]outputChunk(nil), q.chunks[drop:]...)
		q.bytes = queuedBytes(q.chunks)
		if f.onBacklogDrop != nil && drop > 0 {
			f.onBacklogDrop(key, drop, dropped)
		}
	}
	if len(q.chunks) > 0 && !q.scheduled {
		f.arm(key, q)
	}
}

// kick arms a tick for a session that has queued chunks but none scheduled,
// such as after a renderer handle attaches.
func (f *flushScheduler) kick(key schema.SessionKey) {
	q := f.queues[key]
	if q == nil || q.scheduled || len(q.chunks) == 0 {
		return
	}
	f.arm(key, q)
}

func (f *flushScheduler) arm(key schema.SessionKey, q *flushQueue) {
	q.scheduled = true
	if f.requestTick == nil {
		return
	}
	f.requestTick(func() { f.flush(key, true) })
}

func (f *flushScheduler) pendingBytes(key schema.SessionKey) int {
	if q := f.queues[key]; q != nil {
		return q.bytes
	}
	return 0
}

func (f *flushScheduler) pendingChunks(key schema.SessionKey) int {
	if q := f.queues[key]; q != nil {
		return len(q.chunks)
	}
	return 0
}

// clear drops the queue. A tick armed before clear finds no queue and does nothing.
func (f *flushScheduler) clear(key schema.SessionKey) {
	delete(f.queues, key)
}

func queuedBytes(chunks []outputChunk) int {
	total := 0
	for _, chunk := range chunks {
		total += len(chunk.data)
	}
	return total
}
