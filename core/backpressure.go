package core

import "pkt.systems/termlink/schema"

type backpressureResult struct {
	bufferedChunks int
	bufferedBytes  int
	droppedChunks  int
	droppedBytes   int
}

type backpressureQueue struct {
	chunks []outputChunk
	bytes  int
}

// backpressureBuffer holds output while no renderer handle can accept it.
// The byte total stays under capBytes unless a single chunk exceeds it alone.
type backpressureBuffer struct {
	capBytes int
	queues   map[schema.SessionKey]*backpressureQueue
}

func newBackpressureBuffer(capBytes int) *backpressureBuffer {
	if capBytes <= 0 {
		capBytes = schema.DefaultBackpressureCapBytes
	}
	return &backpressureBuffer{capBytes: capBytes, queues: make(map[schema.SessionKey]*backpressureQueue)}
}

// bufferChunk appends chunk and evicts from the front until under the cap,
// always keeping the newest chunk.
func (b *backpressureBuffer) bufferChunk(key schema.SessionKey, chunk outputChunk) backpressureResult {
	q := b.queues[key]
	if q == nil {
		q = &backpressureQueue{}
		b.queues[key] = q
	}
	q.chunks = append(q.chunks, chunk)
	q.bytes += len(chunk.data)
	var result backpressureResult
	evict := 0
	for len(q.chunks)-evict > 1 && q.bytes > b.capBytes {
		q.bytes -= len(q.chunks[evict].data)
		result.droppedChunks++
		result.droppedBytes += len(q.chunks[evict].data)
		evict++
	}
	if evict > 0 {
		q.chunks = append([]outputChunk(nil), q.chunks[evict:]...)
		q.bytes = 0
		for _, c := range q.chunks {
			q.bytes += len(c.data)
		}
	}
	result.bufferedChunks = len(q.chunks)
	result.bufferedBytes = q.bytes
	return result
}

// drain returns every buffered chunk in arrival order and clears the queue.
func (b *backpressureBuffer) drain(key schema.SessionKey) []outputChunk {
	q := b.queues[key]
	if q == nil {
		return nil
	}
	delete(b.queues, key)
	return q.chunks
}

func (b *backpressureBuffer) snapshot(key schema.SessionKey) (chunks int, bytes int) {
	if q := b.queues[key]; q != nil {
		return len(q.chunks), q.bytes
	}
	return 0, 0
}

func (b *backpressureBuffer) clear(key schema.SessionKey) {
	delete(b.queues, key)
}
