package ptyhost

// ring keeps the most recent output bytes of a session.
type ring struct {
	buf   []byte
	start int
	size  int
	total int64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	return &ring{buf: make([]byte, capacity)}
}

func (r *ring) write(p []byte) {
	r.total += int64(len(p))
	capacity := len(r.buf)
	if len(p) >= capacity {
		copy(r.buf, p[len(p)-capacity:])
		r.start = 0
		r.size = capacity
		return
	}
	end := (r.start + r.size) % capacity
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.size += len(p)
	if r.size > capacity {
		r.start = (r.start + r.size - capacity) % capacity
		r.size = capacity
	}
}

// bytes returns a copy of the retained output in write order.
func (r *ring) bytes() []byte {
	out := make([]byte, r.size)
	n := copy(out, r.buf[r.start:min(r.start+r.size, len(r.buf))])
	copy(out[n:], r.buf[:r.size-n])
	return out
}

// truncated reports whether older output has been overwritten.
func (r *ring) truncated() bool {
	return r.total > int64(r.size)
}

// offset is the total number of bytes ever written.
func (r *ring) offset() int64 {
	return r.total
}
