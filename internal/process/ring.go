package process

// ring keeps the most recent size bytes written to it. Callers synchronize.
type ring struct {
	buf  []byte
	size int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = DefaultScrollbackBytes
	}
	return &ring{size: size}
}

func (r *ring) write(p []byte) {
	if len(p) >= r.size {
		r.buf = append(r.buf[:0], p[len(p)-r.size:]...)
		return
	}
	if over := len(r.buf) + len(p) - r.size; over > 0 {
		n := copy(r.buf, r.buf[over:])
		r.buf = r.buf[:n]
	}
	r.buf = append(r.buf, p...)
}

func (r *ring) bytes() []byte {
	if len(r.buf) == 0 {
		return nil
	}
	return append([]byte(nil), r.buf...)
}
