package kfmt

import "io"

// earlyBufferSize is the capacity of the buffer that holds Printf output
// until an output sink is attached. It must be a power of 2.
const earlyBufferSize = 4096

// ringBuffer retains the most recent earlyBufferSize bytes written to it.
// Older bytes are overwritten once the buffer is full.
type ringBuffer struct {
	data  [earlyBufferSize]byte
	start int
	count int
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	if len(p) >= earlyBufferSize {
		copy(rb.data[:], p[len(p)-earlyBufferSize:])
		rb.start, rb.count = 0, earlyBufferSize
		return len(p), nil
	}

	for _, b := range p {
		rb.data[(rb.start+rb.count)&(earlyBufferSize-1)] = b
		if rb.count == earlyBufferSize {
			rb.start = (rb.start + 1) & (earlyBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return rb.count
}

// Read drains up to len(p) of the oldest buffered bytes into p. It returns
// io.EOF once the buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.count != 0 {
		end := rb.start + rb.count
		if end > earlyBufferSize {
			end = earlyBufferSize
		}

		copied := copy(p[n:], rb.data[rb.start:end])
		n += copied
		rb.start = (rb.start + copied) & (earlyBufferSize - 1)
		rb.count -= copied
	}

	return n, nil
}

// reset discards the buffered bytes.
func (rb *ringBuffer) reset() {
	rb.start, rb.count = 0, 0
}
