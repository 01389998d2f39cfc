package shaping

import (
	"time"
)

// Kind distinguishes data entries from the end-of-stream marker.
type Kind int

const (
	// Chunk carries a payload to write to the sink.
	Chunk Kind = iota
	// End closes the sink.
	End
)

func (k Kind) String() string {
	if k == End {
		return "end"
	}
	return "chunk"
}

// Entry is a pending release event.
type Entry struct {
	Kind      Kind
	ReleaseAt time.Time
	Payload   []byte
}

// Queue holds pending entries in release order. Implementations must keep
// ReleaseAt non-decreasing from head to tail.
type Queue interface {
	Push(e Entry)
	Pop() (Entry, bool)
	Peek() (Entry, bool)
	Tail() (Entry, bool)
	Len() int
}

// fifo is an unbounded ring buffer of entries.
type fifo struct {
	buf   []Entry
	head  int
	count int
}

// NewQueue returns an unbounded FIFO queue.
func NewQueue() Queue {
	return &fifo{buf: make([]Entry, 16)}
}

func (q *fifo) Push(e Entry) {
	if tail, ok := q.Tail(); ok && e.ReleaseAt.Before(tail.ReleaseAt) {
		e.ReleaseAt = tail.ReleaseAt
	}
	if q.count == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.count)%len(q.buf)] = e
	q.count++
}

func (q *fifo) Pop() (Entry, bool) {
	if q.count == 0 {
		return Entry{}, false
	}
	e := q.buf[q.head]
	q.buf[q.head] = Entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return e, true
}

func (q *fifo) Peek() (Entry, bool) {
	if q.count == 0 {
		return Entry{}, false
	}
	return q.buf[q.head], true
}

func (q *fifo) Tail() (Entry, bool) {
	if q.count == 0 {
		return Entry{}, false
	}
	return q.buf[(q.head+q.count-1)%len(q.buf)], true
}

func (q *fifo) Len() int {
	return q.count
}

func (q *fifo) grow() {
	buf := make([]Entry, len(q.buf)*2)
	for i := 0; i < q.count; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
