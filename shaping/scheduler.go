package shaping

import (
	"time"
)

// Scheduler assigns release times to arriving chunks so that a stream is
// delivered as if it crossed a serialized link of the configured bandwidth.
// Every decision uses the single now passed in by the caller. A Scheduler is
// not safe for concurrent use.
type Scheduler struct {
	bandwidthBps int64
	initialDelay time.Duration
	queue        Queue

	bytes     int64
	firstByte time.Time
}

// NewScheduler creates a Scheduler backed by q. If q is nil, an unbounded
// FIFO is used.
func NewScheduler(bandwidthBps int64, initialDelay time.Duration, q Queue) *Scheduler {
	if q == nil {
		q = NewQueue()
	}
	return &Scheduler{
		bandwidthBps: bandwidthBps,
		initialDelay: initialDelay,
		queue:        q,
	}
}

// ScheduleChunk queues payload and returns the scheduled entry. The first
// chunk of a stream additionally carries the initial delay.
func (s *Scheduler) ScheduleChunk(now time.Time, payload []byte) Entry {
	var delay time.Duration
	if s.firstByte.IsZero() {
		s.firstByte = now
		delay = s.initialDelay
	}
	delay += TransmissionDelay(len(payload), s.bandwidthBps)
	s.bytes += int64(len(payload))
	e := Entry{Kind: Chunk, ReleaseAt: s.releaseAt(now, delay), Payload: payload}
	s.queue.Push(e)
	return e
}

// ScheduleEnd queues the end-of-stream marker one initial delay after the
// last pending entry.
func (s *Scheduler) ScheduleEnd(now time.Time) Entry {
	if s.firstByte.IsZero() {
		s.firstByte = now
	}
	e := Entry{Kind: End, ReleaseAt: s.releaseAt(now, s.initialDelay)}
	s.queue.Push(e)
	return e
}

// releaseAt carries scheduling forward from the queue tail, re-basing on now
// once the tail has fallen behind (catch-up reset).
func (s *Scheduler) releaseAt(now time.Time, delay time.Duration) time.Time {
	tail := now
	if last, ok := s.queue.Tail(); ok {
		tail = last.ReleaseAt
	}
	candidate := tail.Add(delay)
	if candidate.Before(now) {
		return now.Add(delay)
	}
	return candidate
}

// Next returns the head entry without removing it.
func (s *Scheduler) Next() (Entry, bool) {
	return s.queue.Peek()
}

// Pop removes the head entry and reports its jitter, the difference between
// its scheduled release and now. Jitter is informational only.
func (s *Scheduler) Pop(now time.Time) (Entry, time.Duration, bool) {
	e, ok := s.queue.Pop()
	if !ok {
		return e, 0, false
	}
	return e, e.ReleaseAt.Sub(now), true
}

// Pending is the number of queued entries.
func (s *Scheduler) Pending() int {
	return s.queue.Len()
}

// Bytes is the number of payload bytes scheduled so far.
func (s *Scheduler) Bytes() int64 {
	return s.bytes
}

// FirstByte is when the first chunk (or the end of an empty stream) arrived.
func (s *Scheduler) FirstByte() time.Time {
	return s.firstByte
}
