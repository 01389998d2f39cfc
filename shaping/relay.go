// Package shaping reshapes the delivery timing of byte streams so that they
// behave as if they crossed a slow, high latency link.
//
// A Relay reads chunks from a source, gives each a release time from its
// Scheduler and writes them to a Sink once that time has come. Back-to-back
// chunks are serialized, each waiting for the transmission time of the chunks
// ahead of it, while an idle link does not accumulate artificial backlog.
package shaping

import (
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/golog"
	"github.com/mxk/go-flowrate/flowrate"
)

const (
	// DefaultReadBufferSize is the largest chunk read from a source at once.
	DefaultReadBufferSize = 16 * 1024

	rateSampleInterval = 100 * time.Millisecond
	rateWindow         = time.Second
)

var (
	log = golog.LoggerFor("shaping")
)

// Config is captured when a Relay starts and never changes afterwards.
type Config struct {
	// Label identifies the direction in diagnostics, e.g. "httpres".
	Label string
	// BandwidthBps is the link capacity in bits per second. Must be positive.
	BandwidthBps int64
	// InitialDelay is applied once, to the first chunk and to the end of
	// stream. It models propagation latency plus header transmission time.
	InitialDelay time.Duration
	// SourceURL is for diagnostics only.
	SourceURL string
	// ReadBufferSize caps the chunk size. Defaults to DefaultReadBufferSize.
	ReadBufferSize int
	// Queue overrides the unbounded default queue.
	Queue Queue
	// OnSourceError is called from the reading goroutine as soon as the source
	// fails with anything but io.EOF.
	OnSourceError func(error)
	// OnRelease is called with the size of every chunk written to the sink.
	OnRelease func(n int)
	// OnFinish is called once with the final statistics.
	OnFinish func(Stats)
}

// Stats summarizes what a Relay delivered.
type Stats struct {
	Label     string
	SourceURL string
	// Bytes is the number of payload bytes received from the source.
	Bytes int64
	// Duration runs from the first chunk to the release of the end marker.
	Duration time.Duration
	// BandwidthBps is the realized throughput in bits per second, zero when
	// nothing was transferred.
	BandwidthBps int64
	// AvgRate and PeakRate are sink write rates in bytes per second.
	AvgRate  int64
	PeakRate int64
	// Completed is true if the stream ended normally and the sink was ended.
	Completed bool
}

type event struct {
	payload []byte
	eof     bool
	err     error
}

// Relay shapes one direction of a connection. All of its state is owned by
// a single goroutine fed through the events channel.
type Relay struct {
	cfg     Config
	src     io.Reader
	sink    Sink
	sched   *Scheduler
	monitor *flowrate.Monitor
	events  chan event
	timer   *time.Timer
	done    chan struct{}

	abort     chan struct{}
	abortOnce sync.Once

	sinkFailed bool
	sourceErr  error
	stats      Stats
}

// Start begins relaying from src to sink and returns immediately. I/O errors
// on the source are reported through Config.OnSourceError and Err, they do
// not stop chunks that are already queued from being released.
func Start(cfg Config, src io.Reader, sink Sink) *Relay {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	r := &Relay{
		cfg:     cfg,
		src:     src,
		sink:    sink,
		sched:   NewScheduler(cfg.BandwidthBps, cfg.InitialDelay, cfg.Queue),
		monitor: flowrate.New(rateSampleInterval, rateWindow),
		events:  make(chan event),
		timer:   time.NewTimer(time.Hour),
		done:    make(chan struct{}),
		abort:   make(chan struct{}),
	}
	r.timer.Stop()
	go r.read()
	go r.run()
	return r
}

// Done is closed once the relay has released everything it will release.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Stats returns the final statistics. Only valid after Done is closed.
func (r *Relay) Stats() Stats {
	return r.stats
}

// Abort discards whatever is still queued and finishes the relay without
// ending the sink. The caller is responsible for closing the source so that
// a pending read returns.
func (r *Relay) Abort() {
	r.abortOnce.Do(func() {
		close(r.abort)
	})
}

// Err returns the source error, if any. Only valid after Done is closed.
func (r *Relay) Err() error {
	return r.sourceErr
}

func (r *Relay) read() {
	for {
		buf := make([]byte, r.cfg.ReadBufferSize)
		n, err := r.src.Read(buf)
		if n > 0 && !r.send(event{payload: buf[:n]}) {
			return
		}
		if err == io.EOF {
			r.send(event{eof: true})
			return
		}
		if err != nil {
			if r.cfg.OnSourceError != nil {
				r.cfg.OnSourceError(err)
			}
			r.send(event{err: err})
			return
		}
	}
}

func (r *Relay) send(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Relay) run() {
	defer close(r.done)
	defer r.timer.Stop()

	events := r.events
	for {
		if events == nil && r.sched.Pending() == 0 {
			// Source failed and everything queued has been released.
			r.finish(time.Now(), false)
			return
		}
		select {
		case ev := <-events:
			now := time.Now()
			switch {
			case ev.eof:
				e := r.sched.ScheduleEnd(now)
				log.Tracef("%v end scheduled in %v", r.cfg.Label, e.ReleaseAt.Sub(now))
				events = nil
			case ev.err != nil:
				log.Debugf("%v source error: %v", r.cfg.Label, ev.err)
				r.sourceErr = ev.err
				events = nil
			default:
				e := r.sched.ScheduleChunk(now, ev.payload)
				log.Tracef("%v data: %d release in %v", r.cfg.Label, len(ev.payload), e.ReleaseAt.Sub(now))
			}
			if r.sched.Pending() == 1 {
				r.arm(now)
			}
		case <-r.timer.C:
			now := time.Now()
			if r.releaseDue(now) {
				return
			}
			r.arm(now)
		case <-r.abort:
			log.Debugf("%v aborted with %d entries pending", r.cfg.Label, r.sched.Pending())
			r.finish(time.Now(), false)
			return
		}
	}
}

// arm points the timer at the current queue head.
func (r *Relay) arm(now time.Time) {
	head, ok := r.sched.Next()
	if !ok {
		return
	}
	wait := head.ReleaseAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	r.timer.Reset(wait)
}

// releaseDue releases every entry whose time has come. It returns true once
// the end marker has been released.
func (r *Relay) releaseDue(now time.Time) bool {
	for {
		head, ok := r.sched.Next()
		if !ok || head.ReleaseAt.After(now) {
			return false
		}
		e, jitter, _ := r.sched.Pop(now)
		log.Tracef("%v jitter: %d %v", r.cfg.Label, len(e.Payload), jitter)
		if e.Kind == End {
			r.endSink()
			r.finish(now, true)
			return true
		}
		r.write(e.Payload)
	}
}

func (r *Relay) write(p []byte) {
	if r.sinkFailed {
		return
	}
	n, err := r.sink.Write(p)
	r.monitor.Update(n)
	if err != nil {
		// The sink has most likely been closed by the other side.
		log.Debugf("%v ignoring write error: %v", r.cfg.Label, err)
		r.sinkFailed = true
	}
	if n > 0 && r.cfg.OnRelease != nil {
		r.cfg.OnRelease(n)
	}
}

func (r *Relay) endSink() {
	log.Tracef("%v ending sink", r.cfg.Label)
	if err := r.sink.End(); err != nil {
		log.Debugf("%v ignoring error ending sink: %v", r.cfg.Label, err)
	}
}

func (r *Relay) finish(now time.Time, completed bool) {
	r.monitor.Done()
	status := r.monitor.Status()
	s := Stats{
		Label:     r.cfg.Label,
		SourceURL: r.cfg.SourceURL,
		Bytes:     r.sched.Bytes(),
		AvgRate:   status.AvgRate,
		PeakRate:  status.PeakRate,
		Completed: completed,
	}
	if first := r.sched.FirstByte(); !first.IsZero() {
		s.Duration = now.Sub(first)
	}
	if ms := s.Duration.Milliseconds(); ms > 0 && s.Bytes > 0 {
		s.BandwidthBps = s.Bytes * 8 * 1000 / ms
		log.Debugf("%v duration: %v bytes: %v bandwidth: %v bps %v",
			r.cfg.Label, s.Duration, humanize.Bytes(uint64(s.Bytes)), humanize.Comma(s.BandwidthBps), r.cfg.SourceURL)
	}
	r.stats = s
	if r.cfg.OnFinish != nil {
		r.cfg.OnFinish(s)
	}
}
