// Package metrics keeps moving averages of the traffic released by relays.
package metrics

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// tickInterval is the interval go-metrics EWMAs expect to be ticked at.
const tickInterval = 5 * time.Second

// Throughput tracks one minute moving averages of relayed bytes per
// direction.
type Throughput struct {
	down metrics.EWMA
	up   metrics.EWMA
	stop chan struct{}
}

// NewThroughput creates a Throughput that ticks itself until Stop is called.
func NewThroughput() *Throughput {
	t := newThroughput()
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Tick()
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

func newThroughput() *Throughput {
	return &Throughput{
		down: metrics.NewEWMA1(),
		up:   metrics.NewEWMA1(),
		stop: make(chan struct{}),
	}
}

// RecordDown records n bytes released towards clients.
func (t *Throughput) RecordDown(n int) {
	t.down.Update(int64(n))
}

// RecordUp records n bytes released towards origins.
func (t *Throughput) RecordUp(n int) {
	t.up.Update(int64(n))
}

// DownRate is the recent download rate in bytes per second.
func (t *Throughput) DownRate() float64 {
	return t.down.Rate()
}

// UpRate is the recent upload rate in bytes per second.
func (t *Throughput) UpRate() float64 {
	return t.up.Rate()
}

// Tick advances the moving averages by one interval.
func (t *Throughput) Tick() {
	t.down.Tick()
	t.up.Tick()
}

// Stop stops ticking.
func (t *Throughput) Stop() {
	close(t.stop)
}
