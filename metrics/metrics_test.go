package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThroughput(t *testing.T) {
	tp := newThroughput()
	assert.Zero(t, tp.DownRate())
	assert.Zero(t, tp.UpRate())

	tp.RecordDown(5000)
	tp.RecordUp(2000)
	tp.RecordUp(500)
	tp.Tick()

	assert.InDelta(t, 1000, tp.DownRate(), 0.001)
	assert.InDelta(t, 500, tp.UpRate(), 0.001)

	tp.Tick()
	assert.True(t, tp.DownRate() < 1000, "rate should decay without traffic")
}

func TestThroughputStop(t *testing.T) {
	tp := NewThroughput()
	tp.RecordDown(1)
	tp.Stop()
}
