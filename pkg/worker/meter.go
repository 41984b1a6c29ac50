package worker

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"golang.org/x/time/rate"
)

// meter turns a byte counter shared by transfer streams into a smoothed
// Mbit/s figure.
type meter struct {
	bytes    atomic.Int64
	overhead float64

	avg      ewma.MovingAverage
	start    time.Time
	lastAt   time.Time
	lastSeen int64
}

func newMeter(overhead float64, start time.Time) *meter {
	return &meter{
		overhead: overhead,
		avg:      ewma.NewMovingAverage(),
		start:    start,
		lastAt:   start,
	}
}

func (m *meter) add(n int) {
	m.bytes.Add(int64(n))
}

// sample folds the bytes seen since the previous sample into the moving
// average and returns the current speed. Only the progress goroutine calls it.
func (m *meter) sample(now time.Time) float64 {
	total := m.bytes.Load()
	dt := now.Sub(m.lastAt).Seconds()
	if dt > 0 {
		m.avg.Add(float64(total-m.lastSeen) / dt)
		m.lastSeen = total
		m.lastAt = now
	}
	return m.mbps(m.avg.Value())
}

// final is the average over the whole transfer.
func (m *meter) final(now time.Time) float64 {
	elapsed := now.Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return m.mbps(float64(m.bytes.Load()) / elapsed)
}

func (m *meter) mbps(bytesPerSecond float64) float64 {
	return round2(bytesPerSecond * 8 / 1e6 * m.overhead)
}

func progress(start, now time.Time, d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	return math.Min(1, float64(now.Sub(start))/float64(d))
}

// newLimiter returns nil when mbps is not positive. The bucket holds one
// second of traffic but never less than one buffer, so WaitN never fails on
// size.
func newLimiter(mbps float64, bufSize int) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	bytesPerSecond := mbps * 1e6 / 8
	burst := int(bytesPerSecond)
	if burst < bufSize {
		burst = bufSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// jitter tracks ping and jitter the way the browser speed test does: ping
// is the minimum sample and jitter a weighted average of sample deltas that
// reacts faster to increases than to decreases.
type jitter struct {
	samples int
	prev    float64
	ping    float64
	jitter  float64
}

func (j *jitter) add(ms float64) {
	j.samples++
	if j.samples == 1 {
		j.ping = ms
		j.prev = ms
		return
	}
	if ms < j.ping {
		j.ping = ms
	}
	inst := math.Abs(ms - j.prev)
	j.prev = ms
	if j.samples == 2 {
		j.jitter = inst
		return
	}
	if inst > j.jitter {
		j.jitter = j.jitter*0.3 + inst*0.7
	} else {
		j.jitter = j.jitter*0.8 + inst*0.2
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
