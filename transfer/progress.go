package transfer

import (
	"math"
	"time"
)

// DataProcessed is a progress snapshot. Indeterminate is set when the total
// size is unknown.
type DataProcessed struct {
	Indeterminate   bool
	PercentComplete float64
	BytesProcessed  int64
	BytesRemaining  int64
	BytesTotal      int64
	TimeElapsed     time.Duration
	TimeRemaining   time.Duration
	TimeTotal       time.Duration
	BytesPerSecond  int64
}

// IoError describes a failed read or write attempt.
type IoError struct {
	Offset  int64
	Length  int
	Message string
}

// Observer receives progress snapshots and I/O error events. Calls happen
// on the goroutine running the operation.
type Observer interface {
	DataProcessed(DataProcessed)
	SrcError(IoError)
	DestError(IoError)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnDataProcessed func(DataProcessed)
	OnSrcError      func(IoError)
	OnDestError     func(IoError)
}

func (o ObserverFuncs) DataProcessed(d DataProcessed) {
	if o.OnDataProcessed != nil {
		o.OnDataProcessed(d)
	}
}

func (o ObserverFuncs) SrcError(e IoError) {
	if o.OnSrcError != nil {
		o.OnSrcError(e)
	}
}

func (o ObserverFuncs) DestError(e IoError) {
	if o.OnDestError != nil {
		o.OnDestError(e)
	}
}

// PercentComplete rounds to one decimal.
func PercentComplete(size, processed int64) float64 {
	if size <= 0 {
		return 0
	}
	return math.Round(float64(processed)/float64(size)*1000) / 10
}

// TimeRemaining extrapolates from the share completed so far.
func TimeRemaining(percent float64, elapsed time.Duration) time.Duration {
	if percent <= 0 {
		return 0
	}
	total := time.Duration(float64(elapsed) / percent * 100)
	if total < elapsed {
		return 0
	}
	return total - elapsed
}

// progressGate forwards snapshots to the observer at most once per
// interval. The first and the final snapshot are always delivered.
type progressGate struct {
	observer Observer
	clock    func() time.Time
	interval time.Duration
	size     int64

	start   time.Time
	last    time.Time
	started bool
}

func newProgressGate(s *settings, size int64) *progressGate {
	return &progressGate{
		observer: s.observer,
		clock:    s.clock,
		interval: s.interval,
		size:     size,
	}
}

func (g *progressGate) snapshot(processed int64, now time.Time, final bool) DataProcessed {
	elapsed := now.Sub(g.start)
	d := DataProcessed{
		Indeterminate:  g.size == 0,
		BytesProcessed: processed,
		BytesTotal:     g.size,
		TimeElapsed:    elapsed,
	}
	if g.size > 0 {
		d.PercentComplete = PercentComplete(g.size, processed)
		d.BytesRemaining = max(g.size-processed, 0)
	}
	if final && (g.size == 0 || processed >= g.size) {
		d.PercentComplete = 100
		d.BytesRemaining = 0
	}
	if final && g.size == 0 {
		d.BytesTotal = processed
	}
	if final {
		d.TimeRemaining = 0
	} else {
		d.TimeRemaining = TimeRemaining(d.PercentComplete, elapsed)
	}
	d.TimeTotal = elapsed + d.TimeRemaining
	if secs := elapsed.Seconds(); secs > 0 {
		d.BytesPerSecond = int64(float64(processed) / secs)
	}
	return d
}

func (g *progressGate) begin() {
	g.start = g.clock()
	g.last = g.start
	g.started = true
	g.observer.DataProcessed(g.snapshot(0, g.start, false))
}

func (g *progressGate) update(processed int64) {
	now := g.clock()
	if now.Sub(g.last) < g.interval {
		return
	}
	g.last = now
	g.observer.DataProcessed(g.snapshot(processed, now, false))
}

func (g *progressGate) finish(processed int64) {
	if !g.started {
		return
	}
	g.observer.DataProcessed(g.snapshot(processed, g.clock(), true))
}
