package transfer

import (
	"errors"
	"sync"
	"time"

	"diskimager/stream"
)

var errInjected = errors.New("injected i/o fault")

// faultyStream fails the first readFaults reads and writeFaults writes.
type faultyStream struct {
	*stream.Memory
	readFaults  int
	writeFaults int
	reads       int
	writes      int
}

func (f *faultyStream) Read(p []byte) (int, error) {
	f.reads++
	if f.readFaults > 0 {
		f.readFaults--
		return 0, errInjected
	}
	return f.Memory.Read(p)
}

func (f *faultyStream) Write(p []byte) (int, error) {
	f.writes++
	if f.writeFaults > 0 {
		f.writeFaults--
		return 0, errInjected
	}
	return f.Memory.Write(p)
}

// recorder collects observer events.
type recorder struct {
	mu         sync.Mutex
	progress   []DataProcessed
	srcErrors  []IoError
	destErrors []IoError
}

func (r *recorder) DataProcessed(d DataProcessed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, d)
}

func (r *recorder) SrcError(e IoError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.srcErrors = append(r.srcErrors, e)
}

func (r *recorder) DestError(e IoError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destErrors = append(r.destErrors, e)
}

func (r *recorder) last() DataProcessed {
	return r.progress[len(r.progress)-1]
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func filled(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
