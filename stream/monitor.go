package stream

// Activity is one recorded call on a Monitor.
type Activity struct {
	Op     string
	Offset int64
	Length int
	Err    error
}

// Monitor observes the operations performed on the wrapped stream. With a
// callback each one is passed on; without one they are kept in Activities.
type Monitor struct {
	Stream
	Activities []Activity
	notify     func(Activity)
}

func NewMonitor(s Stream, notify func(Activity)) *Monitor {
	return &Monitor{Stream: s, notify: notify}
}

func (m *Monitor) record(op string, offset int64, length int, err error) {
	a := Activity{Op: op, Offset: offset, Length: length, Err: err}
	if m.notify != nil {
		m.notify(a)
		return
	}
	m.Activities = append(m.Activities, a)
}

func (m *Monitor) Read(p []byte) (int, error) {
	off, _ := Position(m.Stream)
	n, err := m.Stream.Read(p)
	m.record("read", off, n, err)
	return n, err
}

func (m *Monitor) Write(p []byte) (int, error) {
	off, _ := Position(m.Stream)
	n, err := m.Stream.Write(p)
	m.record("write", off, n, err)
	return n, err
}

func (m *Monitor) Seek(offset int64, whence int) (int64, error) {
	pos, err := m.Stream.Seek(offset, whence)
	m.record("seek", pos, 0, err)
	return pos, err
}

func (m *Monitor) Sync() error {
	err := m.Stream.Sync()
	m.record("sync", 0, 0, err)
	return err
}

// Count returns how many recorded activities have the given op.
func (m *Monitor) Count(op string) int {
	n := 0
	for _, a := range m.Activities {
		if a.Op == op {
			n++
		}
	}
	return n
}
