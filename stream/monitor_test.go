package stream

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor(t *testing.T) {
	m := NewMonitor(NewMemory(make([]byte, 1024)), nil)

	_, err := m.Seek(512, io.SeekStart)
	require.NoError(t, err)
	_, err = m.Write(make([]byte, 100))
	require.NoError(t, err)
	_, err = m.Read(make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, m.Sync())

	require.Len(t, m.Activities, 4)
	assert.Equal(t, Activity{Op: "write", Offset: 512, Length: 100}, m.Activities[1])
	assert.Equal(t, Activity{Op: "read", Offset: 612, Length: 10}, m.Activities[2])
	assert.Equal(t, 1, m.Count("write"))
}

func TestMonitorNotify(t *testing.T) {
	var seen []Activity
	m := NewMonitor(NewMemory(make([]byte, 1024)), func(a Activity) { seen = append(seen, a) })

	_, err := m.Write(make([]byte, 64))
	require.NoError(t, err)

	assert.Equal(t, []Activity{{Op: "write", Offset: 0, Length: 64}}, seen)
	assert.Empty(t, m.Activities)
}
