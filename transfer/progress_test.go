package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentComplete(t *testing.T) {
	assert.Equal(t, float64(0), PercentComplete(0, 100))
	assert.Equal(t, float64(50), PercentComplete(200, 100))
	assert.Equal(t, 33.3, PercentComplete(3, 1))
	assert.Equal(t, float64(100), PercentComplete(1536, 1536))
}

func TestTimeRemaining(t *testing.T) {
	assert.Zero(t, TimeRemaining(0, time.Minute))
	assert.Equal(t, 3*time.Minute, TimeRemaining(25, time.Minute))
	assert.Zero(t, TimeRemaining(100, time.Minute))
}

func TestProgressGate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0), step: 250 * time.Millisecond}
	rec := &recorder{}
	s, err := newSettings([]Option{WithObserver(rec), WithClock(clock.Now)})
	require.NoError(t, err)

	g := newProgressGate(&s, 1000)
	g.begin()
	g.update(100)
	g.update(200)
	g.update(300)
	g.update(400) // one second after begin
	g.finish(1000)

	require.Len(t, rec.progress, 3)
	assert.Equal(t, int64(0), rec.progress[0].BytesProcessed)
	assert.Equal(t, int64(400), rec.progress[1].BytesProcessed)
	assert.Equal(t, float64(40), rec.progress[1].PercentComplete)
	assert.Equal(t, int64(600), rec.progress[1].BytesRemaining)
	assert.Equal(t, time.Second, rec.progress[1].TimeElapsed)
	assert.Equal(t, 1500*time.Millisecond, rec.progress[1].TimeRemaining)
	assert.Equal(t, int64(400), rec.progress[1].BytesPerSecond)

	final := rec.progress[2]
	assert.Equal(t, float64(100), final.PercentComplete)
	assert.Zero(t, final.TimeRemaining)
	assert.Equal(t, final.TimeElapsed, final.TimeTotal)
}

func TestProgressGateIndeterminate(t *testing.T) {
	rec := &recorder{}
	s, err := newSettings([]Option{WithObserver(rec), WithProgressInterval(0)})
	require.NoError(t, err)

	g := newProgressGate(&s, 0)
	g.begin()
	g.update(512)
	g.finish(1024)

	require.Len(t, rec.progress, 3)
	for _, d := range rec.progress {
		assert.True(t, d.Indeterminate)
	}
	assert.Equal(t, float64(0), rec.progress[1].PercentComplete)
	assert.Equal(t, float64(100), rec.progress[2].PercentComplete)
	assert.Equal(t, int64(1024), rec.progress[2].BytesTotal)
}

func TestObserverFuncsIgnoresNil(t *testing.T) {
	var got []IoError
	o := ObserverFuncs{OnSrcError: func(e IoError) { got = append(got, e) }}
	o.DataProcessed(DataProcessed{})
	o.DestError(IoError{Offset: 1})
	o.SrcError(IoError{Offset: 2})
	assert.Equal(t, []IoError{{Offset: 2}}, got)
}
