package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskimager/retrodfrg"
	"diskimager/transfer"
)

func TestLinePresenter(t *testing.T) {
	var out bytes.Buffer
	p := newLinePresenter(&out, operation{Name: "Copy", Src: "a.img", Dest: "b.img", Size: 1024})

	p.DataProcessed(transfer.DataProcessed{BytesProcessed: 512, BytesTotal: 1024, PercentComplete: 50, BytesPerSecond: 512, TimeRemaining: time.Second})
	p.SrcError(transfer.IoError{Offset: 512, Length: 512, Message: "read error"})
	p.DataProcessed(transfer.DataProcessed{BytesProcessed: 1024, BytesTotal: 1024, PercentComplete: 100})
	p.Done()

	assert.Equal(t, "Copy a.img (1.0 KiB) to b.img...\n"+
		"\rProgress: 512 B / 1.0 KiB (50.0%)   512 B/s   ETA 1s   \n"+
		"source error at offset 512 (512 bytes): read error\n"+
		"\rProgress: 1.0 KiB / 1.0 KiB (100.0%)   0 B/s   ETA --   \n",
		out.String())
}

func TestLinePresenterIndeterminate(t *testing.T) {
	var out bytes.Buffer
	p := newLinePresenter(&out, operation{Name: "Convert", Src: "/dev/sdb", Dest: "b.img"})

	p.DataProcessed(transfer.DataProcessed{Indeterminate: true, BytesProcessed: 2048, BytesPerSecond: 1024})
	p.Done()
	p.Done()

	assert.Equal(t, "Convert /dev/sdb to b.img...\n\rProgress: 2.0 KiB   1.0 KiB/s   \n", out.String())
}

func TestUIPresenter(t *testing.T) {
	s := tcell.NewSimulationScreen("")
	ui, err := retrodfrg.NewUIWithScreen(s)
	require.NoError(t, err)
	s.SetSize(60, 20)

	p := newUIPresenter(ui, operation{Name: "Copy", Src: "a.img", Dest: "b.img", Size: 4096, DestOffset: 1024, BlockSize: 1024})
	p.DataProcessed(transfer.DataProcessed{BytesProcessed: 2048, BytesTotal: 4096, PercentComplete: 50})
	p.DestError(transfer.IoError{Offset: 1024 + 3072, Length: 1024, Message: "write error"})

	done, failed, total := p.tracker.Counts()
	assert.Equal(t, int64(2), done)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(4), total)
	assert.Equal(t, 1, p.errors)
	assert.Contains(t, p.lastError, "destination @4096")

	ui.RequestStop()
	p.Done()
}
