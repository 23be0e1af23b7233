package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"diskimager/retrodfrg"
	"diskimager/transfer"
)

// presenter shows the progress of one operation.
type presenter interface {
	transfer.Observer
	// Done ends the display.
	Done()
}

// operation describes what a presenter is showing.
type operation struct {
	Name      string
	Src, Dest string
	Size      int64
	// SrcOffset and DestOffset map error offsets back onto the map.
	SrcOffset, DestOffset int64
	BlockSize             int64
}

// newPresenter returns the fullscreen view when it was asked for and stdout
// is a terminal, and the progress line otherwise.
func newPresenter(wantUI bool, op operation, logger *zap.Logger) (presenter, *retrodfrg.UI) {
	if wantUI {
		fd := os.Stdout.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			ui, err := retrodfrg.NewUI()
			if err == nil {
				return newUIPresenter(ui, op), ui
			}
			logger.Warn("fullscreen view unavailable", zap.Error(err))
		} else {
			logger.Warn("stdout is not a terminal, using the progress line")
		}
	}
	return newLinePresenter(os.Stdout, op), nil
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return d.Truncate(time.Second).String()
}

// linePresenter rewrites a single "\rProgress:" line.
type linePresenter struct {
	mu      sync.Mutex
	w       io.Writer
	op      operation
	started bool
	dirty   bool
}

func newLinePresenter(w io.Writer, op operation) *linePresenter {
	return &linePresenter{w: w, op: op}
}

func (p *linePresenter) DataProcessed(d transfer.DataProcessed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.started = true
		if p.op.Size > 0 {
			fmt.Fprintf(p.w, "%s %s (%s) to %s...\n", p.op.Name, p.op.Src, humanize.IBytes(uint64(p.op.Size)), p.op.Dest)
		} else {
			fmt.Fprintf(p.w, "%s %s to %s...\n", p.op.Name, p.op.Src, p.op.Dest)
		}
	}

	if d.Indeterminate {
		fmt.Fprintf(p.w, "\rProgress: %s   %s/s   ",
			humanize.IBytes(uint64(d.BytesProcessed)), humanize.IBytes(uint64(d.BytesPerSecond)))
	} else {
		fmt.Fprintf(p.w, "\rProgress: %s / %s (%.1f%%)   %s/s   ETA %s   ",
			humanize.IBytes(uint64(d.BytesProcessed)), humanize.IBytes(uint64(d.BytesTotal)),
			d.PercentComplete, humanize.IBytes(uint64(d.BytesPerSecond)), formatETA(d.TimeRemaining))
	}
	p.dirty = true
}

func (p *linePresenter) report(side string, e transfer.IoError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirty {
		fmt.Fprintln(p.w)
		p.dirty = false
	}
	fmt.Fprintf(p.w, "%s error at offset %d (%d bytes): %s\n", side, e.Offset, e.Length, e.Message)
}

func (p *linePresenter) SrcError(e transfer.IoError)  { p.report("source", e) }
func (p *linePresenter) DestError(e transfer.IoError) { p.report("destination", e) }

func (p *linePresenter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirty {
		fmt.Fprintln(p.w)
		p.dirty = false
	}
}

// uiPresenter drives the retrodfrg block map.
type uiPresenter struct {
	ui        *retrodfrg.UI
	tracker   *retrodfrg.Tracker
	op        operation
	processed int64
	errors    int
	lastError string
}

func newUIPresenter(ui *retrodfrg.UI, op operation) *uiPresenter {
	ui.SetTitle(" DISKIMAGER " + op.Name + " ")
	summary := []string{fmt.Sprintf("Source: %s", op.Src), fmt.Sprintf("Destination: %s", op.Dest)}
	if op.Size > 0 {
		summary = append(summary, fmt.Sprintf("Size: %s   Block: %s", humanize.IBytes(uint64(op.Size)), humanize.IBytes(uint64(op.BlockSize))))
	}
	ui.SetSummaryLines(summary)
	ui.SetLegend(retrodfrg.Legend())
	ui.SetPhases([]string{op.Name})

	p := &uiPresenter{ui: ui, tracker: retrodfrg.NewTracker(op.Size, op.BlockSize), op: op}
	p.draw(transfer.DataProcessed{Indeterminate: op.Size == 0, BytesTotal: op.Size})
	return p
}

func (p *uiPresenter) DataProcessed(d transfer.DataProcessed) {
	if d.BytesProcessed > p.processed {
		p.tracker.MarkDone(p.processed, d.BytesProcessed-p.processed)
		p.processed = d.BytesProcessed
	}
	if d.PercentComplete == 100 {
		p.ui.SetPhaseDone(p.op.Name)
	}
	p.draw(d)
}

func (p *uiPresenter) SrcError(e transfer.IoError) {
	p.tracker.MarkFailed(e.Offset-p.op.SrcOffset, int64(e.Length))
	p.errors++
	p.lastError = fmt.Sprintf("source @%d: %s", e.Offset, e.Message)
}

func (p *uiPresenter) DestError(e transfer.IoError) {
	p.tracker.MarkFailed(e.Offset-p.op.DestOffset, int64(e.Length))
	p.errors++
	p.lastError = fmt.Sprintf("destination @%d: %s", e.Offset, e.Message)
}

func (p *uiPresenter) draw(d transfer.DataProcessed) {
	done, failed, total := p.tracker.Counts()

	written := fmt.Sprintf("Blocks: %d / %d done, %d failed", done, total, failed)
	progress := fmt.Sprintf("Processed: %s", humanize.IBytes(uint64(d.BytesProcessed)))
	if !d.Indeterminate {
		progress += fmt.Sprintf(" / %s (%.1f%%)", humanize.IBytes(uint64(d.BytesTotal)), d.PercentComplete)
	}
	lines := []string{
		fmt.Sprintf("Block: %06d", p.tracker.Current()),
		written,
		progress,
		fmt.Sprintf("Elapsed: %s   Rate: %s/s   ETA: %s",
			d.TimeElapsed.Truncate(time.Second), humanize.IBytes(uint64(d.BytesPerSecond)), formatETA(d.TimeRemaining)),
	}
	if p.errors > 0 {
		lines = append(lines, fmt.Sprintf("I/O errors: %d   last: %s", p.errors, p.lastError))
	}
	p.ui.SetStatusLines(lines)
	p.ui.SetProgressMap(p.tracker.Lines(p.ui.MapSize()))
	p.ui.LayoutAndDraw()
}

// Done leaves the final screen up for a moment, or until a key stops it.
func (p *uiPresenter) Done() {
	p.draw(transfer.DataProcessed{Indeterminate: p.op.Size == 0, BytesProcessed: p.processed, BytesTotal: p.op.Size, PercentComplete: transfer.PercentComplete(p.op.Size, p.processed)})
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-p.ui.Stopped():
	case <-timer.C:
	}
	p.ui.Close()
}
