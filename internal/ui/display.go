// Package ui renders a live pipeline visualization of the conductor's
// plan → schedule → join loop to the terminal, reading from an
// internal/bus tap so rendering never sits on the conductor's own
// control-flow path.
package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oakmoss/llmcompiler/internal/bus"
	"github.com/oakmoss/llmcompiler/internal/convo"
	"github.com/oakmoss/llmcompiler/internal/task"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

var kindColor = map[bus.Kind]string{
	bus.KindPlanBegin:   ansiCyan,
	bus.KindTaskParsed:  ansiDim,
	bus.KindTaskDone:    ansiYellow,
	bus.KindReplan:      ansiRed,
	bus.KindFinalAnswer: ansiGreen,
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders a pipeline box to stdout as run lifecycle events arrive.
// It reads from a bus tap channel and animates a spinner between events.
type Display struct {
	tap     <-chan bus.Event
	mu      sync.Mutex
	status  string
	started time.Time
	inRun   bool
	runID   string
	spinIdx int
}

// New creates a Display reading from tap.
func New(tap <-chan bus.Event) *Display {
	return &Display{tap: tap}
}

// Run is the main goroutine: renders flow lines and animates the spinner
// until ctx is cancelled or the tap closes. All terminal writes happen on
// this single goroutine, so no extra locking is needed for I/O.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			return

		case evt, ok := <-d.tap:
			if !ok {
				return
			}
			if evt.RunID != d.runID && evt.Kind != bus.KindRunBegin {
				continue // stale event from a prior run
			}
			fmt.Print("\r\033[K")
			d.handle(evt)

		case <-ticker.C:
			if !d.inRun {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			fmt.Printf("\r\033[K%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

func (d *Display) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRunBegin:
		d.runID = evt.RunID
		d.started = time.Now()
		d.inRun = true
		d.setStatus("planning...")
		fmt.Printf("\n%s┌─── plan ──────────────────────────────%s\n", ansiDim, ansiReset)

	case bus.KindPlanBegin:
		d.setStatus("planning...")

	case bus.KindTaskParsed:
		if t, ok := evt.Payload.(task.Task); ok {
			fmt.Printf("  %s%d. %s%s\n", kindColor[evt.Kind], t.Idx, t.Name(), ansiReset)
		}
		d.setStatus("scheduling...")

	case bus.KindTaskDone:
		if fm, ok := evt.Payload.(convo.FunctionMessage); ok {
			status := "ok"
			color := ansiGreen
			if strings.HasPrefix(fm.Content, "ERROR") {
				status = "error"
				color = ansiRed
			}
			fmt.Printf("  %s%d. %s → %s%s\n", color, fm.Idx, fm.Name, status, ansiReset)
		}
		d.setStatus("scheduling...")

	case bus.KindReplan:
		feedback, _ := evt.Payload.(string)
		fmt.Printf("  %sreplanning: %s%s\n", ansiRed, feedback, ansiReset)
		d.setStatus("re-planning...")

	case bus.KindFinalAnswer:
		elapsed := time.Since(d.started).Round(time.Millisecond)
		fmt.Printf("%s└─── done %v ───────────────────────────%s\n", ansiDim, elapsed, ansiReset)
		d.inRun = false

	case bus.KindRunEnd:
		d.inRun = false
	}
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}
