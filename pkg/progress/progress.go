// Package progress reports how far an extraction has got.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/utils/clock"
)

// Event is a snapshot of the extraction progress.
type Event struct {
	ItemsRead int
	// Total is the expected number of items. Zero when unknown.
	Total int
	// Timed is set when Elapsed and Estimated are filled in.
	Timed     bool
	Elapsed   time.Duration
	Estimated time.Duration
}

// Percent returns the share of Total read so far, and false if Total is
// unknown.
func (e Event) Percent() (int, bool) {
	if e.Total <= 0 {
		return 0, false
	}
	return e.ItemsRead * 100 / e.Total, true
}

// Reporter receives progress events.
type Reporter interface {
	Report(ev Event)
	Finish()
}

// Timer measures elapsed time since the start of a run and extrapolates the
// total time from the read rate.
type Timer struct {
	clock clock.PassiveClock
	start time.Time
}

func NewTimer(c clock.PassiveClock) *Timer {
	return &Timer{clock: c, start: c.Now()}
}

// Event returns a timed event for the given counters.
func (t *Timer) Event(itemsRead, total int) Event {
	ev := Event{
		ItemsRead: itemsRead,
		Total:     total,
		Timed:     true,
		Elapsed:   t.clock.Since(t.start),
	}
	if itemsRead > 0 && total > 0 {
		ev.Estimated = time.Duration(float64(ev.Elapsed) * float64(total) / float64(itemsRead))
	}
	return ev
}

// LineReporter writes one line per event, e.g. "40 (25%)".
type LineReporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineReporter(w io.Writer) *LineReporter {
	return &LineReporter{w: w}
}

func (r *LineReporter) Report(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if percent, ok := ev.Percent(); ok {
		fmt.Fprintf(r.w, "%d (%d%%)\n", ev.ItemsRead, percent)
	} else {
		fmt.Fprintf(r.w, "%d\n", ev.ItemsRead)
	}
	if ev.Timed {
		fmt.Fprintf(r.w, "Elapsed: %s, estimated total: %s\n", round(ev.Elapsed), round(ev.Estimated))
	}
}

func (r *LineReporter) Finish() {}

func round(d time.Duration) time.Duration {
	return d.Round(time.Second)
}

// BarReporter renders an interactive progress bar.
type BarReporter struct {
	mu  sync.Mutex
	w   io.Writer
	bar *pb.ProgressBar
}

func NewBarReporter(w io.Writer) *BarReporter {
	return &BarReporter{w: w}
}

func (r *BarReporter) Report(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar == nil {
		r.bar = pb.New(ev.Total)
		r.bar.SetWriter(r.w)
		r.bar.Start()
	}
	if int64(ev.Total) > r.bar.Total() {
		r.bar.SetTotal(int64(ev.Total))
	}
	r.bar.SetCurrent(int64(ev.ItemsRead))
}

func (r *BarReporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar != nil {
		r.bar.Finish()
	}
}
