package reconcile

import (
	"context"
	"sort"
	"sync/atomic"
	"time"
)

// DefaultDebounceWindow is how long the watcher waits for a burst of
// events to settle.
const DefaultDebounceWindow = 2 * time.Second

// Batch is a set of dirty paths flushed together. Full asks for a whole
// pass instead, e.g. after a directory disappeared.
type Batch struct {
	Paths []string
	Full  bool
}

type touch struct {
	path string
	full bool
}

// Debouncer coalesces path events. A batch is flushed once no event arrived
// for the window, or after maxWait since the first pending event so a
// steady stream of writes cannot postpone indexing forever.
type Debouncer struct {
	window  time.Duration
	maxWait time.Duration
	in      chan touch
	// overflow is set when in was full; the next batch becomes a full pass.
	overflow atomic.Bool
}

// NewDebouncer creates a Debouncer. window <= 0 means DefaultDebounceWindow.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{window: window, maxWait: 5 * window, in: make(chan touch, 1024)}
}

// Touch marks path dirty. It never blocks.
func (d *Debouncer) Touch(path string) {
	select {
	case d.in <- touch{path: path}:
	default:
		d.overflow.Store(true)
	}
}

// RequestFull asks for a full pass in the next batch.
func (d *Debouncer) RequestFull() {
	select {
	case d.in <- touch{full: true}:
	default:
		d.overflow.Store(true)
	}
}

// Run delivers batches to fn until ctx is done. fn runs on the Run
// goroutine, so batches never overlap.
func (d *Debouncer) Run(ctx context.Context, fn func(context.Context, Batch)) {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		first   time.Time
		pending = map[string]struct{}{}
		full    bool
	)
	arm := func() {
		wait := d.window
		if left := d.maxWait - time.Since(first); left < wait {
			wait = max(left, 0)
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		timerC = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.in:
			if len(pending) == 0 && !full {
				first = time.Now()
			}
			if t.full {
				full = true
			} else {
				pending[t.path] = struct{}{}
			}
			arm()
		case <-timerC:
			timerC = nil
			b := Batch{Full: full || d.overflow.Swap(false)}
			if !b.Full {
				for p := range pending {
					b.Paths = append(b.Paths, p)
				}
				sort.Strings(b.Paths)
			}
			pending = map[string]struct{}{}
			full = false
			if len(b.Paths) > 0 || b.Full {
				fn(ctx, b)
			}
		}
	}
}
