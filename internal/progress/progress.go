// Package progress reports reduction-run progress: a spinner-mode bar
// wrapping schollz/progressbar/v3 plus a Stats value carrying the
// numbers the scheduler updates as it judges and accepts candidates.
package progress

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Stats tracks reduction progress for display via Bar.Describe.
//
// Safe for concurrent use: the scheduler's coordinator and predicate
// worker goroutines update it while a CLI-owned ticker goroutine reads it
// for display.
type Stats struct {
	Generation atomic.Int64
	HeadSize   atomic.Int64
	QueueDepth atomic.Int64
	Judged     atomic.Int64
	Accepted   atomic.Int64
	startTime  time.Time
}

// NewStats creates a Stats with its clock started.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) String() string {
	elapsed := time.Since(s.startTime).Truncate(time.Millisecond)
	return fmt.Sprintf("gen %d, head %s, queue %d, judged %d, accepted %d, in %v",
		s.Generation.Load(),
		humanize.IBytes(uint64(s.HeadSize.Load())),
		s.QueueDepth.Load(),
		s.Judged.Load(),
		s.Accepted.Load(),
		elapsed)
}

const updateInterval = 50 * time.Millisecond

// Bar wraps progressbar with enabled/disabled handling.
// All methods are no-ops when disabled.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a progress bar.
// If enabled=false, returns a Bar where all methods are no-ops.
// Use total=-1 for spinner mode, or total>0 for determinate progress.
func New(enabled bool, total int64) *Bar {
	if !enabled {
		return &Bar{}
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(updateInterval),
		progressbar.OptionClearOnFinish(),
	}

	if total < 0 {
		// Spinner mode
		opts = append(opts,
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetElapsedTime(false),
		)
		return &Bar{bar: progressbar.NewOptions(-1, opts...)}
	}

	// Progress bar mode
	opts = append(opts, progressbar.OptionSetWidth(40))
	return &Bar{bar: progressbar.NewOptions64(total, opts...)}
}

// Set sets the progress bar to a specific value.
func (b *Bar) Set(n uint64) {
	if b.bar != nil {
		_ = b.bar.Set64(int64(n))
	}
}

// Describe updates the progress bar description.
func (b *Bar) Describe(s fmt.Stringer) {
	if b.bar != nil {
		b.bar.Describe(s.String())
	}
}

// Finish completes the progress bar and prints a final message.
func (b *Bar) Finish(s fmt.Stringer) {
	if b.bar != nil {
		_ = b.bar.Finish()
		fmt.Fprintln(os.Stderr, "✔ "+s.String())
	}
}
