// Package progress renders step progress for long-running transcription
// runs.
package progress

import (
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

type Options struct {
	Enabled bool
	Writer  io.Writer
}

// Reporter is a step counter with named scalar annotations. A disabled
// Reporter accepts every call and renders nothing.
type Reporter struct {
	bar         *progressbar.ProgressBar
	total       int
	description string
}

func New(total, width int, opts Options) *Reporter {
	r := &Reporter{total: total}
	if !opts.Enabled {
		return r
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	barOpts := []progressbar.Option{
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65 * time.Millisecond),
		progressbar.OptionClearOnFinish(),
	}
	if width > 0 {
		barOpts = append(barOpts, progressbar.OptionSetWidth(width))
	}

	r.bar = progressbar.NewOptions(total, barOpts...)
	return r
}

// Update moves the bar to step and shows each score as prefix+name=value,
// ordered by name. Rendering failures are ignored.
func (r *Reporter) Update(step int, prefix string, scores map[string]float64) {
	r.description = Describe(prefix, scores)
	if r.bar == nil {
		return
	}

	r.bar.Describe(r.description)
	_ = r.bar.Set(min(max(step, 0), r.total))
}

func (r *Reporter) Description() string {
	return r.description
}

func (r *Reporter) Finish() {
	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
}

func Describe(prefix string, scores map[string]float64) string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, prefix+name+"="+strconv.FormatFloat(scores[name], 'g', 4, 64))
	}
	return strings.Join(parts, " ")
}
