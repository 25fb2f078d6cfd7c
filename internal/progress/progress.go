// Package progress renders one mpb bar per layer per phase (download,
// extract), consuming the docker.ProgressFunc callback shape.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/docker/go-units"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/ocidump/ocidump/docker"
)

// Reporter owns the mpb container all layer bars render into.
type Reporter struct {
	progress *mpb.Progress

	mu   sync.Mutex
	bars map[string]*mpb.Bar
}

// New starts a Reporter writing to out (typically os.Stdout).
func New(out io.Writer) *Reporter {
	return &Reporter{
		progress: mpb.New(mpb.WithOutput(out), mpb.WithWidth(48)),
		bars:     make(map[string]*mpb.Bar),
	}
}

// Wait blocks until every bar has completed, matching the shutdown
// sequence mpb's own examples use before a process exits.
func (r *Reporter) Wait() {
	r.progress.Wait()
}

// ForLayer returns a docker.ProgressFunc reporting progress for the
// layer at the given 0-based index.
func (r *Reporter) ForLayer(index int) docker.ProgressFunc {
	label := fmt.Sprintf("layer %d", index+1)
	return func(phase string, done, totalBytes int64) {
		r.barFor(label, phase, totalBytes).SetCurrent(done)
	}
}

func (r *Reporter) barFor(label, phase string, total int64) *mpb.Bar {
	key := label + ":" + phase
	r.mu.Lock()
	defer r.mu.Unlock()

	if bar, ok := r.bars[key]; ok {
		return bar
	}
	if total <= 0 {
		total = 1
	}
	bar := r.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("%s %s", label, phase), decor.WC{W: len(label) + len(phase) + 4}),
		),
		mpb.AppendDecorators(
			decor.Any(func(statistics decor.Statistics) string {
				return fmt.Sprintf("%s / %s", units.BytesSize(float64(statistics.Current)), units.BytesSize(float64(statistics.Total)))
			}),
		),
	)
	r.bars[key] = bar
	return bar
}
