package agent

import (
	"strings"
	"time"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/truncate"
)

// deltaCoalescer batches assistant stream deltas into bounded
// agent_assistant_delta emissions. Deltas buffer until flushChars
// accumulate or flushInterval elapses; maxEvents and maxChars cap one
// completion's stream and the remainder is dropped silently.
type deltaCoalescer struct {
	cfg   config.StreamConfig
	flush func(delta string)
	now   func() time.Time

	buf       strings.Builder
	lastFlush time.Time
	events    int
	sentChars int
	exhausted bool
}

func newDeltaCoalescer(cfg config.StreamConfig, flush func(delta string)) *deltaCoalescer {
	d := &deltaCoalescer{cfg: cfg, flush: flush, now: time.Now}
	d.lastFlush = d.now()
	return d
}

// Write buffers one delta and flushes when a threshold is crossed. The
// stream has no timer goroutine; the interval check rides each arrival.
func (d *deltaCoalescer) Write(delta string) {
	if delta == "" || d.exhausted {
		return
	}
	d.buf.WriteString(delta)
	if d.buf.Len() >= d.cfg.FlushChars || d.now().Sub(d.lastFlush) >= d.cfg.FlushInterval {
		d.flushNow()
	}
}

// Close flushes whatever is still buffered.
func (d *deltaCoalescer) Close() {
	if d.buf.Len() > 0 {
		d.flushNow()
	}
}

func (d *deltaCoalescer) flushNow() {
	defer func() {
		d.buf.Reset()
		d.lastFlush = d.now()
	}()
	if d.exhausted || d.buf.Len() == 0 {
		return
	}
	if d.events >= d.cfg.MaxEvents {
		d.exhausted = true
		return
	}

	delta := d.buf.String()
	if remaining := d.cfg.MaxChars - d.sentChars; len(delta) > remaining {
		if remaining <= 0 {
			d.exhausted = true
			return
		}
		delta = truncate.String(delta, remaining)
		d.exhausted = true
	}

	d.events++
	d.sentChars += len(delta)
	d.flush(delta)
}
