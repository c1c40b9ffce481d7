package encoder

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// durationRe matches "Duration: HH:MM:SS.ff" in the input summary.
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	// positionRe matches "time=HH:MM:SS.ff" in periodic status lines.
	positionRe = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// ParseDuration extracts the total media duration in seconds from a
// diagnostic line. "Duration: N/A" is reported as not found.
func ParseDuration(line string) (float64, bool) {
	return parseClock(durationRe, line)
}

// ParsePosition extracts the current encode position in seconds from a
// diagnostic line.
func ParsePosition(line string) (float64, bool) {
	return parseClock(positionRe, line)
}

func parseClock(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return float64(hours)*3600 + float64(minutes)*60 + seconds, true
}

// progressTracker turns diagnostic lines into a strictly increasing
// percentage.
type progressTracker struct {
	// fallback is used when the first duration marker is N/A.
	fallback     float64
	duration     float64
	durationSeen bool
	last         int
}

// observe returns a new percentage when line advances progress.
func (t *progressTracker) observe(line string) (int, bool) {
	if !t.durationSeen && strings.Contains(line, "Duration:") {
		t.durationSeen = true
		if d, ok := ParseDuration(line); ok && d > 0 {
			t.duration = d
		}
	}

	pos, ok := ParsePosition(line)
	if !ok {
		return 0, false
	}
	total := t.duration
	if total <= 0 {
		total = t.fallback
	}
	if total <= 0 {
		return 0, false
	}

	p := int(math.Floor(pos / total * 100))
	if p > 100 {
		p = 100
	}
	if p <= t.last {
		return 0, false
	}
	t.last = p
	return p, true
}

// scanLines splits on \n and \r. ffmpeg rewrites its status line with \r.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps the last non-empty lines of the diagnostic stream.
type tailBuffer struct {
	lines []string
	max   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (b *tailBuffer) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if len(b.lines) == b.max {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:b.max-1]
	}
	b.lines = append(b.lines, line)
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}

// progressRelay delivers the latest progress value to a callback on its own
// goroutine, so a slow callback never stalls stderr draining. Intermediate
// values may be skipped; delivered values stay increasing.
type progressRelay struct {
	ch   chan int
	done chan struct{}
}

func newProgressRelay(fn func(int)) *progressRelay {
	r := &progressRelay{
		ch:   make(chan int, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for v := range r.ch {
			if fn != nil {
				fn(v)
			}
		}
	}()
	return r
}

// offer replaces any undelivered value with v. Single producer only.
func (r *progressRelay) offer(v int) {
	for {
		select {
		case r.ch <- v:
			return
		default:
		}
		select {
		case <-r.ch:
		default:
		}
	}
}

// close flushes the pending value and waits for the callback to return.
func (r *progressRelay) close() {
	close(r.ch)
	<-r.done
}
