package process

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/kandev/execd/internal/backpressure"
)

// NumBytes implements backpressure.Sized for StreamChunk.
func (c StreamChunk) NumBytes() int { return len(c.Data) }

// Multiplexer implements C1: it reads stdout and stderr concurrently,
// enforces line integrity (complete line, or a MAX_LINE boundary fragment
// marked truncated), assigns strictly increasing per-stream sequence
// numbers, and pushes chunks into a bounded per-stream ring so a slow
// consumer applies back-pressure onto the corresponding read loop only
// (spec.md §4.1).
type Multiplexer struct {
	maxLine        int
	streamBufBytes int64

	stdoutSeq atomic.Uint64
	stderrSeq atomic.Uint64

	stdoutRing *backpressure.Ring[StreamChunk]
	stderrRing *backpressure.Ring[StreamChunk]

	wg      sync.WaitGroup
	errOnce sync.Once
	fatal   error
	done    chan struct{}
}

// NewMultiplexer constructs a Multiplexer bounded by maxLine (MAX_LINE) and
// streamBufBytes (STREAM_BUFFER_BYTES, applied per stream).
func NewMultiplexer(maxLine int, streamBufBytes int64) *Multiplexer {
	return &Multiplexer{
		maxLine:        maxLine,
		streamBufBytes: streamBufBytes,
		stdoutRing:     backpressure.NewRing[StreamChunk](streamBufBytes),
		stderrRing:     backpressure.NewRing[StreamChunk](streamBufBytes),
		done:           make(chan struct{}),
	}
}

// Stdout returns the ring chunks are pushed into for the stdout stream.
func (m *Multiplexer) Stdout() *backpressure.Ring[StreamChunk] { return m.stdoutRing }

// Stderr returns the ring chunks are pushed into for the stderr stream. It
// is never nil: when the handle has no separate stderr (combined-PTY mode),
// Run closes this ring without pushing any chunk into it.
func (m *Multiplexer) Stderr() *backpressure.Ring[StreamChunk] { return m.stderrRing }

// Run starts reading both streams of h and returns once both have reached
// EOF (or ctx is cancelled). It closes both rings on return. A read error on
// one stream closes only that stream's ring; the other continues until its
// own EOF, per spec.md §4.1's failure semantics.
func (m *Multiplexer) Run(ctx context.Context, h *Handle) {
	m.wg.Add(1)
	go m.pump(ctx, h.Stdout(), Stdout, m.stdoutRing, &m.stdoutSeq)

	if stderr := h.Stderr(); stderr != nil {
		m.wg.Add(1)
		go m.pump(ctx, stderr, Stderr, m.stderrRing, &m.stderrSeq)
	} else {
		m.stderrRing.Close()
	}

	m.wg.Wait()
	m.stdoutRing.Close()
	m.stderrRing.Close()
	close(m.done)
}

// Err returns the sink_error cause if pushing a chunk ever failed fatally
// (e.g. the ring's context was cancelled by a downstream WS failure).
func (m *Multiplexer) Err() error { return m.fatal }

// Wait blocks until both stream readers have reached EOF (or been
// cancelled) and both rings are closed; used by the Fault Controller so it
// never declares teardown complete while a process.output could still be
// in flight.
func (m *Multiplexer) Wait() { <-m.done }

func (m *Multiplexer) pump(ctx context.Context, r io.Reader, tag StreamTag, ring *backpressure.Ring[StreamChunk], seq *atomic.Uint64) {
	defer m.wg.Done()
	defer ring.Close()

	buf := make([]byte, 32*1024)
	var pending []byte

	emit := func(data []byte, truncated bool) bool {
		chunk := StreamChunk{
			Stream:    tag,
			Data:      append([]byte(nil), sanitizeUTF8(data)...),
			Seq:       seq.Add(1),
			Truncated: truncated,
			At:        time.Now().UTC(),
		}
		if err := ring.Push(ctx, chunk); err != nil {
			m.errOnce.Do(func() { m.fatal = err })
			return false
		}
		return true
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				advance, line, truncated, ok := splitLine(pending, m.maxLine)
				if !ok {
					break
				}
				if !emit(line, truncated) {
					return
				}
				pending = pending[advance:]
			}
		}
		if err != nil {
			if len(pending) > 0 {
				// EOF with a trailing partial line: emit as a final,
				// non-truncated fragment (no newline was ever seen, but
				// there is nothing more to concatenate against).
				emit(pending, false)
			}
			return
		}
	}
}

// splitLine extracts the next line-integral unit from buf: either a
// complete line (including its newline) or, once buf reaches maxLine bytes
// without a newline, a maxLine-byte truncated fragment. It returns how many
// bytes of buf to advance past, the emitted slice, whether it was
// truncated, and whether anything was ready to emit.
func splitLine(buf []byte, maxLine int) (advance int, line []byte, truncated bool, ok bool) {
	for i, b := range buf {
		if b == '\n' {
			if i+1 > maxLine {
				return maxLine, buf[:maxLine], true, true
			}
			return i + 1, buf[:i+1], false, true
		}
	}
	if len(buf) >= maxLine {
		return maxLine, buf[:maxLine], true, true
	}
	return 0, nil, false, false
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the replacement
// character rather than dropping the chunk, per spec.md §4.1's encoding
// tolerance rule.
func sanitizeUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	out := make([]byte, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			out = append(out, []byte(string(utf8.RuneError))...)
			b = b[1:]
			continue
		}
		out = append(out, b[:size]...)
		b = b[size:]
	}
	return out
}
