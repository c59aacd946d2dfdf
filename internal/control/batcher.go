package control

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rebvpn/rebnode/internal/logqueue"
)

const (
	// DefaultLogInterval is the batching window for log pushes.
	DefaultLogInterval = 600 * time.Millisecond

	// logIdleWait is how long the batch loop sleeps when the source is
	// empty. It also bounds how long Stop can take to be observed.
	logIdleWait = 200 * time.Millisecond
)

// LogStream drains a log queue in the background and pushes the output
// to a callback in time-windowed batches: lines are coalesced for up to
// the interval, bounding callback frequency independent of log volume.
// Its lifecycle is independent of the session and the engine process —
// it simply goes idle when the source stops producing.
type LogStream struct {
	src      *logqueue.Queue
	callback func(string)
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewLogStream starts the batching loop. interval <= 0 selects the
// default window.
func NewLogStream(src *logqueue.Queue, callback func(string), interval time.Duration) *LogStream {
	if interval <= 0 {
		interval = DefaultLogInterval
	}

	s := &LogStream{
		src:      src,
		callback: callback,
		interval: interval,
		logger:   slog.With("component", "logstream"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.cast()
	return s
}

// Stop halts the loop and joins it. Once Stop returns, no further
// callback invocation is possible.
func (s *LogStream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *LogStream) cast() {
	defer close(s.done)

	var buf strings.Builder
	lastFlush := time.Now()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if time.Since(lastFlush) >= s.interval && buf.Len() > 0 {
			s.push(buf.String())
			buf.Reset()
			lastFlush = time.Now()
		}

		line, ok := s.src.Pop()
		if !ok {
			select {
			case <-s.stop:
				return
			case <-time.After(logIdleWait):
			}
			continue
		}

		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

// push invokes the callback, isolating the loop from a panicking
// controller callback.
func (s *LogStream) push(chunk string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("log callback panicked", "panic", r)
		}
	}()
	s.callback(chunk)
}
