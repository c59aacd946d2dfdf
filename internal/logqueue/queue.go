package logqueue

import (
	"bytes"
	"strings"
	"sync"
)

// Queue is a thread-safe bounded FIFO of log lines. It implements
// io.Writer so it can be used as stdout/stderr for a process; consumers
// drain it destructively with Pop. When the queue is full the oldest
// line is dropped, so a writer is never blocked by a slow consumer.
type Queue struct {
	mu    sync.Mutex
	lines []string
	size  int
	head  int
	count int
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
}

// New creates a queue that holds at most n lines.
func New(n int) *Queue {
	if n <= 0 {
		n = 1000
	}
	return &Queue{
		lines: make([]string, n),
		size:  n,
	}
}

// Write implements io.Writer. Splits input on newlines and pushes each
// complete line.
func (q *Queue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.partial.Write(p)

	for {
		line, err := q.partial.ReadString('\n')
		if err != nil {
			// No more complete lines — put the partial back
			q.partial.Reset()
			q.partial.WriteString(line)
			break
		}
		q.push(strings.TrimRight(line, "\n"))
	}

	return len(p), nil
}

// Push appends a single line, dropping the oldest when full.
func (q *Queue) Push(line string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(line)
}

func (q *Queue) push(line string) {
	if q.count == q.size {
		// Drop the oldest line
		q.head = (q.head + 1) % q.size
		q.count--
	}
	q.lines[(q.head+q.count)%q.size] = line
	q.count++
}

// Pop removes and returns the oldest line. The second return value is
// false when the queue is empty.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return "", false
	}
	line := q.lines[q.head]
	q.lines[q.head] = ""
	q.head = (q.head + 1) % q.size
	q.count--
	return line, true
}

// Len returns the number of buffered lines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
