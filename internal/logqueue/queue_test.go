package logqueue

import (
	"fmt"
	"testing"
)

func TestQueueWriteAndPop(t *testing.T) {
	q := New(5)
	q.Write([]byte("line 1\nline 2\nline 3\n"))

	if q.Len() != 3 {
		t.Fatalf("expected 3 lines, got %d", q.Len())
	}
	for i, want := range []string{"line 1", "line 2", "line 3"} {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue empty", i)
		}
		if got != want {
			t.Errorf("Pop %d: got %q, want %q", i, got, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue after draining")
	}
}

func TestQueuePartialLine(t *testing.T) {
	q := New(5)
	q.Write([]byte("hel"))
	q.Write([]byte("lo\nwor"))

	if q.Len() != 1 {
		t.Fatalf("expected 1 complete line, got %d", q.Len())
	}
	got, _ := q.Pop()
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}

	q.Write([]byte("ld\n"))
	got, _ = q.Pop()
	if got != "world" {
		t.Errorf("got %q, want %q", got, "world")
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := New(3)
	for i := 1; i <= 5; i++ {
		q.Push(fmt.Sprintf("l%d", i))
	}

	if q.Len() != 3 {
		t.Fatalf("expected 3 lines, got %d", q.Len())
	}
	for _, want := range []string{"l3", "l4", "l5"} {
		got, _ := q.Pop()
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestQueuePopOrderAfterWrap(t *testing.T) {
	q := New(4)
	q.Push("a")
	q.Push("b")
	q.Pop()
	q.Push("c")
	q.Push("d")
	q.Push("e")

	for _, want := range []string{"b", "c", "d", "e"} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("got %q (ok=%v), want %q", got, ok, want)
		}
	}
}
