package buffer

import (
	"bytes"
	"testing"
)

func TestTailDrainReturnsWrites(t *testing.T) {
	tail := NewTail(16)

	tail.Write([]byte("hello "))
	tail.Write([]byte("world"))

	if got := tail.Drain(); !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("drained %q, expected 'hello world'", got)
	}

	// Draining empties the buffer.
	if tail.Len() != 0 {
		t.Errorf("length %d after drain, expected 0", tail.Len())
	}
	if tail.Drain() != nil {
		t.Error("expected nil from draining an empty tail")
	}
}

func TestTailKeepsNewestOnOverflow(t *testing.T) {
	tail := NewTail(8)

	tail.Write([]byte("01234567"))
	tail.Write([]byte("ab"))

	if got := tail.Drain(); !bytes.Equal(got, []byte("234567ab")) {
		t.Errorf("drained %q, expected '234567ab'", got)
	}
}

func TestTailSingleWriteLargerThanCapacity(t *testing.T) {
	tail := NewTail(4)

	tail.Write([]byte("0123456789"))

	if got := tail.Drain(); !bytes.Equal(got, []byte("6789")) {
		t.Errorf("drained %q, expected '6789'", got)
	}
}

func TestTailWrapAround(t *testing.T) {
	tail := NewTail(8)

	// Force the write cursor past the end of the backing array several
	// times; the drained bytes must still come out in write order. The
	// writes total "aaaabbbbccddd", of which the newest 8 bytes survive.
	tail.Write([]byte("aaaa"))
	tail.Write([]byte("bbbb"))
	tail.Write([]byte("cc"))
	tail.Write([]byte("ddd"))

	if got := tail.Drain(); !bytes.Equal(got, []byte("bbbccddd")) {
		t.Errorf("drained %q, expected 'bbbccddd'", got)
	}
}

func TestTailWriteAfterDrain(t *testing.T) {
	tail := NewTail(8)

	tail.Write([]byte("old"))
	tail.Drain()
	tail.Write([]byte("new"))

	if got := tail.Drain(); !bytes.Equal(got, []byte("new")) {
		t.Errorf("drained %q, expected 'new'", got)
	}
}

func TestTailMinimumCapacity(t *testing.T) {
	for _, capacity := range []int{0, -3} {
		tail := NewTail(capacity)
		tail.Write([]byte("xy"))
		if got := tail.Drain(); !bytes.Equal(got, []byte("y")) {
			t.Errorf("capacity %d: drained %q, expected 'y'", capacity, got)
		}
	}
}
