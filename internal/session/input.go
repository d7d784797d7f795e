package session

import (
	"io"
	"log"
	"sync"

	"github.com/nn1a/rwshell/internal/model"
)

// DefaultInputQueueSize bounds the number of keystroke frames waiting for
// the PTY writer.
const DefaultInputQueueSize = 256

type inputFrame struct {
	data     []byte
	viewerID string
}

// inputMerger serializes keystrokes from all writable viewers (and the
// local terminal) into the single PTY write stream. The drain goroutine is
// the only writer of the PTY master.
type inputMerger struct {
	pty       io.Writer
	readonly  bool
	queue     chan inputFrame
	done      chan struct{}
	closeOnce sync.Once

	// onError escalates a failed PTY write to the session controller.
	onError func(error)
}

func newInputMerger(w io.Writer, readonly bool, onError func(error)) *inputMerger {
	m := &inputMerger{
		pty:      w,
		readonly: readonly,
		queue:    make(chan inputFrame, DefaultInputQueueSize),
		done:     make(chan struct{}),
		onError:  onError,
	}
	go m.run()
	return m
}

// Submit enqueues keystroke bytes from a viewer. It rejects immediately when
// the session is read-only. Ordering is strict FIFO in the order Submit
// calls complete, across all viewers.
func (m *inputMerger) Submit(data []byte, viewerID string) error {
	if m.readonly {
		return model.ErrReadOnly
	}
	return m.enqueue(data, viewerID)
}

// SubmitLocal enqueues keystrokes from the local controlling terminal. The
// operator's own input is accepted even when remote viewers are read-only.
func (m *inputMerger) SubmitLocal(data []byte) error {
	return m.enqueue(data, "local")
}

func (m *inputMerger) enqueue(data []byte, viewerID string) error {
	if len(data) == 0 {
		return nil
	}
	// Check done first: a select with both cases ready picks at random, so
	// a closed merger with free queue slots would otherwise accept input.
	select {
	case <-m.done:
		return model.ErrSessionClosed
	default:
	}
	frame := inputFrame{data: data, viewerID: viewerID}
	select {
	case <-m.done:
		return model.ErrSessionClosed
	case m.queue <- frame:
		return nil
	}
}

// run drains the queue into the PTY, writing each frame atomically and
// retrying on short write.
func (m *inputMerger) run() {
	for {
		select {
		case <-m.done:
			return
		case frame := <-m.queue:
			if err := m.writeAll(frame.data); err != nil {
				log.Printf("session: input merger: pty write failed: %v", err)
				if m.onError != nil {
					m.onError(err)
				}
				return
			}
		}
	}
}

func (m *inputMerger) writeAll(data []byte) error {
	for len(data) > 0 {
		n, err := m.pty.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close stops the drain goroutine. Pending frames are discarded.
func (m *inputMerger) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}
