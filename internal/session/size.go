package session

import (
	"log"
	"sync"
	"time"

	"github.com/nn1a/rwshell/internal/model"
)

const (
	// minResizeInterval limits how often client-driven resize hints are
	// applied to the PTY. A hint arriving inside the window replaces any
	// pending one (last writer wins) and is applied by the flush loop.
	minResizeInterval = 100 * time.Millisecond

	// pendingFlushInterval is how often the flush loop checks for a
	// pending resize.
	pendingFlushInterval = 50 * time.Millisecond
)

type winSize struct {
	cols uint16
	rows uint16
}

// resizer is the slice of the PTY host the negotiator needs.
type resizer interface {
	Resize(cols, rows uint16) error
}

// sizeNegotiator maintains the single authoritative (cols, rows) for the
// session and propagates changes to the PTY and to all viewers.
//
// In server-driven mode (headless=false) the local controlling terminal
// originates size changes and viewer hints are ignored. In client-driven
// mode (headless=true) the most recent hint from any viewer wins, rate
// limited to one applied resize per minResizeInterval.
type sizeNegotiator struct {
	pty       resizer
	headless  bool
	broadcast func(cols, rows uint16)

	mu          sync.Mutex
	size        winSize
	lastApplied time.Time
	pending     *winSize

	done      chan struct{}
	closeOnce sync.Once
}

func newSizeNegotiator(pty resizer, headless bool, initial winSize, broadcast func(cols, rows uint16)) *sizeNegotiator {
	n := &sizeNegotiator{
		pty:       pty,
		headless:  headless,
		broadcast: broadcast,
		size:      initial,
		done:      make(chan struct{}),
	}
	if headless {
		go n.flushLoop()
	}
	return n
}

// Size returns the current authoritative size.
func (n *sizeNegotiator) Size() (cols, rows uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.size.cols, n.size.rows
}

// Hint records a viewer's resize hint. Only meaningful in client-driven
// mode; server-driven sessions ignore hints entirely.
func (n *sizeNegotiator) Hint(cols, rows uint16) error {
	if !n.headless {
		return nil
	}
	if cols == 0 || rows == 0 {
		return model.ErrInvalidWinSize
	}

	n.mu.Lock()
	if time.Since(n.lastApplied) < minResizeInterval {
		// Inside the rate-limit window: keep only the newest hint.
		n.pending = &winSize{cols: cols, rows: rows}
		n.mu.Unlock()
		return nil
	}
	n.lastApplied = time.Now()
	n.pending = nil
	n.mu.Unlock()

	n.apply(cols, rows)
	return nil
}

// SetLocal applies a size change originated by the local controlling
// terminal. Only meaningful in server-driven mode.
func (n *sizeNegotiator) SetLocal(cols, rows uint16) {
	if n.headless || cols == 0 || rows == 0 {
		return
	}

	n.mu.Lock()
	if n.size.cols == cols && n.size.rows == rows {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.apply(cols, rows)
}

// apply resizes the PTY, stamps the session state, and notifies every
// viewer, including the originator, so client state converges.
func (n *sizeNegotiator) apply(cols, rows uint16) {
	if err := n.pty.Resize(cols, rows); err != nil {
		log.Printf("session: resize pty to %dx%d: %v", cols, rows, err)
		return
	}

	n.mu.Lock()
	n.size = winSize{cols: cols, rows: rows}
	n.mu.Unlock()

	if n.broadcast != nil {
		n.broadcast(cols, rows)
	}
}

// flushLoop applies the pending hint once the rate-limit window has passed.
func (n *sizeNegotiator) flushLoop() {
	ticker := time.NewTicker(pendingFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.mu.Lock()
			if n.pending == nil || time.Since(n.lastApplied) < minResizeInterval {
				n.mu.Unlock()
				continue
			}
			pending := *n.pending
			n.pending = nil
			n.lastApplied = time.Now()
			n.mu.Unlock()

			n.apply(pending.cols, pending.rows)
		}
	}
}

func (n *sizeNegotiator) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
}
