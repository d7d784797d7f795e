// Package session implements the terminal session multiplexer: one PTY
// fanned out to any number of websocket viewers, with merged keystroke
// input and negotiated window size.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nn1a/rwshell/internal/buffer"
	"github.com/nn1a/rwshell/internal/hub"
	"github.com/nn1a/rwshell/internal/model"
	"github.com/nn1a/rwshell/internal/pty"
	"github.com/nn1a/rwshell/internal/repository"
	"github.com/nn1a/rwshell/internal/wire"
)

const (
	// DefaultBackfillSize bounds the output retained while no viewer is
	// subscribed.
	DefaultBackfillSize = 1024

	// readBufferSize is the PTY reader's chunk size. Frames published to
	// the hub never exceed it.
	readBufferSize = 4096

	// closedBanner is broadcast to surviving viewers when the child exits.
	closedBanner = "Session closed"

	// drainGrace is how long teardown leaves viewer queues alive after the
	// banner before evicting stragglers. It exceeds the viewers' own drain
	// deadline so a well-behaved viewer always closes cleanly first.
	drainGrace = time.Second
)

// Config configures a session controller.
type Config struct {
	// ID overrides the generated session ID when non-empty.
	ID string

	// Command and Args define the child process. Command is required.
	Command string
	Args    []string

	// Env is the child environment; the current environment when nil.
	Env []string

	// ReadOnly forbids every viewer from writing to the PTY.
	ReadOnly bool

	// Headless marks the session as having no local controlling terminal;
	// window size becomes client-driven.
	Headless bool

	// InitialCols and InitialRows set the PTY size at spawn.
	InitialCols uint16
	InitialRows uint16

	// ShutdownOnEmpty tears the session down when the viewer count drops
	// to zero.
	ShutdownOnEmpty bool

	// GracePeriod is the SIGHUP-to-SIGKILL teardown grace; the PTY host
	// default when zero.
	GracePeriod time.Duration

	// BackfillSize overrides DefaultBackfillSize when positive.
	BackfillSize int

	// MaxQueueFrames and MaxQueueBytes bound each viewer's output queue;
	// hub defaults when zero.
	MaxQueueFrames int
	MaxQueueBytes  int64

	// Store persists session metadata when non-nil.
	Store *repository.SessionStore

	// OnLocalOutput mirrors PTY output to the local terminal when set.
	OnLocalOutput func([]byte)
}

// Viewer is one attached websocket client's handle onto the session. The
// ws layer pulls output frames and control messages from it and submits
// keystrokes through the controller.
type Viewer struct {
	id       string
	writable bool
	sub      *hub.Subscriber
	control  chan []byte
	backfill []byte
}

// ID returns the viewer ID, unique within the session.
func (v *Viewer) ID() string { return v.id }

// Writable reports whether this viewer may submit keystrokes.
func (v *Viewer) Writable() bool { return v.writable }

// Frames returns the output frame channel. Pulled frames must be Acked.
func (v *Viewer) Frames() <-chan []byte { return v.sub.Frames() }

// Ack releases queue budget for a frame pulled from Frames.
func (v *Viewer) Ack(n int) { v.sub.Ack(n) }

// Evicted is closed when the hub dropped this viewer for slowness.
func (v *Viewer) Evicted() <-chan struct{} { return v.sub.Evicted() }

// Control returns the control message channel (pre-encoded envelopes).
// It is preloaded with the current WinSize, ReadOnly, and Headless
// messages at attach time.
func (v *Viewer) Control() <-chan []byte { return v.control }

// Backfill returns output produced before this viewer attached. It must be
// delivered after the initial control messages and before live frames.
func (v *Viewer) Backfill() []byte { return v.backfill }

// Controller owns the PTY host, broadcast hub, input merger, and size
// negotiator of one session, and mediates their lifecycle.
type Controller struct {
	cfg     Config
	session *model.Session
	host    *pty.Host
	hub     *hub.Hub
	merger  *inputMerger
	size    *sizeNegotiator
	store   *repository.SessionStore

	// streamMu serializes the reader's publish-vs-backfill decision with
	// viewer attach (subscribe + backfill drain). Without it a frame read
	// while a viewer is mid-attach could land in the backfill buffer after
	// that viewer already drained it, reaching nobody.
	streamMu sync.Mutex
	backfill *buffer.Tail

	mu      sync.Mutex
	viewers map[string]*Viewer
	closed  bool

	closeOnce sync.Once
	done      chan struct{} // closed when shutdown starts; viewers drain
	finished  chan struct{} // closed when teardown is complete
}

// New spawns the child process and starts the session tasks.
func New(cfg Config) (*Controller, error) {
	if cfg.Command == "" {
		return nil, model.ErrCommandRequired
	}

	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}

	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(env, "RWSHELL=1", fmt.Sprintf("RWSHELL_SESSION=%s", id))

	host, err := pty.Spawn(pty.SpawnOptions{
		Command:     cfg.Command,
		Args:        cfg.Args,
		Env:         env,
		InitialCols: cfg.InitialCols,
		InitialRows: cfg.InitialRows,
		GracePeriod: cfg.GracePeriod,
	})
	if err != nil {
		return nil, err
	}

	cols, rows := host.Size()
	now := time.Now()
	pid := host.PID()
	sess := &model.Session{
		ID:        id,
		Command:   cfg.Command,
		Args:      cfg.Args,
		ReadOnly:  cfg.ReadOnly,
		Headless:  cfg.Headless,
		Cols:      cols,
		Rows:      rows,
		Status:    model.SessionStatusRunning,
		PID:       &pid,
		CreatedAt: now,
		UpdatedAt: now,
	}

	backfillSize := cfg.BackfillSize
	if backfillSize <= 0 {
		backfillSize = DefaultBackfillSize
	}

	c := &Controller{
		cfg:      cfg,
		session:  sess,
		host:     host,
		hub:      hub.New(cfg.MaxQueueFrames, cfg.MaxQueueBytes),
		backfill: buffer.NewTail(backfillSize),
		store:    cfg.Store,
		viewers:  make(map[string]*Viewer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	c.merger = newInputMerger(host, cfg.ReadOnly, func(err error) {
		// A failed PTY write violates the input invariant; end the session.
		c.Shutdown()
	})
	c.size = newSizeNegotiator(host, cfg.Headless, winSize{cols: cols, rows: rows}, c.broadcastWinSize)

	if c.store != nil {
		if err := c.store.Create(context.Background(), sess); err != nil {
			log.Printf("session %s: persist metadata: %v", id, err)
		}
	}

	go c.readLoop()
	go c.waitLoop()

	return c, nil
}

// ID returns the session ID.
func (c *Controller) ID() string { return c.session.ID }

// ReadOnly reports whether the session forbids viewer input.
func (c *Controller) ReadOnly() bool { return c.session.ReadOnly }

// Headless reports whether window size is client-driven.
func (c *Controller) Headless() bool { return c.session.Headless }

// Size returns the authoritative terminal size.
func (c *Controller) Size() (cols, rows uint16) { return c.size.Size() }

// Done is closed when the session begins shutting down; attached viewers
// should drain their outbound queues and close.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Wait blocks until teardown is complete and returns the child exit code.
func (c *Controller) Wait() int {
	<-c.finished
	code, _ := c.host.ExitCode()
	return code
}

// ViewerCount returns the number of attached viewers.
func (c *Controller) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.viewers)
}

// AttachViewer registers a new viewer. A read-only session forces the
// writable flag off. The returned handle is preloaded with the current
// control messages and any backfilled output.
func (c *Controller) AttachViewer(writable bool) (*Viewer, error) {
	if c.session.ReadOnly {
		writable = false
	}

	// Subscribe and drain atomically with respect to the reader's
	// publish-vs-backfill decision: once the subscription is visible,
	// every later frame goes to the hub, and everything earlier is in the
	// drained backfill. No frame can fall between the two.
	c.streamMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.streamMu.Unlock()
		return nil, model.ErrSessionClosed
	}
	sub := c.hub.Subscribe()
	v := &Viewer{
		id:       sub.ID(),
		writable: writable,
		sub:      sub,
		control:  make(chan []byte, 16),
	}
	c.viewers[v.id] = v
	c.mu.Unlock()
	v.backfill = c.backfill.Drain()
	c.streamMu.Unlock()

	// New viewers learn the session state before any output frame.
	cols, rows := c.size.Size()
	c.queueControl(v, mustEncode(wire.EncodeWinSize(cols, rows)))
	c.queueControl(v, mustEncode(wire.EncodeReadOnly(c.session.ReadOnly)))
	c.queueControl(v, mustEncode(wire.EncodeHeadless(c.session.Headless)))

	log.Printf("session %s: viewer %s attached (writable=%v, viewers=%d)",
		c.session.ID, v.id, writable, c.ViewerCount())
	return v, nil
}

// DetachViewer unregisters a viewer. When the count reaches zero and the
// shutdown-on-empty policy is set, the session shuts down.
func (c *Controller) DetachViewer(id string) {
	c.mu.Lock()
	_, ok := c.viewers[id]
	if ok {
		delete(c.viewers, id)
	}
	remaining := len(c.viewers)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.hub.Unsubscribe(id)
	log.Printf("session %s: viewer %s detached (viewers=%d)", c.session.ID, id, remaining)

	if remaining == 0 && c.cfg.ShutdownOnEmpty {
		c.Shutdown()
	}
}

// Submit forwards keystrokes from a viewer to the input merger. Read-only
// viewers and read-only sessions are rejected.
func (c *Controller) Submit(v *Viewer, data []byte) error {
	if !v.writable {
		return model.ErrReadOnly
	}
	return c.merger.Submit(data, v.id)
}

// SubmitLocal forwards keystrokes from the local controlling terminal.
func (c *Controller) SubmitLocal(data []byte) error {
	return c.merger.SubmitLocal(data)
}

// HintResize records a viewer's resize hint. Ignored unless the session is
// headless and the viewer is writable.
func (c *Controller) HintResize(v *Viewer, cols, rows uint16) error {
	if !c.session.Headless || !v.writable {
		return nil
	}
	return c.size.Hint(cols, rows)
}

// SetLocalSize applies a size change from the local controlling terminal
// (SIGWINCH). Ignored in headless mode.
func (c *Controller) SetLocalSize(cols, rows uint16) {
	c.size.SetLocal(cols, rows)
}

// Shutdown initiates session teardown: banner broadcast, viewer drain,
// child reap. Safe to call from any goroutine, any number of times.
func (c *Controller) Shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		go c.teardown()
	})
}

func (c *Controller) teardown() {
	defer close(c.finished)

	// Survivors get the banner as a final output frame, then the done
	// signal tells them to drain and close normally. The stream lock keeps
	// an in-flight attach from subscribing between the banner and done.
	c.streamMu.Lock()
	c.hub.Publish([]byte(closedBanner))
	c.streamMu.Unlock()
	close(c.done)

	c.merger.Close()
	c.size.Close()

	if err := c.host.Close(); err != nil {
		log.Printf("session %s: pty close: %v", c.session.ID, err)
	}

	// Give viewers their drain deadline before evicting stragglers.
	time.Sleep(drainGrace)
	c.hub.Close()

	log.Printf("session %s: closed", c.session.ID)
}

// readLoop drains PTY output into the hub (or the backfill buffer while no
// viewer is subscribed). Any read error means the child is gone or the
// master was closed; both end the session.
func (c *Controller) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.host.Read(buf)
		if n > 0 {
			// Copy once; the hub shares the frame across viewers.
			frame := make([]byte, n)
			copy(frame, buf[:n])

			// Held across the count check and the delivery so a viewer
			// attaching concurrently sees this frame exactly once, either
			// via its subscription or via the drained backfill.
			c.streamMu.Lock()
			if c.hub.Count() == 0 {
				c.backfill.Write(frame)
			} else {
				c.hub.Publish(frame)
			}
			c.streamMu.Unlock()

			if c.cfg.OnLocalOutput != nil {
				c.cfg.OnLocalOutput(frame)
			}
		}
		if err != nil {
			c.Shutdown()
			return
		}
	}
}

// waitLoop reaps the child and records its exit status.
func (c *Controller) waitLoop() {
	code, err := c.host.Wait()

	status := model.SessionStatusExited
	if err != nil {
		status = model.SessionStatusFailed
		log.Printf("session %s: child failed: %v", c.session.ID, err)
	} else {
		log.Printf("session %s: child exited with code %d", c.session.ID, code)
	}

	c.mu.Lock()
	c.session.Status = status
	c.session.ExitCode = &code
	c.session.UpdatedAt = time.Now()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpdateExit(context.Background(), c.session.ID, status, &code); err != nil {
			log.Printf("session %s: persist exit status: %v", c.session.ID, err)
		}
	}

	c.Shutdown()
}

// broadcastWinSize emits a WinSize control message to every viewer.
func (c *Controller) broadcastWinSize(cols, rows uint16) {
	msg := mustEncode(wire.EncodeWinSize(cols, rows))

	c.mu.Lock()
	c.session.Cols, c.session.Rows = cols, rows
	viewers := make([]*Viewer, 0, len(c.viewers))
	for _, v := range c.viewers {
		viewers = append(viewers, v)
	}
	c.mu.Unlock()

	for _, v := range viewers {
		c.queueControl(v, msg)
	}
}

// queueControl delivers a control message without blocking. Control
// messages are small and rare; a full queue means the viewer is about to be
// evicted for slowness anyway.
func (c *Controller) queueControl(v *Viewer, msg []byte) {
	if msg == nil {
		return
	}
	select {
	case v.control <- msg:
	default:
		log.Printf("session %s: viewer %s control queue full, dropping message", c.session.ID, v.id)
	}
}

// mustEncode collapses codec errors on the emit path; the payload types
// marshal unconditionally.
func mustEncode(msg []byte, err error) []byte {
	if err != nil {
		log.Printf("session: encode control message: %v", err)
		return nil
	}
	return msg
}
