package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/nn1a/rwshell/internal/model"
	"github.com/nn1a/rwshell/internal/wire"
)

func startSession(t *testing.T, cfg Config) *Controller {
	t.Helper()
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	t.Cleanup(func() {
		ctrl.Shutdown()
		ctrl.Wait()
	})
	return ctrl
}

// collectFrames pulls output frames from the viewer until the accumulated
// bytes contain want or the deadline passes.
func collectFrames(t *testing.T, v *Viewer, want []byte, timeout time.Duration) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(timeout)
	for {
		if bytes.Contains(got, want) {
			return got
		}
		select {
		case frame := <-v.Frames():
			v.Ack(len(frame))
			got = append(got, frame...)
		case <-deadline:
			t.Fatalf("expected output containing %q, got %q", want, got)
		}
	}
}

// drainControl decodes the initial control messages every viewer receives.
func drainControl(t *testing.T, v *Viewer, n int) []*wire.Envelope {
	t.Helper()
	envs := make([]*wire.Envelope, 0, n)
	for i := 0; i < n; i++ {
		select {
		case msg := <-v.Control():
			env, err := wire.Decode(msg)
			if err != nil {
				t.Fatalf("control message %d: %v", i, err)
			}
			envs = append(envs, env)
		case <-time.After(time.Second):
			t.Fatalf("control message %d never arrived", i)
		}
	}
	return envs
}

func TestSessionEcho(t *testing.T) {
	ctrl := startSession(t, Config{Command: "cat"})

	v, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctrl.DetachViewer(v.ID())

	if err := ctrl.Submit(v, []byte("hello\n")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// cat echoes the line back (the terminal echoes it too).
	collectFrames(t, v, []byte("hello"), 2*time.Second)
}

func TestInitialControlMessages(t *testing.T) {
	ctrl := startSession(t, Config{
		Command:     "cat",
		ReadOnly:    true,
		InitialCols: 100,
		InitialRows: 30,
	})

	v, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctrl.DetachViewer(v.ID())

	envs := drainControl(t, v, 3)
	if envs[0].Type != wire.KindWinSize {
		t.Errorf("first control message is %s, expected WinSize", envs[0].Type)
	}
	cols, rows, err := envs[0].DecodeWinSize()
	if err != nil || cols != 100 || rows != 30 {
		t.Errorf("initial WinSize %dx%d err=%v, expected 100x30", cols, rows, err)
	}

	if envs[1].Type != wire.KindReadOnly {
		t.Errorf("second control message is %s, expected ReadOnly", envs[1].Type)
	}
	readonly, err := envs[1].DecodeReadOnly()
	if err != nil || !readonly {
		t.Errorf("expected ReadOnly=true, got %v err=%v", readonly, err)
	}

	if envs[2].Type != wire.KindHeadless {
		t.Errorf("third control message is %s, expected Headless", envs[2].Type)
	}
}

func TestReadOnlyEnforcement(t *testing.T) {
	ctrl := startSession(t, Config{Command: "cat", ReadOnly: true})

	// A read-only session forces every viewer read-only, even those that
	// request write access.
	v, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctrl.DetachViewer(v.ID())

	if v.Writable() {
		t.Error("viewer is writable in a read-only session")
	}
	if err := ctrl.Submit(v, []byte("x")); !errors.Is(err, model.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
}

func TestReadOnlyViewerInWritableSession(t *testing.T) {
	ctrl := startSession(t, Config{Command: "cat"})

	writer, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach writer: %v", err)
	}
	defer ctrl.DetachViewer(writer.ID())

	reader, err := ctrl.AttachViewer(false)
	if err != nil {
		t.Fatalf("attach reader: %v", err)
	}
	defer ctrl.DetachViewer(reader.ID())

	if err := ctrl.Submit(reader, []byte("x")); !errors.Is(err, model.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly for read-only viewer, got %v", err)
	}

	// The writable viewer's input reaches the PTY and echoes to both.
	if err := ctrl.Submit(writer, []byte("a\n")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	collectFrames(t, writer, []byte("a"), 2*time.Second)
	collectFrames(t, reader, []byte("a"), 2*time.Second)
}

func TestChildExitTeardown(t *testing.T) {
	ctrl := startSession(t, Config{Command: "sh", Args: []string{"-c", "sleep 0.3; exit 7"}})

	v, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down after child exit")
	}

	// Survivors receive the terminating banner as a final output frame.
	collectFrames(t, v, []byte(closedBanner), 2*time.Second)

	if code := ctrl.Wait(); code != 7 {
		t.Errorf("expected exit code 7, got %d", code)
	}
}

func TestHeadlessResizePropagation(t *testing.T) {
	ctrl := startSession(t, Config{
		Command:     "cat",
		Headless:    true,
		InitialCols: 80,
		InitialRows: 24,
	})

	v, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctrl.DetachViewer(v.ID())

	drainControl(t, v, 3)

	if err := ctrl.HintResize(v, 120, 40); err != nil {
		t.Fatalf("resize hint: %v", err)
	}

	// The originator converges through the same broadcast as everyone else.
	select {
	case msg := <-v.Control():
		env, err := wire.Decode(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		cols, rows, err := env.DecodeWinSize()
		if err != nil || cols != 120 || rows != 40 {
			t.Errorf("broadcast WinSize %dx%d err=%v, expected 120x40", cols, rows, err)
		}
	case <-time.After(time.Second):
		t.Fatal("WinSize broadcast never arrived")
	}

	if cols, rows := ctrl.Size(); cols != 120 || rows != 40 {
		t.Errorf("authoritative size %dx%d, expected 120x40", cols, rows)
	}
}

func TestServerDrivenIgnoresViewerHints(t *testing.T) {
	ctrl := startSession(t, Config{
		Command:     "cat",
		InitialCols: 80,
		InitialRows: 24,
	})

	v, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctrl.DetachViewer(v.ID())

	if err := ctrl.HintResize(v, 120, 40); err != nil {
		t.Fatalf("resize hint: %v", err)
	}
	if cols, rows := ctrl.Size(); cols != 80 || rows != 24 {
		t.Errorf("viewer hint changed the PTY size to %dx%d", cols, rows)
	}
}

func TestBackfillDeliveredToFirstViewer(t *testing.T) {
	ctrl := startSession(t, Config{
		Command: "sh",
		Args:    []string{"-c", "printf backfill-marker; sleep 2"},
	})

	// Let the output land while no viewer is subscribed.
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.backfill.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	v, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctrl.DetachViewer(v.ID())

	if !bytes.Contains(v.Backfill(), []byte("backfill-marker")) {
		t.Errorf("backfill %q does not contain the pre-attach output", v.Backfill())
	}
}

func TestShutdownOnEmpty(t *testing.T) {
	ctrl := startSession(t, Config{Command: "cat", ShutdownOnEmpty: true})

	v, err := ctrl.AttachViewer(true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	ctrl.DetachViewer(v.ID())

	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down after the last viewer left")
	}
}

func TestAttachAfterShutdown(t *testing.T) {
	ctrl := startSession(t, Config{Command: "cat"})
	ctrl.Shutdown()
	ctrl.Wait()

	if _, err := ctrl.AttachViewer(true); !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestMissingCommand(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, model.ErrCommandRequired) {
		t.Errorf("expected ErrCommandRequired, got %v", err)
	}
	if _, err := New(Config{Command: "definitely-not-a-real-command-xyz"}); !errors.Is(err, model.ErrCommandNotFound) {
		t.Errorf("expected ErrCommandNotFound, got %v", err)
	}
}
