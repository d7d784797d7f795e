package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nn1a/rwshell/internal/db"
	"github.com/nn1a/rwshell/internal/model"
)

func testStore(t *testing.T) *SessionStore {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewSessionStore(conn)
}

func testSession(id string) *model.Session {
	now := time.Now().UTC().Truncate(time.Second)
	pid := 1234
	return &model.Session{
		ID:        id,
		Command:   "bash",
		Args:      []string{"-l"},
		ReadOnly:  true,
		Headless:  false,
		Status:    model.SessionStatusRunning,
		PID:       &pid,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess := testSession("s1")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetByID(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Command != "bash" || len(got.Args) != 1 || got.Args[0] != "-l" {
		t.Errorf("command/args mismatch: %q %v", got.Command, got.Args)
	}
	if !got.ReadOnly || got.Headless {
		t.Errorf("flags mismatch: readonly=%v headless=%v", got.ReadOnly, got.Headless)
	}
	if got.Status != model.SessionStatusRunning {
		t.Errorf("status %q, expected running", got.Status)
	}
	if got.PID == nil || *got.PID != 1234 {
		t.Errorf("pid mismatch: %v", got.PID)
	}
	if got.ExitCode != nil {
		t.Errorf("unexpected exit code %v", got.ExitCode)
	}
}

func TestGetMissing(t *testing.T) {
	store := testStore(t)

	if _, err := store.GetByID(context.Background(), "nope"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateExit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testSession("s1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	code := 7
	if err := store.UpdateExit(ctx, "s1", model.SessionStatusExited, &code); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetByID(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.SessionStatusExited {
		t.Errorf("status %q, expected exited", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 7 {
		t.Errorf("exit code %v, expected 7", got.ExitCode)
	}

	if err := store.UpdateExit(ctx, "missing", model.SessionStatusExited, &code); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for missing session, got %v", err)
	}
}

func TestList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := testSession("s1")
	first.CreatedAt = first.CreatedAt.Add(-time.Hour)
	first.UpdatedAt = first.CreatedAt
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create s1: %v", err)
	}
	if err := store.Create(ctx, testSession("s2")); err != nil {
		t.Fatalf("create s2: %v", err)
	}

	sessions, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("listed %d sessions, expected 2", len(sessions))
	}
	// Newest first.
	if sessions[0].ID != "s2" || sessions[1].ID != "s1" {
		t.Errorf("order %s, %s; expected s2, s1", sessions[0].ID, sessions[1].ID)
	}
}
