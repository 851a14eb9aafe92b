package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "irrigo.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(zerolog.Nop(), db)
}

func TestUserSocketLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.CreateUser(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.SocketID != nil {
		t.Fatalf("new user should have no socket, got %q", *u.SocketID)
	}

	sock := "s1"
	updated, err := s.UpdateUserSocketID(ctx, u.ID, &sock)
	if err != nil {
		t.Fatalf("UpdateUserSocketID: %v", err)
	}
	if updated.SocketID == nil || *updated.SocketID != "s1" {
		t.Fatalf("socket not stored: %+v", updated)
	}

	bySocket, err := s.GetUserBySocket(ctx, "s1")
	if err != nil {
		t.Fatalf("GetUserBySocket: %v", err)
	}
	if bySocket == nil || bySocket.ID != u.ID {
		t.Fatalf("GetUserBySocket = %+v, want user %d", bySocket, u.ID)
	}

	cleared, err := s.UpdateUserSocketID(ctx, u.ID, nil)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.SocketID != nil {
		t.Errorf("socket not cleared: %q", *cleared.SocketID)
	}

	none, err := s.GetUserBySocket(ctx, "s1")
	if err != nil {
		t.Fatalf("GetUserBySocket: %v", err)
	}
	if none != nil {
		t.Errorf("expected no user for cleared socket, got %+v", none)
	}
}

func TestNotFoundIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.GetUserByID(ctx, 404)
	if err != nil || u != nil {
		t.Errorf("GetUserByID = %v, %v; want nil, nil", u, err)
	}

	sock := "s1"
	u, err = s.UpdateUserSocketID(ctx, 404, &sock)
	if err != nil || u != nil {
		t.Errorf("UpdateUserSocketID = %v, %v; want nil, nil", u, err)
	}

	d, err := s.GetDeviceByThingName(ctx, "missing")
	if err != nil || d != nil {
		t.Errorf("GetDeviceByThingName = %v, %v; want nil, nil", d, err)
	}

	d, err = s.UpdatePresenceConnection(ctx, 404, true)
	if err != nil || d != nil {
		t.Errorf("UpdatePresenceConnection = %v, %v; want nil, nil", d, err)
	}
}

func TestClearAllSocketIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		u, err := s.CreateUser(ctx, email)
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			sock := email
			if _, err := s.UpdateUserSocketID(ctx, u.ID, &sock); err != nil {
				t.Fatal(err)
			}
		}
	}

	n, err := s.ClearAllSocketIDs(ctx)
	if err != nil {
		t.Fatalf("ClearAllSocketIDs: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d rows, want 2", n)
	}
}

func TestDevicePresence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner, err := s.CreateUser(ctx, "owner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	d, err := s.CreateDevice(ctx, owner.ID, "T1", "Balcony")
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if d.OwnerID != owner.ID || d.ThingName != "T1" || d.PresenceConnection {
		t.Fatalf("unexpected device: %+v", d)
	}

	updated, err := s.UpdatePresenceConnection(ctx, d.ID, true)
	if err != nil {
		t.Fatalf("UpdatePresenceConnection: %v", err)
	}
	if !updated.PresenceConnection {
		t.Error("presence not persisted")
	}

	if _, err := s.CreateDevice(ctx, owner.ID, "T1", "Duplicate"); err == nil {
		t.Error("expected duplicate thing name to fail")
	}
}

func TestDeviceEventJournal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.RecordDeviceEvent(ctx, "T1", EventAuto, true, true); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDeviceEvent(ctx, "T1", EventPump, false, false); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDeviceEvent(ctx, "T2", EventPresence, true, true); err != nil {
		t.Fatal(err)
	}

	events, err := s.GetDeviceEvents(ctx, "T1", 10)
	if err != nil {
		t.Fatalf("GetDeviceEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != EventPump || events[0].Delivered {
		t.Errorf("newest event = %+v, want undelivered pump", events[0])
	}

	n, err := s.CleanupOldEvents(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("cleanup removed %d fresh events", n)
	}

	n, err = s.CleanupOldEvents(ctx, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("cleanup removed %d events, want 3", n)
	}
}

// Writers on different pooled connections must wait for the lock, not fail.
func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.CreateUser(ctx, "busy@example.com")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	d, err := s.CreateDevice(ctx, u.ID, "T1", "Balcony")
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	const workers, rounds = 8, 25
	var wg sync.WaitGroup
	errCh := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				var err error
				switch (w + i) % 3 {
				case 0:
					id := fmt.Sprintf("sock-%d-%d", w, i)
					_, err = s.UpdateUserSocketID(ctx, u.ID, &id)
				case 1:
					_, err = s.UpdatePresenceConnection(ctx, d.ID, i%2 == 0)
				default:
					err = s.RecordDeviceEvent(ctx, "T1", EventAuto, true, false)
				}
				if err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)

	var failed int
	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
		failed++
	}
	if failed > 0 {
		t.Fatalf("%d of %d writes failed, first: %v", failed, workers*rounds, first)
	}
}
