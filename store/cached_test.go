package store

import (
	"context"
	"testing"
	"time"
)

func TestCachedStore_ReadThrough(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	if err := backing.Create(ctx, "paris"); err != nil {
		t.Fatal(err)
	}
	if err := backing.AppendUpdate(ctx, "paris", blob(1), 1); err != nil {
		t.Fatal(err)
	}

	cs := NewCachedStore(backing, time.Hour) // long interval, no auto flush
	defer cs.Close()

	info, err := cs.Get(ctx, "paris")
	if err != nil {
		t.Fatal(err)
	}
	if info.Updates != 1 {
		t.Errorf("unexpected info: %+v", info)
	}

	log, err := cs.GetUpdates(ctx, "paris", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 {
		t.Fatalf("got %d updates, want 1", len(log))
	}
}

func TestCachedStore_WriteBehind(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, 50*time.Millisecond)
	defer cs.Close()

	if err := cs.Create(ctx, "paris"); err != nil {
		t.Fatal(err)
	}
	if _, err := backing.Get(ctx, "paris"); err == nil {
		t.Error("expected backing to not have room yet")
	}

	time.Sleep(150 * time.Millisecond)

	info, err := backing.Get(ctx, "paris")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "paris" {
		t.Errorf("unexpected room: %s", info.Name)
	}
}

func TestCachedStore_FlushTracking(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, 50*time.Millisecond)
	defer cs.Close()

	if err := cs.Create(ctx, "paris"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if err := cs.AppendUpdate(ctx, "paris", blob(i), i); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(150 * time.Millisecond)

	log, err := backing.GetUpdates(ctx, "paris", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 3 {
		t.Fatalf("after first flush: got %d updates, want 3", len(log))
	}

	for i := 4; i <= 5; i++ {
		if err := cs.AppendUpdate(ctx, "paris", blob(i), i); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(150 * time.Millisecond)

	log, err = backing.GetUpdates(ctx, "paris", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 5 || string(log[4]) != "update-5" {
		t.Fatalf("after second flush: got %q", log)
	}
}

func TestCachedStore_CloseFlushes(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, time.Hour)
	if err := cs.Create(ctx, "paris"); err != nil {
		t.Fatal(err)
	}
	if err := cs.AppendUpdate(ctx, "paris", blob(1), 1); err != nil {
		t.Fatal(err)
	}

	cs.Close()

	info, err := backing.Get(ctx, "paris")
	if err != nil {
		t.Fatal(err)
	}
	if info.Updates != 1 {
		t.Errorf("got %d updates, want 1", info.Updates)
	}
}

func TestCachedStore_PreLoadedRoom(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	backing.Create(ctx, "paris")
	backing.AppendUpdate(ctx, "paris", blob(1), 1)
	backing.AppendUpdate(ctx, "paris", blob(2), 2)

	cs := NewCachedStore(backing, time.Hour)
	if _, err := cs.Get(ctx, "paris"); err != nil {
		t.Fatal(err)
	}
	if err := cs.AppendUpdate(ctx, "paris", blob(3), 3); err != nil {
		t.Fatal(err)
	}
	cs.Close()

	log, err := backing.GetUpdates(ctx, "paris", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 3 {
		t.Fatalf("got %d updates, want 3", len(log))
	}
}

func TestCachedStore_CreateExistingInBacking(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()
	backing.Create(ctx, "paris")

	cs := NewCachedStore(backing, time.Hour)
	defer cs.Close()
	if err := cs.Create(ctx, "paris"); err == nil {
		t.Error("expected error for room already in backing store")
	}
}

func TestCachedStore_ListDelegatesToBacking(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	backing.Create(ctx, "a")
	backing.Create(ctx, "b")

	cs := NewCachedStore(backing, time.Hour)
	defer cs.Close()

	rooms, err := cs.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Errorf("got %d rooms, want 2", len(rooms))
	}
}
