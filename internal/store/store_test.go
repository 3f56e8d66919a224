package store

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestErrorWrapsStorage(t *testing.T) {
	driver := errors.New("database is locked")
	err := storageErr("push", "h1", 4, driver)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage in chain: %v", err)
	}
	if !errors.Is(err, driver) {
		t.Fatalf("expected driver error in chain: %v", err)
	}
	if !strings.Contains(err.Error(), "push h1/4") {
		t.Fatalf("unexpected message: %s", err)
	}
	plain := &Error{Op: "heads", Err: driver}
	if strings.Contains(plain.Error(), "/") {
		t.Fatalf("hostless error should not print a position: %s", plain)
	}
}

func TestMemoryMedium(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := Entry{Host: "h", Idx: 0, ID: "a", Data: []byte("x")}
	if err := m.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.Append(ctx, e); err == nil {
		t.Fatalf("expected duplicate append to fail")
	}
	if ok, err := m.Insert(ctx, e); err != nil || ok {
		t.Fatalf("insert existing: ok=%v err=%v", ok, err)
	}
	if _, err := m.Insert(ctx, Entry{Host: "h", Idx: 3}); err == nil {
		t.Fatalf("expected sparse insert to fail")
	}
	got, found, _ := m.Get(ctx, "h", 0)
	if !found || got.ID != "a" {
		t.Fatalf("get: %+v %v", got, found)
	}
	got.Data[0] = 'y'
	again, _, _ := m.Get(ctx, "h", 0)
	if string(again.Data) != "x" {
		t.Fatalf("stored entry aliased caller memory")
	}
	page, _ := m.Range(ctx, "h", 0, 10, 10)
	if len(page) != 1 {
		t.Fatalf("range clamps to head, got %d", len(page))
	}
	_ = m.Close()
	if _, err := m.Head(ctx, "h"); err == nil {
		t.Fatalf("expected error after close")
	}
}
