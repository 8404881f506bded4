package kvstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMissingKeyReturnsFallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if got := s.GetString(ctx, "ns", "missing", "fallback"); got != "fallback" {
		t.Errorf("GetString() = %q, want fallback", got)
	}
	if got := s.GetInt(ctx, "ns", "missing", 42); got != 42 {
		t.Errorf("GetInt() = %d, want 42", got)
	}
	if got := s.GetBool(ctx, "ns", "missing", true); got != true {
		t.Errorf("GetBool() = %v, want true", got)
	}
}

func TestWriteCommitsBeforeReturning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SetString(ctx, "profile", "name", "Work")
	if got := s.GetString(ctx, "profile", "name", ""); got != "Work" {
		t.Errorf("GetString() = %q, want Work", got)
	}

	s.SetInt(ctx, "profile", "port", 9876)
	if got := s.GetInt(ctx, "profile", "port", 0); got != 9876 {
		t.Errorf("GetInt() = %d, want 9876", got)
	}

	s.SetBool(ctx, "profile", "verbose", true)
	if got := s.GetBool(ctx, "profile", "verbose", false); got != true {
		t.Errorf("GetBool() = %v, want true", got)
	}
}

func TestSetOverwritesExistingKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SetString(ctx, "ns", "k", "first")
	s.SetString(ctx, "ns", "k", "second")
	if got := s.GetString(ctx, "ns", "k", ""); got != "second" {
		t.Errorf("GetString() = %q, want second", got)
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SetString(ctx, "a", "k", "a-value")
	s.SetString(ctx, "b", "k", "b-value")

	if got := s.GetString(ctx, "a", "k", ""); got != "a-value" {
		t.Errorf("namespace a: got %q", got)
	}
	if got := s.GetString(ctx, "b", "k", ""); got != "b-value" {
		t.Errorf("namespace b: got %q", got)
	}
}

func TestDeleteFallsBackToFallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SetString(ctx, "ns", "k", "v")
	s.Delete(ctx, "ns", "k")
	if got := s.GetString(ctx, "ns", "k", "gone"); got != "gone" {
		t.Errorf("GetString() after delete = %q, want gone", got)
	}
}

func TestKindMismatchReturnsFallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SetString(ctx, "ns", "k", "not-an-int")
	if got := s.GetInt(ctx, "ns", "k", -1); got != -1 {
		t.Errorf("GetInt() on string key = %d, want -1", got)
	}
}

func TestReopenPersistsAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kv.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s1.SetString(ctx, "ns", "k", "persisted")
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got := s2.GetString(ctx, "ns", "k", ""); got != "persisted" {
		t.Errorf("GetString() after reopen = %q, want persisted", got)
	}
}
