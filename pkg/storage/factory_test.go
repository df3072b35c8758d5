package storage

import "testing"

func TestNew(t *testing.T) {
	store, err := New(Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if store == nil {
		t.Fatal("New() returned nil store")
	}
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := New(Config{Path: ""}, nil)
	if err == nil {
		t.Error("expected error for empty path")
	}
}
