package storage

import "testing"

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestDefaultStoreKindMatchesBuild(t *testing.T) {
	kind := DefaultStoreKind()
	if _, err := NewStore(kind, ""); kind == "memory" && err != nil {
		t.Fatalf("default store kind %q should be constructible: %v", kind, err)
	}
	if kind != "memory" && kind != "sqlite" {
		t.Fatalf("unexpected default store kind %q", kind)
	}
}
