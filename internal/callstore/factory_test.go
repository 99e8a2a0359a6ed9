package callstore

import (
	"context"
	"testing"
)

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("store = %T, want *InMemoryStore", s)
	}
}
