package archive

import (
	"context"
	"testing"
	"time"
)

func TestInMemorySaveAssignsDefaults(t *testing.T) {
	s := NewInMemoryStore()
	err := s.SaveCall(context.Background(), CallRecord{
		SessionID: "C1",
		Status:    "stopped",
		Reason:    "completed",
		StartedAt: time.Now().UTC().Add(-5 * time.Second),
	})
	if err != nil {
		t.Fatalf("SaveCall() error = %v", err)
	}

	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("Calls() length = %d, want 1", len(calls))
	}
	if calls[0].ID == "" {
		t.Fatalf("record id should be assigned")
	}
	if calls[0].EndedAt.IsZero() {
		t.Fatalf("ended_at should be defaulted")
	}
}

func TestFactoryDefaultsToInMemory(t *testing.T) {
	store, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("store type = %T, want *InMemoryStore", store)
	}
}
