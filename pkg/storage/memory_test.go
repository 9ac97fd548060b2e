package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store == nil {
		t.Fatal("NewMemoryStore() returned nil")
	}
	if store.Len() != 0 {
		t.Errorf("New store should be empty, got %d stamps", store.Len())
	}
}

func TestMemoryStore_Stamp_LastTriggered(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		operation string
		wantErr   bool
	}{
		{name: "simple name", operation: "search"},
		{name: "dotted name", operation: "products.search"},
		{name: "empty name", operation: "", wantErr: true},
		{name: "name with space", operation: "product search"},
		{name: "name with colon", operation: "a:b"},
		{name: "method identity", operation: "ProductService/Search"},
		{name: "pointer receiver", operation: "(*Svc).Find"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()

			err := store.Stamp(context.Background(), tt.operation, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Stamp() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			got, found, err := store.LastTriggered(context.Background(), tt.operation)
			if err != nil {
				t.Fatalf("LastTriggered() unexpected error = %v", err)
			}
			if !found {
				t.Fatal("LastTriggered() found = false, want true")
			}
			if !got.Equal(now) {
				t.Errorf("LastTriggered() = %v, want %v", got, now)
			}
		})
	}
}

func TestMemoryStore_LastTriggered_NotFound(t *testing.T) {
	store := NewMemoryStore()

	at, found, err := store.LastTriggered(context.Background(), "search")
	if err != nil {
		t.Errorf("LastTriggered() unexpected error = %v", err)
	}
	if found {
		t.Error("LastTriggered() found = true for unstamped operation")
	}
	if !at.IsZero() {
		t.Errorf("LastTriggered() = %v, want zero time", at)
	}
}

func TestMemoryStore_Stamp_Update(t *testing.T) {
	store := NewMemoryStore()
	first := time.Now()
	second := first.Add(time.Hour)

	if err := store.Stamp(context.Background(), "search", first); err != nil {
		t.Fatalf("Stamp() first error = %v", err)
	}
	if err := store.Stamp(context.Background(), "search", second); err != nil {
		t.Fatalf("Stamp() second error = %v", err)
	}

	got, _, _ := store.LastTriggered(context.Background(), "search")
	if !got.Equal(second) {
		t.Errorf("LastTriggered() = %v, want latest stamp %v", got, second)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d after update, want 1", store.Len())
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Stamp(ctx, "search", time.Now()); err == nil {
		t.Error("Stamp() with canceled context should fail")
	}
	if _, _, err := store.LastTriggered(ctx, "search"); err == nil {
		t.Error("LastTriggered() with canceled context should fail")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Stamp(context.Background(), "search", time.Now())

	if !store.Delete("search") {
		t.Error("Delete() = false for existing stamp")
	}
	if store.Delete("search") {
		t.Error("Delete() = true for already deleted stamp")
	}
	if _, found, _ := store.LastTriggered(context.Background(), "search"); found {
		t.Error("stamp still present after Delete")
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	numGoroutines := 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines * 2)
	for i := range numGoroutines {
		op := fmt.Sprintf("op-%d", i%5)
		go func() {
			defer wg.Done()
			if err := store.Stamp(context.Background(), op, time.Now()); err != nil {
				t.Errorf("Stamp() error = %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, _, err := store.LastTriggered(context.Background(), op); err != nil {
				t.Errorf("LastTriggered() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if store.Len() != 5 {
		t.Errorf("Len() = %d, want 5", store.Len())
	}
}
