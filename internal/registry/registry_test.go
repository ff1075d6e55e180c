package registry

import (
	"errors"
	"testing"
)

type fakeChannel struct{ closed bool }

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestBindRejectsSecondChannel(t *testing.T) {
	r := New()
	first := &fakeChannel{}
	if err := r.Bind("C1", first); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	second := &fakeChannel{}
	if err := r.Bind("C1", second); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second Bind() error = %v, want ErrAlreadyBound", err)
	}

	// The original binding is undisturbed.
	got, ok := r.Lookup("C1")
	if !ok || got != Channel(first) {
		t.Fatalf("Lookup() = %v, want the first channel", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestStaleUnbindDoesNotRemoveNewBinding(t *testing.T) {
	r := New()
	old := &fakeChannel{}
	if err := r.Bind("C1", old); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	r.Unbind("C1", old)

	fresh := &fakeChannel{}
	if err := r.Bind("C1", fresh); err != nil {
		t.Fatalf("rebind error = %v", err)
	}

	// A late unbind from the first connection must not evict the new one.
	r.Unbind("C1", old)
	if _, ok := r.Lookup("C1"); !ok {
		t.Fatalf("stale unbind removed the fresh binding")
	}

	r.Unbind("C1", fresh)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after unbind, want 0", r.Len())
	}
}
