package keychain

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func TestConnectionPasswordLifecycle(t *testing.T) {
	m := NewWithRing(keyring.NewArrayKeyring(nil))

	if _, err := m.LoadConnectionPassword("warehouse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load before save err = %v, want ErrNotFound", err)
	}
	if err := m.SaveConnectionPassword("warehouse", "s3cret"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := m.LoadConnectionPassword(" warehouse ")
	if err != nil || got != "s3cret" {
		t.Fatalf("Load = %q, %v", got, err)
	}
	if err := m.DeleteConnectionPassword("warehouse"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.DeleteConnectionPassword("warehouse"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, err := m.LoadConnectionPassword("warehouse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load after delete err = %v, want ErrNotFound", err)
	}
}

func TestSaveRequiresName(t *testing.T) {
	m := NewWithRing(keyring.NewArrayKeyring(nil))
	if err := m.SaveConnectionPassword("  ", "x"); err == nil {
		t.Fatal("expected error for empty name")
	}
}
