package circuit

import (
	"errors"
	"testing"

	"github.com/1ureka/rtunnel/internal/protocol"
)

func TestTableOpenAllocatesUniqueIDs(t *testing.T) {
	tab := NewTable()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		c := tab.Open()
		if len(c.ID) != protocol.CircuitIDLength {
			t.Fatalf("id %q has length %d", c.ID, len(c.ID))
		}
		if seen[c.ID] {
			t.Fatalf("duplicate id %q", c.ID)
		}
		seen[c.ID] = true
	}
	if tab.Len() != 200 {
		t.Errorf("Len = %d, want 200", tab.Len())
	}
}

func TestTableRegisterLookupRemove(t *testing.T) {
	tab := NewTable()

	c, err := tab.Register("abc")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := tab.Register("abc"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second Register err = %v, want ErrDuplicateID", err)
	}

	got, ok := tab.Lookup("abc")
	if !ok || got != c {
		t.Fatal("Lookup did not return the registered circuit")
	}
	if _, ok := tab.Lookup("missing"); ok {
		t.Error("Lookup of unknown id succeeded")
	}

	if _, ok := tab.Remove("abc"); !ok {
		t.Fatal("Remove = false for registered id")
	}
	if _, ok := tab.Remove("abc"); ok {
		t.Error("second Remove = true")
	}
	if tab.Len() != 0 {
		t.Errorf("Len = %d after remove, want 0", tab.Len())
	}
}

func TestTableDrain(t *testing.T) {
	tab := NewTable()
	tab.Register("a")
	tab.Register("b")
	tab.Open()

	all := tab.Drain()
	if len(all) != 3 {
		t.Errorf("Drain returned %d circuits, want 3", len(all))
	}
	if tab.Len() != 0 {
		t.Errorf("Len = %d after Drain, want 0", tab.Len())
	}
}
