package xid

import "testing"

func TestNewIsUniqueAndValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("expected %q to be valid", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if Valid("trx-123") {
		t.Fatalf("expected non-uuid to be invalid")
	}
}
