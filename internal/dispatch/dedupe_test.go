package dispatch

import (
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Minute, 2)
	if d.IsDuplicate("a") {
		t.Error("first a reported duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Error("second a not reported duplicate")
	}
	d.IsDuplicate("b")
	d.IsDuplicate("c")
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
	if d.IsDuplicate("a") {
		t.Error("evicted a still reported duplicate")
	}
}

func TestDedupeCacheExpires(t *testing.T) {
	d := NewDedupeCache(30*time.Millisecond, 10)
	d.IsDuplicate("x")
	time.Sleep(80 * time.Millisecond)
	if d.IsDuplicate("x") {
		t.Error("expired key reported duplicate")
	}
}
