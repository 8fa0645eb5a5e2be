package events

import (
	"fmt"
	"testing"
	"time"

	"printwatch/internal/model"
)

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(model.Event{DeviceID: fmt.Sprintf("dev%d", i%2), Message: fmt.Sprint(i), At: base.Add(time.Duration(i) * time.Minute)})
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 events, got %d", s.Len())
	}
	all := s.List("", 0)
	if all[0].Message != "4" || all[2].Message != "2" {
		t.Fatalf("unexpected order: %+v", all)
	}
	dev0 := s.List("dev0", 10)
	if len(dev0) != 2 || dev0[0].Message != "4" {
		t.Fatalf("unexpected device filter: %+v", dev0)
	}
	if got := s.List("", 1); len(got) != 1 || got[0].Message != "4" {
		t.Fatalf("unexpected limit: %+v", got)
	}
	if got := s.Since(base.Add(3 * time.Minute)); len(got) != 2 {
		t.Fatalf("expected 2 events since minute 3, got %d", len(got))
	}
}
