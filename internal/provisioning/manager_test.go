package provisioning

import (
	"errors"
	"testing"

	"github.com/meshx/meshcore/internal/merr"
)

func TestManagerBeginBoundsCapacity(t *testing.T) {
	m := NewManager(2)

	if _, err := m.Begin(1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(3); !errors.Is(err, merr.Resource) {
		t.Fatalf("expected merr.Resource once capacity is exhausted, got %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len()=%d, want 2", m.Len())
	}
}

func TestManagerBeginRejectsDuplicateLink(t *testing.T) {
	m := NewManager(2)
	if _, err := m.Begin(1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(1); !errors.Is(err, merr.Already) {
		t.Fatalf("expected merr.Already for duplicate link id, got %v", err)
	}
}

func TestManagerEndFreesSlot(t *testing.T) {
	m := NewManager(1)
	if _, err := m.Begin(1); err != nil {
		t.Fatal(err)
	}
	m.End(1)
	if m.Len() != 0 {
		t.Fatalf("Len()=%d after End, want 0", m.Len())
	}
	if _, err := m.Begin(2); err != nil {
		t.Fatalf("expected slot reuse after End: %v", err)
	}
}

func TestManagerGetReportsMissing(t *testing.T) {
	m := NewManager(1)
	if _, ok := m.Get(99); ok {
		t.Fatal("expected Get to report missing context")
	}
	f, err := m.Begin(99)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m.Get(99)
	if !ok || got != f {
		t.Fatalf("Get did not return the context created by Begin")
	}
}
