package network

import (
	"testing"
)

func TestAllocatorAllocateAndRelease(t *testing.T) {
	root := t.TempDir()
	// /29 has 8 addresses: .0 (network), .1 (gw, assumed taken), .2-.6
	// (assignable, 5 total), .7 (broadcast).
	alloc, err := newAllocator(root, "10.88.0.1/29")
	if err != nil {
		t.Fatalf("newAllocator: %v", err)
	}

	ip1, err := alloc.Allocate("c1")
	if err != nil {
		t.Fatalf("Allocate c1: %v", err)
	}
	if ip1.String() == "10.88.0.0" {
		t.Errorf("allocator should skip the network address, got %s", ip1)
	}

	ip2, err := alloc.Allocate("c2")
	if err != nil {
		t.Fatalf("Allocate c2: %v", err)
	}
	if ip1.Equal(ip2) {
		t.Errorf("expected distinct leases, got %s twice", ip1)
	}

	for i := 0; i < 3; i++ {
		if _, err := alloc.Allocate("filler"); err != nil {
			t.Fatalf("Allocate filler %d: %v", i, err)
		}
	}

	// All 5 assignable addresses are now leased.
	if _, err := alloc.Allocate("c3"); err == nil {
		t.Error("expected no free lease error once subnet is exhausted")
	}

	if err := alloc.Release("c1"); err != nil {
		t.Fatalf("Release c1: %v", err)
	}

	ip3, err := alloc.Allocate("c3")
	if err != nil {
		t.Fatalf("Allocate c3 after release: %v", err)
	}
	if !ip3.Equal(ip1) {
		t.Errorf("expected released address %s to be reused, got %s", ip1, ip3)
	}
}

func TestAllocatorPersistsAcrossInstances(t *testing.T) {
	root := t.TempDir()

	alloc1, err := newAllocator(root, "10.99.0.1/24")
	if err != nil {
		t.Fatalf("newAllocator: %v", err)
	}
	ip, err := alloc1.Allocate("persisted")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	alloc2, err := newAllocator(root, "10.99.0.1/24")
	if err != nil {
		t.Fatalf("newAllocator (2nd): %v", err)
	}
	lf, err := alloc2.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if owner, ok := lf.Leases[ip.String()]; !ok || owner != "persisted" {
		t.Errorf("expected lease for %s to persist to disk, got %v", ip, lf.Leases)
	}
}

func TestAllocatorReleaseUnknownIsNoop(t *testing.T) {
	alloc, err := newAllocator(t.TempDir(), "10.1.0.1/24")
	if err != nil {
		t.Fatalf("newAllocator: %v", err)
	}
	if err := alloc.Release("never-allocated"); err != nil {
		t.Errorf("expected no error releasing unknown container, got %v", err)
	}
}
