//go:build cgo

package main

import "testing"

func TestWorkerForThreadIsStableWithinACall(t *testing.T) {
	w1 := workerForThread()
	w2 := workerForThread()
	if w1 != w2 {
		t.Errorf("expected repeated calls on the same thread to reuse the same Worker")
	}
}

func TestMallocFreeRoundTrip(t *testing.T) {
	ptr := malloc(64)
	if ptr == nil {
		t.Fatalf("expected a 64-byte malloc to succeed")
	}
	free(ptr)
}

func TestCallocZeroesMemory(t *testing.T) {
	ptr := calloc(8, 8)
	if ptr == nil {
		t.Fatalf("expected calloc to succeed")
	}
	b := (*[64]byte)(ptr)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("expected calloc'd byte %d to be zero, got %v", i, v)
		}
	}
	free(ptr)
}
