package tag

import "testing"
import "unsafe"

func TestNoneEngineIsInert(t *testing.T) {
	e := None()
	var x uint32
	ptr := unsafe.Pointer(&x)

	e.SetMemoryTag(ptr, 7)
	if got := e.GetMemoryTag(ptr); got != 0 {
		t.Errorf("expected inert GetMemoryTag to return 0, got %v", got)
	}
	if got := e.ApplyAddressTag(ptr, 7); got != ptr {
		t.Errorf("expected inert ApplyAddressTag to return ptr unchanged")
	}
	if got := e.GetAddressTag(ptr); got != 0 {
		t.Errorf("expected inert GetAddressTag to return 0, got %v", got)
	}
}

type recordingEngine struct {
	memSet, memGet, addrSet, addrGet bool
}

func (r *recordingEngine) SetMemoryTag(unsafe.Pointer, uint8) { r.memSet = true }
func (r *recordingEngine) GetMemoryTag(unsafe.Pointer) uint8  { r.memGet = true; return 0 }
func (r *recordingEngine) ApplyAddressTag(p unsafe.Pointer, _ uint8) unsafe.Pointer {
	r.addrSet = true
	return p
}
func (r *recordingEngine) GetAddressTag(unsafe.Pointer) uint8 { r.addrGet = true; return 0 }

func TestComposeDelegatesIndependently(t *testing.T) {
	mem := &recordingEngine{}
	addr := &recordingEngine{}
	e := Compose(mem, addr)

	var x uint32
	ptr := unsafe.Pointer(&x)

	e.SetMemoryTag(ptr, 1)
	e.GetMemoryTag(ptr)
	e.ApplyAddressTag(ptr, 1)
	e.GetAddressTag(ptr)

	if !mem.memSet || !mem.memGet {
		t.Errorf("expected memory-tag calls to reach mem engine")
	}
	if mem.addrSet || mem.addrGet {
		t.Errorf("expected address-tag calls not to reach mem engine")
	}
	if !addr.addrSet || !addr.addrGet {
		t.Errorf("expected address-tag calls to reach addr engine")
	}
	if addr.memSet || addr.memGet {
		t.Errorf("expected memory-tag calls not to reach addr engine")
	}
}
