package client

import (
	"math"
	"sync"
	"unsafe"
)

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// heap tracks the buffers allocated on behalf of the host. The map keeps
// every buffer reachable so its address stays valid for the host's
// process_vm transfers until the host frees it.
type heap struct {
	mu     sync.Mutex
	blocks map[uintptr][]byte
}

func newHeap() *heap {
	return &heap{blocks: make(map[uintptr][]byte)}
}

func (h *heap) allocate(size uint64) uintptr {
	if size == 0 {
		size = 1
	}
	b := make([]byte, size)
	addr := uintptr(unsafe.Pointer(&b[0]))

	h.mu.Lock()
	h.blocks[addr] = b
	h.mu.Unlock()
	return addr
}

func (h *heap) free(addr uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.blocks[addr]; !ok {
		return false
	}
	delete(h.blocks, addr)
	return true
}

func (h *heap) reallocate(addr uintptr, size uint64) (uintptr, bool) {
	if addr == 0 {
		return h.allocate(size), true
	}

	h.mu.Lock()
	old, ok := h.blocks[addr]
	if !ok {
		h.mu.Unlock()
		return 0, false
	}
	delete(h.blocks, addr)
	h.mu.Unlock()

	newAddr := h.allocate(size)

	h.mu.Lock()
	copy(h.blocks[newAddr], old)
	h.mu.Unlock()
	return newAddr, true
}

// strlen measures the NUL-terminated string at addr. The address may point
// into the middle of an allocation; a string running off the end of its
// block is a failure, not a read past the buffer.
func (h *heap) strlen(addr uintptr) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for base, b := range h.blocks {
		if addr < base || addr >= base+uintptr(len(b)) {
			continue
		}
		for i := addr - base; i < uintptr(len(b)); i++ {
			if b[i] == 0 {
				return uint64(i - (addr - base)), true
			}
		}
		return 0, false
	}
	return 0, false
}
