package ring

import (
	"fmt"
	"sync"
)

// arenaBase is the device address of the first arena byte. Address zero is
// never handed out so that a zero Buffer is recognisably unset.
const arenaBase = 0x1000

const arenaAlign = 64

// Buffer is a region of device-visible memory.
type Buffer struct {
	Addr uint64
	Data []byte
}

// Len returns the buffer length in bytes.
func (b Buffer) Len() uint32 { return uint32(len(b.Data)) }

// Slice returns the sub-buffer [off, off+n).
func (b Buffer) Slice(off, n uint32) Buffer {
	return Buffer{Addr: b.Addr + uint64(off), Data: b.Data[off : off+n]}
}

// Arena is a bump allocator over one contiguous mapping. Memory is released
// all at once by Close.
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	next int
}

// NewArena maps size bytes of device-visible memory.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid arena size %d", size)
	}
	mem, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("map arena: %w", err)
	}
	return &Arena{mem: mem}, nil
}

// Alloc carves a zeroed, cache-line aligned buffer out of the arena.
func (a *Arena) Alloc(size int) (Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return Buffer{}, ErrClosed
	}
	off := (a.next + arenaAlign - 1) &^ (arenaAlign - 1)
	if size < 0 || off+size > len(a.mem) {
		return Buffer{}, fmt.Errorf("arena exhausted: want %d bytes, %d free", size, len(a.mem)-off)
	}
	a.next = off + size
	data := a.mem[off : off+size : off+size]
	clear(data)
	return Buffer{Addr: arenaBase + uint64(off), Data: data}, nil
}

// Bytes resolves a device address range back to memory.
func (a *Arena) Bytes(addr uint64, n uint32) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil, ErrClosed
	}
	if addr < arenaBase || addr-arenaBase+uint64(n) > uint64(len(a.mem)) {
		return nil, fmt.Errorf("address range %#x+%d outside arena", addr, n)
	}
	off := addr - arenaBase
	return a.mem[off : off+uint64(n)], nil
}

// Close unmaps the arena. Buffers handed out earlier must not be used after.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unmapMemory(a.mem)
	a.mem = nil
	return err
}
