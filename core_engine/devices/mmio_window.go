// core_engine/devices/mmio_window.go
package devices

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MappedWindow is a register window backed by a memory mapping, e.g. a PCI
// BAR exposed through sysfs (/sys/bus/pci/devices/<bdf>/resource1). Every
// access is a single load or store of the requested width.
type MappedWindow struct {
	file *os.File
	mem  []byte
}

// OpenMappedWindow maps size bytes of path read-write and shared.
func OpenMappedWindow(path string, size int) (*MappedWindow, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open register window %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map %d bytes of %s: %w", size, path, err)
	}
	return &MappedWindow{file: f, mem: mem}, nil
}

func (w *MappedWindow) Close() error {
	var err error
	if w.mem != nil {
		err = unix.Munmap(w.mem)
		w.mem = nil
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *MappedWindow) ptr(offset uint32, size uint32) unsafe.Pointer {
	if offset%size != 0 || int(offset+size) > len(w.mem) {
		panic(fmt.Sprintf("MappedWindow: bad %d byte access at 0x%x", size, offset))
	}
	return unsafe.Pointer(&w.mem[offset])
}

// Narrow accesses are plain loads and stores of the exact width.
func (w *MappedWindow) Read8(offset uint32) uint8 {
	return *(*uint8)(w.ptr(offset, 1))
}

func (w *MappedWindow) Read16(offset uint32) uint16 {
	return *(*uint16)(w.ptr(offset, 2))
}

func (w *MappedWindow) Read32(offset uint32) uint32 {
	return atomic.LoadUint32((*uint32)(w.ptr(offset, 4)))
}

func (w *MappedWindow) Write8(offset uint32, v uint8) {
	*(*uint8)(w.ptr(offset, 1)) = v
}

func (w *MappedWindow) Write16(offset uint32, v uint16) {
	*(*uint16)(w.ptr(offset, 2)) = v
}

func (w *MappedWindow) Write32(offset uint32, v uint32) {
	atomic.StoreUint32((*uint32)(w.ptr(offset, 4)), v)
}
