package devices

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
)

// MmioDevice handles accesses to a memory-mapped register range. offset is
// relative to the start of the window; data is little-endian and holds size
// bytes.
type MmioDevice interface {
	HandleMMIO(offset uint32, direction uint8, size uint8, data []byte) error
}

type mmioRange struct {
	start, end uint32 // end is exclusive
	device     MmioDevice
}

// IOBus routes register window accesses to registered devices. It
// implements acx.RegisterWindow, so the engine can drive an emulated card
// exactly as it drives a mapped one.
type IOBus struct {
	ranges []mmioRange
	log    logr.Logger
}

// NewIOBus creates and initializes a new IOBus.
func NewIOBus(log logr.Logger) *IOBus {
	return &IOBus{log: log}
}

// RegisterDevice maps [start, end) to device.
func (bus *IOBus) RegisterDevice(start, end uint32, device MmioDevice) error {
	if device == nil {
		return fmt.Errorf("IOBus: nil device for range 0x%x-0x%x", start, end)
	}
	if end <= start {
		return fmt.Errorf("IOBus: empty range 0x%x-0x%x", start, end)
	}
	for _, r := range bus.ranges {
		if start < r.end && r.start < end {
			return fmt.Errorf("IOBus: range 0x%x-0x%x overlaps %T at 0x%x-0x%x", start, end, r.device, r.start, r.end)
		}
	}
	bus.ranges = append(bus.ranges, mmioRange{start: start, end: end, device: device})
	sort.Slice(bus.ranges, func(i, j int) bool { return bus.ranges[i].start < bus.ranges[j].start })
	return nil
}

func (bus *IOBus) lookup(addr uint32) (*mmioRange, bool) {
	i := sort.Search(len(bus.ranges), func(i int) bool { return bus.ranges[i].end > addr })
	if i < len(bus.ranges) && bus.ranges[i].start <= addr {
		return &bus.ranges[i], true
	}
	return nil, false
}

// HandleIO routes an access to the device owning addr.
func (bus *IOBus) HandleIO(addr uint32, direction uint8, size uint8, data []byte) error {
	r, ok := bus.lookup(addr)
	if !ok {
		return fmt.Errorf("IOBus: unhandled access to 0x%x", addr)
	}
	return r.device.HandleMMIO(addr-r.start, direction, size, data)
}

// read performs a sized read. Unmapped or failing reads float high, as a
// bus with nothing behind it does.
func (bus *IOBus) read(addr uint32, size uint8) uint32 {
	var data [4]byte
	if err := bus.HandleIO(addr, IODirectionIn, size, data[:size]); err != nil {
		bus.log.V(1).Info("bus read failed", "addr", fmt.Sprintf("0x%x", addr), "size", size, "error", err.Error())
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(data[:])
}

func (bus *IOBus) write(addr uint32, size uint8, v uint32) {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], v)
	if err := bus.HandleIO(addr, IODirectionOut, size, data[:size]); err != nil {
		bus.log.V(1).Info("bus write dropped", "addr", fmt.Sprintf("0x%x", addr), "size", size, "error", err.Error())
	}
}

func (bus *IOBus) Read8(offset uint32) uint8   { return uint8(bus.read(offset, 1)) }
func (bus *IOBus) Read16(offset uint32) uint16 { return uint16(bus.read(offset, 2)) }
func (bus *IOBus) Read32(offset uint32) uint32 { return bus.read(offset, 4) }

func (bus *IOBus) Write8(offset uint32, v uint8)   { bus.write(offset, 1, uint32(v)) }
func (bus *IOBus) Write16(offset uint32, v uint16) { bus.write(offset, 2, uint32(v)) }
func (bus *IOBus) Write32(offset uint32, v uint32) { bus.write(offset, 4, v) }
