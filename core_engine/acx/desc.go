// core_engine/acx/desc.go
package acx

import (
	"encoding/binary"
	"fmt"
)

// Queue is the upper network layer. The engine calls it with the adapter
// lock held, so implementations must not call back into the Adapter
// synchronously.
type Queue interface {
	// Receive takes ownership of a decoded frame.
	Receive(frame []byte, status RxStatus)
	// StopQueue asks the owner to stop handing out frames.
	StopQueue()
	// WakeQueue lets it resume.
	WakeQueue()
}

// RateReporter receives per-frame transmit statistics for rate control.
type RateReporter interface {
	TxReport(rate uint16, ackFailures, rtsFailures, rtsOK, errCode byte)
}

// RxStatus is the receive header the device places in front of each frame.
type RxStatus struct {
	MacCount  uint16
	MacBlocks byte
	MacStatus byte
	Baseband  byte
	Signal    byte
	SNR       byte
	Level     byte
	Time      uint32
}

func decodeRxStatus(b []byte) RxStatus {
	return RxStatus{
		MacCount:  binary.LittleEndian.Uint16(b[0:2]),
		MacBlocks: b[2],
		MacStatus: b[3],
		Baseband:  b[4],
		Signal:    b[5],
		SNR:       b[6],
		Level:     b[7],
		Time:      binary.LittleEndian.Uint32(b[8:12]),
	}
}

// ringLayout locates descriptors of one ring in device memory.
type ringLayout struct {
	base  DeviceAddr
	count int
}

func (l ringLayout) addr(i int) DeviceAddr {
	return l.base + DeviceAddr(i*DescStride)
}

// index derives a ring position from a descriptor address.
func (l ringLayout) index(a DeviceAddr) (int, error) {
	if a < l.base {
		return 0, fmt.Errorf("descriptor %s below ring base %s", a, l.base)
	}
	off := uint32(a - l.base)
	if off%DescStride != 0 {
		return 0, fmt.Errorf("descriptor %s is not on a %d byte boundary", a, DescStride)
	}
	i := int(off / DescStride)
	if i >= l.count {
		return 0, fmt.Errorf("descriptor %s beyond ring end", a)
	}
	return i, nil
}

func (l ringLayout) end() DeviceAddr {
	return l.addr(l.count)
}

// linkRing writes the immutable next pointers.
func (l ringLayout) linkRing(mem *SlaveMemory) {
	for i := 0; i < l.count; i++ {
		mem.WriteWord(l.addr(i)+descNext, uint32(l.addr((i+1)%l.count)))
	}
}

// descBody is everything after the next pointer.
const descBodyLen = DescStride - 4

// txDescTemplate is a free TX descriptor: host owned, first fragment,
// default rate, every counter zero.
var txDescTemplate = func() [descBodyLen]byte {
	var t [descBodyLen]byte
	binary.LittleEndian.PutUint16(t[descRate-4:], DefaultTxRate)
	t[descCtl-4] = DESC_CTL_INIT
	return t
}()

// rxDescTemplate is an empty RX descriptor owned by the device.
var rxDescTemplate [descBodyLen]byte
