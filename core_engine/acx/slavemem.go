// core_engine/acx/slavemem.go
package acx

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// DeviceAddr is an address in the card's internal memory. It is never a
// host pointer; the only way to reach it is through SlaveMemory.
type DeviceAddr uint32

func (a DeviceAddr) String() string { return fmt.Sprintf("0x%05x", uint32(a)) }

// SlaveMemory performs indirect accesses to device memory through the
// address, data, control and chain-pointer registers. It holds no lock of
// its own; every caller must hold the adapter lock.
type SlaveMemory struct {
	regs    *Registers
	latch   time.Duration
	ctl     uint32
	ctlSet  bool
	log     logr.Logger
	metrics *Metrics
}

func NewSlaveMemory(regs *Registers, latch time.Duration, log logr.Logger, metrics *Metrics) *SlaveMemory {
	return &SlaveMemory{regs: regs, latch: latch, log: log, metrics: metrics}
}

// latchWait spins for the address latch time. The data register must not be
// touched earlier than this after the address register was written.
func (m *SlaveMemory) latchWait() {
	if m.latch <= 0 {
		return
	}
	deadline := time.Now().Add(m.latch)
	for time.Now().Before(deadline) {
	}
}

func (m *SlaveMemory) setMode(ctl uint32) {
	if m.ctlSet && m.ctl == ctl {
		return
	}
	m.regs.Write32(REG_SLV_MEM_CTL, ctl)
	m.ctl = ctl
	m.ctlSet = true
}

// forgetMode drops the cached control value, e.g. after a device reset.
func (m *SlaveMemory) forgetMode() {
	m.ctlSet = false
}

func (m *SlaveMemory) setAddr(addr DeviceAddr) {
	m.regs.Write32(REG_SLV_MEM_ADDR, uint32(addr))
	m.latchWait()
}

// ReadWord reads the 32-bit word at addr.
func (m *SlaveMemory) ReadWord(addr DeviceAddr) uint32 {
	m.setAddr(addr)
	return m.regs.Read32(REG_SLV_MEM_DATA)
}

// WriteWord writes the 32-bit word at addr.
func (m *SlaveMemory) WriteWord(addr DeviceAddr, v uint32) {
	m.setAddr(addr)
	m.regs.Write32(REG_SLV_MEM_DATA, v)
}

// ReadHalf reads a 16-bit value from its containing word.
func (m *SlaveMemory) ReadHalf(addr DeviceAddr) uint16 {
	if addr&3 == 3 {
		return uint16(m.ReadByte(addr)) | uint16(m.ReadByte(addr+1))<<8
	}
	shift := (uint32(addr) & 3) * 8
	return uint16(m.ReadWord(addr&^3) >> shift)
}

// WriteHalf replaces a 16-bit value inside its containing word. The update
// is not atomic with respect to the device.
func (m *SlaveMemory) WriteHalf(addr DeviceAddr, v uint16) {
	if addr&3 == 3 {
		m.WriteByte(addr, byte(v))
		m.WriteByte(addr+1, byte(v>>8))
		return
	}
	base := addr &^ 3
	shift := (uint32(addr) & 3) * 8
	w := m.ReadWord(base)
	w &^= 0xffff << shift
	w |= uint32(v) << shift
	m.WriteWord(base, w)
}

// ReadByte reads one byte from its containing word.
func (m *SlaveMemory) ReadByte(addr DeviceAddr) byte {
	shift := (uint32(addr) & 3) * 8
	return byte(m.ReadWord(addr&^3) >> shift)
}

// WriteByte replaces one byte inside its containing word.
func (m *SlaveMemory) WriteByte(addr DeviceAddr, v byte) {
	base := addr &^ 3
	shift := (uint32(addr) & 3) * 8
	w := m.ReadWord(base)
	w &^= 0xff << shift
	w |= uint32(v) << shift
	m.WriteWord(base, w)
}

// CopyTo writes src to device memory starting at dst, using address
// auto-increment for the aligned middle part.
func (m *SlaveMemory) CopyTo(dst DeviceAddr, src []byte) {
	for len(src) > 0 && dst&3 != 0 {
		m.WriteByte(dst, src[0])
		dst++
		src = src[1:]
	}
	words := len(src) / 4
	if words > 0 {
		m.setMode(SLV_MEM_CTL_AUTOINC)
		m.setAddr(dst)
		for i := 0; i < words; i++ {
			m.regs.Write32(REG_SLV_MEM_DATA, binary.LittleEndian.Uint32(src[i*4:]))
		}
		dst += DeviceAddr(words * 4)
		src = src[words*4:]
	}
	for i := range src {
		m.WriteByte(dst+DeviceAddr(i), src[i])
	}
}

// CopyFrom fills dst from device memory starting at src.
func (m *SlaveMemory) CopyFrom(dst []byte, src DeviceAddr) {
	for len(dst) > 0 && src&3 != 0 {
		dst[0] = m.ReadByte(src)
		src++
		dst = dst[1:]
	}
	words := len(dst) / 4
	if words > 0 {
		m.setMode(SLV_MEM_CTL_AUTOINC)
		m.setAddr(src)
		for i := 0; i < words; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], m.regs.Read32(REG_SLV_MEM_DATA))
		}
		src += DeviceAddr(words * 4)
		dst = dst[words*4:]
	}
	for i := range dst {
		dst[i] = m.ReadByte(src + DeviceAddr(i))
	}
}

// chainStart programs block-chain mode for a transfer beginning at block.
func (m *SlaveMemory) chainStart(op string, block DeviceAddr) error {
	if uint32(block)&CHAIN_ALIGN_MASK != uint32(block) {
		if m.metrics != nil {
			m.metrics.LogicErrors.Inc()
		}
		err := NewError(KindLogic, op).WithCause("block 0x%08x not aligned", uint32(block))
		m.log.Error(err, "BUG: chain copy address is not block aligned",
			"block", block, "memory", m.DumpWords(DeviceAddr(uint32(block)&CHAIN_ALIGN_MASK), 8))
		return err
	}
	m.setMode(SLV_MEM_CTL_CHAIN)
	m.regs.Write32(REG_SLV_MEM_CP, uint32(block))
	m.setAddr(block + TXBUF_HDR_LEN)
	return nil
}

// ChainCopyTo streams src into the block chain starting at block. The device
// follows the link word of each block; the length is rounded up to a word.
func (m *SlaveMemory) ChainCopyTo(block DeviceAddr, src []byte) error {
	if err := m.chainStart("chain copy to device", block); err != nil {
		return err
	}
	var tail [4]byte
	for n := 0; n < len(src); n += 4 {
		if len(src)-n >= 4 {
			m.regs.Write32(REG_SLV_MEM_DATA, binary.LittleEndian.Uint32(src[n:]))
			continue
		}
		copy(tail[:], src[n:])
		m.regs.Write32(REG_SLV_MEM_DATA, binary.LittleEndian.Uint32(tail[:]))
	}
	return nil
}

// ChainCopyFrom fills dst from the block chain starting at block.
func (m *SlaveMemory) ChainCopyFrom(dst []byte, block DeviceAddr) error {
	if err := m.chainStart("chain copy from device", block); err != nil {
		return err
	}
	var tail [4]byte
	for n := 0; n < len(dst); n += 4 {
		v := m.regs.Read32(REG_SLV_MEM_DATA)
		if len(dst)-n >= 4 {
			binary.LittleEndian.PutUint32(dst[n:], v)
			continue
		}
		binary.LittleEndian.PutUint32(tail[:], v)
		copy(dst[n:], tail[:])
	}
	return nil
}

// DumpWords reads n words starting at addr for diagnostics.
func (m *SlaveMemory) DumpWords(addr DeviceAddr, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		a := addr + DeviceAddr(i*4)
		out = append(out, fmt.Sprintf("%s:%08x", a, m.ReadWord(a)))
	}
	return out
}
