package acx

import (
	"encoding/binary"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
)

// fakeWindow implements the slave memory registers over a flat RAM. Chain
// mode follows link words every blockSize bytes the way the card does.
type fakeWindow struct {
	rf        *RegisterFile
	ram       []byte
	blockSize uint32
	regs      map[Reg]uint32

	addr, ctl, cp uint32
	// corrupt flips these bits in every data write to corruptAddr.
	corruptAddr, corruptMask uint32
	dataWrites               int
	// triggers records every value written to the interrupt trigger.
	triggers []uint32
}

func newFakeWindow(size int, blockSize uint32) *fakeWindow {
	rf, _ := RegisterFileFor(RevB)
	return &fakeWindow{rf: rf, ram: make([]byte, size), blockSize: blockSize, regs: make(map[Reg]uint32)}
}

func (w *fakeWindow) word(a uint32) uint32 {
	return binary.LittleEndian.Uint32(w.ram[a&^3:])
}

func (w *fakeWindow) putWord(a, v uint32) {
	binary.LittleEndian.PutUint32(w.ram[a&^3:], v)
}

func (w *fakeWindow) advance() {
	if w.ctl == SLV_MEM_CTL_CHAIN {
		w.addr += 4
		if w.addr >= w.cp+w.blockSize {
			w.cp = (w.word(w.cp) & TXBUF_NEXT_MASK) << TXBUF_SHIFT
			w.addr = w.cp + TXBUF_HDR_LEN
		}
		return
	}
	if w.ctl&SLV_MEM_CTL_AUTOINC != 0 {
		w.addr += 4
	}
}

func (w *fakeWindow) Read32(offset uint32) uint32 {
	reg, _ := w.rf.Lookup(offset)
	switch reg {
	case REG_SLV_MEM_ADDR:
		return w.addr
	case REG_SLV_MEM_CTL:
		return w.ctl
	case REG_SLV_MEM_CP:
		return w.cp
	case REG_SLV_MEM_DATA:
		v := w.word(w.addr)
		w.advance()
		return v
	}
	return w.regs[reg]
}

func (w *fakeWindow) Write32(offset uint32, v uint32) {
	reg, _ := w.rf.Lookup(offset)
	switch reg {
	case REG_SLV_MEM_ADDR:
		w.addr = v
	case REG_SLV_MEM_CTL:
		w.ctl = v
	case REG_SLV_MEM_CP:
		w.cp = v
	case REG_SLV_MEM_DATA:
		if w.corruptMask != 0 && w.addr&^3 == w.corruptAddr {
			v ^= w.corruptMask
		}
		w.dataWrites++
		w.putWord(w.addr, v)
		w.advance()
	default:
		if reg == REG_INT_TRIG {
			w.triggers = append(w.triggers, v)
		}
		w.regs[reg] = v
	}
}

func (w *fakeWindow) Read8(offset uint32) uint8       { return uint8(w.Read32(offset)) }
func (w *fakeWindow) Read16(offset uint32) uint16     { return uint16(w.Read32(offset)) }
func (w *fakeWindow) Write8(offset uint32, v uint8)   { w.Write32(offset, uint32(v)) }
func (w *fakeWindow) Write16(offset uint32, v uint16) { w.Write32(offset, uint32(v)) }

func newTestSlaveMemory(t *testing.T, win *fakeWindow) (*SlaveMemory, *Metrics) {
	t.Helper()
	metrics, err := NewMetrics(nil, "test")
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return NewSlaveMemory(NewRegisters(win, win.rf), 0, testLog(t), metrics), metrics
}

func testLog(t *testing.T) logr.Logger {
	return testr.NewWithOptions(t, testr.Options{Verbosity: 1})
}
