// core_engine/acx/regs.go
package acx

import "fmt"

// Reg is a logical control register. Its physical offset depends on the
// chip revision and is looked up through a RegisterFile.
type Reg int

const (
	REG_SOFT_RESET Reg = iota
	REG_SLV_MEM_ADDR
	REG_SLV_MEM_DATA
	REG_SLV_MEM_CTL
	REG_SLV_MEM_CP
	REG_SLV_END_CTL
	REG_FEMR
	REG_INT_TRIG
	REG_IRQ_MASK
	REG_IRQ_STATUS_NON_DES
	REG_IRQ_STATUS_CLEAR
	REG_IRQ_ACK
	REG_HINT_TRIG
	REG_ENABLE
	REG_EEPROM_CTL
	REG_EEPROM_ADDR
	REG_EEPROM_DATA
	REG_EEPROM_CFG
	REG_PHY_ADDR
	REG_PHY_DATA
	REG_PHY_CTL
	REG_GPIO_OE
	REG_GPIO_OUT
	REG_CMD_MAILBOX_OFFS
	REG_INFO_MAILBOX_OFFS
	REG_EEPROM_INFORMATION
	REG_EE_START
	REG_SOR_CFG
	REG_ECPU_CTRL

	NumRegs
)

var regNames = [NumRegs]string{
	"SOFT_RESET", "SLV_MEM_ADDR", "SLV_MEM_DATA", "SLV_MEM_CTL", "SLV_MEM_CP",
	"SLV_END_CTL", "FEMR", "INT_TRIG", "IRQ_MASK", "IRQ_STATUS_NON_DES",
	"IRQ_STATUS_CLEAR", "IRQ_ACK", "HINT_TRIG", "ENABLE", "EEPROM_CTL",
	"EEPROM_ADDR", "EEPROM_DATA", "EEPROM_CFG", "PHY_ADDR", "PHY_DATA",
	"PHY_CTL", "GPIO_OE", "GPIO_OUT", "CMD_MAILBOX_OFFS", "INFO_MAILBOX_OFFS",
	"EEPROM_INFORMATION", "EE_START", "SOR_CFG", "ECPU_CTRL",
}

func (r Reg) String() string {
	if r >= 0 && r < NumRegs {
		return regNames[r]
	}
	return fmt.Sprintf("Reg(%d)", int(r))
}

// ChipRevision selects one of the two register layouts.
type ChipRevision int

const (
	RevA ChipRevision = iota // ACX100-style slave memory part
	RevB                     // ACX111-style slave memory part
)

func (c ChipRevision) String() string {
	switch c {
	case RevA:
		return "A"
	case RevB:
		return "B"
	}
	return fmt.Sprintf("ChipRevision(%d)", int(c))
}

// RegisterFile maps logical registers to byte offsets within the window.
// Tables are immutable once built.
type RegisterFile struct {
	rev     ChipRevision
	offsets [NumRegs]uint32
}

// Size of the memory-mapped register window.
const WindowSize = 0x400

var regFileA = RegisterFile{rev: RevA, offsets: [NumRegs]uint32{
	REG_SOFT_RESET:         0x0000,
	REG_SLV_MEM_ADDR:       0x0014,
	REG_SLV_MEM_DATA:       0x0018,
	REG_SLV_MEM_CTL:        0x001c,
	REG_SLV_MEM_CP:         0x0024,
	REG_SLV_END_CTL:        0x0020,
	REG_FEMR:               0x0034,
	REG_INT_TRIG:           0x007c,
	REG_IRQ_MASK:           0x0098,
	REG_IRQ_STATUS_NON_DES: 0x00a4,
	REG_IRQ_STATUS_CLEAR:   0x00a8,
	REG_IRQ_ACK:            0x00ac,
	REG_HINT_TRIG:          0x00b0,
	REG_ENABLE:             0x0104,
	REG_EEPROM_CTL:         0x0250,
	REG_EEPROM_ADDR:        0x0254,
	REG_EEPROM_DATA:        0x0258,
	REG_EEPROM_CFG:         0x025c,
	REG_PHY_ADDR:           0x0268,
	REG_PHY_DATA:           0x026c,
	REG_PHY_CTL:            0x0270,
	REG_GPIO_OE:            0x0290,
	REG_GPIO_OUT:           0x0298,
	REG_CMD_MAILBOX_OFFS:   0x02a4,
	REG_INFO_MAILBOX_OFFS:  0x02a8,
	REG_EEPROM_INFORMATION: 0x02ac,
	REG_EE_START:           0x02d0,
	REG_SOR_CFG:            0x02d4,
	REG_ECPU_CTRL:          0x02d8,
}}

var regFileB = RegisterFile{rev: RevB, offsets: [NumRegs]uint32{
	REG_SOFT_RESET:         0x0000,
	REG_SLV_MEM_ADDR:       0x0014,
	REG_SLV_MEM_DATA:       0x0018,
	REG_SLV_MEM_CTL:        0x001c,
	REG_SLV_MEM_CP:         0x0024,
	REG_SLV_END_CTL:        0x0020,
	REG_FEMR:               0x0034,
	REG_INT_TRIG:           0x00b4,
	REG_IRQ_MASK:           0x00d4,
	REG_IRQ_STATUS_NON_DES: 0x00f0,
	REG_IRQ_STATUS_CLEAR:   0x00e0,
	REG_IRQ_ACK:            0x00e8,
	REG_HINT_TRIG:          0x00ec,
	REG_ENABLE:             0x01d0,
	REG_EEPROM_CTL:         0x0338,
	REG_EEPROM_ADDR:        0x033c,
	REG_EEPROM_DATA:        0x0340,
	REG_EEPROM_CFG:         0x0344,
	REG_PHY_ADDR:           0x0350,
	REG_PHY_DATA:           0x0354,
	REG_PHY_CTL:            0x0358,
	REG_GPIO_OE:            0x0374,
	REG_GPIO_OUT:           0x037c,
	REG_CMD_MAILBOX_OFFS:   0x0388,
	REG_INFO_MAILBOX_OFFS:  0x038c,
	REG_EEPROM_INFORMATION: 0x0390,
	REG_EE_START:           0x0100,
	REG_SOR_CFG:            0x0104,
	REG_ECPU_CTRL:          0x0108,
}}

// RegisterFileFor returns the table for a chip revision.
func RegisterFileFor(rev ChipRevision) (*RegisterFile, error) {
	switch rev {
	case RevA:
		return &regFileA, nil
	case RevB:
		return &regFileB, nil
	}
	return nil, fmt.Errorf("unsupported chip revision %v", rev)
}

func (rf *RegisterFile) Revision() ChipRevision { return rf.rev }

// Offset returns the window offset of r.
func (rf *RegisterFile) Offset(r Reg) uint32 {
	return rf.offsets[r]
}

// Lookup maps a window offset back to its logical register.
func (rf *RegisterFile) Lookup(offset uint32) (Reg, bool) {
	for r := Reg(0); r < NumRegs; r++ {
		if rf.offsets[r] == offset {
			return r, true
		}
	}
	return 0, false
}

// RegisterWindow is the memory-mapped I/O window of the card.
type RegisterWindow interface {
	Read8(offset uint32) uint8
	Read16(offset uint32) uint16
	Read32(offset uint32) uint32
	Write8(offset uint32, v uint8)
	Write16(offset uint32, v uint16)
	Write32(offset uint32, v uint32)
}

// Registers binds a window to a register file.
type Registers struct {
	win RegisterWindow
	rf  *RegisterFile
}

func NewRegisters(win RegisterWindow, rf *RegisterFile) *Registers {
	return &Registers{win: win, rf: rf}
}

func (r *Registers) File() *RegisterFile { return r.rf }

func (r *Registers) Read8(reg Reg) uint8   { return r.win.Read8(r.rf.Offset(reg)) }
func (r *Registers) Read16(reg Reg) uint16 { return r.win.Read16(r.rf.Offset(reg)) }
func (r *Registers) Read32(reg Reg) uint32 { return r.win.Read32(r.rf.Offset(reg)) }

func (r *Registers) Write8(reg Reg, v uint8)   { r.win.Write8(r.rf.Offset(reg), v) }
func (r *Registers) Write16(reg Reg, v uint16) { r.win.Write16(r.rf.Offset(reg), v) }
func (r *Registers) Write32(reg Reg, v uint32) { r.win.Write32(r.rf.Offset(reg), v) }

// Set16 sets bits in a 16-bit register (read-modify-write).
func (r *Registers) Set16(reg Reg, bits uint16) {
	r.Write16(reg, r.Read16(reg)|bits)
}

// Clear16 clears bits in a 16-bit register (read-modify-write).
func (r *Registers) Clear16(reg Reg, bits uint16) {
	r.Write16(reg, r.Read16(reg)&^bits)
}
