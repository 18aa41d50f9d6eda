// core_engine/devices/acx_device.go
package devices

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"example.com/slavewlan/core_engine/acx"
	"example.com/slavewlan/core_engine/network"
)

var (
	ErrRxDisabled = errors.New("receiver disabled")
	ErrRxRingFull = errors.New("no free rx descriptor")
	ErrRxNoBuffer = errors.New("rx buffer pool exhausted")
)

// DeviceFaults injects misbehaviour.
type DeviceFaults struct {
	Wedged        bool   // Commands never complete; the IRQ mask reads back all ones
	CommandStatus uint16 // Non-zero: every command completes with this status
	MailboxBusy   bool   // Command mailbox never returns to idle
	NoBoot        bool   // eCPU never signals boot completion
	TxHold        bool   // Submitted TX descriptors are left untouched
	TxError       byte   // Error code reported for every transmitted frame
	RxHoldReclaim bool   // RX processed triggers are ignored
	StuckIRQ      uint16 // Status bits that cannot be acknowledged
	CorruptAddr   uint32 // Word whose writes are XORed with CorruptMask
	CorruptMask   uint32
}

// ACXDeviceStats counts what the card did.
type ACXDeviceStats struct {
	TxFrames     int
	RxFrames     int
	RxDropped    int
	Commands     int
	Calibrations int
	Boots        int
}

// ACXDevice emulates a slave-memory wireless card: 64 KiB of internal
// memory reachable only through the slave memory registers, a command
// mailbox served by the "firmware", TX/RX descriptor processing and the
// interrupt status/mask/ack block.
type ACXDevice struct {
	RAM [ACX_RAM_SIZE]byte

	rf      *acx.RegisterFile
	powered bool

	slvAddr   uint32
	slvCtl    uint32
	slvCP     uint32
	slvEndCtl uint32
	irqStatus uint16
	irqMask   uint16
	ecpuCtrl  uint16
	softReset uint16
	other     map[acx.Reg]uint32

	booted      bool
	cmdMailbox  uint32
	infoMailbox uint32

	rxQueue   uint32
	rxCount   int
	txQueue   uint32
	txCount   int
	stride    uint32
	blockSize uint32
	rxFree    []uint32
	rxNext    int
	txNext    int
	rxEnabled bool
	txEnabled bool
	ies       map[uint16][]byte

	faults DeviceFaults
	stats  ACXDeviceStats

	hostNetInterface network.HostNetInterface
	irqRaiser        InterruptRaiser
	log              logr.Logger

	lock sync.Mutex
}

// NewACXDevice creates a powered card with the register layout of rev.
// hostNet is the radio side; frames the card transmits are written to it
// and ServeAir injects frames read from it. It may be nil.
func NewACXDevice(rev acx.ChipRevision, hostNet network.HostNetInterface, irqRaiser InterruptRaiser, log logr.Logger) (*ACXDevice, error) {
	rf, err := acx.RegisterFileFor(rev)
	if err != nil {
		return nil, err
	}
	d := &ACXDevice{
		rf:               rf,
		powered:          true,
		hostNetInterface: hostNet,
		irqRaiser:        irqRaiser,
		log:              log,
		other:            make(map[acx.Reg]uint32),
		ies:              make(map[uint16][]byte),
	}
	d.reset()
	d.log.V(1).Info("ACXDevice initialized", "rev", rev.String(), "ram", ACX_RAM_SIZE)
	return d, nil
}

// StartHW powers the card.
func (d *ACXDevice) StartHW() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.powered = true
	return nil
}

// StopHW cuts power; register reads float high until StartHW.
func (d *ACXDevice) StopHW() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.reset()
	d.powered = false
	return nil
}

func (d *ACXDevice) reset() {
	d.slvAddr, d.slvCtl, d.slvCP, d.slvEndCtl = 0, 0, 0, 0
	d.irqStatus = 0
	d.irqMask = acx.IRQ_MASK_ALL
	d.ecpuCtrl = acx.ECPU_CTRL_HALT
	d.booted = false
	d.cmdMailbox, d.infoMailbox = 0, 0
	d.rxQueue, d.rxCount, d.txQueue, d.txCount, d.stride = 0, 0, 0, 0, 0
	d.blockSize = 0
	d.rxFree = nil
	d.rxNext, d.txNext = 0, 0
	d.rxEnabled, d.txEnabled = false, false
	for ie := range d.ies {
		delete(d.ies, ie)
	}
	d.updateIRQ()
}

// HandleMMIO decodes one register access.
func (d *ACXDevice) HandleMMIO(offset uint32, direction uint8, size uint8, data []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("ACXDevice: access size %d not supported at 0x%x", size, offset)
	}
	if len(data) < int(size) {
		return fmt.Errorf("ACXDevice: data slice of %d bytes for %d byte access at 0x%x", len(data), size, offset)
	}
	if !d.powered {
		if direction == IODirectionIn {
			for i := range data[:size] {
				data[i] = 0xff
			}
		}
		return nil
	}
	reg, ok := d.rf.Lookup(offset)
	if !ok {
		return fmt.Errorf("ACXDevice: no register at offset 0x%x", offset)
	}

	if direction == IODirectionIn {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], d.readReg(reg))
		copy(data[:size], buf[:size])
		return nil
	}
	var buf [4]byte
	copy(buf[:size], data[:size])
	d.writeReg(reg, binary.LittleEndian.Uint32(buf[:]))
	return nil
}

func (d *ACXDevice) readReg(reg acx.Reg) uint32 {
	switch reg {
	case acx.REG_SOFT_RESET:
		return uint32(d.softReset)
	case acx.REG_SLV_MEM_ADDR:
		return d.slvAddr
	case acx.REG_SLV_MEM_DATA:
		return d.dataRead()
	case acx.REG_SLV_MEM_CTL:
		return d.slvCtl
	case acx.REG_SLV_MEM_CP:
		return d.slvCP
	case acx.REG_SLV_END_CTL:
		return d.slvEndCtl
	case acx.REG_IRQ_MASK:
		if d.faults.Wedged {
			return uint32(acx.IRQ_MASK_ALL)
		}
		return uint32(d.irqMask)
	case acx.REG_IRQ_STATUS_NON_DES, acx.REG_IRQ_STATUS_CLEAR:
		return uint32(d.irqStatus)
	case acx.REG_ECPU_CTRL:
		return uint32(d.ecpuCtrl)
	case acx.REG_CMD_MAILBOX_OFFS:
		return d.cmdMailbox
	case acx.REG_INFO_MAILBOX_OFFS:
		return d.infoMailbox
	}
	return d.other[reg]
}

func (d *ACXDevice) writeReg(reg acx.Reg, v uint32) {
	switch reg {
	case acx.REG_SOFT_RESET:
		d.softReset = uint16(v)
		if v&1 != 0 {
			d.reset()
		}
	case acx.REG_SLV_MEM_ADDR:
		d.slvAddr = v
	case acx.REG_SLV_MEM_DATA:
		d.dataWrite(v)
	case acx.REG_SLV_MEM_CTL:
		d.slvCtl = v
	case acx.REG_SLV_MEM_CP:
		d.slvCP = v
	case acx.REG_SLV_END_CTL:
		d.slvEndCtl = v
	case acx.REG_INT_TRIG:
		d.trigger(uint16(v))
	case acx.REG_IRQ_MASK:
		d.irqMask = uint16(v)
		d.updateIRQ()
	case acx.REG_IRQ_ACK:
		d.irqStatus &^= uint16(v) &^ d.faults.StuckIRQ
		d.updateIRQ()
	case acx.REG_ECPU_CTRL:
		old := d.ecpuCtrl
		d.ecpuCtrl = uint16(v)
		if old&acx.ECPU_CTRL_HALT != 0 && d.ecpuCtrl&acx.ECPU_CTRL_HALT == 0 {
			d.boot()
		}
	case acx.REG_IRQ_STATUS_NON_DES, acx.REG_IRQ_STATUS_CLEAR, acx.REG_CMD_MAILBOX_OFFS, acx.REG_INFO_MAILBOX_OFFS:
		// Read-only.
	default:
		d.other[reg] = v
	}
}

func (d *ACXDevice) raise(bits uint16) {
	d.irqStatus |= bits
	d.updateIRQ()
}

func (d *ACXDevice) updateIRQ() {
	if d.irqRaiser == nil {
		return
	}
	if d.irqStatus&^d.irqMask != 0 {
		d.irqRaiser.RaiseIRQ(ACX_IRQ)
	} else {
		d.irqRaiser.LowerIRQ(ACX_IRQ)
	}
}

// boot starts the firmware once the host releases the eCPU.
func (d *ACXDevice) boot() {
	if d.faults.NoBoot {
		d.log.V(1).Info("ACXDevice: eCPU released but boot is suppressed")
		return
	}
	d.booted = true
	d.cmdMailbox = ACX_CMD_MAILBOX
	d.infoMailbox = ACX_INFO_MAILBOX
	d.putWord(d.cmdMailbox, 0)
	d.putWord(d.infoMailbox, 0)
	if d.faults.MailboxBusy {
		d.putWord(d.cmdMailbox, uint32(10)<<16)
	}
	d.stats.Boots++
	d.raise(acx.HOST_INT_FCS_THRESHOLD)
}

func (d *ACXDevice) word(addr uint32) (uint32, bool) {
	addr &^= 3
	if addr > ACX_RAM_SIZE-4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(d.RAM[addr:]), true
}

func (d *ACXDevice) putWord(addr, v uint32) bool {
	addr &^= 3
	if addr > ACX_RAM_SIZE-4 {
		return false
	}
	binary.LittleEndian.PutUint32(d.RAM[addr:], v)
	return true
}

func (d *ACXDevice) dataRead() uint32 {
	v, ok := d.word(d.slvAddr)
	if !ok {
		d.log.V(1).Info("ACXDevice: slave memory read out of range", "addr", fmt.Sprintf("0x%x", d.slvAddr))
		v = 0xffffffff
	}
	d.advance()
	return v
}

func (d *ACXDevice) dataWrite(v uint32) {
	if d.faults.CorruptMask != 0 && d.slvAddr&^3 == d.faults.CorruptAddr {
		v ^= d.faults.CorruptMask
	}
	if !d.putWord(d.slvAddr, v) {
		d.log.V(1).Info("ACXDevice: slave memory write out of range", "addr", fmt.Sprintf("0x%x", d.slvAddr))
	}
	d.advance()
}

// advance moves the address register after a data access. In chain mode
// the card follows the link word once a block's data area is exhausted.
func (d *ACXDevice) advance() {
	if (d.slvCtl>>slvCtlModeShift)&slvCtlModeMask == slvCtlModeChain {
		d.slvAddr += 4
		if d.blockSize != 0 && d.slvAddr >= d.slvCP+d.blockSize {
			link, _ := d.word(d.slvCP)
			d.slvCP = (link & acx.TXBUF_NEXT_MASK) << acx.TXBUF_SHIFT
			d.slvAddr = d.slvCP + acx.TXBUF_HDR_LEN
		}
		return
	}
	if d.slvCtl&slvCtlAutoInc != 0 {
		d.slvAddr += 4
	}
}

func (d *ACXDevice) trigger(bits uint16) {
	if bits&acx.INT_TRIG_CMD != 0 {
		d.processCommand()
	}
	if bits&acx.INT_TRIG_INFOACK != 0 && d.booted {
		d.putWord(d.infoMailbox, 0)
	}
	if bits&acx.INT_TRIG_TXPRC != 0 {
		d.processTx()
	}
	if bits&acx.INT_TRIG_RXPRC != 0 {
		d.reclaimRx()
	}
}

func (d *ACXDevice) processCommand() {
	if !d.booted {
		d.log.V(1).Info("ACXDevice: command trigger while firmware not running")
		return
	}
	d.stats.Commands++
	if d.faults.Wedged {
		return
	}

	w, _ := d.word(d.cmdMailbox)
	cmd := uint16(w)
	params := d.cmdMailbox + acx.CMD_MAILBOX_HDR_LEN
	status := acx.CMD_STATUS_SUCCESS
	var extra uint16

	switch cmd {
	case acx.CMD_INTERROGATE:
		status = d.interrogate(params)
	case acx.CMD_CONFIGURE:
		status = d.configure(params)
	case acx.CMD_ENABLE_RX:
		if d.rxCount == 0 || d.blockSize == 0 {
			status = cmdStatusRejected
		} else {
			d.rxEnabled = true
		}
	case acx.CMD_ENABLE_TX:
		if d.txCount == 0 {
			status = cmdStatusRejected
		} else {
			d.txEnabled = true
		}
	case acx.CMD_DISABLE_RX:
		d.rxEnabled = false
	case acx.CMD_DISABLE_TX:
		d.txEnabled = false
	case acx.CMD_RADIO_CALIB:
		d.stats.Calibrations++
	case acx.CMD_SCAN:
		extra = acx.HOST_INT_SCAN_COMPLETE
	case acx.CMD_RESET, acx.CMD_STOP_SCAN, acx.CMD_SLEEP, acx.CMD_WAKE, acx.CMD_FLUSH_QUEUE:
	default:
		status = cmdStatusUnknown
	}
	if d.faults.CommandStatus != 0 {
		status = d.faults.CommandStatus
	}

	d.putWord(d.cmdMailbox, uint32(cmd)|uint32(status)<<16)
	d.raise(acx.HOST_INT_CMD_COMPLETE | extra)
}

const (
	cmdStatusUnknown   uint16 = 2
	cmdStatusInvalidIE uint16 = 3
	cmdStatusRejected  uint16 = 8
	cmdStatusBadParam  uint16 = 14
)

func (d *ACXDevice) ieHeader(params uint32) (uint16, int) {
	h, _ := d.word(params)
	return uint16(h), int(h >> 16)
}

// payload returns a bounded view of n bytes at addr.
func (d *ACXDevice) payload(addr uint32, n int) []byte {
	if n < 0 || int(addr)+n > ACX_RAM_SIZE {
		return nil
	}
	return d.RAM[addr : int(addr)+n]
}

func (d *ACXDevice) interrogate(params uint32) uint16 {
	ie, ln := d.ieHeader(params)
	var body []byte
	if ie == acx.IE_MEMORY_MAP {
		body = d.memoryMap()
	} else {
		b, ok := d.ies[ie]
		if !ok {
			return cmdStatusInvalidIE
		}
		body = b
	}
	limit := acx.CMD_MAX_PAYLOAD - acx.CMD_MAILBOX_HDR_LEN
	if ln > limit {
		ln = limit
	}
	if ln < len(body) {
		body = body[:ln]
	}
	copy(d.payload(params+acx.CMD_MAILBOX_HDR_LEN, len(body)), body)
	return acx.CMD_STATUS_SUCCESS
}

func (d *ACXDevice) memoryMap() []byte {
	b := make([]byte, acx.MemoryMapLen)
	for i, v := range []uint32{
		ACX_CODE_START, ACX_CODE_END,
		ACX_WEP_CACHE_START, ACX_WEP_CACHE_END,
		ACX_TEMPLATE_START, ACX_TEMPLATE_END,
		ACX_QUEUE_START, ACX_QUEUE_END,
		ACX_POOL_START, ACX_POOL_END,
	} {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}

func (d *ACXDevice) configure(params uint32) uint16 {
	ie, ln := d.ieHeader(params)
	body := d.payload(params+acx.CMD_MAILBOX_HDR_LEN, ln)
	if body == nil {
		return cmdStatusBadParam
	}
	u := func(i int) uint32 { return binary.LittleEndian.Uint32(body[i*4:]) }

	switch ie {
	case acx.IE_QUEUE_CONFIG:
		if ln < acx.QueueConfigLen {
			return cmdStatusBadParam
		}
		rxQueue, rxCount, txQueue, txCount, stride := u(0), int(u(1)), u(2), int(u(3)), u(4)
		if stride < acx.DescStride || rxCount <= 0 || txCount <= 0 ||
			rxQueue < ACX_QUEUE_START || int(rxQueue)+rxCount*int(stride) > int(ACX_QUEUE_END) ||
			txQueue < ACX_QUEUE_START || int(txQueue)+txCount*int(stride) > int(ACX_QUEUE_END) {
			return cmdStatusBadParam
		}
		d.rxQueue, d.rxCount, d.txQueue, d.txCount, d.stride = rxQueue, rxCount, txQueue, txCount, stride
		d.rxNext, d.txNext = 0, 0
	case acx.IE_MEMORY_CONFIG:
		if ln < acx.MemoryConfigLen {
			return cmdStatusBadParam
		}
		bs, pool, blocks := u(0), u(1), int(u(2))
		if bs == 0 || bs%(1<<acx.TXBUF_SHIFT) != 0 || pool < ACX_POOL_START || int(pool)+blocks*int(bs) > int(ACX_POOL_END) {
			return cmdStatusBadParam
		}
		d.blockSize = bs
		d.rxFree = d.rxFree[:0]
		for i := 0; i < blocks; i++ {
			d.rxFree = append(d.rxFree, pool+uint32(i)*bs)
		}
	default:
		d.ies[ie] = append([]byte(nil), body...)
	}
	return acx.CMD_STATUS_SUCCESS
}

func (d *ACXDevice) txDesc(i int) uint32 { return d.txQueue + uint32(i)*d.stride }
func (d *ACXDevice) rxDesc(i int) uint32 { return d.rxQueue + uint32(i)*d.stride }

func txSubmitted(ctl byte) bool {
	return ctl&(acx.DESC_CTL_ACXDONE|acx.DESC_CTL_HOSTOWN) == 0
}

// processTx transmits every descriptor the host has handed over, starting
// with the first one found from the card's position.
func (d *ACXDevice) processTx() {
	if d.faults.TxHold || !d.txEnabled || d.txCount == 0 {
		return
	}
	start := -1
	for probe := 0; probe < d.txCount; probe++ {
		i := (d.txNext + probe) % d.txCount
		if txSubmitted(d.RAM[d.txDesc(i)+descOffCtl]) {
			start = i
			break
		}
	}
	if start < 0 {
		return
	}

	processed := 0
	for i := start; processed < d.txCount; i = (i + 1) % d.txCount {
		desc := d.txDesc(i)
		ctl := d.RAM[desc+descOffCtl]
		if !txSubmitted(ctl) {
			break
		}
		length := int(binary.LittleEndian.Uint16(d.RAM[desc+descOffLength:]))
		ptr, _ := d.word(desc + descOffAcxPtr)

		errCode := d.faults.TxError
		frame, err := d.readChain(ptr, length)
		if err != nil {
			d.log.Info("ACXDevice: bad tx buffer chain", "desc", i, "error", err.Error())
			errCode |= acx.TX_ERR_BUF_OVERRUN
		} else if d.hostNetInterface != nil {
			if err := d.hostNetInterface.WritePacket(frame); err != nil {
				d.log.Info("ACXDevice: error writing frame to the air", "error", err.Error())
				errCode |= acx.TX_ERR_ABORTED
			}
		}

		d.RAM[desc+descOffError] = errCode
		d.RAM[desc+descOffAckFail] = 0
		d.RAM[desc+descOffRtsFail] = 0
		d.RAM[desc+descOffRtsOK] = 1
		d.RAM[desc+descOffCtl] = ctl | acx.DESC_CTL_ACXDONE | acx.DESC_CTL_HOSTOWN
		d.stats.TxFrames++
		processed++
		d.txNext = (i + 1) % d.txCount
	}
	d.raise(acx.HOST_INT_TX_COMPLETE)
}

// readChain gathers length bytes from a block chain.
func (d *ACXDevice) readChain(ptr uint32, length int) ([]byte, error) {
	if d.blockSize == 0 {
		return nil, fmt.Errorf("block size not configured")
	}
	out := make([]byte, 0, length)
	cur := ptr
	for blocks := 0; len(out) < length; blocks++ {
		if cur == 0 || int(cur)+int(d.blockSize) > ACX_RAM_SIZE || blocks > ACX_RAM_SIZE/int(d.blockSize) {
			return nil, fmt.Errorf("chain breaks at block 0x%x after %d bytes", cur, len(out))
		}
		n := int(d.blockSize) - acx.TXBUF_HDR_LEN
		if n > length-len(out) {
			n = length - len(out)
		}
		data := cur + acx.TXBUF_HDR_LEN
		out = append(out, d.RAM[data:data+uint32(n)]...)
		link, _ := d.word(cur)
		cur = (link & acx.TXBUF_NEXT_MASK) << acx.TXBUF_SHIFT
	}
	return out, nil
}

// InjectFrame receives a frame from the air into the next RX descriptor.
func (d *ACXDevice) InjectFrame(frame []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.injectAt(d.rxNext, frame, false)
}

// InjectFrameAt fills a specific RX descriptor, as the card does when it
// completes descriptors out of order.
func (d *ACXDevice) InjectFrameAt(index int, frame []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if index < 0 || index >= d.rxCount {
		return fmt.Errorf("rx descriptor %d out of range", index)
	}
	return d.injectAt(index, frame, false)
}

// InjectReclaim hands the host a descriptor that carries no frame.
func (d *ACXDevice) InjectReclaim() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.injectAt(d.rxNext, nil, true)
}

func (d *ACXDevice) injectAt(i int, frame []byte, reclaimOnly bool) error {
	if !d.rxEnabled || d.rxCount == 0 {
		d.stats.RxDropped++
		return ErrRxDisabled
	}
	if len(frame) > acx.WLAN_A4FR_MAXLEN {
		d.stats.RxDropped++
		return fmt.Errorf("frame of %d bytes too large", len(frame))
	}
	desc := d.rxDesc(i)
	if d.RAM[desc+descOffCtl] != 0 {
		d.stats.RxDropped++
		return ErrRxRingFull
	}

	if reclaimOnly {
		d.putWord(desc+descOffAcxPtr, 0)
		binary.LittleEndian.PutUint16(d.RAM[desc+descOffLength:], 0)
		d.RAM[desc+descOffCtl] = acx.DESC_CTL_HOSTOWN | acx.DESC_CTL_ACXDONE | acx.DESC_CTL_RECLAIM
	} else {
		usable := int(d.blockSize) - acx.TXBUF_HDR_LEN
		total := acx.RXBUF_HDR_LEN + len(frame)
		blocks := (total + usable - 1) / usable
		if blocks > len(d.rxFree) {
			d.stats.RxDropped++
			return ErrRxNoBuffer
		}
		chain := append([]uint32(nil), d.rxFree[:blocks]...)
		d.rxFree = d.rxFree[blocks:]

		buf := make([]byte, total)
		binary.LittleEndian.PutUint16(buf[0:], uint16(len(frame)))
		buf[2] = byte(blocks)
		buf[6] = rxDefaultSNR
		buf[7] = rxDefaultLevel
		binary.LittleEndian.PutUint32(buf[8:], uint32(time.Now().UnixMicro()))
		copy(buf[acx.RXBUF_HDR_LEN:], frame)

		for j, b := range chain {
			link := acx.TXBUF_LAST
			if j+1 < len(chain) {
				link = chain[j+1] >> acx.TXBUF_SHIFT
			}
			d.putWord(b, link)
			off := j * usable
			end := off + usable
			if end > total {
				end = total
			}
			copy(d.RAM[b+acx.TXBUF_HDR_LEN:], buf[off:end])
		}

		d.putWord(desc+descOffAcxPtr, chain[0])
		binary.LittleEndian.PutUint16(d.RAM[desc+descOffLength:], uint16(len(frame)))
		d.RAM[desc+descOffSNR] = rxDefaultSNR
		d.RAM[desc+descOffLevel] = rxDefaultLevel
		d.RAM[desc+descOffCtl] = acx.DESC_CTL_HOSTOWN | acx.DESC_CTL_ACXDONE
		d.stats.RxFrames++
	}

	d.rxNext = (i + 1) % d.rxCount
	d.raise(acx.HOST_INT_RX_DATA)
	return nil
}

// reclaimRx takes back every RX descriptor the host has finished with and
// returns its buffer chain to the card's pool.
func (d *ACXDevice) reclaimRx() {
	if d.faults.RxHoldReclaim {
		return
	}
	for i := 0; i < d.rxCount; i++ {
		desc := d.rxDesc(i)
		ctl := d.RAM[desc+descOffCtl]
		if ctl&acx.DESC_CTL_HOSTDONE == 0 || ctl&acx.DESC_CTL_HOSTOWN != 0 {
			continue
		}
		if ptr, _ := d.word(desc + descOffAcxPtr); ptr != 0 {
			d.freeRxChain(ptr)
		}
		for off := uint32(4); off < d.stride; off += 4 {
			d.putWord(desc+off, 0)
		}
	}
}

func (d *ACXDevice) freeRxChain(ptr uint32) {
	cur := ptr
	for n := 0; n <= ACX_RAM_SIZE/int(d.blockSize); n++ {
		d.rxFree = append(d.rxFree, cur)
		link, _ := d.word(cur)
		if link&acx.TXBUF_LAST != 0 {
			return
		}
		cur = (link & acx.TXBUF_NEXT_MASK) << acx.TXBUF_SHIFT
		if cur == 0 {
			return
		}
	}
}

// PostInfo places an event in the info mailbox and raises INFO.
func (d *ACXDevice) PostInfo(infoType, status uint16) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.booted {
		return fmt.Errorf("firmware not running")
	}
	d.putWord(d.infoMailbox, uint32(infoType)|uint32(status)<<16)
	d.raise(acx.HOST_INT_INFO)
	return nil
}

// SetFaults replaces the active fault set.
func (d *ACXDevice) SetFaults(f DeviceFaults) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.faults = f
	if d.booted {
		w, _ := d.word(d.cmdMailbox)
		if f.MailboxBusy {
			d.putWord(d.cmdMailbox, w&0xffff|uint32(10)<<16)
		} else if w>>16 == 10 {
			d.putWord(d.cmdMailbox, 0)
		}
	}
	if f.StuckIRQ != 0 {
		d.raise(f.StuckIRQ)
	}
}

func (d *ACXDevice) Faults() DeviceFaults {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.faults
}

func (d *ACXDevice) Stats() ACXDeviceStats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stats
}

// Booted reports whether the firmware is running.
func (d *ACXDevice) Booted() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.booted
}

// Enabled reports the receiver and transmitter state.
func (d *ACXDevice) Enabled() (rx, tx bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.rxEnabled, d.txEnabled
}

// RxFreeBlocks is the number of blocks in the card's receive pool.
func (d *ACXDevice) RxFreeBlocks() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.rxFree)
}

// Word reads card memory directly, bypassing the register interface.
func (d *ACXDevice) Word(addr uint32) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	w, _ := d.word(addr)
	return w
}

// ServeAir injects frames read from the radio side until ctx is done.
func (d *ACXDevice) ServeAir(ctx context.Context) error {
	if d.hostNetInterface == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		d.lock.Lock()
		listening := d.powered && d.rxEnabled
		d.lock.Unlock()
		if !listening {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		packet, err := d.hostNetInterface.ReadPacket()
		if err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if len(packet) == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err := d.InjectFrame(packet); err != nil {
			d.log.V(1).Info("ACXDevice: dropped frame from the air", "len", len(packet), "error", err.Error())
		}
	}
}
