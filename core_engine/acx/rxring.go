// core_engine/acx/rxring.go
package acx

import (
	"fmt"

	"github.com/go-logr/logr"
)

// RxRing consumes the receive descriptors. The device fills a descriptor,
// sets HOSTOWN|ACXDONE and raises RX_DATA; the host copies the frame out,
// hands ownership back with HOSTDONE|RECLAIM and triggers RXPRC, after which
// the device frees the buffer chain and may reuse the descriptor.
//
// Callers hold the adapter lock.
type RxRing struct {
	mem     *SlaveMemory
	regs    *Registers
	log     logr.Logger
	metrics *Metrics
	queue   Queue

	layout ringLayout
	tail   int
	buf    []byte
}

func newRxRing(mem *SlaveMemory, regs *Registers, base DeviceAddr, count int, log logr.Logger, metrics *Metrics, queue Queue) *RxRing {
	return &RxRing{
		mem:     mem,
		regs:    regs,
		log:     log,
		metrics: metrics,
		queue:   queue,
		layout:  ringLayout{base: base, count: count},
		buf:     make([]byte, RXBUF_HDR_LEN+WLAN_A4FR_MAXLEN+4),
	}
}

// Init links the ring and hands every descriptor to the device.
func (r *RxRing) Init() {
	r.layout.linkRing(r.mem)
	for i := 0; i < r.layout.count; i++ {
		r.mem.CopyTo(r.layout.addr(i)+descHostPtr, rxDescTemplate[:])
	}
	r.tail = 0
}

func rxReady(ctl byte) bool {
	return ctl&DESC_CTL_ACXDONE_HOSTOWN == DESC_CTL_ACXDONE_HOSTOWN
}

// Process delivers every ready descriptor and returns how many it released.
// The device may fill descriptors out of order, so the first ready one is
// searched for starting at the tail.
func (r *RxRing) Process() int {
	idx := -1
	var ctl byte
	for probe := 0; probe < r.layout.count; probe++ {
		i := (r.tail + probe) % r.layout.count
		c := r.mem.ReadByte(r.layout.addr(i) + descCtl)
		if rxReady(c) {
			idx, ctl = i, c
			break
		}
	}
	if idx < 0 {
		return 0
	}

	processed := 0
	for {
		r.release(idx, ctl)
		processed++
		idx = (idx + 1) % r.layout.count
		if processed == r.layout.count {
			break
		}
		ctl = r.mem.ReadByte(r.layout.addr(idx) + descCtl)
		if !rxReady(ctl) {
			break
		}
	}
	r.tail = idx
	return processed
}

// release delivers the frame behind descriptor idx, if any, then returns
// the descriptor to the device.
func (r *RxRing) release(idx int, ctl byte) {
	a := r.layout.addr(idx)
	if ctl&DESC_CTL_RECLAIM == 0 {
		r.deliver(idx, a)
	} else {
		r.metrics.RxReclaimOnly.Inc()
		r.log.V(1).Info("rx: descriptor carries no payload", "index", idx)
	}

	ctl &^= DESC_CTL_HOSTOWN
	ctl |= DESC_CTL_HOSTDONE | DESC_CTL_RECLAIM
	r.mem.WriteByte(a+descCtl, ctl)
	r.regs.Write16(REG_INT_TRIG, INT_TRIG_RXPRC)
}

func (r *RxRing) deliver(idx int, a DeviceAddr) {
	length := int(r.mem.ReadHalf(a + descLength))
	ptr := r.mem.ReadWord(a + descAcxPtr)
	if ptr == 0 {
		return
	}
	if ptr&rxAddrInvalidMask != 0 {
		r.metrics.LogicErrors.Inc()
		r.log.Error(nil, "BUG: rx descriptor points outside device memory",
			"index", idx, "acxMemPtr", fmt.Sprintf("0x%08x", ptr), "descriptor", r.mem.DumpWords(a, DescStride/4))
		return
	}
	if length > WLAN_A4FR_MAXLEN {
		r.metrics.LogicErrors.Inc()
		r.log.Error(nil, "BUG: rx frame length exceeds maximum", "index", idx, "length", length)
		return
	}

	n := length + RXBUF_HDR_LEN
	if err := r.mem.ChainCopyFrom(r.buf[:n], DeviceAddr(ptr)); err != nil {
		return
	}
	frame := make([]byte, length)
	copy(frame, r.buf[RXBUF_HDR_LEN:n])
	status := decodeRxStatus(r.buf[:RXBUF_HDR_LEN])

	r.metrics.RxFrames.Inc()
	r.log.V(2).Info("rx: frame", "index", idx, "length", length, "snr", status.SNR, "level", status.Level)
	if r.queue != nil {
		r.queue.Receive(frame, status)
	}
}

func (r *RxRing) Tail() int        { return r.tail }
func (r *RxRing) Count() int       { return r.layout.count }
func (r *RxRing) Base() DeviceAddr { return r.layout.base }
