// core_engine/acx/txring.go
package acx

import (
	"fmt"

	"github.com/go-logr/logr"
)

// TxHandle names a descriptor taken by Alloc and not yet submitted.
type TxHandle struct {
	index int
	addr  DeviceAddr
}

func (h TxHandle) Index() int       { return h.index }
func (h TxHandle) Addr() DeviceAddr { return h.addr }

// TxOutcome reports what Submit did with a frame.
type TxOutcome int

const (
	TxQueued   TxOutcome = iota // Descriptor handed to the device
	TxNoBuffer                  // Buffer pool exhausted, descriptor rolled back
	TxRejected                  // Frame refused, descriptor rolled back
)

// TxRing manages the transmit descriptors. Each device descriptor has a
// host shadow buffer holding the frame bytes (the TxHostDescriptor).
//
// Callers hold the adapter lock for every method.
type TxRing struct {
	mem     *SlaveMemory
	regs    *Registers
	pool    *TxBufferPool
	log     logr.Logger
	metrics *Metrics
	opts    *Options

	layout ringLayout
	host   [][]byte

	head, tail int
	free       int
	stopped    bool

	queue    Queue
	rate     RateReporter
	schedule func(Task)

	retryErrors int
	txErrors    int
}

func newTxRing(mem *SlaveMemory, regs *Registers, pool *TxBufferPool, base DeviceAddr, opts *Options,
	log logr.Logger, metrics *Metrics, queue Queue, rate RateReporter, schedule func(Task)) *TxRing {
	r := &TxRing{
		mem:      mem,
		regs:     regs,
		pool:     pool,
		log:      log,
		metrics:  metrics,
		opts:     opts,
		layout:   ringLayout{base: base, count: opts.TxCount},
		host:     make([][]byte, opts.TxCount),
		queue:    queue,
		rate:     rate,
		schedule: schedule,
	}
	for i := range r.host {
		r.host[i] = make([]byte, WLAN_A4FR_MAXLEN)
	}
	return r
}

// Init links the ring and marks every descriptor host-owned and empty.
func (r *TxRing) Init() {
	r.layout.linkRing(r.mem)
	for i := 0; i < r.layout.count; i++ {
		r.resetDesc(r.layout.addr(i))
	}
	r.head, r.tail = 0, 0
	r.free = r.layout.count
	r.stopped = false
	r.updateGauges()
}

// resetDesc clears every field except the ring link.
func (r *TxRing) resetDesc(a DeviceAddr) {
	r.mem.CopyTo(a+descHostPtr, txDescTemplate[:])
}

func (r *TxRing) ctl(a DeviceAddr) byte {
	return r.mem.ReadByte(a + descCtl)
}

// Alloc takes the descriptor at the head of the ring. It returns false when
// no descriptor is available, which the caller treats as backpressure.
func (r *TxRing) Alloc() (TxHandle, bool) {
	if r.free == 0 {
		r.stopQueue("no free tx descriptors")
		return TxHandle{}, false
	}

	for attempt := 0; ; attempt++ {
		a := r.layout.addr(r.head)
		ctl := r.ctl(a)
		if ctl&DESC_CTL_ACXDONE_HOSTOWN == DESC_CTL_HOSTOWN {
			break
		}
		r.log.Info("BUG: tx ring looks full but descriptors are counted free",
			"head", r.head, "tail", r.tail, "free", r.free, "ctl", fmt.Sprintf("0x%02x", ctl), "attempt", attempt)
		switch {
		case attempt < r.opts.TxNudgeLimit:
			// Poke the device in case it missed a TX request, then
			// collect whatever it finished.
			r.regs.Write16(REG_INT_TRIG, INT_TRIG_TXPRC)
			r.Clean()
			if r.free == 0 {
				r.stopQueue("no free tx descriptors")
				return TxHandle{}, false
			}
		case attempt == r.opts.TxNudgeLimit:
			r.log.Error(nil, "tx ring stuck after nudges, flushing every descriptor", "nudges", r.opts.TxNudgeLimit)
			r.CleanEmergency()
		default:
			return TxHandle{}, false
		}
	}

	h := TxHandle{index: r.head, addr: r.layout.addr(r.head)}
	// Mark done+hostown up front so an unsubmitted descriptor can be rolled
	// back or cleaned like a completed one.
	r.mem.WriteByte(h.addr+descCtl, DESC_CTL_ACXDONE_HOSTOWN)
	r.free--
	r.head = (r.head + 1) % r.layout.count
	if r.free < r.opts.TxStopQueue {
		r.stopQueue("tx descriptors running low")
	}
	r.updateGauges()
	return h, true
}

// Dealloc rolls back the most recent Alloc: the descriptor is reset and the
// head walks back onto it.
func (r *TxRing) Dealloc(h TxHandle) {
	index, err := r.layout.index(h.addr)
	if err != nil {
		r.log.Error(err, "BUG: rollback of unknown tx descriptor")
		return
	}
	prev := (r.head - 1 + r.layout.count) % r.layout.count
	if index != prev {
		// Leave it for Clean to pick up as a finished descriptor.
		r.log.Error(nil, "BUG: rollback of tx descriptor that is not the last allocated",
			"index", index, "head", r.head)
		r.mem.WriteByte(h.addr+descCtl, DESC_CTL_ACXDONE_HOSTOWN)
		return
	}
	r.resetDesc(h.addr)
	r.log.V(1).Info("tx: rolled back descriptor", "from", r.head, "to", index)
	r.head = index
	r.free++
	if r.stopped && r.free >= r.opts.TxStartQueue {
		r.wakeQueue()
	}
	r.updateGauges()
}

// Submit copies frame into device buffer memory, fills the descriptor and
// hands it to the device. The ownership byte is written last.
func (r *TxRing) Submit(h TxHandle, frame []byte, rate uint16) (TxOutcome, error) {
	if len(frame) < WLAN_HDR_A3_LEN {
		r.Dealloc(h)
		return TxRejected, NewError(KindFrameTooShort, "tx submit").WithCause("%d bytes", len(frame))
	}
	if len(frame) > WLAN_A4FR_MAXLEN {
		r.Dealloc(h)
		r.metrics.LogicErrors.Inc()
		return TxRejected, NewError(KindLogic, "tx submit").WithCause("frame of %d bytes exceeds %d", len(frame), WLAN_A4FR_MAXLEN)
	}

	shadow := r.host[h.index][:len(frame)]
	copy(shadow, frame)

	buf, ok := r.pool.Allocate(len(shadow))
	if !ok {
		r.log.V(1).Info("tx: no buffer space, backing out", "len", len(shadow), "blocksFree", r.pool.Free())
		r.Dealloc(h)
		r.metrics.TxDropped.Inc()
		return TxNoBuffer, nil
	}
	if err := r.mem.ChainCopyTo(buf, shadow); err != nil {
		r.pool.Reclaim(buf)
		r.Dealloc(h)
		return TxRejected, err
	}

	r.mem.WriteWord(h.addr+descAcxPtr, uint32(buf))
	r.mem.WriteHalf(h.addr+descLength, uint16(len(shadow)))
	r.mem.WriteHalf(h.addr+descRate, rate)

	ctl := r.ctl(h.addr)
	ctl &^= DESC_CTL_SHORT_PREAMBLE | DESC_CTL_AUTODMA
	ctl |= DESC_CTL_FIRSTFRAG
	ctl &^= DESC_CTL_ACXDONE_HOSTOWN
	r.mem.WriteByte(h.addr+descCtl, ctl)

	r.regs.Write16(REG_INT_TRIG, INT_TRIG_TXPRC)
	r.metrics.TxFrames.Inc()
	r.updateGauges()
	return TxQueued, nil
}

// Clean releases descriptors the device has finished with, starting at the
// tail, and returns how many it released. It stops at the first descriptor
// still owned by the device.
func (r *TxRing) Clean() int {
	cleaned := 0
	finger := r.tail
	for pending := r.layout.count - r.free; pending > 0; pending-- {
		a := r.layout.addr(finger)
		status := r.mem.ReadWord(a + descCtl)
		ctl := byte(status)
		if ctl&DESC_CTL_ACXDONE_HOSTOWN != DESC_CTL_ACXDONE_HOSTOWN {
			if cleaned == 0 {
				r.log.V(1).Info("tx: clean: tail isn't free", "tail", r.tail, "head", r.head)
			}
			break
		}
		errCode := byte(status >> 16)
		ackFailures := byte(status >> 24)
		rts := r.mem.ReadWord(a + descRtsFail)
		rate := r.mem.ReadHalf(a + descRate)

		if buf := r.mem.ReadWord(a + descAcxPtr); buf != 0 {
			r.pool.Reclaim(DeviceAddr(buf))
		}
		r.resetDesc(a)
		r.free++
		cleaned++

		if r.stopped && r.free >= r.opts.TxStartQueue {
			r.wakeQueue()
		}
		if r.rate != nil {
			r.rate.TxReport(rate, ackFailures, byte(rts), byte(rts>>8), errCode)
		}
		if errCode != 0 {
			r.handleError(errCode, finger)
		}
		r.log.V(2).Info("tx: cleaned", "index", finger, "ackFailures", ackFailures,
			"rtsFailures", byte(rts), "rtsOK", byte(rts>>8), "rate", rate, "free", r.free)

		finger = (finger + 1) % r.layout.count
	}
	r.tail = finger
	r.updateGauges()
	return cleaned
}

func (r *TxRing) handleError(code byte, index int) {
	r.metrics.TxErrors.WithLabelValues(fmt.Sprintf("0x%02x", code)).Inc()

	if code&TX_ERR_RETRIES != 0 {
		r.retryErrors++
		if r.retryErrors%r.opts.RecalibrateEvery == 0 {
			if r.retryErrors <= r.opts.RecalibrateLogs {
				r.log.Info("several excessive Tx retry errors occurred, attempting to recalibrate radio; " +
					"radio drift might be caused by increasing card temperature")
				if r.retryErrors == r.opts.RecalibrateLogs {
					r.log.Info("disabling above message")
				}
			}
			if r.schedule != nil {
				r.schedule(TaskRadioRecalibrate)
			}
		}
	}

	r.txErrors++
	if r.txErrors <= r.opts.TxErrorLogs {
		r.log.Info("tx error", "code", fmt.Sprintf("0x%02x", code), "reason", txErrorString(code), "index", index)
	} else if r.txErrors == r.opts.TxErrorLogs+1 {
		r.log.Info("more tx errors occurred, disabling further messages")
	}
}

// CleanEmergency resets every descriptor whatever its state and reclaims
// any buffer it references. Frames in flight are lost.
func (r *TxRing) CleanEmergency() {
	for i := 0; i < r.layout.count; i++ {
		a := r.layout.addr(i)
		if buf := r.mem.ReadWord(a + descAcxPtr); buf != 0 {
			r.pool.Reclaim(DeviceAddr(buf))
		}
		r.resetDesc(a)
	}
	r.free = r.layout.count
	r.tail = r.head
	r.metrics.TxEmergency.Inc()
	if r.stopped {
		r.wakeQueue()
	}
	r.updateGauges()
}

func (r *TxRing) stopQueue(reason string) {
	if r.stopped {
		return
	}
	r.stopped = true
	r.log.V(1).Info("tx: stop queue", "reason", reason, "free", r.free)
	if r.queue != nil {
		r.queue.StopQueue()
	}
}

func (r *TxRing) wakeQueue() {
	r.stopped = false
	r.log.V(1).Info("tx: wake queue", "free", r.free)
	if r.queue != nil {
		r.queue.WakeQueue()
	}
}

func (r *TxRing) updateGauges() {
	r.metrics.TxFree.Set(float64(r.free))
	r.metrics.TxBlocksFree.Set(float64(r.pool.Free()))
}

func (r *TxRing) Free() int        { return r.free }
func (r *TxRing) Count() int       { return r.layout.count }
func (r *TxRing) Head() int        { return r.head }
func (r *TxRing) Tail() int        { return r.tail }
func (r *TxRing) Stopped() bool    { return r.stopped }
func (r *TxRing) Base() DeviceAddr { return r.layout.base }

// Outstanding counts descriptors that are device-owned or waiting for Clean.
func (r *TxRing) Outstanding() int {
	n := 0
	for i := 0; i < r.layout.count; i++ {
		if r.ctl(r.layout.addr(i))&DESC_CTL_ACXDONE_HOSTOWN != DESC_CTL_HOSTOWN {
			n++
		}
	}
	return n
}
