// core_engine/acx/adapter.go
package acx

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// PowerControl switches the card's bus interface on and off.
type PowerControl interface {
	StartHW() error
	StopHW() error
}

// Config collects what NewAdapter needs.
type Config struct {
	Window       RegisterWindow
	Power        PowerControl // optional
	Queue        Queue
	RateReporter RateReporter // optional
	Firmware     *FirmwareImage
	Options      *Options
	Log          logr.Logger
	Registerer   prometheus.Registerer // optional
}

// Adapter is one slave-memory wireless card.
//
// mu is the adapter lock. It guards every device access and all ring and
// pool state, and is taken by the interrupt dispatcher. cmdMu serializes
// mailbox commands and lifecycle transitions; it is always taken before mu.
// A command wait releases mu so interrupts can be serviced meanwhile.
type Adapter struct {
	ID string

	mu    sync.Mutex
	cmdMu sync.Mutex

	opts    *Options
	log     logr.Logger
	metrics *Metrics
	regs    *Registers
	mem     *SlaveMemory
	loader  *FirmwareLoader

	power    PowerControl
	queue    Queue
	rate     RateReporter
	firmware *FirmwareImage

	pool *TxBufferPool
	tx   *TxRing
	rx   *RxRing

	memMap   MemoryMap
	cmdArea  DeviceAddr
	infoArea DeviceAddr

	up         bool
	suspended  bool
	fwLoaded   bool
	irqsActive bool
	irqMask    uint16 // last value written to the mask register
	irqStatus  uint16 // CMD_COMPLETE and SCAN_COMPLETE latched by the dispatcher
	cmdDone    chan struct{}

	irqLoops        int
	irqQuantumStart time.Time

	tasks      atomic.Uint32
	taskSignal chan struct{}
}

// NewAdapter builds an adapter around a register window. The card stays
// untouched until Up.
func NewAdapter(cfg Config) (*Adapter, error) {
	opts := cfg.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid adapter options: %w", err)
	}
	if cfg.Window == nil {
		return nil, fmt.Errorf("adapter needs a register window")
	}
	if cfg.Firmware == nil {
		return nil, fmt.Errorf("adapter needs a firmware image")
	}
	rf, err := RegisterFileFor(opts.Revision)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	metrics, err := NewMetrics(cfg.Registerer, id)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		ID:         id,
		opts:       opts,
		log:        cfg.Log.WithName("acx").WithValues("adapter", id[:8], "rev", rf.Revision().String()),
		metrics:    metrics,
		regs:       NewRegisters(cfg.Window, rf),
		power:      cfg.Power,
		queue:      cfg.Queue,
		rate:       cfg.RateReporter,
		firmware:   cfg.Firmware,
		irqMask:    IRQ_MASK_ALL,
		cmdDone:    make(chan struct{}, 1),
		taskSignal: make(chan struct{}, 1),
	}
	a.mem = NewSlaveMemory(a.regs, opts.LatchDelay, a.log.WithName("slavemem"), metrics)
	a.loader = NewFirmwareLoader(a.mem, a.log.WithName("firmware"), metrics,
		opts.FirmwareRetries, opts.FirmwareRetryPause, a.sleepUnlocked)
	return a, nil
}

func (a *Adapter) Metrics() *Metrics { return a.metrics }
func (a *Adapter) Options() *Options { return a.opts }

// sleepUnlocked drops the adapter lock for d.
func (a *Adapter) sleepUnlocked(d time.Duration) {
	a.mu.Unlock()
	time.Sleep(d)
	a.mu.Lock()
}

// Up powers the card, boots the firmware, lays out the rings and enables
// interrupts, TX and RX.
func (a *Adapter) Up() error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.upLocked()
}

func (a *Adapter) upLocked() error {
	if a.up {
		return nil
	}
	if a.power != nil {
		if err := a.power.StartHW(); err != nil {
			return fmt.Errorf("failed to start hardware: %w", err)
		}
	}
	if err := a.probe(); err != nil {
		a.stopHW()
		return err
	}

	a.resetMAC()
	if err := a.bootFirmware(); err != nil {
		a.stopHW()
		return err
	}
	if err := a.initQueues(); err != nil {
		a.fwLoaded = false
		a.stopHW()
		return err
	}

	a.enableIRQs()
	for _, cmd := range []uint16{CMD_ENABLE_RX, CMD_ENABLE_TX} {
		if err := a.issueCommandLocked(cmd, nil, 0); err != nil {
			a.disableIRQs()
			a.fwLoaded = false
			a.stopHW()
			return err
		}
	}

	a.up = true
	a.suspended = false
	if a.queue != nil {
		a.queue.WakeQueue()
	}
	a.log.Info("adapter up", "txDescs", a.tx.Count(), "rxDescs", a.rx.Count(),
		"txBlocks", a.pool.Total(), "blockSize", a.pool.BlockSize())
	return nil
}

// probe checks that something answers behind the window.
func (a *Adapter) probe() error {
	if a.regs.Read16(REG_IRQ_STATUS_CLEAR) == 0xffff && a.regs.Read32(REG_SLV_MEM_CTL) == 0xffffffff {
		return NewError(KindNoDevice, "probe").WithCause("register window reads all ones")
	}
	return nil
}

// resetMAC pulses soft reset and leaves the eCPU halted.
func (a *Adapter) resetMAC() {
	a.regs.Set16(REG_SOFT_RESET, 1)
	a.regs.Clear16(REG_SOFT_RESET, 1)
	a.mem.forgetMode()
	a.regs.Set16(REG_ECPU_CTRL, ECPU_CTRL_HALT)
	a.regs.Write16(REG_IRQ_MASK, IRQ_MASK_ALL)
	a.irqMask = IRQ_MASK_ALL
	a.irqsActive = false
	a.fwLoaded = false
}

// bootFirmware uploads the image with the eCPU halted, applies the errata
// patch, releases the eCPU and waits for its boot signal. A missing boot
// signal repeats the whole sequence up to BootRetries times.
func (a *Adapter) bootFirmware() error {
	offset := DeviceAddr(a.opts.FirmwareOffset)

	var err error
	for try := 1; try <= a.opts.BootRetries; try++ {
		a.regs.Set16(REG_ECPU_CTRL, ECPU_CTRL_HALT)
		if err = a.loader.Load(a.firmware, offset); err != nil {
			return err
		}
		a.loader.ApplyErrata(a.firmware, &a.opts.Errata)

		a.regs.Write16(REG_IRQ_ACK, IRQ_MASK_ALL)
		a.regs.Clear16(REG_ECPU_CTRL, ECPU_CTRL_HALT)
		if err = a.waitBoot(); err == nil {
			break
		}
		a.log.Info("eCPU did not signal boot", "attempt", try, "error", err.Error())
	}
	if err != nil {
		return err
	}

	a.cmdArea = DeviceAddr(a.regs.Read32(REG_CMD_MAILBOX_OFFS))
	a.infoArea = DeviceAddr(a.regs.Read32(REG_INFO_MAILBOX_OFFS))
	if a.cmdArea == 0 {
		return NewError(KindNotLoaded, "firmware boot").WithCause("command mailbox offset is zero")
	}
	a.fwLoaded = true
	a.log.V(1).Info("firmware running", "cmdMailbox", a.cmdArea, "infoMailbox", a.infoArea)
	return nil
}

func (a *Adapter) waitBoot() error {
	deadline := time.Now().Add(a.opts.BootTimeout)
	for {
		if a.regs.Read16(REG_IRQ_STATUS_NON_DES)&HOST_INT_FCS_THRESHOLD != 0 {
			a.regs.Write16(REG_IRQ_ACK, HOST_INT_FCS_THRESHOLD)
			return nil
		}
		if !time.Now().Before(deadline) {
			return NewError(KindTimeout, "firmware boot").WithCause("no boot signal after %s", a.opts.BootTimeout)
		}
		a.sleepUnlocked(a.opts.CmdPollInterval)
	}
}

// MemoryMap is the device memory layout reported by the firmware.
type MemoryMap struct {
	CodeStart           uint32
	CodeEnd             uint32
	WEPCacheStart       uint32
	WEPCacheEnd         uint32
	PacketTemplateStart uint32
	PacketTemplateEnd   uint32
	QueueStart          uint32
	QueueEnd            uint32
	PoolStart           uint32
	PoolEnd             uint32
}

func decodeMemoryMap(b []byte) MemoryMap {
	u := func(i int) uint32 { return binary.LittleEndian.Uint32(b[i*4:]) }
	return MemoryMap{
		CodeStart: u(0), CodeEnd: u(1),
		WEPCacheStart: u(2), WEPCacheEnd: u(3),
		PacketTemplateStart: u(4), PacketTemplateEnd: u(5),
		QueueStart: u(6), QueueEnd: u(7),
		PoolStart: u(8), PoolEnd: u(9),
	}
}

// initQueues asks the firmware where its queue and pool memory lives,
// places both rings there and splits the pool between TX and RX.
func (a *Adapter) initQueues() error {
	buf := make([]byte, 4+MemoryMapLen)
	if err := a.interrogateLocked(IE_MEMORY_MAP, buf); err != nil {
		return err
	}
	mm := decodeMemoryMap(buf[4:])
	a.memMap = mm

	rxBase := DeviceAddr(mm.QueueStart)
	txBase := rxBase + DeviceAddr(a.opts.RxCount*DescStride)
	txEnd := txBase + DeviceAddr(a.opts.TxCount*DescStride)
	if mm.QueueStart == 0 || uint32(txEnd) > mm.QueueEnd {
		return NewError(KindLogic, "queue setup").
			WithCause("%d+%d descriptors do not fit queue memory 0x%x-0x%x", a.opts.RxCount, a.opts.TxCount, mm.QueueStart, mm.QueueEnd)
	}

	bs := a.opts.BlockSize
	poolStart := (mm.PoolStart + bs - 1) &^ (bs - 1)
	if poolStart >= mm.PoolEnd {
		return NewError(KindLogic, "queue setup").WithCause("empty buffer pool 0x%x-0x%x", mm.PoolStart, mm.PoolEnd)
	}
	blocks := int((mm.PoolEnd - poolStart) / bs)
	txBlocks := blocks * a.opts.TxPoolShare / 100
	rxBlocks := blocks - txBlocks
	if txBlocks == 0 || rxBlocks == 0 {
		return NewError(KindLogic, "queue setup").WithCause("%d blocks cannot be split %d%% for TX", blocks, a.opts.TxPoolShare)
	}
	rxPool := poolStart + uint32(txBlocks)*bs

	pool, err := NewTxBufferPool(a.mem, a.log.WithName("txbuf"), DeviceAddr(poolStart), bs, txBlocks)
	if err != nil {
		return err
	}
	a.pool = pool
	a.pool.Init()
	a.tx = newTxRing(a.mem, a.regs, a.pool, txBase, a.opts, a.log.WithName("tx"), a.metrics, a.queue, a.rate, a.schedule)
	a.tx.Init()
	a.rx = newRxRing(a.mem, a.regs, rxBase, a.opts.RxCount, a.log.WithName("rx"), a.metrics, a.queue)
	a.rx.Init()

	qc := make([]byte, 4+QueueConfigLen)
	binary.LittleEndian.PutUint32(qc[4:], uint32(rxBase))
	binary.LittleEndian.PutUint32(qc[8:], uint32(a.opts.RxCount))
	binary.LittleEndian.PutUint32(qc[12:], uint32(txBase))
	binary.LittleEndian.PutUint32(qc[16:], uint32(a.opts.TxCount))
	binary.LittleEndian.PutUint32(qc[20:], DescStride)
	if err := a.configureLocked(IE_QUEUE_CONFIG, qc); err != nil {
		return err
	}

	mc := make([]byte, 4+MemoryConfigLen)
	binary.LittleEndian.PutUint32(mc[4:], bs)
	binary.LittleEndian.PutUint32(mc[8:], rxPool)
	binary.LittleEndian.PutUint32(mc[12:], uint32(rxBlocks))
	if err := a.configureLocked(IE_MEMORY_CONFIG, mc); err != nil {
		return err
	}

	a.log.V(1).Info("queues configured", "rxRing", rxBase, "txRing", txBase,
		"txPool", DeviceAddr(poolStart), "txBlocks", txBlocks, "rxPool", DeviceAddr(rxPool), "rxBlocks", rxBlocks)
	return nil
}

func (a *Adapter) enableIRQs() {
	a.regs.Write16(REG_IRQ_ACK, IRQ_MASK_ALL)
	a.irqMask = ^IRQ_SERVICED
	a.regs.Write16(REG_IRQ_MASK, a.irqMask)
	a.irqsActive = true
	a.irqQuantumStart = time.Now()
	a.irqLoops = 0
}

func (a *Adapter) disableIRQs() {
	a.regs.Write16(REG_IRQ_MASK, IRQ_MASK_ALL)
	a.irqMask = IRQ_MASK_ALL
	a.irqsActive = false
}

func (a *Adapter) stopHW() {
	if a.power == nil {
		return
	}
	if err := a.power.StopHW(); err != nil {
		a.log.Error(err, "failed to stop hardware")
	}
}

// Down stops TX and RX, masks interrupts, flushes the TX ring and powers
// the card off. In-flight frames are dropped.
func (a *Adapter) Down() error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.downLocked()
}

func (a *Adapter) downLocked() error {
	if !a.up {
		return nil
	}
	if a.queue != nil {
		a.queue.StopQueue()
	}
	for _, cmd := range []uint16{CMD_DISABLE_TX, CMD_DISABLE_RX} {
		if err := a.issueCommandLocked(cmd, nil, 0); err != nil {
			a.log.Info("failed to quiesce device", "command", fmt.Sprintf("0x%02x", cmd), "error", err.Error())
		}
	}
	a.disableIRQs()
	a.tx.CleanEmergency()
	a.up = false
	a.fwLoaded = false
	a.stopHW()
	a.log.Info("adapter down")
	return nil
}

// Suspend brings the adapter down and remembers that it should come back
// on Resume.
func (a *Adapter) Suspend() error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.up {
		return nil
	}
	if err := a.downLocked(); err != nil {
		return err
	}
	a.suspended = true
	return nil
}

// Resume reloads the firmware and restores the adapter after Suspend.
func (a *Adapter) Resume() error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.suspended {
		return nil
	}
	return a.upLocked()
}

// Reset reloads the firmware and rebuilds the rings.
func (a *Adapter) Reset() error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log.Info("resetting adapter")
	if err := a.downLocked(); err != nil {
		return err
	}
	return a.upLocked()
}

// Transmit queues one 802.11 frame. It returns false without error when
// no descriptor or buffer space is available.
func (a *Adapter) Transmit(frame []byte) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.up {
		return false, NewError(KindNotUp, "transmit")
	}
	h, ok := a.tx.Alloc()
	if !ok {
		a.metrics.TxDropped.Inc()
		return false, nil
	}
	outcome, err := a.tx.Submit(h, frame, DefaultTxRate)
	return outcome == TxQueued, err
}

// Stats is a snapshot of the engine state.
type Stats struct {
	Up             bool
	FirmwareLoaded bool
	IRQsActive     bool
	IRQMask        uint16
	TxFree         int
	TxOutstanding  int
	TxHead         int
	TxTail         int
	TxBlocksFree   int
	TxBlocksTotal  int
	RxTail         int
	Memory         MemoryMap
}

func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		Up:             a.up,
		FirmwareLoaded: a.fwLoaded,
		IRQsActive:     a.irqsActive,
		IRQMask:        a.irqMask,
		Memory:         a.memMap,
	}
	if a.tx != nil {
		s.TxFree = a.tx.Free()
		s.TxOutstanding = a.tx.Count() - a.tx.Free()
		s.TxHead = a.tx.Head()
		s.TxTail = a.tx.Tail()
		s.TxBlocksFree = a.pool.Free()
		s.TxBlocksTotal = a.pool.Total()
	}
	if a.rx != nil {
		s.RxTail = a.rx.Tail()
	}
	return s
}

// VerifyPool checks the device-resident TX buffer free list.
func (a *Adapter) VerifyPool() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool == nil {
		return NewError(KindNotUp, "verify pool")
	}
	return a.pool.Verify()
}
