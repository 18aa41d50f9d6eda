package core_engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"example.com/slavewlan/core_engine/acx"
	"example.com/slavewlan/core_engine/devices"
	"example.com/slavewlan/core_engine/network"
)

// StationConfig describes one wireless station: a card behind a register
// window and the host-side network interface its frames are bridged to.
type StationConfig struct {
	Options  *acx.Options
	Firmware *acx.FirmwareImage
	BSSID    net.HardwareAddr

	// Host carries Ethernet frames to and from the host stack.
	Host network.HostNetInterface

	// Window is a mapped card. When nil an emulated card is built and Air
	// is its radio side.
	Window   acx.RegisterWindow
	Power    acx.PowerControl
	Air      network.HostNetInterface
	IRQPoll  time.Duration // status poll period for a mapped card
	Log      logr.Logger
	Registry prometheus.Registerer
}

// Station bridges a host network interface to a slave-memory card.
type Station struct {
	bus     *devices.IOBus
	device  *devices.ACXDevice
	irq     *devices.IRQLine
	adapter *acx.Adapter
	framer  *network.Framer
	host    network.HostNetInterface
	air     network.HostNetInterface
	irqPoll time.Duration
	log     logr.Logger

	mu      sync.Mutex
	stopped bool
	wake    chan struct{}

	hostDrops int
}

// NewStation builds the card, the engine and the bridge. Nothing touches
// the card until Run.
func NewStation(cfg StationConfig) (*Station, error) {
	if cfg.Host == nil {
		return nil, fmt.Errorf("station needs a host interface")
	}
	opts := cfg.Options
	if opts == nil {
		opts = acx.DefaultOptions()
	}
	bssid := cfg.BSSID
	if bssid == nil {
		bssid = net.HardwareAddr{0x02, 0x00, 0x00, 0xac, 0x10, 0x00}
	}
	framer, err := network.NewFramer(bssid)
	if err != nil {
		return nil, err
	}

	s := &Station{
		framer:  framer,
		host:    cfg.Host,
		air:     cfg.Air,
		irqPoll: cfg.IRQPoll,
		log:     cfg.Log.WithName("station"),
		wake:    make(chan struct{}, 1),
	}
	if s.irqPoll <= 0 {
		s.irqPoll = time.Millisecond
	}

	window, power := cfg.Window, cfg.Power
	if window == nil {
		s.irq = devices.NewIRQLine(devices.ACX_IRQ)
		s.device, err = devices.NewACXDevice(opts.Revision, cfg.Air, s.irq, cfg.Log.WithName("card"))
		if err != nil {
			return nil, err
		}
		s.bus = devices.NewIOBus(cfg.Log.WithName("bus"))
		if err := s.bus.RegisterDevice(0, acx.WindowSize, s.device); err != nil {
			return nil, err
		}
		window, power = s.bus, s.device
	}

	s.adapter, err = acx.NewAdapter(acx.Config{
		Window:     window,
		Power:      power,
		Queue:      stationQueue{s},
		Firmware:   cfg.Firmware,
		Options:    opts,
		Log:        cfg.Log,
		Registerer: cfg.Registry,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Station) Adapter() *acx.Adapter { return s.adapter }

// Device is the emulated card, or nil for a mapped one.
func (s *Station) Device() *devices.ACXDevice { return s.device }

// Run brings the adapter up and bridges frames until ctx is done, then
// takes it down again. Interrupt service outlives ctx so the shutdown
// commands still complete.
func (s *Station) Run(ctx context.Context) error {
	irqCtx, stopIRQ := context.WithCancel(context.WithoutCancel(ctx))
	var irqs errgroup.Group
	irqs.Go(func() error {
		return s.adapter.ServeInterrupts(irqCtx, s.interruptLine(irqCtx))
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.adapter.RunWorker(gctx)
	})
	if s.device != nil {
		g.Go(func() error {
			return s.device.ServeAir(gctx)
		})
	}
	g.Go(func() error {
		if err := s.adapter.Up(); err != nil {
			return fmt.Errorf("failed to bring adapter up: %w", err)
		}
		s.log.Info("station running", "adapter", s.adapter.ID)
		return s.pumpHost(gctx)
	})

	err := g.Wait()
	if derr := s.adapter.Down(); derr != nil {
		s.log.Error(derr, "failed to take adapter down")
	}
	stopIRQ()
	_ = irqs.Wait()
	return err
}

// interruptLine is the emulated card's IRQ line, or a ticker that makes
// the dispatcher poll a mapped card's status register.
func (s *Station) interruptLine(ctx context.Context) <-chan struct{} {
	if s.irq != nil {
		return s.irq.C()
	}
	ch := make(chan struct{}, 1)
	go func() {
		t := time.NewTicker(s.irqPoll)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

// pumpHost moves frames from the host interface to the card, holding off
// while the engine has stopped the queue.
func (s *Station) pumpHost(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.queueStopped() {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		eth, err := s.host.ReadPacket()
		if err != nil {
			s.log.V(1).Info("host read failed", "error", err.Error())
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if len(eth) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		frame, err := s.framer.EtherToWlan(eth)
		if err != nil {
			s.log.V(1).Info("dropping host frame", "len", len(eth), "error", err.Error())
			continue
		}
		queued, err := s.adapter.Transmit(frame)
		switch {
		case errors.Is(err, acx.ErrNotUp):
			// A firmware reload is in progress.
			time.Sleep(10 * time.Millisecond)
		case err != nil:
			s.log.V(1).Info("transmit failed", "len", len(frame), "error", err.Error())
		case !queued:
			s.mu.Lock()
			s.hostDrops++
			s.mu.Unlock()
		}
	}
}

func (s *Station) queueStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// HostDrops counts host frames the card had no room for.
func (s *Station) HostDrops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostDrops
}

// Close releases the host and radio interfaces.
func (s *Station) Close() error {
	var errs []error
	if err := s.host.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.air != nil {
		if err := s.air.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stationQueue is the engine's upper layer. It runs under the adapter lock.
type stationQueue struct{ s *Station }

func (q stationQueue) Receive(frame []byte, status acx.RxStatus) {
	eth, err := network.WlanToEther(frame)
	if err != nil {
		q.s.log.V(1).Info("dropping received frame", "len", len(frame), "snr", status.SNR, "error", err.Error())
		return
	}
	if err := q.s.host.WritePacket(eth); err != nil {
		q.s.log.V(1).Info("host write failed", "error", err.Error())
	}
}

func (q stationQueue) StopQueue() {
	q.s.mu.Lock()
	q.s.stopped = true
	q.s.mu.Unlock()
}

func (q stationQueue) WakeQueue() {
	q.s.mu.Lock()
	q.s.stopped = false
	q.s.mu.Unlock()
	select {
	case q.s.wake <- struct{}{}:
	default:
	}
}
