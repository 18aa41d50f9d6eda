package acx_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	. "github.com/onsi/gomega"

	"example.com/slavewlan/core_engine/acx"
	"example.com/slavewlan/core_engine/devices"
	"example.com/slavewlan/core_engine/network"
)

// MockQueue records what the engine hands to the upper layer.
type MockQueue struct {
	mu     sync.Mutex
	frames [][]byte
	status []acx.RxStatus
	stops  int
	wakes  int
}

func (q *MockQueue) Receive(frame []byte, status acx.RxStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, frame)
	q.status = append(q.status, status)
}

func (q *MockQueue) StopQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stops++
}

func (q *MockQueue) WakeQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wakes++
}

func (q *MockQueue) Frames() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.frames...)
}

func (q *MockQueue) Stops() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stops
}

// MockRateReporter records TX reports.
type MockRateReporter struct {
	mu      sync.Mutex
	reports []txReport
}

type txReport struct {
	rate    uint16
	errCode byte
}

func (r *MockRateReporter) TxReport(rate uint16, ackFailures, rtsFailures, rtsOK, errCode byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, txReport{rate: rate, errCode: errCode})
}

func (r *MockRateReporter) Reports() []txReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]txReport(nil), r.reports...)
}

func testOptions() *acx.Options {
	opts := acx.DefaultOptions()
	opts.LatchDelay = 0
	opts.FirmwareRetryPause = time.Millisecond
	opts.CmdPollInterval = time.Millisecond
	opts.BootTimeout = 50 * time.Millisecond
	return opts
}

func testFirmwarePayload() []byte {
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i*13 + 1)
	}
	return payload
}

func testFirmware(t *testing.T) *acx.FirmwareImage {
	t.Helper()
	img, err := acx.ParseFirmware("test.bin", acx.BuildFirmware(testFirmwarePayload()))
	if err != nil {
		t.Fatalf("ParseFirmware: %v", err)
	}
	return img
}

// testCard is an adapter driving an emulated card through the I/O bus.
type testCard struct {
	t       *testing.T
	bus     *devices.IOBus
	device  *devices.ACXDevice
	irq     *devices.IRQLine
	air     *network.Medium
	adapter *acx.Adapter
	queue   *MockQueue
	rate    *MockRateReporter

	ctx    context.Context
	wg     sync.WaitGroup
	worker bool
}

func newTestCard(t *testing.T, opts *acx.Options, fw *acx.FirmwareImage) *testCard {
	t.Helper()
	g := NewWithT(t)
	log := testr.New(t)

	c := &testCard{
		t:     t,
		irq:   devices.NewIRQLine(devices.ACX_IRQ),
		air:   network.NewMedium(16),
		queue: &MockQueue{},
		rate:  &MockRateReporter{},
	}
	var err error
	c.device, err = devices.NewACXDevice(opts.Revision, c.air.A(), c.irq, log.WithName("card"))
	g.Expect(err).NotTo(HaveOccurred())
	c.bus = devices.NewIOBus(log.WithName("bus"))
	g.Expect(c.bus.RegisterDevice(0, acx.WindowSize, c.device)).To(Succeed())

	c.adapter, err = acx.NewAdapter(acx.Config{
		Window:       c.bus,
		Power:        c.device,
		Queue:        c.queue,
		RateReporter: c.rate,
		Firmware:     fw,
		Options:      opts,
		Log:          log,
	})
	g.Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.adapter.ServeInterrupts(ctx, c.irq.C())
	}()
	t.Cleanup(func() {
		c.adapter.Down()
		cancel()
		c.wg.Wait()
	})
	return c
}

// startWorker runs the deferred task worker for the rest of the test.
func (c *testCard) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.adapter.RunWorker(c.ctx)
	}()
}

func (c *testCard) up() {
	c.t.Helper()
	if err := c.adapter.Up(); err != nil {
		c.t.Fatalf("Up: %v", err)
	}
}

// dataFrame builds an 802.11 data frame of n bytes.
func dataFrame(n int, seed byte) []byte {
	f := make([]byte, n)
	f[0] = 0x08
	for i := acx.WLAN_HDR_A3_LEN; i < n; i++ {
		f[i] = seed + byte(i)
	}
	return f
}
