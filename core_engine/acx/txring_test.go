package acx_test

import (
	"errors"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"example.com/slavewlan/core_engine/acx"
	"example.com/slavewlan/core_engine/devices"
)

func smallRingOptions() *acx.Options {
	opts := testOptions()
	opts.TxCount = 4
	opts.TxStopQueue = 1
	opts.TxStartQueue = 2
	opts.TxStartClean = 3
	return opts
}

func TestTransmitReachesTheAir(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()
	c.startWorker()

	frame := dataFrame(1000, 7)
	ok, err := c.adapter.Transmit(frame)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())

	got, err := c.air.B().ReadPacket()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got).To(Equal(frame))

	// The completion is cleaned by the worker and every block comes back.
	g.Eventually(func() int { return c.adapter.Stats().TxFree }, time.Second, time.Millisecond).Should(Equal(16))
	g.Eventually(func() int { return c.adapter.Stats().TxBlocksFree }, time.Second, time.Millisecond).Should(Equal(48))
	g.Expect(c.adapter.VerifyPool()).To(Succeed())

	reports := c.rate.Reports()
	g.Expect(reports).To(HaveLen(1))
	g.Expect(reports[0].rate).To(Equal(uint16(acx.DefaultTxRate)))
	g.Expect(reports[0].errCode).To(BeZero())
	g.Expect(testutil.ToFloat64(c.adapter.Metrics().TxFrames)).To(Equal(1.0))
}

func TestTransmitLargestFrame(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()
	c.startWorker()

	frame := dataFrame(acx.WLAN_A4FR_MAXLEN, 3)
	ok, err := c.adapter.Transmit(frame)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())

	got, err := c.air.B().ReadPacket()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got).To(Equal(frame))
}

func TestTransmitHeldUsesBlocks(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()
	c.device.SetFaults(devices.DeviceFaults{TxHold: true})

	ok, err := c.adapter.Transmit(dataFrame(1000, 1))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())

	s := c.adapter.Stats()
	g.Expect(s.TxFree).To(Equal(15))
	g.Expect(s.TxOutstanding).To(Equal(1))
	g.Expect(s.TxHead).To(Equal(1))
	// 1000 bytes over 252 usable bytes per block.
	g.Expect(s.TxBlocksFree).To(Equal(44))
	g.Expect(c.adapter.VerifyPool()).To(Succeed())
}

func TestTransmitRingFull(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, smallRingOptions(), testFirmware(t))
	c.up()
	c.device.SetFaults(devices.DeviceFaults{TxHold: true})

	for i := 0; i < 4; i++ {
		ok, err := c.adapter.Transmit(dataFrame(100, byte(i)))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue(), "frame %d", i)
	}
	ok, err := c.adapter.Transmit(dataFrame(100, 9))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())

	s := c.adapter.Stats()
	g.Expect(s.TxFree).To(BeZero())
	g.Expect(s.TxOutstanding).To(Equal(4))
	g.Expect(c.queue.Stops()).To(BeNumerically(">=", 1))
	g.Expect(testutil.ToFloat64(c.adapter.Metrics().TxDropped)).To(Equal(1.0))
}

func TestTransmitResumesAfterHold(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()
	c.startWorker()
	c.device.SetFaults(devices.DeviceFaults{TxHold: true})

	for i := 0; i < 2; i++ {
		ok, err := c.adapter.Transmit(dataFrame(200, byte(i)))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue())
	}
	g.Expect(c.adapter.Stats().TxOutstanding).To(Equal(2))

	c.device.SetFaults(devices.DeviceFaults{})
	ok, err := c.adapter.Transmit(dataFrame(200, 2))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())

	g.Eventually(func() int { return c.adapter.Stats().TxFree }, time.Second, time.Millisecond).Should(Equal(16))
	g.Expect(c.device.Stats().TxFrames).To(Equal(3))
	s := c.adapter.Stats()
	g.Expect(s.TxTail).To(Equal(s.TxHead))

	// Cleaning again finds nothing and leaves the pool intact.
	c.adapter.Schedule(acx.TaskTxCleanup)
	g.Consistently(func() int { return c.adapter.Stats().TxBlocksFree }, 50*time.Millisecond).Should(Equal(48))
	g.Expect(c.adapter.Stats().TxFree).To(Equal(16))
	g.Expect(c.adapter.VerifyPool()).To(Succeed())
}

func TestTransmitTooShortRollsBack(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()

	ok, err := c.adapter.Transmit(make([]byte, 10))
	g.Expect(ok).To(BeFalse())
	g.Expect(errors.Is(err, acx.ErrFrameTooShort)).To(BeTrue(), "got %v", err)

	s := c.adapter.Stats()
	g.Expect(s.TxFree).To(Equal(16))
	g.Expect(s.TxHead).To(BeZero())
	g.Expect(s.TxOutstanding).To(BeZero())
	g.Expect(c.device.Stats().TxFrames).To(BeZero())
}

func TestTransmitTooLongIsALogicError(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()

	ok, err := c.adapter.Transmit(make([]byte, acx.WLAN_A4FR_MAXLEN+1))
	g.Expect(ok).To(BeFalse())
	g.Expect(errors.Is(err, acx.ErrLogic)).To(BeTrue(), "got %v", err)
	g.Expect(c.adapter.Stats().TxFree).To(Equal(16))
}

func TestTransmitNoBufferRollsBack(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()
	c.device.SetFaults(devices.DeviceFaults{TxHold: true})

	// Each maximum-size frame takes ten of the 48 blocks.
	for i := 0; i < 4; i++ {
		ok, err := c.adapter.Transmit(dataFrame(acx.WLAN_A4FR_MAXLEN, byte(i)))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue())
	}
	g.Expect(c.adapter.Stats().TxBlocksFree).To(Equal(8))

	ok, err := c.adapter.Transmit(dataFrame(acx.WLAN_A4FR_MAXLEN, 5))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())

	s := c.adapter.Stats()
	g.Expect(s.TxFree).To(Equal(12))
	g.Expect(s.TxHead).To(Equal(4))
	g.Expect(s.TxBlocksFree).To(Equal(8))
	g.Expect(c.adapter.VerifyPool()).To(Succeed())

	// A small frame still fits.
	ok, err = c.adapter.Transmit(dataFrame(100, 6))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())
}

func TestDownFlushesOutstandingFrames(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()
	c.device.SetFaults(devices.DeviceFaults{TxHold: true})

	for i := 0; i < 3; i++ {
		ok, err := c.adapter.Transmit(dataFrame(600, byte(i)))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue())
	}
	g.Expect(c.adapter.Down()).To(Succeed())

	s := c.adapter.Stats()
	g.Expect(s.TxFree).To(Equal(16))
	g.Expect(s.TxBlocksFree).To(Equal(48))
	g.Expect(s.TxTail).To(Equal(s.TxHead))
	g.Expect(testutil.ToFloat64(c.adapter.Metrics().TxEmergency)).To(Equal(1.0))
}

func TestTxRetryErrorsRecalibrate(t *testing.T) {
	g := NewWithT(t)
	opts := testOptions()
	opts.RecalibrateEvery = 2
	c := newTestCard(t, opts, testFirmware(t))
	c.up()
	c.startWorker()
	c.device.SetFaults(devices.DeviceFaults{TxError: acx.TX_ERR_RETRIES})

	for i := 0; i < 2; i++ {
		ok, err := c.adapter.Transmit(dataFrame(64, byte(i)))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue())
	}

	g.Eventually(func() int { return c.device.Stats().Calibrations }, time.Second, time.Millisecond).Should(Equal(1))
	g.Eventually(func() float64 {
		return testutil.ToFloat64(c.adapter.Metrics().TxErrors.WithLabelValues("0x20"))
	}).Should(Equal(2.0))
	for _, r := range c.rate.Reports() {
		g.Expect(r.errCode).To(Equal(acx.TX_ERR_RETRIES))
	}
}

func TestTxCompleteCleansInlineWhenLow(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, smallRingOptions(), testFirmware(t))
	c.up()

	// No worker: with TxStartClean at 3 every completion of a four entry
	// ring is cleaned by the interrupt handler itself.
	for i := 0; i < 8; i++ {
		g.Eventually(func() int { return c.adapter.Stats().TxFree }, time.Second, time.Millisecond).Should(BeNumerically(">=", 1))
		ok, err := c.adapter.Transmit(dataFrame(64, byte(i)))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue())
	}
	g.Eventually(func() int { return c.adapter.Stats().TxFree }, time.Second, time.Millisecond).Should(Equal(4))
	g.Expect(c.adapter.PendingTasks() & acx.TaskTxCleanup).To(BeZero())
}
