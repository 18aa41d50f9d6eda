package acx_test

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"example.com/slavewlan/core_engine/acx"
	"example.com/slavewlan/core_engine/devices"
)

func rxCtl(c *testCard, index int) byte {
	return byte(c.device.Word(devices.ACX_QUEUE_START + uint32(index*acx.DescStride) + 0x18))
}

func TestReceiveDeliversFrames(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()

	small := dataFrame(60, 1)
	large := dataFrame(1500, 2)
	g.Expect(c.device.InjectFrame(small)).To(Succeed())
	g.Expect(c.device.InjectFrame(large)).To(Succeed())

	g.Eventually(c.queue.Frames, time.Second, time.Millisecond).Should(HaveLen(2))
	frames := c.queue.Frames()
	g.Expect(frames[0]).To(Equal(small))
	g.Expect(frames[1]).To(Equal(large))

	c.queue.mu.Lock()
	status := c.queue.status[1]
	c.queue.mu.Unlock()
	g.Expect(status.MacCount).To(Equal(uint16(1500)))
	g.Expect(status.SNR).To(Equal(byte(40)))
	g.Expect(status.Level).To(Equal(byte(60)))

	// Both chains go back to the card's pool and the descriptors are free.
	g.Eventually(c.device.RxFreeBlocks, time.Second, time.Millisecond).Should(Equal(48))
	g.Expect(rxCtl(c, 0)).To(BeZero())
	g.Expect(rxCtl(c, 1)).To(BeZero())
	g.Expect(c.adapter.Stats().RxTail).To(Equal(2))
	g.Expect(testutil.ToFloat64(c.adapter.Metrics().RxFrames)).To(Equal(2.0))
}

func TestReceiveWrapsTheRing(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()

	for i := 0; i < 40; i++ {
		g.Eventually(func() error { return c.device.InjectFrame(dataFrame(100, byte(i))) },
			time.Second, time.Millisecond).Should(Succeed())
	}
	g.Eventually(c.queue.Frames, time.Second, time.Millisecond).Should(HaveLen(40))
	for i, f := range c.queue.Frames() {
		g.Expect(f).To(Equal(dataFrame(100, byte(i))))
	}
	g.Expect(c.adapter.Stats().RxTail).To(Equal(40 % 16))
}

func TestReceiveOutOfOrder(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()

	// The card fills descriptor 3 first; the host finds it by probing.
	g.Expect(c.device.InjectFrameAt(3, dataFrame(80, 3))).To(Succeed())
	g.Eventually(c.queue.Frames, time.Second, time.Millisecond).Should(HaveLen(1))
	g.Expect(c.adapter.Stats().RxTail).To(Equal(4))
}

func TestReceiveReclaimOnly(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()

	g.Expect(c.device.InjectReclaim()).To(Succeed())
	g.Eventually(func() float64 {
		return testutil.ToFloat64(c.adapter.Metrics().RxReclaimOnly)
	}, time.Second, time.Millisecond).Should(Equal(1.0))
	g.Expect(c.queue.Frames()).To(BeEmpty())
	g.Eventually(func() byte { return rxCtl(c, 0) }, time.Second, time.Millisecond).Should(BeZero())
}

func TestReceiveReleaseWaitsForTheCard(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()
	c.device.SetFaults(devices.DeviceFaults{RxHoldReclaim: true})

	g.Expect(c.device.InjectFrame(dataFrame(100, 1))).To(Succeed())
	g.Eventually(c.queue.Frames, time.Second, time.Millisecond).Should(HaveLen(1))

	// Released by the host but not yet reclaimed by the card.
	ctl := rxCtl(c, 0)
	g.Expect(ctl & acx.DESC_CTL_HOSTOWN).To(BeZero())
	g.Expect(ctl & acx.DESC_CTL_HOSTDONE).NotTo(BeZero())
	g.Expect(ctl & acx.DESC_CTL_RECLAIM).NotTo(BeZero())
	g.Expect(c.device.RxFreeBlocks()).To(Equal(47))

	// The card cannot refill a descriptor it has not reclaimed.
	for i := 1; i < 16; i++ {
		g.Expect(c.device.InjectFrame(dataFrame(100, byte(i)))).To(Succeed())
	}
	g.Expect(c.device.InjectFrame(dataFrame(100, 99))).To(MatchError(devices.ErrRxRingFull))

	g.Eventually(c.queue.Frames, time.Second, time.Millisecond).Should(HaveLen(16))
	g.Expect(c.device.RxFreeBlocks()).To(Equal(32))
}

func TestReceiveNotDeliveredWhenDown(t *testing.T) {
	g := NewWithT(t)
	c := newTestCard(t, testOptions(), testFirmware(t))
	c.up()
	g.Expect(c.adapter.Down()).To(Succeed())

	g.Expect(c.device.InjectFrame(dataFrame(100, 1))).To(MatchError(devices.ErrRxDisabled))
	g.Consistently(c.queue.Frames, 20*time.Millisecond).Should(BeEmpty())
}
