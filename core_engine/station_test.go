package core_engine_test

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"example.com/slavewlan/core_engine"
	"example.com/slavewlan/core_engine/acx"
	"example.com/slavewlan/core_engine/network"
)

var (
	hostMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	cellID  = net.HardwareAddr{0x02, 0xac, 0x00, 0x00, 0x00, 0x99}
)

func ethernetFrame(dst, src net.HardwareAddr, payload string) []byte {
	f := make([]byte, network.EthHeaderLen+len(payload))
	copy(f[0:6], dst)
	copy(f[6:12], src)
	binary.BigEndian.PutUint16(f[12:], 0x0800)
	copy(f[network.EthHeaderLen:], payload)
	return f
}

// readFrame polls an interface until a frame arrives.
func readFrame(iface network.HostNetInterface) []byte {
	var got []byte
	Eventually(func() []byte {
		got, _ = iface.ReadPacket()
		return got
	}, 2*time.Second).ShouldNot(BeNil())
	return got
}

var _ = Describe("Station", func() {
	var (
		host, air *network.Medium
		registry  *prometheus.Registry
		station   *core_engine.Station
		cancel    context.CancelFunc
		done      chan error
	)

	BeforeEach(func() {
		host = network.NewMedium(16)
		air = network.NewMedium(16)
		registry = prometheus.NewRegistry()

		opts := acx.DefaultOptions()
		opts.LatchDelay = 0
		opts.CmdPollInterval = time.Millisecond
		opts.FirmwareRetryPause = time.Millisecond
		opts.BootTimeout = 100 * time.Millisecond

		payload := make([]byte, 2048)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		fw, err := acx.ParseFirmware("station.bin", acx.BuildFirmware(payload))
		Expect(err).NotTo(HaveOccurred())

		station, err = core_engine.NewStation(core_engine.StationConfig{
			Options:  opts,
			Firmware: fw,
			BSSID:    cellID,
			Host:     host.A(),
			Air:      air.A(),
			Log:      testLog,
			Registry: registry,
		})
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- station.Run(ctx)
		}()

		Eventually(func() bool { return station.Adapter().Stats().Up }, 2*time.Second).Should(BeTrue())
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		Expect(station.Close()).To(Succeed())
	})

	It("bridges host Ethernet frames onto the air", func() {
		eth := ethernetFrame(peerMAC, hostMAC, "hello over the air")
		Expect(host.B().WritePacket(eth)).To(Succeed())

		wlan := readFrame(air.B())
		Expect(binary.LittleEndian.Uint16(wlan[0:2])).To(Equal(uint16(0x0008)))
		Expect(net.HardwareAddr(wlan[16:22])).To(Equal(cellID))

		back, err := network.WlanToEther(wlan)
		Expect(err).NotTo(HaveOccurred())
		Expect(back).To(Equal(eth))

		Eventually(func() int { return station.Adapter().Stats().TxFree }).Should(Equal(16))
		Expect(station.Device().Stats().TxFrames).To(Equal(1))
	})

	It("delivers frames from the air to the host", func() {
		peer, err := network.NewFramer(cellID)
		Expect(err).NotTo(HaveOccurred())
		eth := ethernetFrame(hostMAC, peerMAC, "hello from a peer")
		wlan, err := peer.EtherToWlan(eth)
		Expect(err).NotTo(HaveOccurred())

		Expect(air.B().WritePacket(wlan)).To(Succeed())
		Expect(readFrame(host.B())).To(Equal(eth))
		Expect(station.Device().Stats().RxFrames).To(Equal(1))
	})

	It("drops received frames that are not data", func() {
		beacon := make([]byte, network.WlanHeaderLen+12)
		beacon[0] = 0x80
		Expect(air.B().WritePacket(beacon)).To(Succeed())

		Eventually(func() int { return station.Device().Stats().RxFrames }).Should(Equal(1))
		Consistently(func() []byte {
			p, _ := host.B().ReadPacket()
			return p
		}, 50*time.Millisecond).Should(BeNil())
	})

	It("keeps bridging across a firmware reload", func() {
		station.Adapter().Schedule(acx.TaskReloadFirmware)
		Eventually(func() int { return station.Device().Stats().Boots }, 2*time.Second).Should(Equal(2))
		Eventually(func() bool { return station.Adapter().Stats().Up }, 2*time.Second).Should(BeTrue())

		eth := ethernetFrame(peerMAC, hostMAC, "after reload")
		Expect(host.B().WritePacket(eth)).To(Succeed())
		back, err := network.WlanToEther(readFrame(air.B()))
		Expect(err).NotTo(HaveOccurred())
		Expect(back).To(Equal(eth))
	})

	It("exports engine metrics", func() {
		families, err := registry.Gather()
		Expect(err).NotTo(HaveOccurred())
		var names []string
		for _, f := range families {
			names = append(names, f.GetName())
		}
		Expect(names).To(ContainElements("acx_tx_free_descriptors", "acx_firmware_upload_attempts_total"))
	})

	It("takes the card down when stopped", func() {
		cancel()
		Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		done <- nil

		Expect(station.Adapter().Stats().Up).To(BeFalse())
		rx, tx := station.Device().Enabled()
		Expect(rx).To(BeFalse())
		Expect(tx).To(BeFalse())
	})
})

var _ = Describe("NewStation", func() {
	It("requires a host interface", func() {
		_, err := core_engine.NewStation(core_engine.StationConfig{Log: testLog})
		Expect(err).To(MatchError(ContainSubstring("host interface")))
	})

	It("rejects a malformed BSSID", func() {
		_, err := core_engine.NewStation(core_engine.StationConfig{
			Host:  network.NewMedium(1).A(),
			BSSID: net.HardwareAddr{1, 2},
			Log:   testLog,
		})
		Expect(err).To(HaveOccurred())
	})
})
