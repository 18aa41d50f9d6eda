// core_engine/network/wlan.go
package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

const (
	EthHeaderLen  = 14
	WlanHeaderLen = 24
	wlanA4Len     = 30
	llcSnapLen    = 8

	fcTypeData  uint16 = 0x0008
	fcTypeMask  uint16 = 0x000c
	fcToDS      uint16 = 0x0100
	fcFromDS    uint16 = 0x0200
	fcProtected uint16 = 0x4000

	etherTypeAARP uint16 = 0x80f3
	etherTypeIPX  uint16 = 0x8137
)

var (
	rfc1042Header = []byte{0xaa, 0xaa, 0x03, 0x00, 0x00, 0x00}
	bridgeTunnel  = []byte{0xaa, 0xaa, 0x03, 0x00, 0x00, 0xf8}
)

// Framer converts between the Ethernet frames the host stack exchanges and
// the 802.11 data frames the card sends. Frames are addressed as in an
// IBSS: no distribution system bits, BSSID in address 3.
type Framer struct {
	BSSID net.HardwareAddr
	seq   uint16
}

func NewFramer(bssid net.HardwareAddr) (*Framer, error) {
	if len(bssid) != 6 {
		return nil, fmt.Errorf("bssid %q is not a 48-bit address", bssid)
	}
	return &Framer{BSSID: bssid}, nil
}

// EtherToWlan wraps an Ethernet frame in an 802.11 data header with an
// LLC/SNAP encapsulation of its EtherType.
func (f *Framer) EtherToWlan(eth []byte) ([]byte, error) {
	if len(eth) < EthHeaderLen {
		return nil, fmt.Errorf("ethernet frame of %d bytes is truncated", len(eth))
	}
	dst, src := eth[0:6], eth[6:12]
	etherType := binary.BigEndian.Uint16(eth[12:14])
	payload := eth[EthHeaderLen:]

	out := make([]byte, WlanHeaderLen+llcSnapLen+len(payload))
	binary.LittleEndian.PutUint16(out[0:], fcTypeData)
	copy(out[4:10], dst)
	copy(out[10:16], src)
	copy(out[16:22], f.BSSID)
	binary.LittleEndian.PutUint16(out[22:], f.seq<<4)
	f.seq = (f.seq + 1) & 0x0fff

	snap := rfc1042Header
	if etherType == etherTypeAARP || etherType == etherTypeIPX {
		snap = bridgeTunnel
	}
	copy(out[WlanHeaderLen:], snap)
	binary.BigEndian.PutUint16(out[WlanHeaderLen+6:], etherType)
	copy(out[WlanHeaderLen+llcSnapLen:], payload)
	return out, nil
}

// WlanToEther strips the 802.11 header of a data frame and rebuilds the
// Ethernet header. Frames without an LLC/SNAP header get an 802.3 length
// field instead of an EtherType.
func WlanToEther(frame []byte) ([]byte, error) {
	if len(frame) < WlanHeaderLen {
		return nil, fmt.Errorf("802.11 frame of %d bytes is truncated", len(frame))
	}
	fc := binary.LittleEndian.Uint16(frame[0:2])
	if fc&fcTypeMask != fcTypeData {
		return nil, fmt.Errorf("frame control 0x%04x is not a data frame", fc)
	}
	if fc&fcProtected != 0 {
		return nil, fmt.Errorf("protected frames are not supported")
	}

	hdrLen := WlanHeaderLen
	var dst, src []byte
	switch fc & (fcToDS | fcFromDS) {
	case 0:
		dst, src = frame[4:10], frame[10:16]
	case fcToDS:
		dst, src = frame[16:22], frame[10:16]
	case fcFromDS:
		dst, src = frame[4:10], frame[16:22]
	default:
		if len(frame) < wlanA4Len {
			return nil, fmt.Errorf("4-address frame of %d bytes is truncated", len(frame))
		}
		hdrLen = wlanA4Len
		dst, src = frame[16:22], frame[24:30]
	}
	body := frame[hdrLen:]

	if len(body) >= llcSnapLen && (bytes.Equal(body[:6], rfc1042Header) || bytes.Equal(body[:6], bridgeTunnel)) {
		out := make([]byte, EthHeaderLen+len(body)-llcSnapLen)
		copy(out[0:6], dst)
		copy(out[6:12], src)
		copy(out[12:14], body[6:8])
		copy(out[EthHeaderLen:], body[llcSnapLen:])
		return out, nil
	}

	out := make([]byte, EthHeaderLen+len(body))
	copy(out[0:6], dst)
	copy(out[6:12], src)
	binary.BigEndian.PutUint16(out[12:], uint16(len(body)))
	copy(out[EthHeaderLen:], body)
	return out, nil
}
