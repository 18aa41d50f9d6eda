// core_engine/acx/acx_constants.go
package acx

// Host interrupt status bits (IRQ status, mask and ack registers).
const (
	HOST_INT_RX_DATA        uint16 = 0x0001 // Frame waiting in an RX descriptor
	HOST_INT_TX_COMPLETE    uint16 = 0x0002 // One or more TX descriptors done
	HOST_INT_TX_XFER        uint16 = 0x0004
	HOST_INT_RX_COMPLETE    uint16 = 0x0008
	HOST_INT_DTIM           uint16 = 0x0010
	HOST_INT_BEACON         uint16 = 0x0020
	HOST_INT_TIMER          uint16 = 0x0040
	HOST_INT_KEY_NOT_FOUND  uint16 = 0x0080
	HOST_INT_IV_ICV_FAILURE uint16 = 0x0100
	HOST_INT_CMD_COMPLETE   uint16 = 0x0200 // Command mailbox finished
	HOST_INT_INFO           uint16 = 0x0400 // Info mailbox holds an event
	HOST_INT_OVERFLOW       uint16 = 0x0800
	HOST_INT_PROCESS_ERROR  uint16 = 0x1000
	HOST_INT_SCAN_COMPLETE  uint16 = 0x2000
	HOST_INT_FCS_THRESHOLD  uint16 = 0x4000 // Also signals eCPU boot completion
	HOST_INT_UNKNOWN        uint16 = 0x8000

	// IRQ mask value with every source masked; reading this back while
	// interrupts should be live means the firmware is wedged.
	IRQ_MASK_ALL uint16 = 0xffff

	// Sources the engine services once the adapter is up. The mask register
	// holds 1 for masked bits, so the programmed value is the complement.
	IRQ_SERVICED = HOST_INT_RX_DATA | HOST_INT_TX_COMPLETE | HOST_INT_CMD_COMPLETE |
		HOST_INT_INFO | HOST_INT_SCAN_COMPLETE

	irqUnusual = HOST_INT_TX_XFER | HOST_INT_RX_COMPLETE | HOST_INT_DTIM | HOST_INT_BEACON |
		HOST_INT_TIMER | HOST_INT_KEY_NOT_FOUND | HOST_INT_IV_ICV_FAILURE | HOST_INT_OVERFLOW |
		HOST_INT_PROCESS_ERROR | HOST_INT_FCS_THRESHOLD | HOST_INT_UNKNOWN
)

// Interrupt trigger register values (host -> device).
const (
	INT_TRIG_CMD     uint16 = 0x01 // Command mailbox filled
	INT_TRIG_INFOACK uint16 = 0x02 // Info mailbox consumed
	INT_TRIG_TXPRC   uint16 = 0x04 // TX descriptors need processing
	INT_TRIG_RXPRC   uint16 = 0x08 // RX descriptors released, reclaim them
)

// eCPU control register bits.
const (
	ECPU_CTRL_HALT uint16 = 0x0001
)

// Slave memory control register modes.
const (
	SLV_MEM_CTL_SINGLE  uint32 = 0x00000000 // One word per address write
	SLV_MEM_CTL_AUTOINC uint32 = 0x00000001 // Address auto-increments by 4
	// Block-chain mode: bits 17:16 = 2, bits 5:2 = data offset of one word.
	SLV_MEM_CTL_CHAIN uint32 = 2<<16 | 1<<2
)

// Descriptor Ctl byte bits, shared by TX and RX descriptors.
const (
	DESC_CTL_SHORT_PREAMBLE byte = 0x01
	DESC_CTL_FIRSTFRAG      byte = 0x02
	DESC_CTL_AUTODMA        byte = 0x04
	DESC_CTL_RECLAIM        byte = 0x08
	DESC_CTL_HOSTDONE       byte = 0x20
	DESC_CTL_ACXDONE        byte = 0x40
	DESC_CTL_HOSTOWN        byte = 0x80

	DESC_CTL_ACXDONE_HOSTOWN = DESC_CTL_ACXDONE | DESC_CTL_HOSTOWN
	DESC_CTL_INIT            = DESC_CTL_HOSTOWN | DESC_CTL_FIRSTFRAG
)

// Device-memory descriptor layout. Both rings use the same stride.
const (
	DescStride = 0x20

	descNext     = 0x00
	descHostPtr  = 0x04
	descAcxPtr   = 0x08
	descTime     = 0x0c
	descLength   = 0x10 // u16
	descRate     = 0x12 // u16 (TX) / rate byte (RX)
	descQueueCtl = 0x16
	descCtl      = 0x18
	descCtl2     = 0x19
	descError    = 0x1a
	descAckFail  = 0x1b
	descRtsFail  = 0x1c
	descRtsOK    = 0x1d
	descSNR      = 0x1e
	descLevel    = 0x1f
)

// Transmit buffer block encoding.
const (
	TXBUF_NEXT_MASK uint32 = 0x0007ffff // 19-bit next block field
	TXBUF_SHIFT            = 5          // next field holds address >> 5
	TXBUF_LAST      uint32 = 0x02000000 // end-of-chain control marker
	TXBUF_HDR_LEN          = 4          // link word at the start of each block

	// Chain copies must start on a block boundary inside the 24-bit space.
	CHAIN_ALIGN_MASK uint32 = 0x00ffffe0
)

// Frame sizes.
const (
	WLAN_HDR_A3_LEN   = 24   // Minimum 802.11 data header
	WLAN_A4FR_MAXLEN  = 2346 // Largest frame handed to the device
	RXBUF_HDR_LEN     = 12   // Receive status header preceding each frame
	rxAddrInvalidMask = 0xffff0000
	DefaultTxRate     = 0x0a // 1 Mbps
)

// Mailbox layout.
const (
	CMD_MAILBOX_HDR_LEN = 4
	CMD_MAX_PAYLOAD     = 388

	CMD_STATUS_IDLE    uint16 = 0
	CMD_STATUS_SUCCESS uint16 = 1
)

// Commands.
const (
	CMD_RESET       uint16 = 0x00
	CMD_INTERROGATE uint16 = 0x01
	CMD_CONFIGURE   uint16 = 0x02
	CMD_ENABLE_RX   uint16 = 0x03
	CMD_ENABLE_TX   uint16 = 0x04
	CMD_DISABLE_RX  uint16 = 0x05
	CMD_DISABLE_TX  uint16 = 0x06
	CMD_FLUSH_QUEUE uint16 = 0x07
	CMD_SCAN        uint16 = 0x08
	CMD_STOP_SCAN   uint16 = 0x09
	CMD_SLEEP       uint16 = 0x0f
	CMD_WAKE        uint16 = 0x10
	CMD_RADIO_CALIB uint16 = 0x19
)

// Information elements used with CMD_INTERROGATE / CMD_CONFIGURE.
const (
	IE_MEMORY_MAP    uint16 = 0x0008
	IE_QUEUE_CONFIG  uint16 = 0x0010
	IE_MEMORY_CONFIG uint16 = 0x0011

	MemoryMapLen    = 40
	QueueConfigLen  = 20
	MemoryConfigLen = 12
)

// TX descriptor error codes reported by the device.
const (
	TX_ERR_OTHER_FRAG  byte = 0x01
	TX_ERR_ABORTED     byte = 0x02
	TX_ERR_PARAMS      byte = 0x04
	TX_ERR_WEP_KEY     byte = 0x08
	TX_ERR_LIFETIME    byte = 0x10
	TX_ERR_RETRIES     byte = 0x20
	TX_ERR_BUF_OVERRUN byte = 0x40
	TX_ERR_DMA         byte = 0x80
)

var cmdStatusStrings = [...]string{
	"Idle",
	"Success",
	"Unknown Command",
	"Invalid Information Element",
	"Channel rejected",
	"Channel invalid in current regulatory domain",
	"MAC invalid",
	"Command rejected (read-only information element)",
	"Command rejected",
	"Already asleep",
	"TX in progress",
	"Already awake",
	"Write only",
	"RX in progress",
	"Invalid parameter",
	"Scan in progress",
	"failed",
}

// CommandStatusString names a mailbox status code.
func CommandStatusString(status uint16) string {
	if int(status) < len(cmdStatusStrings) {
		return cmdStatusStrings[status]
	}
	return "unknown status"
}

var infoTypeStrings = [...]string{
	"(unknown)",
	"scan complete",
	"WEP key not found",
	"internal watchdog reset was done",
	"failed to send powersave (NULL frame) notification to AP",
	"encrypt/decrypt on a packet has failed",
	"TKIP tx keys disabled",
	"TKIP rx keys disabled",
	"TKIP rx: key ID not found",
	"???",
	"???",
	"???",
	"???",
	"???",
	"???",
	"???",
	"TKIP IV value exceeds thresh in WEP; TKIP key rekey required",
	"TKIP MIC failure",
}

// InfoTypeString names an info mailbox event type.
func InfoTypeString(t uint16) string {
	if int(t) < len(infoTypeStrings) {
		return infoTypeStrings[t]
	}
	return infoTypeStrings[0]
}

func txErrorString(code byte) string {
	switch code {
	case TX_ERR_OTHER_FRAG:
		return "no Tx due to error in other fragment"
	case TX_ERR_ABORTED:
		return "Tx aborted"
	case TX_ERR_PARAMS:
		return "Tx desc wrong parameters"
	case TX_ERR_WEP_KEY:
		return "WEP key not found"
	case TX_ERR_LIFETIME:
		return "MSDU lifetime timeout"
	case TX_ERR_RETRIES:
		return "excessive Tx retries"
	case TX_ERR_BUF_OVERRUN:
		return "Tx buffer overflow"
	case TX_ERR_DMA:
		return "DMA error"
	}
	return "unknown error"
}
