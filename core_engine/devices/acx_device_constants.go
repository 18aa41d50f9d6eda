// core_engine/devices/acx_device_constants.go
package devices

// Emulated card memory layout. The firmware image is loaded at 0 and the
// mailboxes, descriptor queue area and buffer pool follow the code region.
const (
	ACX_RAM_SIZE = 64 * 1024

	ACX_CODE_START      uint32 = 0x0000
	ACX_CODE_END        uint32 = 0x8000
	ACX_CMD_MAILBOX     uint32 = 0x8000
	ACX_INFO_MAILBOX    uint32 = 0x8200
	ACX_WEP_CACHE_START uint32 = 0x8400
	ACX_WEP_CACHE_END   uint32 = 0x8c00
	ACX_TEMPLATE_START  uint32 = 0x8c00
	ACX_TEMPLATE_END    uint32 = 0x9800
	ACX_QUEUE_START     uint32 = 0x9800
	ACX_QUEUE_END       uint32 = 0xa000
	ACX_POOL_START      uint32 = 0xa000
	ACX_POOL_END        uint32 = ACX_RAM_SIZE
)

// ACX_IRQ is the interrupt line the card raises.
const ACX_IRQ uint8 = 10

// Slave memory control decode.
const (
	slvCtlAutoInc   uint32 = 0x00000001
	slvCtlModeShift        = 16
	slvCtlModeMask  uint32 = 0x3
	slvCtlModeChain uint32 = 2
)

// IODirection indicates the direction of an I/O operation.
const (
	IODirectionIn  uint8 = 0 // Reading from the device
	IODirectionOut uint8 = 1 // Writing to the device
)

// InterruptRaiser is the interrupt controller a device signals.
type InterruptRaiser interface {
	RaiseIRQ(irqLine uint8)
	LowerIRQ(irqLine uint8)
}

// Descriptor field offsets as the card sees them.
const (
	descOffAcxPtr  uint32 = 0x08
	descOffLength  uint32 = 0x10
	descOffCtl     uint32 = 0x18
	descOffError   uint32 = 0x1a
	descOffAckFail uint32 = 0x1b
	descOffRtsFail uint32 = 0x1c
	descOffRtsOK   uint32 = 0x1d
	descOffSNR     uint32 = 0x1e
	descOffLevel   uint32 = 0x1f
)

// Values the card reports in the receive header.
const (
	rxDefaultSNR   byte = 40
	rxDefaultLevel byte = 60
)
