// core_engine/devices/irq_line.go
package devices

// IRQLine turns device interrupts into wake-ups for the adapter's interrupt
// service loop. Raising never blocks: a pending wake-up absorbs further
// raises, and the dispatcher re-reads the status register anyway.
type IRQLine struct {
	line uint8
	ch   chan struct{}
}

func NewIRQLine(line uint8) *IRQLine {
	return &IRQLine{line: line, ch: make(chan struct{}, 1)}
}

func (l *IRQLine) RaiseIRQ(irqLine uint8) {
	if irqLine != l.line {
		return
	}
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// LowerIRQ is a no-op: the line is edge-signalled.
func (l *IRQLine) LowerIRQ(irqLine uint8) {}

// C is the wake-up channel handed to ServeInterrupts.
func (l *IRQLine) C() <-chan struct{} { return l.ch }
