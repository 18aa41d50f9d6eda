// core_engine/acx/irq.go
package acx

import (
	"context"
	"fmt"
	"time"
)

// HandleInterrupt services the card's interrupt line once. It returns false
// when the interrupt was not ours. It never sleeps.
func (a *Adapter) HandleInterrupt() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	unmasked := a.regs.Read16(REG_IRQ_STATUS_CLEAR)
	if unmasked == 0xffff {
		// Card ejected or the bus is gone.
		a.log.V(1).Info("irq status reads 0xffff, device removed?")
		return false
	}
	irqtype := unmasked &^ a.irqMask
	if irqtype == 0 {
		return false
	}

	now := time.Now()
	if now.Sub(a.irqQuantumStart) >= a.opts.IRQQuantum {
		a.irqQuantumStart = now
		a.irqLoops = 0
	}

	for loops := a.opts.IRQLoopsPerCall; loops > 0; loops-- {
		a.regs.Write16(REG_IRQ_ACK, IRQ_MASK_ALL)
		a.log.V(2).Info("irq", "type", fmt.Sprintf("0x%04x", irqtype), "mask", fmt.Sprintf("0x%04x", a.irqMask))

		if irqtype&HOST_INT_RX_DATA != 0 && a.rx != nil {
			a.rx.Process()
		}
		if irqtype&HOST_INT_TX_COMPLETE != 0 && a.tx != nil {
			if a.tx.Free() <= a.opts.TxStartClean {
				a.tx.Clean()
			} else {
				a.schedule(TaskTxCleanup)
			}
		}
		if irqtype&HOST_INT_CMD_COMPLETE != 0 {
			a.irqStatus |= HOST_INT_CMD_COMPLETE
			select {
			case a.cmdDone <- struct{}{}:
			default:
			}
		}
		if irqtype&HOST_INT_INFO != 0 {
			a.handleInfo()
		}
		if irqtype&HOST_INT_SCAN_COMPLETE != 0 {
			a.irqStatus |= HOST_INT_SCAN_COMPLETE
			a.log.V(1).Info("scan complete")
		}
		if irqtype&irqUnusual != 0 {
			a.log.V(1).Info("unusual interrupt", "type", fmt.Sprintf("0x%04x", irqtype&irqUnusual))
		}

		unmasked = a.regs.Read16(REG_IRQ_STATUS_CLEAR)
		if unmasked == 0xffff {
			break
		}
		irqtype = unmasked &^ a.irqMask
		if irqtype == 0 {
			break
		}

		a.irqLoops++
		if a.irqLoops > a.opts.IRQLoopsPerQuantum {
			a.log.Error(nil, "interrupt storm, masking all sources", "loops", a.irqLoops,
				"quantum", a.opts.IRQQuantum, "type", fmt.Sprintf("0x%04x", irqtype))
			a.regs.Write16(REG_IRQ_MASK, IRQ_MASK_ALL)
			a.irqMask = IRQ_MASK_ALL
			a.metrics.IRQStorms.Inc()
			break
		}
	}
	return true
}

// handleInfo logs and acknowledges an info mailbox event.
func (a *Adapter) handleInfo() {
	if a.infoArea == 0 {
		return
	}
	w := a.mem.ReadWord(a.infoArea)
	typ, status := uint16(w), uint16(w>>16)
	a.regs.Write16(REG_INT_TRIG, INT_TRIG_INFOACK)
	a.log.Info("info event", "type", typ, "status", status, "info", InfoTypeString(typ))
}

// ServeInterrupts calls HandleInterrupt for every signal on line until ctx
// is done.
func (a *Adapter) ServeInterrupts(ctx context.Context, line <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-line:
			if !ok {
				return nil
			}
			a.HandleInterrupt()
		}
	}
}
