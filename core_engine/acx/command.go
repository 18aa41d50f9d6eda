// core_engine/acx/command.go
package acx

import (
	"encoding/binary"
	"fmt"
	"time"
)

// IssueCommand runs one mailbox command. buf carries the parameters and,
// for CMD_INTERROGATE, receives the result. A zero timeout means the
// default.
func (a *Adapter) IssueCommand(cmd uint16, buf []byte, timeout time.Duration) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.issueCommandLocked(cmd, buf, timeout)
}

// Interrogate reads information element ie into buf. The first four bytes
// of buf are the element header and are filled in here.
func (a *Adapter) Interrogate(ie uint16, buf []byte) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrogateLocked(ie, buf)
}

// Configure writes information element ie from buf, whose first four bytes
// are the element header.
func (a *Adapter) Configure(ie uint16, buf []byte) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.configureLocked(ie, buf)
}

func putIEHeader(ie uint16, buf []byte) error {
	if len(buf) < CMD_MAILBOX_HDR_LEN {
		return NewError(KindLogic, fmt.Sprintf("information element 0x%04x", ie)).WithCause("buffer of %d bytes has no room for a header", len(buf))
	}
	binary.LittleEndian.PutUint16(buf[0:], ie)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(buf)-CMD_MAILBOX_HDR_LEN))
	return nil
}

func (a *Adapter) interrogateLocked(ie uint16, buf []byte) error {
	if err := putIEHeader(ie, buf); err != nil {
		return err
	}
	return a.issueCommandLocked(CMD_INTERROGATE, buf, 0)
}

func (a *Adapter) configureLocked(ie uint16, buf []byte) error {
	if err := putIEHeader(ie, buf); err != nil {
		return err
	}
	return a.issueCommandLocked(CMD_CONFIGURE, buf, 0)
}

func (a *Adapter) readCmdTypeStatus() (uint16, uint16) {
	w := a.mem.ReadWord(a.cmdArea)
	return uint16(w), uint16(w >> 16)
}

func (a *Adapter) writeCmdTypeStatus(cmd, status uint16) {
	a.mem.WriteWord(a.cmdArea, uint32(cmd)|uint32(status)<<16)
}

// commandTimeout rounds to an odd number of milliseconds and clamps it.
func (a *Adapter) commandTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = a.opts.CmdDefaultTimeout
	}
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	ms = (ms - 1) | 1
	if limit := a.opts.CmdMaxTimeout.Milliseconds(); ms > limit {
		ms = limit
	}
	return time.Duration(ms) * time.Millisecond
}

// issueCommandLocked requires cmdMu and mu. mu is released while waiting.
func (a *Adapter) issueCommandLocked(cmd uint16, buf []byte, timeout time.Duration) error {
	op := fmt.Sprintf("command 0x%02x", cmd)
	if !a.fwLoaded {
		err := NewError(KindNotLoaded, op)
		a.log.Error(err, "firmware not loaded, refusing command")
		return err
	}
	if len(buf) > CMD_MAX_PAYLOAD {
		a.metrics.LogicErrors.Inc()
		a.log.Error(nil, "BUG: command payload larger than the mailbox, truncating",
			"command", fmt.Sprintf("0x%02x", cmd), "len", len(buf), "max", CMD_MAX_PAYLOAD)
		buf = buf[:CMD_MAX_PAYLOAD]
	}

	if err := a.waitMailboxIdle(op); err != nil {
		return err
	}

	if len(buf) > 0 {
		n := len(buf)
		// Only the element header goes down for an interrogate.
		if cmd == CMD_INTERROGATE && n > CMD_MAILBOX_HDR_LEN {
			n = CMD_MAILBOX_HDR_LEN
		}
		a.mem.CopyTo(a.cmdArea+CMD_MAILBOX_HDR_LEN, buf[:n])
	}
	a.writeCmdTypeStatus(cmd, CMD_STATUS_IDLE)
	a.irqStatus &^= HOST_INT_CMD_COMPLETE
	select {
	case <-a.cmdDone:
	default:
	}
	a.regs.Write16(REG_INT_TRIG, INT_TRIG_CMD)

	timeout = a.commandTimeout(timeout)
	start := time.Now()
	completed := a.waitCommandComplete(start.Add(timeout))

	_, status := a.readCmdTypeStatus()
	a.writeCmdTypeStatus(0, 0)

	if !completed {
		a.metrics.CommandTimeouts.Inc()
		err := NewError(KindTimeout, op).WithCause("no completion after %s", timeout)
		a.log.Error(err, "timed out waiting for command completion", a.diagnostics(status)...)
		if a.irqsActive && a.regs.Read16(REG_IRQ_MASK) == IRQ_MASK_ALL {
			a.log.Info("firmware probably hosed, scheduling reload")
			a.schedule(TaskReloadFirmware)
		}
		zero(buf)
		return err
	}

	a.metrics.Commands.WithLabelValues(CommandStatusString(status)).Inc()
	if status != CMD_STATUS_SUCCESS {
		zero(buf)
		err := NewError(KindCommandFailed, op).WithStatus(cmd, status)
		a.log.Info("command failed", "command", fmt.Sprintf("0x%02x", cmd), "status", status,
			"reason", CommandStatusString(status), "elapsed", time.Since(start))
		return err
	}

	if cmd == CMD_INTERROGATE && len(buf) > 0 {
		a.mem.CopyFrom(buf, a.cmdArea+CMD_MAILBOX_HDR_LEN)
	}
	a.log.V(2).Info("command done", "command", fmt.Sprintf("0x%02x", cmd), "elapsed", time.Since(start))
	return nil
}

// waitMailboxIdle polls the mailbox status, sleeping every eighth try.
func (a *Adapter) waitMailboxIdle(op string) error {
	start := time.Now()
	deadline := start.Add(a.opts.CmdIdleTimeout)
	for i := 1; ; i++ {
		_, status := a.readCmdTypeStatus()
		if status == CMD_STATUS_IDLE {
			break
		}
		if i%8 == 0 {
			if !time.Now().Before(deadline) {
				err := NewError(KindTimeout, op).WithCause("mailbox busy, status 0x%04x", status)
				a.log.Error(err, "command mailbox never became idle", a.diagnostics(status)...)
				return err
			}
			a.sleepUnlocked(a.opts.CmdPollInterval)
		}
	}
	if waited := time.Since(start); waited > a.opts.CmdPollInterval {
		a.log.V(1).Info("waited for idle mailbox", "elapsed", waited)
	}
	return nil
}

// waitCommandComplete waits for CMD_COMPLETE until deadline. With
// interrupts live the dispatcher latches the bit and signals cmdDone;
// otherwise the status register is polled and acked here.
func (a *Adapter) waitCommandComplete(deadline time.Time) bool {
	for i := 1; ; i++ {
		if a.irqsActive {
			if a.irqStatus&HOST_INT_CMD_COMPLETE != 0 {
				return true
			}
		} else if a.regs.Read16(REG_IRQ_STATUS_NON_DES)&HOST_INT_CMD_COMPLETE != 0 {
			a.regs.Write16(REG_IRQ_ACK, HOST_INT_CMD_COMPLETE)
			return true
		}

		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		if a.irqsActive {
			a.waitCmdDone(left)
			continue
		}
		if i%8 == 0 {
			if left > a.opts.CmdPollInterval {
				left = a.opts.CmdPollInterval
			}
			a.sleepUnlocked(left)
		}
	}
}

// waitCmdDone blocks for the dispatcher's signal with mu released.
func (a *Adapter) waitCmdDone(d time.Duration) {
	a.mu.Unlock()
	defer a.mu.Lock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-a.cmdDone:
	case <-t.C:
	}
}

func (a *Adapter) diagnostics(status uint16) []interface{} {
	return []interface{}{
		"cmdStatus", status,
		"irqStatus", fmt.Sprintf("0x%04x", a.regs.Read16(REG_IRQ_STATUS_NON_DES)),
		"irqMask", fmt.Sprintf("0x%04x", a.regs.Read16(REG_IRQ_MASK)),
		"cachedMask", fmt.Sprintf("0x%04x", a.irqMask),
		"cachedIRQs", fmt.Sprintf("0x%04x", a.irqStatus),
		"irqsActive", a.irqsActive,
		"ecpuCtrl", fmt.Sprintf("0x%04x", a.regs.Read16(REG_ECPU_CTRL)),
		"mailbox", a.mem.DumpWords(a.cmdArea, 4),
	}
}

// recalibrate asks the firmware to recalibrate the radio.
func (a *Adapter) recalibrate() error {
	params := make([]byte, 8)
	binary.LittleEndian.PutUint32(params[0:], radioCalibMethods)
	binary.LittleEndian.PutUint32(params[4:], radioCalibInterval)
	a.metrics.Recalibrations.Inc()
	return a.IssueCommand(CMD_RADIO_CALIB, params, a.opts.CmdDefaultTimeout)
}

const (
	radioCalibMethods  = 0x8000000f // all calibration methods, continuous
	radioCalibInterval = 60000      // ms
)

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
