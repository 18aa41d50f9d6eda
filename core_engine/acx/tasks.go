// core_engine/acx/tasks.go
package acx

import (
	"context"
	"strings"
)

// Task is deferred work that may sleep, so it cannot run on the interrupt
// path. Pending tasks form a bitmask; scheduling twice before the worker
// runs does the work once.
type Task uint32

const (
	TaskReloadFirmware Task = 1 << iota
	TaskRadioRecalibrate
	TaskTxCleanup
)

func (t Task) String() string {
	var names []string
	if t&TaskReloadFirmware != 0 {
		names = append(names, "reload-firmware")
	}
	if t&TaskRadioRecalibrate != 0 {
		names = append(names, "radio-recalibrate")
	}
	if t&TaskTxCleanup != 0 {
		names = append(names, "tx-cleanup")
	}
	return strings.Join(names, "|")
}

// schedule marks t pending and wakes the worker. Safe from any context.
func (a *Adapter) schedule(t Task) {
	a.tasks.Or(uint32(t))
	select {
	case a.taskSignal <- struct{}{}:
	default:
	}
}

// Schedule queues deferred work from outside the package.
func (a *Adapter) Schedule(t Task) { a.schedule(t) }

// PendingTasks returns the tasks not yet picked up by the worker.
func (a *Adapter) PendingTasks() Task { return Task(a.tasks.Load()) }

// RunWorker executes deferred tasks until ctx is done.
func (a *Adapter) RunWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.taskSignal:
		}
		a.runTasks(Task(a.tasks.Swap(0)))
	}
}

func (a *Adapter) runTasks(pending Task) {
	if pending == 0 {
		return
	}
	a.log.V(1).Info("running deferred tasks", "tasks", pending.String())

	if pending&TaskTxCleanup != 0 {
		a.mu.Lock()
		if a.up {
			a.tx.Clean()
		}
		a.mu.Unlock()
	}
	if pending&TaskRadioRecalibrate != 0 {
		if err := a.recalibrate(); err != nil {
			a.log.Error(err, "radio recalibration failed")
		}
	}
	if pending&TaskReloadFirmware != 0 {
		a.metrics.FirmwareReloads.Inc()
		if err := a.Reset(); err != nil {
			a.log.Error(err, "firmware reload failed")
		}
	}
}
