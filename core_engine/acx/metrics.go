// core_engine/acx/metrics.go
package acx

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the per-adapter Prometheus collectors.
type Metrics struct {
	TxFrames         prometheus.Counter
	TxErrors         *prometheus.CounterVec
	TxDropped        prometheus.Counter
	TxEmergency      prometheus.Counter
	RxFrames         prometheus.Counter
	RxReclaimOnly    prometheus.Counter
	Commands         *prometheus.CounterVec
	CommandTimeouts  prometheus.Counter
	FirmwareAttempts prometheus.Counter
	FirmwareReloads  prometheus.Counter
	Recalibrations   prometheus.Counter
	IRQStorms        prometheus.Counter
	LogicErrors      prometheus.Counter
	TxFree           prometheus.Gauge
	TxBlocksFree     prometheus.Gauge
}

// NewMetrics builds the collectors labelled with the adapter id and
// registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer, adapterID string) (*Metrics, error) {
	labels := prometheus.Labels{"adapter": adapterID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "acx_" + name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "acx_" + name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Metrics{
		TxFrames: counter("tx_frames_total", "Frames handed to the device for transmission"),
		TxErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "acx_tx_errors_total",
			Help:        "TX descriptors completed with an error code",
			ConstLabels: labels,
		}, []string{"code"}),
		TxDropped:        counter("tx_dropped_total", "Frames refused for lack of descriptors or buffer space"),
		TxEmergency:      counter("tx_emergency_flushes_total", "Emergency TX ring flushes"),
		RxFrames:         counter("rx_frames_total", "Frames received and delivered upstream"),
		RxReclaimOnly:    counter("rx_reclaim_only_total", "RX descriptors returned without payload"),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "acx_commands_total",
			Help:        "Mailbox commands by final status",
			ConstLabels: labels,
		}, []string{"status"}),
		CommandTimeouts:  counter("command_timeouts_total", "Mailbox commands that never completed"),
		FirmwareAttempts: counter("firmware_upload_attempts_total", "Firmware upload attempts"),
		FirmwareReloads:  counter("firmware_reloads_total", "Background firmware reloads after a wedge"),
		Recalibrations:   counter("radio_recalibrations_total", "Radio recalibration commands issued"),
		IRQStorms:        counter("irq_storms_total", "Interrupt storms that forced all sources masked"),
		LogicErrors:      counter("logic_errors_total", "Driver logic errors caught at run time"),
		TxFree:           gauge("tx_free_descriptors", "Host-owned free TX descriptors"),
		TxBlocksFree:     gauge("tx_free_blocks", "Free blocks in the device TX buffer pool"),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register adapter metrics: %w", err)
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TxFrames, m.TxErrors, m.TxDropped, m.TxEmergency, m.RxFrames, m.RxReclaimOnly,
		m.Commands, m.CommandTimeouts, m.FirmwareAttempts, m.FirmwareReloads,
		m.Recalibrations, m.IRQStorms, m.LogicErrors, m.TxFree, m.TxBlocksFree,
	}
}
