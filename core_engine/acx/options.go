// core_engine/acx/options.go
package acx

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

// ErrataPatch describes a firmware fix-up applied after upload. It applies
// only to images whose checksum is listed; the addresses and code are
// specific to one firmware build and come from configuration.
type ErrataPatch struct {
	Checksums []uint32        `json:"checksums,omitempty"`
	CodeAddr  uint32          `json:"codeAddr"`
	Code      []uint32        `json:"code,omitempty"`
	Vectors   []VectorRewrite `json:"vectors,omitempty"`
}

// VectorRewrite replaces one boot vector word.
type VectorRewrite struct {
	Addr  uint32 `json:"addr"`
	Value uint32 `json:"value"`
}

// Matches reports whether the patch targets an image with this checksum.
func (p *ErrataPatch) Matches(checksum uint32) bool {
	for _, c := range p.Checksums {
		if c == checksum {
			return true
		}
	}
	return false
}

// Options holds the engine tunables.
type Options struct {
	Revision ChipRevision `json:"revision"`

	TxCount      int `json:"txCount"`      // TX descriptors
	RxCount      int `json:"rxCount"`      // RX descriptors
	TxStopQueue  int `json:"txStopQueue"`  // stop the upper queue below this many free descriptors
	TxStartQueue int `json:"txStartQueue"` // wake it again at this many
	TxStartClean int `json:"txStartClean"` // clean from the IRQ path at or below this many
	TxNudgeLimit int `json:"txNudgeLimit"` // TX-pending pokes before an emergency flush
	TxPoolShare  int `json:"txPoolShare"`  // percent of the buffer pool used for TX

	BlockSize uint32 `json:"blockSize"` // device buffer block size

	LatchDelay time.Duration `json:"latchDelay"` // wait after programming the address register

	CmdIdleTimeout    time.Duration `json:"cmdIdleTimeout"`
	CmdDefaultTimeout time.Duration `json:"cmdDefaultTimeout"`
	CmdMaxTimeout     time.Duration `json:"cmdMaxTimeout"`
	CmdPollInterval   time.Duration `json:"cmdPollInterval"`

	FirmwareRetries    int           `json:"firmwareRetries"`
	FirmwareRetryPause time.Duration `json:"firmwareRetryPause"`
	FirmwareOffset     uint32        `json:"firmwareOffset"`
	BootTimeout        time.Duration `json:"bootTimeout"`
	BootRetries        int           `json:"bootRetries"`
	Errata             ErrataPatch   `json:"errata"`

	IRQLoopsPerCall    int           `json:"irqLoopsPerCall"`
	IRQLoopsPerQuantum int           `json:"irqLoopsPerQuantum"`
	IRQQuantum         time.Duration `json:"irqQuantum"`

	RecalibrateEvery int `json:"recalibrateEvery"` // excess-retry errors per recalibration
	RecalibrateLogs  int `json:"recalibrateLogs"`  // stop logging the notice after this many errors
	TxErrorLogs      int `json:"txErrorLogs"`
}

// DefaultOptions returns the settings the driver ships with.
func DefaultOptions() *Options {
	o := &Options{
		Revision:           RevB,
		TxCount:            16,
		RxCount:            16,
		TxStopQueue:        3,
		TxStartQueue:       5,
		TxNudgeLimit:       3,
		TxPoolShare:        50,
		BlockSize:          256,
		LatchDelay:         10 * time.Microsecond,
		CmdIdleTimeout:     200 * time.Millisecond,
		CmdDefaultTimeout:  100 * time.Millisecond,
		CmdMaxTimeout:      1199 * time.Millisecond,
		CmdPollInterval:    8 * time.Millisecond,
		FirmwareRetries:    5,
		FirmwareRetryPause: time.Second,
		BootTimeout:        2 * time.Second,
		BootRetries:        2,
		IRQLoopsPerCall:    16,
		IRQLoopsPerQuantum: 80,
		IRQQuantum:         4 * time.Millisecond,
		RecalibrateEvery:   4,
		RecalibrateLogs:    20,
		TxErrorLogs:        20,
	}
	o.TxStartClean = o.TxCount - o.TxCount/4
	return o
}

// BindFlags registers the options on fs and returns them.
func BindFlags(fs *flag.FlagSet) *Options {
	opts := DefaultOptions()

	fs.Var(revisionFlag{&opts.Revision}, "acx-revision", "Chip revision register layout (A or B)")
	fs.IntVar(&opts.TxCount, "acx-tx-descs", opts.TxCount, "Number of TX descriptors")
	fs.IntVar(&opts.RxCount, "acx-rx-descs", opts.RxCount, "Number of RX descriptors")
	fs.IntVar(&opts.TxPoolShare, "acx-tx-pool-share", opts.TxPoolShare, "Percent of device buffer memory used for TX")
	fs.DurationVar(&opts.LatchDelay, "acx-latch-delay", opts.LatchDelay, "Delay between address and data register access")
	fs.DurationVar(&opts.CmdDefaultTimeout, "acx-cmd-timeout", opts.CmdDefaultTimeout, "Default command completion timeout")
	fs.IntVar(&opts.FirmwareRetries, "acx-fw-retries", opts.FirmwareRetries, "Firmware upload attempts")
	fs.DurationVar(&opts.FirmwareRetryPause, "acx-fw-retry-pause", opts.FirmwareRetryPause, "Pause between firmware upload attempts")
	fs.DurationVar(&opts.BootTimeout, "acx-boot-timeout", opts.BootTimeout, "Time allowed for the eCPU to boot")

	return opts
}

// LoadOptionsFile overlays a YAML file onto opts.
func LoadOptionsFile(opts *Options, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read options file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return fmt.Errorf("failed to parse options file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (o *Options) Validate() error {
	if _, err := RegisterFileFor(o.Revision); err != nil {
		return err
	}
	if o.TxCount < 2 || o.RxCount < 2 {
		return fmt.Errorf("ring sizes must be at least 2 (tx %d, rx %d)", o.TxCount, o.RxCount)
	}
	if o.TxStopQueue < 0 || o.TxStartQueue < o.TxStopQueue || o.TxStartQueue > o.TxCount {
		return fmt.Errorf("bad queue watermarks stop %d start %d for %d descriptors", o.TxStopQueue, o.TxStartQueue, o.TxCount)
	}
	if o.TxStartClean <= 0 || o.TxStartClean > o.TxCount {
		return fmt.Errorf("txStartClean %d out of range for %d descriptors", o.TxStartClean, o.TxCount)
	}
	if o.TxPoolShare <= 0 || o.TxPoolShare >= 100 {
		return fmt.Errorf("txPoolShare %d must be between 1 and 99", o.TxPoolShare)
	}
	if o.BlockSize <= TXBUF_HDR_LEN || o.BlockSize%(1<<TXBUF_SHIFT) != 0 {
		return fmt.Errorf("blockSize %d must be a multiple of %d", o.BlockSize, 1<<TXBUF_SHIFT)
	}
	if o.FirmwareRetries < 1 || o.BootRetries < 1 {
		return fmt.Errorf("firmwareRetries and bootRetries must be at least 1")
	}
	if o.IRQLoopsPerCall < 1 || o.IRQLoopsPerQuantum < 1 || o.IRQQuantum <= 0 {
		return fmt.Errorf("interrupt loop limits must be positive")
	}
	if o.RecalibrateEvery < 1 {
		return fmt.Errorf("recalibrateEvery must be at least 1")
	}
	if len(o.Errata.Checksums) != 0 && len(o.Errata.Vectors) == 0 && len(o.Errata.Code) == 0 {
		return fmt.Errorf("errata patch lists checksums but no code or vectors")
	}
	if len(o.Errata.Code) != 0 && o.Errata.CodeAddr == 0 {
		return fmt.Errorf("errata patch has code but no codeAddr")
	}
	for _, v := range o.Errata.Vectors {
		if v.Addr == 0 {
			return fmt.Errorf("errata vector rewrite has no addr")
		}
	}
	return nil
}

type revisionFlag struct{ rev *ChipRevision }

func (f revisionFlag) String() string {
	if f.rev == nil {
		return ""
	}
	return f.rev.String()
}

func (f revisionFlag) Set(s string) error {
	switch s {
	case "A", "a":
		*f.rev = RevA
	case "B", "b":
		*f.rev = RevB
	default:
		return fmt.Errorf("unknown chip revision %q", s)
	}
	return nil
}

// UnmarshalJSON accepts the revision letter used on the command line as
// well as the numeric value.
func (c *ChipRevision) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return revisionFlag{c}.Set(s)
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chip revision must be A, B or a number: %s", b)
	}
	*c = ChipRevision(n)
	return nil
}
