// core_engine/acx/firmware.go
package acx

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
)

const firmwareHeaderLen = 8

// FirmwareImage is a parsed firmware file: a big-endian payload size, an
// unused word, the payload itself and a trailing big-endian checksum. The
// checksum is the byte sum of the size field and the payload.
type FirmwareImage struct {
	Name     string
	size     [4]byte
	payload  []byte
	checksum uint32
}

// ParseFirmware decodes a firmware file image.
func ParseFirmware(name string, data []byte) (*FirmwareImage, error) {
	if len(data) < firmwareHeaderLen+4 {
		return nil, fmt.Errorf("firmware %s: file too short (%d bytes)", name, len(data))
	}
	size := binary.BigEndian.Uint32(data[0:4])
	if size == 0 || uint64(size)+firmwareHeaderLen+4 > uint64(len(data)) {
		return nil, fmt.Errorf("firmware %s: payload size %d does not fit a %d byte file", name, size, len(data))
	}
	end := firmwareHeaderLen + int(size)
	img := &FirmwareImage{
		Name:     name,
		payload:  data[firmwareHeaderLen:end],
		checksum: binary.BigEndian.Uint32(data[end : end+4]),
	}
	copy(img.size[:], data[0:4])
	return img, nil
}

// ReadFirmwareFile loads and parses a firmware file from disk.
func ReadFirmwareFile(path string) (*FirmwareImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware: %w", err)
	}
	return ParseFirmware(path, data)
}

// BuildFirmware assembles a firmware file image around payload with a
// correct checksum.
func BuildFirmware(payload []byte) []byte {
	out := make([]byte, firmwareHeaderLen+len(payload)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[firmwareHeaderLen:], payload)
	var sum uint32
	for _, b := range out[0:4] {
		sum += uint32(b)
	}
	for _, b := range payload {
		sum += uint32(b)
	}
	binary.BigEndian.PutUint32(out[firmwareHeaderLen+len(payload):], sum)
	return out
}

// Checksum is the value stored in the file.
func (img *FirmwareImage) Checksum() uint32 { return img.checksum }

// Size is the payload length in bytes.
func (img *FirmwareImage) Size() int { return len(img.payload) }

func (img *FirmwareImage) headerSum() uint32 {
	var sum uint32
	for _, b := range img.size {
		sum += uint32(b)
	}
	return sum
}

// word returns payload word i as written to the device, plus the byte sum
// of the payload bytes it covers. A short final word is zero padded.
func (img *FirmwareImage) word(i int) (uint32, uint32) {
	var w [4]byte
	n := copy(w[:], img.payload[i*4:])
	var sum uint32
	for _, b := range w[:n] {
		sum += uint32(b)
	}
	return binary.BigEndian.Uint32(w[:]), sum
}

func (img *FirmwareImage) words() int {
	return (len(img.payload) + 3) / 4
}

// FirmwareLoader uploads and verifies images through slave memory.
type FirmwareLoader struct {
	mem      *SlaveMemory
	log      logr.Logger
	metrics  *Metrics
	retries  int
	interval time.Duration
	pause    func(time.Duration)
}

// NewFirmwareLoader builds a loader. pause is called between attempts; the
// adapter passes a function that drops its lock while sleeping.
func NewFirmwareLoader(mem *SlaveMemory, log logr.Logger, metrics *Metrics, retries int, interval time.Duration, pause func(time.Duration)) *FirmwareLoader {
	if pause == nil {
		pause = time.Sleep
	}
	return &FirmwareLoader{mem: mem, log: log, metrics: metrics, retries: retries, interval: interval, pause: pause}
}

// Upload writes the payload at offset and checks the running sum against
// the image checksum.
func (l *FirmwareLoader) Upload(img *FirmwareImage, offset DeviceAddr) error {
	sum := img.headerSum()
	for i := 0; i < img.words(); i++ {
		w, s := img.word(i)
		sum += s
		l.mem.WriteWord(offset+DeviceAddr(i*4), w)
	}
	if sum != img.checksum {
		return NewError(KindChecksum, "firmware upload").
			WithCause("computed sum 0x%08x, file says 0x%08x", sum, img.checksum)
	}
	return nil
}

// Validate reads the payload back. It stops at the first mismatching word.
func (l *FirmwareLoader) Validate(img *FirmwareImage, offset DeviceAddr) error {
	sum := img.headerSum()
	for i := 0; i < img.words(); i++ {
		want, s := img.word(i)
		a := offset + DeviceAddr(i*4)
		got := l.mem.ReadWord(a)
		if got != want {
			err := NewError(KindIntegrity, "firmware validate").
				WithCause("word at %s: expected 0x%08x, got 0x%08x", a, want, got)
			l.log.Error(err, "firmware validation mismatch", "memory", l.mem.DumpWords(a&^0xf, 8))
			return err
		}
		sum += s
	}
	if sum != img.checksum {
		return NewError(KindChecksum, "firmware validate").
			WithCause("computed sum 0x%08x, file says 0x%08x", sum, img.checksum)
	}
	return nil
}

// Load uploads and validates img, retrying transient failures.
func (l *FirmwareLoader) Load(img *FirmwareImage, offset DeviceAddr) error {
	var err error
	for try := 1; try <= l.retries; try++ {
		l.metrics.FirmwareAttempts.Inc()
		err = l.Upload(img, offset)
		if err == nil {
			err = l.Validate(img, offset)
		}
		if err == nil {
			l.log.Info("firmware uploaded", "name", img.Name, "bytes", img.Size(), "attempt", try)
			return nil
		}
		if !IsRetryable(err) {
			l.log.Error(err, "firmware upload failed, not retrying", "name", img.Name, "attempt", try)
			return err
		}
		l.log.Info("firmware upload attempt failed", "name", img.Name, "attempt", try, "error", err.Error())
		if try < l.retries {
			l.pause(l.interval)
		}
	}
	return fmt.Errorf("firmware %s failed after %d attempts: %w", img.Name, l.retries, err)
}

// ApplyErrata writes patch into device memory when it targets img. It
// reports whether anything was written.
func (l *FirmwareLoader) ApplyErrata(img *FirmwareImage, patch *ErrataPatch) bool {
	if !patch.Matches(img.checksum) {
		l.log.V(1).Info("no errata patch for this firmware", "checksum", fmt.Sprintf("0x%08x", img.checksum))
		return false
	}
	for i, w := range patch.Code {
		l.mem.WriteWord(DeviceAddr(patch.CodeAddr)+DeviceAddr(i*4), w)
	}
	for _, v := range patch.Vectors {
		l.mem.WriteWord(DeviceAddr(v.Addr), v.Value)
	}
	l.log.Info("applied firmware errata patch", "codeAddr", DeviceAddr(patch.CodeAddr),
		"codeWords", len(patch.Code), "vectors", len(patch.Vectors))
	return true
}
