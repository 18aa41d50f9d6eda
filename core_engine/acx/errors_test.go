package acx

import (
	"errors"
	"fmt"
	"io"
	"testing"

	. "github.com/onsi/gomega"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	g := NewWithT(t)

	err := NewError(KindTimeout, "command 0x0a").WithCause("no completion after %s", "99ms")
	g.Expect(errors.Is(err, ErrTimeout)).To(BeTrue())
	g.Expect(errors.Is(err, ErrChecksum)).To(BeFalse())
	g.Expect(errors.Is(err, io.EOF)).To(BeFalse())

	wrapped := fmt.Errorf("reload: %w", err)
	g.Expect(errors.Is(wrapped, ErrTimeout)).To(BeTrue())
	g.Expect(KindOf(wrapped)).To(Equal(KindTimeout))
	g.Expect(KindOf(io.EOF)).To(BeZero())

	// A detailed error is not a sentinel for another detailed error.
	other := NewError(KindTimeout, "command 0x0b")
	g.Expect(errors.Is(err, other)).To(BeFalse())
}

func TestErrorText(t *testing.T) {
	g := NewWithT(t)

	err := NewError(KindCommandFailed, "command 0x02").WithStatus(CMD_CONFIGURE, 8)
	g.Expect(err.Error()).To(Equal("command 0x02: command failed, Command: 0x02, Status: 8 (Command rejected)"))
	g.Expect(err.Command()).To(Equal(CMD_CONFIGURE))
	g.Expect(err.Status()).To(Equal(uint16(8)))

	err = NewError(KindIntegrity, "firmware validate").WithCause("word at 0x00040").WithError(io.ErrUnexpectedEOF)
	g.Expect(err.Error()).To(Equal("firmware validate: integrity, Cause: word at 0x00040, Internal Error: unexpected EOF"))
	g.Expect(errors.Is(err, io.ErrUnexpectedEOF)).To(BeTrue())
	g.Expect(err.Cause()).To(Equal("word at 0x00040"))

	g.Expect(Kind(99).String()).To(Equal("Kind(99)"))
}

func TestIsRetryable(t *testing.T) {
	g := NewWithT(t)

	g.Expect(IsRetryable(NewError(KindTimeout, "x"))).To(BeTrue())
	g.Expect(IsRetryable(fmt.Errorf("load: %w", NewError(KindChecksum, "x")))).To(BeTrue())
	g.Expect(IsRetryable(NewError(KindIntegrity, "x"))).To(BeFalse())
	g.Expect(IsRetryable(NewError(KindLogic, "x"))).To(BeFalse())
	g.Expect(IsRetryable(io.EOF)).To(BeFalse())
}

func TestStatusStrings(t *testing.T) {
	g := NewWithT(t)

	g.Expect(CommandStatusString(CMD_STATUS_SUCCESS)).To(Equal("Success"))
	g.Expect(CommandStatusString(2)).To(Equal("Unknown Command"))
	g.Expect(CommandStatusString(10)).To(Equal("TX in progress"))
	g.Expect(CommandStatusString(0x400)).To(Equal("unknown status"))
	g.Expect(InfoTypeString(1)).To(Equal("scan complete"))
	g.Expect(InfoTypeString(0x7fff)).To(Equal("(unknown)"))
}
