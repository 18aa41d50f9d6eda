// core_engine/network/medium.go
package network

import (
	"fmt"
	"sync"
	"time"
)

// Medium is an in-memory link between two endpoints, standing in for the
// radio channel of an emulated card. Frames written on one end are read on
// the other. Writes never block; a full queue drops the frame.
type Medium struct {
	a, b *MediumEnd
}

// MediumEnd is one side of a Medium and implements HostNetInterface.
type MediumEnd struct {
	in      chan []byte
	peer    *MediumEnd
	wait    time.Duration
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewMedium links two ends, each queueing up to depth frames.
func NewMedium(depth int) *Medium {
	a := &MediumEnd{in: make(chan []byte, depth), wait: 10 * time.Millisecond}
	b := &MediumEnd{in: make(chan []byte, depth), wait: 10 * time.Millisecond}
	a.peer, b.peer = b, a
	return &Medium{a: a, b: b}
}

func (m *Medium) A() *MediumEnd { return m.a }
func (m *Medium) B() *MediumEnd { return m.b }

func (e *MediumEnd) Peer() *MediumEnd { return e.peer }

// ReadPacket waits briefly for a frame and returns nil when none arrives.
func (e *MediumEnd) ReadPacket() ([]byte, error) {
	t := time.NewTimer(e.wait)
	defer t.Stop()
	select {
	case p, ok := <-e.in:
		if !ok {
			return nil, fmt.Errorf("medium closed")
		}
		return p, nil
	case <-t.C:
		return nil, nil
	}
}

// WritePacket delivers a copy of packet to the peer.
func (e *MediumEnd) WritePacket(packet []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("medium closed")
	}
	p := append([]byte(nil), packet...)
	select {
	case e.peer.in <- p:
	default:
		e.dropped++
	}
	return nil
}

// Dropped counts frames lost because the peer queue was full.
func (e *MediumEnd) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *MediumEnd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
