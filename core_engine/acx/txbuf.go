// core_engine/acx/txbuf.go
package acx

import (
	"fmt"

	"github.com/go-logr/logr"
)

// BlockIndex is the position of a block inside the TX buffer pool.
type BlockIndex int

// TxBufferPool is the transmit buffer allocator. Its free list lives in
// device memory: the first word of every block holds the next block address
// shifted right by five in its low 19 bits, and TXBUF_LAST marks the end of
// a chain. The host keeps only the head and the counts.
//
// All methods require the adapter lock. Reclaim runs from the interrupt path
// too, so nothing here may sleep.
type TxBufferPool struct {
	mem       *SlaveMemory
	log       logr.Logger
	start     DeviceAddr
	blockSize uint32
	total     int
	free      int
	head      DeviceAddr
}

// NewTxBufferPool describes a pool of total blocks of blockSize bytes at
// start. Init must run before use.
func NewTxBufferPool(mem *SlaveMemory, log logr.Logger, start DeviceAddr, blockSize uint32, total int) (*TxBufferPool, error) {
	if blockSize <= TXBUF_HDR_LEN || blockSize&(1<<TXBUF_SHIFT-1) != 0 {
		return nil, fmt.Errorf("tx buffer block size %d must be a multiple of %d", blockSize, 1<<TXBUF_SHIFT)
	}
	// Address zero doubles as the empty free list.
	if start == 0 || uint32(start)&CHAIN_ALIGN_MASK != uint32(start) {
		return nil, fmt.Errorf("tx buffer pool start %s is not block aligned", start)
	}
	if total <= 0 {
		return nil, fmt.Errorf("tx buffer pool needs at least one block")
	}
	return &TxBufferPool{mem: mem, log: log, start: start, blockSize: blockSize, total: total}, nil
}

// Init links every block into the free list.
func (p *TxBufferPool) Init() {
	for i := 0; i < p.total-1; i++ {
		next := p.addr(BlockIndex(i + 1))
		p.mem.WriteWord(p.addr(BlockIndex(i)), uint32(next)>>TXBUF_SHIFT)
	}
	p.mem.WriteWord(p.addr(BlockIndex(p.total-1)), TXBUF_LAST)
	p.head = p.start
	p.free = p.total
	p.log.V(1).Info("tx buffer pool initialized", "start", p.start, "blocks", p.total, "blockSize", p.blockSize)
}

func (p *TxBufferPool) addr(i BlockIndex) DeviceAddr {
	return p.start + DeviceAddr(uint32(i)*p.blockSize)
}

// Index converts a block address into its position, checking that it is a
// block boundary inside the pool.
func (p *TxBufferPool) Index(addr DeviceAddr) (BlockIndex, error) {
	if addr < p.start {
		return 0, fmt.Errorf("address %s below pool start %s", addr, p.start)
	}
	off := uint32(addr - p.start)
	if off%p.blockSize != 0 {
		return 0, fmt.Errorf("address %s is not a block boundary", addr)
	}
	i := BlockIndex(off / p.blockSize)
	if int(i) >= p.total {
		return 0, fmt.Errorf("address %s beyond pool end", addr)
	}
	return i, nil
}

// BlocksNeeded is the number of blocks an n byte frame occupies. Each block
// gives up TXBUF_HDR_LEN bytes to its link word.
func (p *TxBufferPool) BlocksNeeded(n int) int {
	usable := int(p.blockSize) - TXBUF_HDR_LEN
	blocks := n / usable
	if n%usable != 0 {
		blocks++
	}
	return blocks
}

// Allocate takes enough blocks for n bytes from the head of the free list
// and returns the first one. ok is false when the pool cannot satisfy the
// request; that is backpressure, not an error.
func (p *TxBufferPool) Allocate(n int) (DeviceAddr, bool) {
	needed := p.BlocksNeeded(n)
	if needed == 0 || needed > p.free {
		return 0, false
	}

	block := p.head
	last := p.head
	for ; needed > 0; needed-- {
		last = p.head
		// Strip any stale control bits while walking.
		next := p.mem.ReadWord(p.head) & TXBUF_NEXT_MASK
		p.mem.WriteWord(p.head, next)
		p.head = DeviceAddr(next << TXBUF_SHIFT)
		p.free--
	}
	p.mem.WriteWord(last, TXBUF_LAST)

	if p.free == 0 {
		p.head = 0
	}
	return block, true
}

// Reclaim returns the chain starting at block to the free list.
func (p *TxBufferPool) Reclaim(block DeviceAddr) {
	if _, err := p.Index(block); err != nil {
		p.log.Error(err, "refusing to reclaim tx buffer outside the pool", "block", block)
		return
	}

	// Nothing is counted or relinked until the end marker is found.
	cur := block
	var last DeviceAddr
	visited := 0
	for {
		if visited >= p.total-p.free {
			p.log.Error(nil, "tx buffer chain does not terminate", "block", block, "visited", visited)
			return
		}
		last = cur
		next := p.mem.ReadWord(cur)
		visited++
		if next&TXBUF_LAST != 0 {
			break
		}
		cur = DeviceAddr((next & TXBUF_NEXT_MASK) << TXBUF_SHIFT)
	}
	p.free += visited

	if p.head != 0 {
		p.mem.WriteWord(last, uint32(p.head)>>TXBUF_SHIFT)
	} else {
		p.mem.WriteWord(last, TXBUF_LAST)
	}
	p.head = block
}

func (p *TxBufferPool) Free() int         { return p.free }
func (p *TxBufferPool) Total() int        { return p.total }
func (p *TxBufferPool) BlockSize() uint32 { return p.blockSize }
func (p *TxBufferPool) Start() DeviceAddr { return p.start }
func (p *TxBufferPool) Head() DeviceAddr  { return p.head }

// Blocks walks the device-resident free list and returns the reachable
// block indices in list order.
func (p *TxBufferPool) Blocks() ([]BlockIndex, error) {
	var out []BlockIndex
	if p.free == 0 && p.head == 0 {
		return out, nil
	}
	cur := p.head
	for {
		i, err := p.Index(cur)
		if err != nil {
			return out, err
		}
		out = append(out, i)
		if len(out) > p.total {
			return out, fmt.Errorf("free list loops after %d blocks", len(out))
		}
		next := p.mem.ReadWord(cur)
		if next&TXBUF_LAST != 0 {
			return out, nil
		}
		cur = DeviceAddr((next & TXBUF_NEXT_MASK) << TXBUF_SHIFT)
	}
}

// Verify checks the free count against the device-resident list.
func (p *TxBufferPool) Verify() error {
	blocks, err := p.Blocks()
	if err != nil {
		return err
	}
	if len(blocks) != p.free {
		return fmt.Errorf("free list holds %d blocks, count says %d", len(blocks), p.free)
	}
	if p.free > p.total {
		return fmt.Errorf("free count %d exceeds pool size %d", p.free, p.total)
	}
	return nil
}
