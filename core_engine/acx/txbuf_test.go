package acx

import (
	"testing"

	. "github.com/onsi/gomega"
)

func newTestPool(t *testing.T, blocks int) (*TxBufferPool, *fakeWindow) {
	t.Helper()
	win := newFakeWindow(0x10000, 256)
	mem, _ := newTestSlaveMemory(t, win)
	pool, err := NewTxBufferPool(mem, testLog(t), 0xa000, 256, blocks)
	if err != nil {
		t.Fatalf("NewTxBufferPool: %v", err)
	}
	pool.Init()
	return pool, win
}

func TestNewTxBufferPoolRejectsBadGeometry(t *testing.T) {
	g := NewWithT(t)
	win := newFakeWindow(0x10000, 256)
	mem, _ := newTestSlaveMemory(t, win)

	_, err := NewTxBufferPool(mem, testLog(t), 0xa000, 100, 8)
	g.Expect(err).To(HaveOccurred())
	_, err = NewTxBufferPool(mem, testLog(t), 0, 256, 8)
	g.Expect(err).To(HaveOccurred())
	_, err = NewTxBufferPool(mem, testLog(t), 0xa010, 256, 8)
	g.Expect(err).To(HaveOccurred())
	_, err = NewTxBufferPool(mem, testLog(t), 0xa000, 256, 0)
	g.Expect(err).To(HaveOccurred())
}

func TestTxBufferPoolInit(t *testing.T) {
	g := NewWithT(t)
	pool, win := newTestPool(t, 8)

	g.Expect(pool.Free()).To(Equal(8))
	g.Expect(pool.Head()).To(Equal(DeviceAddr(0xa000)))
	g.Expect(win.word(0xa000)).To(Equal(uint32(0xa100) >> TXBUF_SHIFT))
	g.Expect(win.word(0xa700)).To(Equal(TXBUF_LAST))

	blocks, err := pool.Blocks()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(blocks).To(Equal([]BlockIndex{0, 1, 2, 3, 4, 5, 6, 7}))
	g.Expect(pool.Verify()).To(Succeed())
}

func TestTxBufferPoolBlocksNeeded(t *testing.T) {
	g := NewWithT(t)
	pool, _ := newTestPool(t, 8)

	for n, want := range map[int]int{0: 0, 1: 1, 252: 1, 253: 2, 1000: 4, 2346: 10} {
		g.Expect(pool.BlocksNeeded(n)).To(Equal(want), "%d bytes", n)
	}
}

func TestTxBufferPoolAllocateAndReclaim(t *testing.T) {
	g := NewWithT(t)
	pool, win := newTestPool(t, 8)

	block, ok := pool.Allocate(1000)
	g.Expect(ok).To(BeTrue())
	g.Expect(block).To(Equal(DeviceAddr(0xa000)))
	g.Expect(pool.Free()).To(Equal(4))
	g.Expect(pool.Head()).To(Equal(DeviceAddr(0xa400)))
	// The allocated chain is terminated and detached from the free list.
	g.Expect(win.word(0xa300)).To(Equal(TXBUF_LAST))

	blocks, err := pool.Blocks()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(blocks).To(Equal([]BlockIndex{4, 5, 6, 7}))
	g.Expect(pool.Verify()).To(Succeed())

	pool.Reclaim(block)
	g.Expect(pool.Free()).To(Equal(8))
	g.Expect(pool.Head()).To(Equal(block))
	blocks, err = pool.Blocks()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(blocks).To(Equal([]BlockIndex{0, 1, 2, 3, 4, 5, 6, 7}))
	g.Expect(pool.Verify()).To(Succeed())
}

func TestTxBufferPoolTooLarge(t *testing.T) {
	g := NewWithT(t)
	pool, _ := newTestPool(t, 8)

	_, ok := pool.Allocate(9 * 252)
	g.Expect(ok).To(BeFalse())
	_, ok = pool.Allocate(0)
	g.Expect(ok).To(BeFalse())
	g.Expect(pool.Free()).To(Equal(8))
	g.Expect(pool.Verify()).To(Succeed())
}

func TestTxBufferPoolExhausted(t *testing.T) {
	g := NewWithT(t)
	pool, win := newTestPool(t, 8)

	first, ok := pool.Allocate(3 * 252)
	g.Expect(ok).To(BeTrue())
	second, ok := pool.Allocate(5 * 252)
	g.Expect(ok).To(BeTrue())
	g.Expect(pool.Free()).To(BeZero())
	g.Expect(pool.Head()).To(BeZero())

	blocks, err := pool.Blocks()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(blocks).To(BeEmpty())
	g.Expect(pool.Verify()).To(Succeed())

	_, ok = pool.Allocate(1)
	g.Expect(ok).To(BeFalse())

	// Reclaiming into an empty list terminates the chain.
	pool.Reclaim(second)
	g.Expect(pool.Free()).To(Equal(5))
	g.Expect(win.word(0xa700)).To(Equal(TXBUF_LAST))
	pool.Reclaim(first)
	g.Expect(pool.Free()).To(Equal(8))
	blocks, err = pool.Blocks()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(blocks).To(Equal([]BlockIndex{0, 1, 2, 3, 4, 5, 6, 7}))
}

func TestTxBufferPoolRefusesForeignBlock(t *testing.T) {
	g := NewWithT(t)
	pool, _ := newTestPool(t, 8)

	_, ok := pool.Allocate(252)
	g.Expect(ok).To(BeTrue())
	pool.Reclaim(0x9000)
	pool.Reclaim(0xa010)
	pool.Reclaim(0xa800)
	g.Expect(pool.Free()).To(Equal(7))
	g.Expect(pool.Verify()).To(Succeed())
}

func TestTxBufferPoolVerifyCatchesCorruption(t *testing.T) {
	g := NewWithT(t)
	pool, win := newTestPool(t, 8)

	// Cut the list short behind the pool's back.
	win.putWord(0xa300, TXBUF_LAST)
	g.Expect(pool.Verify()).To(MatchError(ContainSubstring("holds 4 blocks")))

	// Point a link outside the pool.
	win.putWord(0xa300, 0x9000>>TXBUF_SHIFT)
	g.Expect(pool.Verify()).To(HaveOccurred())
}

func TestTxBufferPoolReclaimLoopingChain(t *testing.T) {
	g := NewWithT(t)
	pool, win := newTestPool(t, 8)

	block, ok := pool.Allocate(2 * 252)
	g.Expect(ok).To(BeTrue())
	g.Expect(pool.Free()).To(Equal(6))

	// Block 1 links back to block 0 and the chain never ends.
	win.putWord(0xa100, 0xa000>>TXBUF_SHIFT)
	pool.Reclaim(block)
	g.Expect(pool.Free()).To(Equal(6))
	g.Expect(pool.Head()).To(Equal(DeviceAddr(0xa200)))
	g.Expect(pool.Verify()).To(Succeed())
}

func TestTxBufferPoolReclaimTwice(t *testing.T) {
	g := NewWithT(t)
	pool, _ := newTestPool(t, 8)

	block, ok := pool.Allocate(252)
	g.Expect(ok).To(BeTrue())
	pool.Reclaim(block)
	g.Expect(pool.Free()).To(Equal(8))

	// The block is already on the free list; a second reclaim is refused.
	pool.Reclaim(block)
	g.Expect(pool.Free()).To(Equal(8))
	g.Expect(pool.Verify()).To(Succeed())
}
