package dht

import "sync"

// arena is a bounded free list of receive buffers. A reader takes a block with
// Pop, fills it and hands the shortened slice to a worker, which must give it
// back with Push once the datagram is decoded. The bytes given by Pop() are
// *not* zeroed, so only positions that were written may be read.
//
// When every block is in flight Pop fails and the datagram is dropped; this is
// what bounds the memory held by packets waiting for a worker.
type arena struct {
	sync.Mutex
	blocks [][]byte
	bsize  int
}

func newArena(blockSize int, numBlocks int) *arena {
	b := make([][]byte, numBlocks)
	for i := range b {
		b[i] = make([]byte, blockSize)
	}
	return &arena{blocks: b, bsize: blockSize}
}

// Pop returns a free block, or false if all blocks are in use.
func (a *arena) Pop() (x []byte, ok bool) {
	a.Lock()
	defer a.Unlock()
	if len(a.blocks) == 0 {
		return nil, false
	}
	x, a.blocks = a.blocks[len(a.blocks)-1], a.blocks[:len(a.blocks)-1]
	return x, true
}

func (a *arena) Push(x []byte) {
	a.Lock()
	x = x[:cap(x)]
	a.blocks = append(a.blocks, x)
	a.Unlock()
}

// free is the number of blocks available.
func (a *arena) free() int {
	a.Lock()
	defer a.Unlock()
	return len(a.blocks)
}
