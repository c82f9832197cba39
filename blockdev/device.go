// Package blockdev provides an in-memory reference implementation of
// txlog.BlockDevice, standing in for a real buffer cache and disk.
package blockdev

import (
	"fmt"
	"sync"

	"github.com/dlarkin/txlog"
)

// ShardCount is the number of lock shards blocks are spread across.
// Sharding keeps concurrent I/O from distinct transactions from
// serializing on a single mutex.
const ShardCount = 64

// Device is a RAM-backed block device with a write-back buffer cache in
// front of a durable backing store: a fixed number of fixed-size
// blocks, sharded-locked for parallel access, with a pin refcount per
// block standing in for "keep this dirty block resident" from a real
// buffer cache. Read and Write operate on two distinct arrays, cache
// and disk, so a buffer mutated after Read and never Written behaves
// like a real dirty cache entry: visible to later Reads of the same
// block, but absent from disk until Write lands it there.
type Device struct {
	blockSize int
	nblocks   uint32

	shards []sync.RWMutex
	disk   [][]byte        // durable backing store; only Write touches this
	cache  []*txlog.Buffer  // per-block cache entry, populated lazily on first Read
	pins   []int32
}

// NewDevice creates a Device of nblocks blocks, each blockSize bytes,
// all initially zeroed, with an empty cache.
func NewDevice(nblocks uint32, blockSize int) *Device {
	d := &Device{
		blockSize: blockSize,
		nblocks:   nblocks,
		shards:    make([]sync.RWMutex, ShardCount),
		disk:      make([][]byte, nblocks),
		cache:     make([]*txlog.Buffer, nblocks),
		pins:      make([]int32, nblocks),
	}
	for i := range d.disk {
		d.disk[i] = make([]byte, blockSize)
	}
	return d
}

// NewDeviceFromSnapshot creates a Device whose durable store is seeded
// from disk (as returned by an earlier Snapshot), with an empty cache
// and zero pins. This stands in for a process restart against the same
// physical medium: whatever a prior Device's cache held but never
// wrote is gone, exactly as a real buffer cache does not survive a
// crash.
func NewDeviceFromSnapshot(disk [][]byte, blockSize int) *Device {
	d := &Device{
		blockSize: blockSize,
		nblocks:   uint32(len(disk)),
		shards:    make([]sync.RWMutex, ShardCount),
		disk:      make([][]byte, len(disk)),
		cache:     make([]*txlog.Buffer, len(disk)),
		pins:      make([]int32, len(disk)),
	}
	for i, b := range disk {
		d.disk[i] = append([]byte(nil), b...)
	}
	return d
}

func (d *Device) shardFor(blockno uint32) *sync.RWMutex {
	return &d.shards[blockno%ShardCount]
}

func (d *Device) checkRange(blockno uint32) error {
	if blockno >= d.nblocks {
		return fmt.Errorf("blockdev: block %d out of range [0,%d)", blockno, d.nblocks)
	}
	return nil
}

// Read returns the block's cache entry, creating it from the durable
// store on first access. Repeated Read of the same unevicted block
// returns the same *Buffer, so a caller that mutates Data in place
// (the Read/mutate/LogWrite protocol) makes that mutation visible to
// every subsequent Read of the block — including the flush's Read of a
// logged block's home location — without requiring a Write in between.
// Nothing here ever evicts a cache entry once created; see the
// BlockDevice doc comment in blockdevice.go.
func (d *Device) Read(blockno uint32) (*txlog.Buffer, error) {
	if err := d.checkRange(blockno); err != nil {
		return nil, err
	}
	shard := d.shardFor(blockno)
	shard.Lock()
	defer shard.Unlock()

	if d.cache[blockno] == nil {
		d.cache[blockno] = &txlog.Buffer{
			BlockNo: blockno,
			Data:    append([]byte(nil), d.disk[blockno]...),
		}
	}
	return d.cache[blockno], nil
}

// Write commits buf.Data to blockno's durable storage synchronously and
// folds it back into the cache entry, so a Write through a detached
// buffer (the header and log-slot writes, which are never Read first)
// stays consistent with any later Read of that block.
func (d *Device) Write(buf *txlog.Buffer) error {
	if err := d.checkRange(buf.BlockNo); err != nil {
		return err
	}
	if len(buf.Data) != d.blockSize {
		return fmt.Errorf("blockdev: write to block %d has %d bytes, want %d", buf.BlockNo, len(buf.Data), d.blockSize)
	}
	shard := d.shardFor(buf.BlockNo)
	shard.Lock()
	defer shard.Unlock()

	copy(d.disk[buf.BlockNo], buf.Data)
	switch cached := d.cache[buf.BlockNo]; {
	case cached == nil:
		d.cache[buf.BlockNo] = &txlog.Buffer{BlockNo: buf.BlockNo, Data: append([]byte(nil), buf.Data...)}
	case cached != buf:
		copy(cached.Data, buf.Data)
	}
	return nil
}

// Release drops the caller's reference to buf. The cache entry is kept
// resident regardless — this device implements no eviction policy — so
// this is a no-op beyond documenting the handoff.
func (d *Device) Release(buf *txlog.Buffer) {
	_ = buf
}

// Pin increments blockno's pin refcount, standing in for "prevent
// eviction while dirty and not yet installed."
func (d *Device) Pin(buf *txlog.Buffer) {
	if buf.BlockNo >= d.nblocks {
		return
	}
	shard := d.shardFor(buf.BlockNo)
	shard.Lock()
	d.pins[buf.BlockNo]++
	shard.Unlock()
}

// Unpin decrements blockno's pin refcount. Calling Unpin on a block
// with a zero refcount indicates a bookkeeping bug upstream (an unpin
// without a matching pin) and panics rather than going negative.
func (d *Device) Unpin(buf *txlog.Buffer) {
	if buf.BlockNo >= d.nblocks {
		return
	}
	shard := d.shardFor(buf.BlockNo)
	shard.Lock()
	defer shard.Unlock()
	if d.pins[buf.BlockNo] <= 0 {
		panic(fmt.Sprintf("blockdev: unbalanced Unpin on block %d", buf.BlockNo))
	}
	d.pins[buf.BlockNo]--
}

// PinCount returns the current pin refcount for blockno, for tests.
func (d *Device) PinCount(blockno uint32) int32 {
	shard := d.shardFor(blockno)
	shard.RLock()
	defer shard.RUnlock()
	return d.pins[blockno]
}

// Snapshot returns a deep copy of the device's durable backing store,
// independent of any cache entry that was mutated after Read but never
// Written. It represents what would survive a crash: the bytes
// actually committed via Write, nothing a cache merely held in memory.
func (d *Device) Snapshot() [][]byte {
	snap := make([][]byte, d.nblocks)
	for i := uint32(0); i < d.nblocks; i++ {
		shard := d.shardFor(i)
		shard.RLock()
		snap[i] = append([]byte(nil), d.disk[i]...)
		shard.RUnlock()
	}
	return snap
}

// NBlocks returns the device's block count.
func (d *Device) NBlocks() uint32 {
	return d.nblocks
}

// BlockSize returns the device's block size in bytes.
func (d *Device) BlockSize() int {
	return d.blockSize
}

var _ txlog.BlockDevice = (*Device)(nil)
