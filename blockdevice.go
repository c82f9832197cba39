package txlog

// Buffer is an in-flight handle on one device block's contents. It is
// the unit of currency between the log core and the block device: a
// caller reads a buffer, mutates Data, and passes the buffer to
// LogWrite to record that the block is part of the current
// transaction group.
type Buffer struct {
	BlockNo uint32
	Data    []byte
}

// BlockDevice is the capability the log core needs from the buffer
// cache and block device, per the core's external-interface contract:
// read/write/release/pin/unpin of disk blocks. A correct buffer cache
// is assumed; this core does not implement eviction policy, only relies
// on Pin to keep a dirty, not-yet-installed block resident.
type BlockDevice interface {
	// Read fetches the block, blocking if necessary. May return a
	// cached buffer shared with a previous Read of the same block.
	Read(blockno uint32) (*Buffer, error)
	// Write flushes buf's contents to its block synchronously.
	Write(buf *Buffer) error
	// Release drops the caller's reference to buf.
	Release(buf *Buffer)
	// Pin prevents buf's block from being evicted from the cache.
	Pin(buf *Buffer)
	// Unpin allows buf's block to be evicted again.
	Unpin(buf *Buffer)
}
