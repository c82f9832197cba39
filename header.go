package txlog

import "encoding/binary"

// LogHeader is the on-disk commit record: a count of logged blocks and
// the home block number each payload slot belongs to. If N > 0 on disk,
// a committed transaction exists and must be installed at the next boot.
type LogHeader struct {
	N     int32
	Block []uint32 // len == LogSize, only [0:N) are meaningful
}

// headerSize returns the number of meaningful (non-padding) bytes in a
// marshalled header for the given LogSize. The caller (Open) checks this
// against BlockSize.
func headerSize(logSize int) int {
	return 4 + 4*logSize
}

// Marshal encodes the header as BlockSize bytes, little-endian:
// [0:4) N int32 | [4:4+4*len(Block)) Block []int32 | zero-padded tail.
func (h *LogHeader) Marshal(blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.N))
	off := 4
	for i := 0; i < len(h.Block); i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], h.Block[i])
		off += 4
	}
	return buf
}

// Unmarshal decodes a header previously written by Marshal. The caller
// supplies logSize (the number of payload slots the log region has) so
// Unmarshal knows how many block numbers to read back.
func (h *LogHeader) Unmarshal(buf []byte, logSize int) {
	h.N = int32(binary.LittleEndian.Uint32(buf[0:4]))
	if cap(h.Block) < logSize {
		h.Block = make([]uint32, logSize)
	} else {
		h.Block = h.Block[:logSize]
	}
	off := 4
	for i := 0; i < logSize; i++ {
		h.Block[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
}
