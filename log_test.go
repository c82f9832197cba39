package txlog

import (
	"sync"
	"testing"
)

// fakeDevice is a minimal in-package BlockDevice for white-box tests
// that need to reach unexported Log internals (flushState, lh) and so
// cannot live in an external test package that would have to import
// blockdev, which itself imports this package.
type fakeDevice struct {
	mu        sync.Mutex
	blockSize int
	data      map[uint32][]byte
	pins      map[uint32]int
}

func newFakeDevice(blockSize int) *fakeDevice {
	return &fakeDevice{blockSize: blockSize, data: make(map[uint32][]byte), pins: make(map[uint32]int)}
}

func (d *fakeDevice) Read(blockno uint32) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.data[blockno]
	if !ok {
		buf = make([]byte, d.blockSize)
		d.data[blockno] = buf
	}
	return &Buffer{BlockNo: blockno, Data: append([]byte(nil), buf...)}, nil
}

func (d *fakeDevice) Write(buf *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[buf.BlockNo] = append([]byte(nil), buf.Data...)
	return nil
}

func (d *fakeDevice) Release(buf *Buffer) {}

func (d *fakeDevice) Pin(buf *Buffer) {
	d.mu.Lock()
	d.pins[buf.BlockNo]++
	d.mu.Unlock()
}

func (d *fakeDevice) Unpin(buf *Buffer) {
	d.mu.Lock()
	d.pins[buf.BlockNo]--
	d.mu.Unlock()
}

func testOptions() Options {
	return Options{LogSize: 5, MaxOpBlocks: 2, BlockSize: 64}
}

func testSuperblock() Superblock {
	return Superblock{LogStart: 0, NLog: 6}
}

func TestOpenRejectsHeaderLargerThanBlock(t *testing.T) {
	dev := newFakeDevice(8)
	_, err := Open(dev, testSuperblock(), Options{LogSize: 5, MaxOpBlocks: 2, BlockSize: 8})
	if !IsCode(err, CodeHeaderTooLarge) {
		t.Fatalf("expected CodeHeaderTooLarge, got %v", err)
	}
}

func TestLogWriteAbsorption(t *testing.T) {
	dev := newFakeDevice(64)
	l, err := Open(dev, testSuperblock(), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.BeginOp()
	b := &Buffer{BlockNo: 10, Data: make([]byte, 64)}
	l.LogWrite(b)
	l.LogWrite(b) // same block again: must absorb, not grow lh.N
	if l.lh.N != 1 {
		t.Fatalf("lh.N = %d, want 1 after absorbing a repeat write", l.lh.N)
	}
	if dev.pins[10] != 1 {
		t.Fatalf("pin count for block 10 = %d, want 1 (absorbed writes must not re-pin)", dev.pins[10])
	}
	l.EndOp()

	snap := l.Metrics().Snapshot()
	if snap.BlocksLogged != 1 || snap.BlocksAbsorbed != 1 {
		t.Fatalf("metrics = %+v, want BlocksLogged=1 BlocksAbsorbed=1", snap)
	}
}

func TestLogWriteOutsideTransactionPanics(t *testing.T) {
	dev := newFakeDevice(64)
	l, err := Open(dev, testSuperblock(), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("LogWrite without BeginOp should panic")
		}
		if !IsCode(r.(error), CodeWriteOutsideTransaction) {
			t.Fatalf("panic = %v, want CodeWriteOutsideTransaction", r)
		}
	}()
	l.LogWrite(&Buffer{BlockNo: 1, Data: make([]byte, 64)})
}

func TestLogWriteOversizeTransactionPanics(t *testing.T) {
	dev := newFakeDevice(64)
	opts := testOptions()
	l, err := Open(dev, testSuperblock(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.BeginOp()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("logging more than LogSize distinct blocks should panic")
		}
		if !IsCode(r.(error), CodeOversizeTransaction) {
			t.Fatalf("panic = %v, want CodeOversizeTransaction", r)
		}
	}()
	for i := uint32(0); i < uint32(opts.LogSize)+1; i++ {
		l.LogWrite(&Buffer{BlockNo: 100 + i, Data: make([]byte, 64)})
	}
}

func TestTriggerFlushTransitionsToCommitting(t *testing.T) {
	dev := newFakeDevice(64)
	l, err := Open(dev, testSuperblock(), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.BeginOp()
	l.LogWrite(&Buffer{BlockNo: 7, Data: []byte{1, 2, 3, 4}})
	l.EndOp()

	l.triggerFlush()

	l.commitMu.Lock()
	state := l.state
	l.commitMu.Unlock()
	if state != stateCommitting {
		t.Fatalf("state after flush = %v, want stateCommitting", state)
	}

	l.mainMu.Lock()
	n := l.lh.N
	l.mainMu.Unlock()
	if n != 0 {
		t.Fatalf("lh.N after flush = %d, want 0 (cleared once committed)", n)
	}

	// The header block on disk must now carry the committed record.
	var hdr LogHeader
	data, _ := l.readHeaderBlock()
	hdr.Unmarshal(data, l.logSize)
	if hdr.N != 1 || hdr.Block[0] != 7 {
		t.Fatalf("on-disk header = %+v, want N=1 Block[0]=7", hdr)
	}
}

func TestFlushWithNoLoggedBlocksGoesIdle(t *testing.T) {
	dev := newFakeDevice(64)
	l, err := Open(dev, testSuperblock(), testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.triggerFlush()

	l.commitMu.Lock()
	state := l.state
	l.commitMu.Unlock()
	if state != stateIdle {
		t.Fatalf("state after flushing an empty group = %v, want stateIdle", state)
	}
}

func TestRecoverFromLogInstallsCommittedTransaction(t *testing.T) {
	dev := newFakeDevice(64)
	sb := testSuperblock()
	opts := testOptions()

	l, err := Open(dev, sb, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.BeginOp()
	payload := make([]byte, 64)
	payload[0] = 0xCD
	// The flush copies the home block as the device returns it, and
	// fakeDevice hands out detached copies, so the payload has to be on
	// the device for it to reach log slot 0.
	if err := dev.Write(&Buffer{BlockNo: 9, Data: payload}); err != nil {
		t.Fatalf("Write home block: %v", err)
	}
	l.LogWrite(&Buffer{BlockNo: 9, Data: payload})
	l.EndOp()
	l.triggerFlush() // commits: header on disk says block 9 is logged

	// The crash loses the uninstalled home-block contents; only the log
	// slot still holds the payload.
	if err := dev.Write(&Buffer{BlockNo: 9, Data: make([]byte, 64)}); err != nil {
		t.Fatalf("Write home block: %v", err)
	}

	// Simulate a reboot: a fresh Log over the same device must replay
	// block 9 from its log slot and clear the header.
	l2, err := Open(dev, sb, opts)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}

	home, err := dev.Read(9)
	if err != nil {
		t.Fatalf("Read home block: %v", err)
	}
	if home.Data[0] != 0xCD {
		t.Fatalf("home block 9 byte 0 = %#x, want 0xCD after recovery", home.Data[0])
	}

	data, _ := l2.readHeaderBlock()
	var hdr LogHeader
	hdr.Unmarshal(data, opts.LogSize)
	if hdr.N != 0 {
		t.Fatalf("header N after recovery = %d, want 0 (cleared)", hdr.N)
	}
}

func TestRecoverFromLogIsIdempotent(t *testing.T) {
	dev := newFakeDevice(64)
	sb := testSuperblock()
	opts := testOptions()

	l, err := Open(dev, sb, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.BeginOp()
	l.LogWrite(&Buffer{BlockNo: 2, Data: make([]byte, 64)})
	l.EndOp()
	l.triggerFlush()

	if _, err := Open(dev, sb, opts); err != nil {
		t.Fatalf("first recovery: %v", err)
	}
	// Recovering again against the now-clean header must be a no-op,
	// not a second (incorrect) replay.
	if _, err := Open(dev, sb, opts); err != nil {
		t.Fatalf("second recovery: %v", err)
	}
}
