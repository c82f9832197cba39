package txlog

import "sync"

// FlakyBlockDevice wraps a BlockDevice and lets tests inject write
// failures and observe call counts, standing in for a disk that can
// fail partway through a flush — used to exercise the "crash before
// the commit point" class of recovery tests.
type FlakyBlockDevice struct {
	mu    sync.Mutex
	inner BlockDevice

	failAfterWrites int // fail the (failAfterWrites+1)'th Write onward; -1 disables
	writeCalls      int
	readCalls       int
}

// NewFlakyBlockDevice wraps inner with fault-injection controls, all
// disabled until one of the Fail* setters is called.
func NewFlakyBlockDevice(inner BlockDevice) *FlakyBlockDevice {
	return &FlakyBlockDevice{inner: inner, failAfterWrites: -1}
}

// FailAfterWrites arms the device to fail every Write from the
// (n+1)'th onward. n=0 fails every write immediately.
func (f *FlakyBlockDevice) FailAfterWrites(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfterWrites = n
}

// Disarm clears any armed failure.
func (f *FlakyBlockDevice) Disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfterWrites = -1
}

// WriteCalls returns the number of Write calls observed so far.
func (f *FlakyBlockDevice) WriteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCalls
}

// ReadCalls returns the number of Read calls observed so far.
func (f *FlakyBlockDevice) ReadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCalls
}

func (f *FlakyBlockDevice) Read(blockno uint32) (*Buffer, error) {
	f.mu.Lock()
	f.readCalls++
	f.mu.Unlock()
	return f.inner.Read(blockno)
}

func (f *FlakyBlockDevice) Write(buf *Buffer) error {
	f.mu.Lock()
	f.writeCalls++
	shouldFail := f.failAfterWrites >= 0 && f.writeCalls > f.failAfterWrites
	f.mu.Unlock()

	if shouldFail {
		return NewBlockError("Write", buf.BlockNo, CodeDeviceIO, "injected write failure")
	}
	return f.inner.Write(buf)
}

func (f *FlakyBlockDevice) Release(buf *Buffer) { f.inner.Release(buf) }
func (f *FlakyBlockDevice) Pin(buf *Buffer)     { f.inner.Pin(buf) }
func (f *FlakyBlockDevice) Unpin(buf *Buffer)   { f.inner.Unpin(buf) }

var _ BlockDevice = (*FlakyBlockDevice)(nil)
