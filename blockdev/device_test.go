package blockdev

import (
	"testing"

	"github.com/dlarkin/txlog"
)

func TestDeviceReadWrite(t *testing.T) {
	d := NewDevice(16, 512)

	buf, err := d.Read(3)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for _, b := range buf.Data {
		if b != 0 {
			t.Fatalf("fresh device block 3 not zeroed")
		}
	}

	buf.Data[0] = 0xAB
	if err := d.Write(buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf2, err := d.Read(3)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if buf2.Data[0] != 0xAB {
		t.Errorf("Read after Write got %#x, want 0xAB", buf2.Data[0])
	}
}

func TestDeviceReadReturnsSameCachedBuffer(t *testing.T) {
	d := NewDevice(4, 64)

	buf, _ := d.Read(0)
	buf.Data[10] = 42

	buf2, _ := d.Read(0)
	if buf2 != buf {
		t.Fatalf("Read(0) returned a different *Buffer than the previous Read(0)")
	}
	if buf2.Data[10] != 42 {
		t.Errorf("mutating a Read buffer's Data did not carry over to a later Read of the same block")
	}
}

func TestDeviceSnapshotOnlySeesWrittenData(t *testing.T) {
	d := NewDevice(4, 64)

	buf, _ := d.Read(0)
	buf.Data[10] = 42 // mutated in the cache, never Written

	if snap := d.Snapshot(); snap[0][10] != 0 {
		t.Errorf("Snapshot saw an uncommitted cache mutation; the durable store must only change via Write")
	}

	if err := d.Write(buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if snap := d.Snapshot(); snap[0][10] != 42 {
		t.Errorf("Snapshot did not see a committed Write")
	}
}

func TestNewDeviceFromSnapshotStartsWithEmptyCache(t *testing.T) {
	d := NewDevice(2, 64)
	buf, _ := d.Read(0)
	buf.Data[0] = 0x77 // cached, never Written: must not survive a "reboot"

	rebooted := NewDeviceFromSnapshot(d.Snapshot(), 64)
	home, _ := rebooted.Read(0)
	if home.Data[0] != 0 {
		t.Errorf("rebooted device saw a mutation the prior process's cache never committed")
	}
}

func TestDeviceOutOfRange(t *testing.T) {
	d := NewDevice(4, 64)

	if _, err := d.Read(4); err == nil {
		t.Error("Read(4) on a 4-block device should fail")
	}
	if err := d.Write(&txlog.Buffer{BlockNo: 4, Data: make([]byte, 64)}); err == nil {
		t.Error("Write to block 4 on a 4-block device should fail")
	}
}

func TestDeviceWriteWrongSize(t *testing.T) {
	d := NewDevice(4, 64)
	if err := d.Write(&txlog.Buffer{BlockNo: 0, Data: make([]byte, 32)}); err == nil {
		t.Error("Write with mismatched block size should fail")
	}
}

func TestDevicePinUnpinBalance(t *testing.T) {
	d := NewDevice(4, 64)
	buf := &txlog.Buffer{BlockNo: 2}

	d.Pin(buf)
	d.Pin(buf)
	if got := d.PinCount(2); got != 2 {
		t.Fatalf("PinCount after two Pins = %d, want 2", got)
	}

	d.Unpin(buf)
	if got := d.PinCount(2); got != 1 {
		t.Fatalf("PinCount after one Unpin = %d, want 1", got)
	}
}

func TestDeviceUnbalancedUnpinPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Unpin without a matching Pin should panic")
		}
	}()
	d := NewDevice(4, 64)
	d.Unpin(&txlog.Buffer{BlockNo: 0})
}

func TestDeviceConcurrentAccessAcrossShards(t *testing.T) {
	d := NewDevice(256, 128)
	done := make(chan struct{})

	for i := uint32(0); i < 256; i++ {
		go func(blockno uint32) {
			buf, err := d.Read(blockno)
			if err != nil {
				t.Errorf("Read(%d) failed: %v", blockno, err)
			}
			buf.Data[0] = byte(blockno)
			if err := d.Write(buf); err != nil {
				t.Errorf("Write(%d) failed: %v", blockno, err)
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 256; i++ {
		<-done
	}

	for i := uint32(0); i < 256; i++ {
		buf, _ := d.Read(i)
		if buf.Data[0] != byte(i) {
			t.Errorf("block %d = %#x, want %#x", i, buf.Data[0], byte(i))
		}
	}
}
