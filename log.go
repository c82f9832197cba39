// Package txlog implements a write-ahead redo log for a block-addressed
// file system. Multiple concurrent callers populate an in-memory log via
// BeginOp/LogWrite/EndOp; a background worker (CommitLoop) installs
// committed transaction groups to their home locations, decoupling op
// completion from log installation.
package txlog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// flushState is the tagged variant for the flush/commit state machine,
// replacing the three independent booleans (copying, committing,
// copyAttempted) the classical design used: Idle -> FlushRequested ->
// Flushing -> Committing -> Idle. Folding them into one enum makes the
// invariant "committing and copying are never simultaneously true"
// structurally true instead of merely convention.
type flushState int32

const (
	stateIdle flushState = iota
	// stateFlushRequested: a thread observed the log needs to be
	// flushed and marked it so, but no copier has been elected yet.
	stateFlushRequested
	// stateFlushing: a copier has been elected and is performing the
	// copy I/O outside any lock.
	stateFlushing
	// stateCommitting: the header for a committed transaction is on
	// disk; the worker has not yet installed it.
	stateCommitting
)

// Log is a handle to one log instance over one device's log region. It
// is returned by Open and passed explicitly to the file-system layer;
// there is no package-level singleton, so multiple independent logs can
// coexist (for testing and fault injection).
type Log struct {
	dev         BlockDevice
	start       uint32 // first block of the log region (header)
	size        uint32 // length of the log region, from the superblock
	logSize     int    // LOGSIZE: max blocks per transaction group
	maxOpBlocks int    // MAXOPBLOCKS: worst-case blocks per op
	blockSize   int

	// mainMu protects outstanding, lh, and the space-reservation
	// predicate. mainCond parks admission (BeginOp) waiters.
	mainMu      sync.Mutex
	mainCond    *sync.Cond
	outstanding int
	lh          LogHeader

	// commitMu protects state (committing/copying/copyAttempted,
	// folded into flushState) and serializes copier/worker rendezvous.
	// Fixed acquisition order when both are needed: mainMu before
	// commitMu.
	commitMu   sync.Mutex
	commitCond *sync.Cond
	state      flushState

	logger   Logger
	observer Observer
	metrics  *Metrics
}

// Open initializes a Log over the log region described by sb on dev,
// running crash recovery before returning. Equivalent to the classical
// initlog(dev, superblock): replays any committed-but-not-installed
// transaction found on disk, then clears the header.
func Open(dev BlockDevice, sb Superblock, opts Options) (*Log, error) {
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultOptions().LogSize
	}
	if opts.MaxOpBlocks <= 0 {
		opts.MaxOpBlocks = DefaultOptions().MaxOpBlocks
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultOptions().BlockSize
	}
	if opts.Observer == nil {
		opts.Observer = NoOpObserver{}
	}

	if headerSize(opts.LogSize) >= opts.BlockSize {
		return nil, NewError("Open", CodeHeaderTooLarge,
			fmt.Sprintf("header needs %d bytes for %d log slots, block size is %d", headerSize(opts.LogSize), opts.LogSize, opts.BlockSize))
	}

	l := &Log{
		dev:         dev,
		start:       sb.LogStart,
		size:        sb.NLog,
		logSize:     opts.LogSize,
		maxOpBlocks: opts.MaxOpBlocks,
		blockSize:   opts.BlockSize,
		logger:      opts.Logger,
		observer:    opts.Observer,
		metrics:     NewMetrics(),
	}
	l.mainCond = sync.NewCond(&l.mainMu)
	l.commitCond = sync.NewCond(&l.commitMu)
	l.lh.Block = make([]uint32, opts.LogSize)

	if err := l.recoverFromLog(); err != nil {
		return nil, WrapError("Open", err)
	}
	return l, nil
}

// Metrics returns the log's metrics collector.
func (l *Log) Metrics() *Metrics {
	return l.metrics
}

// BeginOp blocks until it is safe to start a new op; on return the
// caller has reserved MaxOpBlocks worth of log space.
func (l *Log) BeginOp() {
	l.mainMu.Lock()
	for {
		if l.flushInProgress() {
			l.metrics.RecordAdmissionWait()
			l.observer.ObserveAdmissionWait()
			l.mainCond.Wait()
			continue
		}

		if l.lh.N+int32((l.outstanding+1)*l.maxOpBlocks) > int32(l.logSize) {
			// This op might exhaust log space; a flush must happen
			// first. Request one and, if elected, perform it — with
			// mainMu released, since the copy does device I/O.
			l.metrics.RecordAdmissionWait()
			l.observer.ObserveAdmissionWait()
			l.mainMu.Unlock()
			l.triggerFlush()
			l.mainMu.Lock()
			continue
		}

		l.outstanding++
		l.mainMu.Unlock()
		return
	}
}

// LogWrite records that b is part of the current transaction group.
// Repeated writes to the same block number absorb: the group grows by
// at most one slot per distinct block. Must be called between BeginOp
// and EndOp of the same op.
func (l *Log) LogWrite(b *Buffer) {
	l.mainMu.Lock()
	defer l.mainMu.Unlock()

	if l.lh.N >= int32(l.logSize) || l.lh.N >= int32(l.size)-1 {
		panic(NewBlockError("LogWrite", b.BlockNo, CodeOversizeTransaction, "transaction group exceeds log capacity"))
	}
	if l.outstanding < 1 {
		panic(NewBlockError("LogWrite", b.BlockNo, CodeWriteOutsideTransaction, "log write outside of a transaction"))
	}

	var i int32
	for ; i < l.lh.N; i++ {
		if l.lh.Block[i] == b.BlockNo {
			break // log absorption
		}
	}
	absorbed := i < l.lh.N
	l.lh.Block[i] = b.BlockNo
	if !absorbed {
		l.dev.Pin(b)
		l.lh.N++
	}

	l.metrics.RecordLogWrite(absorbed)
	l.observer.ObserveLogWrite(absorbed)
	if l.logger != nil {
		l.logger.Debugf("txlog: logged block %d absorbed=%v n=%d", b.BlockNo, absorbed, l.lh.N)
	}
}

// EndOp leaves the transaction. It decrements the outstanding op count
// and, if the group is close enough to full that the next op could
// overflow it, hands off to the flush machinery. If this call is elected
// copier, it performs the copy and header write itself (first waiting
// out any commit still being installed); installing the group to its
// home locations is always left to the background worker.
func (l *Log) EndOp() {
	l.mainMu.Lock()
	l.outstanding--
	mightOverflow := l.lh.N > int32(l.logSize-l.maxOpBlocks)
	l.mainMu.Unlock()

	if mightOverflow {
		l.triggerFlush()
	}

	l.mainMu.Lock()
	l.mainCond.Broadcast()
	l.mainMu.Unlock()
}

// flushInProgress reports whether a flush has been requested or is
// actively being copied, read under commitMu (never outside it — this
// is the fix for the data race spec.md's design notes call out in the
// original source).
func (l *Log) flushInProgress() bool {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	return l.state == stateFlushRequested || l.state == stateFlushing
}

// triggerFlush requests a flush (idempotent: a no-op if one is already
// requested or in progress) and, if this goroutine wins election as the
// designated copier, performs it.
func (l *Log) triggerFlush() {
	l.requestFlush()
	if l.electCopier() {
		l.runFlush()
	}
}

// requestFlush marks that a flush is needed, waiting out any commit
// already in progress first — copying and committing must never be
// true simultaneously (invariant 4).
func (l *Log) requestFlush() {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	for l.state == stateCommitting {
		l.commitCond.Wait()
	}
	if l.state == stateIdle {
		l.state = stateFlushRequested
	}
}

// electCopier is the copy_attempted race: exactly one caller observing
// stateFlushRequested wins and transitions to stateFlushing.
func (l *Log) electCopier() bool {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	if l.state == stateFlushRequested {
		l.state = stateFlushing
		return true
	}
	return false
}

// runFlush is the copy phase (copier only, no log lock held during
// I/O): copy each logged block to its log slot, write the header (the
// commit point), clear lh.n, and hand off to the committing state.
func (l *Log) runFlush() {
	l.mainMu.Lock()
	n := int(l.lh.N)
	blocks := make([]uint32, n)
	copy(blocks, l.lh.Block[:n])
	l.mainMu.Unlock()

	if n == 0 {
		l.commitMu.Lock()
		l.state = stateIdle
		l.commitMu.Unlock()
		l.broadcastAll()
		return
	}

	start := time.Now()
	for i, blockno := range blocks {
		home, err := l.dev.Read(blockno)
		if err != nil {
			panic(WrapError("flush", err))
		}
		logBuf := &Buffer{BlockNo: l.start + 1 + uint32(i), Data: append([]byte(nil), home.Data...)}
		writeErr := l.dev.Write(logBuf)
		l.dev.Release(home)
		if writeErr != nil {
			panic(WrapError("flush", writeErr))
		}
	}

	hdr := LogHeader{N: int32(n), Block: blocks}
	hdrBuf := &Buffer{BlockNo: l.start, Data: hdr.Marshal(l.blockSize)}
	if err := l.dev.Write(hdrBuf); err != nil {
		panic(WrapError("flush", err))
	}

	l.mainMu.Lock()
	// A still-outstanding op may have called LogWrite while the copy
	// above ran unlocked, appending past index n. Those entries were
	// never part of the header just written to disk, so they must
	// survive for the next flush instead of being dropped here — a drop
	// would both lose the write and leak the Pin LogWrite already took.
	if extra := l.lh.N - int32(n); extra > 0 {
		copy(l.lh.Block[:extra], l.lh.Block[int32(n):l.lh.N])
		l.lh.N = extra
	} else {
		l.lh.N = 0
	}
	l.mainMu.Unlock()

	l.commitMu.Lock()
	if l.state != stateFlushing {
		l.commitMu.Unlock()
		panic(NewError("flush", CodeDoubleCopy, "copy finished while not in the flushing state"))
	}
	l.state = stateCommitting
	l.commitMu.Unlock()

	latency := uint64(time.Since(start).Nanoseconds())
	l.metrics.RecordCommit(latency)
	l.observer.ObserveCommit(latency)

	l.broadcastAll()
}

// broadcastAll wakes every waiter class: admission (mainCond) and the
// worker/flush rendezvous (commitCond). A real single-channel
// sleep/wakeup primitive would do this with one call; split across two
// sync.Cond values, a state transition that matters to both sides must
// broadcast both.
func (l *Log) broadcastAll() {
	l.mainMu.Lock()
	l.mainCond.Broadcast()
	l.mainMu.Unlock()

	l.commitMu.Lock()
	l.commitCond.Broadcast()
	l.commitMu.Unlock()
}

// CommitLoop is the commit worker's entry point: it installs committed
// transaction groups to their home locations and clears the on-disk
// header, running until ctx is cancelled. It must not hold commitMu
// while performing device I/O, so it never blocks the next copier a
// syscall elects.
func (l *Log) CommitLoop(ctx context.Context) {
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			l.commitMu.Lock()
			l.commitCond.Broadcast()
			l.commitMu.Unlock()
		}()
	}

	for {
		l.commitMu.Lock()
		for l.state != stateCommitting {
			if ctx.Err() != nil {
				l.commitMu.Unlock()
				return
			}
			l.commitCond.Wait()
		}
		l.commitMu.Unlock()

		if ctx.Err() != nil {
			return
		}

		hdrData, err := l.readHeaderBlock()
		if err != nil {
			panic(WrapError("CommitLoop", err))
		}
		var committed LogHeader
		committed.Unmarshal(hdrData, l.logSize)

		if err := l.installTrans(&committed, false); err != nil {
			panic(WrapError("CommitLoop", err))
		}

		// Erase the transaction from disk now that every block is
		// installed, so a crash before the next commit does not replay
		// it again at recovery.
		zero := LogHeader{N: 0, Block: make([]uint32, l.logSize)}
		zeroBuf := &Buffer{BlockNo: l.start, Data: zero.Marshal(l.blockSize)}
		if err := l.dev.Write(zeroBuf); err != nil {
			panic(WrapError("CommitLoop", err))
		}

		l.commitMu.Lock()
		l.state = stateIdle
		l.commitMu.Unlock()

		l.broadcastAll()
	}
}

// installTrans copies each logged payload block to its home location,
// described by hdr — the committed transaction, NOT the live l.lh
// (which the worker's caller may already be reusing to accumulate the
// next transaction group by the time this runs: runFlush clears lh.N
// as soon as the header hits disk, precisely so a new BeginOp doesn't
// have to wait for installation, per the handoff invariant). Callers
// pass either a header just read back off disk (the worker's
// steady-state path) or the header recovered at Open time.
// When recovering is false it unpins the home block once installed,
// since it is no longer needed pinned in cache; when recovering is
// true (boot-time recovery) the cache is empty, so there is nothing to
// unpin.
func (l *Log) installTrans(hdr *LogHeader, recovering bool) error {
	start := time.Now()
	n := int(hdr.N)
	for i := 0; i < n; i++ {
		logBuf, err := l.dev.Read(l.start + 1 + uint32(i))
		if err != nil {
			return WrapError("installTrans", err)
		}
		home, err := l.dev.Read(hdr.Block[i])
		if err != nil {
			l.dev.Release(logBuf)
			return WrapError("installTrans", err)
		}
		copy(home.Data, logBuf.Data)
		writeErr := l.dev.Write(home)
		if !recovering {
			l.dev.Unpin(home)
		}
		l.dev.Release(logBuf)
		l.dev.Release(home)
		if writeErr != nil {
			return WrapError("installTrans", writeErr)
		}
	}

	if n > 0 {
		latencyNs := uint64(time.Since(start).Nanoseconds())
		l.metrics.RecordInstalledBlocks(uint64(n))
		l.metrics.RecordInstall(latencyNs)
		l.observer.ObserveInstall(latencyNs)
	}
	return nil
}

// recoverFromLog replays a committed-but-not-installed transaction at
// Open time, then clears the on-disk header. Safe to run arbitrarily
// many times against the same on-disk state: install is an overwrite
// to a known set of home blocks, and the final header write is
// idempotent.
func (l *Log) recoverFromLog() error {
	hdrData, err := l.readHeaderBlock()
	if err != nil {
		return err
	}
	l.lh.Unmarshal(hdrData, l.logSize)

	if err := l.installTrans(&l.lh, true); err != nil {
		return err
	}

	l.lh.N = 0
	return l.writeHeaderBlock()
}

func (l *Log) readHeaderBlock() ([]byte, error) {
	buf, err := l.dev.Read(l.start)
	if err != nil {
		return nil, WrapError("readHeaderBlock", err)
	}
	data := append([]byte(nil), buf.Data...)
	l.dev.Release(buf)
	return data, nil
}

func (l *Log) writeHeaderBlock() error {
	buf := &Buffer{BlockNo: l.start, Data: l.lh.Marshal(l.blockSize)}
	if err := l.dev.Write(buf); err != nil {
		return WrapError("writeHeaderBlock", err)
	}
	return nil
}
