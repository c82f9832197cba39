// Command txlogd drives a synthetic workload of concurrent transactions
// against an in-memory block device through the txlog write-ahead log,
// printing a metrics snapshot when the run ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dlarkin/txlog"
	"github.com/dlarkin/txlog/blockdev"
	"github.com/dlarkin/txlog/internal/logging"
)

func main() {
	var (
		sizeStr     = flag.String("size", "4M", "Size of the memory-backed device (e.g., 512K, 4M)")
		blockSize   = flag.Int("block-size", 4096, "Device block size in bytes")
		logSize     = flag.Int("log-size", 30, "Maximum blocks per transaction group")
		maxOpBlocks = flag.Int("max-op-blocks", 10, "Worst-case blocks a single op is assumed to log")
		workers     = flag.Int("workers", 8, "Number of concurrent synthetic workers")
		duration    = flag.Duration("duration", 5*time.Second, "How long to run the workload")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	nblocks := uint32(size / int64(*blockSize))
	if nblocks <= uint32(*logSize)+1 {
		log.Fatalf("device too small: %d blocks, need more than log-size+1=%d", nblocks, *logSize+1)
	}

	dev := blockdev.NewDevice(nblocks, *blockSize)
	sb := txlog.Superblock{LogStart: 0, NLog: uint32(*logSize) + 1}
	opts := txlog.Options{
		LogSize:     *logSize,
		MaxOpBlocks: *maxOpBlocks,
		BlockSize:   *blockSize,
		Logger:      logger,
	}

	l, err := txlog.Open(dev, sb, opts)
	if err != nil {
		logger.Error("failed to open log", "error", err)
		os.Exit(1)
	}

	logger.Info("log opened", "device_blocks", nblocks, "log_size", *logSize, "max_op_blocks", *maxOpBlocks)

	ctx, cancel := context.WithCancel(context.Background())
	go l.CommitLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runCtx, cancelRun := context.WithTimeout(ctx, *duration)
	defer cancelRun()

	homeStart := sb.NLog
	homeCount := nblocks - homeStart

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runWorker(runCtx, l, dev, homeStart, homeCount, seed)
		}(int64(i))
	}

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancelRun()
	case <-runCtx.Done():
		logger.Info("workload duration elapsed")
	}

	wg.Wait()
	cancel()

	printSnapshot(l.Metrics().Snapshot())
}

// runWorker repeatedly opens a small op writing a handful of randomly
// chosen home blocks until ctx is cancelled.
func runWorker(ctx context.Context, l *txlog.Log, dev *blockdev.Device, homeStart, homeCount uint32, seed int64) {
	rng := rand.New(rand.NewSource(seed + time.Now().UnixNano()))
	for ctx.Err() == nil {
		l.BeginOp()
		n := 1 + rng.Intn(3)
		for i := 0; i < n; i++ {
			blockno := homeStart + uint32(rng.Intn(int(homeCount)))
			buf, err := dev.Read(blockno)
			if err != nil {
				l.EndOp()
				return
			}
			buf.Data[0] = byte(rng.Intn(256))
			l.LogWrite(buf)
		}
		l.EndOp()
	}
}

func printSnapshot(snap txlog.MetricsSnapshot) {
	fmt.Printf("\n--- txlog metrics ---\n")
	fmt.Printf("commits:          %d\n", snap.Commits)
	fmt.Printf("installs:         %d\n", snap.Installs)
	fmt.Printf("admission waits:  %d\n", snap.AdmissionWaits)
	fmt.Printf("blocks logged:    %d\n", snap.BlocksLogged)
	fmt.Printf("blocks absorbed:  %d\n", snap.BlocksAbsorbed)
	fmt.Printf("blocks installed: %d\n", snap.BlocksInstalled)
	fmt.Printf("commit p50/p99:   %s / %s\n", time.Duration(snap.CommitLatencyP50Ns), time.Duration(snap.CommitLatencyP99Ns))
	fmt.Printf("install p50/p99:  %s / %s\n", time.Duration(snap.InstallLatencyP50Ns), time.Duration(snap.InstallLatencyP99Ns))
	fmt.Printf("uptime:           %s\n", time.Duration(snap.UptimeNs))
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
