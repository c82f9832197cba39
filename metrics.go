package txlog

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a Log.
type Metrics struct {
	// Op/block counters
	Commits         atomic.Uint64 // Transaction groups committed (header written)
	Installs        atomic.Uint64 // Non-empty transaction groups installed (by the worker or by recovery at Open)
	AdmissionWaits  atomic.Uint64 // Times BeginOp had to wait for space or a copy
	BlocksLogged    atomic.Uint64 // Distinct blocks appended via LogWrite (post-absorption)
	BlocksAbsorbed  atomic.Uint64 // LogWrite calls that hit an existing slot (absorbed)
	BlocksInstalled atomic.Uint64 // Blocks copied from log to home location (by the worker or by recovery at Open)

	// Commit latency: time from flush-start (copier elected) to the
	// header write that marks the commit point.
	CommitLatencyNs atomic.Uint64
	CommitCount     atomic.Uint64
	CommitBuckets   [numLatencyBuckets]atomic.Uint64

	// Install latency: time one install pass takes to copy every logged
	// block to its home location. It excludes reading the committed
	// header beforehand and the zeroed header write afterwards.
	InstallLatencyNs atomic.Uint64
	InstallCount     atomic.Uint64
	InstallBuckets   [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano at NewMetrics
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func recordLatency(total, count *atomic.Uint64, buckets *[numLatencyBuckets]atomic.Uint64, latencyNs uint64) {
	total.Add(latencyNs)
	count.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			buckets[i].Add(1)
		}
	}
}

// RecordCommit records the latency of one flush+commit (header write).
func (m *Metrics) RecordCommit(latencyNs uint64) {
	m.Commits.Add(1)
	recordLatency(&m.CommitLatencyNs, &m.CommitCount, &m.CommitBuckets, latencyNs)
}

// RecordInstall records the latency of one worker install pass.
func (m *Metrics) RecordInstall(latencyNs uint64) {
	m.Installs.Add(1)
	recordLatency(&m.InstallLatencyNs, &m.InstallCount, &m.InstallBuckets, latencyNs)
}

// RecordAdmissionWait records that BeginOp had to block.
func (m *Metrics) RecordAdmissionWait() {
	m.AdmissionWaits.Add(1)
}

// RecordLogWrite records a LogWrite call, distinguishing a genuinely new
// slot from an absorbed (already-logged) block.
func (m *Metrics) RecordLogWrite(absorbed bool) {
	if absorbed {
		m.BlocksAbsorbed.Add(1)
	} else {
		m.BlocksLogged.Add(1)
	}
}

// RecordInstalledBlocks adds n to the installed-block counter.
func (m *Metrics) RecordInstalledBlocks(n uint64) {
	m.BlocksInstalled.Add(n)
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	Commits         uint64
	Installs        uint64
	AdmissionWaits  uint64
	BlocksLogged    uint64
	BlocksAbsorbed  uint64
	BlocksInstalled uint64

	AvgCommitLatencyNs  uint64
	CommitLatencyP50Ns  uint64
	CommitLatencyP99Ns  uint64
	AvgInstallLatencyNs uint64
	InstallLatencyP50Ns uint64
	InstallLatencyP99Ns uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Commits:         m.Commits.Load(),
		Installs:        m.Installs.Load(),
		AdmissionWaits:  m.AdmissionWaits.Load(),
		BlocksLogged:    m.BlocksLogged.Load(),
		BlocksAbsorbed:  m.BlocksAbsorbed.Load(),
		BlocksInstalled: m.BlocksInstalled.Load(),
		UptimeNs:        uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}

	if count := m.CommitCount.Load(); count > 0 {
		snap.AvgCommitLatencyNs = m.CommitLatencyNs.Load() / count
		snap.CommitLatencyP50Ns = percentile(&m.CommitBuckets, count, 0.50)
		snap.CommitLatencyP99Ns = percentile(&m.CommitBuckets, count, 0.99)
	}
	if count := m.InstallCount.Load(); count > 0 {
		snap.AvgInstallLatencyNs = m.InstallLatencyNs.Load() / count
		snap.InstallLatencyP50Ns = percentile(&m.InstallBuckets, count, 0.50)
		snap.InstallLatencyP99Ns = percentile(&m.InstallBuckets, count, 0.99)
	}
	return snap
}

// percentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func percentile(buckets *[numLatencyBuckets]atomic.Uint64, totalOps uint64, pct float64) uint64 {
	targetCount := uint64(float64(totalOps) * pct)
	prevBucket := uint64(0)
	prevCount := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := buckets[i].Load()
		if bucketCount >= targetCount {
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
		prevCount = bucketCount
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection for a Log.
type Observer interface {
	ObserveCommit(latencyNs uint64)
	ObserveInstall(latencyNs uint64)
	ObserveAdmissionWait()
	ObserveLogWrite(absorbed bool)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommit(uint64)  {}
func (NoOpObserver) ObserveInstall(uint64) {}
func (NoOpObserver) ObserveAdmissionWait() {}
func (NoOpObserver) ObserveLogWrite(bool)  {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommit(latencyNs uint64)  { o.metrics.RecordCommit(latencyNs) }
func (o *MetricsObserver) ObserveInstall(latencyNs uint64) { o.metrics.RecordInstall(latencyNs) }
func (o *MetricsObserver) ObserveAdmissionWait()           { o.metrics.RecordAdmissionWait() }
func (o *MetricsObserver) ObserveLogWrite(absorbed bool)   { o.metrics.RecordLogWrite(absorbed) }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
