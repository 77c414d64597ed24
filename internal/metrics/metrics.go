// Package metrics tracks operational counters and latency histograms for a
// gcoded daemon: per-session line traffic, telemetry parse counts, print
// job outcomes, and broker reconnects. The shape (atomic counters plus a
// point-in-time Snapshot) mirrors how the daemon's block-storage ancestor
// tracked read/write/discard/flush statistics.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the command round-trip latency histogram buckets in
// nanoseconds, from 1ms to 10s.
var LatencyBuckets = []uint64{
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	500_000_000,    // 500ms
	1_000_000_000,  // 1s
	2_000_000_000,  // 2s
	5_000_000_000,  // 5s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks counters for a single gcoded daemon process. All fields are
// safe for concurrent use.
type Metrics struct {
	// Line protocol traffic
	LinesSent     atomic.Uint64
	LinesAcked    atomic.Uint64
	LinesRejected atomic.Uint64 // device replied with an error/resend

	// Telemetry parse counts, by category
	TemperatureReadings atomic.Uint64
	PositionReadings    atomic.Uint64
	FanReadings         atomic.Uint64
	ProgressReadings    atomic.Uint64
	UnparsedLines       atomic.Uint64 // lines that matched no known pattern

	// Print job lifecycle
	PrintsStarted   atomic.Uint64
	PrintsCompleted atomic.Uint64
	PrintsFailed    atomic.Uint64
	PrintsCancelled atomic.Uint64

	// Connection health
	DeviceReconnects atomic.Uint64
	BrokerReconnects atomic.Uint64
	CommandTimeouts  atomic.Uint64

	// Command round-trip latency (send to ack)
	TotalLatencyNs atomic.Uint64
	LatencyOps     atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// New creates a new metrics instance with StartTime set to now.
func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records a sent command and, once acked (or rejected),
// its round-trip latency.
func (m *Metrics) RecordCommand(latencyNs uint64, acked bool) {
	m.LinesSent.Add(1)
	if acked {
		m.LinesAcked.Add(1)
	} else {
		m.LinesRejected.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordTelemetry increments the counter for the given telemetry category.
// Unknown categories increment UnparsedLines.
func (m *Metrics) RecordTelemetry(category string) {
	switch category {
	case "temperature":
		m.TemperatureReadings.Add(1)
	case "position":
		m.PositionReadings.Add(1)
	case "fan":
		m.FanReadings.Add(1)
	case "progress":
		m.ProgressReadings.Add(1)
	default:
		m.UnparsedLines.Add(1)
	}
}

// RecordPrintStart marks the start of a print job.
func (m *Metrics) RecordPrintStart() {
	m.PrintsStarted.Add(1)
}

// RecordPrintOutcome records how a print job ended.
func (m *Metrics) RecordPrintOutcome(outcome string) {
	switch outcome {
	case "completed":
		m.PrintsCompleted.Add(1)
	case "cancelled":
		m.PrintsCancelled.Add(1)
	default:
		m.PrintsFailed.Add(1)
	}
}

// RecordDeviceReconnect increments the device reconnect counter.
func (m *Metrics) RecordDeviceReconnect() {
	m.DeviceReconnects.Add(1)
}

// RecordBrokerReconnect increments the broker reconnect counter.
func (m *Metrics) RecordBrokerReconnect() {
	m.BrokerReconnects.Add(1)
}

// RecordCommandTimeout increments the command timeout counter.
func (m *Metrics) RecordCommandTimeout() {
	m.CommandTimeouts.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyOps.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the daemon as stopped, fixing UptimeNs in future snapshots.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy of Metrics' counters plus derived
// statistics, safe to serialize or log.
type Snapshot struct {
	LinesSent     uint64
	LinesAcked    uint64
	LinesRejected uint64

	TemperatureReadings uint64
	PositionReadings    uint64
	FanReadings         uint64
	ProgressReadings    uint64
	UnparsedLines       uint64

	PrintsStarted   uint64
	PrintsCompleted uint64
	PrintsFailed    uint64
	PrintsCancelled uint64

	DeviceReconnects uint64
	BrokerReconnects uint64
	CommandTimeouts  uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		LinesSent:           m.LinesSent.Load(),
		LinesAcked:          m.LinesAcked.Load(),
		LinesRejected:       m.LinesRejected.Load(),
		TemperatureReadings: m.TemperatureReadings.Load(),
		PositionReadings:    m.PositionReadings.Load(),
		FanReadings:         m.FanReadings.Load(),
		ProgressReadings:    m.ProgressReadings.Load(),
		UnparsedLines:       m.UnparsedLines.Load(),
		PrintsStarted:       m.PrintsStarted.Load(),
		PrintsCompleted:     m.PrintsCompleted.Load(),
		PrintsFailed:        m.PrintsFailed.Load(),
		PrintsCancelled:     m.PrintsCancelled.Load(),
		DeviceReconnects:    m.DeviceReconnects.Load(),
		BrokerReconnects:    m.BrokerReconnects.Load(),
		CommandTimeouts:     m.CommandTimeouts.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	latencyOps := m.LatencyOps.Load()
	if latencyOps > 0 {
		snap.AvgLatencyNs = totalLatencyNs / latencyOps
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if latencyOps > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.LatencyOps.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, useful in tests.
func (m *Metrics) Reset() {
	m.LinesSent.Store(0)
	m.LinesAcked.Store(0)
	m.LinesRejected.Store(0)
	m.TemperatureReadings.Store(0)
	m.PositionReadings.Store(0)
	m.FanReadings.Store(0)
	m.ProgressReadings.Store(0)
	m.UnparsedLines.Store(0)
	m.PrintsStarted.Store(0)
	m.PrintsCompleted.Store(0)
	m.PrintsFailed.Store(0)
	m.PrintsCancelled.Store(0)
	m.DeviceReconnects.Store(0)
	m.BrokerReconnects.Store(0)
	m.CommandTimeouts.Store(0)
	m.TotalLatencyNs.Store(0)
	m.LatencyOps.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, e.g. so a daemon can be
// built with metrics disabled via a no-op implementation.
type Observer interface {
	ObserveCommand(latencyNs uint64, acked bool)
	ObserveTelemetry(category string)
	ObservePrintStart()
	ObservePrintOutcome(outcome string)
}

// NoOpObserver discards all observations.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint64, bool)   {}
func (NoOpObserver) ObserveTelemetry(string)        {}
func (NoOpObserver) ObservePrintStart()             {}
func (NoOpObserver) ObservePrintOutcome(string)      {}

// MetricsObserver implements Observer by recording into a *Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(latencyNs uint64, acked bool) {
	o.metrics.RecordCommand(latencyNs, acked)
}

func (o *MetricsObserver) ObserveTelemetry(category string) {
	o.metrics.RecordTelemetry(category)
}

func (o *MetricsObserver) ObservePrintStart() {
	o.metrics.RecordPrintStart()
}

func (o *MetricsObserver) ObservePrintOutcome(outcome string) {
	o.metrics.RecordPrintOutcome(outcome)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
