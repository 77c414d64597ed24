package metrics

import "testing"

func TestRecordCommand(t *testing.T) {
	m := New()
	m.RecordCommand(5_000_000, true)
	m.RecordCommand(20_000_000, false)

	snap := m.Snapshot()
	if snap.LinesSent != 2 {
		t.Errorf("LinesSent = %d, want 2", snap.LinesSent)
	}
	if snap.LinesAcked != 1 {
		t.Errorf("LinesAcked = %d, want 1", snap.LinesAcked)
	}
	if snap.LinesRejected != 1 {
		t.Errorf("LinesRejected = %d, want 1", snap.LinesRejected)
	}
	if snap.AvgLatencyNs != 12_500_000 {
		t.Errorf("AvgLatencyNs = %d, want 12500000", snap.AvgLatencyNs)
	}
}

func TestRecordTelemetry(t *testing.T) {
	m := New()
	m.RecordTelemetry("temperature")
	m.RecordTelemetry("position")
	m.RecordTelemetry("fan")
	m.RecordTelemetry("progress")
	m.RecordTelemetry("garbage")

	snap := m.Snapshot()
	if snap.TemperatureReadings != 1 || snap.PositionReadings != 1 ||
		snap.FanReadings != 1 || snap.ProgressReadings != 1 {
		t.Errorf("expected one of each telemetry category, got %+v", snap)
	}
	if snap.UnparsedLines != 1 {
		t.Errorf("UnparsedLines = %d, want 1", snap.UnparsedLines)
	}
}

func TestRecordPrintOutcome(t *testing.T) {
	m := New()
	m.RecordPrintStart()
	m.RecordPrintOutcome("completed")
	m.RecordPrintStart()
	m.RecordPrintOutcome("failed")
	m.RecordPrintStart()
	m.RecordPrintOutcome("cancelled")

	snap := m.Snapshot()
	if snap.PrintsStarted != 3 {
		t.Errorf("PrintsStarted = %d, want 3", snap.PrintsStarted)
	}
	if snap.PrintsCompleted != 1 || snap.PrintsFailed != 1 || snap.PrintsCancelled != 1 {
		t.Errorf("unexpected outcome split: %+v", snap)
	}
}

func TestReset(t *testing.T) {
	m := New()
	m.RecordCommand(1_000_000, true)
	m.RecordDeviceReconnect()
	m.Reset()

	snap := m.Snapshot()
	if snap.LinesSent != 0 || snap.DeviceReconnects != 0 {
		t.Errorf("expected zeroed snapshot after Reset, got %+v", snap)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	m := New()
	for i := 0; i < 100; i++ {
		m.RecordCommand(1_000_000, true) // all fall in the 1ms bucket
	}
	snap := m.Snapshot()
	if snap.LatencyP50Ns == 0 {
		t.Error("expected non-zero P50 after 100 samples")
	}
}

func TestNoOpObserverSatisfiesInterface(t *testing.T) {
	var o Observer = NoOpObserver{}
	o.ObserveCommand(1, true)
	o.ObserveTelemetry("fan")
	o.ObservePrintStart()
	o.ObservePrintOutcome("completed")
}

func TestMetricsObserverRecords(t *testing.T) {
	m := New()
	o := NewMetricsObserver(m)
	o.ObserveCommand(1_000_000, true)
	o.ObserveTelemetry("temperature")
	o.ObservePrintStart()
	o.ObservePrintOutcome("completed")

	snap := m.Snapshot()
	if snap.LinesSent != 1 || snap.TemperatureReadings != 1 || snap.PrintsStarted != 1 || snap.PrintsCompleted != 1 {
		t.Errorf("observer did not record into metrics: %+v", snap)
	}
}
