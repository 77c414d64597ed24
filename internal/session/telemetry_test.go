package session

import "testing"

func TestParseTemperatureExtruderAndBed(t *testing.T) {
	readings, ok := ParseTemperature("T:210.2 /210.0 B:60.1 /60.0 @:127 B@:0")
	if !ok {
		t.Fatal("expected ok=true")
	}
	ext, found := readings["temp_extruder"]
	if !found || ext.Current != 210.2 || !ext.HasSet || ext.SetPoint != 210.0 {
		t.Errorf("temp_extruder = %+v", ext)
	}
	bed, found := readings["temp_bed"]
	if !found || bed.Current != 60.1 || !bed.HasSet || bed.SetPoint != 60.0 {
		t.Errorf("temp_bed = %+v", bed)
	}
}

func TestParseTemperatureAmbient(t *testing.T) {
	readings, ok := ParseTemperature("A:23.5")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if readings["temp_ambient"].Current != 23.5 {
		t.Errorf("temp_ambient = %+v", readings["temp_ambient"])
	}
}

func TestParseTemperatureNoMatch(t *testing.T) {
	_, ok := ParseTemperature("ok")
	if ok {
		t.Error("expected ok=false for a non-temperature line")
	}
}

func TestParsePositionStopsAtCount(t *testing.T) {
	pos, ok := ParsePosition("X:10.00 Y:20.00 Z:0.20 E:5.00 Count X:800 Y:1600 Z:80")
	if !ok {
		t.Fatal("expected ok=true")
	}
	want := map[string]float64{"pos_X": 10.00, "pos_Y": 20.00, "pos_Z": 0.20, "pos_E": 5.00}
	for k, v := range want {
		if pos[k] != v {
			t.Errorf("%s = %v, want %v", k, pos[k], v)
		}
	}
	if len(pos) != 4 {
		t.Errorf("expected exactly 4 position entries, got %d: %+v", len(pos), pos)
	}
}

func TestParseFanIgnoresPWMVariant(t *testing.T) {
	fans, ok := ParseFan("E0:5400 RPM PRN1@:128")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if fans["rpm_E0"] != 5400 {
		t.Errorf("rpm_E0 = %v, want 5400", fans["rpm_E0"])
	}
	if _, present := fans["rpm_PRN1"]; present {
		t.Error("PWM-variant PRN1@ should not be reported as rpm")
	}
}

func TestParseProgress(t *testing.T) {
	pct, remaining, ok := ParseProgress("NORMAL MODE: Percent done: 42; print time remaining in mins: 17; junk: yes")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if pct != 42 || remaining != 17 {
		t.Errorf("got (%d, %d), want (42, 17)", pct, remaining)
	}
}

func TestParseProgressRejectsUnanchoredLine(t *testing.T) {
	_, _, ok := ParseProgress("prefix NORMAL MODE: Percent done: 42; print time remaining in mins: 17;")
	if ok {
		t.Error("expected progress regex to be anchored at line start")
	}
}

func TestComposeAutoreportBitmap(t *testing.T) {
	bitmap := ComposeAutoreportBitmap(map[string]bool{
		"AUTOREPORT_TEMP":     true,
		"AUTOREPORT_FANS":     false,
		"AUTOREPORT_POSITION": true,
	})
	if bitmap != 0b101 {
		t.Errorf("bitmap = %b, want 101", bitmap)
	}
}

func TestParseCapabilityLine(t *testing.T) {
	name, present, ok := ParseCapabilityLine("Cap:AUTOREPORT_TEMP:1")
	if !ok || !present || name != "AUTOREPORT_TEMP" {
		t.Errorf("got (%s, %v, %v)", name, present, ok)
	}

	name, present, ok = ParseCapabilityLine("Cap:EEPROM:0")
	if !ok || present || name != "EEPROM" {
		t.Errorf("got (%s, %v, %v)", name, present, ok)
	}

	_, _, ok = ParseCapabilityLine("echo:busy processing")
	if ok {
		t.Error("expected non-capability line to not match")
	}
}
