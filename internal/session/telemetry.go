package session

import (
	"regexp"
	"strconv"
	"strings"
)

// Reading is one sensor sample parsed from a telemetry line: a current
// value and an optional set-point.
type Reading struct {
	Current  float64
	SetPoint float64
	HasSet   bool
}

// temperatureRe matches one `<tag><n>?:<value>[ /<setpoint>]` group, e.g.
// "T:210.2 /210.0" or "B@:127". Multiple groups can appear on one line.
var temperatureRe = regexp.MustCompile(`(T\d*|B\d*|B@|@|P|A):([\d.]+)(?:\s*/([\d.]+))?`)

// temperatureSensorName maps a matched tag to the sensor name gcoded
// reports it under.
func temperatureSensorName(tag string) (string, bool) {
	switch {
	case strings.HasSuffix(tag, "@"):
		// "@"/"B@" are heater power values, not temperatures.
		return "", false
	case tag == "A":
		return "temp_ambient", true
	case strings.HasPrefix(tag, "B"):
		return "temp_bed", true
	case strings.HasPrefix(tag, "T"):
		return "temp_extruder", true
	default:
		return "", false
	}
}

// ParseTemperature extracts every temperature reading from line. Lines
// with no matching group return ok=false.
func ParseTemperature(line string) (map[string]Reading, bool) {
	matches := temperatureRe.FindAllStringSubmatch(line, -1)
	if matches == nil {
		return nil, false
	}

	out := make(map[string]Reading)
	for _, m := range matches {
		name, ok := temperatureSensorName(m[1])
		if !ok {
			continue
		}
		current, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		r := Reading{Current: current}
		if m[3] != "" {
			setPoint, err := strconv.ParseFloat(m[3], 64)
			if err == nil {
				r.SetPoint = setPoint
				r.HasSet = true
			}
		}
		out[name] = r
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// positionRe matches one axis group, e.g. "X:10.50".
var positionRe = regexp.MustCompile(`([XYZE]):\s?([\d.]+)`)

// ParsePosition extracts X/Y/Z/E position from a line such as
// "X:10.00 Y:20.00 Z:0.20 E:5.00 Count X:800 Y:1600 Z:80". Parsing stops
// at the literal "Count" marker so the duplicated step-count axes that
// follow it are not reported as position.
func ParsePosition(line string) (map[string]float64, bool) {
	if i := strings.Index(line, "Count"); i >= 0 {
		line = line[:i]
	}

	matches := positionRe.FindAllStringSubmatch(line, 4)
	if len(matches) == 0 {
		return nil, false
	}

	out := make(map[string]float64)
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		out["pos_"+m[1]] = v
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// fanRe matches one fan reading, e.g. "E0:5400 RPM" or "PRN1@:128" (a PWM
// value, which is ignored — only the non-`@` RPM variants are reported).
var fanRe = regexp.MustCompile(`(E|PRN)(\d*)(@?):(\d+)(\s*RPM)?`)

// ParseFan extracts fan RPM readings from line, keyed as "rpm_<name>".
// PWM-style `@`-suffixed entries are ignored.
func ParseFan(line string) (map[string]float64, bool) {
	matches := fanRe.FindAllStringSubmatch(line, -1)
	if matches == nil {
		return nil, false
	}

	out := make(map[string]float64)
	for _, m := range matches {
		if m[3] == "@" {
			continue
		}
		v, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			continue
		}
		out["rpm_"+m[1]+m[2]] = v
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// progressRe matches the anchored print-progress status line.
var progressRe = regexp.MustCompile(`^NORMAL MODE: Percent done: (\d+); print time remaining in mins: (\d+);.*$`)

// ParseProgress extracts (percentage, remaining minutes) from a progress
// status line.
func ParseProgress(line string) (percentage uint8, remainingMinutes uint32, ok bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(m[1], 10, 8)
	if err != nil {
		return 0, 0, false
	}
	r, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint8(p), uint32(r), true
}

// capability bitmap bits for the M155 autoreport mask, composed after
// M115 capability negotiation completes.
const (
	capAutoreportTemp     = 1 << 0
	capAutoreportFans     = 1 << 1
	capAutoreportPosition = 1 << 2
)

// ComposeAutoreportBitmap builds the M155 `S2 C<bitmap>` mask from the
// capability set reported by M115.
func ComposeAutoreportBitmap(caps map[string]bool) uint8 {
	var bitmap uint8
	if caps["AUTOREPORT_TEMP"] {
		bitmap |= capAutoreportTemp
	}
	if caps["AUTOREPORT_FANS"] {
		bitmap |= capAutoreportFans
	}
	if caps["AUTOREPORT_POSITION"] {
		bitmap |= capAutoreportPosition
	}
	return bitmap
}

// capLineRe matches one M115 capability report line, e.g. "Cap:AUTOREPORT_TEMP:1".
var capLineRe = regexp.MustCompile(`^Cap:([A-Z_]+):([01])$`)

// ParseCapabilityLine extracts a capability name from an M115 response
// line if it reports the capability as present (trailing ":1").
func ParseCapabilityLine(line string) (name string, present bool, ok bool) {
	m := capLineRe.FindStringSubmatch(line)
	if m == nil {
		return "", false, false
	}
	return m[1], m[2] == "1", true
}
