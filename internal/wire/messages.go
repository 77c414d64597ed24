package wire

// DeviceStateMsg reports a device's current state. 2 bytes on the wire:
// [tag=1][state:u8].
type DeviceStateMsg struct {
	State DeviceState
}

func (m *DeviceStateMsg) Tag() Tag { return TagDeviceState }

func (m *DeviceStateMsg) Encode(buf []byte) ([]byte, error) {
	buf = append(buf, byte(TagDeviceState), byte(m.State))
	return buf, nil
}

func decodeDeviceState(data []byte) (Message, int, error) {
	if len(data) < 2 {
		return nil, 0, malformed("short DEVICE_STATE", len(data))
	}
	state := DeviceState(data[1])
	if !state.Valid() {
		return nil, 0, malformed("invalid device state ordinal", 1)
	}
	return &DeviceStateMsg{State: state}, 2, nil
}

// PrintMsg requests a print job. Wire layout:
// [tag=2][request_code:16][gcode_len:u64 LE][gcode bytes].
type PrintMsg struct {
	RequestCode RequestCode
	GCode       []byte
}

// NewPrintMsg builds a PrintMsg with a freshly generated request code.
func NewPrintMsg(gcode []byte) (*PrintMsg, error) {
	code, err := newRequestCode()
	if err != nil {
		return nil, err
	}
	return &PrintMsg{RequestCode: code, GCode: gcode}, nil
}

func (m *PrintMsg) Tag() Tag { return TagPrint }

func (m *PrintMsg) Encode(buf []byte) ([]byte, error) {
	buf = append(buf, byte(TagPrint))
	buf = append(buf, m.RequestCode[:]...)
	buf = putLEUint64(buf, uint64(len(m.GCode)))
	buf = append(buf, m.GCode...)
	return buf, nil
}

func decodePrint(data []byte) (Message, int, error) {
	const headerLen = 1 + 16 + 8
	if len(data) < headerLen {
		return nil, 0, malformed("short PRINT header", len(data))
	}
	var code RequestCode
	copy(code[:], data[1:17])
	gcodeLen := leUint64(data[17:25])
	if gcodeLen > uint64(len(data)-headerLen) {
		return nil, 0, malformed("PRINT gcode_len exceeds payload", 17)
	}
	end := headerLen + int(gcodeLen)
	gcode := make([]byte, gcodeLen)
	copy(gcode, data[headerLen:end])
	return &PrintMsg{RequestCode: code, GCode: gcode}, end, nil
}

// PrintResponseMsg answers a PrintMsg with a result keyed by request code.
// Wire layout: [tag=3][request_code:16][result:u8].
type PrintResponseMsg struct {
	RequestCode RequestCode
	Result      PrintResult
}

func (m *PrintResponseMsg) Tag() Tag { return TagPrintResponse }

func (m *PrintResponseMsg) Encode(buf []byte) ([]byte, error) {
	buf = append(buf, byte(TagPrintResponse))
	buf = append(buf, m.RequestCode[:]...)
	buf = append(buf, byte(m.Result))
	return buf, nil
}

func decodePrintResponse(data []byte) (Message, int, error) {
	const n = 1 + 16 + 1
	if len(data) < n {
		return nil, 0, malformed("short PRINT_RESPONSE", len(data))
	}
	var code RequestCode
	copy(code[:], data[1:17])
	result := PrintResult(data[17])
	if !result.Valid() {
		return nil, 0, malformed("invalid print result ordinal", 17)
	}
	return &PrintResponseMsg{RequestCode: code, Result: result}, n, nil
}

// PrintProgressMsg reports print completion percentage and remaining time.
// Wire layout: [tag=4][percentage:u8][remaining_time:u32 LE].
type PrintProgressMsg struct {
	Percentage    uint8
	RemainingTime uint32
}

func (m *PrintProgressMsg) Tag() Tag { return TagPrintProgress }

func (m *PrintProgressMsg) Encode(buf []byte) ([]byte, error) {
	buf = append(buf, byte(TagPrintProgress), m.Percentage)
	buf = putLEUint32(buf, m.RemainingTime)
	return buf, nil
}

func decodePrintProgress(data []byte) (Message, int, error) {
	const n = 1 + 1 + 4
	if len(data) < n {
		return nil, 0, malformed("short PRINT_PROGRESS", len(data))
	}
	pct := data[1]
	if pct > 100 {
		return nil, 0, malformed("percentage exceeds 100", 1)
	}
	remaining := leUint32(data[2:6])
	return &PrintProgressMsg{Percentage: pct, RemainingTime: remaining}, n, nil
}

// AliasEntry maps one device name to its alias, used inside AliasesMsg.
type AliasEntry struct {
	Device string
	Alias  string
}

// AliasesMsg is the full alias table snapshot. Wire layout:
// [tag=5][provider_alias_len:u8][provider_alias bytes], then repeated until
// EOF: [device_name_len:u8][device_alias_len:u8][device_name][device_alias].
type AliasesMsg struct {
	ProviderAlias string
	Entries       []AliasEntry
}

func (m *AliasesMsg) Tag() Tag { return TagAliases }

func (m *AliasesMsg) Encode(buf []byte) ([]byte, error) {
	buf = append(buf, byte(TagAliases))
	var err error
	buf, err = putString(buf, m.ProviderAlias)
	if err != nil {
		return nil, err
	}
	for _, e := range m.Entries {
		if len(e.Device) > 255 || len(e.Alias) > 255 {
			return nil, ErrStringTooLong
		}
		buf = append(buf, byte(len(e.Device)), byte(len(e.Alias)))
		buf = append(buf, e.Device...)
		buf = append(buf, e.Alias...)
	}
	return buf, nil
}

func decodeAliases(data []byte) (Message, int, error) {
	if len(data) < 1 {
		return nil, 0, malformed("short ALIASES", len(data))
	}
	pos := 1
	providerAlias, pos, err := readString(data, pos)
	if err != nil {
		return nil, 0, err
	}

	var entries []AliasEntry
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, 0, malformed("truncated alias entry header", pos)
		}
		nameLen, aliasLen := int(data[pos]), int(data[pos+1])
		pos += 2
		if pos+nameLen+aliasLen > len(data) {
			return nil, 0, malformed("truncated alias entry strings", pos)
		}
		device := string(data[pos : pos+nameLen])
		alias := string(data[pos+nameLen : pos+nameLen+aliasLen])
		pos += nameLen + aliasLen
		entries = append(entries, AliasEntry{Device: device, Alias: alias})
	}

	return &AliasesMsg{ProviderAlias: providerAlias, Entries: entries}, pos, nil
}

// AliasesSetMsg requests a single device-alias write. Wire layout:
// [tag=6][device_name_len:u8][device_alias_len:u8][device_name][device_alias].
type AliasesSetMsg struct {
	Device string
	Alias  string
}

func (m *AliasesSetMsg) Tag() Tag { return TagAliasesSet }

func (m *AliasesSetMsg) Encode(buf []byte) ([]byte, error) {
	if len(m.Device) > 255 || len(m.Alias) > 255 {
		return nil, ErrStringTooLong
	}
	buf = append(buf, byte(TagAliasesSet), byte(len(m.Device)), byte(len(m.Alias)))
	buf = append(buf, m.Device...)
	buf = append(buf, m.Alias...)
	return buf, nil
}

func decodeAliasesSet(data []byte) (Message, int, error) {
	if len(data) < 3 {
		return nil, 0, malformed("short ALIASES_SET", len(data))
	}
	nameLen, aliasLen := int(data[1]), int(data[2])
	end := 3 + nameLen + aliasLen
	if end > len(data) {
		return nil, 0, malformed("truncated ALIASES_SET strings", 3)
	}
	device := string(data[3 : 3+nameLen])
	alias := string(data[3+nameLen : end])
	return &AliasesSetMsg{Device: device, Alias: alias}, end, nil
}

// AliasesSetProviderMsg requests the provider-wide alias write. Wire
// layout: [tag=7][provider_alias_len:u8][provider_alias].
type AliasesSetProviderMsg struct {
	ProviderAlias string
}

func (m *AliasesSetProviderMsg) Tag() Tag { return TagAliasesSetProvider }

func (m *AliasesSetProviderMsg) Encode(buf []byte) ([]byte, error) {
	buf = append(buf, byte(TagAliasesSetProvider))
	var err error
	buf, err = putString(buf, m.ProviderAlias)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeAliasesSetProvider(data []byte) (Message, int, error) {
	if len(data) < 1 {
		return nil, 0, malformed("short ALIASES_SET_PROVIDER", len(data))
	}
	providerAlias, pos, err := readString(data, 1)
	if err != nil {
		return nil, 0, err
	}
	return &AliasesSetProviderMsg{ProviderAlias: providerAlias}, pos, nil
}

// SensorReading is a single named sensor sample within a SensorReadingsMsg.
type SensorReading struct {
	Name     string
	Unit     string // empty if not applicable
	Current  float64
	SetPoint float64
	HasSet   bool // whether SetPoint is meaningful
}

const sensorFlagHasSetPoint = 1 << 0

// SensorReadingsMsg carries the full sensor reading set for one device.
// Wire layout: [tag=8][count:u8], then count records of
// [flags:u8][name_len:u8][unit_len:u8][current:f64 LE][set_point:f64 LE if
// flags&1][name bytes][unit bytes if unit_len>0].
type SensorReadingsMsg struct {
	Readings []SensorReading
}

func (m *SensorReadingsMsg) Tag() Tag { return TagSensorReadings }

func (m *SensorReadingsMsg) Encode(buf []byte) ([]byte, error) {
	if len(m.Readings) > 255 {
		return nil, ErrStringTooLong
	}
	buf = append(buf, byte(TagSensorReadings), byte(len(m.Readings)))
	for _, r := range m.Readings {
		if len(r.Name) > 255 || len(r.Unit) > 255 {
			return nil, ErrStringTooLong
		}
		if !isPrintableASCII(r.Name) || !isPrintableASCII(r.Unit) {
			return nil, ErrStringTooLong
		}
		var flags byte
		if r.HasSet {
			flags |= sensorFlagHasSetPoint
		}
		buf = append(buf, flags, byte(len(r.Name)), byte(len(r.Unit)))
		buf = putLEFloat64(buf, r.Current)
		if r.HasSet {
			buf = putLEFloat64(buf, r.SetPoint)
		}
		buf = append(buf, r.Name...)
		buf = append(buf, r.Unit...)
	}
	return buf, nil
}

func decodeSensorReadings(data []byte) (Message, int, error) {
	if len(data) < 2 {
		return nil, 0, malformed("short SENSOR_READINGS", len(data))
	}
	count := int(data[1])
	pos := 2
	readings := make([]SensorReading, 0, count)

	for i := 0; i < count; i++ {
		if pos+3 > len(data) {
			return nil, 0, malformed("truncated sensor record header", pos)
		}
		flags := data[pos]
		nameLen := int(data[pos+1])
		unitLen := int(data[pos+2])
		pos += 3

		hasSet := flags&sensorFlagHasSetPoint != 0
		valueLen := 8
		if hasSet {
			valueLen += 8
		}
		if pos+valueLen > len(data) {
			return nil, 0, malformed("truncated sensor record value", pos)
		}
		current := leFloat64(data[pos : pos+8])
		pos += 8
		var setPoint float64
		if hasSet {
			setPoint = leFloat64(data[pos : pos+8])
			pos += 8
		}

		if pos+nameLen+unitLen > len(data) {
			return nil, 0, malformed("truncated sensor record strings", pos)
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		unit := string(data[pos : pos+unitLen])
		pos += unitLen

		if !isPrintableASCII(name) || !isPrintableASCII(unit) {
			return nil, 0, malformed("non-printable sensor name or unit", pos)
		}

		readings = append(readings, SensorReading{
			Name:     name,
			Unit:     unit,
			Current:  current,
			SetPoint: setPoint,
			HasSet:   hasSet,
		})
	}

	return &SensorReadingsMsg{Readings: readings}, pos, nil
}
