// Package detector implements USB-serial printer discovery: scanning
// /sys/class/tty for candidate entries, matching against a configured
// VID/PID over each candidate's USB uevent, opening a DeviceSession for
// every match, and re-running the check on filesystem arrival events.
// Grounded directly on original_source/src/devices/prusa/PrusaDetector.cpp:
// the same realpath-through-"../../uevent" resolution, the same
// DEVTYPE/DRIVER/PRODUCT line scan, and the same non-blocking test-open
// before committing to a session.
package detector

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gcoded/gcoded/internal/fswatch"
	"github.com/gcoded/gcoded/internal/gerrors"
	"github.com/gcoded/gcoded/internal/logging"
	"github.com/gcoded/gcoded/internal/metrics"
	"github.com/gcoded/gcoded/internal/reactor"
	"github.com/gcoded/gcoded/internal/session"
)

// defaultVendorID and defaultProductID are Prusa Research's registered USB
// IDs, the factory default from original_source's USB_VENDOR_ID/USB_PRODUCT_ID.
const (
	defaultVendorID  uint16 = 0x2c99
	defaultProductID uint16 = 0x0002
)

// Config configures a Detector's scan.
type Config struct {
	// TTYClassDir is the sysfs tty class directory, overridable for tests.
	TTYClassDir string
	// DevDir is the directory device nodes are opened from, overridable
	// for tests.
	DevDir string
	// Provider names the device family; session names are
	// "<Provider>-<serial>".
	Provider string
	// VendorID/ProductID are the USB ids a candidate must match. Zero
	// values fall back to the Prusa defaults.
	VendorID  uint16
	ProductID uint16
}

func (c Config) withDefaults() Config {
	if c.TTYClassDir == "" {
		c.TTYClassDir = "/sys/class/tty"
	}
	if c.DevDir == "" {
		c.DevDir = "/dev"
	}
	if c.Provider == "" {
		c.Provider = "prusa"
	}
	if c.VendorID == 0 {
		c.VendorID = defaultVendorID
	}
	if c.ProductID == 0 {
		c.ProductID = defaultProductID
	}
	return c
}

// Listener is notified when the Detector brings a new session online.
type Listener interface {
	OnSessionCreated(s *session.Session)
}

// Detector scans for and opens sessions for serial-attached printers
// matching Config's VID/PID, re-scanning on tty directory arrival events.
type Detector struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session.Session

	listeners map[Listener]struct{}

	watcher  *fswatch.Watcher
	realtime *reactor.Reactor
	normal   *reactor.Reactor
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// New creates a Detector and registers it with watcher for tty directory
// Create|Attrib events. Call Scan to perform the initial enumeration.
func New(cfg Config, watcher *fswatch.Watcher, realtime, normal *reactor.Reactor, m *metrics.Metrics, log *logging.Logger) (*Detector, error) {
	if log == nil {
		log = logging.Default()
	}
	cfg = cfg.withDefaults()

	d := &Detector{
		cfg:       cfg,
		sessions:  make(map[string]*session.Session),
		listeners: make(map[Listener]struct{}),
		watcher:   watcher,
		realtime:  realtime,
		normal:    normal,
		metrics:   m,
		log:       log,
	}

	if err := watcher.Register(cfg.TTYClassDir, fswatch.Create|fswatch.Attrib, d); err != nil {
		return nil, gerrors.Wrap("detector.New", err)
	}
	return d, nil
}

// AddListener registers l to be notified of future session creation. It is
// not retroactively called for sessions already open; callers that need
// the current set should call Sessions first.
func (d *Detector) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[l] = struct{}{}
}

// RemoveListener removes l.
func (d *Detector) RemoveListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, l)
}

// Sessions returns a snapshot of currently open sessions keyed by name.
func (d *Detector) Sessions() map[string]*session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*session.Session, len(d.sessions))
	for k, v := range d.sessions {
		out[k] = v
	}
	return out
}

// Scan enumerates every entry under the tty class directory and runs the
// candidate check on each. Call once at startup; subsequent arrivals are
// driven by fs events.
func (d *Detector) Scan() error {
	entries, err := os.ReadDir(d.cfg.TTYClassDir)
	if err != nil {
		return gerrors.Wrap("detector.Scan", err)
	}
	for _, e := range entries {
		d.checkCandidate(e.Name())
	}
	return nil
}

// OnFsEvent implements fswatch.Listener: re-runs the candidate check for
// the entry that just appeared or changed attributes.
func (d *Detector) OnFsEvent(ev fswatch.Event) {
	if ev.Mask&fswatch.IsDir != 0 {
		return
	}
	if ev.Name == "" {
		return
	}
	d.checkCandidate(ev.Name)
}

// checkCandidate resolves filename's USB parent uevent, matches VID/PID,
// reads the serial attribute, and opens a session on first sight.
func (d *Detector) checkCandidate(filename string) {
	// /sys/class/tty/<name> is itself a symlink into the real device tree;
	// resolve it first, then walk ".." against the resolved path — joining
	// ".." onto the unresolved symlink path would cancel out lexically
	// without ever following the link.
	realTtyDir, err := filepath.EvalSymlinks(filepath.Join(d.cfg.TTYClassDir, filename))
	if err != nil {
		// Not a USB device (e.g. a platform tty): nothing to do.
		return
	}
	ueventPath := filepath.Clean(filepath.Join(realTtyDir, "..", "..", "uevent"))

	vendorID, productID, devType, driver, ok := parseUevent(ueventPath)
	if !ok {
		return
	}
	if devType != "usb_interface" || driver != "cdc_acm" {
		return
	}
	if vendorID != d.cfg.VendorID || productID != d.cfg.ProductID {
		return
	}

	serialPath := filepath.Clean(filepath.Join(realTtyDir, "..", "..", "..", "serial"))
	serial, err := readFirstLine(serialPath)
	if err != nil || serial == "" {
		d.log.Warn("detector: empty serial for candidate", "tty", filename)
		return
	}

	name := fmt.Sprintf("%s-%s", d.cfg.Provider, serial)

	d.mu.Lock()
	if _, exists := d.sessions[name]; exists {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	devicePath := filepath.Join(d.cfg.DevDir, filename)
	fd, err := testOpen(devicePath)
	if err != nil {
		if err == unix.EACCES {
			return
		}
		d.log.Warn("detector: open failed for candidate", "tty", filename, "error", err)
		return
	}

	s, err := session.New(name, fd, d.realtime, d.normal, d.metrics, d.log)
	if err != nil {
		unix.Close(fd)
		d.log.Warn("detector: session creation failed", "device", name, "error", err)
		return
	}

	d.mu.Lock()
	d.sessions[name] = s
	listeners := make([]Listener, 0, len(d.listeners))
	for l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.mu.Unlock()

	d.log.Info("detector: new device", "device", name, "tty", filename)
	for _, l := range listeners {
		l.OnSessionCreated(s)
	}
}

// Forget removes name from the tracked session set, called once a
// session's listeners have all detached after it went non-operational.
func (d *Detector) Forget(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, name)
}

// testOpen performs the read/write, non-blocking, no-controlling-terminal
// open the original used to probe access before committing to a session.
// It does not request exclusive access.
func testOpen(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// parseUevent scans a uevent file for DEVTYPE, DRIVER, and a PRODUCT line
// of the form "<vid>/<pid>/<bcd>" in hex, matching original_source's line
// scan exactly (single pass, no ordering assumed).
func parseUevent(path string) (vendorID, productID uint16, devType, driver string, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", "", false
	}
	defer f.Close()

	var product string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "DEVTYPE=usb_interface":
			devType = "usb_interface"
		case line == "DRIVER=cdc_acm":
			driver = "cdc_acm"
		case strings.HasPrefix(line, "PRODUCT="):
			product = strings.TrimPrefix(line, "PRODUCT=")
		}
	}
	if product == "" {
		return 0, 0, devType, driver, false
	}

	parts := strings.SplitN(product, "/", 3)
	if len(parts) < 2 {
		return 0, 0, devType, driver, false
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, devType, driver, false
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, devType, driver, false
	}
	return uint16(vid), uint16(pid), devType, driver, true
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", scanner.Err()
}
