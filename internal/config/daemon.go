package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/gcoded/gcoded/internal/broker"
)

const defaultIDFile = "/var/lib/gcoded/id"

// DaemonConfig is gcoded's resolved configuration: file, then flags,
// layered over set_default()'s compiled-in defaults.
type DaemonConfig struct {
	ConfFile string // "" if none was loaded
	IDFile   string // "" if a temporary id had to be used

	Broker   string
	Port     uint16
	Prefix   string
	Username string
	Password string
	ClientID string

	TLS *broker.TLSConfig

	// MaxConnectRetries and ConnectRetryInterval feed broker.Config
	// directly; see broker.Config's doc comments.
	MaxConnectRetries    int
	ConnectRetryInterval int // seconds

	// UseRealtimeScheduler gates whether internal/reactor's Realtime
	// policy is used for the device session event loop. Resolves the
	// "use_realtime_scheduler" Open Question as an equality comparison
	// against the literal string "true", not a bare truthy check.
	UseRealtimeScheduler bool

	LoadDummy bool
	PrintHelp bool
	Verbose   bool
}

const daemonUsage = "gcoded [OPTIONS]\n"
const daemonHelp = `This program controls systems which accept gcode such as 3d printers.
It uses a serial interface for control.

OPTIONS:
-c, --config=file            Configuration file to load.
-b, --mqtt-broker=hostname    Hostname or IP of the MQTT broker.
-p, --mqtt-port=port          Port of the MQTT broker.
-e, --mqtt-prefix=prefix      MQTT topic under which gcoded will expose the interface.
    --load-dummy              Accepted but ignored; no dummy devices are loaded.
-v, --verbose                 Enable debug output.
-h, --help                    Print help message and config.
`

// DaemonUsage returns the combined usage/help text printed for -h/--help.
func DaemonUsage() string {
	return daemonUsage + daemonHelp
}

// LoadDaemonConfig resolves a DaemonConfig from compiled-in defaults, an
// optional config file, and CLI flags, in that order -- mirroring
// Config::Config's set_default/parse_config/load_config/parse_args
// sequence.
func LoadDaemonConfig(args []string) (*DaemonConfig, error) {
	cfg := &DaemonConfig{
		Broker: "localhost",
		Port:   1883,
		Prefix: "gcoded",
	}

	fs := flag.NewFlagSet("gcoded", flag.ContinueOnError)
	confFile := fs.String("config", "", "Configuration file to load.")
	fs.StringVar(confFile, "c", "", "Configuration file to load.")
	broker_ := fs.String("mqtt-broker", "", "Hostname or IP of the MQTT broker.")
	fs.StringVar(broker_, "b", "", "Hostname or IP of the MQTT broker.")
	port := fs.Int("mqtt-port", 0, "Port of the MQTT broker.")
	fs.IntVar(port, "p", 0, "Port of the MQTT broker.")
	prefix := fs.String("mqtt-prefix", "", "MQTT topic under which gcoded will expose the interface.")
	fs.StringVar(prefix, "e", "", "MQTT topic under which gcoded will expose the interface.")
	loadDummy := fs.Bool("load-dummy", false, "Load dummy devices for debugging.")
	verbose := fs.Bool("verbose", false, "Enable debug output.")
	fs.BoolVar(verbose, "v", false, "Enable debug output.")
	help := fs.Bool("help", false, "Print help message and config.")
	fs.BoolVar(help, "h", false, "Print help message and config.")
	fs.Usage = func() { fmt.Fprint(os.Stderr, daemonUsage, daemonHelp) }

	// All flags are parsed in one pass; -c/--config selects the file, whose
	// entries are applied before the other flags override them.
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfFile = *confFile
	if cfg.ConfFile == "" {
		cfg.ConfFile = firstExistingFile("./gcoded.conf", "/etc/gcoded.conf")
	}

	if cfg.ConfFile != "" {
		entries, err := parseFile(cfg.ConfFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyFileEntries(entries); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadClientID(); err != nil {
		return nil, err
	}

	if *broker_ != "" {
		cfg.Broker = *broker_
	}
	if *port != 0 {
		p, err := parsePort(fmt.Sprint(*port))
		if err != nil {
			return nil, fmt.Errorf("invalid argument for option -p/--mqtt-port")
		}
		cfg.Port = p
	}
	if *prefix != "" {
		cfg.Prefix = *prefix
	}
	cfg.LoadDummy = *loadDummy
	cfg.Verbose = *verbose
	cfg.PrintHelp = *help

	return cfg, nil
}

func (c *DaemonConfig) applyFileEntries(entries []keyValue) error {
	for _, e := range entries {
		switch e.name {
		case "mqtt_broker":
			c.Broker = e.value
		case "mqtt_port":
			port, err := parsePort(e.value)
			if err != nil {
				return fmt.Errorf("parsing error in '%s' on line %d: invalid variable value '%s' for variable '%s'", c.ConfFile, e.line, e.value, e.name)
			}
			c.Port = port
		case "mqtt_prefix":
			c.Prefix = e.value
		case "mqtt_user":
			c.Username = e.value
		case "mqtt_password":
			c.Password = e.value
		case "max_connect_retries":
			var n int
			if _, err := fmt.Sscanf(e.value, "%d", &n); err != nil {
				return fmt.Errorf("parsing error in '%s' on line %d: invalid variable value '%s' for variable '%s'", c.ConfFile, e.line, e.value, e.name)
			}
			c.MaxConnectRetries = n
		case "connect_retry_interval":
			var n int
			if _, err := fmt.Sscanf(e.value, "%d", &n); err != nil {
				return fmt.Errorf("parsing error in '%s' on line %d: invalid variable value '%s' for variable '%s'", c.ConfFile, e.line, e.value, e.name)
			}
			c.ConnectRetryInterval = n
		case "use_realtime_scheduler":
			// Resolves the Open Question: an equality comparison against
			// "true", not a bare truthy string.
			c.UseRealtimeScheduler = e.value == "true"
		case "tls_ca_file":
			c.tls().CAFile = e.value
		case "tls_cert_file":
			c.tls().CertFile = e.value
		case "tls_key_file":
			c.tls().KeyFile = e.value
		case "tls_psk_identity":
			c.tls().PSKIdentity = e.value
		case "tls_psk_key":
			c.tls().PSKKey = e.value
		default:
			return fmt.Errorf("parsing error in '%s' on line %d: unknown variable name '%s'", c.ConfFile, e.line, e.name)
		}
	}
	return nil
}

func (c *DaemonConfig) tls() *broker.TLSConfig {
	if c.TLS == nil {
		c.TLS = &broker.TLSConfig{}
	}
	return c.TLS
}

// loadClientID mirrors load_mqtt_client_id(): read/create a persisted
// 32-lowercase-hex id at defaultIDFile, falling back to an ephemeral
// "temp-"-prefixed id if the file can't be read or created.
func (c *DaemonConfig) loadClientID() error {
	c.IDFile = defaultIDFile

	if _, err := os.Stat(c.IDFile); os.IsNotExist(err) {
		if id, werr := writeNewClientID(c.IDFile); werr == nil {
			c.ClientID = id
			return nil
		}
		// Could not create it; fall through to the temporary-id path.
		c.IDFile = ""
		c.ClientID = temporaryClientID()
		return nil
	}

	raw, err := os.ReadFile(c.IDFile)
	if err != nil {
		c.IDFile = ""
		c.ClientID = temporaryClientID()
		return nil
	}

	id := strings.TrimSpace(strings.SplitN(string(raw), "\n", 2)[0])
	if !validClientID(id) {
		return fmt.Errorf("id file ('%s') contains invalid id! you can resolve this issue by deleting this file. a new one will be created automatically", c.IDFile)
	}
	c.ClientID = id
	return nil
}

func writeNewClientID(path string) (string, error) {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func temporaryClientID() string {
	return "temp-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func validClientID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, r := range id {
		if (r < 'a' || r > 'f') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
