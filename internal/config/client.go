package config

import (
	"flag"
	"fmt"
	"os"
)

// ClientConfig is gcode-cli's resolved configuration, grounded on
// original_source/src/ConfigGcode.cpp. Unlike the daemon, the client
// generates an ephemeral client-id per run (it never persists one) and
// carries a Command/CommandArgs pair for its list/send/alias subcommands.
type ClientConfig struct {
	ConfFile string

	Broker   string
	Port     uint16
	Prefix   string
	ClientID string

	ResolveAliases bool
	PrintHelp      bool
	Verbose        bool

	Command     string
	CommandArgs []string
}

const clientUsage = "gcode [OPTIONS] [COMMAND]\n"
const clientHelp = `This program is a command line interface to the gcoded daemons registered to an MQTT broker.

OPTIONS:
-c, --config=file            Configuration file to load.
-b, --mqtt-broker=hostname    Hostname or IP of the MQTT broker.
-p, --mqtt-port=port          Port of the MQTT broker.
-e, --mqtt-prefix=prefix      MQTT topic under which gcoded will expose the interface.
-r, --real-names              Do not use aliases for device and provider. Use real names.
-v, --verbose                 Enable debug output.
-h, --help                    Print help message and configuration.

COMMANDS:
list         Lists all currently known devices which can process gcode.
send         Sends a gcode file to an device.
alias        Manage aliases.
`

// ClientUsage returns the combined usage/help text printed for -h/--help.
func ClientUsage() string {
	return clientUsage + clientHelp
}

// LoadClientConfig resolves a ClientConfig the same way LoadDaemonConfig
// resolves a DaemonConfig, plus splitting the remaining positional
// arguments into a command and its arguments.
func LoadClientConfig(args []string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		Broker:         "localhost",
		Port:           1883,
		Prefix:         "gcoded",
		ResolveAliases: true,
		ClientID:       temporaryClientID(),
	}

	fs := flag.NewFlagSet("gcode", flag.ContinueOnError)
	confFile := fs.String("config", "", "Configuration file to load.")
	fs.StringVar(confFile, "c", "", "Configuration file to load.")
	broker_ := fs.String("mqtt-broker", "", "Hostname or IP of the MQTT broker.")
	fs.StringVar(broker_, "b", "", "Hostname or IP of the MQTT broker.")
	port := fs.Int("mqtt-port", 0, "Port of the MQTT broker.")
	fs.IntVar(port, "p", 0, "Port of the MQTT broker.")
	prefix := fs.String("mqtt-prefix", "", "MQTT topic under which gcoded will expose the interface.")
	fs.StringVar(prefix, "e", "", "MQTT topic under which gcoded will expose the interface.")
	realNames := fs.Bool("real-names", false, "Do not use aliases for device and provider. Use real names.")
	fs.BoolVar(realNames, "r", false, "Do not use aliases for device and provider. Use real names.")
	verbose := fs.Bool("verbose", false, "Enable debug output.")
	fs.BoolVar(verbose, "v", false, "Enable debug output.")
	help := fs.Bool("help", false, "Print help message and configuration.")
	fs.BoolVar(help, "h", false, "Print help message and configuration.")
	fs.Usage = func() { fmt.Fprint(os.Stderr, clientUsage, clientHelp) }

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
	if *realNames {
		cfg.ResolveAliases = false
	}
	cfg.Verbose = *verbose
	cfg.PrintHelp = *help

	rest := fs.Args()
	if len(rest) > 0 {
		cfg.Command = rest[0]
		cfg.CommandArgs = append([]string(nil), rest[1:]...)
	}

	return cfg, nil
}

func (c *ClientConfig) applyFileEntries(entries []keyValue) error {
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
		case "mqtt_user", "mqtt_password":
			// Accepted for file compatibility with the daemon config but
			// unused: gcode-cli never authenticates its own MQTT session
			// with these, matching ConfigGcode.cpp which declares but
			// never reads them back into an MQTTConfig field consumed by
			// the client's own connection setup.
		default:
			return fmt.Errorf("parsing error in '%s' on line %d: unknown variable name '%s'", c.ConfFile, e.line, e.name)
		}
	}
	return nil
}
