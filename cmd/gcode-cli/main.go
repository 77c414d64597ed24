// Command gcode is the fleet command-line client: list, send, alias and sr
// subcommands against gcoded daemons registered on an MQTT broker.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gcoded/gcoded/internal/config"
	"github.com/gcoded/gcoded/internal/logging"
	gcodeclient "github.com/gcoded/gcoded/pkg/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gcode:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClientConfig(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.PrintHelp || cfg.Command == "" {
		fmt.Print(config.ClientUsage())
		return nil
	}

	logConfig := logging.DefaultConfig()
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := gcodeclient.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	switch cfg.Command {
	case "list":
		return runList(c, cfg.CommandArgs)
	case "send":
		return runSend(c, cfg.CommandArgs)
	case "alias":
		return runAlias(c, cfg.CommandArgs)
	case "sr":
		return runSensorReadings(c, cfg.CommandArgs)
	default:
		return fmt.Errorf("unknown command: %q", cfg.Command)
	}
}

func hintArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func runList(c *gcodeclient.Client, args []string) error {
	devices, err := c.List(hintArg(args))
	if err != nil {
		return err
	}
	for _, d := range devices {
		name := d.Name
		if d.DeviceAlias != "" {
			name = d.DeviceAlias
		}
		provider := d.Provider
		if d.ProviderAlias != "" {
			provider = d.ProviderAlias
		}
		fmt.Printf("%s/%s\tstate=%s\tprogress=%d%%\n", provider, name, d.State, d.PrintPercentage)
	}
	return nil
}

func runSend(c *gcodeclient.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("send requires a GCODE_FILE argument")
	}
	path := args[0]
	hint := ""
	if len(args) > 1 {
		hint = args[1]
	}

	results, err := c.Send(hint, path)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %s\n", name, results[name])
	}
	return nil
}

func runAlias(c *gcodeclient.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("alias requires an action: list|set")
	}
	switch args[0] {
	case "list":
		providers, err := c.List("*")
		if err != nil {
			return err
		}
		for _, d := range providers {
			fmt.Printf("%s/%s -> %s/%s\n", d.Provider, d.Name, d.ProviderAlias, d.DeviceAlias)
		}
		return nil
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("alias set requires TYPE NAME ALIAS")
		}
		kind, name, alias := args[1], args[2], ""
		if len(args) > 3 {
			alias = args[3]
		}
		switch kind {
		case "provider":
			ok, err := c.SetProviderAlias(name, alias)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("hint %q did not match exactly one provider", name)
			}
		case "device":
			ok, err := c.SetDeviceAlias(name, alias)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("hint %q did not match exactly one device", name)
			}
		default:
			return fmt.Errorf("alias TYPE must be 'provider' or 'device', got %q", kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown alias action: %q", args[0])
	}
}

func runSensorReadings(c *gcodeclient.Client, args []string) error {
	readings, err := c.SensorReadings(hintArg(args))
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(readings))
	for k := range readings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, r := range readings[key] {
			unit := ""
			if r.Unit != nil {
				unit = *r.Unit
			}
			if r.SetPoint != nil {
				fmt.Printf("%s: %s=%.1f%s (set %.1f%s)\n", key, r.SensorName, r.CurrentValue, unit, *r.SetPoint, unit)
			} else {
				fmt.Printf("%s: %s=%.1f%s\n", key, r.SensorName, r.CurrentValue, unit)
			}
		}
	}
	return nil
}
