// Package client is gcode-cli's public facade: it combines a broker
// connection with a fleet view to offer the list/send/alias/sr operations
// spec.md §6 assigns to the client side.
package client

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gcoded/gcoded/internal/broker"
	"github.com/gcoded/gcoded/internal/config"
	"github.com/gcoded/gcoded/internal/fleet"
	"github.com/gcoded/gcoded/internal/logging"
	"github.com/gcoded/gcoded/internal/wire"
)

// Client is a connected fleet view over a broker session.
type Client struct {
	transport *broker.Transport
	view      *fleet.View
}

// Connect dials the broker described by cfg and starts a fleet view
// subscribed under cfg.Prefix.
func Connect(ctx context.Context, cfg *config.ClientConfig, log *logging.Logger) (*Client, error) {
	transport, err := broker.New(broker.Config{
		Broker:   cfg.Broker,
		Port:     cfg.Port,
		ClientID: cfg.ClientID,
		Verbose:  cfg.Verbose,
	}, log, nil)
	if err != nil {
		return nil, fmt.Errorf("client: creating broker transport: %w", err)
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("client: connecting to broker: %w", err)
	}

	view, err := fleet.New(fleet.Config{
		Prefix:         cfg.Prefix,
		ResolveAliases: cfg.ResolveAliases,
	}, transport, log)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("client: creating fleet view: %w", err)
	}
	if err := view.Start(); err != nil {
		transport.Close()
		return nil, fmt.Errorf("client: starting fleet view: %w", err)
	}

	// Give the broker a moment to deliver the retained state/aliases
	// backlog before the caller queries the view; a production CLI issuing
	// "list" immediately after connect would otherwise race an empty
	// store.
	time.Sleep(250 * time.Millisecond)

	return &Client{transport: transport, view: view}, nil
}

// Close stops the fleet view and disconnects from the broker.
func (c *Client) Close() {
	c.view.Close()
	c.transport.Close()
}

// List resolves hint against the fleet view.
func (c *Client) List(hint string) ([]fleet.DeviceInfo, error) {
	if hint == "" {
		hint = "*"
	}
	return c.view.List(hint)
}

// SensorReadings resolves hint and returns the matching devices' readings.
func (c *Client) SensorReadings(hint string) (map[string][]fleet.SensorReading, error) {
	if hint == "" {
		hint = "*"
	}
	return c.view.SensorReadings(hint)
}

// SetProviderAlias sets providerHint's provider alias.
func (c *Client) SetProviderAlias(providerHint, alias string) (bool, error) {
	return c.view.SetProviderAlias(providerHint, alias)
}

// SetDeviceAlias sets deviceHint's device alias.
func (c *Client) SetDeviceAlias(deviceHint, alias string) (bool, error) {
	return c.view.SetDeviceAlias(deviceHint, alias)
}

// Send resolves hint to one or more devices and prints path's contents to
// each, blocking until every dispatched print resolves or times out.
// Mirrors ConfigGcode's send command: multiple matches are all sent to
// (spec's "If no hint is given... send to all known devices").
func (c *Client) Send(hint, path string) (map[string]wire.PrintResult, error) {
	gcode, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("client: reading gcode file: %w", err)
	}
	if hint == "" {
		hint = "*"
	}
	devices, err := c.view.List(hint)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("client: no device matched hint %q", hint)
	}

	type outcome struct {
		name   string
		result wire.PrintResult
	}
	results := make(chan outcome, len(devices))
	for _, dev := range devices {
		dev := dev
		c.view.Print(dev, string(gcode), func(d fleet.DeviceInfo, result wire.PrintResult) {
			results <- outcome{name: d.Provider + "/" + d.Name, result: result}
		})
	}

	out := make(map[string]wire.PrintResult, len(devices))
	for range devices {
		o := <-results
		out[o.name] = o.result
	}
	return out, nil
}
