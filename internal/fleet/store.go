package fleet

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gcoded/gcoded/internal/wire"
)

// DeviceInfo is one row of the devices relation, joined with its optional
// provider alias. Field names mirror original_source's Client::DeviceInfo.
type DeviceInfo struct {
	Provider           string
	Name               string
	ProviderAlias      string
	DeviceAlias        string
	State              wire.DeviceState
	PrintPercentage    uint8
	PrintRemainingTime uint32
}

// SensorReading is one row of the sensor_readings relation.
type SensorReading struct {
	SensorName   string
	CurrentValue float64
	SetPoint     *float64
	Unit         *string
}

// openStore opens the in-memory relational store and creates its three
// tables, a direct port of Client::Client()'s schema.
func openStore() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("fleet: open sqlite3 in-memory database: %w", err)
	}

	// Case-sensitive LIKE matches the original's explicit pragma; device
	// and provider names are case-sensitive identifiers.
	if _, err := db.Exec("PRAGMA case_sensitive_like = true"); err != nil {
		db.Close()
		return nil, fmt.Errorf("fleet: enable case_sensitive_like: %w", err)
	}

	stmts := []string{
		`CREATE TABLE devices (
			provider TEXT,
			device TEXT,
			state INTEGER DEFAULT 0,
			print_percentage INTEGER DEFAULT 0,
			print_remaining_time INTEGER DEFAULT 0,
			device_alias TEXT DEFAULT NULL,
			PRIMARY KEY (provider, device)
		)`,
		`CREATE TABLE provider_alias (
			provider TEXT NOT NULL UNIQUE PRIMARY KEY,
			alias TEXT
		)`,
		`CREATE TABLE sensor_readings (
			provider TEXT,
			device TEXT,
			sensor_name TEXT,
			current_value REAL NOT NULL,
			set_point REAL DEFAULT NULL,
			unit TEXT DEFAULT NULL,
			PRIMARY KEY (provider, device, sensor_name)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("fleet: create schema: %w", err)
		}
	}

	return db, nil
}

func upsertDeviceState(db *sql.DB, provider, device string, state wire.DeviceState) error {
	_, err := db.Exec(
		`INSERT INTO devices (provider, device, state) VALUES (?, ?, ?)
		 ON CONFLICT (provider, device) DO UPDATE SET state = excluded.state`,
		provider, device, int(state),
	)
	return err
}

func upsertDeviceProgress(db *sql.DB, provider, device string, pct uint8, remaining uint32) error {
	_, err := db.Exec(
		`INSERT INTO devices (provider, device, print_percentage, print_remaining_time) VALUES (?, ?, ?, ?)
		 ON CONFLICT (provider, device) DO UPDATE SET
			print_percentage = excluded.print_percentage,
			print_remaining_time = excluded.print_remaining_time`,
		provider, device, int(pct), int(remaining),
	)
	return err
}

func upsertDeviceAlias(db *sql.DB, provider, device, alias string) error {
	_, err := db.Exec(
		`INSERT INTO devices (provider, device, device_alias) VALUES (?, ?, ?)
		 ON CONFLICT (provider, device) DO UPDATE SET device_alias = excluded.device_alias`,
		provider, device, alias,
	)
	return err
}

func upsertProviderAlias(db *sql.DB, provider, alias string) error {
	_, err := db.Exec(
		`INSERT INTO provider_alias (provider, alias) VALUES (?, ?)
		 ON CONFLICT (provider) DO UPDATE SET alias = excluded.alias`,
		provider, alias,
	)
	return err
}

func deleteProviderAlias(db *sql.DB, provider string) error {
	_, err := db.Exec(`DELETE FROM provider_alias WHERE provider = ?`, provider)
	return err
}

// replaceSensorReadings drops every existing reading for (provider, device)
// and inserts the freshly reported set, per spec's "replace the full set"
// semantics (the original only ever upserts, leaving stale sensor names
// behind once a firmware stops reporting them).
func replaceSensorReadings(db *sql.DB, provider, device string, readings []wire.SensorReading) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sensor_readings WHERE provider = ? AND device = ?`, provider, device); err != nil {
		return err
	}

	for _, r := range readings {
		var setPoint any
		if r.HasSet {
			setPoint = r.SetPoint
		}
		var unit any
		if r.Unit != "" {
			unit = r.Unit
		}
		_, err := tx.Exec(
			`INSERT INTO sensor_readings (provider, device, sensor_name, current_value, set_point, unit)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (provider, device, sensor_name) DO UPDATE SET
				current_value = excluded.current_value,
				set_point = excluded.set_point,
				unit = excluded.unit`,
			provider, device, r.Name, r.Current, setPoint, unit,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}
