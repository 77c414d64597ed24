package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gcoded.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseFileSkipsBlankAndCommentLines(t *testing.T) {
	path := writeConfFile(t, "\n# a comment\nmqtt_broker = localhost\n")
	entries, err := parseFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "mqtt_broker", entries[0].name)
	require.Equal(t, "localhost", entries[0].value)
}

func TestParseFileStripsQuotes(t *testing.T) {
	path := writeConfFile(t, `mqtt_prefix = "my prefix"`+"\n")
	entries, err := parseFile(path)
	require.NoError(t, err)
	require.Equal(t, "my prefix", entries[0].value)
}

func TestParseFileRejectsMissingEquals(t *testing.T) {
	path := writeConfFile(t, "not_a_valid_line\n")
	_, err := parseFile(path)
	require.Error(t, err)
}

func TestParseFileRejectsInvalidVarName(t *testing.T) {
	path := writeConfFile(t, "1bad = value\n")
	_, err := parseFile(path)
	require.Error(t, err)
}

func TestParseFileRejectsEmptyValue(t *testing.T) {
	path := writeConfFile(t, "mqtt_broker = \n")
	_, err := parseFile(path)
	require.Error(t, err)
}

func TestParsePortRejectsOutOfRange(t *testing.T) {
	_, err := parsePort("70000")
	require.Error(t, err)
}

func TestParsePortAcceptsValid(t *testing.T) {
	port, err := parsePort("1883")
	require.NoError(t, err)
	require.Equal(t, uint16(1883), port)
}

func TestLoadDaemonConfigAppliesFileThenFlags(t *testing.T) {
	path := writeConfFile(t, "mqtt_broker = filehost\nmqtt_port = 1884\nuse_realtime_scheduler = true\n")
	cfg, err := LoadDaemonConfig([]string{"--config", path, "--mqtt-port", "1885"})
	require.NoError(t, err)
	require.Equal(t, "filehost", cfg.Broker)
	require.Equal(t, uint16(1885), cfg.Port)
	require.True(t, cfg.UseRealtimeScheduler)
}

func TestLoadDaemonConfigRealtimeSchedulerEqualityNotTruthy(t *testing.T) {
	path := writeConfFile(t, "use_realtime_scheduler = yes\n")
	cfg, err := LoadDaemonConfig([]string{"--config", path})
	require.NoError(t, err)
	require.False(t, cfg.UseRealtimeScheduler, "non-\"true\" value must not enable the realtime scheduler")
}

func TestLoadDaemonConfigRejectsUnknownKey(t *testing.T) {
	path := writeConfFile(t, "totally_unknown = 1\n")
	_, err := LoadDaemonConfig([]string{"--config", path})
	require.Error(t, err)
}

func TestLoadClientConfigParsesCommandAndArgs(t *testing.T) {
	cfg, err := LoadClientConfig([]string{"list", "prusa/*"})
	require.NoError(t, err)
	require.Equal(t, "list", cfg.Command)
	require.Equal(t, []string{"prusa/*"}, cfg.CommandArgs)
}

func TestLoadClientConfigRealNamesDisablesAliasResolution(t *testing.T) {
	cfg, err := LoadClientConfig([]string{"--real-names", "list"})
	require.NoError(t, err)
	require.False(t, cfg.ResolveAliases)
}

func TestLoadClientConfigDefaultsResolveAliasesTrue(t *testing.T) {
	cfg, err := LoadClientConfig([]string{"list"})
	require.NoError(t, err)
	require.True(t, cfg.ResolveAliases)
}

func TestValidClientID(t *testing.T) {
	require.True(t, validClientID("0123456789abcdef0123456789abcdef"[:32]))
	require.False(t, validClientID("too-short"))
	require.False(t, validClientID("0123456789ABCDEF0123456789abcdef"))
}
