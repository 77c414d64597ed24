package alias

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gcoded/gcoded/internal/fswatch"
)

func TestSetAndGetAlias(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "aliases.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, StateOK, s.State())
	require.NoError(t, s.SetAlias("prusa-ABC123", "mk3"))

	all, err := s.GetAll()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"prusa-ABC123": "mk3"}, all)
}

func TestSetAliasUpserts(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "aliases.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetAlias("prusa-ABC123", "mk3"))
	require.NoError(t, s.SetAlias("prusa-ABC123", "mk3s"))

	all, err := s.GetAll()
	require.NoError(t, err)
	require.Equal(t, "mk3s", all["prusa-ABC123"])
}

func TestRemoveAlias(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "aliases.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetAlias("prusa-ABC123", "mk3"))
	require.NoError(t, s.RemoveAlias("prusa-ABC123"))

	all, err := s.GetAll()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestProviderAliasRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "aliases.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	pa, err := s.ProviderAlias()
	require.NoError(t, err)
	require.Empty(t, pa)

	require.NoError(t, s.SetProviderAlias("workshop"))
	pa, err = s.ProviderAlias()
	require.NoError(t, err)
	require.Equal(t, "workshop", pa)

	require.NoError(t, s.SetProviderAlias("workshop-2"))
	pa, err = s.ProviderAlias()
	require.NoError(t, err)
	require.Equal(t, "workshop-2", pa)
}

func TestMissingBackingFileDegradesGracefully(t *testing.T) {
	s, err := Open("/nonexistent/dir/does/not/exist/aliases.db", nil)
	require.NoError(t, err)

	all, err := s.GetAll()
	require.NoError(t, err)
	require.Empty(t, all)

	err = s.SetAlias("prusa-ABC123", "mk3")
	require.Error(t, err)
}

type countingListener struct {
	n atomic.Int64
}

func (l *countingListener) OnAliasChange() { l.n.Add(1) }

func TestSubscribeNotifiedOnChange(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "aliases.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	l := &countingListener{}
	s.Subscribe(l)

	require.NoError(t, s.SetAlias("prusa-ABC123", "mk3"))

	require.Eventually(t, func() bool { return l.n.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestExternalModificationNotifiesViaWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.db")

	w, err := fswatch.New()
	require.NoError(t, err)
	defer w.Close()

	s, err := Open(path, w)
	require.NoError(t, err)
	defer s.Close()

	l := &countingListener{}
	s.Subscribe(l)

	s.OnFsEvent(fswatch.Event{}) // simulate the watcher observing external modification

	require.Eventually(t, func() bool { return l.n.Load() == 1 }, time.Second, 10*time.Millisecond)
}
