package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowctl/modelgate/proxy/config"
)

func TestModelNeedsRestart(t *testing.T) {
	base := config.ModelConfig{Cmd: "cmd-a", Proxy: "http://localhost:1"}

	changedCmd := base
	changedCmd.Cmd = "cmd-b"
	assert.True(t, modelNeedsRestart(base, changedCmd))

	changedEnv := base
	changedEnv.Env = []string{"FOO=bar"}
	assert.True(t, modelNeedsRestart(base, changedEnv))

	unchanged := base
	assert.False(t, modelNeedsRestart(base, unchanged))

	changedUnrelated := base
	changedUnrelated.Description = "something new"
	assert.False(t, modelNeedsRestart(base, changedUnrelated))
}

func TestShouldRestartModel(t *testing.T) {
	base := config.ModelConfig{Cmd: "cmd-a"}
	changed := base
	changed.Cmd = "cmd-b"

	assert.True(t, shouldRestartModel(base, changed, true))
	assert.False(t, shouldRestartModel(base, changed, false))

	forceOn := true
	changed.ForceRestart = &forceOn
	assert.True(t, shouldRestartModel(base, changed, false))

	forceOff := false
	changed.ForceRestart = &forceOff
	assert.False(t, shouldRestartModel(base, changed, true))
}

func TestWatchConfigFile_TriggersOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("startPort: 5800\n"), 0o644))

	reloaded := make(chan string, 4)
	watcher, err := WatchConfigFile(path, 50*time.Millisecond, func(p string) {
		reloaded <- p
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("startPort: 5900\n"), 0o644))

	select {
	case got := <-reloaded:
		assert.Equal(t, path, got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatchConfigFile_DebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("startPort: 5800\n"), 0o644))

	reloaded := make(chan string, 8)
	watcher, err := WatchConfigFile(path, 150*time.Millisecond, func(p string) {
		reloaded <- p
	})
	require.NoError(t, err)
	defer watcher.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("startPort: 590"+string(rune('0'+i))+"\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}

	select {
	case <-reloaded:
		t.Fatal("debouncer fired more than once for a burst of writes")
	case <-time.After(300 * time.Millisecond):
	}
}
