package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "daqcore/internal/hal/mock"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
devices:
  - id: pm1
    driver: mock_pm
    capabilities: [readable]
  - id: stage1
    driver: mock_stage
    capabilities: [movable, parameterized]
storage:
  dir: /tmp/daqcore-runs
  format: columnar
  flush_interval: 500ms
runtime:
  ring_buffer_bytes: 1048576
  reliable_queue_depth: 128
  broadcast_capacity: 16
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daqcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndParsesSections(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Devices, 2)
	require.Equal(t, "pm1", cfg.Devices[0].ID)
	require.Equal(t, []string{"readable"}, cfg.Devices[0].Capabilities)
	require.Equal(t, 500*time.Millisecond, cfg.Storage.FlushInterval)
	require.Equal(t, uint64(1048576), cfg.Runtime.RingBufferBytes)
	// Unset ConnectTimeout gets the default applied.
	require.Equal(t, 5*time.Second, cfg.Devices[0].ConnectTimeout)
}

func TestLoad_DefaultsWhenSectionsOmitted(t *testing.T) {
	path := writeConfig(t, "devices: []\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.Storage.FlushInterval)
	require.Equal(t, "columnar", cfg.Storage.Format)
	require.Equal(t, 256, cfg.Runtime.ReliableQueueDepth)
}

func TestFingerprint_StableForSameConfig(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg1, err := Load(path)
	require.NoError(t, err)
	cfg2, err := Load(path)
	require.NoError(t, err)

	f1, err := Fingerprint(cfg1)
	require.NoError(t, err)
	f2, err := Fingerprint(cfg2)
	require.NoError(t, err)
	require.Equal(t, f1, f2)
}

func TestBuildRegistry_ConnectsDeclaredDevices(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	reg, failures, err := BuildRegistry(context.Background(), cfg)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.ElementsMatch(t, []string{"pm1", "stage1"}, reg.IDs())

	h, err := reg.Get("pm1")
	require.NoError(t, err)
	require.True(t, h.Declares("readable"))
}

func TestWatcher_DetectsFileChange(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, errs := w.Watch(ctx)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\n# touched\n"), 0o644))

	select {
	case ch := <-changes:
		require.NotNil(t, ch.Config)
	case err := <-errs:
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}
}
