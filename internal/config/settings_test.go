package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 0, s.Batching.WorkerLimit)
	assert.Equal(t, 5*time.Second, s.Batching.IdleTimeout.Duration)
	assert.Equal(t, 100*time.Millisecond, s.Batching.BatchWindow.Duration)
	assert.Equal(t, 2*time.Second, s.Batching.ExitTimeout.Duration)
	assert.Equal(t, time.Second, s.Batching.CloseTimeout.Duration)
	assert.Equal(t, 100*time.Millisecond, s.Watching.ReconnectBackoff.Duration)
	assert.Equal(t, 5*time.Minute, s.Discovery.RescanInterval.Duration)
	require.NoError(t, s.Validate())
}

func TestLoad_EmptyPath(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeFile(t, `
batching:
  workerLimit: 8
  idleTimeout: 30s
  batchWindow: 250ms
discovery:
  resources: ["pods", "deployments.apps"]
  namespace: team-alpha
`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, s.Batching.WorkerLimit)
	assert.Equal(t, 30*time.Second, s.Batching.IdleTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, s.Batching.BatchWindow.Duration)
	// Untouched values keep their defaults.
	assert.Equal(t, 2*time.Second, s.Batching.ExitTimeout.Duration)
	assert.Equal(t, []string{"pods", "deployments.apps"}, s.Discovery.Resources)
	assert.Equal(t, "team-alpha", s.Discovery.Namespace)
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeFile(t, "batching:\n  workerLimt: 3\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse settings")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read settings")
}

func TestLoad_Invalid(t *testing.T) {
	path := writeFile(t, "batching:\n  workerLimit: -1\n  exitTimeout: -1s\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workerLimit must not be negative")
	assert.Contains(t, err.Error(), "exitTimeout must not be negative")
}

func TestValidate_RescanInterval(t *testing.T) {
	s := DefaultSettings()
	s.Discovery.RescanInterval.Duration = 0
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rescanInterval")
}

func TestOverrides_OnlyExplicitFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--worker-limit=4",
		"--batch-window=1s",
		"--resources=pods, deployments.apps ,",
	}))

	s := DefaultSettings()
	s.Batching.IdleTimeout.Duration = time.Minute // e.g. from a file
	o.Apply(&s)

	assert.Equal(t, 4, s.Batching.WorkerLimit)
	assert.Equal(t, time.Second, s.Batching.BatchWindow.Duration)
	assert.Equal(t, time.Minute, s.Batching.IdleTimeout.Duration, "unset flags must not override")
	assert.Equal(t, []string{"pods", "deployments.apps"}, s.Discovery.Resources)
}

func TestOverrides_ApplyIf(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o := BindFlags(fs)
	// Values set through a wrapping flag set do not mark the go flags as set.
	require.NoError(t, fs.Lookup("namespace").Value.Set("team-a"))
	require.NoError(t, fs.Lookup("worker-limit").Value.Set("9"))

	s := DefaultSettings()
	o.Apply(&s)
	assert.Empty(t, s.Discovery.Namespace)

	o.ApplyIf(&s, func(name string) bool { return name == "namespace" })
	assert.Equal(t, "team-a", s.Discovery.Namespace)
	assert.Equal(t, DefaultSettings().Batching.WorkerLimit, s.Batching.WorkerLimit)
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, SplitCSV(""))
	assert.Equal(t, []string{"a", "b"}, SplitCSV(" a ,, b "))
}
