package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// Settings is the full runtime configuration of the operator.
type Settings struct {
	Batching  BatchingSettings  `json:"batching"`
	Watching  WatchingSettings  `json:"watching"`
	Discovery DiscoverySettings `json:"discovery"`
}

// BatchingSettings configures the per-object queueing of one resource kind.
type BatchingSettings struct {
	// WorkerLimit is the maximum number of concurrently live per-object
	// workers of one resource kind. Zero means unbounded.
	WorkerLimit int `json:"workerLimit"`

	// IdleTimeout is how long a worker waits on an empty queue before it
	// exits and releases its per-object state.
	IdleTimeout metav1.Duration `json:"idleTimeout"`

	// BatchWindow is how long a worker waits for a fresher event before it
	// delivers the latest one of a burst.
	BatchWindow metav1.Duration `json:"batchWindow"`

	// ExitTimeout is how long shutdown waits for workers to drain naturally.
	ExitTimeout metav1.Duration `json:"exitTimeout"`

	// CloseTimeout bounds the wait for force-terminated workers to return.
	CloseTimeout metav1.Duration `json:"closeTimeout"`
}

// WatchingSettings configures the list-watch connection of one resource kind.
type WatchingSettings struct {
	// ServerTimeout is sent to the API server as the watch timeout. Zero
	// leaves it to the server.
	ServerTimeout metav1.Duration `json:"serverTimeout"`

	// ReconnectBackoff is the minimum interval between (re)connection attempts.
	ReconnectBackoff metav1.Duration `json:"reconnectBackoff"`

	// ListPageSize is the page size of the initial listing. Zero disables paging.
	ListPageSize int64 `json:"listPageSize"`
}

// DiscoverySettings configures which resource kinds are served.
type DiscoverySettings struct {
	// Resources are resource selectors such as "pods", "deployments.apps"
	// or "kopfexamples.v1.kopf.dev".
	Resources []string `json:"resources"`

	// Namespace restricts watching to one namespace. Empty means cluster-wide.
	Namespace string `json:"namespace"`

	// RescanInterval is how often the served resource kinds are re-resolved.
	RescanInterval metav1.Duration `json:"rescanInterval"`
}

// DefaultSettings returns the defaults used when neither a file nor flags
// override a value.
func DefaultSettings() Settings {
	return Settings{
		Batching: BatchingSettings{
			WorkerLimit:  0,
			IdleTimeout:  metav1.Duration{Duration: 5 * time.Second},
			BatchWindow:  metav1.Duration{Duration: 100 * time.Millisecond},
			ExitTimeout:  metav1.Duration{Duration: 2 * time.Second},
			CloseTimeout: metav1.Duration{Duration: time.Second},
		},
		Watching: WatchingSettings{
			ReconnectBackoff: metav1.Duration{Duration: 100 * time.Millisecond},
			ListPageSize:     500,
		},
		Discovery: DiscoverySettings{
			RescanInterval: metav1.Duration{Duration: 5 * time.Minute},
		},
	}
}

// Load reads settings from a YAML file on top of DefaultSettings.
// An empty path returns the defaults.
func Load(path string) (Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &settings); err != nil {
		return settings, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return settings, nil
}

// Validate reports every invalid value at once.
func (s Settings) Validate() error {
	var errs []error
	if err := s.Batching.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.Watching.ServerTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("watching.serverTimeout must not be negative"))
	}
	if s.Watching.ReconnectBackoff.Duration < 0 {
		errs = append(errs, fmt.Errorf("watching.reconnectBackoff must not be negative"))
	}
	if s.Watching.ListPageSize < 0 {
		errs = append(errs, fmt.Errorf("watching.listPageSize must not be negative"))
	}
	if s.Discovery.RescanInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("discovery.rescanInterval must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks the batching values.
func (b BatchingSettings) Validate() error {
	var errs []error
	if b.WorkerLimit < 0 {
		errs = append(errs, fmt.Errorf("batching.workerLimit must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"idleTimeout":  b.IdleTimeout.Duration,
		"batchWindow":  b.BatchWindow.Duration,
		"exitTimeout":  b.ExitTimeout.Duration,
		"closeTimeout": b.CloseTimeout.Duration,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("batching.%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}
