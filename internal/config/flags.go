package config

import (
	"flag"
	"strings"
)

// Overrides collects command-line values that take precedence over the
// settings file. Only flags that were explicitly set are applied.
type Overrides struct {
	fs     *flag.FlagSet
	values Settings
	csv    string
}

// BindFlags registers the settings flags on fs. Defaults shown in help are
// DefaultSettings.
func BindFlags(fs *flag.FlagSet) *Overrides {
	o := &Overrides{fs: fs, values: DefaultSettings()}
	v := &o.values

	fs.IntVar(&v.Batching.WorkerLimit, "worker-limit", v.Batching.WorkerLimit, "Maximum concurrently live per-object workers per resource kind (0 = unbounded).")
	fs.DurationVar(&v.Batching.IdleTimeout.Duration, "idle-timeout", v.Batching.IdleTimeout.Duration, "How long an idle per-object worker waits for new events before exiting.")
	fs.DurationVar(&v.Batching.BatchWindow.Duration, "batch-window", v.Batching.BatchWindow.Duration, "How long a worker waits for fresher events before delivering the latest one.")
	fs.DurationVar(&v.Batching.ExitTimeout.Duration, "exit-timeout", v.Batching.ExitTimeout.Duration, "How long shutdown waits for workers to drain before terminating them.")
	fs.DurationVar(&v.Batching.CloseTimeout.Duration, "close-timeout", v.Batching.CloseTimeout.Duration, "How long shutdown waits for terminated workers to return.")
	fs.DurationVar(&v.Watching.ServerTimeout.Duration, "watch-server-timeout", v.Watching.ServerTimeout.Duration, "Watch timeout requested from the API server (0 = server default).")
	fs.DurationVar(&v.Watching.ReconnectBackoff.Duration, "watch-reconnect-backoff", v.Watching.ReconnectBackoff.Duration, "Minimum interval between watch reconnection attempts.")
	fs.Int64Var(&v.Watching.ListPageSize, "list-page-size", v.Watching.ListPageSize, "Page size of the initial listing (0 = unpaged).")
	fs.StringVar(&o.csv, "resources", "", "Comma-separated list of resources to watch, e.g. pods,deployments.apps.")
	fs.StringVar(&v.Discovery.Namespace, "namespace", v.Discovery.Namespace, "Namespace to watch (empty = all namespaces).")
	fs.DurationVar(&v.Discovery.RescanInterval.Duration, "rescan-interval", v.Discovery.RescanInterval.Duration, "How often to re-resolve the watched resources.")

	return o
}

// Apply copies every explicitly set flag into s.
func (o *Overrides) Apply(s *Settings) {
	set := make(map[string]bool)
	o.fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	o.ApplyIf(s, func(name string) bool { return set[name] })
}

// ApplyIf copies the flags for which changed reports true into s. It serves
// flag sets that wrap the bound flags, such as cobra's.
func (o *Overrides) ApplyIf(s *Settings, changed func(name string) bool) {
	o.fs.VisitAll(func(f *flag.Flag) {
		if !changed(f.Name) {
			return
		}
		switch f.Name {
		case "worker-limit":
			s.Batching.WorkerLimit = o.values.Batching.WorkerLimit
		case "idle-timeout":
			s.Batching.IdleTimeout = o.values.Batching.IdleTimeout
		case "batch-window":
			s.Batching.BatchWindow = o.values.Batching.BatchWindow
		case "exit-timeout":
			s.Batching.ExitTimeout = o.values.Batching.ExitTimeout
		case "close-timeout":
			s.Batching.CloseTimeout = o.values.Batching.CloseTimeout
		case "watch-server-timeout":
			s.Watching.ServerTimeout = o.values.Watching.ServerTimeout
		case "watch-reconnect-backoff":
			s.Watching.ReconnectBackoff = o.values.Watching.ReconnectBackoff
		case "list-page-size":
			s.Watching.ListPageSize = o.values.Watching.ListPageSize
		case "resources":
			s.Discovery.Resources = SplitCSV(o.csv)
		case "namespace":
			s.Discovery.Namespace = o.values.Discovery.Namespace
		case "rescan-interval":
			s.Discovery.RescanInterval = o.values.Discovery.RescanInterval
		}
	})
}

// SplitCSV splits a comma-separated string into trimmed, non-empty items.
func SplitCSV(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
