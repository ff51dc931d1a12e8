package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"sigs.k8s.io/yaml"

	"github.com/ztaylor54/kopf/internal/discovery"
	"github.com/ztaylor54/kopf/internal/types"
)

// ResourceInfo describes a watchable resource kind in resources output.
type ResourceInfo struct {
	Name       string   `json:"name"`
	ShortNames []string `json:"shortNames,omitempty"`
	APIVersion string   `json:"apiVersion"`
	Namespaced bool     `json:"namespaced"`
	Kind       string   `json:"kind"`
	Watchable  bool     `json:"watchable"`
}

// ResourcesResult is the result of a resources command.
type ResourcesResult struct {
	Resources []ResourceInfo `json:"resources"`
	Total     int            `json:"total"`
}

// EventRecord is one delivered event in watch output.
type EventRecord struct {
	Type            string                 `json:"type"`
	Kind            string                 `json:"kind"`
	Namespace       string                 `json:"namespace,omitempty"`
	Name            string                 `json:"name"`
	UID             string                 `json:"uid"`
	ResourceVersion string                 `json:"resourceVersion"`
	Replenished     bool                   `json:"replenished"`
	Object          map[string]interface{} `json:"object,omitempty"`
}

func newResourceInfo(r discovery.Resource) ResourceInfo {
	return ResourceInfo{
		Name:       r.GVR.Resource,
		ShortNames: r.ShortNames,
		APIVersion: r.GVR.GroupVersion().String(),
		Namespaced: r.Namespaced,
		Kind:       r.Kind,
		Watchable:  r.Watchable,
	}
}

func newEventRecord(event types.RawEvent, replenished bool) EventRecord {
	eventType := string(event.Type)
	if eventType == "" {
		eventType = "LISTED"
	}
	return EventRecord{
		Type:            eventType,
		Kind:            event.Kind(),
		Namespace:       event.Namespace(),
		Name:            event.Name(),
		UID:             event.UID(),
		ResourceVersion: event.ResourceVersion(),
		Replenished:     replenished,
		Object:          event.Object,
	}
}

func validateFormat(format string) error {
	switch format {
	case "table", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// outputResult outputs the result in the specified format.
func outputResult(w io.Writer, result interface{}, format string) error {
	switch format {
	case "json":
		return outputJSON(w, result)
	case "yaml":
		return outputYAML(w, result)
	default:
		return outputTable(w, result)
	}
}

func outputJSON(w io.Writer, result interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func outputYAML(w io.Writer, result interface{}) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func outputTable(out io.Writer, result interface{}) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch r := result.(type) {
	case ResourcesResult:
		return outputResourcesTable(w, r)
	default:
		// Fall back to JSON for unknown types
		return outputJSON(out, result)
	}
}

func outputResourcesTable(w *tabwriter.Writer, r ResourcesResult) error {
	fmt.Fprintln(w, "NAME\tSHORTNAMES\tAPIVERSION\tNAMESPACED\tKIND\tWATCHABLE")
	for _, res := range r.Resources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%t\n",
			res.Name, strings.Join(res.ShortNames, ","), res.APIVersion, res.Namespaced, res.Kind, res.Watchable)
	}
	return nil
}

// eventPrinter writes watch events as they are delivered. Workers of
// different objects call it concurrently.
type eventPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	format  string
	printed int
}

func newEventPrinter(out io.Writer, format string) *eventPrinter {
	return &eventPrinter{out: out, format: format}
}

// print writes one record and returns how many records were printed so far.
func (p *eventPrinter) print(rec EventRecord) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	switch p.format {
	case "json":
		// One object per line, so the stream can be piped into jq.
		err = json.NewEncoder(p.out).Encode(rec)
	case "yaml":
		var data []byte
		data, err = yaml.Marshal(rec)
		if err == nil {
			_, err = fmt.Fprintf(p.out, "---\n%s", data)
		}
	default:
		if p.printed == 0 {
			fmt.Fprintf(p.out, "%-9s %-20s %-40s %-38s %s\n", "TYPE", "NAMESPACE", "NAME", "UID", "RESOURCEVERSION")
		}
		_, err = fmt.Fprintf(p.out, "%-9s %-20s %-40s %-38s %s\n",
			rec.Type, rec.Namespace, rec.Name, rec.UID, rec.ResourceVersion)
	}
	if err != nil {
		return p.printed, err
	}
	p.printed++
	return p.printed, nil
}
