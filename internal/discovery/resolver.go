package discovery

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
)

var (
	// ErrUnknownResource means no served resource matches a selector.
	ErrUnknownResource = errors.New("no such resource")

	// ErrAmbiguousResource means a selector matches resources of several groups.
	ErrAmbiguousResource = errors.New("ambiguous resource")

	// ErrNotWatchable means the resource does not support both list and watch.
	ErrNotWatchable = errors.New("resource cannot be listed and watched")
)

var versionPattern = regexp.MustCompile(`^v[0-9]+((alpha|beta)[0-9]+)?$`)

// Selector identifies a resource kind the way kubectl does: by plural or
// singular name, kind, or short name, optionally qualified by group and
// version ("deployments", "deployments.apps", "deployments.v1.apps").
type Selector struct {
	Name    string
	Version string
	Group   string
	group   bool // the group was given, even if empty (core)
}

// ParseSelector parses a "name[.version][.group]" string.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, fmt.Errorf("empty resource selector")
	}
	name, rest, qualified := strings.Cut(s, ".")
	if name == "" {
		return Selector{}, fmt.Errorf("invalid resource selector %q", s)
	}
	sel := Selector{Name: name}
	if !qualified {
		return sel, nil
	}

	first, remainder, _ := strings.Cut(rest, ".")
	if versionPattern.MatchString(first) {
		sel.Version = first
		sel.Group = remainder
	} else {
		sel.Group = rest
	}
	sel.group = true
	return sel, nil
}

func (s Selector) String() string {
	parts := []string{s.Name}
	if s.Version != "" {
		parts = append(parts, s.Version)
	}
	if s.Group != "" {
		parts = append(parts, s.Group)
	}
	return strings.Join(parts, ".")
}

func (s Selector) matches(r Resource) bool {
	if s.group && r.GVR.Group != s.Group {
		return false
	}
	if s.Version != "" && r.GVR.Version != s.Version {
		return false
	}
	if s.Name == r.GVR.Resource || s.Name == r.SingularName || strings.EqualFold(s.Name, r.Kind) {
		return true
	}
	for _, short := range r.ShortNames {
		if s.Name == short {
			return true
		}
	}
	return false
}

// Resource is a served resource kind.
type Resource struct {
	GVR          schema.GroupVersionResource
	Kind         string
	SingularName string
	Namespaced   bool
	ShortNames   []string
	Watchable    bool
}

// Resolver maps selectors to served resource kinds using the discovery API.
type Resolver struct {
	logger *zap.Logger
	client discovery.DiscoveryInterface
}

// NewResolver creates a Resolver.
func NewResolver(logger *zap.Logger, client discovery.DiscoveryInterface) *Resolver {
	return &Resolver{
		logger: logger.Named("resolver"),
		client: client,
	}
}

// Resources returns all served top-level resources in their preferred
// versions, sorted by group and name. Sub-resources are skipped.
func (r *Resolver) Resources() ([]Resource, error) {
	lists, err := r.client.ServerPreferredResources()
	if err != nil {
		// ServerPreferredResources can return partial results with an error.
		if len(lists) == 0 {
			return nil, fmt.Errorf("discovering resources: %w", err)
		}
		r.logger.Warn("Partial discovery result", zap.Error(err))
	}
	return r.flatten(lists), nil
}

// Resolve returns the resource kind a selector denotes. A selector with an
// explicit version is looked up in that version even if it is not the
// preferred one. When a selector matches both a core resource and resources
// of other groups (e.g. "events"), the core one wins.
func (r *Resolver) Resolve(sel Selector) (Resource, error) {
	var (
		candidates []Resource
		err        error
	)
	if sel.Version != "" {
		candidates, err = r.groupVersion(schema.GroupVersion{Group: sel.Group, Version: sel.Version})
	} else {
		candidates, err = r.Resources()
	}
	if err != nil {
		return Resource{}, err
	}

	var matched []Resource
	for _, c := range candidates {
		if sel.matches(c) {
			matched = append(matched, c)
		}
	}

	switch {
	case len(matched) == 0:
		return Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, sel)
	case len(matched) > 1:
		if core, ok := onlyCore(matched); ok {
			matched = []Resource{core}
			break
		}
		names := make([]string, 0, len(matched))
		for _, m := range matched {
			names = append(names, m.GVR.String())
		}
		return Resource{}, fmt.Errorf("%w: %s matches %s", ErrAmbiguousResource, sel, strings.Join(names, "; "))
	}

	resource := matched[0]
	if !resource.Watchable {
		return Resource{}, fmt.Errorf("%w: %s", ErrNotWatchable, resource.GVR)
	}
	return resource, nil
}

// ResolveAll resolves every selector string. Errors are collected, not fatal:
// the result holds whatever could be resolved, deduplicated.
func (r *Resolver) ResolveAll(selectors []string) ([]Resource, error) {
	var (
		resolved []Resource
		errs     []error
		seen     = make(map[schema.GroupVersionResource]bool)
	)
	for _, s := range selectors {
		sel, err := ParseSelector(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resource, err := r.Resolve(sel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[resource.GVR] {
			continue
		}
		seen[resource.GVR] = true
		resolved = append(resolved, resource)
	}
	return resolved, errors.Join(errs...)
}

func (r *Resolver) groupVersion(gv schema.GroupVersion) ([]Resource, error) {
	list, err := r.client.ServerResourcesForGroupVersion(gv.String())
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", gv, err)
	}
	return r.flatten([]*metav1.APIResourceList{list}), nil
}

func (r *Resolver) flatten(lists []*metav1.APIResourceList) []Resource {
	var resources []Resource
	for _, list := range lists {
		if list == nil {
			continue
		}
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			r.logger.Warn("Failed to parse group version", zap.String("gv", list.GroupVersion), zap.Error(err))
			continue
		}
		for _, ar := range list.APIResources {
			// Skip sub-resources (e.g., pods/status, pods/log)
			if strings.Contains(ar.Name, "/") {
				continue
			}
			singular := ar.SingularName
			if singular == "" {
				singular = strings.ToLower(ar.Kind)
			}
			resources = append(resources, Resource{
				GVR:          gv.WithResource(ar.Name),
				Kind:         ar.Kind,
				SingularName: singular,
				Namespaced:   ar.Namespaced,
				ShortNames:   ar.ShortNames,
				Watchable:    hasVerbs(ar.Verbs, "list", "watch"),
			})
		}
	}
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].GVR.Group != resources[j].GVR.Group {
			return resources[i].GVR.Group < resources[j].GVR.Group
		}
		return resources[i].GVR.Resource < resources[j].GVR.Resource
	})
	return resources
}

func onlyCore(resources []Resource) (Resource, bool) {
	var core []Resource
	for _, r := range resources {
		if r.GVR.Group == "" {
			core = append(core, r)
		}
	}
	if len(core) != 1 {
		return Resource{}, false
	}
	return core[0], true
}

func hasVerbs(verbs metav1.Verbs, required ...string) bool {
	for _, want := range required {
		found := false
		for _, v := range verbs {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
