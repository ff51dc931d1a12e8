package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/ztaylor54/kopf/internal/config"
	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/queueing"
	"github.com/ztaylor54/kopf/internal/watching"
)

// session is one running watch of one resource kind.
type session struct {
	resource Resource
	source   *watching.Source
}

// Engine runs an independent watch session (list-watch source plus
// dispatcher) for every resource kind the configured selectors resolve to,
// and re-resolves them periodically so that kinds installed later are picked
// up and kinds removed are stopped.
type Engine struct {
	logger    *zap.Logger
	resolver  *Resolver
	client    dynamic.Interface
	processor queueing.Processor
	settings  config.Settings
	freeze    *primitives.Toggle

	mu       sync.Mutex
	sessions map[schema.GroupVersionResource]*session
	fatal    chan error
	wg       sync.WaitGroup
}

// NewEngine creates a new discovery engine. A nil freeze toggle disables
// freezing.
func NewEngine(
	logger *zap.Logger,
	resolver *Resolver,
	client dynamic.Interface,
	processor queueing.Processor,
	settings config.Settings,
	freeze *primitives.Toggle,
) *Engine {
	return &Engine{
		logger:    logger.Named("discovery"),
		resolver:  resolver,
		client:    client,
		processor: processor,
		settings:  settings,
		freeze:    freeze,
		sessions:  make(map[schema.GroupVersionResource]*session),
		fatal:     make(chan error, 1),
	}
}

// Start resolves the resources, runs their sessions and rescans every
// RescanInterval. It blocks until ctx is cancelled, then stops all sessions
// and returns nil. If a session fails with a *queueing.UnrecoverableError,
// all sessions are stopped and that error is returned.
func (e *Engine) Start(ctx context.Context) error {
	interval := e.settings.Discovery.RescanInterval.Duration
	e.logger.Info("Starting discovery engine",
		zap.Strings("resources", e.settings.Discovery.Resources),
		zap.String("namespace", e.settings.Discovery.Namespace),
		zap.Duration("rescan_interval", interval))

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		e.wg.Wait()
		e.logger.Info("Discovery engine stopped")
	}()

	e.scan(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-e.fatal:
			e.logger.Error("Stopping all watch sessions after an unrecoverable failure", zap.Error(err))
			return err
		case <-ticker.C:
			e.scan(ctx)
		}
	}
}

// scan reconciles the running sessions with the currently resolvable
// resources. Resolution errors are logged; unresolved kinds are retried on
// the next scan.
func (e *Engine) scan(ctx context.Context) {
	e.logger.Debug("Scanning for watched resources")

	resources, err := e.resolver.ResolveAll(e.settings.Discovery.Resources)
	if err != nil {
		e.logger.Warn("Some resources could not be resolved", zap.Error(err))
	}

	wanted := make(map[schema.GroupVersionResource]Resource, len(resources))
	for _, r := range resources {
		wanted[r.GVR] = r
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for gvr, s := range e.sessions {
		if _, ok := wanted[gvr]; !ok {
			e.logger.Info("Resource no longer served, stopping its watch", zap.String("resource", gvr.String()))
			// Ending the stream lets the dispatcher finish the queued events.
			s.source.Stop()
			delete(e.sessions, gvr)
		}
	}
	for gvr, r := range wanted {
		if _, ok := e.sessions[gvr]; ok {
			continue
		}
		e.startSessionLocked(ctx, r)
	}
	sessionsActive.Set(float64(len(e.sessions)))
}

func (e *Engine) startSessionLocked(ctx context.Context, r Resource) {
	namespace := e.settings.Discovery.Namespace
	if !r.Namespaced {
		namespace = ""
	}

	s := &session{
		resource: r,
		source:   watching.NewSource(e.logger, e.client, r.GVR, namespace, e.settings.Watching, e.freeze),
	}
	e.sessions[r.GVR] = s

	e.logger.Info("Starting watch session",
		zap.String("resource", r.GVR.String()),
		zap.String("namespace", namespace))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		dispatcher := queueing.NewDispatcher(e.logger, r.GVR, e.processor, e.settings.Batching)
		err := dispatcher.Run(ctx, s.source)
		e.ended(s, err)
	}()
}

// ended forgets a finished session so that the next scan may restart it.
func (e *Engine) ended(s *session, err error) {
	e.mu.Lock()
	if e.sessions[s.resource.GVR] == s {
		delete(e.sessions, s.resource.GVR)
	}
	sessionsActive.Set(float64(len(e.sessions)))
	e.mu.Unlock()

	resource := s.resource.GVR.String()
	var unrecoverable *queueing.UnrecoverableError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		sessionEndsTotal.WithLabelValues(resource, "stopped").Inc()
		e.logger.Debug("Watch session stopped", zap.String("resource", resource))
	case errors.As(err, &unrecoverable):
		sessionEndsTotal.WithLabelValues(resource, "unrecoverable").Inc()
		select {
		case e.fatal <- err:
		default:
		}
	default:
		sessionEndsTotal.WithLabelValues(resource, "error").Inc()
		e.logger.Warn("Watch session ended, will retry on the next scan",
			zap.String("resource", resource), zap.Error(err))
	}
}

// WatchedGVRs returns the resource kinds currently being watched, sorted.
func (e *Engine) WatchedGVRs() []schema.GroupVersionResource {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]schema.GroupVersionResource, 0, len(e.sessions))
	for gvr := range e.sessions {
		result = append(result, gvr)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result
}
