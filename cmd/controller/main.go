package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/ztaylor54/kopf/internal/config"
	discoveryengine "github.com/ztaylor54/kopf/internal/discovery"
	"github.com/ztaylor54/kopf/internal/processing"
	"github.com/ztaylor54/kopf/internal/queueing"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// processorOptions selects the processors the operator runs for every event.
type processorOptions struct {
	logEvents  bool
	postEvents bool
	webhook    processing.WebhookConfig
}

func main() {
	var (
		configPath     string
		metricsAddr    string
		healthAddr     string
		leaderElect    bool
		leaderElectID  string
		logLevel       string
		logDevelopment bool
		procOpts       processorOptions
	)

	flag.StringVar(&configPath, "config", "", "Path to a YAML settings file. Flags override its values.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&healthAddr, "health-probe-bind-address", ":8081", "The address the health probe endpoint binds to.")
	flag.BoolVar(&leaderElect, "leader-elect", true, "Enable leader election for controller manager.")
	flag.StringVar(&leaderElectID, "leader-election-id", "kopf-leader", "Name of the leader election lease.")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error).")
	flag.BoolVar(&logDevelopment, "log-development", false, "Use human-readable development logging.")
	flag.BoolVar(&procOpts.logEvents, "log-events", true, "Log every delivered object event.")
	flag.BoolVar(&procOpts.postEvents, "post-events", false, "Attach a Kubernetes Event to every added or modified object.")
	flag.StringVar(&procOpts.webhook.URL, "webhook-url", "", "URL to POST every delivered object event to.")
	flag.IntVar(&procOpts.webhook.TimeoutSeconds, "webhook-timeout", 10, "Webhook HTTP request timeout in seconds.")
	flag.BoolVar(&procOpts.webhook.InsecureSkipVerify, "webhook-insecure-skip-verify", false, "Disable TLS certificate verification for webhook (insecure).")
	flag.StringVar(&procOpts.webhook.AuthToken, "webhook-auth-token", "", "Bearer token for webhook Authorization header. Overridden by KOPF_WEBHOOK_AUTH_TOKEN env var if set.")
	flag.IntVar(&procOpts.webhook.RateLimitPerMinute, "webhook-rate-limit", 0, "Maximum webhook deliveries per namespace per minute (0 = unlimited).")
	overrides := config.BindFlags(flag.CommandLine)
	flag.Parse()

	// Environment variable override for webhook auth token (allows Secret mounting).
	if envToken := os.Getenv("KOPF_WEBHOOK_AUTH_TOKEN"); envToken != "" {
		procOpts.webhook.AuthToken = envToken
	}

	logger, err := buildLogger(logLevel, logDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	settings, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load settings", zap.Error(err))
	}
	overrides.Apply(&settings)
	if err := settings.Validate(); err != nil {
		logger.Fatal("Invalid settings", zap.Error(err))
	}
	if len(settings.Discovery.Resources) == 0 {
		logger.Fatal("No resources to watch; set --resources or discovery.resources")
	}

	logger.Info("Starting kopf",
		zap.String("version", "dev"),
		zap.Bool("leader_elect", leaderElect),
		zap.Strings("resources", settings.Discovery.Resources),
		zap.String("namespace", settings.Discovery.Namespace),
		zap.Int("worker_limit", settings.Batching.WorkerLimit),
	)

	cfg := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme:                 scheme,
		LeaderElection:         leaderElect,
		LeaderElectionID:       leaderElectID,
		HealthProbeBindAddress: healthAddr,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
	})
	if err != nil {
		logger.Fatal("Unable to create manager", zap.Error(err))
	}

	// Register health checks
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		logger.Fatal("Unable to set up health check", zap.Error(err))
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		logger.Fatal("Unable to set up readiness check", zap.Error(err))
	}

	// Build clients
	discoveryClient, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		logger.Fatal("Failed to create discovery client", zap.Error(err))
	}

	dynamicClient, err := dynamic.NewForConfig(cfg)
	if err != nil {
		logger.Fatal("Failed to create dynamic client", zap.Error(err))
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		logger.Fatal("Failed to create clientset", zap.Error(err))
	}

	processor, err := buildProcessor(logger, clientset, procOpts)
	if err != nil {
		logger.Fatal("Failed to set up processors", zap.Error(err))
	}

	engine := discoveryengine.NewEngine(
		logger,
		discoveryengine.NewResolver(logger, discoveryClient),
		dynamicClient,
		processor,
		settings,
		nil,
	)

	// The engine runs only while this replica holds the leader lease.
	if err := mgr.Add(manager.RunnableFunc(engine.Start)); err != nil {
		logger.Fatal("Failed to add discovery engine to manager", zap.Error(err))
	}

	// Start manager (blocks until context is cancelled)
	ctx := ctrl.SetupSignalHandler()
	logger.Info("Starting manager")
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("Manager exited with error", zap.Error(err))
	}
}

// buildLogger creates the process logger from the logging flags.
func buildLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logConfig := zap.NewProductionConfig()
	if development {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = lvl
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return logConfig.Build()
}

// buildProcessor assembles the enabled processors into one chain.
func buildProcessor(logger *zap.Logger, clientset kubernetes.Interface, opts processorOptions) (queueing.Processor, error) {
	var chain processing.Chain
	if opts.logEvents {
		chain = append(chain, processing.NewLogProcessor(logger))
	}
	if opts.postEvents {
		chain = append(chain, processing.NewEventPoster(logger, clientset))
	}
	if opts.webhook.URL != "" {
		webhook, err := processing.NewWebhookProcessor(logger, opts.webhook)
		if err != nil {
			return nil, err
		}
		chain = append(chain, webhook)
		logger.Info("Webhook processor configured", zap.String("url", processing.RedactURL(opts.webhook.URL)))
	}
	if len(chain) == 0 {
		logger.Warn("No processors enabled; events are dispatched and dropped")
	}
	return chain, nil
}
