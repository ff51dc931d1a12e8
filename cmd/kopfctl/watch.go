package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ztaylor54/kopf/internal/config"
	"github.com/ztaylor54/kopf/internal/discovery"
	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/queueing"
	"github.com/ztaylor54/kopf/internal/types"
	"github.com/ztaylor54/kopf/internal/watching"
)

// watchOptions holds the watch command's own flags.
type watchOptions struct {
	configPath string
	maxEvents  int
	overrides  *config.Overrides
	changed    func(name string) bool
}

func watchCmd() *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch RESOURCE",
		Short: "Watch a resource kind and print every delivered event",
		Long: `Watch one resource kind and print the events the way a processor receives
them: existing objects first (type LISTED), then watch events. Events of one
object are never printed concurrently, and bursts within the batch window
are compacted to the latest one.

Examples:
  # Watch pods in one namespace
  kopfctl watch pods -n my-namespace

  # Watch a custom resource cluster-wide, as JSON lines
  kopfctl watch kopfexamples.v1.kopf.dev -o json

  # Print the first 10 events and exit
  kopfctl watch deployments.apps --max-events 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to a YAML settings file. Flags override its values.")
	cmd.Flags().IntVar(&opts.maxEvents, "max-events", 0, "Exit after printing this many events (0 = run until interrupted).")
	opts.overrides = bindSettingsFlags(cmd.Flags())
	opts.changed = cmd.Flags().Changed
	return cmd
}

// bindSettingsFlags exposes the settings flags on a cobra flag set. The
// resource comes from the argument, so the resources flag is left out.
func bindSettingsFlags(fs *pflag.FlagSet) *config.Overrides {
	goFlags := flag.NewFlagSet("settings", flag.ContinueOnError)
	overrides := config.BindFlags(goFlags)
	goFlags.VisitAll(func(f *flag.Flag) {
		if f.Name == "resources" {
			return
		}
		pf := pflag.PFlagFromGoFlag(f)
		if f.Name == "namespace" {
			pf.Shorthand = "n"
		}
		fs.AddFlag(pf)
	})
	return overrides
}

func runWatch(ctx context.Context, out io.Writer, resource string, opts *watchOptions) error {
	if err := validateFormat(outputFmt); err != nil {
		return err
	}
	settings, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.overrides != nil && opts.changed != nil {
		opts.overrides.ApplyIf(&settings, opts.changed)
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	c, err := getClients()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sel, err := discovery.ParseSelector(resource)
	if err != nil {
		return err
	}
	target, err := discovery.NewResolver(logger, c.discovery).Resolve(sel)
	if err != nil {
		return err
	}
	namespace := settings.Discovery.Namespace
	if !target.Namespaced {
		namespace = ""
	}
	logger.Debug("Watching", zap.String("resource", target.GVR.String()), zap.String("namespace", namespace))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printer := newEventPrinter(out, outputFmt)
	processor := queueing.ProcessorFunc(func(_ context.Context, event types.RawEvent, replenished *primitives.Flag) error {
		printed, err := printer.print(newEventRecord(event, replenished.IsSet()))
		if err != nil {
			return err
		}
		if opts.maxEvents > 0 && printed >= opts.maxEvents {
			cancel()
		}
		return nil
	})

	source := watching.NewSource(logger, c.dynamic, target.GVR, namespace, settings.Watching, nil)
	dispatcher := queueing.NewDispatcher(logger, target.GVR, processor, settings.Batching)
	err = dispatcher.Run(ctx, source)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
