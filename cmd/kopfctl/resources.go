package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ztaylor54/kopf/internal/discovery"
)

func resourcesCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List the resource kinds that can be watched",
		Long: `List the resource kinds served by the cluster in their preferred versions.

Any NAME, short name, or NAME.GROUP shown here can be passed to "kopfctl watch".

Examples:
  # List watchable kinds
  kopfctl resources

  # Include kinds that cannot be listed and watched
  kopfctl resources --all -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResources(cmd, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include resource kinds that cannot be listed and watched.")
	return cmd
}

func runResources(cmd *cobra.Command, all bool) error {
	if err := validateFormat(outputFmt); err != nil {
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

	resources, err := discovery.NewResolver(logger, c.discovery).Resources()
	if err != nil {
		return err
	}

	result := ResourcesResult{Resources: []ResourceInfo{}}
	for _, r := range resources {
		if !all && !r.Watchable {
			continue
		}
		result.Resources = append(result.Resources, newResourceInfo(r))
	}
	result.Total = len(result.Resources)

	return outputResult(cmd.OutOrStdout(), result, outputFmt)
}
