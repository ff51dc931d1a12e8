// kopfctl is a CLI tool for trying out the per-object event dispatch locally.
//
// Installation:
//
//	go build -o kopfctl ./cmd/kopfctl
//	mv kopfctl /usr/local/bin/
//
// Usage:
//
//	kopfctl resources
//	kopfctl watch deployments.apps -n my-namespace
//	kopfctl watch kopfexamples.v1.kopf.dev -o json --batch-window 1s
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
)

var (
	version     = "dev"
	outputFmt   string
	kubeconfig  string
	kubeContext string
	verbose     bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kopfctl",
		Short: "Watch Kubernetes resources through the per-object dispatcher",
		Long: `kopfctl runs the operator's watch and dispatch machinery locally.

It resolves resources through the discovery API, lists and watches them,
and prints every event exactly as a processor would receive it: in order
per object, with bursts compacted to the latest state.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to the kubeconfig file (defaults to the standard loading rules).")
	rootCmd.PersistentFlags().StringVar(&kubeContext, "context", "", "The kubeconfig context to use.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log the dispatcher's debug output to stderr.")

	// Add subcommands
	rootCmd.AddCommand(resourcesCmd())
	rootCmd.AddCommand(watchCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
