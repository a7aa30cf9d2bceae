package cli

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var metricsAddr string

func newServeMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Open an environment and serve its Prometheus metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServeMetrics,
	}
	cmd.Flags().StringVar(&metricsAddr, "addr", ":9090", "Address to listen on")
	return cmd
}

func runServeMetrics(cmd *cobra.Command, args []string) error {
	env, err := openEnv(true)
	if err != nil {
		return err
	}
	defer env.Close()

	registry := env.Registry()
	if registry == nil {
		return fmt.Errorf("environment has no metrics registry")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on %s/metrics\n", metricsAddr)
	return http.ListenAndServe(metricsAddr, mux)
}
