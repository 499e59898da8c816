package cmd

import (
	"net/http"
	"time"

	"github.com/beeper/asmux/pkg/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func startPrometheusServer(c *cli.Context, cfg config.Metrics) {
	if !cfg.Enabled && !c.Bool("metrics") {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logrus.Infof("Starting prometheus metrics server on %s", cfg.Listen)
	go func() {
		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 3 * time.Second,
		}

		if listenErr := server.ListenAndServe(); listenErr != nil {
			logrus.Fatalf("Failed to start prometheus metrics server: %v", listenErr)
		}
	}()
}
