// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/toitlang/trove/config"
	"github.com/toitlang/trove/pkg/netserver"
)

func (h *troveHandler) addServeCommands(cmd *cobra.Command, errorCfgRun func(CobraErrorCommand) CobraCommand) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves a repository over the network",
		Long: `Serves the repository named in the server configuration.

The configuration is a YAML file. A server with a 'proxy' section also
forwards requests that carry a proxy target, so that it can sit between
clients and other repositories.`,
		Example: `  # Serve with metrics on a separate port.
  trove serve --config /etc/trove/server.yaml --metrics-listen :9100`,
		Run:  errorCfgRun(h.serve),
		Args: cobra.NoArgs,
	}
	serveCmd.Flags().String("config", "", "server configuration file")
	serveCmd.Flags().String("listen", "", "override the listen address")
	serveCmd.Flags().String("metrics-listen", "", "serve prometheus metrics on this address")
	serveCmd.MarkFlagRequired("config")
	cmd.AddCommand(serveCmd)

	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Runs a caching proxy for other repositories",
		Long: `Runs a server that only forwards requests.

The configuration must have a 'proxy' section. A 'repository' entry is
allowed, in which case the repository is served too.`,
		Run:  errorCfgRun(h.proxy),
		Args: cobra.NoArgs,
	}
	proxyCmd.Flags().String("config", "", "server configuration file")
	proxyCmd.Flags().String("listen", "", "override the listen address")
	proxyCmd.Flags().String("metrics-listen", "", "serve prometheus metrics on this address")
	proxyCmd.MarkFlagRequired("config")
	cmd.AddCommand(proxyCmd)
}

func (h *troveHandler) serve(cmd *cobra.Command, args []string) error {
	return h.runServer(cmd, false)
}

func (h *troveHandler) proxy(cmd *cobra.Command, args []string) error {
	return h.runServer(cmd, true)
}

func (h *troveHandler) runServer(cmd *cobra.Command, proxyOnly bool) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}
	metricsListen, err := cmd.Flags().GetString("metrics-listen")
	if err != nil {
		return err
	}
	cfg, err := netserver.LoadConfig(path)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if proxyOnly && cfg.Proxy == nil {
		return h.ui.ReportError("configuration '%s' has no proxy section", path)
	}
	if !proxyOnly && cfg.Repository == "" {
		h.ui.Suggest("trove", "proxy", "--config", path)
		return h.ui.ReportError("configuration '%s' names no repository", path)
	}

	if cfg.Proxy != nil && cfg.Proxy.ContentsCache == "" {
		if cfg.Proxy.ContentsCache, err = config.ContentsPath(h.cfg.CachePath); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s, err := netserver.FromConfig(cfg, h.log, reg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsListen != "" {
		metrics := &http.Server{Addr: metricsListen, Handler: metricsHandler(reg)}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				h.log.WithError(err).Error("metrics server failed")
			}
		}()
		defer shutdown(metrics)
	}
	if err := s.ListenAndServe(ctx, cfg.Listen); err != nil && err != http.ErrServerClosed {
		return errors.Wrapf(err, "serving on '%s'", cfg.Listen)
	}
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
