/*
   Copyright 2026 Rabbit Authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dgoldman0/rabbit/burrow"
	"github.com/dgoldman0/rabbit/pkg/config"
	"github.com/dgoldman0/rabbit/pkg/metrics"
	"github.com/dgoldman0/rabbit/pkg/warren"
)

type serveOptions struct {
	configPath  string
	contentDir  string
	metricsAddr string
	verbose     bool
}

// RootCommand builds rabbitd's cobra command tree: a bare root carrying
// the persistent flag set, with two subcommands, "serve" and "offer".
func RootCommand() *cobra.Command {
	opts := &serveOptions{}
	root := &cobra.Command{
		Use:   "rabbitd",
		Short: "Rabbit burrow daemon",
		Long:  "rabbitd runs a Rabbit burrow: it accepts tunnels, negotiates identity, and serves selectors out of a content tree.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run a burrow until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serve.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to burrow.yaml (required)")
	serve.Flags().StringVar(&opts.contentDir, "content", ".", "directory tree served for LIST/FETCH/SEARCH")
	serve.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "if set, expose Prometheus metrics on this address (e.g. :9090)")
	_ = serve.MarkFlagRequired("config")

	root.AddCommand(serve)
	root.AddCommand(offerCommand())
	return root
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	store, err := warren.Open(opts.contentDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	b := burrow.New(cfg, burrow.Options{
		Resolver: store,
		Metrics:  m,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			logrus.Info("rabbitd: signal received, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Warn("rabbitd: metrics server exited")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	logrus.WithField("listen", cfg.Listen).WithField("identity", cfg.Identity).Info("rabbitd: burrow starting")
	return b.Serve(ctx)
}
