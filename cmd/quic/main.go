// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command quic runs a minimal QUIC endpoint for manual testing and exports
// its connection stats, grounded on distribution-distribution's cobra
// command tree (registry/root.go: one RootCmd with serve/dial/stats
// subcommands added in init).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	quicpkg "github.com/quicweave/quic"
)

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(DialCmd)
	RootCmd.AddCommand(StatsCmd)
	ServeCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	DialCmd.Flags().StringVarP(&dialAddr, "addr", "a", "", "remote address to dial, host:port")
	StatsCmd.Flags().StringVarP(&statsOut, "out", "o", "-", "CSV output path, or - for stdout")
}

var (
	configPath string
	dialAddr   string
	statsOut   string
)

// RootCmd is the main command for the quic binary.
var RootCmd = &cobra.Command{
	Use:   "quic",
	Short: "`quic` runs a QUIC connection-core endpoint",
	Long:  "`quic` runs a QUIC connection-core endpoint for manual testing.",
	Run: func(cmd *cobra.Command, args []string) {
		// nolint:errcheck
		cmd.Usage()
	},
}

// ServeCmd starts an Endpoint, accepting connections until interrupted.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "listen for inbound connections",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadServeConfig(configPath)
		if err != nil {
			logrus.Fatalf("config: %v", err)
		}
		ep, err := quicpkg.Listen(*cfg)
		if err != nil {
			logrus.Fatalf("listen: %v", err)
		}
		defer ep.Close()

		if cfg.Metrics.Listen != "" {
			go serveMetrics(cfg.Metrics.Listen)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		logrus.WithField("addr", cfg.Listen).Info("quic: listening")
		for {
			c, err := ep.Accept(ctx)
			if err != nil {
				return
			}
			logrus.WithField("conn_id", c.Stats().ConnID).Info("quic: accepted connection")
		}
	},
}

// DialCmd opens a client connection and prints its connection ID; it does
// not wait for the handshake to complete.
var DialCmd = &cobra.Command{
	Use:   "dial",
	Short: "dial a remote endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		if dialAddr == "" {
			logrus.Fatal("dial: --addr is required")
		}
		ep, err := quicpkg.Listen(quicpkg.Config{Listen: ":0"})
		if err != nil {
			logrus.Fatalf("listen: %v", err)
		}
		defer ep.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := ep.Dial(ctx, dialAddr)
		if err != nil {
			logrus.Fatalf("dial: %v", err)
		}
		fmt.Printf("dialed %s: conn_id=%s\n", dialAddr, c.Stats().ConnID)
	},
}

// StatsCmd writes StatSnapshot rows as CSV, grounded on m-lab-tcp-info's
// cmd/csvtool use of gocarina/gocsv.Marshal. It opens no connections of
// its own and marshals an empty slice, so its output is the CSV header.
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "export connection stats as CSV",
	Run: func(cmd *cobra.Command, args []string) {
		snapshots := []quicpkg.StatSnapshot{}
		out := os.Stdout
		if statsOut != "-" {
			f, err := os.Create(statsOut)
			if err != nil {
				logrus.Fatalf("stats: %v", err)
			}
			defer f.Close()
			out = f
		}
		if err := gocsv.Marshal(snapshots, out); err != nil {
			logrus.Fatalf("stats: %v", err)
		}
	},
}

func loadServeConfig(path string) (*quicpkg.Config, error) {
	if path == "" {
		cfg := quicpkg.Config{}
		return &cfg, nil
	}
	return quicpkg.LoadConfig(path)
}

// serveMetrics serves the Prometheus scrape endpoint for `quic serve
// --config`'s metrics.listen address.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logrus.WithField("addr", addr).Info("quic: serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.WithError(err).Warn("quic: metrics server exited")
	}
}
