// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/AleutianScope/pkg/logging"
	"github.com/AleutianAI/AleutianScope/services/gateway"
	"github.com/AleutianAI/AleutianScope/services/scope/settings"
	"github.com/spf13/cobra"
)

// serveOptions holds flags for the serve command.
type serveOptions struct {
	port            int
	settingsFile    string
	allow           []string
	cacheTTL        time.Duration
	maxEntries      int
	requestTimeout  time.Duration
	workers         int
	metricsExporter string
	enableDebug     bool
	logLevel        string
	logDir          string
	jsonLogs        bool
}

// fingerprintOptions holds flags for the fingerprint command.
type fingerprintOptions struct {
	settingsFile string
	allow        []string
	overrides    []string
	jsonOutput   bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Chat gateway with per-request configuration and tracing",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newFingerprintCmd())
	return root
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.port, "port", envInt("GATEWAY_PORT", 12210), "HTTP port")
	f.StringVar(&opts.settingsFile, "settings", os.Getenv("GATEWAY_SETTINGS_FILE"), "YAML file of default settings")
	f.StringSliceVar(&opts.allow, "allow", nil, "keys requests may override (default: built-in allow-list)")
	f.DurationVar(&opts.cacheTTL, "cache-ttl", 0, "lifetime of a cached component bundle")
	f.IntVar(&opts.maxEntries, "cache-max-entries", 0, "maximum cached bundles")
	f.DurationVar(&opts.requestTimeout, "request-timeout", 0, "per-request deadline")
	f.IntVar(&opts.workers, "workers", 0, "retrieval worker pool size")
	f.StringVar(&opts.metricsExporter, "metrics-exporter", "prometheus", "prometheus, stdout or none")
	f.BoolVar(&opts.enableDebug, "debug-endpoints", false, "expose /debug/config and /debug/cache")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&opts.logDir, "log-dir", "", "also write JSON logs to this directory")
	f.BoolVar(&opts.jsonLogs, "json-logs", false, "write JSON logs to stderr")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	level, ok := logging.ParseLevel(opts.logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", opts.logLevel)
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  opts.logDir,
		Service: "gateway",
		JSON:    opts.jsonLogs,
	})
	defer logger.Close()

	svc, err := gateway.New(gateway.Config{
		Port:            opts.port,
		GinMode:         "release",
		SettingsFile:    opts.settingsFile,
		AllowList:       opts.allow,
		CacheTTL:        opts.cacheTTL,
		CacheMaxEntries: opts.maxEntries,
		RequestTimeout:  opts.requestTimeout,
		Workers:         opts.workers,
		MetricsExporter: opts.metricsExporter,
		EnableDebug:     opts.enableDebug,
		Logger:          logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

// =============================================================================
// fingerprint
// =============================================================================

func newFingerprintCmd() *cobra.Command {
	opts := &fingerprintOptions{}
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the configuration fingerprint for a set of overrides",
		Long: `Merges --override values onto the process defaults and prints the
resulting fingerprint and where each allow-listed key came from. Values are
never printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFingerprint(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.settingsFile, "settings", os.Getenv("GATEWAY_SETTINGS_FILE"), "YAML file of default settings")
	f.StringSliceVar(&opts.allow, "allow", nil, "keys requests may override (default: built-in allow-list)")
	f.StringArrayVarP(&opts.overrides, "override", "o", nil, "KEY=VALUE override, repeatable")
	f.BoolVar(&opts.jsonOutput, "json", false, "print JSON")
	return cmd
}

type fingerprintReport struct {
	Fingerprint string                      `json:"fingerprint"`
	Keys        map[string]settings.KeyView `json:"keys"`
	Ignored     []string                    `json:"ignored,omitempty"`
}

func runFingerprint(cmd *cobra.Command, opts *fingerprintOptions) error {
	overrides, err := parseOverrides(opts.overrides)
	if err != nil {
		return err
	}

	allow := settings.DefaultAllowList()
	if len(opts.allow) > 0 {
		allow = settings.NewAllowList(opts.allow...)
	}
	base, err := settings.Load(opts.settingsFile, allow.Keys())
	if err != nil {
		return err
	}

	eff := settings.Merge(base, overrides, allow)
	report := fingerprintReport{
		Fingerprint: eff.Fingerprint().String(),
		Keys:        settings.Redacted(eff),
	}
	for k := range overrides {
		if !allow.Contains(k) {
			report.Ignored = append(report.Ignored, k)
		}
	}
	sort.Strings(report.Ignored)

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "fingerprint: %s\n", report.Fingerprint)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSOURCE\tPRESENT")
	for _, k := range allow.Keys() {
		v := report.Keys[k]
		fmt.Fprintf(tw, "%s\t%s\t%t\n", k, v.Source, v.Present)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(report.Ignored) > 0 {
		fmt.Fprintf(out, "ignored (not overridable): %s\n", strings.Join(report.Ignored, ", "))
	}
	return nil
}

// parseOverrides turns KEY=VALUE pairs into a map. Later pairs win.
func parseOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: want KEY=VALUE", p)
		}
		out[key] = value
	}
	return out, nil
}

// envInt returns the integer environment variable or a default.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
