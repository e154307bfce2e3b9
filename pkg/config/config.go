/*
Copyright 2024 Bud Studio.

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

// Package config implements the configuration loader (component I):
// parsing the §6.4 environment-variable table into a validated Config,
// assembled once at startup and threaded down by value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved, validated set of tunables for one agent
// process.
type Config struct {
	CoordinationEnabled  bool
	CoordinationEndpoints []string
	NodeID               string

	SyncInterval             time.Duration
	LeaderTTL                time.Duration
	ReconcilerInterval       time.Duration
	ScaleUpRateWindow        time.Duration
	AutoscalerRecreateDelay  time.Duration
	ScaleUpReadyTimeout      time.Duration
	APICallTimeout           time.Duration

	MetricsAddr string
	LogLevel    string

	// PacketSourcePath is the pinned ring-buffer handle the out-of-scope
	// kernel filter writes packet events to (§6.2).
	PacketSourcePath string
}

// Load reads every §6.4 variable from the environment, applying defaults,
// and validates the result. A malformed value is a startup-time
// ConfigError: the caller should treat a non-nil error as fatal.
func Load() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("COORDINATION_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: COORDINATION_ENABLED: %w", err)
		}
		cfg.CoordinationEnabled = b
	}

	if v, ok := os.LookupEnv("COORDINATION_ENDPOINTS"); ok && v != "" {
		cfg.CoordinationEndpoints = splitCSV(v)
	}

	if v, ok := os.LookupEnv("NODE_ID"); ok && v != "" {
		cfg.NodeID = v
	} else if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("config: NODE_ID not set and hostname unavailable: %w", err)
		}
		cfg.NodeID = hostname
	}

	var err error
	if cfg.SyncInterval, err = durationMillisFromEnv("SYNC_INTERVAL_MS", cfg.SyncInterval); err != nil {
		return Config{}, err
	}
	if cfg.LeaderTTL, err = durationSecondsFromEnv("LEADER_TTL_SEC", cfg.LeaderTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReconcilerInterval, err = durationMillisFromEnv("RECONCILER_INTERVAL_MS", cfg.ReconcilerInterval); err != nil {
		return Config{}, err
	}
	if cfg.ScaleUpRateWindow, err = durationSecondsFromEnv("SCALEUP_RATE_WINDOW_SEC", cfg.ScaleUpRateWindow); err != nil {
		return Config{}, err
	}
	if cfg.AutoscalerRecreateDelay, err = durationSecondsFromEnv("AUTOSCALER_RECREATE_DELAY_SEC", cfg.AutoscalerRecreateDelay); err != nil {
		return Config{}, err
	}
	if cfg.ScaleUpReadyTimeout, err = durationSecondsFromEnv("SCALEUP_READY_TIMEOUT_SEC", cfg.ScaleUpReadyTimeout); err != nil {
		return Config{}, err
	}
	if cfg.APICallTimeout, err = durationSecondsFromEnv("API_CALL_TIMEOUT_SEC", cfg.APICallTimeout); err != nil {
		return Config{}, err
	}

	if v, ok := os.LookupEnv("METRICS_ADDR"); ok && v != "" {
		cfg.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("PACKET_SOURCE_PATH"); ok && v != "" {
		cfg.PacketSourcePath = v
	}

	if cfg.CoordinationEnabled && len(cfg.CoordinationEndpoints) == 0 {
		return Config{}, fmt.Errorf("config: COORDINATION_ENABLED=true requires COORDINATION_ENDPOINTS")
	}

	return cfg, nil
}

// Default returns the §6.4 defaults, before any environment overrides.
func Default() Config {
	return Config{
		CoordinationEnabled:     false,
		SyncInterval:            time.Second,
		LeaderTTL:               30 * time.Second,
		ReconcilerInterval:      100 * time.Millisecond,
		ScaleUpRateWindow:       5 * time.Second,
		AutoscalerRecreateDelay: 10 * time.Second,
		ScaleUpReadyTimeout:     30 * time.Second,
		APICallTimeout:          30 * time.Second,
		MetricsAddr:             ":9090",
		LogLevel:                "info",
		PacketSourcePath:        "/sys/fs/bpf/scale_to_zero/events",
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationMillisFromEnv(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func durationSecondsFromEnv(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return time.Duration(n) * time.Second, nil
}
