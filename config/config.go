// Copyright (C) 2025 corrsight contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the pipeline and its servers.
type Config struct {
	// Persistence
	MongoURI      string
	MongoDatabase string
	RetentionDays int

	// HTTP ingest / REST API
	HTTPPort    int
	HMACSecret  string
	MaxBodySize int64 // bytes, ingest hard cap

	// WebSocket fan-out
	WSPort        int
	WSMaxConns    int
	WSConnTimeout time.Duration
	WSAuthToken   string // empty disables auth

	// Clustering
	ClusterWindow       time.Duration
	SimilarityThreshold float64

	// Correlation
	CorrelationWindow time.Duration

	// Operational
	LogLevel       string
	MetricsEnabled bool
	MetricsPort    int
	AuditEnabled   bool
}

// Global config instance
var Global *Config

// Load initializes the configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		MongoURI:            "mongodb://localhost:27017",
		MongoDatabase:       "corrsight",
		RetentionDays:       7,
		HTTPPort:            8080,
		HMACSecret:          "",
		MaxBodySize:         1 << 20, // 1 MiB
		WSPort:              8081,
		WSMaxConns:          100,
		WSConnTimeout:       90 * time.Second,
		ClusterWindow:       120 * time.Second,
		SimilarityThreshold: 0.75,
		CorrelationWindow:   300 * time.Second,
		LogLevel:            "info",
		MetricsEnabled:      true,
		MetricsPort:         9090,
		AuditEnabled:        true,
	}

	if val := os.Getenv("MONGO_URI"); val != "" {
		cfg.MongoURI = val
	}
	if val := os.Getenv("MONGO_DATABASE"); val != "" {
		cfg.MongoDatabase = val
	}
	if val := os.Getenv("RETENTION_DAYS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.RetentionDays = i
		} else {
			log.Printf("Warning: Invalid RETENTION_DAYS value: %s", val)
		}
	}
	if val := os.Getenv("HTTP_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.HTTPPort = i
		} else {
			log.Printf("Warning: Invalid HTTP_PORT value: %s", val)
		}
	}
	if val := os.Getenv("HMAC_SECRET"); val != "" {
		cfg.HMACSecret = val
	}
	if val := os.Getenv("MAX_BODY_SIZE"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil && i > 0 {
			cfg.MaxBodySize = i
		} else {
			log.Printf("Warning: Invalid MAX_BODY_SIZE value: %s", val)
		}
	}
	if val := os.Getenv("WS_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.WSPort = i
		} else {
			log.Printf("Warning: Invalid WS_PORT value: %s", val)
		}
	}
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.WSMaxConns = i
		} else {
			log.Printf("Warning: Invalid WS_MAX_CONNECTIONS value: %s", val)
		}
	}
	if val := os.Getenv("WS_AUTH_TOKEN"); val != "" {
		cfg.WSAuthToken = val
	}
	if val := os.Getenv("CLUSTER_WINDOW_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.ClusterWindow = time.Duration(i) * time.Second
		} else {
			log.Printf("Warning: Invalid CLUSTER_WINDOW_SECONDS value: %s", val)
		}
	}
	if val := os.Getenv("SIMILARITY_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil && f > 0 && f <= 1 {
			cfg.SimilarityThreshold = f
		} else {
			log.Printf("Warning: Invalid SIMILARITY_THRESHOLD value: %s", val)
		}
	}
	if val := os.Getenv("CORRELATION_WINDOW_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.CorrelationWindow = time.Duration(i) * time.Second
		} else {
			log.Printf("Warning: Invalid CORRELATION_WINDOW_SECONDS value: %s", val)
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		cfg.MetricsEnabled = val == "true" || val == "1"
	}
	if val := os.Getenv("METRICS_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.MetricsPort = i
		} else {
			log.Printf("Warning: Invalid METRICS_PORT value: %s", val)
		}
	}
	if val := os.Getenv("AUDIT_ENABLED"); val != "" {
		cfg.AuditEnabled = val == "true" || val == "1"
	}

	Global = cfg
	return cfg
}

// Get returns the global config, loading it on first use.
func Get() *Config {
	if Global == nil {
		return Load()
	}
	return Global
}
