// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "powervault.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// RunMode represents the operational mode of the vault node
type RunMode string

const (
	RunModeServe RunMode = "serve" // Full node (default)
	RunModeDev   RunMode = "dev"   // Development mode (mock co-processor, auto-signer)
)

// Valid returns true if the RunMode is a known valid mode
func (m RunMode) Valid() bool {
	switch m {
	case RunModeServe, RunModeDev, "":
		return true
	default:
		return false
	}
}

// IsDevMode returns true if the mode enables development behaviors
func (m RunMode) IsDevMode() bool {
	return m == RunModeDev
}

type Config struct {
	DatabasePath      string  `yaml:"databasePath"                                     split_words:"true"`
	BindAddr          string  `yaml:"bindAddr"                                         split_words:"true"`
	Network           string  `yaml:"network"`
	ContractAddress   string  `yaml:"contractAddress"                                  split_words:"true"`
	Owner             string  `yaml:"owner"`
	ShutdownTimeout   string  `yaml:"shutdownTimeout"                                  split_words:"true"`
	MetricsPort       uint    `yaml:"metricsPort"                                      split_words:"true"`
	ValueCap          float64 `yaml:"valueCap"                                         split_words:"true"`
	ValueScale        uint32  `yaml:"valueScale"                                       split_words:"true"`
	GrantDurationDays uint32  `yaml:"grantDurationDays"                                split_words:"true"`
	Tracing           bool    `yaml:"tracing"`
	TracingStdout     bool    `yaml:"tracingStdout"                                    split_words:"true"`
	RunMode           RunMode `yaml:"runMode"           envconfig:"POWERVAULT_RUN_MODE"`
}

var globalConfig = &Config{
	DatabasePath:      ".power-key-vault",
	BindAddr:          "0.0.0.0",
	Network:           "localnet",
	ContractAddress:   "",
	Owner:             "",
	MetricsPort:       12798,
	ValueCap:          10000,
	ValueScale:        10,
	GrantDurationDays: 7,
	RunMode:           RunModeServe,
	ShutdownTimeout:   DefaultShutdownTimeout,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.power-key-vault/config.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(
				homeDir,
				".power-key-vault",
				"config.yaml",
			)
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/power-key-vault/config.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/power-key-vault/config.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Overlay config values onto existing defaults
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process("powervault", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}

	// Validate and default RunMode
	if !globalConfig.RunMode.Valid() {
		return nil, fmt.Errorf(
			"invalid runMode: %q (must be 'serve' or 'dev')",
			globalConfig.RunMode,
		)
	}
	if globalConfig.RunMode == "" {
		globalConfig.RunMode = RunModeServe
	}

	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
