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

package powervault

import (
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/water4699/power-key-vault/auth"
	"github.com/water4699/power-key-vault/fhe"
	"github.com/water4699/power-key-vault/pipeline"
)

// runMode constants for operational mode configuration
const (
	runModeServe = "serve"
	runModeDev   = "dev"
)

type Config struct {
	promRegistry    prometheus.Registerer
	logger          *slog.Logger
	codec           fhe.Coprocessor
	signer          auth.Signer
	dataDir         string
	network         string
	owner           fhe.Address
	deployments     map[string]fhe.Address
	valueCap        float64
	valueScale      uint32
	grantDays       uint32
	runMode         string
	tracing         bool
	tracingStdout   bool
	shutdownTimeout time.Duration
}

// isDevMode returns true if running in development mode
func (c *Config) isDevMode() bool {
	return c.runMode == runModeDev
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new node config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
		network:     "localnet",
		deployments: make(map[string]fhe.Address),
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithDatabasePath specifies the persistent data directory to use. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithNetwork specifies the named network to operate on
func WithNetwork(network string) ConfigOptionFunc {
	return func(c *Config) {
		c.network = network
	}
}

// WithOwner specifies the signer identity the node's session runs under
func WithOwner(owner fhe.Address) ConfigOptionFunc {
	return func(c *Config) {
		c.owner = fhe.NormalizeAddress(string(owner))
	}
}

// WithDeployment binds a contract address to a named network. The binding
// for the active network is required
func WithDeployment(network string, contract fhe.Address) ConfigOptionFunc {
	return func(c *Config) {
		c.deployments[network] = contract
	}
}

// WithCodec specifies the ciphertext co-processor to use. Dev mode defaults
// to the in-memory mock
func WithCodec(codec fhe.Coprocessor) ConfigOptionFunc {
	return func(c *Config) {
		c.codec = codec
	}
}

// WithSigner specifies the grant signer to use. Dev mode defaults to an
// auto-approving signer
func WithSigner(signer auth.Signer) ConfigOptionFunc {
	return func(c *Config) {
		c.signer = signer
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithValueCap specifies the maximum unscaled record value accepted at
// submission. The default is 10000
func WithValueCap(capValue float64) ConfigOptionFunc {
	return func(c *Config) {
		c.valueCap = capValue
	}
}

// WithValueScale specifies the plaintext scaling factor used for ciphertext
// storage. The default is 10 (one decimal digit)
func WithValueScale(scale uint32) ConfigOptionFunc {
	return func(c *Config) {
		c.valueScale = scale
	}
}

// WithGrantDurationDays specifies the validity window for decryption
// grants. The default is 7 days
func WithGrantDurationDays(days uint32) ConfigOptionFunc {
	return func(c *Config) {
		c.grantDays = days
	}
}

// WithRunMode sets the operational mode ("serve" or "dev").
// "dev" mode enables development behaviors (mock co-processor, auto-signer).
func WithRunMode(mode string) ConfigOptionFunc {
	return func(c *Config) {
		c.runMode = mode
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

// sessionContext returns the session context described by the config's
// network and owner.
func (c *Config) sessionContext() pipeline.SessionContext {
	return pipeline.SessionContext{
		NetworkID: c.network,
		Signer:    c.owner,
	}
}
