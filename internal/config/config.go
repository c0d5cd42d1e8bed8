// Copyright 2025 Tom Barlow
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

// Package config loads the scheduler's JSON5-with-shell-expansion
// configuration document (§6): stores, schedulers, workers, servers, and
// global settings. Load parses the document once at startup; the
// returned *Config is never mutated afterward, the same "load once, pass
// by reference" discipline the teacher applied to its own config.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// DigestHashFunction is the default content digest function (§6).
type DigestHashFunction string

const (
	DigestHashSha256 DigestHashFunction = "sha256"
	DigestHashBlake3 DigestHashFunction = "blake3"
)

// Config is the top-level configuration document.
type Config struct {
	Stores     map[string]StoreConfig     `json:"stores,omitempty"`
	Schedulers map[string]SchedulerConfig `json:"schedulers,omitempty"`
	Workers    []WorkerConfig             `json:"workers,omitempty"`
	Servers    []ServerConfig             `json:"servers,omitempty"`
	Global     GlobalConfig               `json:"global,omitempty"`
}

// StoreConfig is opaque per-backend store configuration (the scheduler
// core never reads blob contents; concrete store wiring is an external
// concern per spec.md Non-goals). Kept as a raw document so new store
// kinds never require a config schema change here.
type StoreConfig map[string]json.RawMessage

// SchedulerConfig names a scheduler instance and its platform property
// schema (§4.1): the key -> match-type table the Platform Property
// Manager validates actions and workers against.
type SchedulerConfig struct {
	Kind               string            `json:"kind"`
	PlatformProperties map[string]string `json:"platform_properties,omitempty"`
}

// WorkerConfig describes one worker pool. Variant "local" is the only one
// implemented in-process; other kinds are accepted but left for an
// external worker binary to interpret.
type WorkerConfig struct {
	Kind                string            `json:"kind"`
	Local               *LocalWorkerConfig `json:"local,omitempty"`
}

// LocalWorkerConfig configures an in-process worker pool (§6: "variant
// local carries work_directory, cas_fast_slow_store ref,
// upload_action_result config, platform_properties, precondition_script").
type LocalWorkerConfig struct {
	WorkDirectory        string                 `json:"work_directory"`
	CASFastSlowStore     string                 `json:"cas_fast_slow_store,omitempty"`
	UploadActionResult    UploadActionResultConfig `json:"upload_action_result,omitempty"`
	PlatformProperties   map[string][]string    `json:"platform_properties,omitempty"`
	PreconditionScript   *PreconditionScript    `json:"precondition_script,omitempty"`
}

// UploadActionResultConfig configures how a local worker persists results
// into the Action Cache after execution, via internal/retry.
type UploadActionResultConfig struct {
	UploadAcResultsStrategy string `json:"upload_ac_results_strategy,omitempty"`
	MaxRetries              int    `json:"max_retries,omitempty"`
}

// PreconditionScript points at a YAML sidecar describing a script a
// local worker must run successfully before it accepts actions (§3
// DOMAIN STACK: the one place gopkg.in/yaml.v3 is used). Load reads and
// parses Path into Detail; Detail is nil until that succeeds.
type PreconditionScript struct {
	Path   string                     `json:"path"`
	Detail *PreconditionScriptDetail `json:"-"`
}

// PreconditionScriptDetail is the decoded precondition_script sidecar.
type PreconditionScriptDetail struct {
	Command []string          `yaml:"command"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// UnmarshalYAML lets Timeout be written as a duration string ("30s")
// in the sidecar document instead of raw nanoseconds.
func (d *PreconditionScriptDetail) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Command []string          `yaml:"command"`
		Timeout string            `yaml:"timeout,omitempty"`
		Env     map[string]string `yaml:"env,omitempty"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d.Command = raw.Command
	d.Env = raw.Env
	if raw.Timeout == "" {
		return nil
	}
	timeout, err := time.ParseDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("precondition_script: invalid timeout %q: %w", raw.Timeout, err)
	}
	d.Timeout = timeout
	return nil
}

// loadPreconditionScript reads and parses the YAML sidecar at path.
func loadPreconditionScript(path string) (*PreconditionScriptDetail, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read precondition_script %s: %w", path, err)
	}
	var detail PreconditionScriptDetail
	if err := yaml.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("config: parse precondition_script %s: %w", path, err)
	}
	return &detail, nil
}

// ServerConfig describes one listening server (§6).
type ServerConfig struct {
	Name           string              `json:"name"`
	ListenAddress  string              `json:"listen_address"`
	Compression    CompressionConfig   `json:"compression,omitempty"`
	AdvancedHTTP   AdvancedHTTPConfig  `json:"advanced_http,omitempty"`
	Services       ServicesConfig      `json:"services,omitempty"`
	TLS            *TLSConfig         `json:"tls,omitempty"`
}

// CompressionKind enumerates gRPC compression codecs.
type CompressionKind string

const (
	CompressionNone CompressionKind = "None"
	CompressionGzip CompressionKind = "Gzip"
)

// CompressionConfig configures gRPC compression (§6).
type CompressionConfig struct {
	Send     CompressionKind   `json:"send,omitempty"`
	Accepted []CompressionKind `json:"accepted,omitempty"`
}

// AdvancedHTTPConfig carries optional HTTP/2 tuning knobs (§6: "all
// optional"). Zero values mean "use net/http's defaults".
type AdvancedHTTPConfig struct {
	ReadTimeout       time.Duration `json:"read_timeout,omitempty"`
	WriteTimeout      time.Duration `json:"write_timeout,omitempty"`
	IdleTimeout       time.Duration `json:"idle_timeout,omitempty"`
	MaxConcurrentStreams uint32     `json:"max_concurrent_streams,omitempty"`
}

// ServicesConfig toggles which gRPC services (and Prometheus exposition)
// a server exposes (§6).
type ServicesConfig struct {
	CAS          bool `json:"cas,omitempty"`
	AC           bool `json:"ac,omitempty"`
	Capabilities bool `json:"capabilities,omitempty"`
	Execution    bool `json:"execution,omitempty"`
	ByteStream   bool `json:"bytestream,omitempty"`
	WorkerAPI    bool `json:"worker_api,omitempty"`
	Prometheus   bool `json:"prometheus,omitempty"`
}

// AnyGRPCService reports whether any REv2 gRPC service is enabled, the
// trigger for standing up a real grpc.Server on this listener.
func (s ServicesConfig) AnyGRPCService() bool {
	return s.CAS || s.AC || s.Capabilities || s.Execution || s.ByteStream || s.WorkerAPI
}

// TLSConfig names the certificate/key pair for a server (§6).
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// GlobalConfig carries process-wide settings (§6).
type GlobalConfig struct {
	MaxOpenFiles                   int                `json:"max_open_files,omitempty"`
	IdleFileDescriptorTimeoutMillis int64              `json:"idle_file_descriptor_timeout_millis,omitempty"`
	DisableMetrics                  bool               `json:"disable_metrics,omitempty"`
	DefaultDigestHashFunction       DigestHashFunction `json:"default_digest_hash_function,omitempty"`

	// WorkerTokenSecret signs and verifies the JWTs workers present on
	// WebSocket handshake. It is never read from the config document
	// itself (an operator who can read the document would otherwise
	// also learn the secret); it is populated at Load time from
	// workerTokenSecretEnvVar or, if that is unset, from the file named
	// by workerTokenSecretFileEnvVar.
	WorkerTokenSecret string `json:"-"`
}

// disableMetricsEnvVar forces metrics off regardless of the config
// document when set to any value (§6).
const disableMetricsEnvVar = "NATIVE_LINK_DISABLE_METRICS"

// workerTokenSecretEnvVar, if set, is used verbatim as the worker JWT
// signing secret.
const workerTokenSecretEnvVar = "NATIVE_LINK_WORKER_TOKEN_SECRET"

// workerTokenSecretFileEnvVar, checked when workerTokenSecretEnvVar is
// unset, names a file whose contents (trimmed of surrounding whitespace)
// are used as the worker JWT signing secret.
const workerTokenSecretFileEnvVar = "NATIVE_LINK_WORKER_TOKEN_SECRET_FILE"

// Load reads, shell-expands, and validates the configuration document at
// path. The returned Config is never mutated by any caller afterward.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	stripped := stripJSON5Comments(raw)
	stripped = stripTrailingCommas(stripped)
	expanded := os.Expand(string(stripped), lookupEnv)

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	if _, ok := os.LookupEnv(disableMetricsEnvVar); ok {
		cfg.Global.DisableMetrics = true
	}

	if cfg.Global.DefaultDigestHashFunction == "" {
		cfg.Global.DefaultDigestHashFunction = DigestHashSha256
	}

	secret, err := loadWorkerTokenSecret()
	if err != nil {
		return nil, err
	}
	cfg.Global.WorkerTokenSecret = secret

	for i := range cfg.Workers {
		local := cfg.Workers[i].Local
		if local == nil || local.PreconditionScript == nil || local.PreconditionScript.Path == "" {
			continue
		}
		detail, err := loadPreconditionScript(local.PreconditionScript.Path)
		if err != nil {
			return nil, err
		}
		local.PreconditionScript.Detail = detail
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadWorkerTokenSecret resolves the worker JWT signing secret from the
// environment, never from the config document: workerTokenSecretEnvVar
// wins if set, otherwise workerTokenSecretFileEnvVar names a file to
// read it from. Returns "" if neither is set, leaving it to validate to
// reject a worker_api server started without one.
func loadWorkerTokenSecret() (string, error) {
	if v, ok := os.LookupEnv(workerTokenSecretEnvVar); ok {
		return v, nil
	}
	path, ok := os.LookupEnv(workerTokenSecretFileEnvVar)
	if !ok {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read %s=%s: %w", workerTokenSecretFileEnvVar, path, err)
	}
	return string(bytes.TrimSpace(raw)), nil
}

func lookupEnv(key string) string {
	return os.Getenv(key)
}

func (c *Config) validate() error {
	switch c.Global.DefaultDigestHashFunction {
	case DigestHashSha256, DigestHashBlake3:
	default:
		return fmt.Errorf("%w: global.default_digest_hash_function must be sha256 or blake3, got %q",
			ErrInvalidConfig, c.Global.DefaultDigestHashFunction)
	}

	names := make(map[string]struct{}, len(c.Servers))
	for _, srv := range c.Servers {
		if srv.Name == "" {
			return fmt.Errorf("%w: servers[].name must not be empty", ErrInvalidConfig)
		}
		if _, dup := names[srv.Name]; dup {
			return fmt.Errorf("%w: duplicate server name %q", ErrInvalidConfig, srv.Name)
		}
		names[srv.Name] = struct{}{}
		if srv.ListenAddress == "" {
			return fmt.Errorf("%w: server %q missing listen_address", ErrInvalidConfig, srv.Name)
		}
		if srv.TLS != nil && (srv.TLS.CertFile == "" || srv.TLS.KeyFile == "") {
			return fmt.Errorf("%w: server %q tls requires both cert_file and key_file", ErrInvalidConfig, srv.Name)
		}
		if srv.Services.WorkerAPI && c.Global.WorkerTokenSecret == "" {
			return fmt.Errorf("%w: server %q enables worker_api but no worker token secret is set (set %s or %s)",
				ErrInvalidConfig, srv.Name, workerTokenSecretEnvVar, workerTokenSecretFileEnvVar)
		}
	}

	for name, sched := range c.Schedulers {
		if sched.Kind == "" {
			return fmt.Errorf("%w: scheduler %q missing kind", ErrInvalidConfig, name)
		}
	}

	for i, w := range c.Workers {
		if w.Kind == "local" && w.Local == nil {
			return fmt.Errorf("%w: workers[%d] kind local requires a local block", ErrInvalidConfig, i)
		}
		if w.Kind == "local" && w.Local.WorkDirectory == "" {
			return fmt.Errorf("%w: workers[%d].local.work_directory must not be empty", ErrInvalidConfig, i)
		}
	}

	return nil
}
