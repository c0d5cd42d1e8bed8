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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger := New(cfg)
	logger.Info("hello", String(WorkerIDKey, "w1"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "hello", decoded["msg"])
	assert.Equal(t, "w1", decoded[WorkerIDKey])
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "info", Format: FormatText, Output: &buf}

	logger := New(cfg)
	logger.Info("hello")

	assert.Contains(t, buf.String(), "hello")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("FLEETFORGE_DEBUG", "")
	t.Setenv("FLEETFORGE_LOG_LEVEL", "")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_SOURCE", "1")

	cfg := FromEnv()
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestFromEnvDebugOverridesLevel(t *testing.T) {
	t.Setenv("FLEETFORGE_DEBUG", "1")
	t.Setenv("FLEETFORGE_LOG_LEVEL", "error")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_SOURCE", "")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestWithComponentAndAction(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger = WithComponent(logger, "matching")
	logger = WithAction(logger, "main", "deadbeef")
	logger = WithWorker(logger, "w-42")
	logger.Info("matched")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "matching", decoded["component"])
	assert.Equal(t, "main", decoded[InstanceKey])
	assert.Equal(t, "deadbeef", decoded[FingerprintKey])
	assert.Equal(t, "w-42", decoded[WorkerIDKey])
}

func TestTraceLogsAtTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})

	Trace(logger, "frame", String("frame_type", "start_action"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "frame", decoded["msg"])
}

func TestDefaultConfigOutputIsStderr(t *testing.T) {
	assert.Equal(t, os.Stderr, DefaultConfig().Output)
}
