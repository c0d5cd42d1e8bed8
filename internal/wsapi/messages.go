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

package wsapi

import (
	"time"

	"github.com/buildforge/scheduler/internal/scheduler"
)

// outboundKind tags a server -> worker UpdateForWorker message (§4.6,
// §9: "UpdateForWorker{ConnectionResult | StartAction | KillAction |
// KillAll}").
type outboundKind string

const (
	outboundConnectionResult outboundKind = "connection_result"
	outboundStartAction      outboundKind = "start_action"
	outboundKillAction       outboundKind = "kill_action"
	outboundKillAll          outboundKind = "kill_all"
)

// outboundMessage is the wire envelope sent to a worker.
type outboundMessage struct {
	Kind outboundKind `json:"kind"`

	WorkerID string `json:"worker_id,omitempty"`

	ActionInfo      *wireActionInfo `json:"action_info,omitempty"`
	Salt            uint64          `json:"salt,omitempty"`
	QueuedTimestamp time.Time       `json:"queued_timestamp,omitempty"`

	Fingerprint *wireFingerprint `json:"fingerprint,omitempty"`
}

// inboundKind tags a worker -> server message (§9: "ExecuteResult{done |
// internal_error} + KeepAlive + GoingAway").
type inboundKind string

const (
	inboundKeepAlive     inboundKind = "keep_alive"
	inboundExecuteResult inboundKind = "execute_result"
	inboundInternalError inboundKind = "internal_error"
	inboundGoingAway     inboundKind = "going_away"
)

// inboundMessage is the wire envelope received from a worker.
type inboundMessage struct {
	Kind inboundKind `json:"kind"`

	Fingerprint *wireFingerprint `json:"fingerprint,omitempty"`
	StageKind   string           `json:"stage_kind,omitempty"`
	ExitCode    int32            `json:"exit_code,omitempty"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// registerMessage is the first frame a worker sends after the WebSocket
// upgrade: its bearer token and advertised platform properties.
type registerMessage struct {
	Token      string              `json:"token"`
	Properties map[string][]string `json:"properties"`
}

type wireFingerprint struct {
	InstanceName string `json:"instance_name"`
	Hash         string `json:"hash"`
	SizeBytes    int64  `json:"size_bytes"`
	Salt         uint64 `json:"salt"`
}

func toWireFingerprint(fp scheduler.ActionInfoHashKey) *wireFingerprint {
	return &wireFingerprint{
		InstanceName: fp.InstanceName,
		Hash:         fp.Digest.Hash,
		SizeBytes:    fp.Digest.SizeBytes,
		Salt:         fp.Salt,
	}
}

func (w *wireFingerprint) toFingerprint() scheduler.ActionInfoHashKey {
	return scheduler.ActionInfoHashKey{
		InstanceName: w.InstanceName,
		Digest:       scheduler.Digest{Hash: w.Hash, SizeBytes: w.SizeBytes},
		Salt:         w.Salt,
	}
}

type wireActionInfo struct {
	InstanceName    string            `json:"instance_name"`
	CommandHash     string            `json:"command_hash"`
	CommandSize     int64             `json:"command_size"`
	InputRootHash   string            `json:"input_root_hash"`
	InputRootSize   int64             `json:"input_root_size"`
	Timeout         time.Duration     `json:"timeout"`
	PlatformProps   map[string]string `json:"platform_props"`
	Priority        int64             `json:"priority"`
	UniqueQualifier string            `json:"unique_qualifier"`
}

func toWireActionInfo(info *scheduler.ActionInfo) *wireActionInfo {
	return &wireActionInfo{
		InstanceName:    info.InstanceName,
		CommandHash:     info.CommandDigest.Hash,
		CommandSize:     info.CommandDigest.SizeBytes,
		InputRootHash:   info.InputRootDigest.Hash,
		InputRootSize:   info.InputRootDigest.SizeBytes,
		Timeout:         info.Timeout,
		PlatformProps:   info.PlatformProps,
		Priority:        info.Priority,
		UniqueQualifier: info.UniqueQualifier,
	}
}
