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

package scheduler

import (
	"sync"
)

// SessionState is one state of a worker's session lifetime (§4.6):
// Connecting -> Registered -> Idle <-> Running -> Terminated.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionRegistered
	SessionIdle
	SessionRunning
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "Connecting"
	case SessionRegistered:
		return "Registered"
	case SessionIdle:
		return "Idle"
	case SessionRunning:
		return "Running"
	case SessionTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

func validSessionTransition(from, to SessionState) bool {
	switch from {
	case SessionConnecting:
		return to == SessionRegistered || to == SessionTerminated
	case SessionRegistered:
		return to == SessionIdle || to == SessionTerminated
	case SessionIdle:
		return to == SessionRunning || to == SessionTerminated
	case SessionRunning:
		return to == SessionIdle || to == SessionTerminated
	case SessionTerminated:
		return false
	default:
		return false
	}
}

// InboundKind tags the message types a worker sends to the server.
type InboundKind int

const (
	InboundKeepAlive InboundKind = iota
	InboundExecuteResult
	InboundInternalError
	InboundGoingAway
)

// Inbound is one message received from a worker over its session
// transport.
type Inbound struct {
	Kind         InboundKind
	Stage        ActionStage // set when Kind == InboundExecuteResult
	ErrorKind    Kind        // set when Kind == InboundInternalError
	ErrorMessage string
}

// Session tracks one worker connection's state machine and drives its
// transitions from inbound messages and registry/matching events. It owns
// no network code; WorkerTransport (in worker.go) carries the outbound
// side, and the caller (internal/wsapi) feeds Inbound messages in via
// HandleInbound.
type Session struct {
	mu       sync.Mutex
	workerID string
	state    SessionState
	tx       WorkerTransport
}

// NewSession creates a session in the Connecting state.
func NewSession(tx WorkerTransport) *Session {
	return &Session{state: SessionConnecting, tx: tx}
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition applies from->to if valid, returning a KindInternal error
// otherwise.
func (s *Session) transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validSessionTransition(s.state, to) {
		return New(KindInternal, "invalid session transition: "+s.state.String()+" -> "+to.String())
	}
	s.state = to
	return nil
}

// Register completes Connecting -> Registered, assigning workerID. It
// sends nothing; ConnectionResult is sent by the transport's owner.
func (s *Session) Register(workerID string) error {
	if err := s.transition(SessionRegistered); err != nil {
		return err
	}
	s.mu.Lock()
	s.workerID = workerID
	s.mu.Unlock()
	return nil
}

// MarkIdle moves Registered -> Idle (initial) or Running -> Idle (after a
// terminal ExecuteResult).
func (s *Session) MarkIdle() error {
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()
	if cur == SessionRegistered || cur == SessionRunning {
		return s.transition(SessionIdle)
	}
	return New(KindInternal, "cannot mark idle from "+cur.String())
}

// MarkRunning moves Idle -> Running on StartAction dispatch.
func (s *Session) MarkRunning() error {
	return s.transition(SessionRunning)
}

// HandleInbound applies the session-state-machine effect of receiving in,
// independent of whatever the scheduler facade does with the same
// message: a terminal ExecuteResult or an InternalError both return the
// session to Idle, since the worker is no longer executing anything;
// GoingAway terminates the session outright. KeepAlive and a
// non-terminal ExecuteResult have no state effect.
func (s *Session) HandleInbound(in Inbound) error {
	switch in.Kind {
	case InboundExecuteResult:
		if !in.Stage.Kind.Terminal() {
			return nil
		}
		return s.MarkIdle()
	case InboundInternalError:
		return s.MarkIdle()
	case InboundGoingAway:
		return s.Terminate()
	default:
		return nil
	}
}

// Terminate moves any non-terminal state to Terminated, sending KillAll
// if the transport is still reachable.
func (s *Session) Terminate() error {
	if err := s.transition(SessionTerminated); err != nil {
		return err
	}
	if s.tx != nil {
		_ = s.tx.SendKillAll()
	}
	return nil
}

// WorkerID returns the worker_id assigned at registration, or "" before
// Register is called.
func (s *Session) WorkerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID
}
