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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buildforge/scheduler/internal/scheduler"
)

// connTransport adapts a *websocket.Conn to scheduler.WorkerTransport.
// gorilla/websocket requires at most one concurrent writer per
// connection, hence the mutex.
type connTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newConnTransport(conn *websocket.Conn) *connTransport {
	return &connTransport{conn: conn}
}

func (t *connTransport) writeJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(v)
}

func (t *connTransport) sendConnectionResult(workerID string) error {
	return t.writeJSON(outboundMessage{Kind: outboundConnectionResult, WorkerID: workerID})
}

func (t *connTransport) SendStartAction(info *scheduler.ActionInfo, salt uint64, queuedTimestamp time.Time) error {
	return t.writeJSON(outboundMessage{
		Kind:            outboundStartAction,
		ActionInfo:      toWireActionInfo(info),
		Salt:            salt,
		QueuedTimestamp: queuedTimestamp,
	})
}

func (t *connTransport) SendKillAction(fp scheduler.ActionInfoHashKey) error {
	return t.writeJSON(outboundMessage{Kind: outboundKillAction, Fingerprint: toWireFingerprint(fp)})
}

func (t *connTransport) SendKillAll() error {
	return t.writeJSON(outboundMessage{Kind: outboundKillAll})
}

var _ scheduler.WorkerTransport = (*connTransport)(nil)
